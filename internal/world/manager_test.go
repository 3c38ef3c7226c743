package world

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/agora/internal/agents"
	"github.com/haasonsaas/agora/internal/storage"
	"github.com/haasonsaas/agora/pkg/models"
)

type staticLLM struct {
	content string
	done    chan struct{}
}

func (s *staticLLM) Complete(context.Context, *agents.CompletionRequest) (*agents.CompletionResponse, error) {
	if s.done != nil {
		defer close(s.done)
	}
	return &agents.CompletionResponse{Content: s.content}, nil
}

type noProviders struct{}

func (noProviders) Completion(string) (agents.ChatCompletion, error) {
	return nil, errors.New("no providers configured")
}

func newTestManager(t *testing.T, mutate func(*ManagerConfig)) (*Manager, storage.API) {
	t.Helper()
	store := storage.NewMemoryStore()
	tools := agents.NewToolRegistry()
	if err := agents.RegisterBuiltins(tools, t.TempDir()); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	cfg := ManagerConfig{
		Store:     store,
		Providers: noProviders{},
		Tools:     tools,
		NewChat:   DefaultNewChatPolicy(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewManager(cfg), store
}

func TestCreateWorldNormalizesIDAndCreatesChat(t *testing.T) {
	m, store := newTestManager(t, nil)
	ctx := context.Background()

	rt, err := m.CreateWorld(ctx, "My Test World", "testing", 5)
	if err != nil {
		t.Fatalf("create world: %v", err)
	}
	world := rt.World()
	if world.ID != "my-test-world" {
		t.Errorf("world id = %q, want kebab-case", world.ID)
	}
	if rt.CurrentChatID() == nil {
		t.Fatal("initial chat must be current")
	}

	chats, err := store.ListChats(ctx, world.ID)
	if err != nil || len(chats) != 1 {
		t.Fatalf("expected one initial chat, got %d (%v)", len(chats), err)
	}
	if chats[0].Name != "New Chat" {
		t.Errorf("initial chat name = %q", chats[0].Name)
	}

	stored, err := store.Events().GetEventsByWorldAndChat(ctx, world.ID, nil)
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	var sawWorldCreate bool
	for _, ev := range stored {
		if ev.Type == models.ChannelCRUD {
			sawWorldCreate = true
		}
	}
	if !sawWorldCreate {
		t.Error("world creation must persist a crud event")
	}
}

func TestCreateWorldDuplicateRejected(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()
	if _, err := m.CreateWorld(ctx, "Dup", "", 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.CreateWorld(ctx, "Dup", "", 0); err == nil {
		t.Error("duplicate world id must be rejected")
	}
}

func TestNewChatReuse(t *testing.T) {
	m, store := newTestManager(t, nil)
	ctx := context.Background()
	rt, err := m.CreateWorld(ctx, "Reuse", "", 0)
	if err != nil {
		t.Fatalf("create world: %v", err)
	}
	first := rt.CurrentChatID()

	chat, err := m.CreateChat(ctx, rt, "New Chat")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	if first == nil || chat.ID != *first {
		t.Errorf("pristine New Chat must be reused, got %q want %q", chat.ID, *first)
	}
	chats, _ := store.ListChats(ctx, rt.World().ID)
	if len(chats) != 1 {
		t.Errorf("reuse must not create a second chat, have %d", len(chats))
	}
}

func TestNewChatReuseSkippedWhenUsed(t *testing.T) {
	m, store := newTestManager(t, nil)
	ctx := context.Background()
	rt, err := m.CreateWorld(ctx, "Used", "", 0)
	if err != nil {
		t.Fatalf("create world: %v", err)
	}
	first := *rt.CurrentChatID()

	chat, err := store.LoadChatData(ctx, rt.World().ID, first)
	if err != nil {
		t.Fatalf("load chat: %v", err)
	}
	chat.MessageCount = 3
	if err := store.UpdateChatData(ctx, chat); err != nil {
		t.Fatalf("update chat: %v", err)
	}

	created, err := m.CreateChat(ctx, rt, "New Chat")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	if created.ID == first {
		t.Error("non-empty chat must not be reused")
	}
}

func TestNewChatReuseSkippedWhenStale(t *testing.T) {
	m, _ := newTestManager(t, func(cfg *ManagerConfig) {
		cfg.NewChat.MaxReusableAge = -time.Second // everything is stale
	})
	ctx := context.Background()
	rt, err := m.CreateWorld(ctx, "Stale", "", 0)
	if err != nil {
		t.Fatalf("create world: %v", err)
	}
	first := *rt.CurrentChatID()

	created, err := m.CreateChat(ctx, rt, "New Chat")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	if created.ID == first {
		t.Error("stale chat must not be reused")
	}
}

func TestNewChatOptimizationDisabled(t *testing.T) {
	m, store := newTestManager(t, func(cfg *ManagerConfig) {
		cfg.NewChat.EnableOptimization = false
	})
	ctx := context.Background()
	rt, err := m.CreateWorld(ctx, "NoOpt", "", 0)
	if err != nil {
		t.Fatalf("create world: %v", err)
	}
	if _, err := m.CreateChat(ctx, rt, "New Chat"); err != nil {
		t.Fatalf("create chat: %v", err)
	}
	chats, _ := store.ListChats(ctx, rt.World().ID)
	if len(chats) != 2 {
		t.Errorf("optimization off must always create, have %d chats", len(chats))
	}
}

func TestDeleteChatClearsCurrentPointer(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()
	rt, err := m.CreateWorld(ctx, "Del", "", 0)
	if err != nil {
		t.Fatalf("create world: %v", err)
	}
	chatID := *rt.CurrentChatID()

	var hookWorld, hookChat string
	m.OnChatDeleted = func(worldID, id string) { hookWorld, hookChat = worldID, id }

	if err := m.DeleteChat(ctx, rt, chatID); err != nil {
		t.Fatalf("delete chat: %v", err)
	}
	if rt.CurrentChatID() != nil {
		t.Error("current-chat pointer must be cleared")
	}
	if hookWorld != rt.World().ID || hookChat != chatID {
		t.Errorf("realtime hook not invoked: %q %q", hookWorld, hookChat)
	}
}

func TestDeleteChatKeepsUnrelatedPointer(t *testing.T) {
	m, _ := newTestManager(t, func(cfg *ManagerConfig) {
		cfg.NewChat.EnableOptimization = false
	})
	ctx := context.Background()
	rt, err := m.CreateWorld(ctx, "Keep", "", 0)
	if err != nil {
		t.Fatalf("create world: %v", err)
	}
	firstChat := *rt.CurrentChatID()
	second, err := m.CreateChat(ctx, rt, "second")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	if err := m.DeleteChat(ctx, rt, firstChat); err != nil {
		t.Fatalf("delete chat: %v", err)
	}
	current := rt.CurrentChatID()
	if current == nil || *current != second.ID {
		t.Errorf("pointer to surviving chat must be kept, got %v", current)
	}
}

func TestSendMessagePersistsWithMeta(t *testing.T) {
	m, store := newTestManager(t, nil)
	ctx := context.Background()
	rt, err := m.CreateWorld(ctx, "Persist", "", 0)
	if err != nil {
		t.Fatalf("create world: %v", err)
	}
	chatID := *rt.CurrentChatID()

	if _, err := m.SendMessage(ctx, rt, nil, "hello world", "human"); err != nil {
		t.Fatalf("send message: %v", err)
	}

	stored, err := store.Events().GetEventsByWorldAndChat(ctx, rt.World().ID, models.ChatRef(chatID))
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	var message *models.StoredEvent
	for _, ev := range stored {
		if ev.Type == models.ChannelMessage {
			message = ev
		}
	}
	if message == nil {
		t.Fatal("message event not persisted")
	}
	if message.Meta == nil || !message.Meta.IsHumanMessage {
		t.Errorf("derived meta missing or wrong: %+v", message.Meta)
	}
	if !models.SameChat(message.ChatID, models.ChatRef(chatID)) {
		t.Errorf("nil chat must default to current chat, got %v", message.ChatID)
	}

	chat, err := store.LoadChatData(ctx, rt.World().ID, chatID)
	if err != nil {
		t.Fatalf("load chat: %v", err)
	}
	if chat.MessageCount != 1 {
		t.Errorf("message count = %d, want 1", chat.MessageCount)
	}
}

func TestHumanMessageTriggersTitleGeneration(t *testing.T) {
	done := make(chan struct{})
	llm := &staticLLM{content: "Trip Planning Help", done: done}
	m, store := newTestManager(t, func(cfg *ManagerConfig) {
		cfg.TitleLLM = llm
	})
	ctx := context.Background()
	rt, err := m.CreateWorld(ctx, "Titles", "", 0)
	if err != nil {
		t.Fatalf("create world: %v", err)
	}
	chatID := *rt.CurrentChatID()

	if _, err := m.SendMessage(ctx, rt, nil, "help me plan a trip", "human"); err != nil {
		t.Fatalf("send message: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("title LLM was never invoked")
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		chat, err := store.LoadChatData(ctx, rt.World().ID, chatID)
		if err != nil {
			t.Fatalf("load chat: %v", err)
		}
		if chat.Name == "Trip Planning Help" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("title never persisted, chat name = %q", chat.Name)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAgentMessageDoesNotTriggerTitle(t *testing.T) {
	llm := &staticLLM{content: "Should Not Appear"}
	m, store := newTestManager(t, func(cfg *ManagerConfig) {
		cfg.TitleLLM = llm
	})
	ctx := context.Background()
	rt, err := m.CreateWorld(ctx, "NoTitles", "", 0)
	if err != nil {
		t.Fatalf("create world: %v", err)
	}
	if _, err := m.CreateAgent(ctx, rt, models.Agent{Name: "Echoer", Provider: "openai"}); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	chatID := *rt.CurrentChatID()

	if _, err := m.SendMessage(ctx, rt, nil, "@human status update", "echoer"); err != nil {
		t.Fatalf("send message: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	chat, err := store.LoadChatData(ctx, rt.World().ID, chatID)
	if err != nil {
		t.Fatalf("load chat: %v", err)
	}
	if chat.Name == "Should Not Appear" {
		t.Error("agent message must not trigger title generation")
	}
}

func TestLoadWorldByKebabAlias(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()
	if _, err := m.CreateWorld(ctx, "Alias World", "", 0); err != nil {
		t.Fatalf("create world: %v", err)
	}
	rt, err := m.LoadWorld(ctx, "alias-world")
	if err != nil {
		t.Fatalf("load by alias: %v", err)
	}
	if rt.World().Name != "Alias World" {
		t.Errorf("wrong world loaded: %+v", rt.World())
	}
}

func TestDeleteWorldTearsDown(t *testing.T) {
	m, store := newTestManager(t, nil)
	ctx := context.Background()
	rt, err := m.CreateWorld(ctx, "Doomed", "", 0)
	if err != nil {
		t.Fatalf("create world: %v", err)
	}
	if _, err := m.CreateAgent(ctx, rt, models.Agent{Name: "Tenant", Provider: "openai"}); err != nil {
		t.Fatalf("create agent: %v", err)
	}

	var deleted string
	m.OnWorldDeleted = func(worldID string) { deleted = worldID }

	if err := m.DeleteWorld(ctx, "doomed"); err != nil {
		t.Fatalf("delete world: %v", err)
	}
	if deleted != "doomed" {
		t.Errorf("realtime hook not invoked: %q", deleted)
	}
	if exists, _ := store.WorldExists(ctx, "doomed"); exists {
		t.Error("world must be removed from storage")
	}
}

func TestCreateAgentStableID(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()
	rt, err := m.CreateWorld(ctx, "Agents", "", 0)
	if err != nil {
		t.Fatalf("create world: %v", err)
	}
	agent, err := m.CreateAgent(ctx, rt, models.Agent{Name: "Data Analyst", Provider: "openai"})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if agent.ID != "data-analyst" {
		t.Errorf("agent id = %q, want kebab-case of name", agent.ID)
	}

	agent.Name = "Renamed Analyst"
	if err := m.UpdateAgent(ctx, rt, *agent); err != nil {
		t.Fatalf("update agent: %v", err)
	}
	if id, ok := rt.Registry.ResolveAgentID("Renamed Analyst"); !ok || id != "data-analyst" {
		t.Errorf("rename must keep the id, resolver returned %q %v", id, ok)
	}
}
