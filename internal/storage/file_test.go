package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/agora/pkg/models"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return store
}

func TestFileStoreWorldRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)

	world := &models.World{Name: "My World", TurnLimit: 5}
	if err := store.SaveWorld(ctx, world); err != nil {
		t.Fatal(err)
	}
	loaded, err := store.LoadWorld(ctx, world.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Name != "My World" || loaded.TurnLimit != 5 {
		t.Errorf("loaded = %+v", loaded)
	}

	if _, err := store.LoadWorld(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not-found, got %v", err)
	}
}

func TestFileStoreRepairOnRead(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)

	world := &models.World{ID: "w1", Name: "w1"}
	if err := store.SaveWorld(ctx, world); err != nil {
		t.Fatal(err)
	}
	agent := &models.Agent{
		ID:           "alice",
		Name:         "Alice",
		SystemPrompt: "be helpful",
		Memory:       []models.AgentMessage{{Role: models.RoleUser, Content: "hi", CreatedAt: time.Now()}},
	}
	if err := store.SaveAgent(ctx, "w1", agent); err != nil {
		t.Fatal(err)
	}

	// Simulate partial corruption: delete the memory and prompt files.
	dir := store.agentDir("w1", "alice")
	if err := os.Remove(filepath.Join(dir, memoryFile)); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(dir, systemPromptFile)); err != nil {
		t.Fatal(err)
	}

	loaded, repaired, err := store.LoadAgentWithRetry(ctx, "w1", "alice")
	if err != nil {
		t.Fatalf("LoadAgentWithRetry: %v", err)
	}
	if repaired != 2 {
		t.Errorf("repaired = %d, want 2", repaired)
	}
	if loaded.SystemPrompt != "" {
		t.Errorf("expected synthesized empty prompt, got %q", loaded.SystemPrompt)
	}
	if len(loaded.Memory) != 0 {
		t.Errorf("expected synthesized empty memory, got %d entries", len(loaded.Memory))
	}

	// The repair is persisted: a second load finds nothing missing.
	_, repaired, err = store.LoadAgentWithRetry(ctx, "w1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if repaired != 0 {
		t.Errorf("second load repaired = %d, want 0", repaired)
	}
}

func TestFileEventStoreAppendOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)
	if err := store.SaveWorld(ctx, &models.World{ID: "w1", Name: "w1"}); err != nil {
		t.Fatal(err)
	}

	es := store.Events()
	chatA := models.ChatRef("chat-a")
	for _, content := range []string{"first", "second", "third"} {
		err := es.AppendEvent(ctx, &models.StoredEvent{
			WorldID:   "w1",
			ChatID:    chatA,
			Type:      models.ChannelMessage,
			Timestamp: time.Now(),
			Payload:   []byte(`{"content":"` + content + `"}`),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	got, err := es.GetEventsByWorldAndChat(ctx, "w1", chatA)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("events = %d, want 3", len(got))
	}
	if string(got[0].Payload) != `{"content":"first"}` {
		t.Errorf("append order not preserved: %s", got[0].Payload)
	}
}

func TestFileStoreChatCRUD(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)
	if err := store.SaveWorld(ctx, &models.World{ID: "w1", Name: "w1"}); err != nil {
		t.Fatal(err)
	}

	chat := &models.Chat{WorldID: "w1", Name: "New Chat"}
	if err := store.SaveChatData(ctx, chat); err != nil {
		t.Fatal(err)
	}
	chat.Name = "Renamed"
	chat.MessageCount = 3
	if err := store.UpdateChatData(ctx, chat); err != nil {
		t.Fatal(err)
	}
	loaded, err := store.LoadChatData(ctx, "w1", chat.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Name != "Renamed" || loaded.MessageCount != 3 {
		t.Errorf("loaded = %+v", loaded)
	}
	if err := store.DeleteChatData(ctx, "w1", chat.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.LoadChatData(ctx, "w1", chat.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not-found after delete, got %v", err)
	}
}

func TestFileEventStoreDeleteMessage(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)
	if err := store.SaveWorld(ctx, &models.World{ID: "w1", Name: "w1"}); err != nil {
		t.Fatal(err)
	}
	es := store.Events()
	chat := models.ChatRef("chat-1")

	for _, id := range []string{"m1", "m2", "m3"} {
		err := es.AppendEvent(ctx, &models.StoredEvent{
			ID:      "ev-" + id,
			WorldID: "w1",
			ChatID:  chat,
			Type:    models.ChannelMessage,
			Payload: []byte(`{"messageId":"` + id + `"}`),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	if err := es.DeleteMessageEvent(ctx, "w1", chat, "m2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	remaining, err := es.GetEventsByWorldAndChat(ctx, "w1", chat)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 2 || remaining[0].ID != "ev-m1" || remaining[1].ID != "ev-m3" {
		t.Errorf("remaining order broken: %+v", remaining)
	}
	if err := es.DeleteMessageEvent(ctx, "w1", chat, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing delete = %v, want not found", err)
	}
}
