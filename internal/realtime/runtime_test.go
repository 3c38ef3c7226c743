package realtime

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/haasonsaas/agora/internal/agents"
	"github.com/haasonsaas/agora/internal/storage"
	"github.com/haasonsaas/agora/internal/world"
	"github.com/haasonsaas/agora/pkg/models"
)

type captureSink struct {
	mu        sync.Mutex
	envelopes []Envelope
}

func (s *captureSink) Deliver(_ context.Context, envelope Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envelopes = append(s.envelopes, envelope)
}

func (s *captureSink) byType(eventType models.EventChannel) []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Envelope
	for _, e := range s.envelopes {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type hookedSource struct {
	inner  WorldSource
	onLoad func()
}

func (h *hookedSource) LoadWorld(ctx context.Context, id string) (*world.Runtime, error) {
	if h.onLoad != nil {
		h.onLoad()
	}
	return h.inner.LoadWorld(ctx, id)
}

type noProviders struct{}

func (noProviders) Completion(string) (agents.ChatCompletion, error) {
	return nil, context.Canceled
}

func newTestWorld(t *testing.T) (*world.Manager, *world.Runtime) {
	t.Helper()
	manager := world.NewManager(world.ManagerConfig{
		Store:     storage.NewMemoryStore(),
		Providers: noProviders{},
		Tools:     agents.NewToolRegistry(),
		NewChat:   world.DefaultNewChatPolicy(),
	})
	rt, err := manager.CreateWorld(context.Background(), "Realtime World", "", 0)
	if err != nil {
		t.Fatalf("create world: %v", err)
	}
	return manager, rt
}

func TestSubscribeAndDeliver(t *testing.T) {
	manager, rt := newTestWorld(t)
	sink := &captureSink{}
	runtime := NewRuntime(manager, sink, nil, nil)
	ctx := context.Background()

	result, err := runtime.Subscribe(ctx, SubscribeRequest{
		SubscriptionID: "sub-1",
		WorldID:        rt.World().ID,
	})
	if err != nil || !result.Subscribed {
		t.Fatalf("subscribe failed: %+v %v", result, err)
	}

	rt.Bus.PublishMessage(ctx, models.WorldMessageEvent{Content: "hi", Sender: "human"})

	delivered := sink.byType(models.ChannelMessage)
	if len(delivered) != 1 {
		t.Fatalf("expected one delivered message, got %d", len(delivered))
	}
	if delivered[0].SubscriptionID != "sub-1" {
		t.Errorf("envelope subscription id = %q", delivered[0].SubscriptionID)
	}
	if !strings.Contains(string(delivered[0].Payload), `"content":"hi"`) {
		t.Errorf("payload missing content: %s", delivered[0].Payload)
	}
}

func TestChatScopedFiltering(t *testing.T) {
	manager, rt := newTestWorld(t)
	sinkA := &captureSink{}
	sinkB := &captureSink{}
	runtimeA := NewRuntime(manager, sinkA, nil, nil)
	runtimeB := NewRuntime(manager, sinkB, nil, nil)
	ctx := context.Background()
	worldID := rt.World().ID

	chatA := models.ChatRef("chat-A")
	chatB := models.ChatRef("chat-B")
	if _, err := runtimeA.Subscribe(ctx, SubscribeRequest{SubscriptionID: "a", WorldID: worldID, ChatID: chatA}); err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	if _, err := runtimeB.Subscribe(ctx, SubscribeRequest{SubscriptionID: "b", WorldID: worldID, ChatID: chatB}); err != nil {
		t.Fatalf("subscribe b: %v", err)
	}

	rt.SetCurrentChat(chatA)
	rt.Bus.PublishSSE(ctx, models.SSEEvent{Type: models.SSEChunk, AgentName: "x", Content: "A1", ChatID: chatA})
	// Moving the pointer must not retag later explicitly-scoped events.
	rt.SetCurrentChat(chatB)
	rt.Bus.PublishSSE(ctx, models.SSEEvent{Type: models.SSEChunk, AgentName: "x", Content: "Still for chat A", ChatID: chatA})
	rt.Bus.PublishSSE(ctx, models.SSEEvent{Type: models.SSEChunk, AgentName: "y", Content: "B1", ChatID: chatB})

	gotA := sinkA.byType(models.ChannelSSE)
	if len(gotA) != 2 {
		t.Fatalf("chat-A subscriber should see both A chunks, got %d", len(gotA))
	}
	gotB := sinkB.byType(models.ChannelSSE)
	if len(gotB) != 1 || !strings.Contains(string(gotB[0].Payload), "B1") {
		t.Fatalf("chat-B subscriber should see only B1, got %+v", gotB)
	}
}

func TestActivityEventsBypassChatScope(t *testing.T) {
	manager, rt := newTestWorld(t)
	sink := &captureSink{}
	runtime := NewRuntime(manager, sink, nil, nil)
	ctx := context.Background()

	if _, err := runtime.Subscribe(ctx, SubscribeRequest{
		SubscriptionID: "scoped",
		WorldID:        rt.World().ID,
		ChatID:         models.ChatRef("chat-A"),
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	rt.Activity.Begin(ctx, "agent:alice")
	rt.Activity.End(ctx, "agent:alice")

	// response-start, response-end, idle all carry a nil chat.
	if got := len(sink.byType(models.ChannelWorld)); got != 3 {
		t.Errorf("activity events must reach chat-scoped subscribers, got %d", got)
	}
}

func TestUnsubscribeTombstonesID(t *testing.T) {
	manager, rt := newTestWorld(t)
	sink := &captureSink{}
	runtime := NewRuntime(manager, sink, nil, nil)
	ctx := context.Background()

	if _, err := runtime.Subscribe(ctx, SubscribeRequest{SubscriptionID: "once", WorldID: rt.World().ID}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	runtime.Unsubscribe("once")

	rt.Bus.PublishMessage(ctx, models.WorldMessageEvent{Content: "after", Sender: "human"})
	if len(sink.byType(models.ChannelMessage)) != 0 {
		t.Error("unsubscribed subscription must receive nothing")
	}

	_, err := runtime.Subscribe(ctx, SubscribeRequest{SubscriptionID: "once", WorldID: rt.World().ID})
	if err == nil {
		t.Fatal("tombstoned id must not be reusable")
	}
	want := "Subscription ID 'once' cannot be reused after unsubscribe."
	if err.Error() != want {
		t.Errorf("reuse error = %q, want %q", err.Error(), want)
	}
}

func TestSubscribeIdempotentSameScope(t *testing.T) {
	manager, rt := newTestWorld(t)
	sink := &captureSink{}
	runtime := NewRuntime(manager, sink, nil, nil)
	ctx := context.Background()
	req := SubscribeRequest{SubscriptionID: "dup", WorldID: rt.World().ID, ChatID: models.ChatRef("c")}

	if _, err := runtime.Subscribe(ctx, req); err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	result, err := runtime.Subscribe(ctx, req)
	if err != nil || !result.Subscribed {
		t.Fatalf("second subscribe must succeed idempotently: %+v %v", result, err)
	}
	if runtime.ActiveCount() != 1 {
		t.Errorf("idempotent subscribe must not duplicate, have %d", runtime.ActiveCount())
	}

	rt.Bus.PublishMessage(ctx, models.WorldMessageEvent{Content: "x", Sender: "human", ChatID: models.ChatRef("c")})
	if got := len(sink.byType(models.ChannelMessage)); got != 1 {
		t.Errorf("expected single delivery, got %d", got)
	}
}

func TestStaleSubscribeAfterSuspension(t *testing.T) {
	manager, rt := newTestWorld(t)
	sink := &captureSink{}
	runtime := NewRuntime(manager, sink, nil, nil)
	ctx := context.Background()
	worldID := rt.World().ID

	source := &hookedSource{inner: manager}
	racing := NewRuntime(source, sink, nil, nil)
	source.onLoad = func() {
		// A competing subscribe for the same id lands during the await.
		source.onLoad = nil
		if _, err := racing.Subscribe(ctx, SubscribeRequest{SubscriptionID: "raced", WorldID: worldID}); err != nil {
			t.Errorf("competing subscribe: %v", err)
		}
	}

	result, err := racing.Subscribe(ctx, SubscribeRequest{SubscriptionID: "raced", WorldID: worldID, ChatID: models.ChatRef("c")})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if result.Subscribed || !result.Stale || !result.Canceled {
		t.Errorf("expected stale result, got %+v", result)
	}
	_ = runtime
}

func TestResetPreservesTombstones(t *testing.T) {
	manager, rt := newTestWorld(t)
	runtime := NewRuntime(manager, &captureSink{}, nil, nil)
	ctx := context.Background()
	worldID := rt.World().ID

	if _, err := runtime.Subscribe(ctx, SubscribeRequest{SubscriptionID: "gone", WorldID: worldID}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	runtime.Unsubscribe("gone")
	if _, err := runtime.Subscribe(ctx, SubscribeRequest{SubscriptionID: "kept", WorldID: worldID}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	runtime.Reset()
	if runtime.ActiveCount() != 0 {
		t.Errorf("reset must uninstall everything, have %d", runtime.ActiveCount())
	}
	if !runtime.IsTombstoned("gone") {
		t.Error("tombstones must survive reset")
	}
	if _, err := runtime.Subscribe(ctx, SubscribeRequest{SubscriptionID: "gone", WorldID: worldID}); err == nil {
		t.Error("tombstoned id must stay non-reusable after reset")
	}
	if _, err := runtime.Subscribe(ctx, SubscribeRequest{SubscriptionID: "kept", WorldID: worldID}); err != nil {
		t.Errorf("non-tombstoned id must be subscribable after reset: %v", err)
	}
}

func TestRefreshWorldSubscription(t *testing.T) {
	manager, rt := newTestWorld(t)
	sink := &captureSink{}
	runtime := NewRuntime(manager, sink, nil, nil)
	ctx := context.Background()
	worldID := rt.World().ID

	if _, err := runtime.Subscribe(ctx, SubscribeRequest{SubscriptionID: "r1", WorldID: worldID}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if warning := runtime.RefreshWorldSubscription(ctx, worldID); warning != "" {
		t.Fatalf("refresh warning: %s", warning)
	}
	if runtime.ActiveCount() != 1 {
		t.Fatalf("subscription must be restored, have %d", runtime.ActiveCount())
	}

	rt.Bus.PublishMessage(ctx, models.WorldMessageEvent{Content: "post-refresh", Sender: "human"})
	if got := len(sink.byType(models.ChannelMessage)); got != 1 {
		t.Errorf("restored subscription must deliver exactly once, got %d", got)
	}
}

func TestChatDeletionUnsubscribesScope(t *testing.T) {
	manager, rt := newTestWorld(t)
	runtime := NewRuntime(manager, &captureSink{}, nil, nil)
	manager.OnChatDeleted = func(worldID, chatID string) {
		runtime.UnsubscribeChat(worldID, chatID)
	}
	ctx := context.Background()
	chatID := *rt.CurrentChatID()

	if _, err := runtime.Subscribe(ctx, SubscribeRequest{
		SubscriptionID: "chat-scoped",
		WorldID:        rt.World().ID,
		ChatID:         models.ChatRef(chatID),
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := manager.DeleteChat(ctx, rt, chatID); err != nil {
		t.Fatalf("delete chat: %v", err)
	}
	if runtime.ActiveCount() != 0 {
		t.Error("chat deletion must unsubscribe chat-scoped subscriptions")
	}
	if !runtime.IsTombstoned("chat-scoped") {
		t.Error("forced unsubscribe must tombstone the id")
	}
}
