package events

import (
	"context"
	"testing"

	"github.com/haasonsaas/agora/pkg/models"
)

func TestPublishMessageDefaultsChatFromCurrentPointer(t *testing.T) {
	current := models.ChatRef("chat-a")
	bus := NewBus("world-1", func() *string { return current }, nil)

	var got []Event
	bus.Subscribe(models.ChannelMessage, func(ctx context.Context, e Event) {
		got = append(got, e)
	})

	ctx := context.Background()
	first := bus.PublishMessage(ctx, models.WorldMessageEvent{Content: "hi", Sender: "human"})
	if first.ChatID == nil || *first.ChatID != "chat-a" {
		t.Fatalf("expected default chat chat-a, got %v", first.ChatID)
	}

	// Moving the pointer must not retag the already-emitted event, and the
	// next defaulted event picks up the new pointer.
	current = models.ChatRef("chat-b")
	if *first.ChatID != "chat-a" {
		t.Fatal("emitted event chat tag changed after pointer move")
	}
	second := bus.PublishMessage(ctx, models.WorldMessageEvent{Content: "again", Sender: "human"})
	if second.ChatID == nil || *second.ChatID != "chat-b" {
		t.Fatalf("expected new default chat chat-b, got %v", second.ChatID)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(got))
	}
	if got[0].Message.MessageID == "" {
		t.Error("expected generated message id")
	}
}

func TestPublishExplicitChatWins(t *testing.T) {
	bus := NewBus("world-1", func() *string { return models.ChatRef("chat-current") }, nil)
	e := bus.PublishSSE(context.Background(), models.SSEEvent{
		Type:      models.SSEChunk,
		AgentName: "alice",
		Content:   "A1",
		ChatID:    models.ChatRef("chat-a"),
	})
	if e.ChatID == nil || *e.ChatID != "chat-a" {
		t.Fatalf("explicit chat tag overridden: %v", e.ChatID)
	}
}

func TestActivityEventsStayWorldLevel(t *testing.T) {
	bus := NewBus("world-1", func() *string { return models.ChatRef("chat-a") }, nil)
	e := bus.PublishWorld(context.Background(), models.WorldEvent{
		Type:   models.WorldResponseStart,
		Source: "agent:alice",
	})
	if e.ChatID != nil {
		t.Fatalf("activity event must carry nil chat, got %v", *e.ChatID)
	}

	tool := bus.PublishWorld(context.Background(), models.WorldEvent{
		Type:   models.WorldToolStart,
		Source: "agent:alice",
	})
	if tool.ChatID == nil || *tool.ChatID != "chat-a" {
		t.Fatalf("tool event should default to current chat, got %v", tool.ChatID)
	}
}

func TestSubscribeDetach(t *testing.T) {
	bus := NewBus("world-1", nil, nil)
	count := 0
	detach := bus.Subscribe(models.ChannelSystem, func(ctx context.Context, e Event) {
		count++
	})
	bus.PublishSystem(context.Background(), models.SystemEvent{Kind: "x"})
	detach()
	detach() // second call is a no-op
	bus.PublishSystem(context.Background(), models.SystemEvent{Kind: "y"})
	if count != 1 {
		t.Fatalf("expected 1 delivery after detach, got %d", count)
	}
}

func TestDeliversTo(t *testing.T) {
	a := models.ChatRef("chat-a")
	b := models.ChatRef("chat-b")
	cases := []struct {
		name      string
		eventChat *string
		subChat   *string
		want      bool
	}{
		{"world-scoped sub gets everything", a, nil, true},
		{"matching chat", a, a, true},
		{"different chat filtered", a, b, false},
		{"world-level event reaches chat sub", nil, a, true},
		{"world-level event, world sub", nil, nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeliversTo(tc.eventChat, tc.subChat); got != tc.want {
				t.Errorf("DeliversTo = %v, want %v", got, tc.want)
			}
		})
	}
}
