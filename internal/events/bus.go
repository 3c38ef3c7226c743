// Package events implements the per-world event bus, the persistence
// metadata deriver, and the activity tracker.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/agora/internal/observability"
	"github.com/haasonsaas/agora/pkg/models"
)

// Event is the tagged union carried on a world bus. Channel selects which
// payload pointer is set; exactly one payload is non-nil.
type Event struct {
	ID        string
	Channel   models.EventChannel
	WorldID   string
	ChatID    *string
	Timestamp time.Time

	Message    *models.WorldMessageEvent
	SSE        *models.SSEEvent
	World      *models.WorldEvent
	System     *models.SystemEvent
	ToolResult *models.ToolResultEvent
	CRUD       *models.CRUDEvent
}

// Payload marshals the active payload for persistence.
func (e *Event) Payload() (json.RawMessage, error) {
	var v any
	switch e.Channel {
	case models.ChannelMessage:
		v = e.Message
	case models.ChannelSSE:
		v = e.SSE
	case models.ChannelWorld:
		v = e.World
	case models.ChannelSystem:
		v = e.System
	case models.ChannelTool:
		v = e.ToolResult
	case models.ChannelCRUD:
		v = e.CRUD
	}
	return json.Marshal(v)
}

// Handler receives events from a bus subscription. Handlers must be safe to
// call from multiple goroutines.
type Handler func(ctx context.Context, e Event)

// Bus is a per-world multi-channel event emitter. A world owns exactly one
// bus; handlers attach per channel and are invoked for every event published
// on that channel.
type Bus struct {
	worldID string

	mu       sync.RWMutex
	nextID   int
	handlers map[models.EventChannel]map[int]Handler

	// currentChat resolves the world's current chat pointer at emission
	// time, for events published without an explicit chat reference.
	currentChat func() *string

	metrics *observability.Metrics
}

// NewBus creates a bus for the given world. currentChat may be nil when the
// world has no current-chat pointer; it is consulted at every default-chat
// resolution so later pointer moves affect only later events.
func NewBus(worldID string, currentChat func() *string, metrics *observability.Metrics) *Bus {
	return &Bus{
		worldID:     worldID,
		handlers:    make(map[models.EventChannel]map[int]Handler),
		currentChat: currentChat,
		metrics:     metrics,
	}
}

// WorldID returns the owning world's id.
func (b *Bus) WorldID() string {
	return b.worldID
}

// Subscribe attaches a handler to a channel and returns a detach function.
func (b *Bus) Subscribe(channel models.EventChannel, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[channel] == nil {
		b.handlers[channel] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.handlers[channel][id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.handlers[channel], id)
		})
	}
}

// resolveChat defaults a nil chat reference to the world's current chat at
// this moment. The resolved value is fixed on the event; later moves of the
// current-chat pointer never retag already-emitted events.
func (b *Bus) resolveChat(chatID *string) *string {
	if chatID != nil {
		return chatID
	}
	if b.currentChat == nil {
		return nil
	}
	if current := b.currentChat(); current != nil {
		id := *current
		return &id
	}
	return nil
}

func (b *Bus) publish(ctx context.Context, e Event) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.WorldID = b.worldID

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[e.Channel]))
	for _, h := range b.handlers[e.Channel] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, e)
	}
	if b.metrics != nil {
		b.metrics.EventsPublished.WithLabelValues(string(e.Channel)).Inc()
	}
	return e
}

// PublishMessage publishes on the message channel. A nil ChatID on the
// payload is resolved to the current chat.
func (b *Bus) PublishMessage(ctx context.Context, msg models.WorldMessageEvent) Event {
	msg.ChatID = b.resolveChat(msg.ChatID)
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return b.publish(ctx, Event{
		Channel: models.ChannelMessage,
		ChatID:  msg.ChatID,
		Message: &msg,
	})
}

// PublishSSE publishes a streaming lifecycle event.
func (b *Bus) PublishSSE(ctx context.Context, sse models.SSEEvent) Event {
	sse.ChatID = b.resolveChat(sse.ChatID)
	return b.publish(ctx, Event{
		Channel: models.ChannelSSE,
		ChatID:  sse.ChatID,
		SSE:     &sse,
	})
}

// PublishWorld publishes a world-channel event. Activity events pass a nil
// ChatID deliberately and are not defaulted; tool lifecycle events should
// carry the chat they belong to.
func (b *Bus) PublishWorld(ctx context.Context, we models.WorldEvent) Event {
	switch we.Type {
	case models.WorldResponseStart, models.WorldResponseEnd, models.WorldIdle:
		// World-level activity: chatId stays nil.
	default:
		we.ChatID = b.resolveChat(we.ChatID)
	}
	return b.publish(ctx, Event{
		Channel: models.ChannelWorld,
		ChatID:  we.ChatID,
		World:   &we,
	})
}

// PublishSystem publishes on the system channel.
func (b *Bus) PublishSystem(ctx context.Context, se models.SystemEvent) Event {
	se.ChatID = b.resolveChat(se.ChatID)
	return b.publish(ctx, Event{
		Channel: models.ChannelSystem,
		ChatID:  se.ChatID,
		System:  &se,
	})
}

// PublishToolResult feeds a transport approval decision back into the
// pipeline via the tool channel.
func (b *Bus) PublishToolResult(ctx context.Context, tr models.ToolResultEvent) Event {
	tr.ChatID = b.resolveChat(tr.ChatID)
	return b.publish(ctx, Event{
		Channel:    models.ChannelTool,
		ChatID:     tr.ChatID,
		ToolResult: &tr,
	})
}

// PublishCRUD publishes an entity create/update/delete record.
func (b *Bus) PublishCRUD(ctx context.Context, ce models.CRUDEvent) Event {
	if ce.Timestamp.IsZero() {
		ce.Timestamp = time.Now()
	}
	return b.publish(ctx, Event{
		Channel: models.ChannelCRUD,
		CRUD:    &ce,
	})
}

// DeliversTo reports whether an event with the given chat tag should reach a
// subscription scoped to subChat. A nil subscription scope receives
// everything; a chat-scoped subscription receives events for its chat plus
// world-level events tagged with no chat at all.
func DeliversTo(eventChat, subChat *string) bool {
	if subChat == nil {
		return true
	}
	if eventChat == nil {
		return true
	}
	return *eventChat == *subChat
}
