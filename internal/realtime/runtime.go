// Package realtime implements the subscription runtime between transports
// and world event buses: versioned, tombstoned per-chat subscriptions with
// stale-subscribe guards and chat-scoped fan-out.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/haasonsaas/agora/internal/events"
	"github.com/haasonsaas/agora/internal/observability"
	"github.com/haasonsaas/agora/internal/world"
	"github.com/haasonsaas/agora/pkg/models"
)

// DefaultSubscriptionID is used when a subscribe request carries no id.
const DefaultSubscriptionID = "default"

// Envelope is the wire form of every delivered event.
type Envelope struct {
	EventType      models.EventChannel `json:"eventType"`
	Payload        json.RawMessage     `json:"payload"`
	SubscriptionID string              `json:"subscriptionId"`
}

// Sink receives envelopes for a transport connection.
type Sink interface {
	Deliver(ctx context.Context, envelope Envelope)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, envelope Envelope)

// Deliver implements Sink.
func (f SinkFunc) Deliver(ctx context.Context, envelope Envelope) { f(ctx, envelope) }

// WorldSource loads world runtimes for subscription installs.
type WorldSource interface {
	LoadWorld(ctx context.Context, id string) (*world.Runtime, error)
}

// SubscribeRequest asks for events from a world, optionally scoped to one
// chat. A nil ChatID subscribes to everything in the world.
type SubscribeRequest struct {
	SubscriptionID string
	WorldID        string
	ChatID         *string
}

// SubscribeResult reports the outcome of a subscribe attempt.
type SubscribeResult struct {
	Subscribed     bool    `json:"subscribed"`
	SubscriptionID string  `json:"subscriptionId"`
	WorldID        string  `json:"worldId,omitempty"`
	ChatID         *string `json:"chatId"`
	Canceled       bool    `json:"canceled,omitempty"`
	Stale          bool    `json:"stale,omitempty"`
}

type subscription struct {
	id        string
	version   int
	worldID   string
	chatID    *string
	detachers []func()
}

func (s *subscription) uninstall() {
	for _, detach := range s.detachers {
		detach()
	}
	s.detachers = nil
}

// Runtime tracks active subscriptions and their delivery handlers.
type Runtime struct {
	source  WorldSource
	sink    Sink
	logger  *observability.CategoryLogger
	metrics *observability.Metrics

	mu        sync.Mutex
	subs      map[string]*subscription
	versions  map[string]int
	worldSubs map[string]*world.Runtime
	canceled  map[string]struct{}
}

// NewRuntime creates a subscription runtime delivering to the given sink.
func NewRuntime(source WorldSource, sink Sink, logger *observability.Logger, metrics *observability.Metrics) *Runtime {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Runtime{
		source:    source,
		sink:      sink,
		logger:    logger.Category("realtime"),
		metrics:   metrics,
		subs:      map[string]*subscription{},
		versions:  map[string]int{},
		worldSubs: map[string]*world.Runtime{},
		canceled:  map[string]struct{}{},
	}
}

// Subscribe installs a chat-events subscription. Reusing a tombstoned id
// fails loudly; racing subscribes for the same id resolve in favor of the
// latest (earlier ones report stale).
func (r *Runtime) Subscribe(ctx context.Context, req SubscribeRequest) (SubscribeResult, error) {
	id := req.SubscriptionID
	if id == "" {
		id = DefaultSubscriptionID
	}

	r.mu.Lock()
	if _, dead := r.canceled[id]; dead {
		r.mu.Unlock()
		return SubscribeResult{SubscriptionID: id},
			fmt.Errorf("Subscription ID '%s' cannot be reused after unsubscribe.", id)
	}
	version := r.versions[id] + 1
	r.versions[id] = version

	if existing, ok := r.subs[id]; ok &&
		existing.worldID == req.WorldID && models.SameChat(existing.chatID, req.ChatID) {
		// Same scope, no intervening unsubscribe: idempotent.
		existing.version = version
		r.mu.Unlock()
		return SubscribeResult{Subscribed: true, SubscriptionID: id, WorldID: req.WorldID, ChatID: req.ChatID}, nil
	}
	r.mu.Unlock()

	// Suspension point: loading the world may block on storage.
	rt, err := r.source.LoadWorld(ctx, req.WorldID)
	if err != nil {
		return SubscribeResult{SubscriptionID: id}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.versions[id] != version {
		return SubscribeResult{SubscriptionID: id, ChatID: req.ChatID, Canceled: true, Stale: true}, nil
	}
	if _, dead := r.canceled[id]; dead {
		return SubscribeResult{SubscriptionID: id, ChatID: req.ChatID, Canceled: true, Stale: true}, nil
	}

	if existing, ok := r.subs[id]; ok {
		existing.uninstall()
		delete(r.subs, id)
		if r.metrics != nil {
			r.metrics.ActiveSubscriptions.Dec()
		}
	}

	r.worldSubs[rt.Bus.WorldID()] = rt
	sub := &subscription{id: id, version: version, worldID: req.WorldID, chatID: req.ChatID}
	r.install(sub, rt)
	r.subs[id] = sub
	if r.metrics != nil {
		r.metrics.ActiveSubscriptions.Inc()
	}
	return SubscribeResult{Subscribed: true, SubscriptionID: id, WorldID: req.WorldID, ChatID: req.ChatID}, nil
}

// install attaches bus handlers that filter by the subscription's chat
// scope and forward everything else to the sink.
func (r *Runtime) install(sub *subscription, rt *world.Runtime) {
	forward := func(ctx context.Context, e events.Event) {
		if !events.DeliversTo(e.ChatID, sub.chatID) {
			return
		}
		// A racing unsubscribe wins over in-flight deliveries.
		r.mu.Lock()
		current := r.subs[sub.id] == sub && sub.version == r.versions[sub.id]
		r.mu.Unlock()
		if !current {
			return
		}
		payload, err := e.Payload()
		if err != nil {
			r.logger.Warn(ctx, "event payload marshal failed", "event", e.ID, "error", err)
			return
		}
		r.sink.Deliver(ctx, Envelope{
			EventType:      e.Channel,
			Payload:        payload,
			SubscriptionID: sub.id,
		})
	}
	for _, channel := range []models.EventChannel{
		models.ChannelMessage,
		models.ChannelSSE,
		models.ChannelWorld,
		models.ChannelSystem,
		models.ChannelTool,
	} {
		sub.detachers = append(sub.detachers, rt.Bus.Subscribe(channel, forward))
	}
}

// Unsubscribe removes a subscription and tombstones its id forever within
// this runtime.
func (r *Runtime) Unsubscribe(subscriptionID string) {
	if subscriptionID == "" {
		subscriptionID = DefaultSubscriptionID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.versions[subscriptionID]++
	r.canceled[subscriptionID] = struct{}{}
	if sub, ok := r.subs[subscriptionID]; ok {
		sub.uninstall()
		delete(r.subs, subscriptionID)
		if r.metrics != nil {
			r.metrics.ActiveSubscriptions.Dec()
		}
	}
}

// UnsubscribeChat tears down all subscriptions scoped to a chat, used when
// the chat is deleted. The ids are tombstoned like a normal unsubscribe and
// returned so the transport can notify the client.
func (r *Runtime) UnsubscribeChat(worldID, chatID string) []string {
	r.mu.Lock()
	var ids []string
	for id, sub := range r.subs {
		if sub.worldID == worldID && sub.chatID != nil && *sub.chatID == chatID {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Unsubscribe(id)
	}
	return ids
}

// UnsubscribeWorld tears down every subscription for a world, used on world
// delete. Returns the retired subscription ids.
func (r *Runtime) UnsubscribeWorld(worldID string) []string {
	r.mu.Lock()
	var ids []string
	for id, sub := range r.subs {
		if sub.worldID == worldID {
			ids = append(ids, id)
		}
	}
	delete(r.worldSubs, worldID)
	r.mu.Unlock()
	for _, id := range ids {
		r.Unsubscribe(id)
	}
	return ids
}

// RefreshWorldSubscription reinstalls every subscription scoped to a world
// after reloading its state. Pairs tombstoned mid-refresh are skipped. It
// returns a human-readable warning when any step failed, else "".
func (r *Runtime) RefreshWorldSubscription(ctx context.Context, worldID string) string {
	type pair struct {
		id     string
		chatID *string
	}
	r.mu.Lock()
	var pairs []pair
	for id, sub := range r.subs {
		if sub.worldID != worldID {
			continue
		}
		pairs = append(pairs, pair{id: id, chatID: sub.chatID})
		sub.uninstall()
		delete(r.subs, id)
		if r.metrics != nil {
			r.metrics.ActiveSubscriptions.Dec()
		}
	}
	delete(r.worldSubs, worldID)
	r.mu.Unlock()

	if _, err := r.source.LoadWorld(ctx, worldID); err != nil {
		return fmt.Sprintf("world %s could not be reloaded: %v", worldID, err)
	}

	var failures []string
	for _, p := range pairs {
		r.mu.Lock()
		_, dead := r.canceled[p.id]
		r.mu.Unlock()
		if dead {
			continue
		}
		result, err := r.Subscribe(ctx, SubscribeRequest{
			SubscriptionID: p.id,
			WorldID:        worldID,
			ChatID:         p.chatID,
		})
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", p.id, err))
		} else if !result.Subscribed {
			failures = append(failures, fmt.Sprintf("%s: stale", p.id))
		}
	}
	if len(failures) > 0 {
		return fmt.Sprintf("refresh of world %s left subscriptions unrestored: %v", worldID, failures)
	}
	return ""
}

// Reset uninstalls all current subscriptions and clears versions while
// preserving tombstones, so unsubscribed ids stay non-reusable.
func (r *Runtime) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, sub := range r.subs {
		if sub.version != r.versions[id] {
			continue
		}
		sub.uninstall()
		delete(r.subs, id)
		if r.metrics != nil {
			r.metrics.ActiveSubscriptions.Dec()
		}
	}
	// Anything left had a mismatched version; drop the bookkeeping anyway.
	for id, sub := range r.subs {
		sub.uninstall()
		delete(r.subs, id)
	}
	r.worldSubs = map[string]*world.Runtime{}
	r.versions = map[string]int{}
}

// ActiveCount reports the number of installed subscriptions.
func (r *Runtime) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// IsTombstoned reports whether an id has been unsubscribed before.
func (r *Runtime) IsTombstoned(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, dead := r.canceled[id]
	return dead
}
