package events

import (
	"context"
	"sort"
	"sync"

	"github.com/haasonsaas/agora/internal/observability"
	"github.com/haasonsaas/agora/pkg/models"
)

// ActivityTracker maintains the per-world pending-operation counter and
// emits world-level response-start / response-end / idle events. Activity
// events carry no chat tag and bypass chat-scoped filtering.
type ActivityTracker struct {
	bus     *Bus
	metrics *observability.Metrics

	mu         sync.Mutex
	pending    int
	activityID int64
	sources    map[string]int
}

// NewActivityTracker creates a tracker bound to a world's bus.
func NewActivityTracker(bus *Bus, metrics *observability.Metrics) *ActivityTracker {
	return &ActivityTracker{
		bus:     bus,
		metrics: metrics,
		sources: make(map[string]int),
	}
}

// Pending returns the current pending-operation count.
func (t *ActivityTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

func (t *ActivityTracker) activeSourcesLocked() []string {
	out := make([]string, 0, len(t.sources))
	for s := range t.sources {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Begin records the start of an operation for the given source (for
// example "agent:alice") and emits a response-start event.
func (t *ActivityTracker) Begin(ctx context.Context, source string) {
	t.mu.Lock()
	t.pending++
	t.activityID++
	t.sources[source]++
	pending := t.pending
	activityID := t.activityID
	active := t.activeSourcesLocked()
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.PendingOperations.WithLabelValues(t.bus.WorldID()).Set(float64(pending))
	}
	t.bus.PublishWorld(ctx, models.WorldEvent{
		Type:              models.WorldResponseStart,
		Source:            source,
		PendingOperations: &pending,
		ActivityID:        activityID,
		ActiveSources:     active,
	})
}

// End records completion of an operation. When the pending counter reaches
// zero an additional idle event is emitted.
func (t *ActivityTracker) End(ctx context.Context, source string) {
	t.mu.Lock()
	if t.pending > 0 {
		t.pending--
	}
	if n := t.sources[source]; n <= 1 {
		delete(t.sources, source)
	} else {
		t.sources[source] = n - 1
	}
	t.activityID++
	pending := t.pending
	activityID := t.activityID
	active := t.activeSourcesLocked()
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.PendingOperations.WithLabelValues(t.bus.WorldID()).Set(float64(pending))
	}
	t.bus.PublishWorld(ctx, models.WorldEvent{
		Type:              models.WorldResponseEnd,
		Source:            source,
		PendingOperations: &pending,
		ActivityID:        activityID,
		ActiveSources:     active,
	})
	if pending == 0 {
		t.bus.PublishWorld(ctx, models.WorldEvent{
			Type:              models.WorldIdle,
			Source:            source,
			PendingOperations: &pending,
			ActivityID:        activityID,
		})
	}
}
