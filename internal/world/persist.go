package world

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/agora/internal/events"
	"github.com/haasonsaas/agora/pkg/models"
)

// attachEventSink subscribes the persistence sink to the world's bus.
// Message events get derived metadata before the append; system, tool, and
// crud events are appended as-is. SSE chunks are transient and never
// persisted.
func (m *Manager) attachEventSink(rt *Runtime) {
	worldID := rt.Bus.WorldID()

	persist := func(ctx context.Context, e events.Event, meta *models.EventMeta) {
		payload, err := e.Payload()
		if err != nil {
			m.logger.Warn(ctx, "event payload marshal failed", "world", worldID, "error", err)
			return
		}
		stored := &models.StoredEvent{
			ID:        e.ID,
			Type:      e.Channel,
			WorldID:   worldID,
			ChatID:    e.ChatID,
			Timestamp: e.Timestamp,
			Payload:   payload,
			Meta:      meta,
		}
		if err := m.cfg.Store.Events().AppendEvent(ctx, stored); err != nil {
			m.logger.Warn(ctx, "event append failed", "world", worldID, "event", e.ID, "error", err)
		}
	}

	rt.detachers = append(rt.detachers,
		rt.Bus.Subscribe(models.ChannelMessage, func(ctx context.Context, e events.Event) {
			if e.Message == nil {
				return
			}
			meta := events.DeriveMeta(e.Message, rt.Registry, events.DeriveOptions{})
			persist(ctx, e, meta)
			m.fanOutToOwners(ctx, rt, e, meta)
		}),
		rt.Bus.Subscribe(models.ChannelSystem, func(ctx context.Context, e events.Event) {
			persist(ctx, e, nil)
		}),
		rt.Bus.Subscribe(models.ChannelTool, func(ctx context.Context, e events.Event) {
			persist(ctx, e, nil)
		}),
		rt.Bus.Subscribe(models.ChannelCRUD, func(ctx context.Context, e events.Event) {
			persist(ctx, e, nil)
		}),
	)
}

// fanOutToOwners logs delivery bookkeeping for a persisted message. The
// pipeline already routes responses; this records who owns the entry for
// diagnostics.
func (m *Manager) fanOutToOwners(ctx context.Context, rt *Runtime, e events.Event, meta *models.EventMeta) {
	if meta == nil || len(meta.OwnerAgentIDs) == 0 {
		return
	}
	if owners, err := json.Marshal(meta.OwnerAgentIDs); err == nil {
		m.logger.Debug(ctx, "message persisted",
			"world", rt.Bus.WorldID(), "event", e.ID, "owners", string(owners),
			"direction", string(meta.MessageDirection))
	}
}
