// Package world manages world lifecycles: CRUD for worlds, agents and
// chats, the current-chat pointer, per-world runtime wiring (bus, pipeline,
// approval coordinator), and event persistence.
package world

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/agora/internal/agents"
	"github.com/haasonsaas/agora/internal/approval"
	"github.com/haasonsaas/agora/internal/events"
	"github.com/haasonsaas/agora/internal/ident"
	"github.com/haasonsaas/agora/internal/observability"
	"github.com/haasonsaas/agora/internal/storage"
	"github.com/haasonsaas/agora/pkg/models"
)

// NewChatPolicy controls the reuse optimization for freshly created chats.
type NewChatPolicy struct {
	MaxReusableAge     time.Duration
	ReusableTitle      string
	EnableOptimization bool
}

// DefaultNewChatPolicy matches the stock runtime configuration.
func DefaultNewChatPolicy() NewChatPolicy {
	return NewChatPolicy{
		MaxReusableAge:     5 * time.Minute,
		ReusableTitle:      "New Chat",
		EnableOptimization: true,
	}
}

// ManagerConfig wires the world manager's dependencies.
type ManagerConfig struct {
	Store       storage.API
	Providers   agents.ProviderSet
	Tools       *agents.ToolRegistry
	Logger      *observability.Logger
	Metrics     *observability.Metrics
	NewChat     NewChatPolicy
	HITLTimeout time.Duration

	// TitleLLM generates chat titles from the first human message. Title
	// generation is skipped when nil.
	TitleLLM agents.ChatCompletion
}

// Runtime is one loaded world: its state plus the live machinery serving it.
type Runtime struct {
	mu    sync.Mutex
	world *models.World

	Bus         *events.Bus
	Activity    *events.ActivityTracker
	Registry    *agents.Registry
	Pipeline    *agents.Pipeline
	Coordinator *approval.Coordinator

	chatCancels map[string]context.CancelFunc
	detachers   []func()
}

// World returns a snapshot copy of the world record.
func (r *Runtime) World() models.World {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.world
}

// CurrentChatID returns the current-chat pointer, copied.
func (r *Runtime) CurrentChatID() *string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.world.CurrentChatID == nil {
		return nil
	}
	id := *r.world.CurrentChatID
	return &id
}

// SetCurrentChat moves the current-chat pointer. Already-emitted events keep
// the chat they were tagged with.
func (r *Runtime) SetCurrentChat(chatID *string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.world.CurrentChatID = chatID
}

// Manager owns the set of loaded worlds.
type Manager struct {
	cfg     ManagerConfig
	logger  *observability.CategoryLogger
	titleLg *observability.CategoryLogger

	mu     sync.RWMutex
	worlds map[string]*Runtime

	// OnChatDeleted and OnWorldDeleted let the realtime runtime tear down
	// subscriptions scoped to removed entities.
	OnChatDeleted  func(worldID, chatID string)
	OnWorldDeleted func(worldID string)
}

// NewManager creates a world manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = observability.Nop()
	}
	if cfg.NewChat.ReusableTitle == "" {
		cfg.NewChat = DefaultNewChatPolicy()
	}
	if cfg.HITLTimeout <= 0 {
		cfg.HITLTimeout = approval.DefaultTimeout
	}
	return &Manager{
		cfg:     cfg,
		logger:  cfg.Logger.Category("world.manager"),
		titleLg: cfg.Logger.Category("world.titles"),
		worlds:  map[string]*Runtime{},
	}
}

// CreateWorld creates and loads a world. The id is the kebab-case of the
// name; an initial chat is created and set current.
func (m *Manager) CreateWorld(ctx context.Context, name, description string, turnLimit int) (*Runtime, error) {
	id := ident.ToKebabCase(name)
	if id == "" {
		return nil, fmt.Errorf("world name %q normalizes to an empty id", name)
	}
	exists, err := m.cfg.Store.WorldExists(ctx, id)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("world %q already exists", id)
	}

	now := time.Now()
	world := &models.World{
		ID:          id,
		Name:        name,
		Description: description,
		TurnLimit:   turnLimit,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.cfg.Store.SaveWorld(ctx, world); err != nil {
		return nil, err
	}

	rt := m.install(world)
	m.emitCRUD(ctx, rt, "create", "world", world.ID, world)

	if _, err := m.CreateChat(ctx, rt, m.cfg.NewChat.ReusableTitle); err != nil {
		return nil, fmt.Errorf("create initial chat: %w", err)
	}
	return rt, nil
}

// install builds the runtime machinery for a world and registers it.
func (m *Manager) install(world *models.World) *Runtime {
	rt := &Runtime{world: world, chatCancels: map[string]context.CancelFunc{}}
	rt.Bus = events.NewBus(world.ID, rt.CurrentChatID, m.cfg.Metrics)
	rt.Activity = events.NewActivityTracker(rt.Bus, m.cfg.Metrics)
	rt.Registry = agents.NewRegistry()
	rt.Coordinator = approval.NewCoordinator(rt.Bus, m.cfg.HITLTimeout, m.cfg.Logger)
	rt.Pipeline = agents.NewPipeline(agents.PipelineConfig{
		WorldID:   world.ID,
		TurnLimit: world.TurnLimit,
		Bus:       rt.Bus,
		Activity:  rt.Activity,
		Registry:  rt.Registry,
		Tools:     m.cfg.Tools,
		Store:     m.cfg.Store,
		Providers: m.cfg.Providers,
		Logger:    m.cfg.Logger,
		Metrics:   m.cfg.Metrics,
	})
	m.attachEventSink(rt)

	m.mu.Lock()
	m.worlds[world.ID] = rt
	m.mu.Unlock()
	return rt
}

// LoadWorld returns the runtime for a world, loading it from storage and
// registering its agents on first access. The lookup accepts the world id
// or the kebab-case of its name.
func (m *Manager) LoadWorld(ctx context.Context, id string) (*Runtime, error) {
	if rt := m.lookup(id); rt != nil {
		return rt, nil
	}

	world, err := m.cfg.Store.LoadWorld(ctx, id)
	if err != nil {
		return nil, err
	}
	rt := m.install(world)

	stored, err := m.cfg.Store.ListAgents(ctx, world.ID)
	if err != nil {
		return nil, err
	}
	for _, agent := range stored {
		loaded, repaired, err := m.cfg.Store.LoadAgentWithRetry(ctx, world.ID, agent.ID)
		if err != nil {
			return nil, fmt.Errorf("load agent %s: %w", agent.ID, err)
		}
		if repaired > 0 {
			m.logger.Warn(ctx, "repaired agent files on load",
				"world", world.ID, "agent", loaded.ID, "repaired", repaired)
		}
		runtime := rt.Registry.Register(*loaded)
		rt.Pipeline.Attach(runtime)
	}
	return rt, nil
}

func (m *Manager) lookup(id string) *Runtime {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rt, ok := m.worlds[id]; ok {
		return rt
	}
	for _, rt := range m.worlds {
		if ident.ToKebabCase(rt.World().Name) == id {
			return rt
		}
	}
	return nil
}

// DeleteWorld tears down a world: cancels approvals, unregisters agents,
// notifies the realtime runtime, and removes persisted state.
func (m *Manager) DeleteWorld(ctx context.Context, id string) error {
	rt, err := m.LoadWorld(ctx, id)
	if err != nil {
		return err
	}
	worldID := rt.World().ID

	rt.Coordinator.CancelAll()
	rt.Registry.UnregisterAll()
	rt.cancelAllChats()
	for _, detach := range rt.detachers {
		detach()
	}
	if m.OnWorldDeleted != nil {
		m.OnWorldDeleted(worldID)
	}

	m.emitCRUD(ctx, rt, "delete", "world", worldID, nil)
	if err := m.cfg.Store.DeleteWorld(ctx, worldID); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.worlds, worldID)
	m.mu.Unlock()
	return nil
}

// ListWorlds lists persisted worlds.
func (m *Manager) ListWorlds(ctx context.Context) ([]*models.World, error) {
	return m.cfg.Store.ListWorlds(ctx)
}

// CreateAgent registers a new agent in a world. The agent id is the
// kebab-case of its name and is stable across later renames.
func (m *Manager) CreateAgent(ctx context.Context, rt *Runtime, agent models.Agent) (*models.Agent, error) {
	if agent.ID == "" {
		agent.ID = ident.ToKebabCase(agent.Name)
	}
	if agent.ID == "" {
		return nil, fmt.Errorf("agent name %q normalizes to an empty id", agent.Name)
	}
	worldID := rt.World().ID
	exists, err := m.cfg.Store.AgentExists(ctx, worldID, agent.ID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("agent %q already exists in world %q", agent.ID, worldID)
	}
	now := time.Now()
	agent.CreatedAt = now
	agent.LastActive = now
	if agent.Status == "" {
		agent.Status = models.AgentStatusIdle
	}
	if err := m.cfg.Store.SaveAgent(ctx, worldID, &agent); err != nil {
		return nil, err
	}

	runtime := rt.Registry.Register(agent)
	rt.Pipeline.Attach(runtime)
	m.emitCRUD(ctx, rt, "create", "agent", agent.ID, &agent)
	return &agent, nil
}

// UpdateAgent persists agent changes and refreshes the registration. The id
// is never rewritten, even when the name changes.
func (m *Manager) UpdateAgent(ctx context.Context, rt *Runtime, agent models.Agent) error {
	worldID := rt.World().ID
	existing, err := m.cfg.Store.LoadAgent(ctx, worldID, agent.ID)
	if err != nil {
		return err
	}
	agent.CreatedAt = existing.CreatedAt
	agent.Memory = existing.Memory
	if err := m.cfg.Store.SaveAgent(ctx, worldID, &agent); err != nil {
		return err
	}
	runtime := rt.Registry.Register(agent)
	rt.Pipeline.Attach(runtime)
	m.emitCRUD(ctx, rt, "update", "agent", agent.ID, &agent)
	return nil
}

// DeleteAgent removes an agent from the world and storage.
func (m *Manager) DeleteAgent(ctx context.Context, rt *Runtime, agentID string) error {
	worldID := rt.World().ID
	rt.Registry.Unregister(agentID)
	if err := m.cfg.Store.DeleteAgent(ctx, worldID, agentID); err != nil {
		return err
	}
	m.emitCRUD(ctx, rt, "delete", "agent", agentID, nil)
	return nil
}

// emitCRUD publishes and persists an entity-lifecycle event.
func (m *Manager) emitCRUD(ctx context.Context, rt *Runtime, operation, entityType, entityID string, entity any) {
	var data json.RawMessage
	if entity != nil {
		if raw, err := json.Marshal(entity); err == nil {
			data = raw
		}
	}
	rt.Bus.PublishCRUD(ctx, models.CRUDEvent{
		Operation:  operation,
		EntityType: entityType,
		EntityID:   entityID,
		EntityData: data,
		Timestamp:  time.Now(),
	})
}

func (r *Runtime) cancelAllChats() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, cancel := range r.chatCancels {
		cancel()
		delete(r.chatCancels, key)
	}
}

func chatCancelKey(chatID *string) string {
	if chatID == nil {
		return "\x00world"
	}
	return *chatID
}

// SendMessage publishes a participant message into a world. Human messages
// reset nothing here; the pipeline handles routing, and human messages
// trigger asynchronous chat-title generation.
func (m *Manager) SendMessage(ctx context.Context, rt *Runtime, chatID *string, content, sender string) (events.Event, error) {
	if strings.TrimSpace(content) == "" {
		return events.Event{}, fmt.Errorf("message content is empty")
	}

	turnCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rt.mu.Lock()
	rt.chatCancels[chatCancelKey(chatID)] = cancel
	rt.mu.Unlock()

	published := rt.Bus.PublishMessage(turnCtx, models.WorldMessageEvent{
		Content: content,
		Sender:  sender,
		ChatID:  chatID,
	})

	if published.Message != nil && published.Message.ChatID != nil {
		m.bumpChatActivity(ctx, rt, *published.Message.ChatID)
	}
	if events.ClassifySender(sender, rt.Registry) == models.SenderHuman {
		m.maybeGenerateTitle(rt, published)
	}
	return published, nil
}

// DeleteMessage removes a persisted message from a chat's history. The
// message count on the chat record is decremented on success.
func (m *Manager) DeleteMessage(ctx context.Context, rt *Runtime, chatID *string, messageID string) error {
	if err := m.cfg.Store.Events().DeleteMessageEvent(ctx, rt.World().ID, chatID, messageID); err != nil {
		return err
	}
	if chatID != nil {
		chat, err := m.cfg.Store.LoadChatData(ctx, rt.World().ID, *chatID)
		if err == nil && chat.MessageCount > 0 {
			chat.MessageCount--
			chat.UpdatedAt = time.Now()
			if err := m.cfg.Store.UpdateChatData(ctx, chat); err != nil {
				m.logger.Warn(ctx, "message count update failed", "chat", *chatID, "error", err)
			}
		}
	}
	m.logger.Info(ctx, "message deleted", "world", rt.World().ID, "message", messageID)
	return nil
}

// StopChat best-effort cancels in-flight work scoped to a chat.
func (m *Manager) StopChat(rt *Runtime, chatID *string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	key := chatCancelKey(chatID)
	if cancel, ok := rt.chatCancels[key]; ok {
		cancel()
		delete(rt.chatCancels, key)
	}
}

// bumpChatActivity updates message count and freshness on the chat record.
func (m *Manager) bumpChatActivity(ctx context.Context, rt *Runtime, chatID string) {
	chat, err := m.cfg.Store.LoadChatData(ctx, rt.World().ID, chatID)
	if err != nil {
		m.logger.Debug(ctx, "chat activity bump skipped", "chat", chatID, "error", err)
		return
	}
	chat.MessageCount++
	chat.UpdatedAt = time.Now()
	if err := m.cfg.Store.UpdateChatData(ctx, chat); err != nil {
		m.logger.Warn(ctx, "chat activity update failed", "chat", chatID, "error", err)
	}
}
