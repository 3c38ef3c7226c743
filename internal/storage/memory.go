package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/agora/pkg/models"
)

// MemoryStore provides an in-memory API implementation for tests and local
// runs. All returned values are deep copies; callers never share state with
// the store.
type MemoryStore struct {
	mu     sync.RWMutex
	worlds map[string]*models.World
	agents map[string]map[string]*models.Agent // worldID -> agentID -> agent
	chats  map[string]map[string]*models.Chat  // worldID -> chatID -> chat
	events *MemoryEventStore
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		worlds: map[string]*models.World{},
		agents: map[string]map[string]*models.Agent{},
		chats:  map[string]map[string]*models.Chat{},
		events: NewMemoryEventStore(),
	}
}

func cloneWorld(w *models.World) *models.World {
	clone := *w
	if w.CurrentChatID != nil {
		id := *w.CurrentChatID
		clone.CurrentChatID = &id
	}
	return &clone
}

func cloneAgent(a *models.Agent) *models.Agent {
	clone := *a
	clone.Memory = cloneMemory(a.Memory)
	return &clone
}

func cloneMemory(memory []models.AgentMessage) []models.AgentMessage {
	if memory == nil {
		return nil
	}
	out := make([]models.AgentMessage, len(memory))
	for i, m := range memory {
		out[i] = cloneMessage(m)
	}
	return out
}

func cloneMessage(m models.AgentMessage) models.AgentMessage {
	if m.ChatID != nil {
		id := *m.ChatID
		m.ChatID = &id
	}
	if m.ToolCalls != nil {
		m.ToolCalls = append([]models.ToolCall(nil), m.ToolCalls...)
	}
	if m.ToolCallStatus != nil {
		status := make(map[string]*models.ToolCallState, len(m.ToolCallStatus))
		for k, v := range m.ToolCallStatus {
			s := *v
			status[k] = &s
		}
		m.ToolCallStatus = status
	}
	return m
}

func cloneChat(c *models.Chat) *models.Chat {
	clone := *c
	return &clone
}

func (s *MemoryStore) SaveWorld(ctx context.Context, world *models.World) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := cloneWorld(world)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
		world.ID = clone.ID
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
		world.CreatedAt = clone.CreatedAt
	}
	clone.UpdatedAt = time.Now()
	world.UpdatedAt = clone.UpdatedAt
	s.worlds[clone.ID] = clone
	return nil
}

func (s *MemoryStore) LoadWorld(ctx context.Context, id string) (*models.World, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	world, ok := s.worlds[id]
	if !ok {
		return nil, notFound("world", id)
	}
	return cloneWorld(world), nil
}

func (s *MemoryStore) DeleteWorld(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.worlds[id]; !ok {
		return notFound("world", id)
	}
	delete(s.worlds, id)
	delete(s.agents, id)
	delete(s.chats, id)
	return nil
}

func (s *MemoryStore) ListWorlds(ctx context.Context) ([]*models.World, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.World, 0, len(s.worlds))
	for _, w := range s.worlds {
		out = append(out, cloneWorld(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) WorldExists(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.worlds[id]
	return ok, nil
}

func (s *MemoryStore) SaveAgent(ctx context.Context, worldID string, agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.worlds[worldID]; !ok {
		return notFound("world", worldID)
	}
	if s.agents[worldID] == nil {
		s.agents[worldID] = map[string]*models.Agent{}
	}
	s.agents[worldID][agent.ID] = cloneAgent(agent)
	return nil
}

func (s *MemoryStore) LoadAgent(ctx context.Context, worldID, agentID string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[worldID][agentID]
	if !ok {
		return nil, notFound("agent", agentID)
	}
	return cloneAgent(agent), nil
}

func (s *MemoryStore) LoadAgentWithRetry(ctx context.Context, worldID, agentID string) (*models.Agent, int, error) {
	agent, err := s.LoadAgent(ctx, worldID, agentID)
	return agent, 0, err
}

func (s *MemoryStore) DeleteAgent(ctx context.Context, worldID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[worldID][agentID]; !ok {
		return notFound("agent", agentID)
	}
	delete(s.agents[worldID], agentID)
	return nil
}

func (s *MemoryStore) ListAgents(ctx context.Context, worldID string) ([]*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Agent, 0, len(s.agents[worldID]))
	for _, a := range s.agents[worldID] {
		out = append(out, cloneAgent(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) AgentExists(ctx context.Context, worldID, agentID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.agents[worldID][agentID]
	return ok, nil
}

func (s *MemoryStore) SaveAgentMemory(ctx context.Context, worldID, agentID string, memory []models.AgentMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[worldID][agentID]
	if !ok {
		return notFound("agent", agentID)
	}
	agent.Memory = cloneMemory(memory)
	return nil
}

func (s *MemoryStore) GetMemory(ctx context.Context, worldID string, chatID *string) ([]models.AgentMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.AgentMessage
	for _, agent := range s.agents[worldID] {
		for _, m := range agent.Memory {
			if models.SameChat(m.ChatID, chatID) {
				out = append(out, cloneMessage(m))
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SaveChatData(ctx context.Context, chat *models.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.worlds[chat.WorldID]; !ok {
		return notFound("world", chat.WorldID)
	}
	if s.chats[chat.WorldID] == nil {
		s.chats[chat.WorldID] = map[string]*models.Chat{}
	}
	clone := cloneChat(chat)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
		chat.ID = clone.ID
	}
	if _, exists := s.chats[chat.WorldID][clone.ID]; exists {
		return conflict("chat", clone.ID)
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
		chat.CreatedAt = clone.CreatedAt
	}
	clone.UpdatedAt = clone.CreatedAt
	s.chats[chat.WorldID][clone.ID] = clone
	return nil
}

func (s *MemoryStore) LoadChatData(ctx context.Context, worldID, chatID string) (*models.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chat, ok := s.chats[worldID][chatID]
	if !ok {
		return nil, notFound("chat", chatID)
	}
	return cloneChat(chat), nil
}

func (s *MemoryStore) ListChats(ctx context.Context, worldID string) ([]*models.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Chat, 0, len(s.chats[worldID]))
	for _, c := range s.chats[worldID] {
		out = append(out, cloneChat(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateChatData(ctx context.Context, chat *models.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.chats[chat.WorldID][chat.ID]
	if !ok {
		return notFound("chat", chat.ID)
	}
	clone := cloneChat(chat)
	clone.CreatedAt = existing.CreatedAt
	clone.UpdatedAt = time.Now()
	chat.UpdatedAt = clone.UpdatedAt
	s.chats[chat.WorldID][clone.ID] = clone
	return nil
}

func (s *MemoryStore) DeleteChatData(ctx context.Context, worldID, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[worldID][chatID]; !ok {
		return notFound("chat", chatID)
	}
	delete(s.chats[worldID], chatID)
	return nil
}

func (s *MemoryStore) Events() EventStore {
	return s.events
}

// MemoryEventStore is an append-only in-memory event store.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events map[string][]*models.StoredEvent // worldID, append order
}

// NewMemoryEventStore creates an empty event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: map[string][]*models.StoredEvent{}}
}

func (s *MemoryEventStore) AppendEvent(ctx context.Context, event *models.StoredEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *event
	if clone.ID == "" {
		clone.ID = uuid.NewString()
		event.ID = clone.ID
	}
	if clone.ChatID != nil {
		id := *clone.ChatID
		clone.ChatID = &id
	}
	s.events[clone.WorldID] = append(s.events[clone.WorldID], &clone)
	return nil
}

func (s *MemoryEventStore) DeleteMessageEvent(ctx context.Context, worldID string, chatID *string, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.events[worldID]
	for i, e := range events {
		if !models.SameChat(e.ChatID, chatID) || !messageEventMatches(e, messageID) {
			continue
		}
		s.events[worldID] = append(events[:i:i], events[i+1:]...)
		return nil
	}
	return notFound("message", messageID)
}

func (s *MemoryEventStore) GetEventsByWorldAndChat(ctx context.Context, worldID string, chatID *string) ([]*models.StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.StoredEvent
	for _, e := range s.events[worldID] {
		if models.SameChat(e.ChatID, chatID) {
			clone := *e
			out = append(out, &clone)
		}
	}
	return out, nil
}
