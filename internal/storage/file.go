package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/agora/pkg/models"
)

const (
	worldFile        = "world.json"
	agentConfigFile  = "config.json"
	systemPromptFile = "system-prompt.md"
	memoryFile       = "memory.json"
	eventsFile       = "events.jsonl"
)

// FileStore persists worlds as a directory tree under a data root:
//
//	<root>/<worldId>/world.json
//	<root>/<worldId>/agents/<agentId>/{config.json,system-prompt.md,memory.json}
//	<root>/<worldId>/chats/<chatId>.json
//	<root>/<worldId>/events.jsonl
//
// Agent loads repair partial state: a missing system-prompt or memory file
// is synthesized and the repair counted rather than failing the load.
type FileStore struct {
	root   string
	mu     sync.Mutex
	events *fileEventStore
}

// NewFileStore creates a file store rooted at dataPath, creating the
// directory when missing.
func NewFileStore(dataPath string) (*FileStore, error) {
	if dataPath == "" {
		return nil, errors.New("data path is required")
	}
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, ioErr("root", dataPath, err)
	}
	s := &FileStore{root: dataPath}
	s.events = &fileEventStore{store: s}
	return s, nil
}

func (s *FileStore) worldDir(id string) string {
	return filepath.Join(s.root, id)
}

func (s *FileStore) agentDir(worldID, agentID string) string {
	return filepath.Join(s.root, worldID, "agents", agentID)
}

func (s *FileStore) chatPath(worldID, chatID string) string {
	return filepath.Join(s.root, worldID, "chats", chatID+".json")
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *FileStore) SaveWorld(ctx context.Context, world *models.World) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if world.ID == "" {
		world.ID = uuid.NewString()
	}
	if world.CreatedAt.IsZero() {
		world.CreatedAt = time.Now()
	}
	world.UpdatedAt = time.Now()
	if err := writeJSON(filepath.Join(s.worldDir(world.ID), worldFile), world); err != nil {
		return ioErr("world", world.ID, err)
	}
	return nil
}

func (s *FileStore) LoadWorld(ctx context.Context, id string) (*models.World, error) {
	var world models.World
	err := readJSON(filepath.Join(s.worldDir(id), worldFile), &world)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, notFound("world", id)
	case err != nil:
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return nil, corrupted("world", id, err)
		}
		return nil, ioErr("world", id, err)
	}
	return &world, nil
}

func (s *FileStore) DeleteWorld(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := s.worldDir(id)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return notFound("world", id)
	}
	if err := os.RemoveAll(dir); err != nil {
		return ioErr("world", id, err)
	}
	return nil
}

func (s *FileStore) ListWorlds(ctx context.Context) ([]*models.World, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, ioErr("root", s.root, err)
	}
	var out []*models.World
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		world, err := s.LoadWorld(ctx, entry.Name())
		if err != nil {
			continue
		}
		out = append(out, world)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FileStore) WorldExists(ctx context.Context, id string) (bool, error) {
	_, err := os.Stat(filepath.Join(s.worldDir(id), worldFile))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, ioErr("world", id, err)
	}
	return true, nil
}

// agentConfig is the on-disk agent shape; system prompt and memory live in
// sibling files.
type agentConfig struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Type         string             `json:"type"`
	Provider     string             `json:"provider"`
	Model        string             `json:"model"`
	Status       models.AgentStatus `json:"status,omitempty"`
	LLMCallCount int                `json:"llmCallCount"`
	CreatedAt    time.Time          `json:"createdAt"`
	LastActive   time.Time          `json:"lastActive"`
}

func (s *FileStore) SaveAgent(ctx context.Context, worldID string, agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok, _ := s.worldExistsLocked(worldID); !ok {
		return notFound("world", worldID)
	}
	dir := s.agentDir(worldID, agent.ID)
	cfg := agentConfig{
		ID:           agent.ID,
		Name:         agent.Name,
		Type:         agent.Type,
		Provider:     agent.Provider,
		Model:        agent.Model,
		Status:       agent.Status,
		LLMCallCount: agent.LLMCallCount,
		CreatedAt:    agent.CreatedAt,
		LastActive:   agent.LastActive,
	}
	if err := writeJSON(filepath.Join(dir, agentConfigFile), cfg); err != nil {
		return ioErr("agent", agent.ID, err)
	}
	if err := os.WriteFile(filepath.Join(dir, systemPromptFile), []byte(agent.SystemPrompt), 0o644); err != nil {
		return ioErr("agent", agent.ID, err)
	}
	memory := agent.Memory
	if memory == nil {
		memory = []models.AgentMessage{}
	}
	if err := writeJSON(filepath.Join(dir, memoryFile), memory); err != nil {
		return ioErr("agent", agent.ID, err)
	}
	return nil
}

func (s *FileStore) worldExistsLocked(worldID string) (bool, error) {
	_, err := os.Stat(filepath.Join(s.worldDir(worldID), worldFile))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// loadAgentRepair loads an agent, synthesizing missing fragments. Returns
// the agent and how many fragments were repaired.
func (s *FileStore) loadAgentRepair(worldID, agentID string) (*models.Agent, int, error) {
	dir := s.agentDir(worldID, agentID)
	var cfg agentConfig
	err := readJSON(filepath.Join(dir, agentConfigFile), &cfg)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, 0, notFound("agent", agentID)
	case err != nil:
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return nil, 0, corrupted("agent", agentID, err)
		}
		return nil, 0, ioErr("agent", agentID, err)
	}

	agent := &models.Agent{
		ID:           cfg.ID,
		Name:         cfg.Name,
		Type:         cfg.Type,
		Provider:     cfg.Provider,
		Model:        cfg.Model,
		Status:       cfg.Status,
		LLMCallCount: cfg.LLMCallCount,
		CreatedAt:    cfg.CreatedAt,
		LastActive:   cfg.LastActive,
	}

	repaired := 0
	promptPath := filepath.Join(dir, systemPromptFile)
	prompt, err := os.ReadFile(promptPath)
	if errors.Is(err, fs.ErrNotExist) {
		if werr := os.WriteFile(promptPath, nil, 0o644); werr == nil {
			repaired++
		}
	} else if err != nil {
		return nil, repaired, ioErr("agent", agentID, err)
	} else {
		agent.SystemPrompt = string(prompt)
	}

	memoryPath := filepath.Join(dir, memoryFile)
	var memory []models.AgentMessage
	err = readJSON(memoryPath, &memory)
	if errors.Is(err, fs.ErrNotExist) {
		if werr := writeJSON(memoryPath, []models.AgentMessage{}); werr == nil {
			repaired++
		}
	} else if err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return nil, repaired, corrupted("agent", agentID, err)
		}
		return nil, repaired, ioErr("agent", agentID, err)
	} else {
		agent.Memory = memory
	}

	return agent, repaired, nil
}

func (s *FileStore) LoadAgent(ctx context.Context, worldID, agentID string) (*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, _, err := s.loadAgentRepair(worldID, agentID)
	return agent, err
}

const (
	loadRetryAttempts = 3
	loadRetryDelay    = 50 * time.Millisecond
)

func (s *FileStore) LoadAgentWithRetry(ctx context.Context, worldID, agentID string) (*models.Agent, int, error) {
	var lastErr error
	for attempt := 0; attempt < loadRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(loadRetryDelay << attempt):
			}
		}
		s.mu.Lock()
		agent, repaired, err := s.loadAgentRepair(worldID, agentID)
		s.mu.Unlock()
		if err == nil {
			return agent, repaired, nil
		}
		// Retry only transient IO failures.
		if !errors.Is(err, ErrIO) {
			return nil, repaired, err
		}
		lastErr = err
	}
	return nil, 0, lastErr
}

func (s *FileStore) DeleteAgent(ctx context.Context, worldID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := s.agentDir(worldID, agentID)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return notFound("agent", agentID)
	}
	if err := os.RemoveAll(dir); err != nil {
		return ioErr("agent", agentID, err)
	}
	return nil
}

func (s *FileStore) ListAgents(ctx context.Context, worldID string) ([]*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agentsDir := filepath.Join(s.worldDir(worldID), "agents")
	entries, err := os.ReadDir(agentsDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, ioErr("world", worldID, err)
	}
	var out []*models.Agent
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		agent, _, err := s.loadAgentRepair(worldID, entry.Name())
		if err != nil {
			continue
		}
		out = append(out, agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FileStore) AgentExists(ctx context.Context, worldID, agentID string) (bool, error) {
	_, err := os.Stat(filepath.Join(s.agentDir(worldID, agentID), agentConfigFile))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, ioErr("agent", agentID, err)
	}
	return true, nil
}

func (s *FileStore) SaveAgentMemory(ctx context.Context, worldID, agentID string, memory []models.AgentMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := s.agentDir(worldID, agentID)
	if _, err := os.Stat(filepath.Join(dir, agentConfigFile)); errors.Is(err, fs.ErrNotExist) {
		return notFound("agent", agentID)
	}
	if memory == nil {
		memory = []models.AgentMessage{}
	}
	if err := writeJSON(filepath.Join(dir, memoryFile), memory); err != nil {
		return ioErr("agent", agentID, err)
	}
	return nil
}

func (s *FileStore) GetMemory(ctx context.Context, worldID string, chatID *string) ([]models.AgentMessage, error) {
	agents, err := s.ListAgents(ctx, worldID)
	if err != nil {
		return nil, err
	}
	var out []models.AgentMessage
	for _, agent := range agents {
		for _, m := range agent.Memory {
			if models.SameChat(m.ChatID, chatID) {
				out = append(out, m)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *FileStore) SaveChatData(ctx context.Context, chat *models.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok, _ := s.worldExistsLocked(chat.WorldID); !ok {
		return notFound("world", chat.WorldID)
	}
	if chat.ID == "" {
		chat.ID = uuid.NewString()
	}
	path := s.chatPath(chat.WorldID, chat.ID)
	if _, err := os.Stat(path); err == nil {
		return conflict("chat", chat.ID)
	}
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = time.Now()
	}
	chat.UpdatedAt = chat.CreatedAt
	if err := writeJSON(path, chat); err != nil {
		return ioErr("chat", chat.ID, err)
	}
	return nil
}

func (s *FileStore) LoadChatData(ctx context.Context, worldID, chatID string) (*models.Chat, error) {
	var chat models.Chat
	err := readJSON(s.chatPath(worldID, chatID), &chat)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, notFound("chat", chatID)
	case err != nil:
		return nil, ioErr("chat", chatID, err)
	}
	return &chat, nil
}

func (s *FileStore) ListChats(ctx context.Context, worldID string) ([]*models.Chat, error) {
	chatsDir := filepath.Join(s.worldDir(worldID), "chats")
	entries, err := os.ReadDir(chatsDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, ioErr("world", worldID, err)
	}
	var out []*models.Chat
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		chat, err := s.LoadChatData(ctx, worldID, strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue
		}
		out = append(out, chat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *FileStore) UpdateChatData(ctx context.Context, chat *models.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.chatPath(chat.WorldID, chat.ID)
	var existing models.Chat
	if err := readJSON(path, &existing); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return notFound("chat", chat.ID)
		}
		return ioErr("chat", chat.ID, err)
	}
	chat.CreatedAt = existing.CreatedAt
	chat.UpdatedAt = time.Now()
	if err := writeJSON(path, chat); err != nil {
		return ioErr("chat", chat.ID, err)
	}
	return nil
}

func (s *FileStore) DeleteChatData(ctx context.Context, worldID, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.chatPath(worldID, chatID)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return notFound("chat", chatID)
	}
	if err := os.Remove(path); err != nil {
		return ioErr("chat", chatID, err)
	}
	return nil
}

func (s *FileStore) Events() EventStore {
	return s.events
}

// fileEventStore appends events as JSON lines per world.
type fileEventStore struct {
	store *FileStore
	mu    sync.Mutex
}

func (es *fileEventStore) AppendEvent(ctx context.Context, event *models.StoredEvent) error {
	es.mu.Lock()
	defer es.mu.Unlock()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	path := filepath.Join(es.store.worldDir(event.WorldID), eventsFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ioErr("event", event.ID, err)
	}
	data, err := json.Marshal(event)
	if err != nil {
		return ioErr("event", event.ID, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return ioErr("event", event.ID, err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%s\n", data); err != nil {
		return ioErr("event", event.ID, err)
	}
	return nil
}

func (es *fileEventStore) GetEventsByWorldAndChat(ctx context.Context, worldID string, chatID *string) ([]*models.StoredEvent, error) {
	es.mu.Lock()
	defer es.mu.Unlock()
	path := filepath.Join(es.store.worldDir(worldID), eventsFile)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, ioErr("event", worldID, err)
	}
	defer f.Close()

	var out []*models.StoredEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event models.StoredEvent
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, corrupted("event", worldID, err)
		}
		if models.SameChat(event.ChatID, chatID) {
			e := event
			out = append(out, &e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, ioErr("event", worldID, err)
	}
	return out, nil
}

func (es *fileEventStore) DeleteMessageEvent(ctx context.Context, worldID string, chatID *string, messageID string) error {
	es.mu.Lock()
	defer es.mu.Unlock()
	path := filepath.Join(es.store.worldDir(worldID), eventsFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return notFound("message", messageID)
	}
	if err != nil {
		return ioErr("event", worldID, err)
	}

	var kept [][]byte
	deleted := false
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var event models.StoredEvent
		if err := json.Unmarshal(line, &event); err != nil {
			return corrupted("event", worldID, err)
		}
		if !deleted && models.SameChat(event.ChatID, chatID) && messageEventMatches(&event, messageID) {
			deleted = true
			continue
		}
		kept = append(kept, line)
	}
	if !deleted {
		return notFound("message", messageID)
	}

	var buf bytes.Buffer
	for _, line := range kept {
		buf.Write(line)
		buf.WriteByte('\n')
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return ioErr("event", worldID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return ioErr("event", worldID, err)
	}
	return nil
}
