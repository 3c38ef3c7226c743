// Package storage defines the persistence capability set the runtime
// consumes, with in-memory, file, and SQL backends.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/haasonsaas/agora/pkg/models"
)

// ErrorKind classifies storage failures.
type ErrorKind string

const (
	KindNotFound  ErrorKind = "not_found"
	KindConflict  ErrorKind = "conflict"
	KindCorrupted ErrorKind = "corrupted"
	KindIO        ErrorKind = "io"
)

// Error is a structured storage error carrying the failure kind and the
// entity it concerns.
type Error struct {
	Kind   ErrorKind
	Entity string // world, agent, chat, event
	ID     string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("storage: %s %s %q: %v", e.Kind, e.Entity, e.ID, e.Err)
	}
	return fmt.Sprintf("storage: %s %s %q", e.Kind, e.Entity, e.ID)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Sentinels for errors.Is checks across backends.
var (
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("conflict")
	ErrCorrupted = errors.New("corrupted")
	ErrIO        = errors.New("io failure")
)

// Is maps kinds onto the package sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrConflict:
		return e.Kind == KindConflict
	case ErrCorrupted:
		return e.Kind == KindCorrupted
	case ErrIO:
		return e.Kind == KindIO
	}
	return false
}

func notFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Entity: entity, ID: id}
}

func conflict(entity, id string) *Error {
	return &Error{Kind: KindConflict, Entity: entity, ID: id}
}

func ioErr(entity, id string, err error) *Error {
	return &Error{Kind: KindIO, Entity: entity, ID: id, Err: err}
}

func corrupted(entity, id string, err error) *Error {
	return &Error{Kind: KindCorrupted, Entity: entity, ID: id, Err: err}
}

// API is the storage capability set the core depends on. Implementations
// must be safe for concurrent use.
type API interface {
	SaveWorld(ctx context.Context, world *models.World) error
	LoadWorld(ctx context.Context, id string) (*models.World, error)
	DeleteWorld(ctx context.Context, id string) error
	ListWorlds(ctx context.Context) ([]*models.World, error)
	WorldExists(ctx context.Context, id string) (bool, error)

	SaveAgent(ctx context.Context, worldID string, agent *models.Agent) error
	LoadAgent(ctx context.Context, worldID, agentID string) (*models.Agent, error)
	// LoadAgentWithRetry retries transient IO failures and repairs partial
	// on-disk state where the backend supports it. The int is the count of
	// repaired fragments (always 0 for backends without partial state).
	LoadAgentWithRetry(ctx context.Context, worldID, agentID string) (*models.Agent, int, error)
	DeleteAgent(ctx context.Context, worldID, agentID string) error
	ListAgents(ctx context.Context, worldID string) ([]*models.Agent, error)
	AgentExists(ctx context.Context, worldID, agentID string) (bool, error)

	SaveAgentMemory(ctx context.Context, worldID, agentID string, memory []models.AgentMessage) error
	// GetMemory returns all agents' memory entries for a chat, ordered by
	// CreatedAt, with tool_calls and tool_call_id fields intact. A nil
	// chatID selects entries saved outside any chat.
	GetMemory(ctx context.Context, worldID string, chatID *string) ([]models.AgentMessage, error)

	SaveChatData(ctx context.Context, chat *models.Chat) error
	LoadChatData(ctx context.Context, worldID, chatID string) (*models.Chat, error)
	ListChats(ctx context.Context, worldID string) ([]*models.Chat, error)
	UpdateChatData(ctx context.Context, chat *models.Chat) error
	DeleteChatData(ctx context.Context, worldID, chatID string) error

	Events() EventStore
}

// EventStore is the append-only store for emitted events, keyed by
// (worldId, chatId).
type EventStore interface {
	AppendEvent(ctx context.Context, event *models.StoredEvent) error
	// GetEventsByWorldAndChat returns events in append order. A nil chatID
	// selects world-level events carrying no chat tag.
	GetEventsByWorldAndChat(ctx context.Context, worldID string, chatID *string) ([]*models.StoredEvent, error)
	// DeleteMessageEvent removes the message-channel event whose payload
	// messageId (or stored id) matches. Returns ErrNotFound when no event
	// matches.
	DeleteMessageEvent(ctx context.Context, worldID string, chatID *string, messageID string) error
}

// messageEventMatches reports whether a stored message event carries the
// given message id, checking the payload messageId before the stored id.
func messageEventMatches(event *models.StoredEvent, messageID string) bool {
	if event.Type != models.ChannelMessage {
		return false
	}
	var payload models.WorldMessageEvent
	if err := json.Unmarshal(event.Payload, &payload); err == nil && payload.MessageID == messageID {
		return true
	}
	return event.ID == messageID
}
