package models

import "time"

// World is the persisted description of a world: a named container grouping
// agents, chats, and a current-chat pointer. The runtime composition (event
// bus, storage handles, agent registry) lives in the world manager.
type World struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	TurnLimit     int       `json:"turnLimit"`
	CurrentChatID *string   `json:"currentChatId"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// AgentStatus describes what an agent is currently doing.
type AgentStatus string

const (
	AgentStatusIdle       AgentStatus = "idle"
	AgentStatusProcessing AgentStatus = "processing"
	AgentStatusError      AgentStatus = "error"
)

// Agent is an LLM-backed participant in a world. The id is stable across
// renames; the name may diverge and resolvers accept either.
type Agent struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Type         string      `json:"type"`
	Provider     string      `json:"provider"`
	Model        string      `json:"model"`
	SystemPrompt string      `json:"systemPrompt,omitempty"`
	Status       AgentStatus `json:"status,omitempty"`

	// ContextWindow overrides the model's assumed context window, in tokens.
	ContextWindow int       `json:"contextWindow,omitempty"`
	LLMCallCount  int       `json:"llmCallCount"`
	CreatedAt     time.Time `json:"createdAt"`
	LastActive    time.Time `json:"lastActive"`

	// Memory is the ordered per-agent conversation history. Entries are
	// appended by the processing pipeline only.
	Memory []AgentMessage `json:"memory,omitempty"`
}

// Chat is an ordered conversation within a world. One world has at most one
// current chat at a time but may retain many.
type Chat struct {
	ID           string    `json:"id"`
	WorldID      string    `json:"worldId"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	MessageCount int       `json:"messageCount"`
}
