package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// SenderType classifies where a message originated.
type SenderType string

const (
	SenderHuman  SenderType = "human"
	SenderAgent  SenderType = "agent"
	SenderSystem SenderType = "system"
	SenderWorld  SenderType = "world"
)

// ToolCall represents an LLM's request to execute a tool, in the
// OpenAI-compatible wire shape.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"` // always "function"
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction carries the function name and its JSON-encoded arguments.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON string
}

// Args decodes the JSON arguments into a map. A missing or empty argument
// string decodes to an empty map.
func (f ToolCallFunction) Args() (map[string]any, error) {
	if f.Arguments == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(f.Arguments), &args); err != nil {
		return nil, err
	}
	return args, nil
}

// ToolCallState tracks completion of a single tool call within a message.
type ToolCallState struct {
	Complete bool `json:"complete"`
	Result   any  `json:"result"`
}

// AgentMessage is a single entry in an agent's memory.
//
// Memory entries are append-only during a turn; only the processing pipeline
// for that agent may mutate them, and no two turns for the same agent
// interleave.
type AgentMessage struct {
	Role             Role                      `json:"role"`
	Content          string                    `json:"content"`
	Sender           string                    `json:"sender,omitempty"`
	ChatID           *string                   `json:"chatId"`
	CreatedAt        time.Time                 `json:"createdAt"`
	MessageID        string                    `json:"messageId,omitempty"`
	ReplyToMessageID string                    `json:"replyToMessageId,omitempty"`
	ToolCalls        []ToolCall                `json:"tool_calls,omitempty"`
	ToolCallID       string                    `json:"tool_call_id,omitempty"`
	ToolCallStatus   map[string]*ToolCallState `json:"toolCallStatus,omitempty"`
}

// HasToolCall reports whether the message carries a tool call with the given id.
func (m *AgentMessage) HasToolCall(id string) bool {
	for _, tc := range m.ToolCalls {
		if tc.ID == id {
			return true
		}
	}
	return false
}

// ChatRef returns a pointer to a copy of id, for the nullable chat reference
// fields used throughout event payloads and memory entries.
func ChatRef(id string) *string {
	return &id
}

// SameChat reports whether two nullable chat references denote the same chat.
// Two nils are equal; nil never equals a concrete id.
func SameChat(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
