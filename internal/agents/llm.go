package agents

import (
	"context"

	"github.com/haasonsaas/agora/pkg/models"
)

// ToolDefinition is the OpenAI-shaped tool advertisement sent to providers.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// CompletionRequest carries one LLM turn: the prepared message sequence,
// the advertised tools, and an optional streaming callback.
type CompletionRequest struct {
	Model       string
	Temperature float32
	MaxTokens   int
	Messages    []models.AgentMessage
	Tools       []ToolDefinition

	// OnChunk, when set, receives incremental content deltas as the
	// provider streams them. The full content is still returned on the
	// response.
	OnChunk func(chunk string)
}

// CompletionResponse is the provider-normalized result of one turn.
type CompletionResponse struct {
	Content   string
	ToolCalls []models.ToolCall
}

// ChatCompletion abstracts an LLM provider. Implementations live in
// internal/providers.
type ChatCompletion interface {
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
}
