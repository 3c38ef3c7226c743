package providers

import (
	"errors"
	"testing"

	"github.com/haasonsaas/agora/internal/agents"
	"github.com/haasonsaas/agora/pkg/models"
)

func toolCall(id, name, args string) models.ToolCall {
	tc := models.ToolCall{ID: id, Type: "function"}
	tc.Function.Name = name
	tc.Function.Arguments = args
	return tc
}

func TestNewSetResolvesByName(t *testing.T) {
	set, err := NewSet("openai", map[string]Options{
		"openai":    {APIKey: "sk-test"},
		"anthropic": {APIKey: "sk-ant-test"},
	})
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}

	if _, err := set.Completion("anthropic"); err != nil {
		t.Errorf("anthropic: %v", err)
	}
	if _, err := set.Completion("OpenAI"); err != nil {
		t.Errorf("case-insensitive lookup: %v", err)
	}

	// Empty name falls back to the default provider.
	backend, err := set.Completion("")
	if err != nil {
		t.Fatalf("default provider: %v", err)
	}
	if _, ok := backend.(*OpenAI); !ok {
		t.Errorf("default backend = %T, want *OpenAI", backend)
	}

	if _, err := set.Completion("mistral"); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestNewSetOpenAICompatibleNeedsBaseURL(t *testing.T) {
	if _, err := NewSet("ollama", map[string]Options{"ollama": {APIKey: "x"}}); err == nil {
		t.Fatal("expected error for compatible provider without base_url")
	}
	set, err := NewSet("ollama", map[string]Options{
		"ollama": {BaseURL: "http://localhost:11434/v1", DefaultModel: "llama3"},
	})
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	if _, err := set.Completion("ollama"); err != nil {
		t.Errorf("ollama: %v", err)
	}
}

func TestToOpenAIMessagesPreservesToolStructure(t *testing.T) {
	msgs := []models.AgentMessage{
		{Role: models.RoleSystem, Content: "be terse"},
		{Role: models.RoleUser, Content: "list files"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			toolCall("tc-1", "list_files", `{"path":"."}`),
		}},
		{Role: models.RoleTool, ToolCallID: "tc-1", Content: "a.go\nb.go"},
	}

	out := toOpenAIMessages(msgs)
	if len(out) != 4 {
		t.Fatalf("len = %d, want 4", len(out))
	}
	if out[0].Role != "system" || out[0].Content != "be terse" {
		t.Errorf("system message = %+v", out[0])
	}
	if len(out[2].ToolCalls) != 1 || out[2].ToolCalls[0].Function.Name != "list_files" {
		t.Errorf("assistant tool calls = %+v", out[2].ToolCalls)
	}
	if out[3].Role != "tool" || out[3].ToolCallID != "tc-1" {
		t.Errorf("tool result = %+v", out[3])
	}
}

func TestToAnthropicMessagesSeparatesSystem(t *testing.T) {
	msgs := []models.AgentMessage{
		{Role: models.RoleSystem, Content: "be terse"},
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "checking", ToolCalls: []models.ToolCall{
			toolCall("tc-1", "echo", `{"text":"hi"}`),
		}},
		{Role: models.RoleTool, ToolCallID: "tc-1", Content: "hi"},
	}

	out, system, err := toAnthropicMessages(msgs)
	if err != nil {
		t.Fatalf("toAnthropicMessages: %v", err)
	}
	if system != "be terse" {
		t.Errorf("system = %q", system)
	}
	// System entry is lifted out; the other three survive as messages.
	if len(out) != 3 {
		t.Fatalf("len = %d, want 3", len(out))
	}
}

func TestToAnthropicMessagesRejectsBadArguments(t *testing.T) {
	msgs := []models.AgentMessage{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			toolCall("tc-1", "echo", `{not json`),
		}},
	}
	if _, _, err := toAnthropicMessages(msgs); err == nil {
		t.Fatal("expected error for malformed arguments")
	}
}

func TestIsRetryable(t *testing.T) {
	if !isRetryable(errors.New("status 429: too many requests")) {
		t.Error("rate limit should be retryable")
	}
	if !isRetryable(errors.New("503 service unavailable")) {
		t.Error("server error should be retryable")
	}
	if isRetryable(errors.New("status 401: invalid api key")) {
		t.Error("auth failure should not be retryable")
	}
	if isRetryable(nil) {
		t.Error("nil should not be retryable")
	}
}

var _ agents.ProviderSet = (*Set)(nil)
