package agents

import (
	"strings"
	"testing"

	"github.com/haasonsaas/agora/pkg/models"
)

func TestContextWindowForPrefersAgentOverride(t *testing.T) {
	agent := &models.Agent{Model: "gpt-4o", ContextWindow: 50_000}
	if got := contextWindowFor(agent); got != 50_000 {
		t.Errorf("override window = %d, want 50000", got)
	}
	agent.ContextWindow = 0
	if got := contextWindowFor(agent); got != 128_000 {
		t.Errorf("gpt-4o window = %d, want 128000", got)
	}
}

func TestContextWindowForUnknownModelUsesDefault(t *testing.T) {
	agent := &models.Agent{Model: "experimental-llm-9000"}
	if got := contextWindowFor(agent); got != defaultContextWindow {
		t.Errorf("unknown model window = %d, want %d", got, defaultContextWindow)
	}
}

func TestContextWindowForLongestPrefixOrder(t *testing.T) {
	// gpt-4-turbo must not fall through to the plain gpt-4 entry.
	agent := &models.Agent{Model: "gpt-4-turbo-2024-04-09"}
	if got := contextWindowFor(agent); got != 128_000 {
		t.Errorf("gpt-4-turbo window = %d, want 128000", got)
	}
}

func TestFitToWindowNoTrimWhenUnderBudget(t *testing.T) {
	prepared := []models.AgentMessage{
		{Role: models.RoleSystem, Content: "be brief"},
		{Role: models.RoleUser, Content: "hello"},
	}
	out, dropped := fitToWindow(prepared, 100_000)
	if dropped != 0 || len(out) != 2 {
		t.Fatalf("dropped %d of %d entries under budget", dropped, len(prepared))
	}
}

func TestFitToWindowDropsOldestKeepsSystemAndCurrent(t *testing.T) {
	big := strings.Repeat("x", 40_000) // ~10k tokens each
	prepared := []models.AgentMessage{
		{Role: models.RoleSystem, Content: "sys"},
		{Role: models.RoleUser, Content: big},
		{Role: models.RoleAssistant, Content: big},
		{Role: models.RoleUser, Content: "current turn"},
	}
	out, dropped := fitToWindow(prepared, 16_000)
	if dropped == 0 {
		t.Fatal("expected trimming")
	}
	if out[0].Role != models.RoleSystem {
		t.Errorf("system prompt lost, first role %q", out[0].Role)
	}
	last := out[len(out)-1]
	if last.Content != "current turn" {
		t.Errorf("current turn lost, last content %q", last.Content)
	}
}

func TestFitToWindowDropsToolResultWithItsCall(t *testing.T) {
	big := strings.Repeat("y", 60_000)
	prepared := []models.AgentMessage{
		{Role: models.RoleAssistant, Content: big, ToolCalls: []models.ToolCall{{
			ID:       "call-1",
			Type:     "function",
			Function: models.ToolCallFunction{Name: "grep", Arguments: "{}"},
		}}},
		{Role: models.RoleTool, ToolCallID: "call-1", Content: "result"},
		{Role: models.RoleUser, Content: "current turn"},
	}
	out, _ := fitToWindow(prepared, 10_000)
	for _, msg := range out {
		if msg.Role == models.RoleTool {
			t.Fatalf("orphaned tool result survived trim: %+v", msg)
		}
	}
}
