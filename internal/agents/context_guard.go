package agents

import (
	"strings"

	"github.com/haasonsaas/agora/pkg/models"
)

const (
	// defaultContextWindow is assumed when neither the agent nor the model
	// family tells us better.
	defaultContextWindow = 128_000

	// windowReserveTokens is headroom kept free for the completion itself.
	windowReserveTokens = 8_192

	// approxCharsPerToken drives the size estimate. Deliberately coarse;
	// the guard trims history, it does not bill anyone.
	approxCharsPerToken = 4
)

// modelWindows maps model-name prefixes to known context windows. Checked in
// order; first prefix match wins.
var modelWindows = []struct {
	prefix string
	tokens int
}{
	{"claude-3-5", 200_000},
	{"claude-sonnet-4", 200_000},
	{"claude-opus-4", 200_000},
	{"gpt-4o", 128_000},
	{"gpt-4-turbo", 128_000},
	{"gpt-4", 8_192},
	{"gpt-3.5", 16_385},
	{"o1", 200_000},
}

// contextWindowFor resolves the usable context window for an agent. An
// explicit per-agent override wins over the model-family table.
func contextWindowFor(agent *models.Agent) int {
	if agent.ContextWindow > 0 {
		return agent.ContextWindow
	}
	model := strings.ToLower(agent.Model)
	for _, entry := range modelWindows {
		if strings.HasPrefix(model, entry.prefix) {
			return entry.tokens
		}
	}
	return defaultContextWindow
}

// estimateTokens approximates the prompt cost of a message list. Tool-call
// arguments count too since they travel with the assistant entry.
func estimateTokens(messages []models.AgentMessage) int {
	chars := 0
	for _, msg := range messages {
		chars += len(msg.Content)
		for _, call := range msg.ToolCalls {
			chars += len(call.Function.Name) + len(call.Function.Arguments)
		}
	}
	return chars / approxCharsPerToken
}

// fitToWindow drops the oldest history entries until the prepared sequence
// fits the window minus completion headroom. The system prompt (index 0, if
// present) and the final entry (the current turn) are never dropped. A tool
// result whose originating assistant entry was dropped is dropped with it.
// Returns the trimmed sequence and the number of entries removed.
func fitToWindow(prepared []models.AgentMessage, window int) ([]models.AgentMessage, int) {
	budget := window - windowReserveTokens
	if budget < 1 {
		budget = 1
	}
	if estimateTokens(prepared) <= budget {
		return prepared, 0
	}

	start := 0
	if len(prepared) > 0 && prepared[0].Role == models.RoleSystem {
		start = 1
	}
	head := prepared[:start]
	body := prepared[start:]
	dropped := 0
	// Keep at least the current turn.
	for len(body) > 1 {
		cut := 1
		// An orphaned tool result is an invalid prompt; take the pair.
		for cut < len(body)-1 && body[cut].Role == models.RoleTool {
			cut++
		}
		body = body[cut:]
		dropped += cut
		trimmed := append(append([]models.AgentMessage{}, head...), body...)
		if estimateTokens(trimmed) <= budget {
			return trimmed, dropped
		}
	}
	return append(append([]models.AgentMessage{}, head...), body...), dropped
}
