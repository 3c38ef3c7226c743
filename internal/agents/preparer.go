package agents

import (
	"strings"

	"github.com/haasonsaas/agora/internal/approval"
	"github.com/haasonsaas/agora/pkg/models"
)

// clientToolPrefix marks synthetic tool calls that only a transport client
// can fulfil. They never go back to the LLM.
const clientToolPrefix = "client."

// syntheticResultPrefixes mark tool-result memory entries produced by the
// approval flow rather than by real tool execution.
var syntheticResultPrefixes = []string{approval.ApprovalResultPrefix, approval.HITLResultPrefix}

// ChatScope selects which chat's history feeds a turn. A nil pointer inside
// a non-nil scope selects the world-level (null) chat; a nil scope disables
// filtering entirely.
type ChatScope struct {
	ChatID *string
}

// PrepareMessages builds the exact sequence sent to the LLM for one turn:
// optional system prompt, the stored history scoped to the chat, then the
// triggering message. History order is preserved and duplicates are NOT
// collapsed; a duplicate here means the caller persisted twice and hiding
// it would mask the bug.
func PrepareMessages(systemPrompt string, history []models.AgentMessage, current models.AgentMessage, scope *ChatScope) []models.AgentMessage {
	out := make([]models.AgentMessage, 0, len(history)+2)
	if strings.TrimSpace(systemPrompt) != "" {
		out = append(out, models.AgentMessage{
			Role:    models.RoleSystem,
			Content: systemPrompt,
		})
	}
	for _, msg := range history {
		if scope != nil && !models.SameChat(msg.ChatID, scope.ChatID) {
			continue
		}
		filtered, keep := filterSynthetic(msg)
		if !keep {
			continue
		}
		out = append(out, filtered)
	}
	out = append(out, current)
	return out
}

// filterSynthetic strips client-only tool calls and approval bookkeeping
// from a memory entry before it reaches the LLM.
func filterSynthetic(msg models.AgentMessage) (models.AgentMessage, bool) {
	if msg.Role == models.RoleTool {
		for _, prefix := range syntheticResultPrefixes {
			if strings.HasPrefix(msg.ToolCallID, prefix) {
				return models.AgentMessage{}, false
			}
		}
		return msg, true
	}
	if len(msg.ToolCalls) == 0 {
		return msg, true
	}
	kept := make([]models.ToolCall, 0, len(msg.ToolCalls))
	for _, call := range msg.ToolCalls {
		if strings.HasPrefix(call.Function.Name, clientToolPrefix) {
			continue
		}
		kept = append(kept, call)
	}
	if len(kept) == 0 {
		// The entry existed only to carry client-side calls.
		return models.AgentMessage{}, false
	}
	msg.ToolCalls = kept
	return msg, true
}
