package approval

import (
	"encoding/json"
	"reflect"
	"strings"

	"github.com/haasonsaas/agora/pkg/models"
)

// SessionApproval is the inner payload of a tool_result message granting a
// session-scoped approval.
type SessionApproval struct {
	Decision         models.ToolDecision  `json:"decision"`
	Scope            models.ApprovalScope `json:"scope"`
	ToolName         string               `json:"toolName"`
	ToolArgs         map[string]any       `json:"toolArgs,omitempty"`
	WorkingDirectory string               `json:"workingDirectory,omitempty"`
}

// toolResultEnvelope is the outer shape of an approval tool-result content.
type toolResultEnvelope struct {
	Type    string          `json:"__type"`
	Content json.RawMessage `json:"content"`
}

// parseSessionApproval extracts a session approval from a tool-role message
// content, or nil when the content is not an approval envelope.
func parseSessionApproval(content string) *SessionApproval {
	var envelope toolResultEnvelope
	if err := json.Unmarshal([]byte(content), &envelope); err != nil {
		return nil
	}
	if envelope.Type != "tool_result" || len(envelope.Content) == 0 {
		return nil
	}

	inner := envelope.Content
	// The inner approval is usually double-encoded as a JSON string.
	var asString string
	if err := json.Unmarshal(inner, &asString); err == nil {
		inner = json.RawMessage(asString)
	}

	var approval SessionApproval
	if err := json.Unmarshal(inner, &approval); err != nil {
		return nil
	}
	return &approval
}

// normalizeJSON round-trips a value through JSON so that structurally equal
// values compare equal regardless of Go numeric types or map ordering.
func normalizeJSON(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// argsEqual compares tool arguments structurally: object key order is
// irrelevant, arrays are ordered, primitives compare strictly.
func argsEqual(a, b map[string]any) bool {
	return reflect.DeepEqual(normalizeJSON(a), normalizeJSON(b))
}

// matches reports whether an approval authorizes (toolName, toolArgs,
// workingDirectory). Only decision=approve with scope=session counts;
// one-time approvals are deprecated and never reused.
func (a *SessionApproval) matches(toolName string, toolArgs map[string]any, workingDirectory string) bool {
	if a.Decision != models.DecisionApprove || a.Scope != models.ScopeSession {
		return false
	}
	if !strings.EqualFold(a.ToolName, toolName) {
		return false
	}
	if a.WorkingDirectory != "" && a.WorkingDirectory != workingDirectory {
		return false
	}
	if a.ToolArgs != nil && !argsEqual(a.ToolArgs, toolArgs) {
		return false
	}
	return true
}

// legacyApprovalMatches handles the free-form text fallback
// "approve_session for <toolName>" used before the JSON envelope existed.
func legacyApprovalMatches(content, toolName string) bool {
	lower := strings.ToLower(content)
	return strings.Contains(lower, "approve_session for "+strings.ToLower(toolName))
}

// HasSessionApproval scans memory backwards for a session approval
// authorizing the given tool call. The scan is pure; re-scanning the same
// memory yields the same answer.
func HasSessionApproval(memory []models.AgentMessage, toolName string, toolArgs map[string]any, workingDirectory string) bool {
	for i := len(memory) - 1; i >= 0; i-- {
		msg := &memory[i]
		if msg.Role != models.RoleTool {
			continue
		}
		if approval := parseSessionApproval(msg.Content); approval != nil {
			if approval.matches(toolName, toolArgs, workingDirectory) {
				return true
			}
			continue
		}
		if legacyApprovalMatches(msg.Content, toolName) {
			return true
		}
	}
	return false
}
