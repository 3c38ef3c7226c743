package agents

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/agora/internal/events"
	"github.com/haasonsaas/agora/internal/observability"
	"github.com/haasonsaas/agora/pkg/models"
)

// malformedToolCallResult is the content of the synthetic tool result fed
// back to the LLM when a call arrives without a usable tool name.
const malformedToolCallResult = "Malformed tool call: empty or missing tool name"

// toolArgAliases maps known LLM argument misspellings to the canonical
// parameter per tool. When both the alias and the canonical key are present,
// the canonical value wins and the alias is dropped.
var toolArgAliases = map[string]map[string]string{
	"list_files":   {"directory": "path"},
	"grep":         {"directory": "directoryPath"},
	"create_agent": {"auto-reply": "autoReply", "next agent": "nextAgent"},
}

// Validator screens LLM-proposed tool calls before execution: it drops
// unusable calls, repairs recoverable argument mistakes, and reports
// malformed calls back to both the LLM and the world channel.
type Validator struct {
	registry *ToolRegistry
	bus      *events.Bus
	logger   *observability.CategoryLogger
}

// NewValidator creates a validator over a tool registry and world bus.
func NewValidator(registry *ToolRegistry, bus *events.Bus, logger *observability.CategoryLogger) *Validator {
	return &Validator{registry: registry, bus: bus, logger: logger}
}

// ValidationOutcome splits proposed calls into executable calls and the
// synthetic tool-role results for the rejected ones. Both sides must reach
// the agent's memory so the LLM conversation stays well-formed.
type ValidationOutcome struct {
	Valid   []models.ToolCall
	Results []models.AgentMessage
}

// ValidateToolCalls screens one turn's proposed calls. Valid calls come
// back with normalized names and coerced arguments; calls with an empty or
// missing name are replaced by an error result and announced as a
// tool-error world event.
func (v *Validator) ValidateToolCalls(ctx context.Context, agentName string, chatID *string, calls []models.ToolCall) ValidationOutcome {
	var out ValidationOutcome
	for _, call := range calls {
		name := strings.TrimSpace(call.Function.Name)
		if name == "" {
			callID := call.ID
			if callID == "" {
				callID = "tc-" + uuid.NewString()
			}
			out.Results = append(out.Results, models.AgentMessage{
				Role:       models.RoleTool,
				ToolCallID: callID,
				Content:    malformedToolCallResult,
				ChatID:     chatID,
			})
			v.reportMalformed(ctx, agentName, callID, chatID)
			continue
		}
		call.Function.Name = name
		call.Function.Arguments = v.normalizeArguments(name, call.Function.Arguments)
		out.Valid = append(out.Valid, call)
	}
	return out
}

// reportMalformed emits the tool-error world event. Emission failures never
// abort validation; the synthetic result already carries the repair signal
// to the LLM.
func (v *Validator) reportMalformed(ctx context.Context, agentName, callID string, chatID *string) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Warn(ctx, "tool-error event publish failed", "panic", r)
		}
	}()
	exec := models.ToolExecution{
		ToolCallID: callID,
		Error:      "empty tool name from LLM",
	}
	v.bus.PublishWorld(ctx, models.WorldEvent{
		Type:          models.WorldToolError,
		Source:        agentName,
		AgentName:     agentName,
		ChatID:        chatID,
		ToolExecution: &exec,
	})
}

// normalizeArguments applies alias mapping and schema coercion, returning
// the re-encoded arguments. Arguments that do not decode as a JSON object
// are passed through untouched.
func (v *Validator) normalizeArguments(toolName, raw string) string {
	var args map[string]any
	if raw == "" {
		return raw
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return raw
	}
	args = normalizeAliases(toolName, args)
	if tool, ok := v.registry.Get(toolName); ok {
		args = CoerceArguments(args, tool.Schema())
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return raw
	}
	return string(encoded)
}

// normalizeAliases rewrites known argument aliases to their canonical keys.
func normalizeAliases(toolName string, args map[string]any) map[string]any {
	aliases, ok := toolArgAliases[strings.ToLower(toolName)]
	if !ok {
		return args
	}
	for alias, canonical := range aliases {
		value, present := args[alias]
		if !present {
			continue
		}
		delete(args, alias)
		if _, hasCanonical := args[canonical]; !hasCanonical {
			args[canonical] = value
		}
	}
	return args
}

// CoerceArguments repairs recoverable type mismatches against a tool's
// schema. The transformation is a fixed point: coercing already-coerced
// arguments changes nothing.
//
// Repairs applied per property:
//   - nulls and empty strings on optional properties are omitted
//   - numeric strings become numbers when the schema wants a number
//   - a lone value becomes a single-element array when the schema wants one
//   - enum values are rewritten to the canonical casing on case-only mismatch
func CoerceArguments(args map[string]any, schema *ParamSchema) map[string]any {
	if schema == nil {
		return args
	}
	required := map[string]bool{}
	for _, name := range schema.Required {
		required[name] = true
	}
	out := make(map[string]any, len(args))
	for key, value := range args {
		prop, known := schema.Properties[key]
		if !known {
			out[key] = value
			continue
		}
		if value == nil {
			if required[key] {
				out[key] = value
			}
			continue
		}
		if s, isString := value.(string); isString && s == "" && !required[key] && len(prop.Enum) > 0 {
			continue
		}
		out[key] = coerceValue(value, prop)
	}
	return out
}

func coerceValue(value any, prop *ParamProperty) any {
	switch prop.Type {
	case "number", "integer":
		if s, ok := value.(string); ok {
			if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return n
			}
		}
	case "array":
		if _, ok := value.([]any); !ok {
			item := value
			if prop.Items != nil {
				item = coerceValue(value, prop.Items)
			}
			return []any{item}
		}
		if prop.Items != nil {
			arr := value.([]any)
			coerced := make([]any, len(arr))
			for i, item := range arr {
				coerced[i] = coerceValue(item, prop.Items)
			}
			return coerced
		}
	case "boolean":
		if s, ok := value.(string); ok {
			if b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(s))); err == nil {
				return b
			}
		}
	}
	if len(prop.Enum) > 0 {
		if s, ok := value.(string); ok {
			for _, candidate := range prop.Enum {
				if strings.EqualFold(candidate, s) {
					return candidate
				}
			}
		}
	}
	return value
}
