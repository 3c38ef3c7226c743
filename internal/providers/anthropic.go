package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/agora/internal/agents"
	"github.com/haasonsaas/agora/pkg/models"
)

const (
	anthropicDefaultModel     = "claude-sonnet-4-20250514"
	anthropicDefaultMaxTokens = 4096
)

// Anthropic implements agents.ChatCompletion over the Anthropic Messages API.
type Anthropic struct {
	client       anthropic.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// NewAnthropic creates an Anthropic-backed completion client.
func NewAnthropic(opts Options) (*Anthropic, error) {
	if opts.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	opts = opts.withDefaults(anthropicDefaultModel)

	clientOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if strings.TrimSpace(opts.BaseURL) != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	return &Anthropic{
		client:       anthropic.NewClient(clientOpts...),
		defaultModel: opts.DefaultModel,
		maxRetries:   opts.MaxRetries,
		retryDelay:   opts.RetryDelay,
	}, nil
}

// Complete streams one message turn and returns the aggregated response.
// Transient stream failures are retried with exponential backoff as long as
// no output has been delivered yet.
func (p *Anthropic) Complete(ctx context.Context, req *agents.CompletionRequest) (*agents.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		stream := p.client.Messages.NewStreaming(ctx, params)
		resp, emitted, err := p.drainStream(stream, req.OnChunk)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		// Once any delta reached the caller the turn cannot be replayed.
		if emitted || !isRetryable(err) {
			return nil, fmt.Errorf("anthropic: %w", err)
		}
	}
	return nil, fmt.Errorf("anthropic: max retries exceeded: %w", lastErr)
}

func (p *Anthropic) buildParams(req *agents.CompletionRequest) (anthropic.MessageNewParams, error) {
	messages, system, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(req.Model)),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(req.Temperature))
	}
	if len(req.Tools) > 0 {
		tools, err := toAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

// drainStream consumes SSE events, forwarding text deltas and assembling
// tool_use blocks from their partial-JSON deltas. The emitted flag reports
// whether any delta was already delivered to the caller.
func (p *Anthropic) drainStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], onChunk func(string)) (*agents.CompletionResponse, bool, error) {
	resp := &agents.CompletionResponse{}
	var content strings.Builder
	var currentTool *models.ToolCall
	var currentInput strings.Builder
	emitted := false

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentTool = &models.ToolCall{
					ID:   toolUse.ID,
					Type: "function",
				}
				currentTool.Function.Name = toolUse.Name
				currentInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					content.WriteString(delta.Text)
					emitted = true
					if onChunk != nil {
						onChunk(delta.Text)
					}
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentInput.WriteString(delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if currentTool != nil {
				args := currentInput.String()
				if args == "" {
					args = "{}"
				}
				currentTool.Function.Arguments = args
				resp.ToolCalls = append(resp.ToolCalls, *currentTool)
				currentTool = nil
			}

		case "message_stop":
			resp.Content = content.String()
			return resp, emitted, nil
		}
	}

	if err := stream.Err(); err != nil {
		return nil, emitted, err
	}
	resp.Content = content.String()
	return resp, emitted, nil
}

func (p *Anthropic) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

// toAnthropicMessages converts agent memory entries to the Messages API
// shape. System entries are concatenated into the separate system prompt;
// tool results become user-role tool_result blocks.
func toAnthropicMessages(messages []models.AgentMessage) ([]anthropic.MessageParam, string, error) {
	var result []anthropic.MessageParam
	var system strings.Builder

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(msg.Content)
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		if msg.Role == models.RoleTool {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
			result = append(result, anthropic.NewUserMessage(content...))
			continue
		}

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tc := range msg.ToolCalls {
			input := map[string]any{}
			if tc.Function.Arguments != "" {
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
					return nil, "", fmt.Errorf("anthropic: invalid tool call arguments for %s: %w", tc.Function.Name, err)
				}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Function.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, system.String(), nil
}

func toAnthropicTools(tools []agents.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		raw, err := json.Marshal(tool.Parameters)
		if err != nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s: %w", tool.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s: %w", tool.Name, err)
		}

		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s: missing tool definition", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}
