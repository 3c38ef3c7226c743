package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/agora/internal/agents"
	"github.com/haasonsaas/agora/pkg/models"
)

const openAIDefaultModel = "gpt-4o"

// OpenAI implements agents.ChatCompletion over the OpenAI chat API. With a
// custom base URL it also serves OpenAI-compatible gateways.
type OpenAI struct {
	client       *openai.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// NewOpenAI creates an OpenAI-backed completion client.
func NewOpenAI(opts Options) (*OpenAI, error) {
	if opts.APIKey == "" && opts.BaseURL == "" {
		return nil, errors.New("openai: API key is required")
	}
	opts = opts.withDefaults(openAIDefaultModel)

	cfg := openai.DefaultConfig(opts.APIKey)
	if strings.TrimSpace(opts.BaseURL) != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	return &OpenAI{
		client:       openai.NewClientWithConfig(cfg),
		defaultModel: opts.DefaultModel,
		maxRetries:   opts.MaxRetries,
		retryDelay:   opts.RetryDelay,
	}, nil
}

// Complete streams one chat completion and returns the aggregated response.
// Incremental content deltas are forwarded to req.OnChunk when set.
func (p *OpenAI) Complete(ctx context.Context, req *agents.CompletionRequest) (*agents.CompletionResponse, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    p.model(req.Model),
		Messages: toOpenAIMessages(req.Messages),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = req.Temperature
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toOpenAITools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}
		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !isRetryable(lastErr) {
			return nil, fmt.Errorf("openai: %w", lastErr)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("openai: max retries exceeded: %w", lastErr)
	}
	defer stream.Close()

	return p.drainStream(ctx, stream, req.OnChunk)
}

// drainStream consumes the SSE stream, forwarding text deltas and
// accumulating tool call fragments by index until EOF.
func (p *OpenAI) drainStream(ctx context.Context, stream *openai.ChatCompletionStream, onChunk func(string)) (*agents.CompletionResponse, error) {
	var content strings.Builder
	pending := make(map[int]*models.ToolCall)
	var order []int

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("openai: stream: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta

		if delta.Content != "" {
			content.WriteString(delta.Content)
			if onChunk != nil {
				onChunk(delta.Content)
			}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call, ok := pending[index]
			if !ok {
				call = &models.ToolCall{Type: "function"}
				pending[index] = call
				order = append(order, index)
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Function.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				call.Function.Arguments += tc.Function.Arguments
			}
		}
	}

	resp := &agents.CompletionResponse{Content: content.String()}
	for _, index := range order {
		call := pending[index]
		if call.Function.Name == "" && call.ID == "" {
			continue
		}
		resp.ToolCalls = append(resp.ToolCalls, *call)
	}
	return resp, nil
}

func (p *OpenAI) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

// toOpenAIMessages converts agent memory entries to the wire format. The
// internal tool-call shape already mirrors OpenAI's, so conversion is
// field-for-field.
func toOpenAIMessages(messages []models.AgentMessage) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		out := openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		if msg.Role == models.RoleTool {
			out.ToolCallID = msg.ToolCallID
		}
		for _, tc := range msg.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		result = append(result, out)
	}
	return result
}

func toOpenAITools(tools []agents.ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		}
	}
	return result
}
