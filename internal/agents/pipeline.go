package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/agora/internal/approval"
	"github.com/haasonsaas/agora/internal/events"
	"github.com/haasonsaas/agora/internal/ident"
	"github.com/haasonsaas/agora/internal/observability"
	"github.com/haasonsaas/agora/internal/storage"
	"github.com/haasonsaas/agora/pkg/models"
)

// deniedByUserResult is appended as the tool result for denied calls.
const deniedByUserResult = "Tool execution was denied by the user."

// maxToolIterations bounds the LLM/tool loop within one turn, independent of
// the world's cross-agent turn limit.
const maxToolIterations = 10

// ProviderSet resolves an agent's provider name to a completion backend.
type ProviderSet interface {
	Completion(provider string) (ChatCompletion, error)
}

// PipelineConfig wires one world's processing pipeline.
type PipelineConfig struct {
	WorldID   string
	TurnLimit int
	Bus       *events.Bus
	Activity  *events.ActivityTracker
	Registry  *Registry
	Tools     *ToolRegistry
	Store     storage.API
	Providers ProviderSet
	Logger    *observability.Logger
	Metrics   *observability.Metrics
}

// Pipeline runs agent turns for one world: it prepares messages, drives the
// LLM, normalizes output, and walks proposed tool calls through validation
// and the approval gate.
type Pipeline struct {
	worldID   string
	turnLimit int
	bus       *events.Bus
	activity  *events.ActivityTracker
	registry  *Registry
	tools     *ToolRegistry
	validator *Validator
	store     storage.API
	providers ProviderSet
	logger    *observability.CategoryLogger
	metrics   *observability.Metrics

	// chainMu guards per-chat agent-to-agent chain depths, reset whenever a
	// human speaks in the chat.
	chainMu sync.Mutex
	chains  map[string]int
}

// NewPipeline creates the pipeline for a world.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = observability.Nop()
	}
	return &Pipeline{
		worldID:   cfg.WorldID,
		turnLimit: cfg.TurnLimit,
		bus:       cfg.Bus,
		activity:  cfg.Activity,
		registry:  cfg.Registry,
		tools:     cfg.Tools,
		validator: NewValidator(cfg.Tools, cfg.Bus, logger.Category("agent.validator")),
		store:     cfg.Store,
		providers: cfg.Providers,
		logger:    logger.Category("agent.pipeline"),
		metrics:   cfg.Metrics,
		chains:    map[string]int{},
	}
}

// Attach subscribes a runtime agent to the world's message and tool
// channels. Each turn runs on its own goroutine: a reply published mid-turn
// fans out to other agents without re-entering the publisher's lock, so a
// mention chain that loops back (A mentions B, B mentions A) queues on the
// per-agent mutex instead of deadlocking the publishing goroutine. The
// per-agent lock still serializes the turns themselves.
func (p *Pipeline) Attach(runtime *RuntimeAgent) {
	runtime.AddDetacher(p.bus.Subscribe(models.ChannelMessage, func(ctx context.Context, e events.Event) {
		if e.Message == nil {
			return
		}
		msg := *e.Message
		go p.OnMessage(ctx, runtime, msg)
	}))
	runtime.AddDetacher(p.bus.Subscribe(models.ChannelTool, func(ctx context.Context, e events.Event) {
		if e.ToolResult == nil {
			return
		}
		tr := *e.ToolResult
		go p.OnToolResult(ctx, runtime, tr)
	}))
}

// OnMessage routes a message event to the agent if it should respond, then
// runs one turn.
func (p *Pipeline) OnMessage(ctx context.Context, runtime *RuntimeAgent, event models.WorldMessageEvent) {
	agent := runtime.Agent
	if strings.EqualFold(event.Sender, agent.ID) || strings.EqualFold(event.Sender, agent.Name) {
		return
	}
	senderType := events.ClassifySender(event.Sender, p.registry)
	if !p.shouldRespond(agent, event, senderType) {
		return
	}
	if senderType == models.SenderAgent && !p.allowAgentChain(event.ChatID) {
		p.logger.Info(ctx, "turn limit reached, dropping agent-to-agent message",
			"agent", agent.ID, "sender", event.Sender)
		return
	}
	if err := p.ProcessTurn(ctx, runtime, event); err != nil {
		p.logger.Error(ctx, "turn failed", "agent", agent.ID, "error", err)
	}
}

// shouldRespond applies the routing rule: an agent answers messages that
// mention it at a paragraph start, and un-addressed human messages.
func (p *Pipeline) shouldRespond(agent models.Agent, event models.WorldMessageEvent, senderType models.SenderType) bool {
	if event.Role == models.RoleTool || senderType == models.SenderWorld {
		return false
	}
	recipient := ""
	if mention := ident.ExtractParagraphBeginMention(event.Content); mention != "" {
		if id, ok := p.registry.ResolveAgentID(mention); ok {
			recipient = id
		}
	}
	if recipient != "" {
		return strings.EqualFold(recipient, agent.ID)
	}
	return senderType == models.SenderHuman
}

// allowAgentChain increments the chat's agent-to-agent chain depth and
// reports whether it is still under the world's turn limit. A limit of
// zero means unlimited.
func (p *Pipeline) allowAgentChain(chatID *string) bool {
	if p.turnLimit <= 0 {
		return true
	}
	p.chainMu.Lock()
	defer p.chainMu.Unlock()
	key := chatKey(chatID)
	if p.chains[key] >= p.turnLimit {
		return false
	}
	p.chains[key]++
	return true
}

// resetChain clears the chain depth for a chat when a human speaks.
func (p *Pipeline) resetChain(chatID *string) {
	p.chainMu.Lock()
	defer p.chainMu.Unlock()
	delete(p.chains, chatKey(chatID))
}

func chatKey(chatID *string) string {
	if chatID == nil {
		return "\x00world"
	}
	return *chatID
}

// ProcessTurn runs one full turn for the agent: LLM call, normalization,
// tool loop, and memory persistence. The per-agent lock serializes turns.
func (p *Pipeline) ProcessTurn(ctx context.Context, runtime *RuntimeAgent, event models.WorldMessageEvent) error {
	runtime.Lock()
	defer runtime.Unlock()

	agent := &runtime.Agent
	senderType := events.ClassifySender(event.Sender, p.registry)
	if senderType == models.SenderHuman {
		p.resetChain(event.ChatID)
	}

	skipMemorySave := strings.EqualFold(event.Sender, agent.ID)

	// History is snapshotted before the current message is appended; the
	// incoming turn is persisted only after the LLM completes.
	history := make([]models.AgentMessage, len(agent.Memory))
	copy(history, agent.Memory)

	current := incomingEntry(event)
	scope := &ChatScope{ChatID: event.ChatID}
	prepared := PrepareMessages(agent.SystemPrompt, history, current, scope)

	source := "agent:" + agent.ID
	p.activity.Begin(ctx, source)
	defer p.activity.End(ctx, source)

	// One id spans the whole reply: the SSE stream and the final message
	// event both carry it so clients can suppress the duplicate render.
	messageID := uuid.NewString()
	response, err := p.complete(ctx, agent, event.ChatID, prepared, messageID)
	if err != nil {
		return err
	}

	if !skipMemorySave {
		agent.Memory = append(agent.Memory, current)
	}

	if HasPassDirective(response.Content) {
		return p.handlePassThrough(ctx, agent, event, response.Content)
	}

	content := RemoveSelfMentions(response.Content, agent.ID)
	if targetsOther(event.Sender, senderType, agent) {
		content = AddAutoMention(content, event.Sender)
	} else {
		content = strings.TrimSpace(content)
	}

	assistant := models.AgentMessage{
		Role:      models.RoleAssistant,
		Content:   content,
		Sender:    agent.ID,
		ChatID:    event.ChatID,
		CreatedAt: time.Now(),
		MessageID: messageID,
		ToolCalls: response.ToolCalls,
	}

	if content != "" || len(response.ToolCalls) > 0 {
		agent.Memory = append(agent.Memory, assistant)
	}
	if content != "" {
		p.bus.PublishMessage(ctx, models.WorldMessageEvent{
			Content:          content,
			Sender:           agent.ID,
			MessageID:        assistant.MessageID,
			ChatID:           event.ChatID,
			ReplyToMessageID: event.MessageID,
			Role:             models.RoleAssistant,
		})
	}

	err = p.runToolLoop(ctx, agent, event, response.ToolCalls)
	if saveErr := p.persistAgent(ctx, agent); saveErr != nil && err == nil {
		err = saveErr
	}
	return err
}

// complete invokes the agent's provider with streaming wired to the bus.
// SSE events are tagged with the triggering event's chat, never the world's
// current chat. messageID is minted by the caller and must match the final
// message event for the same reply.
func (p *Pipeline) complete(ctx context.Context, agent *models.Agent, chatID *string, prepared []models.AgentMessage, messageID string) (*CompletionResponse, error) {
	llm, err := p.providers.Completion(agent.Provider)
	if err != nil {
		return nil, fmt.Errorf("resolve provider for agent %s: %w", agent.ID, err)
	}

	trimmed, dropped := fitToWindow(prepared, contextWindowFor(agent))
	if dropped > 0 {
		p.logger.Warn(ctx, "history trimmed to fit context window",
			"agent", agent.ID, "model", agent.Model, "dropped", dropped)
		prepared = trimmed
	}

	p.bus.PublishSSE(ctx, models.SSEEvent{
		Type:      models.SSEStart,
		AgentName: agent.ID,
		MessageID: messageID,
		ChatID:    chatID,
	})

	started := time.Now()
	response, err := llm.Complete(ctx, &CompletionRequest{
		Model:    agent.Model,
		Messages: prepared,
		Tools:    p.tools.Definitions(),
		OnChunk: func(chunk string) {
			p.bus.PublishSSE(ctx, models.SSEEvent{
				Type:      models.SSEChunk,
				AgentName: agent.ID,
				Content:   chunk,
				MessageID: messageID,
				ChatID:    chatID,
			})
		},
	})

	agent.LLMCallCount++
	agent.LastActive = time.Now()
	if p.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		p.metrics.LLMRequestCounter.WithLabelValues(agent.Provider, agent.Model, status).Inc()
		p.metrics.LLMRequestDuration.WithLabelValues(agent.Provider, agent.Model).Observe(time.Since(started).Seconds())
	}
	if err != nil {
		p.bus.PublishSSE(ctx, models.SSEEvent{
			Type:      models.SSEError,
			AgentName: agent.ID,
			MessageID: messageID,
			Error:     err.Error(),
			ChatID:    chatID,
		})
		return nil, fmt.Errorf("llm completion for agent %s: %w", agent.ID, err)
	}
	p.bus.PublishSSE(ctx, models.SSEEvent{
		Type:      models.SSEComplete,
		AgentName: agent.ID,
		Content:   response.Content,
		MessageID: messageID,
		ChatID:    chatID,
	})
	return response, nil
}

// handlePassThrough persists the verbatim response and tells the human the
// agent is yielding control.
func (p *Pipeline) handlePassThrough(ctx context.Context, agent *models.Agent, event models.WorldMessageEvent, raw string) error {
	agent.Memory = append(agent.Memory, models.AgentMessage{
		Role:      models.RoleAssistant,
		Content:   raw,
		Sender:    agent.ID,
		ChatID:    event.ChatID,
		CreatedAt: time.Now(),
		MessageID: uuid.NewString(),
	})
	p.bus.PublishMessage(ctx, models.WorldMessageEvent{
		Content: fmt.Sprintf("@human %s is passing control to you", agent.ID),
		Sender:  string(models.SenderSystem),
		ChatID:  event.ChatID,
		Role:    models.RoleAssistant,
	})
	return p.persistAgent(ctx, agent)
}

// runToolLoop walks validated tool calls through the approval gate and
// execution, looping back to the LLM while calls keep coming.
func (p *Pipeline) runToolLoop(ctx context.Context, agent *models.Agent, event models.WorldMessageEvent, calls []models.ToolCall) error {
	senderType := events.ClassifySender(event.Sender, p.registry)
	for iteration := 0; len(calls) > 0 && iteration < maxToolIterations; iteration++ {
		outcome := p.validator.ValidateToolCalls(ctx, agent.ID, event.ChatID, calls)
		for _, result := range outcome.Results {
			result.CreatedAt = time.Now()
			agent.Memory = append(agent.Memory, result)
		}

		halted := false
		for _, call := range outcome.Valid {
			proceed, err := p.dispatchToolCall(ctx, agent, event, call)
			if err != nil {
				return err
			}
			if !proceed {
				halted = true
				break
			}
		}
		if halted {
			return nil
		}

		// All calls satisfied; let the model react to the results.
		scope := &ChatScope{ChatID: event.ChatID}
		history := agent.Memory[:len(agent.Memory):len(agent.Memory)]
		// The final memory entry doubles as the "current" message here,
		// so prepare over everything but the last entry.
		prepared := PrepareMessages(agent.SystemPrompt, history[:len(history)-1], history[len(history)-1], scope)
		messageID := uuid.NewString()
		response, err := p.complete(ctx, agent, event.ChatID, prepared, messageID)
		if err != nil {
			return err
		}
		if HasPassDirective(response.Content) {
			return p.handlePassThrough(ctx, agent, event, response.Content)
		}
		content := RemoveSelfMentions(response.Content, agent.ID)
		if targetsOther(event.Sender, senderType, agent) {
			content = AddAutoMention(content, event.Sender)
		} else {
			content = strings.TrimSpace(content)
		}
		if content != "" || len(response.ToolCalls) > 0 {
			assistant := models.AgentMessage{
				Role:      models.RoleAssistant,
				Content:   content,
				Sender:    agent.ID,
				ChatID:    event.ChatID,
				CreatedAt: time.Now(),
				MessageID: messageID,
				ToolCalls: response.ToolCalls,
			}
			agent.Memory = append(agent.Memory, assistant)
			if content != "" {
				p.bus.PublishMessage(ctx, models.WorldMessageEvent{
					Content:          content,
					Sender:           agent.ID,
					MessageID:        assistant.MessageID,
					ChatID:           event.ChatID,
					ReplyToMessageID: event.MessageID,
					Role:             models.RoleAssistant,
				})
			}
		}
		calls = response.ToolCalls
	}
	return nil
}

// dispatchToolCall executes one validated call or parks it behind an
// approval request. It returns false when the turn must halt awaiting a
// human decision.
func (p *Pipeline) dispatchToolCall(ctx context.Context, agent *models.Agent, event models.WorldMessageEvent, call models.ToolCall) (bool, error) {
	args, err := call.Function.Args()
	if err != nil {
		agent.Memory = append(agent.Memory, models.AgentMessage{
			Role:       models.RoleTool,
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("Tool %s failed: invalid arguments: %v", call.Function.Name, err),
			ChatID:     event.ChatID,
			CreatedAt:  time.Now(),
		})
		return true, nil
	}

	if strings.EqualFold(call.Function.Name, approval.ToolHumanIntervention) {
		p.appendApprovalRequest(ctx, agent, event, call, args, approval.ClientHumanIntervention)
		return false, nil
	}

	// Coercion already ran in the validator; anything the schema still
	// rejects goes back to the LLM as an error result instead of reaching
	// the approval gate.
	if _, registered := p.tools.Get(call.Function.Name); registered {
		if err := p.tools.Validate(call.Function.Name, args); err != nil {
			agent.Memory = append(agent.Memory, models.AgentMessage{
				Role:       models.RoleTool,
				ToolCallID: call.ID,
				Content:    fmt.Sprintf("Tool %s failed: arguments do not match schema: %v", call.Function.Name, err),
				ChatID:     event.ChatID,
				CreatedAt:  time.Now(),
			})
			return true, nil
		}
	}

	workingDirectory, _ := args["workingDirectory"].(string)
	if approval.HasSessionApproval(agent.Memory, call.Function.Name, args, workingDirectory) {
		return true, p.executeTool(ctx, agent, event.ChatID, call, args)
	}

	p.appendApprovalRequest(ctx, agent, event, call, args, approval.ClientRequestApproval)
	return false, nil
}

// appendApprovalRequest persists and publishes the synthetic client-side
// tool call that asks a human to approve the original call. The append is
// idempotent on messageId so bus echo cannot double-save it.
func (p *Pipeline) appendApprovalRequest(ctx context.Context, agent *models.Agent, event models.WorldMessageEvent, call models.ToolCall, args map[string]any, clientTool string) {
	payload, _ := json.Marshal(map[string]any{
		"originalToolCall": call,
		"toolName":         call.Function.Name,
		"toolArgs":         args,
		"workingDirectory": args["workingDirectory"],
	})
	syntheticID := approval.ApprovalResultPrefix + call.ID
	if clientTool == approval.ClientHumanIntervention {
		syntheticID = approval.HITLResultPrefix + call.ID
	}
	if n := len(agent.Memory); n > 0 && agent.Memory[n-1].HasToolCall(syntheticID) {
		return
	}
	messageID := uuid.NewString()
	request := models.AgentMessage{
		Role:      models.RoleAssistant,
		Sender:    agent.ID,
		ChatID:    event.ChatID,
		CreatedAt: time.Now(),
		MessageID: messageID,
		ToolCalls: []models.ToolCall{{
			ID:   syntheticID,
			Type: "function",
			Function: models.ToolCallFunction{
				Name:      clientTool,
				Arguments: string(payload),
			},
		}},
		ToolCallStatus: map[string]*models.ToolCallState{
			call.ID: {Complete: false},
		},
	}
	agent.Memory = append(agent.Memory, request)

	p.bus.PublishMessage(ctx, models.WorldMessageEvent{
		Content:        "",
		Sender:         agent.ID,
		MessageID:      messageID,
		ChatID:         event.ChatID,
		Role:           models.RoleAssistant,
		ToolCalls:      request.ToolCalls,
		ToolCallStatus: request.ToolCallStatus,
	})
}

// executeTool runs an approved call and appends its result to memory.
func (p *Pipeline) executeTool(ctx context.Context, agent *models.Agent, chatID *string, call models.ToolCall, args map[string]any) error {
	exec := models.ToolExecution{ToolName: call.Function.Name, ToolCallID: call.ID}
	p.bus.PublishWorld(ctx, models.WorldEvent{
		Type:          models.WorldToolStart,
		Source:        "agent:" + agent.ID,
		AgentName:     agent.ID,
		ChatID:        chatID,
		ToolExecution: &exec,
	})

	result, err := p.tools.Execute(ctx, call.Function.Name, args)
	status := "success"
	eventType := models.WorldToolResult
	if err != nil {
		status = "error"
		eventType = models.WorldToolError
		exec.Error = err.Error()
		result = fmt.Sprintf("Tool %s failed: %v", call.Function.Name, err)
	} else {
		exec.Result = result
	}
	if p.metrics != nil {
		p.metrics.ToolExecutionCounter.WithLabelValues(call.Function.Name, status).Inc()
	}
	p.bus.PublishWorld(ctx, models.WorldEvent{
		Type:          eventType,
		Source:        "agent:" + agent.ID,
		AgentName:     agent.ID,
		ChatID:        chatID,
		ToolExecution: &exec,
	})

	agent.Memory = append(agent.Memory, models.AgentMessage{
		Role:       models.RoleTool,
		ToolCallID: call.ID,
		Content:    result,
		ChatID:     chatID,
		CreatedAt:  time.Now(),
	})
	return nil
}

// OnToolResult handles an approval decision from a transport. The call id
// must belong to this agent's memory; foreign or forged ids are dropped
// without persisting or executing anything.
func (p *Pipeline) OnToolResult(ctx context.Context, runtime *RuntimeAgent, ev models.ToolResultEvent) {
	runtime.Lock()
	defer runtime.Unlock()

	agent := &runtime.Agent
	origin := findToolCall(agent.Memory, ev.ToolCallID)
	if origin == nil {
		p.logger.Debug(ctx, "tool result for unknown call, dropping",
			"agent", agent.ID, "toolCallId", ev.ToolCallID)
		return
	}
	call, found := originalCall(origin, ev.ToolCallID)
	if !found {
		// The decision names a call the entry tracks only by status; fall
		// back to the transport-provided description.
		args, _ := json.Marshal(ev.ToolArgs)
		call = models.ToolCall{
			ID:   ev.ToolCallID,
			Type: "function",
			Function: models.ToolCallFunction{
				Name:      ev.ToolName,
				Arguments: string(args),
			},
		}
	}

	// Update the status before any append: growing the memory slice can
	// reallocate it, after which origin would point into the old array.
	if origin.ToolCallStatus == nil {
		origin.ToolCallStatus = map[string]*models.ToolCallState{}
	}
	origin.ToolCallStatus[ev.ToolCallID] = &models.ToolCallState{
		Complete: true,
		Result:   map[string]any{"scope": string(ev.Scope), "decision": string(ev.Decision)},
	}

	if ev.Decision == models.DecisionApprove {
		// Record the decision first so session-scope approvals are
		// discoverable by later matching.
		inner, _ := json.Marshal(approval.SessionApproval{
			Decision:         ev.Decision,
			Scope:            ev.Scope,
			ToolName:         call.Function.Name,
			ToolArgs:         ev.ToolArgs,
			WorkingDirectory: ev.WorkingDirectory,
		})
		envelope, _ := json.Marshal(map[string]any{
			"__type":  "tool_result",
			"content": string(inner),
		})
		agent.Memory = append(agent.Memory, models.AgentMessage{
			Role:       models.RoleTool,
			ToolCallID: approval.ApprovalResultPrefix + ev.ToolCallID,
			Content:    string(envelope),
			ChatID:     ev.ChatID,
			CreatedAt:  time.Now(),
		})

		args, err := call.Function.Args()
		if err != nil {
			args = map[string]any{}
		}
		if execErr := p.executeTool(ctx, agent, ev.ChatID, call, args); execErr != nil {
			p.logger.Error(ctx, "approved tool execution failed",
				"agent", agent.ID, "tool", call.Function.Name, "error", execErr)
		}
	} else {
		agent.Memory = append(agent.Memory, models.AgentMessage{
			Role:       models.RoleTool,
			ToolCallID: ev.ToolCallID,
			Content:    deniedByUserResult,
			ChatID:     ev.ChatID,
			CreatedAt:  time.Now(),
		})
	}

	if err := p.resumeAfterDecision(ctx, agent, ev); err != nil {
		p.logger.Error(ctx, "resume after decision failed", "agent", agent.ID, "error", err)
	}
	if err := p.persistAgent(ctx, agent); err != nil {
		p.logger.Error(ctx, "persist agent memory failed", "agent", agent.ID, "error", err)
	}
}

// resumeAfterDecision loops the LLM once the pending call is settled.
func (p *Pipeline) resumeAfterDecision(ctx context.Context, agent *models.Agent, ev models.ToolResultEvent) error {
	source := "agent:" + agent.ID
	p.activity.Begin(ctx, source)
	defer p.activity.End(ctx, source)

	n := len(agent.Memory)
	if n == 0 {
		return nil
	}
	prepared := PrepareMessages(agent.SystemPrompt, agent.Memory[:n-1], agent.Memory[n-1], &ChatScope{ChatID: ev.ChatID})
	messageID := uuid.NewString()
	response, err := p.complete(ctx, agent, ev.ChatID, prepared, messageID)
	if err != nil {
		return err
	}
	if HasPassDirective(response.Content) {
		return p.handlePassThrough(ctx, agent, models.WorldMessageEvent{ChatID: ev.ChatID}, response.Content)
	}
	content := strings.TrimSpace(RemoveSelfMentions(response.Content, agent.ID))
	if content == "" && len(response.ToolCalls) == 0 {
		return nil
	}
	assistant := models.AgentMessage{
		Role:      models.RoleAssistant,
		Content:   content,
		Sender:    agent.ID,
		ChatID:    ev.ChatID,
		CreatedAt: time.Now(),
		MessageID: messageID,
		ToolCalls: response.ToolCalls,
	}
	agent.Memory = append(agent.Memory, assistant)
	if content != "" {
		p.bus.PublishMessage(ctx, models.WorldMessageEvent{
			Content:   content,
			Sender:    agent.ID,
			MessageID: assistant.MessageID,
			ChatID:    ev.ChatID,
			Role:      models.RoleAssistant,
		})
	}
	return p.runToolLoop(ctx, agent, models.WorldMessageEvent{ChatID: ev.ChatID, Sender: agent.ID}, response.ToolCalls)
}

// persistAgent writes the agent's memory and bookkeeping fields.
func (p *Pipeline) persistAgent(ctx context.Context, agent *models.Agent) error {
	if err := p.store.SaveAgentMemory(ctx, p.worldID, agent.ID, agent.Memory); err != nil {
		return fmt.Errorf("save memory for agent %s: %w", agent.ID, err)
	}
	if err := p.store.SaveAgent(ctx, p.worldID, agent); err != nil {
		return fmt.Errorf("save agent %s: %w", agent.ID, err)
	}
	return nil
}

// incomingEntry converts a message event into the memory entry for the
// receiving agent. The sender spoke, so from this agent's perspective the
// entry is a user turn.
func incomingEntry(event models.WorldMessageEvent) models.AgentMessage {
	createdAt := event.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return models.AgentMessage{
		Role:             models.RoleUser,
		Content:          event.Content,
		Sender:           event.Sender,
		ChatID:           event.ChatID,
		CreatedAt:        createdAt,
		MessageID:        event.MessageID,
		ReplyToMessageID: event.ReplyToMessageID,
	}
}

// targetsOther reports whether the triggering sender is a party the agent
// should address back: a human or another agent, never itself and never a
// system or world source.
func targetsOther(sender string, senderType models.SenderType, agent *models.Agent) bool {
	if sender == "" {
		return false
	}
	if senderType != models.SenderHuman && senderType != models.SenderAgent {
		return false
	}
	return !strings.EqualFold(sender, agent.ID) && !strings.EqualFold(sender, agent.Name)
}

// findToolCall locates the assistant memory entry carrying the call id.
func findToolCall(memory []models.AgentMessage, callID string) *models.AgentMessage {
	for i := len(memory) - 1; i >= 0; i-- {
		if memory[i].Role != models.RoleAssistant {
			continue
		}
		if memory[i].HasToolCall(callID) {
			return &memory[i]
		}
		// Synthetic approval requests reference the original id in their
		// status map.
		if _, ok := memory[i].ToolCallStatus[callID]; ok {
			return &memory[i]
		}
	}
	return nil
}

// originalCall extracts the concrete tool call a decision refers to, either
// directly or through the synthetic approval request's payload.
func originalCall(entry *models.AgentMessage, callID string) (models.ToolCall, bool) {
	for _, call := range entry.ToolCalls {
		if call.ID == callID {
			return call, true
		}
	}
	for _, call := range entry.ToolCalls {
		name := call.Function.Name
		if name != approval.ClientRequestApproval && name != approval.ClientHumanIntervention {
			continue
		}
		var payload struct {
			OriginalToolCall models.ToolCall `json:"originalToolCall"`
		}
		if err := json.Unmarshal([]byte(call.Function.Arguments), &payload); err == nil &&
			payload.OriginalToolCall.ID == callID {
			return payload.OriginalToolCall, true
		}
	}
	return models.ToolCall{}, false
}
