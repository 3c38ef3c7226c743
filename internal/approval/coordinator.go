// Package approval implements the human-in-the-loop request lifecycle and
// the session-approval matcher that authorizes tool calls from prior
// approvals in agent memory.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/agora/internal/events"
	"github.com/haasonsaas/agora/internal/observability"
	"github.com/haasonsaas/agora/pkg/models"
)

// Synthetic tool names used by the approval protocol. Calls addressed to
// the client.* namespace are executed by the connected UI, never by the
// runtime, and are filtered out of LLM-prepared messages.
const (
	ToolHumanIntervention   = "human_intervention.request"
	ClientHumanIntervention = "client.humanIntervention"
	ClientRequestApproval   = "client.requestApproval"

	// Tool-result ids carrying these prefixes belong to the approval
	// protocol rather than to a real tool execution.
	ApprovalResultPrefix = "approval_"
	HITLResultPrefix     = "hitl_"
)

// DefaultTimeout applies when a request specifies no timeout.
const DefaultTimeout = 120 * time.Second

// ErrUnknownRequest is returned for responses addressed to no pending request.
var ErrUnknownRequest = fmt.Errorf("hitl request not found")

type pendingRequest struct {
	req      models.HITLRequest
	resolved chan models.HITLResolution
	timer    *time.Timer
	once     sync.Once
}

// Coordinator manages awaitable HITL option requests for one world. A
// request is resolved exactly once: by a user response, by its timeout, or
// by cancellation.
type Coordinator struct {
	bus    *events.Bus
	logger *observability.CategoryLogger

	mu      sync.Mutex
	pending map[string]*pendingRequest

	defaultTimeout time.Duration
}

// NewCoordinator creates a coordinator publishing requests on the world's bus.
func NewCoordinator(bus *events.Bus, defaultTimeout time.Duration, logger *observability.Logger) *Coordinator {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	if logger == nil {
		logger = observability.Nop()
	}
	return &Coordinator{
		bus:            bus,
		logger:         logger.Category("approval.coordinator"),
		pending:        map[string]*pendingRequest{},
		defaultTimeout: defaultTimeout,
	}
}

// RequestOption emits a hitl-option-request system event and returns a
// channel that yields exactly one resolution. It is the blocking half of the
// option protocol: tools and pipeline extensions that need a human decision
// mid-turn call it and wait on the channel, while transports answer through
// SubmitOptionResponse (the gateway's submitOptionResponse method).
func (c *Coordinator) RequestOption(ctx context.Context, req models.HITLRequest) (<-chan models.HITLResolution, error) {
	if len(req.Options) == 0 {
		return nil, fmt.Errorf("hitl request needs at least one option")
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.TimeoutMs <= 0 {
		req.TimeoutMs = int(c.defaultTimeout / time.Millisecond)
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}

	pending := &pendingRequest{
		req:      req,
		resolved: make(chan models.HITLResolution, 1),
	}

	c.mu.Lock()
	if _, exists := c.pending[req.RequestID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("hitl request %q already pending", req.RequestID)
	}
	c.pending[req.RequestID] = pending
	c.mu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		c.remove(req.RequestID)
		return nil, err
	}
	published := c.bus.PublishSystem(ctx, models.SystemEvent{
		Kind:   models.SystemKindHITLOptionRequest,
		ChatID: req.ChatID,
		Data:   data,
	})
	// The emitted chat tag is authoritative for scope enforcement: the bus
	// may have resolved a nil reference to the current chat. The timer is
	// armed under the same lock resolve reads it through, and stopped right
	// away when a response already settled the request during publish.
	c.mu.Lock()
	pending.req.ChatID = published.ChatID
	pending.timer = time.AfterFunc(time.Duration(req.TimeoutMs)*time.Millisecond, func() {
		c.resolve(req.RequestID, models.HITLResolution{
			OptionID: req.DefaultOptionID,
			Source:   models.HITLSourceTimeout,
		})
	})
	if _, still := c.pending[req.RequestID]; !still {
		pending.timer.Stop()
	}
	c.mu.Unlock()

	c.logger.Debug(ctx, "hitl option request emitted",
		"requestId", req.RequestID, "options", len(req.Options), "timeoutMs", req.TimeoutMs)
	return pending.resolved, nil
}

// SubmitOptionResponse resolves a pending request with a user-selected
// option. A response carrying a chat reference different from the request's
// chat is rejected without resolving.
func (c *Coordinator) SubmitOptionResponse(requestID, optionID string, chatID *string) error {
	c.mu.Lock()
	pending, ok := c.pending[requestID]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownRequest
	}
	if chatID != nil && !models.SameChat(chatID, pending.req.ChatID) {
		want := "(none)"
		if pending.req.ChatID != nil {
			want = *pending.req.ChatID
		}
		c.mu.Unlock()
		return fmt.Errorf("request %q belongs to chat %s", requestID, want)
	}
	c.mu.Unlock()

	c.resolve(requestID, models.HITLResolution{
		OptionID: optionID,
		Source:   models.HITLSourceUser,
	})
	return nil
}

// Cancel resolves a pending request as cancelled. Unknown ids are ignored.
func (c *Coordinator) Cancel(requestID string) {
	c.resolve(requestID, models.HITLResolution{Source: models.HITLSourceCancel})
}

// CancelAll cancels every pending request, used on world shutdown.
func (c *Coordinator) CancelAll() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.Cancel(id)
	}
}

// PendingCount reports how many requests await resolution.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Coordinator) resolve(requestID string, resolution models.HITLResolution) {
	c.mu.Lock()
	pending, ok := c.pending[requestID]
	var timer *time.Timer
	var chatID *string
	if ok {
		timer = pending.timer
		chatID = pending.req.ChatID
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	pending.once.Do(func() {
		if timer != nil {
			timer.Stop()
		}
		resolution.ChatID = chatID
		pending.resolved <- resolution
		close(pending.resolved)
		c.remove(requestID)
	})
}

func (c *Coordinator) remove(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}
