package models

import (
	"encoding/json"
	"time"
)

// EventChannel identifies a logical channel on a world's event bus. Events
// are a tagged union over these channels; the channel plus the payload's own
// type discriminator are authoritative.
type EventChannel string

const (
	ChannelMessage EventChannel = "message"
	ChannelSSE     EventChannel = "sse"
	ChannelWorld   EventChannel = "world"
	ChannelSystem  EventChannel = "system"
	ChannelTool    EventChannel = "tool"
	ChannelStatus  EventChannel = "status"
	ChannelCRUD    EventChannel = "crud"
)

// WorldMessageEvent is the payload on the message channel: a chat message
// routed between participants.
type WorldMessageEvent struct {
	Content          string                    `json:"content"`
	Sender           string                    `json:"sender"`
	MessageID        string                    `json:"messageId"`
	Timestamp        time.Time                 `json:"timestamp"`
	ChatID           *string                   `json:"chatId"`
	ReplyToMessageID string                    `json:"replyToMessageId,omitempty"`
	Role             Role                      `json:"role,omitempty"`
	ToolCalls        []ToolCall                `json:"tool_calls,omitempty"`
	ToolCallID       string                    `json:"tool_call_id,omitempty"`
	ToolCallStatus   map[string]*ToolCallState `json:"toolCallStatus,omitempty"`
}

// SSEEventType discriminates streaming lifecycle events.
type SSEEventType string

const (
	SSEStart    SSEEventType = "start"
	SSEChunk    SSEEventType = "chunk"
	SSEComplete SSEEventType = "complete"
	SSEError    SSEEventType = "error"
)

// SSEEvent is the payload on the sse channel: token-level streaming from an
// in-flight LLM call.
type SSEEvent struct {
	Type      SSEEventType `json:"type"`
	AgentName string       `json:"agentName"`
	Content   string       `json:"content,omitempty"`
	MessageID string       `json:"messageId,omitempty"`
	Error     string       `json:"error,omitempty"`
	ChatID    *string      `json:"chatId"`
}

// WorldActivityType discriminates world-channel events: tool lifecycle and
// activity (pending-operation) transitions.
type WorldActivityType string

const (
	WorldToolStart     WorldActivityType = "tool-start"
	WorldToolProgress  WorldActivityType = "tool-progress"
	WorldToolResult    WorldActivityType = "tool-result"
	WorldToolError     WorldActivityType = "tool-error"
	WorldResponseStart WorldActivityType = "response-start"
	WorldResponseEnd   WorldActivityType = "response-end"
	WorldIdle          WorldActivityType = "idle"
)

// ToolExecution describes a tool invocation for world-channel tool events.
type ToolExecution struct {
	ToolName   string `json:"toolName"`
	ToolCallID string `json:"toolCallId,omitempty"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}

// WorldEvent is the payload on the world channel. Activity events
// (response-start, response-end, idle) are world-level and carry a nil
// ChatID; tool lifecycle events are chat-scoped.
type WorldEvent struct {
	Type              WorldActivityType `json:"type"`
	Source            string            `json:"source"`
	AgentName         string            `json:"agentName,omitempty"`
	ChatID            *string           `json:"chatId"`
	ToolExecution     *ToolExecution    `json:"toolExecution,omitempty"`
	PendingOperations *int              `json:"pendingOperations,omitempty"`
	ActivityID        int64             `json:"activityId,omitempty"`
	ActiveSources     []string          `json:"activeSources,omitempty"`
}

// SystemEvent is the generic system-event envelope used by HITL requests and
// chat-title updates. Data is shaped by Kind.
type SystemEvent struct {
	Kind   string          `json:"kind"`
	ChatID *string         `json:"chatId"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// System event kinds.
const (
	SystemKindHITLOptionRequest = "hitl-option-request"
	SystemKindChatTitleUpdated  = "chat-title-updated"
)

// ToolDecision is the user's verdict on a pending tool call.
type ToolDecision string

const (
	DecisionApprove ToolDecision = "approve"
	DecisionDeny    ToolDecision = "deny"
)

// ApprovalScope bounds how long an approval remains valid.
type ApprovalScope string

const (
	ScopeOnce    ApprovalScope = "once"
	ScopeSession ApprovalScope = "session"
)

// ToolResultEvent is the payload on the tool channel: a transport feeding an
// approval decision back into the pipeline.
type ToolResultEvent struct {
	ToolCallID       string         `json:"toolCallId"`
	Decision         ToolDecision   `json:"decision"`
	Scope            ApprovalScope  `json:"scope"`
	ToolName         string         `json:"toolName,omitempty"`
	ToolArgs         map[string]any `json:"toolArgs,omitempty"`
	WorkingDirectory string         `json:"workingDirectory,omitempty"`
	ChatID           *string        `json:"chatId"`
}

// MessageDirection classifies how a message travels relative to its sender.
type MessageDirection string

const (
	DirectionBroadcast MessageDirection = "broadcast"
	DirectionIncoming  MessageDirection = "incoming"
	DirectionOutgoing  MessageDirection = "outgoing"
)

// EventMeta carries persistence metadata derived for each message event
// before it is appended to event storage.
type EventMeta struct {
	RecipientAgentID    string           `json:"recipientAgentId,omitempty"`
	OwnerAgentIDs       []string         `json:"ownerAgentIds,omitempty"`
	IsHumanMessage      bool             `json:"isHumanMessage"`
	IsCrossAgentMessage bool             `json:"isCrossAgentMessage"`
	IsMemoryOnly        bool             `json:"isMemoryOnly"`
	IsReply             bool             `json:"isReply"`
	ThreadDepth         int              `json:"threadDepth"`
	ThreadRootID        string           `json:"threadRootId,omitempty"`
	HasToolCalls        bool             `json:"hasToolCalls"`
	ToolCallCount       int              `json:"toolCallCount"`
	MessageDirection    MessageDirection `json:"messageDirection,omitempty"`
	DeliveredToAgents   []string         `json:"deliveredToAgents,omitempty"`
}

// StoredEvent is the append-only persisted form of an emitted event, keyed
// by (worldId, chatId).
type StoredEvent struct {
	ID        string          `json:"id"`
	Type      EventChannel    `json:"type"`
	WorldID   string          `json:"worldId"`
	ChatID    *string         `json:"chatId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Meta      *EventMeta      `json:"meta,omitempty"`
}

// CRUDEvent records a world/agent/chat create, update, or delete.
type CRUDEvent struct {
	Operation  string          `json:"operation"` // create, update, delete
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	EntityData json.RawMessage `json:"entityData,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}
