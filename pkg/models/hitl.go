package models

import "time"

// HITLOption is one selectable choice in a human-in-the-loop request.
type HITLOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// HITLRequest pauses agent processing until a human selects an option, the
// request times out, or it is cancelled.
type HITLRequest struct {
	RequestID       string       `json:"requestId"`
	WorldID         string       `json:"worldId"`
	ChatID          *string      `json:"chatId"`
	Title           string       `json:"title,omitempty"`
	Message         string       `json:"message"`
	Options         []HITLOption `json:"options"`
	DefaultOptionID string       `json:"defaultOptionId,omitempty"`
	TimeoutMs       int          `json:"timeoutMs"`
	CreatedAt       time.Time    `json:"createdAt"`
}

// HITLSource identifies what resolved a HITL request.
type HITLSource string

const (
	HITLSourceUser    HITLSource = "user"
	HITLSourceTimeout HITLSource = "timeout"
	HITLSourceCancel  HITLSource = "cancel"
)

// HITLResolution is the outcome of a HITL request. OptionID is empty when a
// timeout fired with no default option configured.
type HITLResolution struct {
	OptionID string     `json:"optionId,omitempty"`
	Source   HITLSource `json:"source"`
	ChatID   *string    `json:"chatId"`
}
