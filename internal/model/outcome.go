package model

import (
	"time"
)

// OutcomeStatus is the terminal state of a generation.
type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "completed"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeTimeout   OutcomeStatus = "timeout"
)

// Error codes attached to failed outcomes.
const (
	CodeProviderError = "provider_error"
	CodeTimeout       = "timeout"
	CodeToolError     = "tool_error"
	CodeNotRegistered = "tool_not_registered"
	CodeAmbiguous     = "ambiguous"
	CodeUnparseable   = "unparseable"
	CodeInternal      = "internal_error"
)

// Outcome is the result of one finished generation. It is what observers of
// a conversation receive when the generation completes.
type Outcome struct {
	ConversationID string        `json:"conversation_id"`
	GenerationID   string        `json:"generation_id"`
	Status         OutcomeStatus `json:"status"`
	Content        string        `json:"content"`
	Code           string        `json:"code,omitempty"`
	Error          string        `json:"error,omitempty"`
	Message        *Message      `json:"message,omitempty"`
	CompletedAt    time.Time     `json:"completed_at"`
}

// Failed reports whether the outcome carries an error.
func (o *Outcome) Failed() bool {
	return o != nil && o.Status != OutcomeCompleted
}
