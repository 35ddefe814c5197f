package model

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message represents a conversation message. Messages are immutable once
// appended to a conversation.
type Message struct {
	// Identity
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`

	// Content
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// Tool invocation that produced this message, if any
	ToolInvocation *ToolInvocation `json:"tool_invocation,omitempty"`

	// LLM Metadata (nullable for non-assistant messages)
	Model      *string `json:"model,omitempty"`
	TokensIn   *int    `json:"tokens_in,omitempty"`
	TokensOut  *int    `json:"tokens_out,omitempty"`
	LatencyMs  *int64  `json:"latency_ms,omitempty"`
	StopReason *string `json:"stop_reason,omitempty"`

	// Timestamps
	CreatedAt     time.Time  `json:"created_at"`
	StreamStarted *time.Time `json:"stream_started,omitempty"`
	StreamEnded   *time.Time `json:"stream_ended,omitempty"`

	// Storage sequence (populated on read)
	Sequence uint64 `json:"sequence,omitempty"`
}

// Slots are the resolved parameters of a structured tool call.
type Slots map[string]string

// ToolInvocation records a structured tool call and its result.
type ToolInvocation struct {
	ID     string `json:"id"`
	Tool   string `json:"tool"`
	Slots  Slots  `json:"slots,omitempty"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// SendMessageRequest is the request to send a new message.
type SendMessageRequest struct {
	Content string `json:"content"`
	Stream  bool   `json:"stream"`
}

// SendMessageResponse is the response after a synchronous send.
type SendMessageResponse struct {
	Outcome *Outcome `json:"outcome"`
}

// AcceptedResponse acknowledges a message whose turn runs in the background.
type AcceptedResponse struct {
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	Messages     []Message `json:"messages"`
	HasMore      bool      `json:"has_more"`
	LastSequence uint64    `json:"last_sequence"`
	StreamActive bool      `json:"stream_active"`
}

// TokenEvent represents a streaming token event.
type TokenEvent struct {
	Token string `json:"token"`
	Index int    `json:"index"`
}

// ErrorEvent represents an error event.
type ErrorEvent struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// HeartbeatEvent represents a heartbeat event.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}
