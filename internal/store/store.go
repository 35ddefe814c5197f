// Package store persists conversations, messages, documents and calendar
// events. Memory and SQLite implementations are provided; message history
// can also be served from JetStream (see internal/nats).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/capitalize-ai/conversation-orchestrator/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ConversationStore manages conversation records.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *model.Conversation) error
	// GetConversation returns ErrNotFound for unknown or deleted conversations.
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	// ListConversations returns a user's conversations, most recently
	// updated first, and the total count before paging.
	ListConversations(ctx context.Context, userID string, limit, offset int) ([]*model.Conversation, int, error)
	UpdateConversation(ctx context.Context, conv *model.Conversation) error
	// DeleteConversation is a soft delete.
	DeleteConversation(ctx context.Context, id string) error
}

// MessageStore is the append-only conversation history.
type MessageStore interface {
	// AppendMessage stores msg. If msg.CreatedAt is not after the last
	// message of the conversation it is moved forward so history timestamps
	// stay strictly increasing; the stored value is written back to msg.
	AppendMessage(ctx context.Context, msg *model.Message) error
	// GetHistory returns the most recent limit messages in chronological
	// order. A limit of zero or less returns everything.
	GetHistory(ctx context.Context, conversationID string, limit int) ([]*model.Message, error)
}

// DocumentStore manages documents attached to conversations.
type DocumentStore interface {
	AddDocument(ctx context.Context, doc *model.Document) error
	GetDocument(ctx context.Context, id string) (*model.Document, error)
	ListDocuments(ctx context.Context, conversationID string) ([]*model.Document, error)
	DeleteDocument(ctx context.Context, id string) error
}

// EventStore manages calendar events.
type EventStore interface {
	CreateEvent(ctx context.Context, ev *model.CalendarEvent) error
	GetEvent(ctx context.Context, id string) (*model.CalendarEvent, error)
	// ListEvents returns a user's events starting in [from, to), ordered by
	// start time. A zero bound is open.
	ListEvents(ctx context.Context, userID string, from, to time.Time) ([]*model.CalendarEvent, error)
	UpdateEvent(ctx context.Context, ev *model.CalendarEvent) error
	DeleteEvent(ctx context.Context, id string) error
}

// Store is the full persistence surface.
type Store interface {
	ConversationStore
	MessageStore
	DocumentStore
	EventStore
	Close() error
}

// withMessages serves history from a separate MessageStore.
type withMessages struct {
	Store
	messages MessageStore
}

// WithMessages returns base with its history operations replaced by msgs.
func WithMessages(base Store, msgs MessageStore) Store {
	if msgs == nil {
		return base
	}
	return &withMessages{Store: base, messages: msgs}
}

func (w *withMessages) AppendMessage(ctx context.Context, msg *model.Message) error {
	return w.messages.AppendMessage(ctx, msg)
}

func (w *withMessages) GetHistory(ctx context.Context, conversationID string, limit int) ([]*model.Message, error) {
	return w.messages.GetHistory(ctx, conversationID, limit)
}

// NextTimestamp returns ts, or the instant just after last if ts is not
// strictly after it.
func NextTimestamp(last, ts time.Time) time.Time {
	if ts.IsZero() {
		ts = time.Now()
	}
	if !last.IsZero() && !ts.After(last) {
		return last.Add(time.Microsecond)
	}
	return ts
}

func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}
