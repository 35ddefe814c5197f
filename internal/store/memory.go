package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/capitalize-ai/conversation-orchestrator/internal/model"
)

// MemoryStore keeps everything in process memory. Values are copied on the
// way in and out so callers never share state with the store.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*model.Conversation
	messages      map[string][]*model.Message // keyed by conversation ID
	documents     map[string]*model.Document
	events        map[string]*model.CalendarEvent
	seq           uint64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*model.Conversation),
		messages:      make(map[string][]*model.Message),
		documents:     make(map[string]*model.Document),
		events:        make(map[string]*model.CalendarEvent),
	}
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *conv
	m.conversations[conv.ID] = &c
	return nil
}

func (m *MemoryStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	if !ok || c.Deleted {
		return nil, ErrNotFound
	}
	return m.conversationCopy(c), nil
}

// conversationCopy must be called with m.mu held.
func (m *MemoryStore) conversationCopy(c *model.Conversation) *model.Conversation {
	out := *c
	msgs := m.messages[c.ID]
	out.MessageCount = len(msgs)
	if len(msgs) > 0 {
		last := *msgs[len(msgs)-1]
		out.LastMessage = &last
	}
	return &out
}

func (m *MemoryStore) ListConversations(ctx context.Context, userID string, limit, offset int) ([]*model.Conversation, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*model.Conversation
	for _, c := range m.conversations {
		if c.UserID == userID && !c.Deleted {
			all = append(all, m.conversationCopy(c))
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].UpdatedAt.Equal(all[j].UpdatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].UpdatedAt.After(all[j].UpdatedAt)
	})
	return page(all, limit, offset), len(all), nil
}

func (m *MemoryStore) UpdateConversation(ctx context.Context, conv *model.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.conversations[conv.ID]
	if !ok || existing.Deleted {
		return ErrNotFound
	}
	c := *conv
	c.LastMessage = nil
	m.conversations[conv.ID] = &c
	return nil
}

func (m *MemoryStore) DeleteConversation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok || c.Deleted {
		return ErrNotFound
	}
	c.Deleted = true
	c.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, msg *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	history := m.messages[msg.ConversationID]
	var last time.Time
	if len(history) > 0 {
		last = history[len(history)-1].CreatedAt
	}
	msg.CreatedAt = NextTimestamp(last, msg.CreatedAt)
	m.seq++
	msg.Sequence = m.seq

	stored := *msg
	m.messages[msg.ConversationID] = append(history, &stored)

	if c, ok := m.conversations[msg.ConversationID]; ok {
		c.UpdatedAt = msg.CreatedAt
	}
	return nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, conversationID string, limit int) ([]*model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.messages[conversationID]
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := make([]*model.Message, len(history))
	for i, msg := range history {
		c := *msg
		out[i] = &c
	}
	return out, nil
}

func (m *MemoryStore) AddDocument(ctx context.Context, doc *model.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := *doc
	m.documents[doc.ID] = &d
	return nil
}

func (m *MemoryStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.documents[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *d
	return &out, nil
}

func (m *MemoryStore) ListDocuments(ctx context.Context, conversationID string) ([]*model.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Document
	for _, d := range m.documents {
		if d.ConversationID == conversationID {
			c := *d
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UploadedAt.Equal(out[j].UploadedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UploadedAt.Before(out[j].UploadedAt)
	})
	return out, nil
}

func (m *MemoryStore) DeleteDocument(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[id]; !ok {
		return ErrNotFound
	}
	delete(m.documents, id)
	return nil
}

func (m *MemoryStore) CreateEvent(ctx context.Context, ev *model.CalendarEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := *ev
	m.events[ev.ID] = &e
	return nil
}

func (m *MemoryStore) GetEvent(ctx context.Context, id string) (*model.CalendarEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *e
	return &out, nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, userID string, from, to time.Time) ([]*model.CalendarEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.CalendarEvent
	for _, e := range m.events {
		if e.UserID == userID && inRange(e.StartsAt, from, to) {
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartsAt.Equal(out[j].StartsAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartsAt.Before(out[j].StartsAt)
	})
	return out, nil
}

func (m *MemoryStore) UpdateEvent(ctx context.Context, ev *model.CalendarEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[ev.ID]; !ok {
		return ErrNotFound
	}
	e := *ev
	m.events[ev.ID] = &e
	return nil
}

func (m *MemoryStore) DeleteEvent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[id]; !ok {
		return ErrNotFound
	}
	delete(m.events, id)
	return nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset > len(items) {
		offset = len(items)
	}
	if offset < 0 {
		offset = 0
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}
