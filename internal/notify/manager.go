// Package notify fans out generation outcomes to observers of a conversation.
//
// Each conversation has its own hub. A hub is "open" while a generation is
// in flight; observers that subscribe during that time receive exactly one
// terminal outcome when it is published. After publishing, the outcome is
// retained for a short window so that observers who reconnect late can still
// learn the answer. Once the window has elapsed, Subscribe returns ErrNotFound.
package notify

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-orchestrator/internal/model"
	"github.com/capitalize-ai/conversation-orchestrator/pkg/logger"
	"github.com/capitalize-ai/conversation-orchestrator/pkg/metrics"
)

const (
	// DefaultRetention is how long a published outcome stays available to
	// late subscribers.
	DefaultRetention = 2 * time.Minute

	// chunkBufferSize is the per-subscriber buffer for streaming chunks.
	chunkBufferSize = 64

	defaultJanitorInterval = time.Minute
)

// ErrNotFound is returned when there is neither a running generation nor a
// retained outcome for the conversation.
var ErrNotFound = errors.New("no pending result for conversation")

// ErrClosed is returned after the manager has been closed.
var ErrClosed = errors.New("notification manager closed")

// Subscription is an observer handle for one generation cycle.
//
// Done yields exactly one outcome and is then closed. If the subscription is
// removed before the outcome is published, Done is closed without a value.
// Chunks carries best-effort streaming text and is closed together with Done.
type Subscription struct {
	ID             string
	ConversationID string

	Chunks <-chan string
	Done   <-chan *model.Outcome

	chunks chan string
	done   chan *model.Outcome

	mu       sync.Mutex
	finished bool
	mgr      *Manager
}

// finish delivers the terminal outcome (or nothing) and closes both channels.
// done has capacity one and receives at most one value, so this never blocks.
func (s *Subscription) finish(outcome *model.Outcome) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return false
	}
	s.finished = true
	if outcome != nil {
		s.done <- outcome
	}
	close(s.done)
	close(s.chunks)
	return outcome != nil
}

// Unsubscribe removes the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s.mgr != nil {
		s.mgr.Unsubscribe(s)
	}
}

type hub struct {
	mu         sync.Mutex
	open       bool
	generation string
	subs       map[string]*Subscription
	retained   *model.Outcome
	retainedAt time.Time
	dead       bool
}

// Option customizes a Manager.
type Option func(*Manager)

// WithRetention sets the retention window for published outcomes.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.retention = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithJanitorInterval sets how often expired hubs are swept.
func WithJanitorInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.janitorInterval = d
		}
	}
}

// Manager is the per-conversation notification fan-out point.
type Manager struct {
	hubs            sync.Map // conversationID -> *hub
	retention       time.Duration
	janitorInterval time.Duration
	now             func() time.Time
	logger          *logger.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Manager and starts its background janitor.
func New(log *logger.Logger, opts ...Option) *Manager {
	if log == nil {
		log = logger.Global()
	}
	m := &Manager{
		retention:       DefaultRetention,
		janitorInterval: defaultJanitorInterval,
		now:             time.Now,
		logger:          log.Named("notify"),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.janitor()
	return m
}

// Retention returns the configured retention window.
func (m *Manager) Retention() time.Duration {
	return m.retention
}

// lockHub returns the live hub for a conversation with its mutex held.
func (m *Manager) lockHub(conversationID string) *hub {
	for {
		v, ok := m.hubs.Load(conversationID)
		if !ok {
			v, _ = m.hubs.LoadOrStore(conversationID, &hub{subs: make(map[string]*Subscription)})
		}
		h := v.(*hub)
		h.mu.Lock()
		if !h.dead {
			return h
		}
		h.mu.Unlock()
	}
}

// Open starts generation cycle generationID for the conversation. Any
// retained outcome from the previous cycle is superseded.
func (m *Manager) Open(conversationID, generationID string) {
	h := m.lockHub(conversationID)
	h.open = true
	h.generation = generationID
	h.retained = nil
	h.retainedAt = time.Time{}
	h.mu.Unlock()
}

// Subscribe registers interest in the conversation's current generation.
//
// While a generation is running the returned subscription resolves when it
// completes. Otherwise, if an outcome was published within the retention
// window, the subscription is already resolved with it. In every other case
// ErrNotFound is returned.
func (m *Manager) Subscribe(conversationID string) (*Subscription, error) {
	select {
	case <-m.done:
		return nil, ErrClosed
	default:
	}

	sub := m.newSubscription(conversationID)

	h := m.lockHub(conversationID)
	defer h.mu.Unlock()

	switch {
	case h.open:
		h.subs[sub.ID] = sub
		m.logger.Debug("subscriber added",
			zap.String("conversation_id", conversationID),
			zap.String("sub_id", sub.ID))
		return sub, nil

	case h.retained != nil && m.now().Sub(h.retainedAt) <= m.retention:
		sub.finish(h.retained)
		metrics.NotificationsDelivered.Inc()
		return sub, nil

	default:
		return nil, ErrNotFound
	}
}

func (m *Manager) newSubscription(conversationID string) *Subscription {
	chunks := make(chan string, chunkBufferSize)
	done := make(chan *model.Outcome, 1)
	return &Subscription{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Chunks:         chunks,
		Done:           done,
		chunks:         chunks,
		done:           done,
		mgr:            m,
	}
}

// Unsubscribe removes a subscription. It is idempotent and safe to call
// after the outcome was delivered.
func (m *Manager) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	if v, ok := m.hubs.Load(sub.ConversationID); ok {
		h := v.(*hub)
		h.mu.Lock()
		delete(h.subs, sub.ID)
		h.mu.Unlock()
	}
	sub.finish(nil)
}

// Emit forwards a streaming chunk of generation generationID to every current
// subscriber. Chunks from any other generation are dropped, as are chunks for
// subscribers whose buffer is full; the terminal outcome is not affected.
func (m *Manager) Emit(conversationID, generationID, chunk string) {
	v, ok := m.hubs.Load(conversationID)
	if !ok {
		return
	}
	h := v.(*hub)
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.open || h.generation != generationID {
		metrics.NotificationChunksDropped.Inc()
		return
	}
	for _, sub := range h.subs {
		select {
		case sub.chunks <- chunk:
		default:
			metrics.NotificationChunksDropped.Inc()
		}
	}
}

// Publish delivers outcome to every current subscriber of the conversation,
// clears the subscriber set and retains the outcome for late joiners. It
// returns the number of observers notified. Publish never blocks on an
// observer.
func (m *Manager) Publish(conversationID string, outcome *model.Outcome) int {
	h := m.lockHub(conversationID)
	subs := h.subs
	h.subs = make(map[string]*Subscription)
	h.open = false
	h.generation = ""
	h.retained = outcome
	h.retainedAt = m.now()
	h.mu.Unlock()

	delivered := 0
	for _, sub := range subs {
		if sub.finish(outcome) {
			delivered++
		}
	}
	metrics.NotificationsDelivered.Add(float64(delivered))

	m.logger.Debug("outcome published",
		zap.String("conversation_id", conversationID),
		zap.Int("observers", delivered))
	return delivered
}

// Subscribers returns how many observers are waiting on the conversation.
func (m *Manager) Subscribers(conversationID string) int {
	v, ok := m.hubs.Load(conversationID)
	if !ok {
		return 0
	}
	h := v.(*hub)
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close stops the janitor and releases all waiting subscribers without an
// outcome. It is safe to call multiple times.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.hubs.Range(func(key, value any) bool {
			h := value.(*hub)
			h.mu.Lock()
			subs := h.subs
			h.subs = make(map[string]*Subscription)
			h.dead = true
			h.mu.Unlock()
			for _, sub := range subs {
				sub.finish(nil)
			}
			m.hubs.Delete(key)
			return true
		})
		m.logger.Debug("notification manager closed")
	})
}

func (m *Manager) janitor() {
	ticker := time.NewTicker(m.janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.done:
			return
		}
	}
}

// sweep drops hubs that are idle, unobserved and hold no live outcome.
func (m *Manager) sweep() {
	now := m.now()
	m.hubs.Range(func(key, value any) bool {
		h := value.(*hub)
		h.mu.Lock()
		if !h.open && len(h.subs) == 0 &&
			(h.retained == nil || now.Sub(h.retainedAt) > m.retention) {
			h.dead = true
			m.hubs.Delete(key)
		}
		h.mu.Unlock()
		return true
	})
}
