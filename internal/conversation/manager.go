// Package conversation serializes generations per conversation.
//
// Every conversation owns a slot that is either idle or running. Begin moves
// the slot to running and hands out an Admission; Complete publishes the
// outcome and returns the slot to idle. Slots are independent, so a long
// generation in one conversation never delays another.
package conversation

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-orchestrator/internal/model"
	"github.com/capitalize-ai/conversation-orchestrator/pkg/logger"
	"github.com/capitalize-ai/conversation-orchestrator/pkg/metrics"
)

var (
	// ErrAlreadyInProgress is returned by Begin while a generation is running.
	ErrAlreadyInProgress = errors.New("generation already in progress")

	// ErrAlreadyCompleted is returned when an admission is completed twice.
	ErrAlreadyCompleted = errors.New("generation already completed")

	// ErrUnknownAdmission is returned for an admission this manager did not issue.
	ErrUnknownAdmission = errors.New("unknown admission")
)

// Status is a point-in-time view of a conversation slot.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
)

// Admission is the token for one running generation.
type Admission struct {
	ConversationID string
	GenerationID   string
	StartedAt      time.Time

	done atomic.Bool
	slot *slot
}

// Completed reports whether Complete has been called for the admission.
func (a *Admission) Completed() bool {
	return a.done.Load()
}

// Publisher receives slot lifecycle notifications. *notify.Manager satisfies it.
type Publisher interface {
	Open(conversationID, generationID string)
	Publish(conversationID string, outcome *model.Outcome) int
}

type slot struct {
	mu      sync.Mutex
	current atomic.Pointer[Admission]
	dead    bool
}

// Manager tracks one slot per conversation and the active conversation of
// each user.
type Manager struct {
	slots     sync.Map // conversationID -> *slot
	active    sync.Map // userID -> conversationID
	publisher Publisher
	now       func() time.Time
	logger    *logger.Logger
}

// NewManager creates a Manager that publishes outcomes through pub.
func NewManager(pub Publisher, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Global()
	}
	return &Manager{
		publisher: pub,
		now:       time.Now,
		logger:    log.Named("conversation"),
	}
}

// lockSlot returns the live slot for a conversation with its mutex held.
func (m *Manager) lockSlot(conversationID string) *slot {
	for {
		v, ok := m.slots.Load(conversationID)
		if !ok {
			v, _ = m.slots.LoadOrStore(conversationID, &slot{})
		}
		s := v.(*slot)
		s.mu.Lock()
		if !s.dead {
			return s
		}
		s.mu.Unlock()
	}
}

// Begin admits a generation for the conversation. It fails fast with
// ErrAlreadyInProgress if one is already running.
func (m *Manager) Begin(conversationID string) (*Admission, error) {
	s := m.lockSlot(conversationID)
	defer s.mu.Unlock()

	if cur := s.current.Load(); cur != nil {
		metrics.AlreadyInProgressTotal.Inc()
		m.logger.Debug("generation rejected",
			zap.String("conversation_id", conversationID),
			zap.String("running_generation_id", cur.GenerationID))
		return nil, ErrAlreadyInProgress
	}

	adm := &Admission{
		ConversationID: conversationID,
		GenerationID:   newGenerationID(),
		StartedAt:      m.now(),
		slot:           s,
	}
	if m.publisher != nil {
		m.publisher.Open(conversationID, adm.GenerationID)
	}
	s.current.Store(adm)
	metrics.GenerationsActive.Inc()

	m.logger.Debug("generation admitted",
		zap.String("conversation_id", conversationID),
		zap.String("generation_id", adm.GenerationID))
	return adm, nil
}

// Complete publishes outcome to the conversation's observers and returns the
// slot to idle. The slot stays locked until observers have been handed the
// outcome, so a caller reacting to it can Begin again immediately.
func (m *Manager) Complete(adm *Admission, outcome *model.Outcome) error {
	if adm == nil || adm.slot == nil {
		return ErrUnknownAdmission
	}
	if !adm.done.CompareAndSwap(false, true) {
		return ErrAlreadyCompleted
	}

	s := adm.slot
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current.Load() != adm {
		return ErrUnknownAdmission
	}

	if outcome == nil {
		outcome = &model.Outcome{Status: model.OutcomeCompleted}
	}
	outcome.ConversationID = adm.ConversationID
	outcome.GenerationID = adm.GenerationID
	if outcome.CompletedAt.IsZero() {
		outcome.CompletedAt = m.now()
	}

	delivered := 0
	if m.publisher != nil {
		delivered = m.publisher.Publish(adm.ConversationID, outcome)
	}
	s.current.Store(nil)
	metrics.GenerationsActive.Dec()

	m.logger.Debug("generation completed",
		zap.String("conversation_id", adm.ConversationID),
		zap.String("generation_id", adm.GenerationID),
		zap.String("status", string(outcome.Status)),
		zap.Int("observers", delivered),
		zap.Duration("elapsed", outcome.CompletedAt.Sub(adm.StartedAt)))
	return nil
}

// Status returns the slot state without blocking.
func (m *Manager) Status(conversationID string) Status {
	v, ok := m.slots.Load(conversationID)
	if !ok {
		return StatusIdle
	}
	if v.(*slot).current.Load() != nil {
		return StatusRunning
	}
	return StatusIdle
}

// Current returns the running admission for a conversation, if any.
func (m *Manager) Current(conversationID string) (*Admission, bool) {
	v, ok := m.slots.Load(conversationID)
	if !ok {
		return nil, false
	}
	adm := v.(*slot).current.Load()
	return adm, adm != nil
}

// Running lists conversations with a generation in flight, sorted.
func (m *Manager) Running() []string {
	var ids []string
	m.slots.Range(func(key, value any) bool {
		if value.(*slot).current.Load() != nil {
			ids = append(ids, key.(string))
		}
		return true
	})
	sort.Strings(ids)
	return ids
}

// Forget drops an idle slot. Running slots are kept.
func (m *Manager) Forget(conversationID string) bool {
	v, ok := m.slots.Load(conversationID)
	if !ok {
		return false
	}
	s := v.(*slot)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead || s.current.Load() != nil {
		return false
	}
	s.dead = true
	m.slots.CompareAndDelete(conversationID, s)
	return true
}

// SetActive records the conversation a user is currently working in.
func (m *Manager) SetActive(userID, conversationID string) {
	if conversationID == "" {
		m.active.Delete(userID)
		return
	}
	m.active.Store(userID, conversationID)
}

// Active returns the user's current conversation.
func (m *Manager) Active(userID string) (string, bool) {
	v, ok := m.active.Load(userID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

func newGenerationID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.New().String()
}
