package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-orchestrator/internal/model"
	"github.com/capitalize-ai/conversation-orchestrator/internal/store"
	"github.com/capitalize-ai/conversation-orchestrator/pkg/logger"
)

const (
	// StreamName is the name of the conversations stream.
	StreamName = "CONVERSATIONS"

	// SubjectPrefix is the prefix for all conversation subjects.
	SubjectPrefix = "conv"

	fetchBatch = 256
	fetchWait  = time.Second
)

var _ store.MessageStore = (*StreamManager)(nil)

// StreamManager stores conversation history and lifecycle events in a
// JetStream stream. It implements store.MessageStore.
type StreamManager struct {
	js     jetstream.JetStream
	logger *logger.Logger

	// mu serializes appends so timestamps stay increasing per conversation.
	mu   sync.Mutex
	last map[string]time.Time
}

// NewStreamManager creates a stream manager on client.
func NewStreamManager(client *Client, log *logger.Logger) *StreamManager {
	return newStreamManager(client.JetStream(), log)
}

func newStreamManager(js jetstream.JetStream, log *logger.Logger) *StreamManager {
	if log == nil {
		log = logger.Global()
	}
	return &StreamManager{
		js:     js,
		logger: log.Named("stream"),
		last:   make(map[string]time.Time),
	}
}

// EnsureStream creates the conversations stream if it does not exist.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	_, err := m.js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = m.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      365 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		DenyDelete:  true,
		DenyPurge:   true,
		Description: "Conversation messages and generation events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	m.logger.Info("created stream", zap.String("stream", StreamName))
	return nil
}

// token makes s safe to use as a single subject token.
func token(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// MessageSubject returns the subject for a message.
func MessageSubject(conversationID string, role model.Role) string {
	return fmt.Sprintf("%s.%s.msg.%s", SubjectPrefix, token(conversationID), role)
}

// EventSubject returns the subject for an event.
func EventSubject(conversationID string, eventType model.EventType) string {
	return fmt.Sprintf("%s.%s.event.%s", SubjectPrefix, token(conversationID), eventType)
}

// MessageFilter matches every message of a conversation.
func MessageFilter(conversationID string) string {
	return fmt.Sprintf("%s.%s.msg.*", SubjectPrefix, token(conversationID))
}

// ConversationFilter matches everything recorded for a conversation.
func ConversationFilter(conversationID string) string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, token(conversationID))
}

// AppendMessage publishes msg, bumping its timestamp past the previous
// message of the conversation when needed.
func (m *StreamManager) AppendMessage(ctx context.Context, msg *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	last, ok := m.last[msg.ConversationID]
	if !ok {
		history, err := m.GetHistory(ctx, msg.ConversationID, 1)
		if err != nil {
			return err
		}
		if len(history) > 0 {
			last = history[0].CreatedAt
		}
	}

	stored := *msg
	stored.CreatedAt = store.NextTimestamp(last, msg.CreatedAt.UTC())
	stored.Sequence = 0

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	ack, err := m.js.Publish(ctx, MessageSubject(msg.ConversationID, msg.Role), data)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	m.last[msg.ConversationID] = stored.CreatedAt
	msg.CreatedAt = stored.CreatedAt
	msg.Sequence = ack.Sequence
	m.logger.Debug("published message",
		zap.String("conversation_id", msg.ConversationID),
		zap.String("role", string(msg.Role)),
		zap.Uint64("sequence", ack.Sequence))
	return nil
}

// GetHistory reads the conversation's messages with an ordered consumer and
// returns the most recent limit of them.
func (m *StreamManager) GetHistory(ctx context.Context, conversationID string, limit int) ([]*model.Message, error) {
	stream, err := m.js.Stream(ctx, StreamName)
	if err != nil {
		return nil, fmt.Errorf("failed to look up stream: %w", err)
	}
	filter := MessageFilter(conversationID)
	info, err := stream.Info(ctx, jetstream.WithSubjectFilter(filter))
	if err != nil {
		return nil, fmt.Errorf("failed to read stream info: %w", err)
	}
	var pending uint64
	for _, n := range info.State.Subjects {
		pending += n
	}
	if pending == 0 {
		return nil, nil
	}

	consumer, err := stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{filter},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	var out []*model.Message
	for done := false; !done; {
		batch, err := consumer.Fetch(fetchBatch, jetstream.FetchMaxWait(fetchWait))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch messages: %w", err)
		}
		received := 0
		for raw := range batch.Messages() {
			received++
			msg, remaining, err := decodeMessage(raw)
			if err != nil {
				m.logger.Warn("skipping undecodable message", zap.String("subject", raw.Subject()), zap.Error(err))
			} else {
				out = append(out, msg)
			}
			if remaining == 0 {
				done = true
			}
		}
		if err := batch.Error(); err != nil && !isFetchTimeout(err) {
			return nil, fmt.Errorf("batch error: %w", err)
		}
		if received == 0 {
			done = true
		}
	}

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// PublishEvent records a generation lifecycle event.
func (m *StreamManager) PublishEvent(ctx context.Context, event *model.ConversationEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	ack, err := m.js.Publish(ctx, EventSubject(event.ConversationID, event.Type), data)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	event.Sequence = ack.Sequence
	return nil
}

func decodeMessage(raw jetstream.Msg) (*model.Message, uint64, error) {
	var remaining uint64
	var seq uint64
	if meta, err := raw.Metadata(); err == nil {
		remaining = meta.NumPending
		seq = meta.Sequence.Stream
	}
	var msg model.Message
	if err := json.Unmarshal(raw.Data(), &msg); err != nil {
		return nil, remaining, fmt.Errorf("decoding message: %w", err)
	}
	msg.Sequence = seq
	return &msg, remaining, nil
}

func isFetchTimeout(err error) bool {
	return errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
