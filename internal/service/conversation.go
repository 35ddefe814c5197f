// Package service provides business logic for the conversation platform.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-orchestrator/internal/conversation"
	"github.com/capitalize-ai/conversation-orchestrator/internal/model"
	"github.com/capitalize-ai/conversation-orchestrator/internal/store"
	"github.com/capitalize-ai/conversation-orchestrator/pkg/logger"
)

var (
	// ErrNotFound is returned for entities that do not exist or belong to
	// another user.
	ErrNotFound = store.ErrNotFound

	// ErrInvalidInput is returned for requests that fail validation.
	ErrInvalidInput = errors.New("invalid input")
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ConversationService handles conversation operations.
type ConversationService struct {
	store   store.Store
	manager *conversation.Manager
	logger  *logger.Logger
	now     func() time.Time
}

// NewConversationService creates a new conversation service.
func NewConversationService(st store.Store, manager *conversation.Manager, log *logger.Logger) *ConversationService {
	if log == nil {
		log = logger.Global()
	}
	return &ConversationService{
		store:   st,
		manager: manager,
		logger:  log.Named("conversations"),
		now:     time.Now,
	}
}

// Create creates a new conversation and makes it the user's active one.
func (s *ConversationService) Create(ctx context.Context, userID string, req *model.CreateConversationRequest) (*model.Conversation, error) {
	now := s.now().UTC()
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "New conversation"
	}

	conv := &model.Conversation{
		ID:        uuid.Must(uuid.NewV7()).String(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  req.Metadata,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	s.manager.SetActive(userID, conv.ID)

	s.logger.Info("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("user_id", userID))
	return conv, nil
}

// Get retrieves a conversation owned by userID.
func (s *ConversationService) Get(ctx context.Context, userID, conversationID string) (*model.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if conv.UserID != userID {
		return nil, ErrNotFound
	}
	return conv, nil
}

// Detail returns a conversation with its full history and slot status.
func (s *ConversationService) Detail(ctx context.Context, userID, conversationID string) (*model.ConversationDetail, error) {
	conv, err := s.Get(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	history, err := s.store.GetHistory(ctx, conversationID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}

	detail := &model.ConversationDetail{
		Conversation: *conv,
		Messages:     make([]model.Message, len(history)),
		Status:       string(s.manager.Status(conversationID)),
	}
	for i, msg := range history {
		detail.Messages[i] = *msg
	}
	detail.MessageCount = len(history)
	return detail, nil
}

// List retrieves a page of the user's conversations.
func (s *ConversationService) List(ctx context.Context, userID string, limit, offset int) (*model.ListConversationsResponse, error) {
	limit, offset = clampPage(limit, offset)

	convs, total, err := s.store.ListConversations(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	out := make([]model.Conversation, len(convs))
	for i, c := range convs {
		out[i] = *c
	}
	return &model.ListConversationsResponse{
		Conversations: out,
		Total:         total,
		HasMore:       offset+len(out) < total,
	}, nil
}

// Update changes a conversation's title or metadata.
func (s *ConversationService) Update(ctx context.Context, userID, conversationID string, req *model.UpdateConversationRequest) (*model.Conversation, error) {
	conv, err := s.Get(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	if title := strings.TrimSpace(req.Title); title != "" {
		conv.Title = title
	}
	if req.Metadata != nil {
		conv.Metadata = req.Metadata
	}
	conv.UpdatedAt = s.now().UTC()

	if err := s.store.UpdateConversation(ctx, conv); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to update conversation: %w", err)
	}
	return conv, nil
}

// Delete soft deletes a conversation. A running generation is left to finish.
func (s *ConversationService) Delete(ctx context.Context, userID, conversationID string) error {
	if _, err := s.Get(ctx, userID, conversationID); err != nil {
		return err
	}
	if err := s.store.DeleteConversation(ctx, conversationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete conversation: %w", err)
	}

	s.manager.Forget(conversationID)
	if active, ok := s.manager.Active(userID); ok && active == conversationID {
		s.manager.SetActive(userID, "")
	}
	s.logger.Info("conversation deleted",
		zap.String("conversation_id", conversationID),
		zap.String("user_id", userID))
	return nil
}

// Status returns the generation slot state of a conversation.
func (s *ConversationService) Status(ctx context.Context, userID, conversationID string) (conversation.Status, error) {
	if _, err := s.Get(ctx, userID, conversationID); err != nil {
		return "", err
	}
	return s.manager.Status(conversationID), nil
}

// Active returns the user's active conversation ID.
func (s *ConversationService) Active(userID string) (string, bool) {
	return s.manager.Active(userID)
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
