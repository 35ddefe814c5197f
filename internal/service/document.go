package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-orchestrator/internal/model"
	"github.com/capitalize-ai/conversation-orchestrator/internal/store"
	"github.com/capitalize-ai/conversation-orchestrator/pkg/logger"
)

// MaxDocumentSize bounds the text content of an uploaded document.
const MaxDocumentSize = 1 << 20

// DocumentService manages documents attached to conversations.
type DocumentService struct {
	store  store.Store
	logger *logger.Logger
	now    func() time.Time
}

// NewDocumentService creates a new document service.
func NewDocumentService(st store.Store, log *logger.Logger) *DocumentService {
	if log == nil {
		log = logger.Global()
	}
	return &DocumentService{store: st, logger: log.Named("documents"), now: time.Now}
}

// Create attaches a document to a conversation owned by userID.
func (s *DocumentService) Create(ctx context.Context, userID, conversationID string, req *model.CreateDocumentRequest) (*model.Document, error) {
	filename := filepath.Base(strings.TrimSpace(req.Filename))
	if filename == "" || filename == "." || filename == string(filepath.Separator) {
		return nil, fmt.Errorf("%w: filename is required", ErrInvalidInput)
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("%w: content is required", ErrInvalidInput)
	}
	if len(req.Content) > MaxDocumentSize {
		return nil, fmt.Errorf("%w: document exceeds %d bytes", ErrInvalidInput, MaxDocumentSize)
	}
	if err := s.owns(ctx, userID, conversationID); err != nil {
		return nil, err
	}

	doc := &model.Document{
		ID:             uuid.Must(uuid.NewV7()).String(),
		UserID:         userID,
		ConversationID: conversationID,
		Filename:       filename,
		Content:        req.Content,
		UploadedAt:     s.now().UTC(),
	}
	if err := s.store.AddDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to add document: %w", err)
	}

	s.logger.Info("document added",
		zap.String("document_id", doc.ID),
		zap.String("conversation_id", conversationID),
		zap.Int("bytes", len(doc.Content)))
	return doc, nil
}

// List returns the documents of a conversation without their content.
func (s *DocumentService) List(ctx context.Context, userID, conversationID string) ([]model.Document, error) {
	if err := s.owns(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	docs, err := s.store.ListDocuments(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	out := make([]model.Document, len(docs))
	for i, d := range docs {
		out[i] = *d
		out[i].Content = ""
	}
	return out, nil
}

// Get returns one document owned by userID.
func (s *DocumentService) Get(ctx context.Context, userID, documentID string) (*model.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	if doc.UserID != userID {
		return nil, ErrNotFound
	}
	return doc, nil
}

// Delete removes a document owned by userID.
func (s *DocumentService) Delete(ctx context.Context, userID, documentID string) error {
	if _, err := s.Get(ctx, userID, documentID); err != nil {
		return err
	}
	if err := s.store.DeleteDocument(ctx, documentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

func (s *DocumentService) owns(ctx context.Context, userID, conversationID string) error {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get conversation: %w", err)
	}
	if conv.UserID != userID {
		return ErrNotFound
	}
	return nil
}
