// Package pdf implements the document search tool.
package pdf

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-orchestrator/internal/model"
	"github.com/capitalize-ai/conversation-orchestrator/internal/store"
	"github.com/capitalize-ai/conversation-orchestrator/internal/tool"
	"github.com/capitalize-ai/conversation-orchestrator/pkg/logger"
)

// Name is the registry name of the tool.
const Name = "pdf"

const usage = "Invalid format. Use search:<document_id>:<keyword>"

// Tool counts keyword matches in stored documents.
type Tool struct {
	docs   store.DocumentStore
	logger *logger.Logger
}

// New creates the tool over docs.
func New(docs store.DocumentStore, log *logger.Logger) *Tool {
	if log == nil {
		log = logger.Global()
	}
	return &Tool{docs: docs, logger: log.Named("pdf")}
}

// Name implements tool.Tool.
func (t *Tool) Name() string { return Name }

// Execute answers a "search:<document_id>:<keyword>" query with the number
// of case-insensitive matches. A malformed query gets a usage hint rather
// than an error.
func (t *Tool) Execute(ctx context.Context, slots model.Slots) (string, error) {
	query := strings.TrimSpace(slots[model.SlotQuery])
	rest, ok := strings.CutPrefix(query, "search:")
	if !ok {
		return usage, nil
	}
	docID, keyword, ok := strings.Cut(rest, ":")
	docID, keyword = strings.TrimSpace(docID), strings.TrimSpace(keyword)
	if !ok || docID == "" || keyword == "" {
		return usage, nil
	}

	doc, err := t.docs.GetDocument(ctx, docID)
	if errors.Is(err, store.ErrNotFound) {
		return "Document not found", nil
	}
	if err != nil {
		return "", &tool.Error{Tool: Name, Message: "could not read the document", Err: err}
	}
	if caller, ok := tool.CallerFrom(ctx); ok && doc.UserID != "" && doc.UserID != caller.UserID {
		return "Document not found", nil
	}

	count := Count(doc.Content, keyword)
	t.logger.Debug("document searched",
		zap.String("document_id", docID),
		zap.String("keyword", keyword),
		zap.Int("matches", count))
	return fmt.Sprintf("Matches: %d", count), nil
}

// Count returns the number of non-overlapping case-insensitive occurrences
// of keyword in text.
func Count(text, keyword string) int {
	if keyword == "" {
		return 0
	}
	re := regexp.MustCompile("(?i)" + regexp.QuoteMeta(keyword))
	return len(re.FindAllStringIndex(text, -1))
}
