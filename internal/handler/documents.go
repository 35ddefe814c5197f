package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/conversation-orchestrator/internal/middleware"
	"github.com/capitalize-ai/conversation-orchestrator/internal/model"
	"github.com/capitalize-ai/conversation-orchestrator/internal/service"
	"github.com/capitalize-ai/conversation-orchestrator/pkg/logger"
)

// DocumentHandler handles documents attached to conversations.
type DocumentHandler struct {
	service *service.DocumentService
	logger  *logger.Logger
}

// NewDocumentHandler creates a new document handler.
func NewDocumentHandler(svc *service.DocumentService, log *logger.Logger) *DocumentHandler {
	return &DocumentHandler{service: svc, logger: log.Named("documents")}
}

// Create handles POST /api/v1/conversations/:id/documents
func (h *DocumentHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.CreateDocumentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	doc, err := h.service.Create(ctx, middleware.GetUserID(ctx), conversationID, &req)
	if err != nil {
		writeServiceError(w, h.logger, err, "add document")
		return
	}

	writeJSON(w, http.StatusCreated, doc)
}

// List handles GET /api/v1/conversations/:id/documents
func (h *DocumentHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	docs, err := h.service.List(ctx, middleware.GetUserID(ctx), conversationID)
	if err != nil {
		writeServiceError(w, h.logger, err, "list documents")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"documents": docs})
}

// Get handles GET /api/v1/documents/:docID
func (h *DocumentHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	documentID := chi.URLParam(r, "docID")

	if err := middleware.ValidateID("document", documentID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	doc, err := h.service.Get(ctx, middleware.GetUserID(ctx), documentID)
	if err != nil {
		writeServiceError(w, h.logger, err, "get document")
		return
	}

	writeJSON(w, http.StatusOK, doc)
}

// Delete handles DELETE /api/v1/documents/:docID
func (h *DocumentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	documentID := chi.URLParam(r, "docID")

	if err := middleware.ValidateID("document", documentID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.Delete(ctx, middleware.GetUserID(ctx), documentID); err != nil {
		writeServiceError(w, h.logger, err, "delete document")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
