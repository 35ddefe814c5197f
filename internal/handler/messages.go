package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/conversation-orchestrator/internal/middleware"
	"github.com/capitalize-ai/conversation-orchestrator/internal/model"
	"github.com/capitalize-ai/conversation-orchestrator/internal/service"
	"github.com/capitalize-ai/conversation-orchestrator/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	messageService *service.MessageService
	heartbeat      time.Duration
	logger         *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(msgSvc *service.MessageService, heartbeat time.Duration, log *logger.Logger) *MessageHandler {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &MessageHandler{
		messageService: msgSvc,
		heartbeat:      heartbeat,
		logger:         log.Named("messages"),
	}
}

// List handles GET /api/v1/conversations/:id/messages
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.messageService.ListMessages(ctx, middleware.GetUserID(ctx), conversationID, queryInt(r, "limit", 50))
	if err != nil {
		writeServiceError(w, h.logger, err, "get messages")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Send handles POST /api/v1/conversations/:id/messages.
//
// Without "stream" the request waits for the outcome and returns it. With
// "stream" the response is an SSE stream of token chunks ending in one
// completed event, or 202 when the turn runs but cannot be relayed. Either
// way a message sent while the conversation is still generating is rejected
// with 409.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.SendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Stream {
		sub, err := h.messageService.SendAsync(ctx, userID, conversationID, req.Content)
		if err != nil {
			writeServiceError(w, h.logger, err, "send message")
			return
		}
		if sub == nil {
			// Admitted and running, but nothing to relay from here.
			writeJSON(w, http.StatusAccepted, &model.AcceptedResponse{
				ConversationID: conversationID,
				Status:         "accepted",
			})
			return
		}
		defer sub.Unsubscribe()
		relay(w, r, sub, h.heartbeat, h.logger)
		return
	}

	outcome, err := h.messageService.Send(ctx, userID, conversationID, req.Content)
	if err != nil {
		writeServiceError(w, h.logger, err, "send message")
		return
	}

	writeJSON(w, http.StatusOK, &model.SendMessageResponse{Outcome: outcome})
}
