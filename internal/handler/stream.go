package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-orchestrator/internal/middleware"
	"github.com/capitalize-ai/conversation-orchestrator/internal/model"
	"github.com/capitalize-ai/conversation-orchestrator/internal/notify"
	"github.com/capitalize-ai/conversation-orchestrator/internal/service"
	"github.com/capitalize-ai/conversation-orchestrator/pkg/logger"
	"github.com/capitalize-ai/conversation-orchestrator/pkg/metrics"
)

// SSE event names.
const (
	eventToken     = "token"
	eventCompleted = "completed"
	eventError     = "error"
	eventHeartbeat = "heartbeat"
)

// DefaultHeartbeat is the interval of keep-alive events on idle streams.
const DefaultHeartbeat = 15 * time.Second

// StreamHandler serves the SSE observation endpoint.
type StreamHandler struct {
	conversations *service.ConversationService
	notifier      *notify.Manager
	heartbeat     time.Duration
	logger        *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(
	convSvc *service.ConversationService,
	notifier *notify.Manager,
	heartbeat time.Duration,
	log *logger.Logger,
) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &StreamHandler{
		conversations: convSvc,
		notifier:      notifier,
		heartbeat:     heartbeat,
		logger:        log.Named("stream"),
	}
}

// Stream handles GET /api/v1/conversations/:id/stream. It attaches to the
// running generation, or replays an outcome still inside the retention
// window, and streams token chunks followed by one completed event.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.conversations.Get(ctx, middleware.GetUserID(ctx), conversationID); err != nil {
		writeServiceError(w, h.logger, err, "get conversation")
		return
	}

	sub, err := h.notifier.Subscribe(conversationID)
	if err != nil {
		if errors.Is(err, notify.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no generation in progress")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "notifications unavailable")
		return
	}
	defer sub.Unsubscribe()

	relay(w, r, sub, h.heartbeat, h.logger)
}

// relay writes a subscription to w as server-sent events until the outcome
// arrives or the client goes away. Walking away leaves the generation running.
func relay(w http.ResponseWriter, r *http.Request, sub *notify.Subscription, heartbeat time.Duration, log *logger.Logger) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	index := 0
	sendToken := func(chunk string) error {
		err := sendSSEEvent(w, flusher, eventToken, &model.TokenEvent{Token: chunk, Index: index})
		index++
		return err
	}

	// Chunks is closed together with Done.
	chunks := sub.Chunks
	for {
		select {
		case <-r.Context().Done():
			log.Debug("SSE client disconnected", zap.String("conversation_id", sub.ConversationID))
			return

		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if err := sendToken(chunk); err != nil {
				return
			}

		case outcome := <-sub.Done:
			// Chunks emitted before the outcome may still be buffered.
			for drained := chunks == nil; !drained; {
				select {
				case chunk, ok := <-chunks:
					if !ok {
						drained = true
						break
					}
					if err := sendToken(chunk); err != nil {
						return
					}
				default:
					drained = true
				}
			}
			if outcome == nil {
				sendSSEEvent(w, flusher, eventError, &model.ErrorEvent{
					Code:    "stream_closed",
					Message: "the server stopped before the response completed",
				})
				return
			}
			sendSSEEvent(w, flusher, eventCompleted, outcome)
			return

		case <-ticker.C:
			if err := sendSSEEvent(w, flusher, eventHeartbeat, &model.HeartbeatEvent{Timestamp: time.Now()}); err != nil {
				return
			}
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
