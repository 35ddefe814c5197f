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

// EventHandler handles calendar event endpoints.
type EventHandler struct {
	service *service.EventService
	logger  *logger.Logger
}

// NewEventHandler creates a new calendar event handler.
func NewEventHandler(svc *service.EventService, log *logger.Logger) *EventHandler {
	return &EventHandler{service: svc, logger: log.Named("events")}
}

// Create handles POST /api/v1/events
func (h *EventHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.CreateCalendarEventRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := middleware.ValidateTitle(req.Title); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ev, err := h.service.Create(ctx, middleware.GetUserID(ctx), &req)
	if err != nil {
		writeServiceError(w, h.logger, err, "create event")
		return
	}

	writeJSON(w, http.StatusCreated, ev)
}

// List handles GET /api/v1/events?from=&to= with RFC 3339 bounds.
func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	from, ok := queryTime(w, r, "from")
	if !ok {
		return
	}
	to, ok := queryTime(w, r, "to")
	if !ok {
		return
	}

	events, err := h.service.List(ctx, middleware.GetUserID(ctx), from, to)
	if err != nil {
		writeServiceError(w, h.logger, err, "list events")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// Get handles GET /api/v1/events/:eventID
func (h *EventHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	eventID := chi.URLParam(r, "eventID")

	if err := middleware.ValidateID("event", eventID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ev, err := h.service.Get(ctx, middleware.GetUserID(ctx), eventID)
	if err != nil {
		writeServiceError(w, h.logger, err, "get event")
		return
	}

	writeJSON(w, http.StatusOK, ev)
}

// Update handles PUT /api/v1/events/:eventID
func (h *EventHandler) Update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	eventID := chi.URLParam(r, "eventID")

	if err := middleware.ValidateID("event", eventID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.UpdateCalendarEventRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Title != nil {
		if err := middleware.ValidateTitle(*req.Title); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	ev, err := h.service.Update(ctx, middleware.GetUserID(ctx), eventID, &req)
	if err != nil {
		writeServiceError(w, h.logger, err, "update event")
		return
	}

	writeJSON(w, http.StatusOK, ev)
}

// Delete handles DELETE /api/v1/events/:eventID
func (h *EventHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	eventID := chi.URLParam(r, "eventID")

	if err := middleware.ValidateID("event", eventID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.Delete(ctx, middleware.GetUserID(ctx), eventID); err != nil {
		writeServiceError(w, h.logger, err, "delete event")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func queryTime(w http.ResponseWriter, r *http.Request, name string) (time.Time, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name+": expected RFC 3339 time")
		return time.Time{}, false
	}
	return t, true
}
