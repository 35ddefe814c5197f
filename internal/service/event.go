package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-orchestrator/internal/model"
	"github.com/capitalize-ai/conversation-orchestrator/internal/store"
	"github.com/capitalize-ai/conversation-orchestrator/internal/tool/calendar"
	"github.com/capitalize-ai/conversation-orchestrator/pkg/logger"
)

// EventService exposes the calendar backend the calendar tool writes to.
type EventService struct {
	store  store.EventStore
	logger *logger.Logger
	now    func() time.Time
}

// NewEventService creates a new calendar event service.
func NewEventService(st store.EventStore, log *logger.Logger) *EventService {
	if log == nil {
		log = logger.Global()
	}
	return &EventService{store: st, logger: log.Named("events"), now: time.Now}
}

// Create adds an event. A zero end time means the default duration.
func (s *EventService) Create(ctx context.Context, userID string, req *model.CreateCalendarEventRequest) (*model.CalendarEvent, error) {
	if req.StartsAt.IsZero() {
		return nil, fmt.Errorf("%w: starts_at is required", ErrInvalidInput)
	}
	end := req.EndsAt
	if end.IsZero() {
		end = req.StartsAt.Add(calendar.DefaultDuration)
	}
	if !end.After(req.StartsAt) {
		return nil, fmt.Errorf("%w: ends_at must be after starts_at", ErrInvalidInput)
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = calendar.DefaultTitle
	}

	ev := &model.CalendarEvent{
		ID:        uuid.Must(uuid.NewV7()).String(),
		UserID:    userID,
		Title:     title,
		StartsAt:  req.StartsAt.UTC(),
		EndsAt:    end.UTC(),
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("failed to create event: %w", err)
	}
	s.logger.Info("event created", zap.String("event_id", ev.ID), zap.String("user_id", userID))
	return ev, nil
}

// List returns the user's events starting in [from, to). Zero bounds are open.
func (s *EventService) List(ctx context.Context, userID string, from, to time.Time) ([]model.CalendarEvent, error) {
	if !from.IsZero() && !to.IsZero() && !to.After(from) {
		return nil, fmt.Errorf("%w: to must be after from", ErrInvalidInput)
	}
	events, err := s.store.ListEvents(ctx, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	out := make([]model.CalendarEvent, len(events))
	for i, ev := range events {
		out[i] = *ev
	}
	return out, nil
}

// Get returns one event owned by userID.
func (s *EventService) Get(ctx context.Context, userID, eventID string) (*model.CalendarEvent, error) {
	ev, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	if ev.UserID != userID {
		return nil, ErrNotFound
	}
	return ev, nil
}

// Update applies the non-nil fields of req. Moving the start alone keeps the
// event's duration.
func (s *EventService) Update(ctx context.Context, userID, eventID string, req *model.UpdateCalendarEventRequest) (*model.CalendarEvent, error) {
	ev, err := s.Get(ctx, userID, eventID)
	if err != nil {
		return nil, err
	}

	if req.Title != nil {
		if title := strings.TrimSpace(*req.Title); title != "" {
			ev.Title = title
		}
	}
	duration := ev.EndsAt.Sub(ev.StartsAt)
	if req.StartsAt != nil {
		ev.StartsAt = req.StartsAt.UTC()
		ev.EndsAt = ev.StartsAt.Add(duration)
	}
	if req.EndsAt != nil {
		ev.EndsAt = req.EndsAt.UTC()
	}
	if !ev.EndsAt.After(ev.StartsAt) {
		return nil, fmt.Errorf("%w: ends_at must be after starts_at", ErrInvalidInput)
	}

	if err := s.store.UpdateEvent(ctx, ev); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to update event: %w", err)
	}
	return ev, nil
}

// Delete removes an event owned by userID.
func (s *EventService) Delete(ctx context.Context, userID, eventID string) error {
	if _, err := s.Get(ctx, userID, eventID); err != nil {
		return err
	}
	if err := s.store.DeleteEvent(ctx, eventID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete event: %w", err)
	}
	return nil
}
