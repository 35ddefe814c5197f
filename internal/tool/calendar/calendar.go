// Package calendar implements the calendar tool on top of an EventStore.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-orchestrator/internal/intent"
	"github.com/capitalize-ai/conversation-orchestrator/internal/model"
	"github.com/capitalize-ai/conversation-orchestrator/internal/store"
	"github.com/capitalize-ai/conversation-orchestrator/internal/tool"
	"github.com/capitalize-ai/conversation-orchestrator/pkg/logger"
)

const (
	dateLayout    = "2006-01-02"
	clockLayout   = "15:04"
	displayLayout = "2006-01-02 15:04"

	// DefaultDuration is the length of an event created without an end time.
	DefaultDuration = time.Hour
	// DefaultTitle names events created without one.
	DefaultTitle = "Event"
	// upcomingLimit caps a list without a date.
	upcomingLimit = 10
)

// Tool executes calendar slots produced by the intent parser.
type Tool struct {
	events   store.EventStore
	loc      *time.Location
	now      func() time.Time
	duration time.Duration
	logger   *logger.Logger
}

// Option configures a Tool.
type Option func(*Tool)

// WithClock overrides the time source used for upcoming listings.
func WithClock(now func() time.Time) Option {
	return func(t *Tool) { t.now = now }
}

// WithDefaultDuration sets the duration of events created without an end.
func WithDefaultDuration(d time.Duration) Option {
	return func(t *Tool) {
		if d > 0 {
			t.duration = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(t *Tool) { t.logger = log }
}

// New creates a calendar tool. Slot dates and times are read in loc.
func New(events store.EventStore, loc *time.Location, opts ...Option) *Tool {
	if loc == nil {
		loc = time.UTC
	}
	t := &Tool{
		events:   events,
		loc:      loc,
		now:      time.Now,
		duration: DefaultDuration,
		logger:   logger.Global(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.Named("calendar")
	return t
}

// Name implements tool.Tool.
func (t *Tool) Name() string { return model.ToolCalendar }

// Execute runs the action named by the "action" slot for the caller in ctx.
func (t *Tool) Execute(ctx context.Context, slots model.Slots) (string, error) {
	caller, ok := tool.CallerFrom(ctx)
	if !ok {
		return "", tool.Errorf(t.Name(), "no user to act for")
	}

	action := slots[model.SlotAction]
	t.logger.Debug("executing calendar action",
		zap.String("action", action),
		zap.String("user_id", caller.UserID),
		zap.Any("slots", slots))

	switch action {
	case model.CalendarAdd:
		return t.add(ctx, caller.UserID, slots)
	case model.CalendarList:
		return t.list(ctx, caller.UserID, slots)
	case model.CalendarEdit:
		return t.edit(ctx, caller.UserID, slots)
	case model.CalendarDelete:
		return t.delete(ctx, caller.UserID, slots)
	default:
		return "", tool.Errorf(t.Name(), "unknown action %q", action)
	}
}

func (t *Tool) add(ctx context.Context, userID string, slots model.Slots) (string, error) {
	date := slots[model.SlotDate]
	if date == "" {
		return "", tool.Errorf(t.Name(), "a date is required to create an event")
	}
	clock := slots[model.SlotTime]
	if clock == "" {
		clock = "00:00"
	}
	start, err := t.at(date, clock)
	if err != nil {
		return "", err
	}

	end := start.Add(t.duration)
	if endClock := slots[model.SlotEndTime]; endClock != "" {
		e, err := t.at(date, endClock)
		if err != nil {
			return "", err
		}
		if e.After(start) {
			end = e
		}
	}

	title := strings.TrimSpace(slots[model.SlotName])
	if title == "" {
		title = DefaultTitle
	}

	ev := &model.CalendarEvent{
		ID:        uuid.Must(uuid.NewV7()).String(),
		UserID:    userID,
		Title:     title,
		StartsAt:  start,
		EndsAt:    end,
		CreatedAt: time.Now().UTC(),
	}
	if err := t.events.CreateEvent(ctx, ev); err != nil {
		return "", &tool.Error{Tool: t.Name(), Message: "could not create the event", Err: err}
	}

	t.logger.Info("event created", zap.String("event_id", ev.ID), zap.String("user_id", userID))
	return "Event created:\n" + t.format(ev), nil
}

func (t *Tool) list(ctx context.Context, userID string, slots model.Slots) (string, error) {
	date, endDate := slots[model.SlotDate], slots[model.SlotEndDate]

	from, to, err := t.span(date, endDate)
	if err != nil {
		return "", err
	}
	if date == "" {
		from = t.now()
	}

	events, err := t.events.ListEvents(ctx, userID, from, to)
	if err != nil {
		return "", &tool.Error{Tool: t.Name(), Message: "could not list events", Err: err}
	}
	events = t.filter(events, slots[model.SlotName], slots[model.SlotTime])
	if date == "" && len(events) > upcomingLimit {
		events = events[:upcomingLimit]
	}

	var period string
	switch {
	case endDate != "" && endDate != date:
		period = fmt.Sprintf("from %s to %s", date, endDate)
	case date != "":
		period = "on " + date
	}

	if len(events) == 0 {
		if period != "" {
			return fmt.Sprintf("No events found %s.", period), nil
		}
		return "No upcoming events.", nil
	}

	var b strings.Builder
	if period != "" {
		fmt.Fprintf(&b, "Events %s:", period)
	} else {
		b.WriteString("Upcoming events:")
	}
	for _, ev := range events {
		b.WriteString("\n")
		b.WriteString(t.format(ev))
	}
	return b.String(), nil
}

func (t *Tool) edit(ctx context.Context, userID string, slots model.Slots) (string, error) {
	ev, err := t.match(ctx, userID, model.CalendarEdit, slots)
	if err != nil {
		return "", err
	}

	newName := strings.TrimSpace(slots[model.SlotNewName])
	newDate, newClock := slots[model.SlotNewDate], slots[model.SlotNewTime]
	if newName == "" && newDate == "" && newClock == "" {
		return "", tool.Errorf(t.Name(), "tell me what to change (title, date or time)")
	}

	if newName != "" {
		ev.Title = newName
	}
	if newDate != "" || newClock != "" {
		local := ev.StartsAt.In(t.loc)
		if newDate == "" {
			newDate = local.Format(dateLayout)
		}
		if newClock == "" {
			newClock = local.Format(clockLayout)
		}
		start, err := t.at(newDate, newClock)
		if err != nil {
			return "", err
		}
		duration := ev.EndsAt.Sub(ev.StartsAt)
		ev.StartsAt, ev.EndsAt = start, start.Add(duration)
	}

	if err := t.events.UpdateEvent(ctx, ev); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", tool.Errorf(t.Name(), "event not found")
		}
		return "", &tool.Error{Tool: t.Name(), Message: "could not update the event", Err: err}
	}

	t.logger.Info("event updated", zap.String("event_id", ev.ID), zap.String("user_id", userID))
	return "Event updated:\n" + t.format(ev), nil
}

func (t *Tool) delete(ctx context.Context, userID string, slots model.Slots) (string, error) {
	ev, err := t.match(ctx, userID, model.CalendarDelete, slots)
	if err != nil {
		return "", err
	}
	if err := t.events.DeleteEvent(ctx, ev.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", tool.Errorf(t.Name(), "event not found")
		}
		return "", &tool.Error{Tool: t.Name(), Message: "could not delete the event", Err: err}
	}

	t.logger.Info("event deleted", zap.String("event_id", ev.ID), zap.String("user_id", userID))
	return "Event deleted:\n" + t.format(ev), nil
}

// match finds the single event a command refers to by name, date and time.
func (t *Tool) match(ctx context.Context, userID, action string, slots model.Slots) (*model.CalendarEvent, error) {
	name, date, clock := slots[model.SlotName], slots[model.SlotDate], slots[model.SlotTime]
	if strings.TrimSpace(name) == "" && date == "" && clock == "" {
		return nil, tool.Errorf(t.Name(), "tell me which event (name, date or time)")
	}

	from, to, err := t.span(date, slots[model.SlotEndDate])
	if err != nil {
		return nil, err
	}

	events, err := t.events.ListEvents(ctx, userID, from, to)
	if err != nil {
		return nil, &tool.Error{Tool: t.Name(), Message: "could not look up events", Err: err}
	}
	events = t.filter(events, name, clock)

	switch len(events) {
	case 0:
		return nil, tool.Errorf(t.Name(), "no matching event found")
	case 1:
		return events[0], nil
	default:
		candidates := make([]model.CalendarEvent, len(events))
		for i, ev := range events {
			candidates[i] = *ev
		}
		return nil, &tool.AmbiguousError{Action: action, Candidates: candidates}
	}
}

// filter keeps events whose folded title contains name and that start at
// clock. Empty criteria match everything.
func (t *Tool) filter(events []*model.CalendarEvent, name, clock string) []*model.CalendarEvent {
	needle := intent.Fold(strings.TrimSpace(name))
	if needle == "" && clock == "" {
		return events
	}
	out := events[:0:0]
	for _, ev := range events {
		if needle != "" && !strings.Contains(intent.Fold(ev.Title), needle) {
			continue
		}
		if clock != "" && ev.StartsAt.In(t.loc).Format(clockLayout) != clock {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// span returns the half-open interval covering the days date..endDate. Both
// bounds are zero when date is empty.
func (t *Tool) span(date, endDate string) (from, to time.Time, err error) {
	if date == "" {
		return time.Time{}, time.Time{}, nil
	}
	from, err = t.at(date, "00:00")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	last := from
	if endDate != "" {
		if last, err = t.at(endDate, "00:00"); err != nil {
			return time.Time{}, time.Time{}, err
		}
		if last.Before(from) {
			return time.Time{}, time.Time{}, tool.Errorf(t.Name(), "the range ends before it starts")
		}
	}
	return from, last.AddDate(0, 0, 1), nil
}

func (t *Tool) at(date, clock string) (time.Time, error) {
	ts, err := time.ParseInLocation(displayLayout, date+" "+clock, t.loc)
	if err != nil {
		return time.Time{}, &tool.Error{Tool: t.Name(), Message: fmt.Sprintf("invalid date or time %q %q", date, clock), Err: err}
	}
	return ts, nil
}

func (t *Tool) format(ev *model.CalendarEvent) string {
	return Format(ev, t.loc)
}

// Format renders ev as "- id: title (start - end)" in loc.
func Format(ev *model.CalendarEvent, loc *time.Location) string {
	return fmt.Sprintf("- %s: %s (%s - %s)", ev.ID, ev.Title,
		ev.StartsAt.In(loc).Format(displayLayout), ev.EndsAt.In(loc).Format(displayLayout))
}
