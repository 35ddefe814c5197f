package calendar

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/conversation-orchestrator/internal/model"
	"github.com/capitalize-ai/conversation-orchestrator/internal/store"
	"github.com/capitalize-ai/conversation-orchestrator/internal/tool"
	"github.com/capitalize-ai/conversation-orchestrator/pkg/logger"
)

var now = time.Date(2026, time.October, 19, 9, 0, 0, 0, time.UTC)

func newTestTool(t *testing.T) (*Tool, *store.MemoryStore, context.Context) {
	t.Helper()
	events := store.NewMemoryStore()
	cal := New(events, time.UTC,
		WithClock(func() time.Time { return now }),
		WithLogger(logger.NewNop()))
	ctx := tool.WithCaller(context.Background(), tool.Caller{UserID: "u1", ConversationID: "c1"})
	return cal, events, ctx
}

func seed(t *testing.T, events store.EventStore, id, user, title string, start time.Time) {
	t.Helper()
	require.NoError(t, events.CreateEvent(context.Background(), &model.CalendarEvent{
		ID: id, UserID: user, Title: title, StartsAt: start, EndsAt: start.Add(30 * time.Minute), CreatedAt: now,
	}))
}

func TestAdd(t *testing.T) {
	cal, events, ctx := newTestTool(t)

	out, err := cal.Execute(ctx, model.Slots{
		model.SlotAction: model.CalendarAdd,
		model.SlotName:   "Reunión",
		model.SlotDate:   "2027-01-28",
		model.SlotTime:   "10:00",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "Event created:\n- "))
	assert.Contains(t, out, "Reunión (2027-01-28 10:00 - 2027-01-28 11:00)")

	stored, err := events.ListEvents(context.Background(), "u1", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "Reunión", stored[0].Title)
	assert.Equal(t, time.Hour, stored[0].EndsAt.Sub(stored[0].StartsAt))
}

func TestAdd_EndTimeAndDefaults(t *testing.T) {
	cal, _, ctx := newTestTool(t)

	out, err := cal.Execute(ctx, model.Slots{
		model.SlotAction:  model.CalendarAdd,
		model.SlotDate:    "2027-01-28",
		model.SlotTime:    "10:00",
		model.SlotEndTime: "12:30",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Event (2027-01-28 10:00 - 2027-01-28 12:30)")

	// No time means midnight.
	out, err = cal.Execute(ctx, model.Slots{
		model.SlotAction: model.CalendarAdd,
		model.SlotName:   "Cumple",
		model.SlotDate:   "2027-02-01",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Cumple (2027-02-01 00:00 - 2027-02-01 01:00)")
}

func TestAdd_Errors(t *testing.T) {
	cal, _, ctx := newTestTool(t)

	_, err := cal.Execute(ctx, model.Slots{model.SlotAction: model.CalendarAdd, model.SlotName: "x"})
	var te *tool.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, model.ToolCalendar, te.Tool)

	_, err = cal.Execute(ctx, model.Slots{model.SlotAction: model.CalendarAdd, model.SlotDate: "2027-02-30"})
	assert.ErrorAs(t, err, &te)

	_, err = cal.Execute(context.Background(), model.Slots{model.SlotAction: model.CalendarAdd, model.SlotDate: "2027-01-28"})
	assert.ErrorAs(t, err, &te)

	_, err = cal.Execute(ctx, model.Slots{model.SlotAction: "archive"})
	assert.ErrorAs(t, err, &te)
}

func TestList_ByDate(t *testing.T) {
	cal, events, ctx := newTestTool(t)
	seed(t, events, "e2", "u1", "Almuerzo", time.Date(2027, 1, 30, 13, 0, 0, 0, time.UTC))
	seed(t, events, "e1", "u1", "Reunión", time.Date(2027, 1, 30, 10, 0, 0, 0, time.UTC))
	seed(t, events, "e3", "u1", "Otro día", time.Date(2027, 1, 31, 10, 0, 0, 0, time.UTC))
	seed(t, events, "x", "u2", "Ajeno", time.Date(2027, 1, 30, 10, 0, 0, 0, time.UTC))

	out, err := cal.Execute(ctx, model.Slots{model.SlotAction: model.CalendarList, model.SlotDate: "2027-01-30"})
	require.NoError(t, err)
	assert.Equal(t,
		"Events on 2027-01-30:\n"+
			"- e1: Reunión (2027-01-30 10:00 - 2027-01-30 10:30)\n"+
			"- e2: Almuerzo (2027-01-30 13:00 - 2027-01-30 13:30)",
		out)
}

func TestList_Empty(t *testing.T) {
	cal, _, ctx := newTestTool(t)

	out, err := cal.Execute(ctx, model.Slots{model.SlotAction: model.CalendarList, model.SlotDate: "2027-01-30"})
	require.NoError(t, err)
	assert.Equal(t, "No events found on 2027-01-30.", out)

	out, err = cal.Execute(ctx, model.Slots{model.SlotAction: model.CalendarList})
	require.NoError(t, err)
	assert.Equal(t, "No upcoming events.", out)
}

func TestList_Range(t *testing.T) {
	cal, events, ctx := newTestTool(t)
	seed(t, events, "e1", "u1", "Kickoff", time.Date(2027, 2, 1, 9, 0, 0, 0, time.UTC))
	seed(t, events, "e2", "u1", "Review", time.Date(2027, 2, 3, 9, 0, 0, 0, time.UTC))
	seed(t, events, "e3", "u1", "Retro", time.Date(2027, 2, 4, 0, 0, 0, 0, time.UTC))

	out, err := cal.Execute(ctx, model.Slots{
		model.SlotAction:  model.CalendarList,
		model.SlotDate:    "2027-02-01",
		model.SlotEndDate: "2027-02-03",
	})
	require.NoError(t, err)
	assert.Equal(t,
		"Events from 2027-02-01 to 2027-02-03:\n"+
			"- e1: Kickoff (2027-02-01 09:00 - 2027-02-01 09:30)\n"+
			"- e2: Review (2027-02-03 09:00 - 2027-02-03 09:30)",
		out)

	out, err = cal.Execute(ctx, model.Slots{
		model.SlotAction:  model.CalendarList,
		model.SlotDate:    "2027-03-01",
		model.SlotEndDate: "2027-03-05",
	})
	require.NoError(t, err)
	assert.Equal(t, "No events found from 2027-03-01 to 2027-03-05.", out)

	_, err = cal.Execute(ctx, model.Slots{
		model.SlotAction:  model.CalendarList,
		model.SlotDate:    "2027-02-03",
		model.SlotEndDate: "2027-02-01",
	})
	var te *tool.Error
	assert.ErrorAs(t, err, &te)
}

func TestDelete_RangeNeverDeletesSeveral(t *testing.T) {
	cal, events, ctx := newTestTool(t)
	seed(t, events, "e1", "u1", "Kickoff", time.Date(2027, 2, 1, 9, 0, 0, 0, time.UTC))
	seed(t, events, "e2", "u1", "Review", time.Date(2027, 2, 3, 9, 0, 0, 0, time.UTC))

	_, err := cal.Execute(ctx, model.Slots{
		model.SlotAction:  model.CalendarDelete,
		model.SlotDate:    "2027-02-01",
		model.SlotEndDate: "2027-02-03",
	})
	var ambiguous *tool.AmbiguousError
	require.ErrorAs(t, err, &ambiguous)
	assert.Len(t, ambiguous.Candidates, 2)

	stored, err := events.ListEvents(context.Background(), "u1", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	// Narrowed by name, the single match inside the range is deleted.
	out, err := cal.Execute(ctx, model.Slots{
		model.SlotAction:  model.CalendarDelete,
		model.SlotName:    "kickoff",
		model.SlotDate:    "2027-02-01",
		model.SlotEndDate: "2027-02-03",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "e1: Kickoff")
}

func TestList_Upcoming(t *testing.T) {
	cal, events, ctx := newTestTool(t)
	seed(t, events, "past", "u1", "Ayer", now.Add(-24*time.Hour))
	seed(t, events, "soon", "u1", "Pronto", now.Add(time.Hour))

	out, err := cal.Execute(ctx, model.Slots{model.SlotAction: model.CalendarList})
	require.NoError(t, err)
	assert.Contains(t, out, "Upcoming events:")
	assert.Contains(t, out, "soon: Pronto")
	assert.NotContains(t, out, "Ayer")
}

func TestEdit(t *testing.T) {
	cal, events, ctx := newTestTool(t)
	start := time.Date(2027, 1, 28, 10, 0, 0, 0, time.UTC)
	seed(t, events, "e1", "u1", "Reunión", start)

	t.Run("moves time and keeps duration", func(t *testing.T) {
		out, err := cal.Execute(ctx, model.Slots{
			model.SlotAction:  model.CalendarEdit,
			model.SlotName:    "reunion",
			model.SlotNewTime: "15:00",
		})
		require.NoError(t, err)
		assert.Equal(t, "Event updated:\n- e1: Reunión (2027-01-28 15:00 - 2027-01-28 15:30)", out)
	})

	t.Run("moves date and keeps time", func(t *testing.T) {
		_, err := cal.Execute(ctx, model.Slots{
			model.SlotAction:  model.CalendarEdit,
			model.SlotName:    "Reunión",
			model.SlotNewDate: "2027-02-02",
		})
		require.NoError(t, err)

		ev, err := events.GetEvent(context.Background(), "e1")
		require.NoError(t, err)
		assert.True(t, ev.StartsAt.Equal(time.Date(2027, 2, 2, 15, 0, 0, 0, time.UTC)))
		assert.Equal(t, 30*time.Minute, ev.EndsAt.Sub(ev.StartsAt))
	})

	t.Run("renames", func(t *testing.T) {
		_, err := cal.Execute(ctx, model.Slots{
			model.SlotAction:  model.CalendarEdit,
			model.SlotName:    "Reunión",
			model.SlotNewName: "Revisión",
		})
		require.NoError(t, err)

		ev, err := events.GetEvent(context.Background(), "e1")
		require.NoError(t, err)
		assert.Equal(t, "Revisión", ev.Title)
	})

	t.Run("nothing to change", func(t *testing.T) {
		_, err := cal.Execute(ctx, model.Slots{model.SlotAction: model.CalendarEdit, model.SlotName: "Revisión"})
		var te *tool.Error
		assert.ErrorAs(t, err, &te)
	})
}

func TestDelete(t *testing.T) {
	cal, events, ctx := newTestTool(t)
	seed(t, events, "e1", "u1", "Dentista", time.Date(2027, 1, 28, 10, 0, 0, 0, time.UTC))

	out, err := cal.Execute(ctx, model.Slots{
		model.SlotAction: model.CalendarDelete,
		model.SlotName:   "dentista",
		model.SlotDate:   "2027-01-28",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "Event deleted:\n- e1: Dentista"))

	_, err = events.GetEvent(context.Background(), "e1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMatch_NoneAndAmbiguous(t *testing.T) {
	cal, events, ctx := newTestTool(t)
	seed(t, events, "e1", "u1", "Reunión equipo", time.Date(2027, 1, 28, 10, 0, 0, 0, time.UTC))
	seed(t, events, "e2", "u1", "Reunión cliente", time.Date(2027, 1, 28, 16, 0, 0, 0, time.UTC))

	_, err := cal.Execute(ctx, model.Slots{model.SlotAction: model.CalendarDelete, model.SlotName: "Yoga"})
	var te *tool.Error
	require.ErrorAs(t, err, &te)
	assert.Contains(t, te.Message, "no matching event")

	_, err = cal.Execute(ctx, model.Slots{model.SlotAction: model.CalendarDelete, model.SlotName: "Reunión"})
	var amb *tool.AmbiguousError
	require.ErrorAs(t, err, &amb)
	assert.Equal(t, model.CalendarDelete, amb.Action)
	assert.Len(t, amb.Candidates, 2)

	// The time narrows it down to one.
	_, err = cal.Execute(ctx, model.Slots{
		model.SlotAction: model.CalendarDelete,
		model.SlotName:   "Reunión",
		model.SlotTime:   "16:00",
	})
	require.NoError(t, err)

	_, err = cal.Execute(ctx, model.Slots{model.SlotAction: model.CalendarDelete})
	assert.ErrorAs(t, err, &te)
}

func TestLocation(t *testing.T) {
	madrid := time.FixedZone("CET", 3600)
	events := store.NewMemoryStore()
	cal := New(events, madrid, WithLogger(logger.NewNop()), WithDefaultDuration(2*time.Hour))
	ctx := tool.WithCaller(context.Background(), tool.Caller{UserID: "u1"})

	out, err := cal.Execute(ctx, model.Slots{
		model.SlotAction: model.CalendarAdd,
		model.SlotDate:   "2027-01-28",
		model.SlotTime:   "10:00",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "(2027-01-28 10:00 - 2027-01-28 12:00)")

	stored, err := events.ListEvents(context.Background(), "u1", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 9, stored[0].StartsAt.UTC().Hour())
}
