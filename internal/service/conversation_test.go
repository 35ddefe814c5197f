package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/conversation-orchestrator/internal/conversation"
	"github.com/capitalize-ai/conversation-orchestrator/internal/model"
	"github.com/capitalize-ai/conversation-orchestrator/internal/notify"
	"github.com/capitalize-ai/conversation-orchestrator/internal/store"
	"github.com/capitalize-ai/conversation-orchestrator/pkg/logger"
)

func newConversationService(t *testing.T) (*ConversationService, *store.MemoryStore, *conversation.Manager) {
	t.Helper()
	st := store.NewMemoryStore()
	notifier := notify.New(logger.NewNop())
	t.Cleanup(notifier.Close)
	manager := conversation.NewManager(notifier, logger.NewNop())
	return NewConversationService(st, manager, logger.NewNop()), st, manager
}

func TestConversationService_CreateAndGet(t *testing.T) {
	svc, _, _ := newConversationService(t)
	ctx := context.Background()

	conv, err := svc.Create(ctx, "u1", &model.CreateConversationRequest{Title: "  Plan  ", Metadata: map[string]string{"k": "v"}})
	require.NoError(t, err)
	assert.Equal(t, "Plan", conv.Title)
	assert.Equal(t, "u1", conv.UserID)

	untitled, err := svc.Create(ctx, "u1", &model.CreateConversationRequest{})
	require.NoError(t, err)
	assert.Equal(t, "New conversation", untitled.Title)

	active, ok := svc.Active("u1")
	require.True(t, ok)
	assert.Equal(t, untitled.ID, active)

	got, err := svc.Get(ctx, "u1", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "v", got.Metadata["k"])

	_, err = svc.Get(ctx, "u2", conv.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConversationService_Detail(t *testing.T) {
	svc, st, _ := newConversationService(t)
	ctx := context.Background()

	conv, err := svc.Create(ctx, "u1", &model.CreateConversationRequest{})
	require.NoError(t, err)
	for _, role := range []model.Role{model.RoleUser, model.RoleAssistant} {
		require.NoError(t, st.AppendMessage(ctx, &model.Message{
			ID: string(role), ConversationID: conv.ID, Role: role, Content: "x", CreatedAt: time.Now(),
		}))
	}

	detail, err := svc.Detail(ctx, "u1", conv.ID)
	require.NoError(t, err)
	require.Len(t, detail.Messages, 2)
	assert.Equal(t, model.RoleUser, detail.Messages[0].Role)
	assert.Equal(t, 2, detail.MessageCount)
	assert.Equal(t, string(conversation.StatusIdle), detail.Status)
}

func TestConversationService_ListPaging(t *testing.T) {
	svc, _, _ := newConversationService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Create(ctx, "u1", &model.CreateConversationRequest{})
		require.NoError(t, err)
	}
	_, err := svc.Create(ctx, "u2", &model.CreateConversationRequest{})
	require.NoError(t, err)

	resp, err := svc.List(ctx, "u1", 2, 0)
	require.NoError(t, err)
	assert.Len(t, resp.Conversations, 2)
	assert.Equal(t, 3, resp.Total)
	assert.True(t, resp.HasMore)

	resp, err = svc.List(ctx, "u1", 2, 2)
	require.NoError(t, err)
	assert.Len(t, resp.Conversations, 1)
	assert.False(t, resp.HasMore)

	limit, offset := clampPage(0, -1)
	assert.Equal(t, defaultPageSize, limit)
	assert.Zero(t, offset)
	limit, _ = clampPage(1000, 0)
	assert.Equal(t, maxPageSize, limit)
}

func TestConversationService_UpdateAndDelete(t *testing.T) {
	svc, _, manager := newConversationService(t)
	ctx := context.Background()

	conv, err := svc.Create(ctx, "u1", &model.CreateConversationRequest{Title: "old"})
	require.NoError(t, err)

	updated, err := svc.Update(ctx, "u1", conv.ID, &model.UpdateConversationRequest{Title: "new"})
	require.NoError(t, err)
	assert.Equal(t, "new", updated.Title)

	_, err = svc.Update(ctx, "u2", conv.ID, &model.UpdateConversationRequest{Title: "hijack"})
	assert.ErrorIs(t, err, ErrNotFound)

	require.ErrorIs(t, svc.Delete(ctx, "u2", conv.ID), ErrNotFound)
	require.NoError(t, svc.Delete(ctx, "u1", conv.ID))

	_, err = svc.Get(ctx, "u1", conv.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, ok := manager.Active("u1")
	assert.False(t, ok)
	assert.ErrorIs(t, svc.Delete(ctx, "u1", conv.ID), ErrNotFound)
}

func TestConversationService_Status(t *testing.T) {
	svc, _, manager := newConversationService(t)
	ctx := context.Background()

	conv, err := svc.Create(ctx, "u1", &model.CreateConversationRequest{})
	require.NoError(t, err)

	adm, err := manager.Begin(conv.ID)
	require.NoError(t, err)
	status, err := svc.Status(ctx, "u1", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusRunning, status)

	require.NoError(t, manager.Complete(adm, &model.Outcome{Status: model.OutcomeCompleted}))
	status, err = svc.Status(ctx, "u1", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusIdle, status)

	_, err = svc.Status(ctx, "u2", conv.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDocumentService(t *testing.T) {
	svc, st, _ := newConversationService(t)
	docs := NewDocumentService(st, logger.NewNop())
	ctx := context.Background()

	conv, err := svc.Create(ctx, "u1", &model.CreateConversationRequest{})
	require.NoError(t, err)

	doc, err := docs.Create(ctx, "u1", conv.ID, &model.CreateDocumentRequest{Filename: "../notes/plan.txt", Content: "hola mundo"})
	require.NoError(t, err)
	assert.Equal(t, "plan.txt", doc.Filename)

	list, err := docs.List(ctx, "u1", conv.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Empty(t, list[0].Content)

	got, err := docs.Get(ctx, "u1", doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "hola mundo", got.Content)

	_, err = docs.Get(ctx, "u2", doc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = docs.List(ctx, "u2", conv.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = docs.Create(ctx, "u1", conv.ID, &model.CreateDocumentRequest{Filename: "a.txt"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = docs.Create(ctx, "u1", conv.ID, &model.CreateDocumentRequest{Content: "x"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = docs.Create(ctx, "u1", conv.ID, &model.CreateDocumentRequest{Filename: "big.txt", Content: strings.Repeat("a", MaxDocumentSize+1)})
	assert.ErrorIs(t, err, ErrInvalidInput)

	require.ErrorIs(t, docs.Delete(ctx, "u2", doc.ID), ErrNotFound)
	require.NoError(t, docs.Delete(ctx, "u1", doc.ID))
	_, err = docs.Get(ctx, "u1", doc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEventService(t *testing.T) {
	st := store.NewMemoryStore()
	events := NewEventService(st, logger.NewNop())
	ctx := context.Background()
	start := time.Date(2027, 1, 28, 10, 0, 0, 0, time.UTC)

	ev, err := events.Create(ctx, "u1", &model.CreateCalendarEventRequest{StartsAt: start})
	require.NoError(t, err)
	assert.Equal(t, "Event", ev.Title)
	assert.Equal(t, time.Hour, ev.EndsAt.Sub(ev.StartsAt))

	_, err = events.Create(ctx, "u1", &model.CreateCalendarEventRequest{Title: "x"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = events.Create(ctx, "u1", &model.CreateCalendarEventRequest{StartsAt: start, EndsAt: start})
	assert.ErrorIs(t, err, ErrInvalidInput)

	list, err := events.List(ctx, "u1", start.Add(-time.Hour), start.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, list, 1)
	_, err = events.List(ctx, "u1", start, start)
	assert.ErrorIs(t, err, ErrInvalidInput)

	title := "Demo"
	moved := start.Add(24 * time.Hour)
	updated, err := events.Update(ctx, "u1", ev.ID, &model.UpdateCalendarEventRequest{Title: &title, StartsAt: &moved})
	require.NoError(t, err)
	assert.Equal(t, "Demo", updated.Title)
	assert.True(t, updated.EndsAt.Equal(moved.Add(time.Hour)))

	earlier := moved.Add(-time.Hour)
	_, err = events.Update(ctx, "u1", ev.ID, &model.UpdateCalendarEventRequest{EndsAt: &earlier})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = events.Get(ctx, "u2", ev.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, events.Delete(ctx, "u2", ev.ID), ErrNotFound)
	require.NoError(t, events.Delete(ctx, "u1", ev.ID))
	_, err = events.Get(ctx, "u1", ev.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
