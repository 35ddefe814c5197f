package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/conversation-orchestrator/internal/model"
	"github.com/capitalize-ai/conversation-orchestrator/pkg/logger"
)

// backends runs fn against every Store implementation.
func backends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), logger.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

var base = time.Date(2027, time.January, 28, 10, 0, 0, 0, time.UTC)

func newConversation(id, user string, at time.Time) *model.Conversation {
	return &model.Conversation{ID: id, UserID: user, Title: "title " + id, CreatedAt: at, UpdatedAt: at}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "test.db")

	s, err := NewSQLiteStore(path, logger.NewNop())
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestNewSQLiteStore_InMemory(t *testing.T) {
	s, err := NewSQLiteStore(":memory:", logger.NewNop())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.CreateConversation(ctx, newConversation("c1", "u1", base)))
	_, err = s.GetConversation(ctx, "c1")
	assert.NoError(t, err)
}

func TestHistory_RoundTripPreservesOrder(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateConversation(ctx, newConversation("c1", "u1", base)))

		user := &model.Message{ID: "m1", ConversationID: "c1", Role: model.RoleUser, Content: "Hola", CreatedAt: base}
		assistant := &model.Message{ID: "m2", ConversationID: "c1", Role: model.RoleAssistant, Content: "¡Hola! ¿En qué te ayudo?", CreatedAt: base.Add(time.Second)}
		require.NoError(t, s.AppendMessage(ctx, user))
		require.NoError(t, s.AppendMessage(ctx, assistant))

		history, err := s.GetHistory(ctx, "c1", 0)
		require.NoError(t, err)
		require.Len(t, history, 2)

		assert.Equal(t, "m1", history[0].ID)
		assert.Equal(t, model.RoleUser, history[0].Role)
		assert.Equal(t, "Hola", history[0].Content)
		assert.Equal(t, "m2", history[1].ID)
		assert.Equal(t, model.RoleAssistant, history[1].Role)
		assert.Equal(t, "¡Hola! ¿En qué te ayudo?", history[1].Content)
		assert.True(t, history[0].CreatedAt.Equal(base))
		assert.Less(t, history[0].Sequence, history[1].Sequence)
	})
}

func TestHistory_TimestampsStrictlyIncrease(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		// Same timestamp and one going backwards.
		stamps := []time.Time{base, base, base.Add(-time.Hour), base.Add(time.Minute)}
		for i, ts := range stamps {
			msg := &model.Message{ID: fmt.Sprintf("m%d", i), ConversationID: "c1", Role: model.RoleUser, Content: "x", CreatedAt: ts}
			require.NoError(t, s.AppendMessage(ctx, msg))
		}

		history, err := s.GetHistory(ctx, "c1", 0)
		require.NoError(t, err)
		require.Len(t, history, len(stamps))
		for i := 1; i < len(history); i++ {
			assert.True(t, history[i].CreatedAt.After(history[i-1].CreatedAt),
				"message %d must be after message %d", i, i-1)
			assert.Equal(t, fmt.Sprintf("m%d", i), history[i].ID)
		}
	})
}

func TestHistory_Limit(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			require.NoError(t, s.AppendMessage(ctx, &model.Message{
				ID: fmt.Sprintf("m%d", i), ConversationID: "c1", Role: model.RoleUser,
				Content: fmt.Sprintf("msg %d", i), CreatedAt: base.Add(time.Duration(i) * time.Second),
			}))
		}
		require.NoError(t, s.AppendMessage(ctx, &model.Message{ID: "other", ConversationID: "c2", Role: model.RoleUser, Content: "x", CreatedAt: base}))

		history, err := s.GetHistory(ctx, "c1", 2)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, "m3", history[0].ID)
		assert.Equal(t, "m4", history[1].ID)

		empty, err := s.GetHistory(ctx, "missing", 10)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestHistory_ToolInvocationAndMetadata(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		modelName := "claude-3"
		tokensOut := 42
		latency := int64(1500)
		msg := &model.Message{
			ID: "m1", ConversationID: "c1", Role: model.RoleAssistant, Content: "Event created",
			ToolInvocation: &model.ToolInvocation{
				ID: "t1", Tool: "calendar",
				Slots:  model.Slots{model.SlotAction: model.CalendarAdd, model.SlotName: "Reunión"},
				Result: "Event created",
			},
			Model: &modelName, TokensOut: &tokensOut, LatencyMs: &latency,
			CreatedAt: base,
		}
		require.NoError(t, s.AppendMessage(ctx, msg))

		history, err := s.GetHistory(ctx, "c1", 0)
		require.NoError(t, err)
		require.Len(t, history, 1)
		got := history[0]
		require.NotNil(t, got.ToolInvocation)
		assert.Equal(t, "calendar", got.ToolInvocation.Tool)
		assert.Equal(t, "Reunión", got.ToolInvocation.Slots[model.SlotName])
		require.NotNil(t, got.Model)
		assert.Equal(t, "claude-3", *got.Model)
		require.NotNil(t, got.TokensOut)
		assert.Equal(t, 42, *got.TokensOut)
		assert.Nil(t, got.TokensIn)
		require.NotNil(t, got.LatencyMs)
		assert.EqualValues(t, 1500, *got.LatencyMs)
	})
}

func TestHistory_ConcurrentAppendsStayOrdered(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := s.AppendMessage(ctx, &model.Message{
					ID: fmt.Sprintf("m%02d", i), ConversationID: "c1", Role: model.RoleUser, Content: "x", CreatedAt: base,
				})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		history, err := s.GetHistory(ctx, "c1", 0)
		require.NoError(t, err)
		require.Len(t, history, 20)
		for i := 1; i < len(history); i++ {
			assert.True(t, history[i].CreatedAt.After(history[i-1].CreatedAt))
		}
	})
}

func TestConversations_CRUD(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		conv := newConversation("c1", "u1", base)
		conv.Metadata = map[string]string{"source": "web"}
		require.NoError(t, s.CreateConversation(ctx, conv))

		got, err := s.GetConversation(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "u1", got.UserID)
		assert.Equal(t, "title c1", got.Title)
		assert.Equal(t, "web", got.Metadata["source"])
		assert.True(t, got.CreatedAt.Equal(base))

		got.Title = "renamed"
		got.UpdatedAt = base.Add(time.Hour)
		require.NoError(t, s.UpdateConversation(ctx, got))

		got, err = s.GetConversation(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "renamed", got.Title)

		require.NoError(t, s.DeleteConversation(ctx, "c1"))
		_, err = s.GetConversation(ctx, "c1")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.DeleteConversation(ctx, "c1"), ErrNotFound)
		assert.ErrorIs(t, s.UpdateConversation(ctx, got), ErrNotFound)

		_, err = s.GetConversation(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestConversations_ListByUser(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateConversation(ctx, newConversation("a", "u1", base)))
		require.NoError(t, s.CreateConversation(ctx, newConversation("b", "u1", base.Add(time.Minute))))
		require.NoError(t, s.CreateConversation(ctx, newConversation("c", "u1", base.Add(2*time.Minute))))
		require.NoError(t, s.CreateConversation(ctx, newConversation("x", "u2", base)))
		require.NoError(t, s.DeleteConversation(ctx, "c"))

		// A new message makes "a" the most recently updated.
		require.NoError(t, s.AppendMessage(ctx, &model.Message{ID: "m1", ConversationID: "a", Role: model.RoleUser, Content: "hi", CreatedAt: base.Add(time.Hour)}))

		convs, total, err := s.ListConversations(ctx, "u1", 10, 0)
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		require.Len(t, convs, 2)
		assert.Equal(t, "a", convs[0].ID)
		assert.Equal(t, 1, convs[0].MessageCount)
		assert.Equal(t, "b", convs[1].ID)

		paged, total, err := s.ListConversations(ctx, "u1", 1, 1)
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		require.Len(t, paged, 1)
		assert.Equal(t, "b", paged[0].ID)
	})
}

func TestDocuments(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.AddDocument(ctx, &model.Document{ID: "d1", UserID: "u1", ConversationID: "c1", Filename: "a.pdf", Content: "uno", UploadedAt: base}))
		require.NoError(t, s.AddDocument(ctx, &model.Document{ID: "d2", UserID: "u1", ConversationID: "c1", Filename: "b.pdf", Content: "dos", UploadedAt: base.Add(time.Second)}))
		require.NoError(t, s.AddDocument(ctx, &model.Document{ID: "d3", UserID: "u1", ConversationID: "c2", Filename: "c.pdf", Content: "tres", UploadedAt: base}))

		doc, err := s.GetDocument(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, "uno", doc.Content)

		docs, err := s.ListDocuments(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, "d1", docs[0].ID)
		assert.Equal(t, "d2", docs[1].ID)

		require.NoError(t, s.DeleteDocument(ctx, "d1"))
		_, err = s.GetDocument(ctx, "d1")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.DeleteDocument(ctx, "d1"), ErrNotFound)
	})
}

func TestEvents(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		mk := func(id, user string, start time.Time) *model.CalendarEvent {
			return &model.CalendarEvent{ID: id, UserID: user, Title: "ev " + id, StartsAt: start, EndsAt: start.Add(time.Hour), CreatedAt: base}
		}
		require.NoError(t, s.CreateEvent(ctx, mk("e2", "u1", base.Add(2*time.Hour))))
		require.NoError(t, s.CreateEvent(ctx, mk("e1", "u1", base)))
		require.NoError(t, s.CreateEvent(ctx, mk("e3", "u1", base.Add(24*time.Hour))))
		require.NoError(t, s.CreateEvent(ctx, mk("other", "u2", base)))

		all, err := s.ListEvents(ctx, "u1", time.Time{}, time.Time{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "e1", all[0].ID)
		assert.Equal(t, "e2", all[1].ID)
		assert.Equal(t, "e3", all[2].ID)

		day := time.Date(2027, time.January, 28, 0, 0, 0, 0, time.UTC)
		sameDay, err := s.ListEvents(ctx, "u1", day, day.AddDate(0, 0, 1))
		require.NoError(t, err)
		require.Len(t, sameDay, 2)

		ev, err := s.GetEvent(ctx, "e1")
		require.NoError(t, err)
		ev.Title = "moved"
		ev.StartsAt = base.Add(48 * time.Hour)
		require.NoError(t, s.UpdateEvent(ctx, ev))

		got, err := s.GetEvent(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, "moved", got.Title)
		assert.True(t, got.StartsAt.Equal(base.Add(48*time.Hour)))

		require.NoError(t, s.DeleteEvent(ctx, "e1"))
		_, err = s.GetEvent(ctx, "e1")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.UpdateEvent(ctx, ev), ErrNotFound)
		assert.ErrorIs(t, s.DeleteEvent(ctx, "e1"), ErrNotFound)
	})
}

type recordingMessages struct {
	appended []*model.Message
}

func (r *recordingMessages) AppendMessage(_ context.Context, msg *model.Message) error {
	r.appended = append(r.appended, msg)
	return nil
}

func (r *recordingMessages) GetHistory(context.Context, string, int) ([]*model.Message, error) {
	return r.appended, nil
}

func TestWithMessages(t *testing.T) {
	mem := NewMemoryStore()
	msgs := &recordingMessages{}
	s := WithMessages(mem, msgs)

	ctx := context.Background()
	require.NoError(t, s.AppendMessage(ctx, &model.Message{ID: "m1", ConversationID: "c1"}))
	assert.Len(t, msgs.appended, 1)

	own, err := mem.GetHistory(ctx, "c1", 0)
	require.NoError(t, err)
	assert.Empty(t, own)

	assert.Same(t, Store(mem), WithMessages(mem, nil))
}
