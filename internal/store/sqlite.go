package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/capitalize-ai/conversation-orchestrator/internal/model"
	"github.com/capitalize-ai/conversation-orchestrator/pkg/logger"
)

// timeFormat is fixed width and always UTC, so text order is time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store on SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewSQLiteStore opens (or creates) the database at path and ensures the
// schema exists. Parent directories are created as needed. The special
// path ":memory:" opens a private in-memory database.
func NewSQLiteStore(path string, log *logger.Logger) (*SQLiteStore, error) {
	if log == nil {
		log = logger.Global()
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite has a single writer, and every new ":memory:" connection would
	// get its own empty database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, logger: log.Named("store")}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s.logger.Info("SQLite store initialized", zap.String("path", path))
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			metadata_json TEXT,
			deleted INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_user
			ON conversations(user_id, updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_json TEXT,
			model TEXT,
			tokens_in INTEGER,
			tokens_out INTEGER,
			latency_ms INTEGER,
			stop_reason TEXT,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, seq);

		CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			filename TEXT NOT NULL,
			content TEXT NOT NULL,
			uploaded_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_documents_conversation
			ON documents(conversation_id);

		CREATE TABLE IF NOT EXISTS calendar_events (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL,
			starts_at TEXT NOT NULL,
			ends_at TEXT NOT NULL,
			metadata_json TEXT,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_calendar_events_user_start
			ON calendar_events(user_id, starts_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(timeFormat, v)
}

func marshalJSON(v any) (any, error) {
	switch x := v.(type) {
	case map[string]string:
		if len(x) == 0 {
			return nil, nil
		}
	case *model.ToolInvocation:
		if x == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	meta, err := marshalJSON(conv.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, title, metadata_json, deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)`,
		conv.ID, conv.UserID, conv.Title, meta, formatTime(conv.CreatedAt), formatTime(conv.UpdatedAt))
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

const conversationColumns = `
	c.id, c.user_id, c.title, c.metadata_json, c.created_at, c.updated_at,
	(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*model.Conversation, error) {
	var (
		conv                 model.Conversation
		meta                 sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&conv.ID, &conv.UserID, &conv.Title, &meta, &createdAt, &updatedAt, &conv.MessageCount); err != nil {
		return nil, err
	}
	var err error
	if conv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if conv.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if meta.Valid {
		if err := json.Unmarshal([]byte(meta.String), &conv.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	return &conv, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations c WHERE c.id = ? AND c.deleted = 0`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, userID string, limit, offset int) ([]*model.Conversation, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE user_id = ? AND deleted = 0`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting conversations: %w", err)
	}

	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations c
		WHERE c.user_id = ? AND c.deleted = 0
		ORDER BY c.updated_at DESC, c.id DESC
		LIMIT ? OFFSET ?`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var out []*model.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning conversation row: %w", err)
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating conversations: %w", err)
	}
	return out, total, nil
}

func (s *SQLiteStore) UpdateConversation(ctx context.Context, conv *model.Conversation) error {
	meta, err := marshalJSON(conv.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET title = ?, metadata_json = ?, updated_at = ?
		WHERE id = ? AND deleted = 0`,
		conv.Title, meta, formatTime(conv.UpdatedAt), conv.ID)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET deleted = 1, updated_at = ? WHERE id = ? AND deleted = 0`,
		formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage inserts msg inside a transaction so the timestamp check and
// the insert are atomic per database.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *model.Message) error {
	tool, err := marshalJSON(msg.ToolInvocation)
	if err != nil {
		return fmt.Errorf("encoding tool invocation: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var last time.Time
	var lastStr sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT created_at FROM messages WHERE conversation_id = ? ORDER BY seq DESC LIMIT 1`,
		msg.ConversationID).Scan(&lastStr)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("querying last message: %w", err)
	case lastStr.Valid:
		if last, err = parseTime(lastStr.String); err != nil {
			return fmt.Errorf("parsing last created_at: %w", err)
		}
	}
	createdAt := NextTimestamp(last, msg.CreatedAt.UTC())

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, tool_json, model,
			tokens_in, tokens_out, latency_ms, stop_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content, tool,
		msg.Model, msg.TokensIn, msg.TokensOut, msg.LatencyMs, msg.StopReason,
		formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading message sequence: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		formatTime(createdAt), msg.ConversationID); err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}

	msg.CreatedAt = createdAt
	msg.Sequence = uint64(seq)
	s.logger.Debug("saved message",
		zap.String("id", msg.ID),
		zap.String("conversation_id", msg.ConversationID),
		zap.String("role", string(msg.Role)))
	return nil
}

func (s *SQLiteStore) GetHistory(ctx context.Context, conversationID string, limit int) ([]*model.Message, error) {
	const columns = `seq, id, conversation_id, role, content, tool_json, model,
		tokens_in, tokens_out, latency_ms, stop_reason, created_at`

	var (
		query string
		args  []any
	)
	if limit > 0 {
		query = `
			SELECT ` + columns + ` FROM (
				SELECT ` + columns + ` FROM messages
				WHERE conversation_id = ?
				ORDER BY seq DESC
				LIMIT ?
			)
			ORDER BY seq ASC`
		args = []any{conversationID, limit}
	} else {
		query = `SELECT ` + columns + ` FROM messages WHERE conversation_id = ? ORDER BY seq ASC`
		args = []any{conversationID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		var (
			msg       model.Message
			role      string
			tool      sql.NullString
			modelName sql.NullString
			stop      sql.NullString
			tokensIn  sql.NullInt64
			tokensOut sql.NullInt64
			latency   sql.NullInt64
			createdAt string
			seq       int64
		)
		if err := rows.Scan(&seq, &msg.ID, &msg.ConversationID, &role, &msg.Content, &tool,
			&modelName, &tokensIn, &tokensOut, &latency, &stop, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msg.Sequence = uint64(seq)
		msg.Role = model.Role(role)
		if msg.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if tool.Valid {
			msg.ToolInvocation = &model.ToolInvocation{}
			if err := json.Unmarshal([]byte(tool.String), msg.ToolInvocation); err != nil {
				return nil, fmt.Errorf("decoding tool invocation: %w", err)
			}
		}
		if modelName.Valid {
			msg.Model = &modelName.String
		}
		if stop.Valid {
			msg.StopReason = &stop.String
		}
		if tokensIn.Valid {
			v := int(tokensIn.Int64)
			msg.TokensIn = &v
		}
		if tokensOut.Valid {
			v := int(tokensOut.Int64)
			msg.TokensOut = &v
		}
		if latency.Valid {
			msg.LatencyMs = &latency.Int64
		}
		out = append(out, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) AddDocument(ctx context.Context, doc *model.Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, user_id, conversation_id, filename, content, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.UserID, doc.ConversationID, doc.Filename, doc.Content, formatTime(doc.UploadedAt))
	if err != nil {
		return fmt.Errorf("inserting document: %w", err)
	}
	return nil
}

func scanDocument(row rowScanner) (*model.Document, error) {
	var (
		doc        model.Document
		uploadedAt string
	)
	if err := row.Scan(&doc.ID, &doc.UserID, &doc.ConversationID, &doc.Filename, &doc.Content, &uploadedAt); err != nil {
		return nil, err
	}
	var err error
	if doc.UploadedAt, err = parseTime(uploadedAt); err != nil {
		return nil, fmt.Errorf("parsing uploaded_at: %w", err)
	}
	return &doc, nil
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, conversation_id, filename, content, uploaded_at
		FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying document: %w", err)
	}
	return doc, nil
}

func (s *SQLiteStore) ListDocuments(ctx context.Context, conversationID string) ([]*model.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, conversation_id, filename, content, uploaded_at
		FROM documents WHERE conversation_id = ?
		ORDER BY uploaded_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	var out []*model.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning document row: %w", err)
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLiteStore) CreateEvent(ctx context.Context, ev *model.CalendarEvent) error {
	meta, err := marshalJSON(ev.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO calendar_events (id, user_id, title, starts_at, ends_at, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.UserID, ev.Title, formatTime(ev.StartsAt), formatTime(ev.EndsAt), meta, formatTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

func scanEvent(row rowScanner) (*model.CalendarEvent, error) {
	var (
		ev                          model.CalendarEvent
		meta                        sql.NullString
		startsAt, endsAt, createdAt string
	)
	if err := row.Scan(&ev.ID, &ev.UserID, &ev.Title, &startsAt, &endsAt, &meta, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if ev.StartsAt, err = parseTime(startsAt); err != nil {
		return nil, fmt.Errorf("parsing starts_at: %w", err)
	}
	if ev.EndsAt, err = parseTime(endsAt); err != nil {
		return nil, fmt.Errorf("parsing ends_at: %w", err)
	}
	if ev.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if meta.Valid {
		if err := json.Unmarshal([]byte(meta.String), &ev.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	return &ev, nil
}

const eventColumns = `id, user_id, title, starts_at, ends_at, metadata_json, created_at`

func (s *SQLiteStore) GetEvent(ctx context.Context, id string) (*model.CalendarEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM calendar_events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying event: %w", err)
	}
	return ev, nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, userID string, from, to time.Time) ([]*model.CalendarEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM calendar_events WHERE user_id = ?`
	args := []any{userID}
	if !from.IsZero() {
		query += ` AND starts_at >= ?`
		args = append(args, formatTime(from))
	}
	if !to.IsZero() {
		query += ` AND starts_at < ?`
		args = append(args, formatTime(to))
	}
	query += ` ORDER BY starts_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []*model.CalendarEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateEvent(ctx context.Context, ev *model.CalendarEvent) error {
	meta, err := marshalJSON(ev.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE calendar_events SET title = ?, starts_at = ?, ends_at = ?, metadata_json = ?
		WHERE id = ?`,
		ev.Title, formatTime(ev.StartsAt), formatTime(ev.EndsAt), meta, ev.ID)
	if err != nil {
		return fmt.Errorf("updating event: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLiteStore) DeleteEvent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM calendar_events WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting event: %w", err)
	}
	return requireAffected(res)
}
