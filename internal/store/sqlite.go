package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/convoai/convoai/internal/auth"
	"github.com/convoai/convoai/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id            TEXT PRIMARY KEY,
	owner_subject TEXT NOT NULL,
	title         TEXT NOT NULL DEFAULT '',
	system_prompt TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'active',
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_owner ON conversations(owner_subject, created_at);

CREATE TABLE IF NOT EXISTS messages (
	id               TEXT PRIMARY KEY,
	conversation_id  TEXT NOT NULL,
	role             TEXT NOT NULL,
	content          TEXT NOT NULL,
	token_count      INTEGER NOT NULL DEFAULT 0,
	response_time_ms INTEGER NOT NULL DEFAULT 0,
	model_name       TEXT NOT NULL DEFAULT '',
	created_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS tool_servers (
	id            TEXT PRIMARY KEY,
	owner_subject TEXT NOT NULL,
	name          TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	endpoint_url  TEXT NOT NULL,
	enabled       INTEGER NOT NULL DEFAULT 1,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tool_servers_owner ON tool_servers(owner_subject);
`

// SQLiteStore is the durable Store implementation backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed initializes) a SQLite database at
// the given path. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer at a time; serialize access through a
	// single connection to avoid SQLITE_BUSY under concurrent sessions.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying handle for diagnostics.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) CreateConversation(ctx context.Context, owner, title, systemPrompt string) (*models.Conversation, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, ErrForbidden
	}
	conv := &models.Conversation{
		ID:           uuid.NewString(),
		OwnerSubject: owner,
		Title:        title,
		SystemPrompt: systemPrompt,
		Status:       models.ConversationActive,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, owner_subject, title, system_prompt, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, conv.ID, conv.OwnerSubject, conv.Title, conv.SystemPrompt, string(conv.Status), conv.CreatedAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return conv, nil
}

func (s *SQLiteStore) getConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_subject, title, system_prompt, status, created_at
		FROM conversations WHERE id = ?
	`, id)

	var conv models.Conversation
	var status string
	var createdNanos int64
	if err := row.Scan(&conv.ID, &conv.OwnerSubject, &conv.Title, &conv.SystemPrompt, &status, &createdNanos); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select conversation: %w", err)
	}
	conv.Status = models.ConversationStatus(status)
	conv.CreatedAt = time.Unix(0, createdNanos).UTC()
	return &conv, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string, requester *auth.Identity) (*models.Conversation, error) {
	conv, err := s.getConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canRead(conv.OwnerSubject, requester) {
		return nil, ErrForbidden
	}
	return conv, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, owner string) ([]*models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_subject, title, system_prompt, status, created_at
		FROM conversations WHERE owner_subject = ?
		ORDER BY created_at DESC, id
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*models.Conversation
	for rows.Next() {
		var conv models.Conversation
		var status string
		var createdNanos int64
		if err := rows.Scan(&conv.ID, &conv.OwnerSubject, &conv.Title, &conv.SystemPrompt, &status, &createdNanos); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conv.Status = models.ConversationStatus(status)
		conv.CreatedAt = time.Unix(0, createdNanos).UTC()
		out = append(out, &conv)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string, requester *auth.Identity) error {
	conv, err := s.getConversation(ctx, id)
	if err != nil {
		return err
	}
	if !canRead(conv.OwnerSubject, requester) {
		return ErrForbidden
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) EndConversation(ctx context.Context, id string, requester *auth.Identity) error {
	conv, err := s.getConversation(ctx, id)
	if err != nil {
		return err
	}
	if !canWrite(conv.OwnerSubject, requester) {
		return ErrForbidden
	}
	_, err = s.db.ExecContext(ctx, `UPDATE conversations SET status = ? WHERE id = ?`,
		string(models.ConversationEnded), id)
	if err != nil {
		return fmt.Errorf("end conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var status string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM conversations WHERE id = ?`, msg.ConversationID).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("select conversation status: %w", err)
	}
	if models.ConversationStatus(status) == models.ConversationEnded {
		return ErrConversationEnded
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	// Per-conversation ordering must stay strictly monotonic even when
	// two appends land within clock resolution.
	var lastNanos sql.NullInt64
	if err := tx.QueryRowContext(ctx, `
		SELECT MAX(created_at) FROM messages WHERE conversation_id = ?
	`, msg.ConversationID).Scan(&lastNanos); err != nil {
		return fmt.Errorf("select last message time: %w", err)
	}
	if lastNanos.Valid && msg.CreatedAt.UnixNano() <= lastNanos.Int64 {
		msg.CreatedAt = time.Unix(0, lastNanos.Int64+1).UTC()
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, token_count, response_time_ms, model_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, string(msg.Role), msg.Content, msg.TokenCount, msg.ResponseTimeMS, msg.ModelName, msg.CreatedAt.UnixNano()); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, requester *auth.Identity) ([]*models.Message, error) {
	conv, err := s.getConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !canRead(conv.OwnerSubject, requester) {
		return nil, ErrForbidden
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, token_count, response_time_ms, model_name, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at ASC, id
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var msg models.Message
		var role string
		var createdNanos int64
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &msg.TokenCount, &msg.ResponseTimeMS, &msg.ModelName, &createdNanos); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = models.Role(role)
		msg.CreatedAt = time.Unix(0, createdNanos).UTC()
		out = append(out, &msg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateToolServer(ctx context.Context, ts *models.ToolServer) error {
	if ts == nil || strings.TrimSpace(ts.OwnerSubject) == "" {
		return ErrForbidden
	}
	if ts.ID == "" {
		ts.ID = uuid.NewString()
	}
	if ts.CreatedAt.IsZero() {
		ts.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_servers (id, owner_subject, name, description, endpoint_url, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ts.ID, ts.OwnerSubject, ts.Name, ts.Description, ts.EndpointURL, boolToInt(ts.Enabled), ts.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert tool server: %w", err)
	}
	return nil
}

func (s *SQLiteStore) getToolServer(ctx context.Context, id string) (*models.ToolServer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_subject, name, description, endpoint_url, enabled, created_at
		FROM tool_servers WHERE id = ?
	`, id)

	var ts models.ToolServer
	var enabled int
	var createdNanos int64
	if err := row.Scan(&ts.ID, &ts.OwnerSubject, &ts.Name, &ts.Description, &ts.EndpointURL, &enabled, &createdNanos); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select tool server: %w", err)
	}
	ts.Enabled = enabled != 0
	ts.CreatedAt = time.Unix(0, createdNanos).UTC()
	return &ts, nil
}

func (s *SQLiteStore) GetToolServer(ctx context.Context, id string, requester *auth.Identity) (*models.ToolServer, error) {
	ts, err := s.getToolServer(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canRead(ts.OwnerSubject, requester) {
		return nil, ErrForbidden
	}
	return ts, nil
}

func (s *SQLiteStore) ListToolServers(ctx context.Context, owner string, enabledOnly bool) ([]*models.ToolServer, error) {
	query := `
		SELECT id, owner_subject, name, description, endpoint_url, enabled, created_at
		FROM tool_servers WHERE owner_subject = ?
	`
	if enabledOnly {
		query += ` AND enabled = 1`
	}
	query += ` ORDER BY created_at ASC, id`

	rows, err := s.db.QueryContext(ctx, query, owner)
	if err != nil {
		return nil, fmt.Errorf("list tool servers: %w", err)
	}
	defer rows.Close()

	var out []*models.ToolServer
	for rows.Next() {
		var ts models.ToolServer
		var enabled int
		var createdNanos int64
		if err := rows.Scan(&ts.ID, &ts.OwnerSubject, &ts.Name, &ts.Description, &ts.EndpointURL, &enabled, &createdNanos); err != nil {
			return nil, fmt.Errorf("scan tool server: %w", err)
		}
		ts.Enabled = enabled != 0
		ts.CreatedAt = time.Unix(0, createdNanos).UTC()
		out = append(out, &ts)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateToolServer(ctx context.Context, ts *models.ToolServer, requester *auth.Identity) error {
	if ts == nil {
		return ErrNotFound
	}
	existing, err := s.getToolServer(ctx, ts.ID)
	if err != nil {
		return err
	}
	if !canWrite(existing.OwnerSubject, requester) {
		return ErrForbidden
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE tool_servers SET name = ?, description = ?, endpoint_url = ?, enabled = ?
		WHERE id = ?
	`, ts.Name, ts.Description, ts.EndpointURL, boolToInt(ts.Enabled), ts.ID)
	if err != nil {
		return fmt.Errorf("update tool server: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteToolServer(ctx context.Context, id string, requester *auth.Identity) error {
	ts, err := s.getToolServer(ctx, id)
	if err != nil {
		return err
	}
	if !canRead(ts.OwnerSubject, requester) {
		return ErrForbidden
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tool_servers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete tool server: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
