package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS activities (
	subject   TEXT NOT NULL,
	kind      TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	metadata  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_activities_subject ON activities(subject, timestamp);

CREATE TABLE IF NOT EXISTS api_calls (
	endpoint   TEXT NOT NULL,
	method     TEXT NOT NULL,
	subject    TEXT NOT NULL DEFAULT '',
	status     INTEGER NOT NULL,
	latency_ms INTEGER NOT NULL,
	timestamp  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS conversation_lifecycles (
	conversation_id TEXT NOT NULL,
	subject         TEXT NOT NULL,
	action          TEXT NOT NULL,
	timestamp       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS message_metrics (
	message_id      TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	subject         TEXT NOT NULL,
	role            TEXT NOT NULL,
	token_count     INTEGER NOT NULL DEFAULT 0,
	response_time_s REAL NOT NULL DEFAULT 0,
	model_name      TEXT NOT NULL DEFAULT '',
	timestamp       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_message_metrics_conversation ON message_metrics(conversation_id);
CREATE INDEX IF NOT EXISTS idx_message_metrics_subject ON message_metrics(subject);

CREATE TABLE IF NOT EXISTS conversation_rollups (
	conversation_id     TEXT PRIMARY KEY,
	owner_subject       TEXT NOT NULL,
	message_count       INTEGER NOT NULL DEFAULT 0,
	total_tokens        INTEGER NOT NULL DEFAULT 0,
	assistant_count     INTEGER NOT NULL DEFAULT 0,
	avg_response_time_s REAL NOT NULL DEFAULT 0,
	updated_at          INTEGER NOT NULL
);
`

// SQLiteStore is the durable analytics store. Rollup updates run in a
// transaction under a per-conversation mutex so concurrent metrics for
// one conversation serialize.
type SQLiteStore struct {
	db     *sql.DB
	locker *conversationLocker
}

// NewSQLiteStore opens (and if needed initializes) the analytics
// database at path. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteStore{db: db, locker: newConversationLocker()}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) RecordActivity(ctx context.Context, a *Activity) error {
	ts := a.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	var metadata []byte
	if len(a.Metadata) > 0 {
		metadata, _ = json.Marshal(a.Metadata)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activities (subject, kind, timestamp, metadata) VALUES (?, ?, ?, ?)
	`, a.Subject, a.Kind, ts.UnixNano(), string(metadata))
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordAPICall(ctx context.Context, c *APICall) error {
	ts := c.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_calls (endpoint, method, subject, status, latency_ms, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.Endpoint, c.Method, c.Subject, c.Status, c.LatencyMS, ts.UnixNano())
	if err != nil {
		return fmt.Errorf("insert api call: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordConversationLifecycle(ctx context.Context, lc *ConversationLifecycle) error {
	ts := lc.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_lifecycles (conversation_id, subject, action, timestamp)
		VALUES (?, ?, ?, ?)
	`, lc.ConversationID, lc.Subject, lc.Action, ts.UnixNano())
	if err != nil {
		return fmt.Errorf("insert lifecycle: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordMessageMetric(ctx context.Context, metric *MessageMetric) error {
	lock := s.locker.Lock(metric.ConversationID)
	defer lock.Unlock()

	ts := metric.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin metric: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO message_metrics (message_id, conversation_id, subject, role, token_count, response_time_s, model_name, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, metric.MessageID, metric.ConversationID, metric.Subject, metric.Role, metric.TokenCount, metric.ResponseTimeS, metric.ModelName, ts.UnixNano()); err != nil {
		return fmt.Errorf("insert metric: %w", err)
	}

	rollup := &ConversationRollup{ConversationID: metric.ConversationID, OwnerSubject: metric.Subject}
	var updatedNanos int64
	err = tx.QueryRowContext(ctx, `
		SELECT owner_subject, message_count, total_tokens, assistant_count, avg_response_time_s, updated_at
		FROM conversation_rollups WHERE conversation_id = ?
	`, metric.ConversationID).Scan(&rollup.OwnerSubject, &rollup.MessageCount, &rollup.TotalTokens,
		&rollup.AssistantCount, &rollup.AvgResponseTimeS, &updatedNanos)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("select rollup: %w", err)
	}

	rollup.apply(metric, time.Now().UTC())

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversation_rollups (conversation_id, owner_subject, message_count, total_tokens, assistant_count, avg_response_time_s, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id) DO UPDATE SET
			message_count = excluded.message_count,
			total_tokens = excluded.total_tokens,
			assistant_count = excluded.assistant_count,
			avg_response_time_s = excluded.avg_response_time_s,
			updated_at = excluded.updated_at
	`, rollup.ConversationID, rollup.OwnerSubject, rollup.MessageCount, rollup.TotalTokens,
		rollup.AssistantCount, rollup.AvgResponseTimeS, rollup.UpdatedAt.UnixNano()); err != nil {
		return fmt.Errorf("upsert rollup: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Rollup(ctx context.Context, conversationID string) (*ConversationRollup, error) {
	rollup := &ConversationRollup{ConversationID: conversationID}
	var updatedNanos int64
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_subject, message_count, total_tokens, assistant_count, avg_response_time_s, updated_at
		FROM conversation_rollups WHERE conversation_id = ?
	`, conversationID).Scan(&rollup.OwnerSubject, &rollup.MessageCount, &rollup.TotalTokens,
		&rollup.AssistantCount, &rollup.AvgResponseTimeS, &updatedNanos)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRollupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select rollup: %w", err)
	}
	rollup.UpdatedAt = time.Unix(0, updatedNanos).UTC()
	return rollup, nil
}

func (s *SQLiteStore) Summary(ctx context.Context) (*Summary, error) {
	summary := &Summary{}

	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM (
			SELECT subject FROM activities
			UNION
			SELECT subject FROM message_metrics
		)
	`).Scan(&summary.TotalUsers)
	if err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}

	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	if err := s.db.QueryRowContext(ctx, `
		SELECT count(DISTINCT subject) FROM activities WHERE timestamp >= ?
	`, dayStart.UnixNano()).Scan(&summary.ActiveUsersToday); err != nil {
		return nil, fmt.Errorf("count active users: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT count(DISTINCT conversation_id), count(*), COALESCE(sum(token_count), 0)
		FROM message_metrics
	`).Scan(&summary.TotalConversations, &summary.TotalMessages, &summary.TotalTokens); err != nil {
		return nil, fmt.Errorf("aggregate metrics: %w", err)
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, `
		SELECT avg(response_time_s) FROM message_metrics
		WHERE role = 'assistant' AND response_time_s > 0
	`).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average response time: %w", err)
	}
	if avg.Valid {
		summary.AvgResponseTimeS = avg.Float64
	}

	var totalCalls, failedCalls int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT count(*), COALESCE(sum(CASE WHEN status >= 500 THEN 1 ELSE 0 END), 0)
		FROM api_calls
	`).Scan(&totalCalls, &failedCalls); err != nil {
		return nil, fmt.Errorf("count api calls: %w", err)
	}
	if totalCalls > 0 {
		summary.ErrorRate = float64(failedCalls) / float64(totalCalls)
	}
	return summary, nil
}

func (s *SQLiteStore) TopUsers(ctx context.Context, limit int) ([]*UserUsage, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT subject, count(*), COALESCE(sum(token_count), 0)
		FROM message_metrics
		GROUP BY subject
		ORDER BY count(*) DESC, subject ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("top users: %w", err)
	}
	defer rows.Close()

	var out []*UserUsage
	for rows.Next() {
		var usage UserUsage
		if err := rows.Scan(&usage.Subject, &usage.MessageCount, &usage.TotalTokens); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		out = append(out, &usage)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Activities(ctx context.Context, filter ActivityFilter) ([]*Activity, error) {
	query := `SELECT subject, kind, timestamp, metadata FROM activities WHERE 1=1`
	var args []any
	if filter.Subject != "" {
		query += ` AND subject = ?`
		args = append(args, filter.Subject)
	}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, filter.Kind)
	}
	query += ` ORDER BY timestamp DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Skip)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	var out []*Activity
	for rows.Next() {
		var a Activity
		var ts int64
		var metadata string
		if err := rows.Scan(&a.Subject, &a.Kind, &ts, &metadata); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		a.Timestamp = time.Unix(0, ts).UTC()
		if metadata != "" {
			_ = json.Unmarshal([]byte(metadata), &a.Metadata)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ClearAll(ctx context.Context) error {
	for _, table := range []string{"activities", "api_calls", "conversation_lifecycles", "message_metrics", "conversation_rollups"} {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return nil
}
