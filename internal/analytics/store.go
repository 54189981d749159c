package analytics

import (
	"context"
	"errors"
)

// ErrRollupNotFound is returned when a conversation has no rollup yet.
var ErrRollupNotFound = errors.New("rollup not found")

// Store owns the analytics record families: append-only activities,
// api calls, and message metrics, plus the derived conversation
// rollups. Metric ingestion for a single conversation is linearizable;
// that mutual exclusion is the store's contract.
//
// The analytics store keeps no referential integrity against the
// conversation store: conversations may be deleted while their
// historical metrics remain.
type Store interface {
	RecordActivity(ctx context.Context, a *Activity) error
	RecordAPICall(ctx context.Context, c *APICall) error
	RecordConversationLifecycle(ctx context.Context, lc *ConversationLifecycle) error

	// RecordMessageMetric appends the metric and atomically folds it
	// into the conversation's rollup.
	RecordMessageMetric(ctx context.Context, m *MessageMetric) error

	Rollup(ctx context.Context, conversationID string) (*ConversationRollup, error)
	Summary(ctx context.Context) (*Summary, error)
	TopUsers(ctx context.Context, limit int) ([]*UserUsage, error)
	Activities(ctx context.Context, filter ActivityFilter) ([]*Activity, error)

	// ClearAll destroys all analytics state. Admin-only at the API
	// surface.
	ClearAll(ctx context.Context) error

	Close() error
}
