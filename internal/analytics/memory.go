package analytics

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-memory Store implementation for tests and
// local runs.
type MemoryStore struct {
	mu         sync.RWMutex
	activities []*Activity
	apiCalls   []*APICall
	lifecycles []*ConversationLifecycle
	metrics    []*MessageMetric
	rollups    map[string]*ConversationRollup

	locker *conversationLocker
}

// NewMemoryStore creates an empty in-memory analytics store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rollups: map[string]*ConversationRollup{},
		locker:  newConversationLocker(),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) RecordActivity(ctx context.Context, a *Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *a
	if clone.Timestamp.IsZero() {
		clone.Timestamp = time.Now().UTC()
	}
	m.activities = append(m.activities, &clone)
	return nil
}

func (m *MemoryStore) RecordAPICall(ctx context.Context, c *APICall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *c
	if clone.Timestamp.IsZero() {
		clone.Timestamp = time.Now().UTC()
	}
	m.apiCalls = append(m.apiCalls, &clone)
	return nil
}

func (m *MemoryStore) RecordConversationLifecycle(ctx context.Context, lc *ConversationLifecycle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *lc
	if clone.Timestamp.IsZero() {
		clone.Timestamp = time.Now().UTC()
	}
	m.lifecycles = append(m.lifecycles, &clone)
	return nil
}

func (m *MemoryStore) RecordMessageMetric(ctx context.Context, metric *MessageMetric) error {
	// Per-conversation critical section: the rollup read-modify-write
	// must serialize or the weighted mean drifts.
	lock := m.locker.Lock(metric.ConversationID)
	defer lock.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *metric
	if clone.Timestamp.IsZero() {
		clone.Timestamp = time.Now().UTC()
	}
	m.metrics = append(m.metrics, &clone)

	rollup, ok := m.rollups[metric.ConversationID]
	if !ok {
		rollup = &ConversationRollup{
			ConversationID: metric.ConversationID,
			OwnerSubject:   metric.Subject,
		}
		m.rollups[metric.ConversationID] = rollup
	}
	rollup.apply(&clone, time.Now().UTC())
	return nil
}

func (m *MemoryStore) Rollup(ctx context.Context, conversationID string) (*ConversationRollup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rollup, ok := m.rollups[conversationID]
	if !ok {
		return nil, ErrRollupNotFound
	}
	clone := *rollup
	return &clone, nil
}

func (m *MemoryStore) Summary(ctx context.Context) (*Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summary := &Summary{}

	users := map[string]struct{}{}
	activeToday := map[string]struct{}{}
	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	for _, a := range m.activities {
		users[a.Subject] = struct{}{}
		if !a.Timestamp.Before(dayStart) {
			activeToday[a.Subject] = struct{}{}
		}
	}
	for _, metric := range m.metrics {
		users[metric.Subject] = struct{}{}
	}
	summary.TotalUsers = int64(len(users))
	summary.ActiveUsersToday = int64(len(activeToday))

	var respSum float64
	var respCount int64
	conversations := map[string]struct{}{}
	for _, metric := range m.metrics {
		conversations[metric.ConversationID] = struct{}{}
		summary.TotalMessages++
		summary.TotalTokens += int64(metric.TokenCount)
		if metric.Role == "assistant" && metric.ResponseTimeS > 0 {
			respSum += metric.ResponseTimeS
			respCount++
		}
	}
	summary.TotalConversations = int64(len(conversations))
	if respCount > 0 {
		summary.AvgResponseTimeS = respSum / float64(respCount)
	}

	var failed int64
	for _, call := range m.apiCalls {
		if call.Status >= 500 {
			failed++
		}
	}
	if len(m.apiCalls) > 0 {
		summary.ErrorRate = float64(failed) / float64(len(m.apiCalls))
	}
	return summary, nil
}

func (m *MemoryStore) TopUsers(ctx context.Context, limit int) ([]*UserUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byUser := map[string]*UserUsage{}
	for _, metric := range m.metrics {
		usage, ok := byUser[metric.Subject]
		if !ok {
			usage = &UserUsage{Subject: metric.Subject}
			byUser[metric.Subject] = usage
		}
		usage.MessageCount++
		usage.TotalTokens += int64(metric.TokenCount)
	}

	out := make([]*UserUsage, 0, len(byUser))
	for _, usage := range byUser {
		out = append(out, usage)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MessageCount != out[j].MessageCount {
			return out[i].MessageCount > out[j].MessageCount
		}
		return out[i].Subject < out[j].Subject
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Activities(ctx context.Context, filter ActivityFilter) ([]*Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Activity
	for _, a := range m.activities {
		if filter.Subject != "" && a.Subject != filter.Subject {
			continue
		}
		if filter.Kind != "" && a.Kind != filter.Kind {
			continue
		}
		matched = append(matched, a)
	}

	// Newest first, then paginate.
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	if filter.Skip > 0 {
		if filter.Skip >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Skip:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	out := make([]*Activity, len(matched))
	for i, a := range matched {
		clone := *a
		out[i] = &clone
	}
	return out, nil
}

func (m *MemoryStore) ClearAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activities = nil
	m.apiCalls = nil
	m.lifecycles = nil
	m.metrics = nil
	m.rollups = map[string]*ConversationRollup{}
	return nil
}
