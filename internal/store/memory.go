package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/convoai/convoai/internal/auth"
	"github.com/convoai/convoai/pkg/models"
)

// MemoryStore provides an in-memory Store implementation for tests and
// local runs.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	messages      map[string][]*models.Message
	toolServers   map[string]*models.ToolServer
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: map[string]*models.Conversation{},
		messages:      map[string][]*models.Message{},
		toolServers:   map[string]*models.ToolServer{},
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateConversation(ctx context.Context, owner, title, systemPrompt string) (*models.Conversation, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, ErrForbidden
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	conv := &models.Conversation{
		ID:           uuid.NewString(),
		OwnerSubject: owner,
		Title:        title,
		SystemPrompt: systemPrompt,
		Status:       models.ConversationActive,
		CreatedAt:    time.Now().UTC(),
	}
	m.conversations[conv.ID] = conv
	return cloneConversation(conv), nil
}

func (m *MemoryStore) GetConversation(ctx context.Context, id string, requester *auth.Identity) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !canRead(conv.OwnerSubject, requester) {
		return nil, ErrForbidden
	}
	return cloneConversation(conv), nil
}

func (m *MemoryStore) ListConversations(ctx context.Context, owner string) ([]*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Conversation
	for _, conv := range m.conversations {
		if conv.OwnerSubject == owner {
			out = append(out, cloneConversation(conv))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) DeleteConversation(ctx context.Context, id string, requester *auth.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if !canRead(conv.OwnerSubject, requester) {
		return ErrForbidden
	}
	delete(m.conversations, id)
	delete(m.messages, id)
	return nil
}

func (m *MemoryStore) EndConversation(ctx context.Context, id string, requester *auth.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if !canWrite(conv.OwnerSubject, requester) {
		return ErrForbidden
	}
	conv.Status = models.ConversationEnded
	return nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[msg.ConversationID]
	if !ok {
		return ErrNotFound
	}
	if conv.Ended() {
		return ErrConversationEnded
	}

	clone := *msg
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	// Keep per-conversation ordering strictly monotonic even when two
	// appends land within clock resolution.
	if existing := m.messages[msg.ConversationID]; len(existing) > 0 {
		if last := existing[len(existing)-1].CreatedAt; !clone.CreatedAt.After(last) {
			clone.CreatedAt = last.Add(time.Nanosecond)
		}
	}
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &clone)

	msg.ID = clone.ID
	msg.CreatedAt = clone.CreatedAt
	return nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, conversationID string, requester *auth.Identity) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	if !canRead(conv.OwnerSubject, requester) {
		return nil, ErrForbidden
	}

	msgs := m.messages[conversationID]
	out := make([]*models.Message, len(msgs))
	for i, msg := range msgs {
		clone := *msg
		out[i] = &clone
	}
	return out, nil
}

func (m *MemoryStore) CreateToolServer(ctx context.Context, ts *models.ToolServer) error {
	if ts == nil || strings.TrimSpace(ts.OwnerSubject) == "" {
		return ErrForbidden
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *ts
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	m.toolServers[clone.ID] = &clone

	ts.ID = clone.ID
	ts.CreatedAt = clone.CreatedAt
	return nil
}

func (m *MemoryStore) GetToolServer(ctx context.Context, id string, requester *auth.Identity) (*models.ToolServer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ts, ok := m.toolServers[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !canRead(ts.OwnerSubject, requester) {
		return nil, ErrForbidden
	}
	clone := *ts
	return &clone, nil
}

func (m *MemoryStore) ListToolServers(ctx context.Context, owner string, enabledOnly bool) ([]*models.ToolServer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.ToolServer
	for _, ts := range m.toolServers {
		if ts.OwnerSubject != owner {
			continue
		}
		if enabledOnly && !ts.Enabled {
			continue
		}
		clone := *ts
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) UpdateToolServer(ctx context.Context, ts *models.ToolServer, requester *auth.Identity) error {
	if ts == nil {
		return ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.toolServers[ts.ID]
	if !ok {
		return ErrNotFound
	}
	if !canWrite(existing.OwnerSubject, requester) {
		return ErrForbidden
	}

	existing.Name = ts.Name
	existing.Description = ts.Description
	existing.EndpointURL = ts.EndpointURL
	existing.Enabled = ts.Enabled
	return nil
}

func (m *MemoryStore) DeleteToolServer(ctx context.Context, id string, requester *auth.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts, ok := m.toolServers[id]
	if !ok {
		return ErrNotFound
	}
	if !canRead(ts.OwnerSubject, requester) {
		return ErrForbidden
	}
	delete(m.toolServers, id)
	return nil
}

func cloneConversation(c *models.Conversation) *models.Conversation {
	clone := *c
	return &clone
}
