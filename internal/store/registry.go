package store

import (
	"context"

	"github.com/convoai/convoai/pkg/models"
)

// Registry is the tool registry facade consumed by the dispatcher: a
// read-only view of a user's enabled tool servers.
type Registry struct {
	store ToolServerStore
}

// NewRegistry wraps a ToolServerStore.
func NewRegistry(store ToolServerStore) *Registry {
	return &Registry{store: store}
}

// ActiveToolServers returns the owner's enabled registrations.
func (r *Registry) ActiveToolServers(ctx context.Context, owner string) ([]*models.ToolServer, error) {
	return r.store.ListToolServers(ctx, owner, true)
}
