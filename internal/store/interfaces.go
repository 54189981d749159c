// Package store persists conversations, their ordered messages, and
// user-owned tool server registrations. It is the only writer for those
// entities; all mutations go through it and it owns its own concurrency
// control.
package store

import (
	"context"
	"errors"

	"github.com/convoai/convoai/internal/auth"
	"github.com/convoai/convoai/pkg/models"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrConversationEnded = errors.New("conversation ended")
)

// ConversationStore persists conversations and messages.
//
// Reads and deletes are permitted for the owner or an admin; writes are
// owner-only (admins do not impersonate for writes). Cross-user access
// returns ErrForbidden.
type ConversationStore interface {
	// CreateConversation creates a conversation owned by owner.
	CreateConversation(ctx context.Context, owner, title, systemPrompt string) (*models.Conversation, error)

	// GetConversation returns the conversation if the requester may read it.
	GetConversation(ctx context.Context, id string, requester *auth.Identity) (*models.Conversation, error)

	// ListConversations returns the owner's conversations, newest first.
	ListConversations(ctx context.Context, owner string) ([]*models.Conversation, error)

	// DeleteConversation removes a conversation and its messages.
	DeleteConversation(ctx context.Context, id string, requester *auth.Identity) error

	// EndConversation marks a conversation terminal. Owner-only.
	EndConversation(ctx context.Context, id string, requester *auth.Identity) error

	// AppendMessage appends a message to a conversation, assigning the
	// ID and CreatedAt. Fails with ErrConversationEnded on a terminal
	// conversation. Callers are trusted to have authorized the write.
	AppendMessage(ctx context.Context, msg *models.Message) error

	// ListMessages returns a conversation's messages, oldest first.
	ListMessages(ctx context.Context, conversationID string, requester *auth.Identity) ([]*models.Message, error)
}

// ToolServerStore persists tool server registrations with the same
// owner-scoped authorization as conversations.
type ToolServerStore interface {
	CreateToolServer(ctx context.Context, ts *models.ToolServer) error
	GetToolServer(ctx context.Context, id string, requester *auth.Identity) (*models.ToolServer, error)
	ListToolServers(ctx context.Context, owner string, enabledOnly bool) ([]*models.ToolServer, error)
	UpdateToolServer(ctx context.Context, ts *models.ToolServer, requester *auth.Identity) error
	DeleteToolServer(ctx context.Context, id string, requester *auth.Identity) error
}

// Store groups the persistence surfaces behind one handle.
type Store interface {
	ConversationStore
	ToolServerStore
	Close() error
}

// canRead reports whether the requester may read a resource owned by
// owner. Admins may read and delete but not write.
func canRead(owner string, requester *auth.Identity) bool {
	if requester == nil {
		return false
	}
	return requester.Subject == owner || requester.IsAdmin()
}

// canWrite reports whether the requester may mutate a resource owned by
// owner.
func canWrite(owner string, requester *auth.Identity) bool {
	return requester != nil && requester.Subject == owner
}
