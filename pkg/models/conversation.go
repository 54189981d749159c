package models

import "time"

// ConversationStatus tracks the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationActive ConversationStatus = "active"
	ConversationEnded  ConversationStatus = "ended"
)

// Conversation is a thread of messages owned by a single subject.
// OwnerSubject is immutable after creation; once Status is
// ConversationEnded no further messages may be appended.
type Conversation struct {
	ID           string             `json:"id"`
	OwnerSubject string             `json:"owner_subject"`
	Title        string             `json:"title"`
	SystemPrompt string             `json:"system_prompt,omitempty"`
	Status       ConversationStatus `json:"status"`
	CreatedAt    time.Time          `json:"created_at"`
}

// Ended reports whether the conversation is in its terminal state.
func (c *Conversation) Ended() bool {
	return c != nil && c.Status == ConversationEnded
}
