package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is a single entry in a conversation, ordered by CreatedAt.
//
// TokenCount is authoritative once written; downstream aggregators must
// not recompute it. ResponseTimeMS is recorded only on assistant
// messages and measures the interval from the triggering user message's
// receipt to the assistant message's completion.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	TokenCount     int       `json:"token_count,omitempty"`
	ResponseTimeMS int64     `json:"response_time_ms,omitempty"`
	ModelName      string    `json:"model_name,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ToolCall represents a model's request to execute a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult represents the outcome of a tool invocation, fed back to
// the model. Errors are carried in-band with IsError set so the model
// can recover.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}
