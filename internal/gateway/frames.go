package gateway

import "time"

// Inbound frame types.
const (
	frameSendMessage = "send_message"
	frameEnd         = "end"
)

// Outbound frame types.
const (
	frameMessage = "message"
	frameError   = "error"
)

// Error kinds carried on error frames. A session survives any of these
// except errAuth and errFatal.
const (
	errAuth             = "auth"
	errForbidden        = "forbidden"
	errNotFound         = "not_found"
	errBackpressure     = "backpressure"
	errModelUnavailable = "model_unavailable"
	errTimeout          = "timeout"
	errConversationEnd  = "conversation_ended"
	errInvalidFrame     = "invalid_frame"
	errFatal            = "fatal"
)

// inboundFrame is a client frame. Content is meaningful only for
// send_message.
type inboundFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// messageFrame streams one persisted message to the client.
type messageFrame struct {
	Type       string    `json:"type"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	MessageID  string    `json:"message_id"`
	Timestamp  time.Time `json:"timestamp"`
	TokenCount int       `json:"token_count,omitempty"`
}

// errorFrame reports a turn-scoped or session-fatal failure.
type errorFrame struct {
	Type   string `json:"type"`
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}
