// Package analytics is the fire-and-forget telemetry fabric: emitters
// never wait for, retry, or observe the outcome of a write, while the
// ingestor keeps conversation rollups correct under concurrency.
package analytics

import "time"

// Activity records a user action. Append-only audit data; deleting a
// conversation never deletes the activities that referenced it.
type Activity struct {
	Subject   string            `json:"subject"`
	Kind      string            `json:"kind"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Activity kinds emitted by the core.
const (
	ActivityLogin               = "login"
	ActivityLogout              = "logout"
	ActivityConversationStarted = "conversation_started"
	ActivityConversationEnded   = "conversation_ended"
	ActivitySessionOpened       = "session_opened"
	ActivitySessionClosed       = "session_closed"
)

// APICall records one endpoint hit. Append-only.
type APICall struct {
	Endpoint  string    `json:"endpoint"`
	Method    string    `json:"method"`
	Subject   string    `json:"subject,omitempty"`
	Status    int       `json:"status"`
	LatencyMS int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationLifecycle records creation or deletion of a conversation.
type ConversationLifecycle struct {
	ConversationID string    `json:"conversation_id"`
	Subject        string    `json:"subject"`
	Action         string    `json:"action"` // created | deleted
	Timestamp      time.Time `json:"timestamp"`
}

// MessageMetric is the per-message accounting record, one per tracked
// message. ResponseTimeS is set only on assistant messages and is the
// message's response_time_ms divided by 1000 (plain division, no
// rounding).
type MessageMetric struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	Subject        string    `json:"subject"`
	Role           string    `json:"role"`
	TokenCount     int       `json:"token_count"`
	ResponseTimeS  float64   `json:"response_time_s,omitempty"`
	ModelName      string    `json:"model_name,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// ConversationRollup is the maintained aggregate for one conversation.
// AvgResponseTimeS is the mean of ResponseTimeS over assistant metrics
// where it is known and positive; AssistantCount is that divisor.
// Rollups are derived state, reconstructible from message metrics, and
// tolerate dangling conversation ids after conversation deletion.
type ConversationRollup struct {
	ConversationID   string    `json:"conversation_id"`
	OwnerSubject     string    `json:"owner_subject"`
	MessageCount     int64     `json:"message_count"`
	TotalTokens      int64     `json:"total_tokens"`
	AssistantCount   int64     `json:"assistant_count"`
	AvgResponseTimeS float64   `json:"avg_response_time_s"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// apply folds one metric into the rollup. Callers must hold the
// per-conversation lock.
func (r *ConversationRollup) apply(metric *MessageMetric, now time.Time) {
	r.MessageCount++
	r.TotalTokens += int64(metric.TokenCount)
	if metric.Role == "assistant" && metric.ResponseTimeS > 0 {
		if r.AssistantCount == 0 {
			r.AvgResponseTimeS = metric.ResponseTimeS
		} else {
			r.AvgResponseTimeS = (r.AvgResponseTimeS*float64(r.AssistantCount) + metric.ResponseTimeS) / float64(r.AssistantCount+1)
		}
		r.AssistantCount++
	}
	r.UpdatedAt = now
}

// Summary is the platform-wide aggregate served to admins.
type Summary struct {
	TotalUsers         int64   `json:"total_users"`
	ActiveUsersToday   int64   `json:"active_users_today"`
	TotalConversations int64   `json:"total_conversations"`
	TotalMessages      int64   `json:"total_messages"`
	TotalTokens        int64   `json:"total_tokens"`
	AvgResponseTimeS   float64 `json:"avg_response_time_s"`
	ErrorRate          float64 `json:"error_rate"`
}

// UserUsage is one row of the top-users report.
type UserUsage struct {
	Subject      string `json:"subject"`
	MessageCount int64  `json:"message_count"`
	TotalTokens  int64  `json:"total_tokens"`
}

// ActivityFilter narrows an activity listing.
type ActivityFilter struct {
	Subject string
	Kind    string
	Limit   int
	Skip    int
}
