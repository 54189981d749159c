package agent

import (
	"context"
	"encoding/json"

	"github.com/convoai/convoai/pkg/models"
)

// Provider is a model backend.
//
// Implementations handle the specifics of one vendor API while
// presenting a uniform request/response surface to the pipeline. The
// gateway frames whole messages, so completions are non-streaming.
//
// Implementations must be safe for concurrent use; the pipeline calls
// Complete from many sessions at once.
type Provider interface {
	// Complete sends one completion request and blocks for the full
	// response.
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)

	// Name returns the stable lowercase provider identifier used for
	// routing, metrics, and logging.
	Name() string
}

// CompletionRequest carries everything a provider needs for one model
// call: the system prompt, the windowed conversation history, and the
// tools the model may select.
type CompletionRequest struct {
	// Model is the vendor model identifier. Empty selects the
	// provider's default.
	Model string `json:"model"`

	// System sets the assistant's behavior. Handled out-of-band by
	// most vendor APIs.
	System string `json:"system,omitempty"`

	// Messages is the conversation window in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// Tools lists functions the model may call. Empty disables tool
	// selection.
	Tools []ToolDefinition `json:"tools,omitempty"`

	// MaxTokens caps the response length. Zero uses the provider
	// default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionMessage is one turn of model-visible history. Role is one
// of "user", "assistant", "system", or "tool".
type CompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`

	// ToolCalls are the calls an assistant turn requested.
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`

	// ToolResults carry tool outputs back to the model on a "tool"
	// turn.
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// ToolDefinition advertises one callable tool to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Completion is a provider's full response to one model call. Either
// Content is the terminal assistant text, or ToolCalls lists the calls
// the model wants executed before it can answer.
type Completion struct {
	Content    string            `json:"content,omitempty"`
	ToolCalls  []models.ToolCall `json:"tool_calls,omitempty"`
	TokensUsed int               `json:"tokens_used,omitempty"`
	Model      string            `json:"model,omitempty"`
}
