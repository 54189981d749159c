// Package agent runs the completion loop: one user message in, one
// terminal assistant message out, with bounded tool hops in between.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/convoai/convoai/internal/analytics"
	"github.com/convoai/convoai/internal/auth"
	"github.com/convoai/convoai/internal/mcp"
	"github.com/convoai/convoai/internal/observability"
	"github.com/convoai/convoai/internal/retry"
	"github.com/convoai/convoai/internal/store"
	"github.com/convoai/convoai/pkg/models"
)

// ToolDispatcher builds the per-turn tool catalog and routes calls to
// the owning servers. Satisfied by mcp.Dispatcher.
type ToolDispatcher interface {
	Discover(ctx context.Context, owner, token string) (*mcp.Catalog, error)
	Invoke(ctx context.Context, catalog *mcp.Catalog, token, presented string, arguments json.RawMessage) (*mcp.InvokeResult, error)
}

// Options tune the completion loop.
type Options struct {
	// HistoryWindow is how many trailing messages form the model
	// context.
	HistoryWindow int

	// MaxToolHops caps tool round-trips per turn. Exceeding it coerces
	// a terminal "tool budget exhausted" assistant message.
	MaxToolHops int

	// ModelRetries is how many extra attempts follow a failed model
	// call.
	ModelRetries int

	// RetryInitialDelay and RetryMaxDelay bound the exponential
	// backoff between attempts.
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration

	// ModelTimeout bounds each individual provider call, independent
	// of the session signal. A hung provider costs one attempt, not
	// the session.
	ModelTimeout time.Duration

	// MaxTokens caps each model response.
	MaxTokens int
}

// DefaultOptions returns the production loop settings.
func DefaultOptions() Options {
	return Options{
		HistoryWindow:     16,
		MaxToolHops:       5,
		ModelRetries:      2,
		RetryInitialDelay: 500 * time.Millisecond,
		RetryMaxDelay:     5 * time.Second,
		ModelTimeout:      60 * time.Second,
		MaxTokens:         4096,
	}
}

// Pipeline drives turns: catalog discovery, the model/tool loop,
// persistence, and metric emission.
type Pipeline struct {
	provider   Provider
	dispatcher ToolDispatcher
	store      store.ConversationStore
	emitter    analytics.Emitter
	metrics    *observability.Metrics
	model      string
	opts       Options
	logger     *slog.Logger
}

// NewPipeline wires the loop. emitter may be analytics.NopEmitter{} and
// metrics may be nil; provider, dispatcher, and conversations must be
// set.
func NewPipeline(provider Provider, dispatcher ToolDispatcher, conversations store.ConversationStore, emitter analytics.Emitter, metrics *observability.Metrics, model string, opts Options, logger *slog.Logger) *Pipeline {
	defaults := DefaultOptions()
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = defaults.HistoryWindow
	}
	if opts.MaxToolHops <= 0 {
		opts.MaxToolHops = defaults.MaxToolHops
	}
	if opts.ModelRetries < 0 {
		opts.ModelRetries = defaults.ModelRetries
	}
	if opts.RetryInitialDelay <= 0 {
		opts.RetryInitialDelay = defaults.RetryInitialDelay
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = defaults.RetryMaxDelay
	}
	if opts.ModelTimeout <= 0 {
		opts.ModelTimeout = defaults.ModelTimeout
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaults.MaxTokens
	}
	if emitter == nil {
		emitter = analytics.NopEmitter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		provider:   provider,
		dispatcher: dispatcher,
		store:      conversations,
		emitter:    emitter,
		metrics:    metrics,
		model:      model,
		opts:       opts,
		logger:     logger.With("component", "pipeline"),
	}
}

// Respond runs one turn for a conversation whose triggering user
// message is already persisted. It returns the persisted terminal
// assistant message.
//
// The turn's response_time_ms spans everything from entry here to the
// terminal completion: model calls, retries, and tool hops.
func (p *Pipeline) Respond(ctx context.Context, conv *models.Conversation, requester *auth.Identity, token string) (*models.Message, error) {
	turnStart := time.Now()

	// A dead registry or dead servers must not kill the turn; worst
	// case the model just has no tools this time.
	catalog, err := p.dispatcher.Discover(ctx, conv.OwnerSubject, token)
	if err != nil {
		p.logger.Warn("tool discovery failed, continuing without tools",
			"conversation_id", conv.ID, "error", err)
		catalog = nil
	}

	history, err := p.store.ListMessages(ctx, conv.ID, requester)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if len(history) > p.opts.HistoryWindow {
		history = history[len(history)-p.opts.HistoryWindow:]
	}

	transcript := make([]CompletionMessage, 0, len(history))
	for _, msg := range history {
		transcript = append(transcript, CompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	req := &CompletionRequest{
		Model:     p.model,
		System:    conv.SystemPrompt,
		Messages:  transcript,
		Tools:     toolDefinitions(catalog),
		MaxTokens: p.opts.MaxTokens,
	}

	var (
		content     string
		totalTokens int
		modelName   = p.model
	)
	for hop := 0; ; hop++ {
		completion, err := p.complete(ctx, req)
		if err != nil {
			return nil, err
		}
		totalTokens += completion.TokensUsed
		if completion.Model != "" {
			modelName = completion.Model
		}

		if len(completion.ToolCalls) == 0 {
			content = completion.Content
			break
		}
		if hop >= p.opts.MaxToolHops {
			p.logger.Warn("tool budget exhausted",
				"conversation_id", conv.ID, "hops", hop)
			content = "tool budget exhausted"
			break
		}

		req.Messages = append(req.Messages, CompletionMessage{
			Role:      string(models.RoleAssistant),
			Content:   completion.Content,
			ToolCalls: completion.ToolCalls,
		})
		req.Messages = append(req.Messages, CompletionMessage{
			Role:        string(models.RoleTool),
			ToolResults: p.runTools(ctx, conv, catalog, token, completion.ToolCalls),
		})
	}

	responseTime := time.Since(turnStart)
	assistant := &models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleAssistant,
		Content:        content,
		TokenCount:     totalTokens,
		ResponseTimeMS: responseTime.Milliseconds(),
		ModelName:      modelName,
	}
	if err := p.store.AppendMessage(ctx, assistant); err != nil {
		return nil, fmt.Errorf("persist assistant message: %w", err)
	}

	p.emitter.MessageMetric(&analytics.MessageMetric{
		MessageID:      assistant.ID,
		ConversationID: assistant.ConversationID,
		Subject:        conv.OwnerSubject,
		Role:           string(assistant.Role),
		TokenCount:     assistant.TokenCount,
		ResponseTimeS:  float64(assistant.ResponseTimeMS) / 1000,
		ModelName:      assistant.ModelName,
		Timestamp:      assistant.CreatedAt,
	})

	p.logger.Info("turn completed",
		"conversation_id", conv.ID,
		"response_time_ms", assistant.ResponseTimeMS,
		"tokens", assistant.TokenCount)
	return assistant, nil
}

// complete calls the provider with bounded retries, each attempt under
// its own ModelTimeout deadline. An attempt that keeps timing out
// surfaces as context.DeadlineExceeded so the gateway reports a
// timeout; session cancellation propagates as-is; anything else
// collapses to ErrModelUnavailable.
func (p *Pipeline) complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	cfg := retry.Exponential(1+p.opts.ModelRetries, p.opts.RetryInitialDelay, p.opts.RetryMaxDelay)

	completion, result := retry.DoWithValue(ctx, cfg, func() (*Completion, error) {
		callCtx, cancel := context.WithTimeout(ctx, p.opts.ModelTimeout)
		defer cancel()
		callStart := time.Now()
		completion, err := p.provider.Complete(callCtx, req)
		if p.metrics != nil {
			status := "success"
			tokens := 0
			if err != nil {
				status = "error"
			} else {
				tokens = completion.TokensUsed
			}
			p.metrics.RecordModelRequest(p.provider.Name(), p.model, status, time.Since(callStart).Seconds(), tokens)
		}
		return completion, err
	})
	if result.Err == nil {
		return completion, nil
	}
	if errors.Is(result.Err, context.DeadlineExceeded) || errors.Is(result.Err, context.Canceled) {
		return nil, result.Err
	}
	p.logger.Error("model unavailable",
		"provider", p.provider.Name(), "attempts", result.Attempts, "error", result.Err)
	return nil, fmt.Errorf("%w: %s after %d attempts: %v",
		ErrModelUnavailable, p.provider.Name(), result.Attempts, result.Err)
}

// runTools executes the model's tool calls in order. Tool failures are
// never loop failures; they come back as error-flagged results the
// model can react to.
func (p *Pipeline) runTools(ctx context.Context, conv *models.Conversation, catalog *mcp.Catalog, token string, calls []models.ToolCall) []models.ToolResult {
	results := make([]models.ToolResult, 0, len(calls))
	for _, call := range calls {
		callStart := time.Now()
		invoked, err := p.dispatcher.Invoke(ctx, catalog, token, call.Name, call.Arguments)

		result := models.ToolResult{ToolCallID: call.ID}
		switch {
		case errors.Is(err, mcp.ErrUnknownTool):
			result.Content = fmt.Sprintf("unknown tool: %s", call.Name)
			result.IsError = true
		case err != nil:
			result.Content = fmt.Sprintf("tool invocation failed: %v", err)
			result.IsError = true
		default:
			result.Content = invoked.Content
			result.IsError = invoked.IsError
		}

		if p.metrics != nil {
			status := "success"
			if result.IsError {
				status = "error"
			}
			p.metrics.RecordToolDispatch(call.Name, status, time.Since(callStart).Seconds())
		}
		if result.IsError {
			p.logger.Warn("tool call failed",
				"conversation_id", conv.ID, "tool", call.Name)
		}
		results = append(results, result)
	}
	return results
}

func toolDefinitions(catalog *mcp.Catalog) []ToolDefinition {
	if catalog == nil || len(catalog.Tools) == 0 {
		return nil
	}
	defs := make([]ToolDefinition, 0, len(catalog.Tools))
	for _, tool := range catalog.Tools {
		defs = append(defs, ToolDefinition{
			Name:        tool.Presented,
			Description: tool.Description,
			Parameters:  tool.Parameters,
		})
	}
	return defs
}
