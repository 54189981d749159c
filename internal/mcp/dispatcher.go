package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/semaphore"

	"github.com/convoai/convoai/pkg/models"
)

// ErrUnknownTool is returned when the model selects a tool that is not
// in the current catalog.
var ErrUnknownTool = errors.New("unknown tool")

// ServerSource lists a user's active tool server registrations.
// Implemented by store.Registry.
type ServerSource interface {
	ActiveToolServers(ctx context.Context, owner string) ([]*models.ToolServer, error)
}

// Options tune dispatcher deadlines and fan-out.
type Options struct {
	// DiscoverTimeout bounds each tools/list call.
	DiscoverTimeout time.Duration
	// InvokeTimeout bounds each tools/call call.
	InvokeTimeout time.Duration
	// MaxConcurrentDiscoveries bounds the discovery fan-out.
	MaxConcurrentDiscoveries int64
}

// DefaultOptions returns the recommended deadlines.
func DefaultOptions() Options {
	return Options{
		DiscoverTimeout:          2 * time.Second,
		InvokeTimeout:            10 * time.Second,
		MaxConcurrentDiscoveries: 4,
	}
}

// Dispatcher builds per-turn tool catalogs from a user's registered
// servers and routes the model's tool choices back to the owning
// server. No server may block or abort the pipeline: discovery
// failures shrink the catalog and invocation failures come back as
// in-band error results.
type Dispatcher struct {
	source ServerSource
	client *Client
	opts   Options
	logger *slog.Logger
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(source ServerSource, client *Client, opts Options, logger *slog.Logger) *Dispatcher {
	defaults := DefaultOptions()
	if opts.DiscoverTimeout <= 0 {
		opts.DiscoverTimeout = defaults.DiscoverTimeout
	}
	if opts.InvokeTimeout <= 0 {
		opts.InvokeTimeout = defaults.InvokeTimeout
	}
	if opts.MaxConcurrentDiscoveries <= 0 {
		opts.MaxConcurrentDiscoveries = defaults.MaxConcurrentDiscoveries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		source: source,
		client: client,
		opts:   opts,
		logger: logger.With("component", "dispatcher"),
	}
}

// Discover probes the owner's active servers concurrently and
// aggregates their advertised tools into a fresh catalog. Failing
// servers contribute zero tools; a partial catalog is the common case.
func (d *Dispatcher) Discover(ctx context.Context, owner, token string) (*Catalog, error) {
	servers, err := d.source.ActiveToolServers(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list tool servers: %w", err)
	}

	catalog := newCatalog()
	if len(servers) == 0 {
		return catalog, nil
	}

	results := make([][]*Tool, len(servers))
	sem := semaphore.NewWeighted(d.opts.MaxConcurrentDiscoveries)
	var wg sync.WaitGroup
	for i, server := range servers {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(i int, server *models.ToolServer) {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = d.listTools(ctx, server, token)
		}(i, server)
	}
	wg.Wait()

	// Aggregate in registration order so collision suffixes are
	// deterministic across turns.
	for i, server := range servers {
		for _, tool := range results[i] {
			catalog.add(server.ID, server.EndpointURL, tool)
		}
	}
	return catalog, nil
}

// listTools fetches one server's advertised tools, dropping tools whose
// parameter schemas do not compile. Never returns an error: a broken
// server is a warn log and an empty slice.
func (d *Dispatcher) listTools(ctx context.Context, server *models.ToolServer, token string) []*Tool {
	callCtx, cancel := context.WithTimeout(ctx, d.opts.DiscoverTimeout)
	defer cancel()

	raw, err := d.client.Call(callCtx, server.EndpointURL, token, "tools/list", struct{}{})
	if err != nil {
		d.logger.Warn("tool discovery failed",
			"server_id", server.ID, "server_name", server.Name, "error", sanitize(err.Error()))
		return nil
	}

	var listed ListToolsResult
	if err := json.Unmarshal(raw, &listed); err != nil {
		d.logger.Warn("tool discovery returned malformed result",
			"server_id", server.ID, "error", err)
		return nil
	}

	tools := make([]*Tool, 0, len(listed.Tools))
	for _, tool := range listed.Tools {
		if tool == nil || tool.Name == "" {
			continue
		}
		if len(tool.Parameters) > 0 {
			if _, err := jsonschema.CompileString(tool.Name+".json", string(tool.Parameters)); err != nil {
				d.logger.Warn("dropping tool with invalid parameter schema",
					"server_id", server.ID, "tool", tool.Name, "error", err)
				continue
			}
		}
		tools = append(tools, tool)
	}
	return tools
}

// Invoke routes a model tool choice to the owning server and returns
// the result. ErrUnknownTool is the only error; server failures are
// returned in-band so the model can recover.
func (d *Dispatcher) Invoke(ctx context.Context, catalog *Catalog, token, presented string, arguments json.RawMessage) (*InvokeResult, error) {
	if catalog == nil {
		return nil, ErrUnknownTool
	}
	r, ok := catalog.resolve(presented)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, sanitize(presented))
	}

	callCtx, cancel := context.WithTimeout(ctx, d.opts.InvokeTimeout)
	defer cancel()

	raw, err := d.client.Call(callCtx, r.EndpointURL, token, "tools/call", CallToolParams{
		Name:      r.ToolName,
		Arguments: arguments,
	})
	if err != nil {
		d.logger.Warn("tool invocation failed",
			"server_id", r.ServerID, "tool", r.ToolName, "error", sanitize(err.Error()))
		return &InvokeResult{
			Content: fmt.Sprintf("tool server unavailable: %s", sanitize(err.Error())),
			IsError: true,
		}, nil
	}

	return decodeInvokeResult(raw), nil
}

// decodeInvokeResult flattens a tools/call payload. Servers following
// the structured content shape get their text blocks joined; anything
// else is passed through verbatim.
func decodeInvokeResult(raw json.RawMessage) *InvokeResult {
	var structured CallToolResult
	if err := json.Unmarshal(raw, &structured); err == nil && len(structured.Content) > 0 {
		var text string
		for _, part := range structured.Content {
			if part.Type == "text" || part.Type == "" {
				text += part.Text
			}
		}
		return &InvokeResult{Content: text, IsError: structured.IsError}
	}

	// Fall back to the raw result payload, unquoting bare strings.
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return &InvokeResult{Content: asString}
	}
	return &InvokeResult{Content: string(raw)}
}
