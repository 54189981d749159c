package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/convoai/convoai/pkg/models"
)

type staticSource struct {
	servers []*models.ToolServer
}

func (s *staticSource) ActiveToolServers(ctx context.Context, owner string) ([]*models.ToolServer, error) {
	return s.servers, nil
}

// fakeToolServer serves tools/list and tools/call for a fixed tool set.
type fakeToolServer struct {
	tools      []*Tool
	callResult any
	callStatus int

	lastAuth string
	lastCall CallToolParams
}

func (f *fakeToolServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.lastAuth = r.Header.Get("Authorization")

		var req JSONRPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var result any
		switch req.Method {
		case "tools/list":
			result = ListToolsResult{Tools: f.tools}
		case "tools/call":
			if err := json.Unmarshal(req.Params, &f.lastCall); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if f.callStatus != 0 {
				http.Error(w, "boom", f.callStatus)
				return
			}
			result = f.callResult
		default:
			http.Error(w, "unknown method", http.StatusNotFound)
			return
		}

		raw, _ := json.Marshal(result)
		resp := JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: raw}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestDispatcher(t *testing.T, servers []*models.ToolServer, opts Options) *Dispatcher {
	t.Helper()
	return NewDispatcher(&staticSource{servers: servers}, NewClient(), opts, discardLogger())
}

func registration(id, url string) *models.ToolServer {
	return &models.ToolServer{ID: id, OwnerSubject: "alice", Name: id, EndpointURL: url, Enabled: true}
}

func TestDiscoverAggregatesAndDisambiguates(t *testing.T) {
	first := &fakeToolServer{tools: []*Tool{
		{Name: "get_current_time", Description: "clock", Parameters: json.RawMessage(`{"type":"object"}`)},
	}}
	second := &fakeToolServer{tools: []*Tool{
		{Name: "get_current_time", Description: "other clock"},
		{Name: "weather"},
	}}
	srv1 := httptest.NewServer(first.handler())
	defer srv1.Close()
	srv2 := httptest.NewServer(second.handler())
	defer srv2.Close()

	d := newTestDispatcher(t, []*models.ToolServer{
		registration("s1", srv1.URL),
		registration("s2", srv2.URL),
	}, Options{})

	catalog, err := d.Discover(context.Background(), "alice", "tok")
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(catalog.Tools) != 3 {
		t.Fatalf("expected 3 tools, got %d", len(catalog.Tools))
	}

	byPresented := map[string]ToolDescriptor{}
	for _, tool := range catalog.Tools {
		byPresented[tool.Presented] = tool
	}
	if got := byPresented["get_current_time"]; got.ServerID != "s1" {
		t.Fatalf("bare name should route to first server, got %q", got.ServerID)
	}
	if got := byPresented["get_current_time__2"]; got.ServerID != "s2" || got.Name != "get_current_time" {
		t.Fatalf("duplicate should be suffixed and route to second server, got %+v", got)
	}
	if first.lastAuth != "Bearer tok" {
		t.Fatalf("discovery did not forward bearer token, got %q", first.lastAuth)
	}
}

func TestDiscoverToleratesDeadServer(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer slow.Close()

	healthy := &fakeToolServer{tools: []*Tool{{Name: "echo"}}}
	srv := httptest.NewServer(healthy.handler())
	defer srv.Close()

	d := newTestDispatcher(t, []*models.ToolServer{
		registration("dead", slow.URL),
		registration("live", srv.URL),
	}, Options{DiscoverTimeout: 50 * time.Millisecond})

	catalog, err := d.Discover(context.Background(), "alice", "tok")
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(catalog.Tools) != 1 || catalog.Tools[0].ServerID != "live" {
		t.Fatalf("expected only the live server's tool, got %+v", catalog.Tools)
	}
}

func TestDiscoverDropsInvalidSchema(t *testing.T) {
	server := &fakeToolServer{tools: []*Tool{
		{Name: "bad", Parameters: json.RawMessage(`{"type": 42}`)},
		{Name: "good", Parameters: json.RawMessage(`{"type":"object"}`)},
	}}
	srv := httptest.NewServer(server.handler())
	defer srv.Close()

	d := newTestDispatcher(t, []*models.ToolServer{registration("s1", srv.URL)}, Options{})
	catalog, err := d.Discover(context.Background(), "alice", "tok")
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(catalog.Tools) != 1 || catalog.Tools[0].Name != "good" {
		t.Fatalf("expected invalid-schema tool dropped, got %+v", catalog.Tools)
	}
}

func TestInvokeRoundTrip(t *testing.T) {
	server := &fakeToolServer{
		tools: []*Tool{{Name: "get_current_time"}},
		callResult: CallToolResult{Content: []ToolResultContent{
			{Type: "text", Text: "2025-01-01T12:00:00+09:00"},
		}},
	}
	srv := httptest.NewServer(server.handler())
	defer srv.Close()

	d := newTestDispatcher(t, []*models.ToolServer{registration("s1", srv.URL)}, Options{})
	catalog, err := d.Discover(context.Background(), "alice", "tok")
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	args := json.RawMessage(`{"tz":"Asia/Tokyo"}`)
	result, err := d.Invoke(context.Background(), catalog, "tok", "get_current_time", args)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %+v", result)
	}
	if result.Content != "2025-01-01T12:00:00+09:00" {
		t.Fatalf("unexpected content %q", result.Content)
	}
	if server.lastAuth != "Bearer tok" {
		t.Fatalf("invocation did not forward bearer token, got %q", server.lastAuth)
	}
	if server.lastCall.Name != "get_current_time" || string(server.lastCall.Arguments) != string(args) {
		t.Fatalf("unexpected call params %+v", server.lastCall)
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	d := newTestDispatcher(t, nil, Options{})
	_, err := d.Invoke(context.Background(), newCatalog(), "tok", "nope", nil)
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("Invoke() error = %v, want ErrUnknownTool", err)
	}
}

func TestInvokeServerFailureIsInBand(t *testing.T) {
	server := &fakeToolServer{
		tools:      []*Tool{{Name: "flaky"}},
		callStatus: http.StatusInternalServerError,
	}
	srv := httptest.NewServer(server.handler())
	defer srv.Close()

	d := newTestDispatcher(t, []*models.ToolServer{registration("s1", srv.URL)}, Options{})
	catalog, err := d.Discover(context.Background(), "alice", "tok")
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	result, err := d.Invoke(context.Background(), catalog, "tok", "flaky", nil)
	if err != nil {
		t.Fatalf("Invoke() error = %v, want in-band failure", err)
	}
	if !result.IsError {
		t.Fatalf("expected error result, got %+v", result)
	}
	if !strings.Contains(result.Content, "tool server unavailable") {
		t.Fatalf("unexpected content %q", result.Content)
	}
}

func TestSanitizeStripsControlCharacters(t *testing.T) {
	got := sanitize("bad\x00\x1bserver\ntext")
	if got != "badservertext" {
		t.Fatalf("sanitize() = %q", got)
	}
	long := strings.Repeat("a", 500)
	if len(sanitize(long)) > 220 {
		t.Fatalf("sanitize did not truncate, len = %d", len(sanitize(long)))
	}
}
