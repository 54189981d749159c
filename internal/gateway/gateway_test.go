package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/convoai/convoai/internal/analytics"
	"github.com/convoai/convoai/internal/auth"
	"github.com/convoai/convoai/internal/store"
	"github.com/convoai/convoai/pkg/models"
)

// fakeResponder persists a canned assistant message, or blocks until
// released to simulate a long turn.
type fakeResponder struct {
	store   store.ConversationStore
	content string
	err     error
	block   chan struct{}
}

func (f *fakeResponder) Respond(ctx context.Context, conv *models.Conversation, requester *auth.Identity, token string) (*models.Message, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	msg := &models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleAssistant,
		Content:        f.content,
	}
	if err := f.store.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

type testFrame struct {
	Type      string `json:"type"`
	Role      string `json:"role,omitempty"`
	Content   string `json:"content,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

type testEnv struct {
	server    *httptest.Server
	gateway   *Server
	verifier  *auth.Verifier
	store     *store.MemoryStore
	responder *fakeResponder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	verifier, err := auth.NewVerifier("test-secret-key")
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}
	st := store.NewMemoryStore()
	responder := &fakeResponder{store: st, content: "hi there"}
	queryAPI := analytics.NewQueryAPI(analytics.NewMemoryStore(), discardLogger())
	gw := NewServer(verifier, st, responder, analytics.NopEmitter{}, nil, queryAPI, discardLogger())
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{server: srv, gateway: gw, verifier: verifier, store: st, responder: responder}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func (e *testEnv) token(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	token, err := e.verifier.Issue(subject, roles, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	return token
}

func (e *testEnv) conversation(t *testing.T, owner string) *models.Conversation {
	t.Helper()
	conv, err := e.store.CreateConversation(context.Background(), owner, "test", "")
	if err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	return conv
}

func (e *testEnv) dial(t *testing.T, conversationID, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") +
		"/ws/conversations/" + conversationID + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) *testFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame testFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return &frame
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame any) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
}

func TestSessionHappyPath(t *testing.T) {
	env := newTestEnv(t)
	conv := env.conversation(t, "alice")
	conn := env.dial(t, conv.ID, env.token(t, "alice"))

	sendFrame(t, conn, inboundFrame{Type: frameSendMessage, Content: "hello"})

	// User echo first, then the assistant message.
	echo := readFrame(t, conn)
	if echo.Type != frameMessage || echo.Role != "user" || echo.Content != "hello" {
		t.Fatalf("echo frame = %+v", echo)
	}
	reply := readFrame(t, conn)
	if reply.Type != frameMessage || reply.Role != "assistant" || reply.Content != "hi there" {
		t.Fatalf("assistant frame = %+v", reply)
	}
	if reply.MessageID == "" {
		t.Error("assistant frame missing message_id")
	}

	// Persisted before streamed.
	messages, err := env.store.ListMessages(context.Background(), conv.ID, &auth.Identity{Subject: "alice"})
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(messages))
	}
}

func TestSessionRejectsBadToken(t *testing.T) {
	env := newTestEnv(t)
	conv := env.conversation(t, "alice")
	conn := env.dial(t, conv.ID, "not-a-token")

	frame := readFrame(t, conn)
	if frame.Type != frameError || frame.Kind != errAuth {
		t.Fatalf("frame = %+v, want auth error", frame)
	}
}

func TestSessionRejectsForeignConversation(t *testing.T) {
	env := newTestEnv(t)
	conv := env.conversation(t, "alice")
	conn := env.dial(t, conv.ID, env.token(t, "mallory"))

	frame := readFrame(t, conn)
	if frame.Type != frameError || frame.Kind != errForbidden {
		t.Fatalf("frame = %+v, want forbidden error", frame)
	}
}

func TestSessionUnknownConversation(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "no-such-conversation", env.token(t, "alice"))

	frame := readFrame(t, conn)
	if frame.Type != frameError || frame.Kind != errNotFound {
		t.Fatalf("frame = %+v, want not_found error", frame)
	}
}

func TestSessionAdminMayObserve(t *testing.T) {
	env := newTestEnv(t)
	conv := env.conversation(t, "alice")
	conn := env.dial(t, conv.ID, env.token(t, "root", auth.AdminRole))

	// Admin read access opens the session; writing into someone
	// else's conversation is still refused.
	sendFrame(t, conn, inboundFrame{Type: frameSendMessage, Content: "hi"})
	frame := readFrame(t, conn)
	if frame.Type != frameError || frame.Kind != errForbidden {
		t.Fatalf("frame = %+v, want forbidden error for admin write", frame)
	}
}

func TestSessionBackpressure(t *testing.T) {
	env := newTestEnv(t)
	env.responder.block = make(chan struct{})
	conv := env.conversation(t, "alice")
	conn := env.dial(t, conv.ID, env.token(t, "alice"))

	// First turn goes in flight, second queues, third overflows.
	sendFrame(t, conn, inboundFrame{Type: frameSendMessage, Content: "one"})
	// Wait for the echo so the first turn is actually in flight.
	if frame := readFrame(t, conn); frame.Role != "user" {
		t.Fatalf("expected user echo, got %+v", frame)
	}
	sendFrame(t, conn, inboundFrame{Type: frameSendMessage, Content: "two"})
	sendFrame(t, conn, inboundFrame{Type: frameSendMessage, Content: "three"})

	var sawBackpressure bool
	for i := 0; i < 3 && !sawBackpressure; i++ {
		frame := readFrame(t, conn)
		if frame.Type == frameError && frame.Kind == errBackpressure {
			sawBackpressure = true
		}
	}
	if !sawBackpressure {
		t.Fatal("no backpressure error frame for the overflowing turn")
	}
	close(env.responder.block)
}

func TestSessionKeepalivePingsDuringLongTurn(t *testing.T) {
	verifier, err := auth.NewVerifier("test-secret-key")
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}
	st := store.NewMemoryStore()
	responder := &fakeResponder{store: st, block: make(chan struct{})}
	defer close(responder.block)

	// Shorten the period before the server starts accepting sessions.
	gw := NewServer(verifier, st, responder, analytics.NopEmitter{}, nil, nil, discardLogger())
	gw.pingPeriod = 25 * time.Millisecond
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	env := &testEnv{server: srv, gateway: gw, verifier: verifier, store: st, responder: responder}

	conv := env.conversation(t, "alice")
	conn := env.dial(t, conv.ID, env.token(t, "alice"))

	pings := make(chan struct{}, 8)
	conn.SetPingHandler(func(string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return nil
	})

	sendFrame(t, conn, inboundFrame{Type: frameSendMessage, Content: "slow one"})
	if frame := readFrame(t, conn); frame.Role != "user" {
		t.Fatalf("expected user echo, got %+v", frame)
	}

	// The turn is now blocked and the client sends nothing, exactly
	// like a client awaiting a long completion. Control frames are
	// only processed while reading, so keep reading.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pings:
	case <-time.After(2 * time.Second):
		t.Fatal("no keepalive ping while the turn was in flight")
	}
}

func TestSessionEndedConversationRejectsTurns(t *testing.T) {
	env := newTestEnv(t)
	conv := env.conversation(t, "alice")
	if err := env.store.EndConversation(context.Background(), conv.ID, &auth.Identity{Subject: "alice"}); err != nil {
		t.Fatalf("EndConversation() error = %v", err)
	}
	conn := env.dial(t, conv.ID, env.token(t, "alice"))

	sendFrame(t, conn, inboundFrame{Type: frameSendMessage, Content: "hello?"})
	frame := readFrame(t, conn)
	if frame.Type != frameError || frame.Kind != errConversationEnd {
		t.Fatalf("frame = %+v, want conversation_ended error", frame)
	}
}

func TestSessionInvalidFrame(t *testing.T) {
	env := newTestEnv(t)
	conv := env.conversation(t, "alice")
	conn := env.dial(t, conv.ID, env.token(t, "alice"))

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{broken")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	frame := readFrame(t, conn)
	if frame.Type != frameError || frame.Kind != errInvalidFrame {
		t.Fatalf("frame = %+v, want invalid_frame error", frame)
	}

	// Session survives a malformed frame.
	sendFrame(t, conn, inboundFrame{Type: frameSendMessage, Content: "still alive"})
	if frame := readFrame(t, conn); frame.Role != "user" {
		t.Fatalf("expected user echo after invalid frame, got %+v", frame)
	}
}

func (e *testEnv) request(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAPIConversationLifecycle(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "alice")

	resp := env.request(t, http.MethodPost, "/api/v1/conversations", token,
		createConversationRequest{Title: "plans", SystemPrompt: "be brief"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	var conv models.Conversation
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		t.Fatalf("decode conversation: %v", err)
	}
	if conv.OwnerSubject != "alice" || conv.Title != "plans" {
		t.Errorf("conversation = %+v", conv)
	}

	resp = env.request(t, http.MethodGet, "/api/v1/conversations", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d, want 200", resp.StatusCode)
	}
	var listed []*models.Conversation
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("listed %d conversations, want 1", len(listed))
	}

	resp = env.request(t, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/end", token, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("end status = %d, want 204", resp.StatusCode)
	}

	resp = env.request(t, http.MethodDelete, "/api/v1/conversations/"+conv.ID, token, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}

	resp = env.request(t, http.MethodGet, "/api/v1/conversations/"+conv.ID, token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", resp.StatusCode)
	}
}

func TestAPIRejectsUnauthenticated(t *testing.T) {
	env := newTestEnv(t)
	resp := env.request(t, http.MethodGet, "/api/v1/conversations", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAPICrossUserForbidden(t *testing.T) {
	env := newTestEnv(t)
	conv := env.conversation(t, "alice")

	resp := env.request(t, http.MethodGet, "/api/v1/conversations/"+conv.ID, env.token(t, "mallory"), nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestAPIToolServerCRUD(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "alice")

	resp := env.request(t, http.MethodPost, "/api/v1/tool-servers", token,
		toolServerRequest{Name: "time", EndpointURL: "http://127.0.0.1:9999/rpc"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	var ts models.ToolServer
	if err := json.NewDecoder(resp.Body).Decode(&ts); err != nil {
		t.Fatalf("decode tool server: %v", err)
	}
	if !ts.Enabled {
		t.Error("tool server not enabled by default")
	}

	disabled := false
	resp = env.request(t, http.MethodPut, "/api/v1/tool-servers/"+ts.ID, token,
		toolServerRequest{Enabled: &disabled})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d, want 200", resp.StatusCode)
	}
	var updated models.ToolServer
	if err := json.NewDecoder(resp.Body).Decode(&updated); err != nil {
		t.Fatalf("decode updated: %v", err)
	}
	if updated.Enabled {
		t.Error("tool server still enabled after disable")
	}

	resp = env.request(t, http.MethodDelete, "/api/v1/tool-servers/"+ts.ID, token, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}
}

func TestAPIToolServerValidation(t *testing.T) {
	env := newTestEnv(t)
	resp := env.request(t, http.MethodPost, "/api/v1/tool-servers", env.token(t, "alice"),
		toolServerRequest{Name: "no-endpoint"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAnalyticsSurfaceAdminGated(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodGet, "/api/v1/analytics/summary", env.token(t, "alice"), nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin status = %d, want 403", resp.StatusCode)
	}

	resp = env.request(t, http.MethodGet, "/api/v1/analytics/summary", env.token(t, "root", auth.AdminRole), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin status = %d, want 200", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
