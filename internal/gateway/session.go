package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/google/uuid"

	"github.com/convoai/convoai/internal/agent"
	"github.com/convoai/convoai/internal/analytics"
	"github.com/convoai/convoai/internal/auth"
	"github.com/convoai/convoai/internal/store"
	"github.com/convoai/convoai/pkg/models"
)

// session is one WebSocket connection bound to one conversation. Turns
// are strictly serial: the worker drains the turn queue one user
// message at a time, and the queue holds at most turnQueueDepth entries
// beyond the in-flight one.
type session struct {
	server   *Server
	conn     *websocket.Conn
	send     chan []byte
	ctx      context.Context
	cancel   context.CancelFunc
	id       string
	conv     *models.Conversation
	identity *auth.Identity
	token    string
	turns    chan string
	logger   *slog.Logger
}

// handleWebSocket authenticates and authorizes the stream, then runs
// the frame loop. Failures after the upgrade are reported as error
// frames before closing, so clients always learn why they were
// dropped.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	refuse := func(kind, detail string) {
		frame, _ := json.Marshal(errorFrame{Type: frameError, Kind: kind, Detail: detail})
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		_ = conn.WriteMessage(websocket.TextMessage, frame)
		_ = conn.Close()
	}

	token := auth.BearerFromRequest(r)
	identity, err := s.verifier.Verify(token)
	if err != nil {
		refuse(errAuth, "authentication failed")
		return
	}

	conv, err := s.store.GetConversation(r.Context(), r.PathValue("id"), identity)
	switch {
	case errors.Is(err, store.ErrNotFound):
		refuse(errNotFound, "unknown conversation")
		return
	case errors.Is(err, store.ErrForbidden):
		refuse(errForbidden, "not your conversation")
		return
	case err != nil:
		refuse(errFatal, "conversation lookup failed")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sessionID := uuid.NewString()
	sess := &session{
		server:   s,
		conn:     conn,
		send:     make(chan []byte, 16),
		ctx:      ctx,
		cancel:   cancel,
		id:       sessionID,
		conv:     conv,
		identity: identity,
		token:    token,
		turns:    make(chan string, turnQueueDepth),
		logger: s.logger.With(
			"session_id", sessionID,
			"conversation_id", conv.ID,
			"subject", identity.Subject),
	}
	sess.run()
}

func (s *session) run() {
	opened := time.Now()
	s.logger.Info("session opened")
	if s.server.metrics != nil {
		s.server.metrics.SessionOpened()
	}
	s.server.emitter.Activity(&analytics.Activity{
		Subject:   s.identity.Subject,
		Kind:      analytics.ActivitySessionOpened,
		Timestamp: opened.UTC(),
		Metadata:  map[string]string{"conversation_id": s.conv.ID},
	})

	go s.writeLoop()
	go s.turnLoop()
	s.readLoop()

	s.cancel()
	_ = s.conn.Close()

	if s.server.metrics != nil {
		s.server.metrics.SessionClosed(time.Since(opened).Seconds())
	}
	s.server.emitter.Activity(&analytics.Activity{
		Subject:   s.identity.Subject,
		Kind:      analytics.ActivitySessionClosed,
		Timestamp: time.Now().UTC(),
		Metadata:  map[string]string{"conversation_id": s.conv.ID},
	})
	s.logger.Info("session closed")
}

// readLoop consumes client frames until disconnect or an end frame.
// Returning cancels the session context, which cancels any in-flight
// model and tool calls.
func (s *session) readLoop() {
	s.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		if messageType != websocket.TextMessage {
			continue
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.sendError(errInvalidFrame, "malformed frame")
			continue
		}

		switch frame.Type {
		case frameSendMessage:
			if frame.Content == "" {
				s.sendError(errInvalidFrame, "empty content")
				continue
			}
			select {
			case s.turns <- frame.Content:
			default:
				s.sendError(errBackpressure, "turn already queued; await the assistant message")
			}
		case frameEnd:
			return
		default:
			s.sendError(errInvalidFrame, "unknown frame type")
		}
	}
}

// writeLoop owns the connection's write side. It also sends the
// keepalive pings: a client silently awaiting a long turn produces no
// traffic of its own, so without pings its pong-fed read deadline
// would expire mid-turn.
func (s *session) writeLoop() {
	ticker := time.NewTicker(s.server.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.cancel()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.cancel()
				return
			}
		}
	}
}

// turnLoop serializes turns for the session.
func (s *session) turnLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case content := <-s.turns:
			s.runTurn(content)
		}
	}
}

// runTurn persists the user message, runs the pipeline, and streams
// the result. Every streamed assistant message was persisted first;
// that is what makes reconnection safe.
func (s *session) runTurn(content string) {
	// Admins may open a stream on any conversation but never write
	// into it.
	if s.identity.Subject != s.conv.OwnerSubject {
		s.sendError(errForbidden, "read-only access to this conversation")
		return
	}

	userMsg := &models.Message{
		ConversationID: s.conv.ID,
		Role:           models.RoleUser,
		Content:        content,
	}
	if err := s.server.store.AppendMessage(s.ctx, userMsg); err != nil {
		if errors.Is(err, store.ErrConversationEnded) {
			s.sendError(errConversationEnd, "conversation has ended")
		} else if s.ctx.Err() == nil {
			s.logger.Error("append user message failed", "error", err)
			s.sendError(errFatal, "persistence failure")
		}
		return
	}
	s.server.emitter.MessageMetric(&analytics.MessageMetric{
		MessageID:      userMsg.ID,
		ConversationID: userMsg.ConversationID,
		Subject:        s.identity.Subject,
		Role:           string(userMsg.Role),
		Timestamp:      userMsg.CreatedAt,
	})
	s.sendMessage(userMsg)

	assistant, err := s.server.responder.Respond(s.ctx, s.conv, s.identity, s.token)
	switch {
	case err == nil:
		s.sendMessage(assistant)
	case errors.Is(err, context.Canceled):
		// Client went away mid-turn; partial output is discarded.
	case errors.Is(err, context.DeadlineExceeded):
		s.sendError(errTimeout, "turn timed out")
	case errors.Is(err, agent.ErrModelUnavailable):
		s.sendError(errModelUnavailable, "model unavailable; try again shortly")
	case errors.Is(err, store.ErrConversationEnded):
		s.sendError(errConversationEnd, "conversation has ended")
	default:
		s.logger.Error("turn failed", "error", err)
		s.sendError(errFatal, "internal failure")
	}
}

func (s *session) sendMessage(msg *models.Message) {
	s.enqueue(messageFrame{
		Type:       frameMessage,
		Role:       string(msg.Role),
		Content:    msg.Content,
		MessageID:  msg.ID,
		Timestamp:  msg.CreatedAt,
		TokenCount: msg.TokenCount,
	})
}

func (s *session) sendError(kind, detail string) {
	s.enqueue(errorFrame{Type: frameError, Kind: kind, Detail: detail})
}

func (s *session) enqueue(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case s.send <- data:
	case <-s.ctx.Done():
	}
}
