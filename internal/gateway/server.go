// Package gateway is the streaming front door: one WebSocket session
// per client connection, bound to a conversation, plus the REST
// management surface.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/convoai/convoai/internal/analytics"
	"github.com/convoai/convoai/internal/auth"
	"github.com/convoai/convoai/internal/observability"
	"github.com/convoai/convoai/internal/store"
	"github.com/convoai/convoai/pkg/models"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second

	// wsPingPeriod must stay below wsPongWait: the pings are what keep
	// a silently waiting client's read deadline alive through a long
	// turn.
	wsPingPeriod = (wsPongWait * 9) / 10

	// turnQueueDepth bounds user turns buffered behind the in-flight
	// one. Overflow is rejected with a backpressure error frame, never
	// buffered.
	turnQueueDepth = 1
)

// Responder runs one completion turn. Satisfied by agent.Pipeline.
type Responder interface {
	Respond(ctx context.Context, conv *models.Conversation, requester *auth.Identity, token string) (*models.Message, error)
}

// Server serves the WebSocket conversation endpoint and the REST API.
type Server struct {
	verifier   *auth.Verifier
	store      store.Store
	responder  Responder
	emitter    analytics.Emitter
	metrics    *observability.Metrics
	queryAPI   *analytics.QueryAPI
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	pingPeriod time.Duration
}

// NewServer wires the gateway. emitter may be analytics.NopEmitter{},
// metrics and queryAPI may be nil.
func NewServer(verifier *auth.Verifier, st store.Store, responder Responder, emitter analytics.Emitter, metrics *observability.Metrics, queryAPI *analytics.QueryAPI, logger *slog.Logger) *Server {
	if emitter == nil {
		emitter = analytics.NopEmitter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		verifier:   verifier,
		store:      st,
		responder:  responder,
		emitter:    emitter,
		metrics:    metrics,
		queryAPI:   queryAPI,
		logger:     logger.With("component", "gateway"),
		pingPeriod: wsPingPeriod,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

// Handler returns the gateway's HTTP handler: the WebSocket endpoint,
// the REST management API, the admin analytics surface, health, and
// metrics.
func (s *Server) Handler() http.Handler {
	authed := auth.Middleware(s.verifier, s.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/conversations/{id}", s.handleWebSocket)
	s.registerAPI(mux, authed)

	if s.queryAPI != nil {
		analyticsMux := http.NewServeMux()
		s.queryAPI.Register(analyticsMux)
		gated := authed(auth.RequireAdmin(s.instrument(analyticsMux)))
		mux.Handle("/api/v1/analytics", gated)
		mux.Handle("/api/v1/analytics/", gated)
	}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}
