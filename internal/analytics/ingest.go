package analytics

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/netip"

	"github.com/convoai/convoai/internal/observability"
)

// Ingestor accepts intra-cluster tracking events. The surface is
// deliberately unauthenticated: no bearer token is consulted, so it
// MUST only be reachable from the private network. Requests arriving
// from public addresses are rejected outright.
type Ingestor struct {
	store   Store
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewIngestor builds the ingest surface over a Store. metrics may be
// nil.
func NewIngestor(store Store, metrics *observability.Metrics, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		store:   store,
		metrics: metrics,
		logger:  logger.With("component", "analytics_ingest"),
	}
}

// Handler returns the ingest HTTP handler.
func (i *Ingestor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ingest/activity", ingestJSON(i, "activity", func(r *http.Request, a *Activity) error {
		return i.store.RecordActivity(r.Context(), a)
	}))
	mux.HandleFunc("POST /ingest/api-call", ingestJSON(i, "api_call", func(r *http.Request, c *APICall) error {
		return i.store.RecordAPICall(r.Context(), c)
	}))
	mux.HandleFunc("POST /ingest/conversation", ingestJSON(i, "conversation", func(r *http.Request, lc *ConversationLifecycle) error {
		return i.store.RecordConversationLifecycle(r.Context(), lc)
	}))
	mux.HandleFunc("POST /ingest/message", ingestJSON(i, "message", func(r *http.Request, m *MessageMetric) error {
		return i.store.RecordMessageMetric(r.Context(), m)
	}))
	return i.requirePrivateNetwork(mux)
}

// ingestJSON decodes one event and records it. Ingest replies 202
// regardless of payload semantics; only transport and decode errors
// surface as client errors.
func ingestJSON[T any](i *Ingestor, kind string, record func(*http.Request, *T) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var event T
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&event); err != nil {
			http.Error(w, "malformed event", http.StatusBadRequest)
			return
		}
		if err := record(r, &event); err != nil {
			i.logger.Error("event ingest failed", "error", err)
			http.Error(w, "ingest failed", http.StatusInternalServerError)
			return
		}
		if i.metrics != nil {
			i.metrics.RecordIngestEvent(kind)
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// requirePrivateNetwork rejects requests whose peer address is not
// loopback or RFC1918/ULA private space.
func (i *Ingestor) requirePrivateNetwork(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		addr, err := netip.ParseAddr(host)
		if err != nil || !(addr.IsLoopback() || addr.IsPrivate()) {
			i.logger.Warn("rejected ingest from public address", "remote", r.RemoteAddr)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
