package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Emitter is the fire-and-forget side of the pipeline: callers hand an
// event off and move on. Implementations never block the request path,
// never retry, and never surface failures to callers.
type Emitter interface {
	Activity(a *Activity)
	APICall(c *APICall)
	ConversationLifecycle(lc *ConversationLifecycle)
	MessageMetric(m *MessageMetric)
}

// HTTPEmitter posts events to the ingest surface. Each emit runs on
// its own goroutine with a detached deadline; if the ingestor is down
// the event is dropped and logged.
type HTTPEmitter struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPEmitter builds an emitter targeting the ingest base URL
// (e.g. "http://127.0.0.1:9090").
func NewHTTPEmitter(baseURL string, logger *slog.Logger) *HTTPEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPEmitter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 2 * time.Second},
		logger:  logger.With("component", "analytics_emit"),
	}
}

func (e *HTTPEmitter) Activity(a *Activity) { e.post("/ingest/activity", a) }

func (e *HTTPEmitter) APICall(c *APICall) { e.post("/ingest/api-call", c) }

func (e *HTTPEmitter) ConversationLifecycle(lc *ConversationLifecycle) {
	e.post("/ingest/conversation", lc)
}

func (e *HTTPEmitter) MessageMetric(m *MessageMetric) { e.post("/ingest/message", m) }

func (e *HTTPEmitter) post(path string, event any) {
	body, err := json.Marshal(event)
	if err != nil {
		e.logger.Error("marshal event", "path", path, "error", err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
		if err != nil {
			e.logger.Warn("dropped analytics event", "path", path, "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.client.Do(req)
		if err != nil {
			e.logger.Warn("dropped analytics event", "path", path, "error", err)
			return
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			e.logger.Warn("dropped analytics event", "path", path, "status", resp.StatusCode)
		}
	}()
}

// NopEmitter discards every event. Used when analytics is disabled.
type NopEmitter struct{}

func (NopEmitter) Activity(*Activity)                           {}
func (NopEmitter) APICall(*APICall)                             {}
func (NopEmitter) ConversationLifecycle(*ConversationLifecycle) {}
func (NopEmitter) MessageMetric(*MessageMetric)                 {}
