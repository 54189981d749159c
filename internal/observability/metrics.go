package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the application metric set, exposed on /metrics.
//
// Tracked:
//   - Model request latency, outcome, and token consumption
//   - Tool dispatch outcomes and latencies
//   - Active WebSocket sessions and session lifetimes
//   - HTTP API traffic
//   - Analytics ingest volume
type Metrics struct {
	// ModelRequestDuration measures model API call latency in seconds.
	// Labels: provider, model
	ModelRequestDuration *prometheus.HistogramVec

	// ModelRequestCounter counts model requests.
	// Labels: provider, model, status (success|error)
	ModelRequestCounter *prometheus.CounterVec

	// ModelTokensUsed tracks token consumption.
	// Labels: provider, model
	ModelTokensUsed *prometheus.CounterVec

	// ToolDispatchCounter counts tool invocations.
	// Labels: tool, status (success|error)
	ToolDispatchCounter *prometheus.CounterVec

	// ToolDispatchDuration measures tool invocation time in seconds.
	// Labels: tool
	ToolDispatchDuration *prometheus.HistogramVec

	// ActiveSessions tracks currently open WebSocket sessions.
	ActiveSessions prometheus.Gauge

	// SessionDuration measures session lifetime in seconds.
	SessionDuration prometheus.Histogram

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP request latency in seconds.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// IngestEventsCounter counts analytics events accepted by the
	// ingestor. Labels: kind (activity|api_call|conversation|message)
	IngestEventsCounter *prometheus.CounterVec
}

// NewMetrics creates and registers the metric set. A nil registerer
// uses the Prometheus default registry; tests pass their own.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ModelRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "convoai_model_request_duration_seconds",
				Help:    "Duration of model API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		ModelRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoai_model_requests_total",
				Help: "Total number of model requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		ModelTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoai_model_tokens_total",
				Help: "Total number of tokens reported by the model",
			},
			[]string{"provider", "model"},
		),

		ToolDispatchCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoai_tool_dispatch_total",
				Help: "Total number of tool invocations by tool and status",
			},
			[]string{"tool", "status"},
		),

		ToolDispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "convoai_tool_dispatch_duration_seconds",
				Help:    "Duration of tool invocations in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"tool"},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "convoai_active_sessions",
				Help: "Current number of open WebSocket sessions",
			},
		),

		SessionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "convoai_session_duration_seconds",
				Help:    "Duration of WebSocket sessions in seconds",
				Buckets: []float64{10, 60, 300, 600, 1800, 3600, 7200},
			},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoai_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "convoai_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		IngestEventsCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoai_ingest_events_total",
				Help: "Total number of analytics events accepted",
			},
			[]string{"kind"},
		),
	}
}

// RecordModelRequest records one model API call.
func (m *Metrics) RecordModelRequest(provider, model, status string, durationSeconds float64, tokens int) {
	m.ModelRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.ModelRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if tokens > 0 {
		m.ModelTokensUsed.WithLabelValues(provider, model).Add(float64(tokens))
	}
}

// RecordToolDispatch records one tool invocation.
func (m *Metrics) RecordToolDispatch(tool, status string, durationSeconds float64) {
	m.ToolDispatchCounter.WithLabelValues(tool, status).Inc()
	m.ToolDispatchDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened() {
	m.ActiveSessions.Inc()
}

// SessionClosed decrements the gauge and records the session lifetime.
func (m *Metrics) SessionClosed(durationSeconds float64) {
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordHTTPRequest records one HTTP API request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordIngestEvent counts one accepted analytics event.
func (m *Metrics) RecordIngestEvent(kind string) {
	m.IngestEventsCounter.WithLabelValues(kind).Inc()
}
