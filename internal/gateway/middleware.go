package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/convoai/convoai/internal/analytics"
	"github.com/convoai/convoai/internal/auth"
)

// statusRecorder captures the response status for instrumentation.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument emits an APICall event and HTTP metrics for one API
// request. It runs inside the auth middleware so the caller's subject
// is attributable.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		elapsed := time.Since(start)

		subject := ""
		if identity, ok := auth.IdentityFromContext(r.Context()); ok {
			subject = identity.Subject
		}
		s.emitter.APICall(&analytics.APICall{
			Endpoint:  r.URL.Path,
			Method:    r.Method,
			Subject:   subject,
			Status:    recorder.status,
			LatencyMS: elapsed.Milliseconds(),
			Timestamp: start.UTC(),
		})
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(recorder.status), elapsed.Seconds())
		}
	})
}
