package auth

import (
	"log/slog"
	"net/http"
	"strings"
)

// BearerFromRequest extracts a bearer token from the Authorization
// header, falling back to the "token" query parameter for transports
// that cannot set headers (browser WebSocket clients).
func BearerFromRequest(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// Middleware verifies the request's bearer token and attaches the
// resulting identity to the request context. Requests without a valid
// token are rejected with 401.
func Middleware(verifier *Verifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerFromRequest(r)
			if token == "" {
				http.Error(w, "missing credentials", http.StatusUnauthorized)
				return
			}
			id, err := verifier.Verify(token)
			if err != nil {
				if logger != nil {
					logger.Warn("token verification failed", "error", err, "path", r.URL.Path)
				}
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireAdmin wraps a handler and rejects non-admin identities with
// 403. It must run after Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFromContext(r.Context())
		if !ok || !id.IsAdmin() {
			http.Error(w, "admin role required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
