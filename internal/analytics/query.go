package analytics

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
)

// QueryAPI is the read side of analytics. Every route here is
// admin-only; the caller wraps the registered mux with the identity
// middleware and an admin gate before serving it.
type QueryAPI struct {
	store  Store
	logger *slog.Logger
}

// NewQueryAPI builds the query surface over a Store.
func NewQueryAPI(store Store, logger *slog.Logger) *QueryAPI {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryAPI{store: store, logger: logger.With("component", "analytics_query")}
}

// Register mounts the query routes on mux.
func (q *QueryAPI) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/analytics/summary", q.handleSummary)
	mux.HandleFunc("GET /api/v1/analytics/top-users", q.handleTopUsers)
	mux.HandleFunc("GET /api/v1/analytics/activities", q.handleActivities)
	mux.HandleFunc("GET /api/v1/analytics/conversations/{id}/rollup", q.handleRollup)
	mux.HandleFunc("DELETE /api/v1/analytics", q.handleClearAll)
}

func (q *QueryAPI) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := q.store.Summary(r.Context())
	if err != nil {
		q.internalError(w, "summary query failed", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (q *QueryAPI) handleTopUsers(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	users, err := q.store.TopUsers(r.Context(), limit)
	if err != nil {
		q.internalError(w, "top users query failed", err)
		return
	}
	if users == nil {
		users = []*UserUsage{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (q *QueryAPI) handleActivities(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := ActivityFilter{
		Subject: query.Get("subject"),
		Kind:    query.Get("kind"),
		Limit:   50,
	}
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}
	if raw := query.Get("skip"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid skip", http.StatusBadRequest)
			return
		}
		filter.Skip = n
	}

	activities, err := q.store.Activities(r.Context(), filter)
	if err != nil {
		q.internalError(w, "activities query failed", err)
		return
	}
	if activities == nil {
		activities = []*Activity{}
	}
	writeJSON(w, http.StatusOK, activities)
}

func (q *QueryAPI) handleRollup(w http.ResponseWriter, r *http.Request) {
	rollup, err := q.store.Rollup(r.Context(), r.PathValue("id"))
	if errors.Is(err, ErrRollupNotFound) {
		http.Error(w, "rollup not found", http.StatusNotFound)
		return
	}
	if err != nil {
		q.internalError(w, "rollup query failed", err)
		return
	}
	writeJSON(w, http.StatusOK, rollup)
}

func (q *QueryAPI) handleClearAll(w http.ResponseWriter, r *http.Request) {
	if err := q.store.ClearAll(r.Context()); err != nil {
		q.internalError(w, "clear failed", err)
		return
	}
	q.logger.Warn("analytics data cleared")
	w.WriteHeader(http.StatusNoContent)
}

func (q *QueryAPI) internalError(w http.ResponseWriter, msg string, err error) {
	q.logger.Error(msg, "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
