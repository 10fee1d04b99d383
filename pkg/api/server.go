// Package api is the thin HTTP adapter over the queue: one handler per
// route, each calling straight into the repository. It owns no
// business logic of its own beyond request decoding and the uniform
// error envelope.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/queued/pkg/metrics"
	"github.com/cuemby/queued/pkg/queue"
	"github.com/cuemby/queued/pkg/types"
)

// Server exposes the queue over HTTP.
type Server struct {
	repo *queue.Repository
	mux  *http.ServeMux
}

// NewServer builds the full route table: the queue CRUD surface plus
// the ambient health/readiness/metrics endpoints.
func NewServer(repo *queue.Repository) *Server {
	s := &Server{repo: repo, mux: http.NewServeMux()}

	s.mux.HandleFunc("POST /api/queue/tasks", s.enqueue)
	s.mux.HandleFunc("GET /api/queue/tasks", s.listTasks)
	s.mux.HandleFunc("GET /api/queue/tasks/{id}", s.getTask)
	s.mux.HandleFunc("DELETE /api/queue/tasks/{id}", s.cancelTask)
	s.mux.HandleFunc("GET /api/queue/stats", s.stats)

	s.mux.Handle("GET /healthz", metrics.HealthHandler())
	s.mux.Handle("GET /readyz", metrics.ReadyHandler())
	s.mux.Handle("GET /metrics", metrics.Handler())

	return s
}

// Handler returns the composed http.Handler for embedding in an
// *http.Server.
func (s *Server) Handler() http.Handler {
	return withRequestMetrics(s.mux)
}

func withRequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = r.URL.Path
		}
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, route)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// errorEnvelope is the uniform error shape returned on any non-2xx response.
type errorEnvelope struct {
	Detail    string    `json:"detail"`
	ErrorCode string    `json:"error_code"`
	Timestamp time.Time `json:"timestamp"`
}

func writeError(w http.ResponseWriter, err error) {
	code, status := classify(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Detail:    err.Error(),
		ErrorCode: code,
		Timestamp: time.Now().UTC(),
	})
}

func classify(err error) (code string, status int) {
	switch {
	case errors.Is(err, types.ErrValidation):
		return "validation_error", http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		return "not_found", http.StatusNotFound
	case errors.Is(err, types.ErrLeaseLost):
		return "lease_lost", http.StatusConflict
	case errors.Is(err, types.ErrSchemaMismatch):
		return "schema_mismatch", http.StatusInternalServerError
	case errors.Is(err, types.ErrStorageUnavailable):
		return "storage_unavailable", http.StatusServiceUnavailable
	default:
		return "internal_error", http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func pathID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid task id %q", types.ErrValidation, raw)
	}
	return id, nil
}
