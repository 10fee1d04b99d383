package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/queued/pkg/queue"
	"github.com/cuemby/queued/pkg/types"
)

type enqueueRequest struct {
	Type           string            `json:"type"`
	Payload        json.RawMessage   `json:"payload,omitempty"`
	Compatibility  map[string]string `json:"compatibility,omitempty"`
	Priority       int               `json:"priority,omitempty"`
	MaxAttempts    int               `json:"max_attempts,omitempty"`
	RunAfterUTC    *time.Time        `json:"run_after_utc,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

type taskResponse struct {
	ID                   int64             `json:"id"`
	Type                 string            `json:"type"`
	Payload              json.RawMessage   `json:"payload"`
	Compatibility        map[string]string `json:"compatibility,omitempty"`
	Priority             int               `json:"priority"`
	Status               types.Status      `json:"status"`
	Attempts             int               `json:"attempts"`
	MaxAttempts          int               `json:"max_attempts"`
	IdempotencyKey       string            `json:"idempotency_key,omitempty"`
	RunAfterUTC          *time.Time        `json:"run_after_utc,omitempty"`
	LockedBy             string            `json:"locked_by,omitempty"`
	LeaseExpiresUTC      *time.Time        `json:"lease_expires_utc,omitempty"`
	CancelRequested      bool              `json:"cancel_requested"`
	LastError            string            `json:"last_error,omitempty"`
	ProcessingStartedUTC *time.Time        `json:"processing_started_utc,omitempty"`
	FinishedAtUTC        *time.Time        `json:"finished_at_utc,omitempty"`
	CreatedAtUTC         time.Time         `json:"created_at_utc"`
	UpdatedAtUTC         time.Time         `json:"updated_at_utc"`
}

func toTaskResponse(t *types.Task) taskResponse {
	return taskResponse{
		ID: t.ID, Type: t.Type, Payload: t.Payload, Compatibility: t.Compatibility, Priority: t.Priority,
		Status: t.Status, Attempts: t.Attempts, MaxAttempts: t.MaxAttempts,
		IdempotencyKey: t.IdempotencyKey, RunAfterUTC: t.RunAfterUTC,
		LockedBy: t.LockedBy, LeaseExpiresUTC: t.LeaseExpiresUTC,
		CancelRequested: t.CancelRequested, LastError: t.LastError,
		ProcessingStartedUTC: t.ProcessingStartedUTC, FinishedAtUTC: t.FinishedAtUTC,
		CreatedAtUTC: t.CreatedAtUTC, UpdatedAtUTC: t.UpdatedAtUTC,
	}
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: malformed request body: %v", types.ErrValidation, err))
		return
	}

	task, deduped, err := s.repo.Enqueue(r.Context(), queue.EnqueueRequest{
		Type:           req.Type,
		Payload:        req.Payload,
		Compatibility:  req.Compatibility,
		Priority:       req.Priority,
		MaxAttempts:    req.MaxAttempts,
		RunAfterUTC:    req.RunAfterUTC,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if deduped {
		status = http.StatusConflict
	}
	writeJSON(w, status, toTaskResponse(task))
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	task, err := s.repo.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(task))
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	task, err := s.repo.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(task))
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 50
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			offset = n
		}
	}

	tasks, err := s.repo.ListTasks(r.Context(), types.Status(q.Get("status")), q.Get("type"), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]taskResponse, len(tasks))
	for i, t := range tasks {
		out[i] = toTaskResponse(t)
	}
	writeJSON(w, http.StatusOK, out)
}

type statsResponse struct {
	CountsByStatus  map[types.Status]int64 `json:"counts_by_status"`
	OldestQueuedAge *string                 `json:"oldest_queued_age,omitempty"`
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.repo.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	resp := statsResponse{CountsByStatus: stats.CountsByStatus}
	if stats.OldestQueuedAge != nil {
		age := stats.OldestQueuedAge.String()
		resp.OldestQueuedAge = &age
	}
	writeJSON(w, http.StatusOK, resp)
}
