package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/queued/pkg/log"
	"github.com/cuemby/queued/pkg/metrics"
	"github.com/cuemby/queued/pkg/scheduler"
	"github.com/cuemby/queued/pkg/storage"
	"github.com/cuemby/queued/pkg/types"
)

const (
	MinPriority        = 1
	MaxPriority        = 1000
	DefaultPriority    = 100
	MinMaxAttempts     = 1
	MaxMaxAttempts     = 10
	DefaultMaxAttempts = 5
)

// Repository is the task persistence layer: every mutation named in
// the component design is one method here, each a short transaction
// against the storage engine.
type Repository struct {
	engine *storage.Engine
}

func NewRepository(engine *storage.Engine) *Repository {
	return &Repository{engine: engine}
}

// EnqueueRequest carries the caller-supplied fields for a new task.
type EnqueueRequest struct {
	Type           string
	Payload        json.RawMessage
	Priority       int
	MaxAttempts    int
	RunAfterUTC    *time.Time
	IdempotencyKey string

	// Compatibility declares the worker capabilities required to run
	// this task; a worker is eligible only if every key here matches
	// an equal value in its capabilities.
	Compatibility map[string]string
}

func (r EnqueueRequest) validate() error {
	if r.Type == "" {
		return fmt.Errorf("%w: type is required", types.ErrValidation)
	}
	if r.Priority != 0 && (r.Priority < MinPriority || r.Priority > MaxPriority) {
		return fmt.Errorf("%w: priority must be between %d and %d", types.ErrValidation, MinPriority, MaxPriority)
	}
	if r.MaxAttempts != 0 && (r.MaxAttempts < MinMaxAttempts || r.MaxAttempts > MaxMaxAttempts) {
		return fmt.Errorf("%w: max_attempts must be between %d and %d", types.ErrValidation, MinMaxAttempts, MaxMaxAttempts)
	}
	if len(r.Payload) > 0 && !json.Valid(r.Payload) {
		return fmt.Errorf("%w: payload must be valid JSON", types.ErrValidation)
	}
	return nil
}

// Enqueue inserts a new task. If req.IdempotencyKey collides with a
// non-terminal task already in the queue, no row is inserted and the
// prior task is returned instead, with deduped set to true; this is a
// dedup hit, not an error, so the caller is expected to treat the
// returned task as a success.
func (r *Repository) Enqueue(ctx context.Context, req EnqueueRequest) (task *types.Task, deduped bool, err error) {
	if err := req.validate(); err != nil {
		return nil, false, err
	}
	priority := req.Priority
	if priority == 0 {
		priority = DefaultPriority
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	compatibility := req.Compatibility
	if compatibility == nil {
		compatibility = map[string]string{}
	}
	compatJSON, err := json.Marshal(compatibility)
	if err != nil {
		return nil, false, fmt.Errorf("%w: encoding compatibility: %v", types.ErrValidation, err)
	}

	err = r.engine.RunInTransaction(ctx, func(tx storage.Querier) error {
		if req.IdempotencyKey != "" {
			var existing int64
			scanErr := tx.QueryRowContext(ctx, `
				SELECT id FROM task_queue
				WHERE idempotency_key = ?
				AND status NOT IN ('succeeded', 'failed', 'dead_letter', 'cancelled')
			`, req.IdempotencyKey).Scan(&existing)
			if scanErr == nil {
				deduped = true
				var err error
				task, err = r.getTx(ctx, tx, existing)
				return err
			}
			if scanErr != sql.ErrNoRows {
				return scanErr
			}
		}

		var idempotencyKey any
		if req.IdempotencyKey != "" {
			idempotencyKey = req.IdempotencyKey
		}
		var runAfter any
		if req.RunAfterUTC != nil {
			runAfter = req.RunAfterUTC.UTC()
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO task_queue
				(type, payload, compatibility, priority, status, attempts, max_attempts,
				 idempotency_key, run_after_utc, cancel_requested,
				 created_at_utc, updated_at_utc)
			VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?, 0, datetime('now'), datetime('now'))
		`, req.Type, []byte(payload), compatJSON, priority, maxAttempts, idempotencyKey, runAfter)
		if err != nil {
			return fmt.Errorf("%w: inserting task: %v", types.ErrStorageUnavailable, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("%w: reading inserted id: %v", types.ErrStorageUnavailable, err)
		}
		task, err = r.getTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if !deduped {
		metrics.TasksByStatus.WithLabelValues(string(types.StatusQueued)).Inc()
	}
	return task, deduped, nil
}

// GetTask returns a single task by id.
func (r *Repository) GetTask(ctx context.Context, id int64) (*types.Task, error) {
	return r.getTx(ctx, r.engine.DB(), id)
}

func (r *Repository) getTx(ctx context.Context, q storage.Querier, id int64) (*types.Task, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, type, payload, compatibility, priority, status, attempts, max_attempts,
		       COALESCE(idempotency_key, ''), run_after_utc, COALESCE(locked_by, ''),
		       lease_expires_utc, cancel_requested, last_error,
		       processing_started_utc, finished_at_utc,
		       created_at_utc, updated_at_utc
		FROM task_queue WHERE id = ?
	`, id)
	return scanTask(row)
}

func scanTask(row *sql.Row) (*types.Task, error) {
	var t types.Task
	var payload, compat []byte
	var runAfter, leaseExpires, processingStarted, finishedAt sql.NullTime
	var cancelRequested int

	err := row.Scan(&t.ID, &t.Type, &payload, &compat, &t.Priority, &t.Status, &t.Attempts, &t.MaxAttempts,
		&t.IdempotencyKey, &runAfter, &t.LockedBy, &leaseExpires, &cancelRequested,
		&t.LastError, &processingStarted, &finishedAt, &t.CreatedAtUTC, &t.UpdatedAtUTC)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: task not found", types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scanning task: %v", types.ErrStorageUnavailable, err)
	}
	t.Payload = payload
	t.CancelRequested = cancelRequested != 0
	if len(compat) > 0 {
		_ = json.Unmarshal(compat, &t.Compatibility)
	}
	if runAfter.Valid {
		v := runAfter.Time
		t.RunAfterUTC = &v
	}
	if leaseExpires.Valid {
		v := leaseExpires.Time
		t.LeaseExpiresUTC = &v
	}
	if processingStarted.Valid {
		v := processingStarted.Time
		t.ProcessingStartedUTC = &v
	}
	if finishedAt.Valid {
		v := finishedAt.Time
		t.FinishedAtUTC = &v
	}
	return &t, nil
}

// Cancel requests cancellation of a task. A queued task is cancelled
// immediately; a processing task is flagged with cancel_requested and
// the worker executing it is expected to observe the flag cooperatively.
func (r *Repository) Cancel(ctx context.Context, id int64) (*types.Task, error) {
	var task *types.Task
	err := r.engine.RunInTransaction(ctx, func(tx storage.Querier) error {
		existing, err := r.getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		switch existing.Status {
		case types.StatusQueued:
			_, err := tx.ExecContext(ctx, `
				UPDATE task_queue
				SET status = 'cancelled', finished_at_utc = datetime('now'), updated_at_utc = datetime('now')
				WHERE id = ? AND status = 'queued'
			`, id)
			if err != nil {
				return fmt.Errorf("%w: cancelling task: %v", types.ErrStorageUnavailable, err)
			}
		case types.StatusProcessing:
			_, err := tx.ExecContext(ctx, `
				UPDATE task_queue SET cancel_requested = 1, updated_at_utc = datetime('now')
				WHERE id = ? AND status = 'processing'
			`, id)
			if err != nil {
				return fmt.Errorf("%w: flagging cancellation: %v", types.ErrStorageUnavailable, err)
			}
		default:
			// terminal states are no-ops; cancelling an already-finished
			// task is not an error.
		}
		task, err = r.getTx(ctx, tx, id)
		return err
	})
	return task, err
}

// Claim runs the atomic claim protocol: ask the strategy for eligible
// candidates, then attempt the guarded status transition against each
// in order until one succeeds (a candidate may have been claimed by a
// racing worker between the select and the update).
func (r *Repository) Claim(ctx context.Context, workerID string, strategy scheduler.Strategy, taskTypes []string, capabilities map[string]string, leaseDuration time.Duration) (*types.Task, error) {
	timer := metrics.NewTimer()
	var claimed *types.Task

	err := r.engine.RunInTransaction(ctx, func(tx storage.Querier) error {
		limit := 1
		if _, ok := strategy.(scheduler.WeightedRandomStrategy); ok {
			limit = 3 // bounded re-sample if the first pick loses the race
		}
		candidates, err := strategy.PickCandidates(ctx, tx, taskTypes, capabilities, limit)
		if err != nil {
			return fmt.Errorf("%w: selecting candidates: %v", types.ErrStorageUnavailable, err)
		}

		for _, id := range candidates {
			res, err := tx.ExecContext(ctx, `
				UPDATE task_queue
				SET status = 'processing',
				    locked_by = ?,
				    lease_expires_utc = datetime('now', ?),
				    attempts = attempts + 1,
				    processing_started_utc = COALESCE(processing_started_utc, datetime('now')),
				    updated_at_utc = datetime('now')
				WHERE id = ? AND status = 'queued'
			`, workerID, leaseSQLOffset(leaseDuration), id)
			if err != nil {
				return fmt.Errorf("%w: claiming task %d: %v", types.ErrStorageUnavailable, id, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("%w: reading rows affected: %v", types.ErrStorageUnavailable, err)
			}
			if n == 1 {
				claimed, err = r.getTx(ctx, tx, id)
				return err
			}
			// lost the race to another worker; try the next candidate
		}
		return nil
	})
	if err != nil {
		metrics.ClaimsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	timer.ObserveDuration(metrics.ClaimLatency)
	if claimed == nil {
		metrics.ClaimsTotal.WithLabelValues("empty").Inc()
		return nil, nil
	}
	metrics.ClaimsTotal.WithLabelValues("claimed").Inc()
	metrics.TasksByStatus.WithLabelValues(string(types.StatusQueued)).Dec()
	metrics.TasksByStatus.WithLabelValues(string(types.StatusProcessing)).Inc()
	log.WithTaskID(claimed.ID).Info().Str("worker_id", workerID).Msg("task claimed")
	return claimed, nil
}

func leaseSQLOffset(d time.Duration) string {
	return fmt.Sprintf("+%d seconds", int(d.Seconds()))
}

// RenewLease extends a held lease; fails with ErrLeaseLost if the
// worker no longer owns the task (already reclaimed or reassigned).
func (r *Repository) RenewLease(ctx context.Context, id int64, workerID string, leaseDuration time.Duration) error {
	return r.engine.RunInTransaction(ctx, func(tx storage.Querier) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE task_queue
			SET lease_expires_utc = datetime('now', ?), updated_at_utc = datetime('now')
			WHERE id = ? AND status = 'processing' AND locked_by = ?
		`, leaseSQLOffset(leaseDuration), id, workerID)
		if err != nil {
			return fmt.Errorf("%w: renewing lease: %v", types.ErrStorageUnavailable, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("%w: task %d is no longer held by worker %s", types.ErrLeaseLost, id, workerID)
		}
		return nil
	})
}

// MarkSucceeded transitions a processing task to succeeded, unless the
// task was flagged for cancellation while in flight, in which case it
// resolves to cancelled instead (spec: cancel observed at the next
// state transition wins over a handler's own outcome).
func (r *Repository) MarkSucceeded(ctx context.Context, id int64, workerID string) error {
	var outcome types.Status
	err := r.engine.RunInTransaction(ctx, func(tx storage.Querier) error {
		task, err := r.getTxLocked(ctx, tx, id, workerID)
		if err != nil {
			return err
		}

		outcome = types.StatusSucceeded
		status := "succeeded"
		if task.CancelRequested {
			outcome = types.StatusCancelled
			status = "cancelled"
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE task_queue
			SET status = ?, locked_by = NULL, lease_expires_utc = NULL,
			    finished_at_utc = datetime('now'), updated_at_utc = datetime('now')
			WHERE id = ? AND status = 'processing' AND locked_by = ?
		`, status, id, workerID)
		if err != nil {
			return fmt.Errorf("%w: marking succeeded: %v", types.ErrStorageUnavailable, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	metrics.TasksByStatus.WithLabelValues(string(types.StatusProcessing)).Dec()
	metrics.TasksByStatus.WithLabelValues(string(outcome)).Inc()
	return nil
}

// MarkFailed records a failed attempt. A task flagged for cancellation
// while in flight resolves to cancelled regardless of attempts
// remaining. Otherwise, if attempts remain, the task is rescheduled
// into queued with an exponential backoff delay (run_after_utc keeps
// millisecond precision; claim eligibility compares it against the
// current time at whole-second resolution); otherwise it moves to
// dead_letter.
func (r *Repository) MarkFailed(ctx context.Context, id int64, workerID, errMsg string) (types.Status, error) {
	var outcome types.Status
	var taskType string
	err := r.engine.RunInTransaction(ctx, func(tx storage.Querier) error {
		task, err := r.getTxLocked(ctx, tx, id, workerID)
		if err != nil {
			return err
		}
		taskType = task.Type

		if task.CancelRequested {
			outcome = types.StatusCancelled
			_, err := tx.ExecContext(ctx, `
				UPDATE task_queue
				SET status = 'cancelled', locked_by = NULL, lease_expires_utc = NULL,
				    last_error = ?, finished_at_utc = datetime('now'), updated_at_utc = datetime('now')
				WHERE id = ? AND locked_by = ?
			`, errMsg, id, workerID)
			if err != nil {
				return fmt.Errorf("%w: cancelling task: %v", types.ErrStorageUnavailable, err)
			}
			return nil
		}

		if task.Attempts >= task.MaxAttempts {
			outcome = types.StatusDeadLetter
			_, err := tx.ExecContext(ctx, `
				UPDATE task_queue
				SET status = 'dead_letter', locked_by = NULL, lease_expires_utc = NULL,
				    last_error = ?, finished_at_utc = datetime('now'), updated_at_utc = datetime('now')
				WHERE id = ? AND locked_by = ?
			`, errMsg, id, workerID)
			if err != nil {
				return fmt.Errorf("%w: dead-lettering task: %v", types.ErrStorageUnavailable, err)
			}
			return nil
		}

		outcome = types.StatusQueued
		delay := RetryBackoff(task.Attempts)
		_, err = tx.ExecContext(ctx, `
			UPDATE task_queue
			SET status = 'queued', locked_by = NULL, lease_expires_utc = NULL,
			    run_after_utc = strftime('%Y-%m-%d %H:%M:%f', 'now', ?), last_error = ?, updated_at_utc = datetime('now')
			WHERE id = ? AND locked_by = ?
		`, fmt.Sprintf("+%.3f seconds", delay.Seconds()), errMsg, id, workerID)
		if err != nil {
			return fmt.Errorf("%w: rescheduling task: %v", types.ErrStorageUnavailable, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	metrics.TasksByStatus.WithLabelValues(string(types.StatusProcessing)).Dec()
	switch outcome {
	case types.StatusDeadLetter:
		metrics.TasksDeadLetteredTotal.WithLabelValues(taskType).Inc()
	case types.StatusQueued:
		metrics.TasksRetriedTotal.WithLabelValues(taskType).Inc()
	}
	metrics.TasksByStatus.WithLabelValues(string(outcome)).Inc()
	return outcome, nil
}

func (r *Repository) getTxLocked(ctx context.Context, tx storage.Querier, id int64, workerID string) (*types.Task, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, type, payload, compatibility, priority, status, attempts, max_attempts,
		       COALESCE(idempotency_key, ''), run_after_utc, COALESCE(locked_by, ''),
		       lease_expires_utc, cancel_requested, last_error,
		       processing_started_utc, finished_at_utc,
		       created_at_utc, updated_at_utc
		FROM task_queue WHERE id = ? AND status = 'processing' AND locked_by = ?
	`, id, workerID)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, fmt.Errorf("%w: task %d is no longer held by worker %s", types.ErrLeaseLost, id, workerID)
		}
	}
	return task, err
}

// ReclaimExpiredLeases returns processing tasks whose lease has
// expired to queued for another attempt, leaving attempts untouched
// (the increment already happened at claim time, so a crash-and-reclaim
// cycle does not double-count an attempt) — unless the task has
// already used its last attempt, in which case it goes straight to
// dead_letter instead of being requeued forever.
func (r *Repository) ReclaimExpiredLeases(ctx context.Context) (int, error) {
	var requeued, deadLettered int64
	var deadLetteredTypes []string
	err := r.engine.RunInTransaction(ctx, func(tx storage.Querier) error {
		const expired = `status = 'processing' AND lease_expires_utc IS NOT NULL AND lease_expires_utc <= datetime('now')`

		rows, err := tx.QueryContext(ctx, `
			UPDATE task_queue
			SET status = 'dead_letter', locked_by = NULL, lease_expires_utc = NULL,
			    last_error = 'lease expired: worker did not report before the final attempt was reclaimed',
			    finished_at_utc = datetime('now'), updated_at_utc = datetime('now')
			WHERE `+expired+` AND attempts >= max_attempts
			RETURNING type
		`)
		if err != nil {
			return fmt.Errorf("%w: dead-lettering expired leases: %v", types.ErrStorageUnavailable, err)
		}
		for rows.Next() {
			var taskType string
			if err := rows.Scan(&taskType); err != nil {
				rows.Close()
				return fmt.Errorf("%w: reading dead-lettered type: %v", types.ErrStorageUnavailable, err)
			}
			deadLetteredTypes = append(deadLetteredTypes, taskType)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
		deadLettered = int64(len(deadLetteredTypes))

		res, err := tx.ExecContext(ctx, `
			UPDATE task_queue
			SET status = 'queued', locked_by = NULL, lease_expires_utc = NULL,
			    updated_at_utc = datetime('now')
			WHERE `+expired+` AND attempts < max_attempts
		`)
		if err != nil {
			return fmt.Errorf("%w: reclaiming leases: %v", types.ErrStorageUnavailable, err)
		}
		requeued, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	n := requeued + deadLettered
	if n > 0 {
		metrics.TasksReclaimedTotal.Add(float64(n))
		metrics.TasksByStatus.WithLabelValues(string(types.StatusProcessing)).Sub(float64(n))
	}
	if requeued > 0 {
		metrics.TasksByStatus.WithLabelValues(string(types.StatusQueued)).Add(float64(requeued))
	}
	if deadLettered > 0 {
		metrics.TasksByStatus.WithLabelValues(string(types.StatusDeadLetter)).Add(float64(deadLettered))
		for _, taskType := range deadLetteredTypes {
			metrics.TasksDeadLetteredTotal.WithLabelValues(taskType).Inc()
		}
	}
	return int(n), nil
}

// ListTasks returns a page of tasks, optionally filtered by status/type.
func (r *Repository) ListTasks(ctx context.Context, status types.Status, taskType string, limit, offset int) ([]*types.Task, error) {
	query := `
		SELECT id, type, payload, compatibility, priority, status, attempts, max_attempts,
		       COALESCE(idempotency_key, ''), run_after_utc, COALESCE(locked_by, ''),
		       lease_expires_utc, cancel_requested, last_error,
		       processing_started_utc, finished_at_utc,
		       created_at_utc, updated_at_utc
		FROM task_queue WHERE 1=1
	`
	var args []any
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	if taskType != "" {
		query += " AND type = ?"
		args = append(args, taskType)
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := r.engine.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: listing tasks: %v", types.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []*types.Task
	for rows.Next() {
		var t types.Task
		var payload, compat []byte
		var runAfter, leaseExpires, processingStarted, finishedAt sql.NullTime
		var cancelRequested int
		if err := rows.Scan(&t.ID, &t.Type, &payload, &compat, &t.Priority, &t.Status, &t.Attempts, &t.MaxAttempts,
			&t.IdempotencyKey, &runAfter, &t.LockedBy, &leaseExpires, &cancelRequested,
			&t.LastError, &processingStarted, &finishedAt, &t.CreatedAtUTC, &t.UpdatedAtUTC); err != nil {
			return nil, fmt.Errorf("%w: scanning task: %v", types.ErrStorageUnavailable, err)
		}
		t.Payload = payload
		t.CancelRequested = cancelRequested != 0
		if len(compat) > 0 {
			_ = json.Unmarshal(compat, &t.Compatibility)
		}
		if runAfter.Valid {
			v := runAfter.Time
			t.RunAfterUTC = &v
		}
		if leaseExpires.Valid {
			v := leaseExpires.Time
			t.LeaseExpiresUTC = &v
		}
		if processingStarted.Valid {
			v := processingStarted.Time
			t.ProcessingStartedUTC = &v
		}
		if finishedAt.Valid {
			v := finishedAt.Time
			t.FinishedAtUTC = &v
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// AppendLog writes one audit entry against a task.
func (r *Repository) AppendLog(ctx context.Context, taskID int64, severity types.LogSeverity, message string) error {
	_, err := r.engine.DB().ExecContext(ctx, `
		INSERT INTO task_log (task_id, severity, message, created_at_utc)
		VALUES (?, ?, ?, datetime('now'))
	`, taskID, string(severity), message)
	if err != nil {
		return fmt.Errorf("%w: appending log: %v", types.ErrStorageUnavailable, err)
	}
	return nil
}

// Stats summarizes queue depth by status.
func (r *Repository) Stats(ctx context.Context) (*types.Stats, error) {
	rows, err := r.engine.DB().QueryContext(ctx, `SELECT status, COUNT(*) FROM task_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("%w: querying stats: %v", types.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	counts := make(map[types.Status]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[types.Status(status)] = count
	}

	stats := &types.Stats{CountsByStatus: counts}

	var oldest sql.NullTime
	row := r.engine.DB().QueryRowContext(ctx, `
		SELECT MIN(created_at_utc) FROM task_queue WHERE status = 'queued'
	`)
	if err := row.Scan(&oldest); err == nil && oldest.Valid {
		age := time.Since(oldest.Time)
		stats.OldestQueuedAge = &age
	}
	return stats, nil
}
