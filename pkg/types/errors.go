package types

import "errors"

// Sentinel errors for the taxonomy described by the queue's error
// handling design: callers use errors.Is against these, never string
// matching.
var (
	// ErrValidation means the caller supplied a task/worker field that
	// fails a documented constraint (priority bounds, max_attempts
	// bounds, unknown type, malformed payload).
	ErrValidation = errors.New("validation error")

	// ErrNotFound means no task/worker exists with the given id.
	ErrNotFound = errors.New("not found")

	// ErrIdempotencyConflict is part of the error taxonomy's naming but
	// is never returned by Enqueue: an idempotency_key collision with a
	// non-terminal task is a dedup hit, not a failure, so Enqueue
	// returns the prior task as a success instead of this sentinel.
	ErrIdempotencyConflict = errors.New("idempotency conflict")

	// ErrLeaseLost means a worker tried to mutate a task it no longer
	// holds the lease for (lease expired and was reclaimed, or another
	// worker's lease is now active).
	ErrLeaseLost = errors.New("lease lost")

	// ErrStorageUnavailable wraps a failure to open or use the
	// underlying storage engine.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrSchemaMismatch means the on-disk schema_meta version is newer
	// than this binary's known migrations.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrHandlerError marks a claimed task that could not be handed to
	// a handler because none is registered for its type. Errors returned
	// by registered handlers are recorded as-is, without this sentinel.
	ErrHandlerError = errors.New("handler error")
)
