// Package types defines the core domain model for the task queue: the
// persisted Task and Worker shapes, their state machines, and the audit
// log entries recorded alongside them.
package types

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether a status has no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusDeadLetter, StatusCancelled:
		return true
	default:
		return false
	}
}

// Task is a single unit of work moving through the queue.
type Task struct {
	ID              int64
	Type            string
	Payload         json.RawMessage
	Priority        int
	Status          Status
	Attempts        int
	MaxAttempts     int
	IdempotencyKey  string
	RunAfterUTC     *time.Time
	LockedBy        string
	LeaseExpiresUTC *time.Time
	CancelRequested bool
	LastError       string

	// ProcessingStartedUTC is set the first time this task is claimed
	// and never touched again, so a retry's later claims don't reset
	// it; nil until the first claim.
	ProcessingStartedUTC *time.Time

	// FinishedAtUTC is set exactly when the task enters a terminal
	// state (succeeded, dead_letter, cancelled); nil otherwise,
	// including while queued for retry.
	FinishedAtUTC *time.Time

	CreatedAtUTC time.Time
	UpdatedAtUTC time.Time

	// Compatibility declares the worker capabilities this task
	// requires. A task is eligible for a worker iff every key here has
	// an equal value in that worker's Capabilities.
	Compatibility map[string]string
}

// Worker is a process instance participating in task execution.
type Worker struct {
	ID            string
	Capabilities  map[string]string
	LastHeartbeat time.Time
	StartedAtUTC  time.Time
}

// LogSeverity mirrors the process logger's level vocabulary so the
// persisted audit trail and the structured logs read the same way.
type LogSeverity string

const (
	LogDebug LogSeverity = "debug"
	LogInfo  LogSeverity = "info"
	LogWarn  LogSeverity = "warn"
	LogError LogSeverity = "error"
)

// TaskLog is one audit entry recorded against a task's lifetime.
type TaskLog struct {
	ID           int64
	TaskID       int64
	Severity     LogSeverity
	Message      string
	CreatedAtUTC time.Time
}

// Stats summarizes queue depth by status, used by the stats operation
// and the HTTP /api/queue/stats endpoint.
type Stats struct {
	CountsByStatus  map[Status]int64
	OldestQueuedAge *time.Duration
}
