package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/queued/pkg/scheduler"
	"github.com/cuemby/queued/pkg/storage"
	"github.com/cuemby/queued/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	e, err := storage.Open(t.TempDir() + "/queued.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return NewRepository(e)
}

func TestEnqueueValidatesRequest(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	_, _, err := repo.Enqueue(ctx, EnqueueRequest{})
	assert.ErrorIs(t, err, types.ErrValidation)

	_, _, err = repo.Enqueue(ctx, EnqueueRequest{Type: "send_email", Priority: MaxPriority + 1})
	assert.ErrorIs(t, err, types.ErrValidation)

	_, _, err = repo.Enqueue(ctx, EnqueueRequest{Type: "send_email", MaxAttempts: MaxMaxAttempts + 1})
	assert.ErrorIs(t, err, types.ErrValidation)

	_, _, err = repo.Enqueue(ctx, EnqueueRequest{Type: "send_email", Payload: []byte("not json")})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestEnqueueAppliesDefaults(t *testing.T) {
	repo := newTestRepository(t)
	task, deduped, err := repo.Enqueue(context.Background(), EnqueueRequest{Type: "send_email"})
	require.NoError(t, err)
	assert.False(t, deduped)

	assert.Equal(t, DefaultPriority, task.Priority)
	assert.Equal(t, DefaultMaxAttempts, task.MaxAttempts)
	assert.Equal(t, types.StatusQueued, task.Status)
	assert.Equal(t, "{}", string(task.Payload))
}

func TestEnqueueDedupsOnIdempotencyKeyAsSuccess(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	first, deduped, err := repo.Enqueue(ctx, EnqueueRequest{Type: "send_email", IdempotencyKey: "order-1"})
	require.NoError(t, err)
	assert.False(t, deduped)

	second, deduped, err := repo.Enqueue(ctx, EnqueueRequest{Type: "send_email", IdempotencyKey: "order-1"})
	require.NoError(t, err)
	assert.True(t, deduped)
	assert.Equal(t, first.ID, second.ID)

	tasks, err := repo.ListTasks(ctx, "", "send_email", 10, 0)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestEnqueueAllowsReusedIdempotencyKeyOnceTerminal(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	task, _, err := repo.Enqueue(ctx, EnqueueRequest{Type: "send_email", IdempotencyKey: "order-1"})
	require.NoError(t, err)

	require.NoError(t, repo.engine.RunInTransaction(ctx, func(tx storage.Querier) error {
		_, err := tx.ExecContext(ctx, `UPDATE task_queue SET status = 'succeeded' WHERE id = ?`, task.ID)
		return err
	}))

	reused, deduped, err := repo.Enqueue(ctx, EnqueueRequest{Type: "send_email", IdempotencyKey: "order-1"})
	require.NoError(t, err)
	assert.False(t, deduped)
	assert.NotEqual(t, task.ID, reused.ID)
}

func TestClaimTransitionsQueuedToProcessing(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	enqueued, _, err := repo.Enqueue(ctx, EnqueueRequest{Type: "send_email"})
	require.NoError(t, err)
	assert.Nil(t, enqueued.ProcessingStartedUTC)

	claimed, err := repo.Claim(ctx, "worker-1", scheduler.FIFOStrategy{}, nil, nil, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	assert.Equal(t, enqueued.ID, claimed.ID)
	assert.Equal(t, types.StatusProcessing, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)
	assert.Equal(t, "worker-1", claimed.LockedBy)
	require.NotNil(t, claimed.LeaseExpiresUTC)
	require.NotNil(t, claimed.ProcessingStartedUTC)
	assert.Nil(t, claimed.FinishedAtUTC)
}

func TestClaimReturnsNilWhenQueueEmpty(t *testing.T) {
	repo := newTestRepository(t)
	claimed, err := repo.Claim(context.Background(), "worker-1", scheduler.FIFOStrategy{}, nil, nil, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestClaimHonorsRunAfter(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	future := time.Now().Add(time.Hour)

	_, _, err := repo.Enqueue(ctx, EnqueueRequest{Type: "send_email", RunAfterUTC: &future})
	require.NoError(t, err)

	claimed, err := repo.Claim(ctx, "worker-1", scheduler.FIFOStrategy{}, nil, nil, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestClaimFiltersByCompatibility(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	_, _, err := repo.Enqueue(ctx, EnqueueRequest{Type: "send_email", Compatibility: map[string]string{"region": "us-west"}})
	require.NoError(t, err)

	claimed, err := repo.Claim(ctx, "worker-1", scheduler.FIFOStrategy{}, nil, map[string]string{"region": "eu-central"}, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, claimed)

	claimed, err = repo.Claim(ctx, "worker-1", scheduler.FIFOStrategy{}, nil, map[string]string{"region": "us-west"}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, types.StatusProcessing, claimed.Status)
}

func TestRenewLeaseFailsForWrongOwner(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	_, _, err := repo.Enqueue(ctx, EnqueueRequest{Type: "send_email"})
	require.NoError(t, err)
	claimed, err := repo.Claim(ctx, "worker-1", scheduler.FIFOStrategy{}, nil, nil, time.Minute)
	require.NoError(t, err)

	err = repo.RenewLease(ctx, claimed.ID, "worker-2", time.Minute)
	assert.ErrorIs(t, err, types.ErrLeaseLost)
}

func TestMarkSucceededRequiresLeaseOwnership(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	_, _, err := repo.Enqueue(ctx, EnqueueRequest{Type: "send_email"})
	require.NoError(t, err)
	claimed, err := repo.Claim(ctx, "worker-1", scheduler.FIFOStrategy{}, nil, nil, time.Minute)
	require.NoError(t, err)

	err = repo.MarkSucceeded(ctx, claimed.ID, "worker-2")
	assert.ErrorIs(t, err, types.ErrLeaseLost)

	require.NoError(t, repo.MarkSucceeded(ctx, claimed.ID, "worker-1"))
	task, err := repo.GetTask(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSucceeded, task.Status)
	assert.Equal(t, 1, task.Attempts)
	assert.Equal(t, "", task.LockedBy)
	require.NotNil(t, task.FinishedAtUTC)
}

func TestMarkSucceededResolvesToCancelledWhenFlagged(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	_, _, err := repo.Enqueue(ctx, EnqueueRequest{Type: "send_email"})
	require.NoError(t, err)
	claimed, err := repo.Claim(ctx, "worker-1", scheduler.FIFOStrategy{}, nil, nil, time.Minute)
	require.NoError(t, err)

	_, err = repo.Cancel(ctx, claimed.ID)
	require.NoError(t, err)

	require.NoError(t, repo.MarkSucceeded(ctx, claimed.ID, "worker-1"))
	task, err := repo.GetTask(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, task.Status)
	require.NotNil(t, task.FinishedAtUTC)
}

func TestMarkFailedResolvesToCancelledWhenFlaggedEvenWithAttemptsRemaining(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	_, _, err := repo.Enqueue(ctx, EnqueueRequest{Type: "send_email", MaxAttempts: 5})
	require.NoError(t, err)
	claimed, err := repo.Claim(ctx, "worker-1", scheduler.FIFOStrategy{}, nil, nil, time.Minute)
	require.NoError(t, err)

	_, err = repo.Cancel(ctx, claimed.ID)
	require.NoError(t, err)

	outcome, err := repo.MarkFailed(ctx, claimed.ID, "worker-1", "boom")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, outcome)

	task, err := repo.GetTask(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, task.Status)
	require.NotNil(t, task.FinishedAtUTC)
}

func TestMarkFailedRetriesUntilMaxAttempts(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	_, _, err := repo.Enqueue(ctx, EnqueueRequest{Type: "send_email", MaxAttempts: 2})
	require.NoError(t, err)

	claimed, err := repo.Claim(ctx, "worker-1", scheduler.FIFOStrategy{}, nil, nil, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, claimed.Attempts)

	outcome, err := repo.MarkFailed(ctx, claimed.ID, "worker-1", "boom")
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, outcome)

	task, err := repo.GetTask(ctx, claimed.ID)
	require.NoError(t, err)
	require.NotNil(t, task.RunAfterUTC)
	assert.Equal(t, "boom", task.LastError)
	assert.Nil(t, task.FinishedAtUTC)

	// force the retry eligible immediately for the second claim
	require.NoError(t, repo.engine.RunInTransaction(ctx, func(tx storage.Querier) error {
		_, err := tx.ExecContext(ctx, `UPDATE task_queue SET run_after_utc = NULL WHERE id = ?`, claimed.ID)
		return err
	}))

	reclaimed, err := repo.Claim(ctx, "worker-1", scheduler.FIFOStrategy{}, nil, nil, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, 2, reclaimed.Attempts)

	outcome, err = repo.MarkFailed(ctx, reclaimed.ID, "worker-1", "boom again")
	require.NoError(t, err)
	assert.Equal(t, types.StatusDeadLetter, outcome)

	task, err = repo.GetTask(ctx, reclaimed.ID)
	require.NoError(t, err)
	require.NotNil(t, task.FinishedAtUTC)
}

func TestCancelQueuedTaskIsImmediate(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	task, _, err := repo.Enqueue(ctx, EnqueueRequest{Type: "send_email"})
	require.NoError(t, err)

	cancelled, err := repo.Cancel(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.FinishedAtUTC)
}

func TestCancelProcessingTaskFlagsCooperatively(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	_, _, err := repo.Enqueue(ctx, EnqueueRequest{Type: "send_email"})
	require.NoError(t, err)
	claimed, err := repo.Claim(ctx, "worker-1", scheduler.FIFOStrategy{}, nil, nil, time.Minute)
	require.NoError(t, err)

	updated, err := repo.Cancel(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessing, updated.Status)
	assert.True(t, updated.CancelRequested)
	assert.Nil(t, updated.FinishedAtUTC)
}

func TestReclaimExpiredLeasesReturnsTasksWithoutIncrementingAttemptsAgain(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	_, _, err := repo.Enqueue(ctx, EnqueueRequest{Type: "send_email"})
	require.NoError(t, err)
	claimed, err := repo.Claim(ctx, "worker-1", scheduler.FIFOStrategy{}, nil, nil, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, claimed.Attempts)

	require.NoError(t, repo.engine.RunInTransaction(ctx, func(tx storage.Querier) error {
		_, err := tx.ExecContext(ctx, `UPDATE task_queue SET lease_expires_utc = datetime('now', '-1 seconds') WHERE id = ?`, claimed.ID)
		return err
	}))

	n, err := repo.ReclaimExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	task, err := repo.GetTask(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, task.Status)
	assert.Equal(t, 1, task.Attempts)
	assert.Equal(t, "", task.LockedBy)
	assert.Nil(t, task.FinishedAtUTC)
}

func TestReclaimExpiredLeasesDeadLettersExhaustedAttempts(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	_, _, err := repo.Enqueue(ctx, EnqueueRequest{Type: "send_email", MaxAttempts: 1})
	require.NoError(t, err)
	claimed, err := repo.Claim(ctx, "worker-1", scheduler.FIFOStrategy{}, nil, nil, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, claimed.Attempts)

	require.NoError(t, repo.engine.RunInTransaction(ctx, func(tx storage.Querier) error {
		_, err := tx.ExecContext(ctx, `UPDATE task_queue SET lease_expires_utc = datetime('now', '-1 seconds') WHERE id = ?`, claimed.ID)
		return err
	}))

	n, err := repo.ReclaimExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	task, err := repo.GetTask(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDeadLetter, task.Status)
	require.NotNil(t, task.FinishedAtUTC)
}

func TestGetTaskNotFound(t *testing.T) {
	repo := newTestRepository(t)
	_, err := repo.GetTask(context.Background(), 999)
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestListTasksFiltersByStatusAndType(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	_, _, err := repo.Enqueue(ctx, EnqueueRequest{Type: "send_email"})
	require.NoError(t, err)
	_, _, err = repo.Enqueue(ctx, EnqueueRequest{Type: "generate_report"})
	require.NoError(t, err)

	tasks, err := repo.ListTasks(ctx, types.StatusQueued, "generate_report", 10, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "generate_report", tasks[0].Type)
}

func TestStatsCountsByStatus(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	_, _, err := repo.Enqueue(ctx, EnqueueRequest{Type: "send_email"})
	require.NoError(t, err)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.CountsByStatus[types.StatusQueued])
	require.NotNil(t, stats.OldestQueuedAge)
}
