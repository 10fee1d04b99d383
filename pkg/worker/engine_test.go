package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/queued/pkg/queue"
	"github.com/cuemby/queued/pkg/scheduler"
	"github.com/cuemby/queued/pkg/storage"
	"github.com/cuemby/queued/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *queue.Repository {
	t.Helper()
	e, err := storage.Open(t.TempDir() + "/queued.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return queue.NewRepository(e)
}

func TestEngineExecutesRegisteredHandlerAndMarksSucceeded(t *testing.T) {
	repo := newTestRepo(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task, _, err := repo.Enqueue(ctx, queue.EnqueueRequest{Type: "ping"})
	require.NoError(t, err)

	done := make(chan struct{})
	e := NewEngine(repo, Config{
		WorkerID:           "worker-1",
		Strategy:           scheduler.FIFOStrategy{},
		LeaseDuration:      time.Second,
		HeartbeatInterval:  time.Hour,
		CancelPollInterval: 10 * time.Millisecond,
	})
	e.RegisterHandler("ping", func(ctx context.Context, got *types.Task) error {
		defer close(done)
		assert.Equal(t, task.ID, got.ID)
		return nil
	})

	e.Start(ctx)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	require.NoError(t, e.Stop())

	got, err := repo.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSucceeded, got.Status)
}

func TestEngineRetriesFailedHandler(t *testing.T) {
	repo := newTestRepo(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task, _, err := repo.Enqueue(ctx, queue.EnqueueRequest{Type: "explode", MaxAttempts: 5})
	require.NoError(t, err)

	done := make(chan struct{})
	e := NewEngine(repo, Config{
		WorkerID:           "worker-1",
		Strategy:           scheduler.FIFOStrategy{},
		LeaseDuration:      time.Second,
		HeartbeatInterval:  time.Hour,
		CancelPollInterval: 10 * time.Millisecond,
	})
	e.RegisterHandler("explode", func(ctx context.Context, got *types.Task) error {
		defer close(done)
		return errors.New("boom")
	})

	e.Start(ctx)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
	require.NoError(t, e.Stop())

	got, err := repo.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, got.Status)
	assert.Equal(t, "boom", got.LastError)
}

func TestEngineUnregisteredTypeIsHandlerError(t *testing.T) {
	repo := newTestRepo(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task, _, err := repo.Enqueue(ctx, queue.EnqueueRequest{Type: "unknown", MaxAttempts: 1})
	require.NoError(t, err)

	e := NewEngine(repo, Config{
		WorkerID:           "worker-1",
		Strategy:           scheduler.FIFOStrategy{},
		LeaseDuration:      time.Second,
		HeartbeatInterval:  time.Hour,
		CancelPollInterval: 10 * time.Millisecond,
	})
	// no handler is registered for "unknown", so the engine's claim loop
	// would never offer it; claim it directly and hand it to execute.
	claimed, err := repo.Claim(ctx, "worker-1", scheduler.FIFOStrategy{}, nil, nil, time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	e.execute(ctx, claimed)

	got, err := repo.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDeadLetter, got.Status)
}

func TestReclaimerReturnsExpiredLeaseToQueue(t *testing.T) {
	repo := newTestRepo(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task, _, err := repo.Enqueue(ctx, queue.EnqueueRequest{Type: "ping"})
	require.NoError(t, err)
	claimed, err := repo.Claim(ctx, "worker-1", scheduler.FIFOStrategy{}, nil, nil, time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	time.Sleep(50 * time.Millisecond)

	rc := NewReclaimer(repo, 10*time.Millisecond)
	rc.Start(ctx)
	time.Sleep(100 * time.Millisecond)
	rc.Stop()

	got, err := repo.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, got.Status)
}
