// Package worker runs the claim/execute/report loop against a queue
// repository: one or more Engines poll for eligible work, dispatch it
// to a registered Handler, renew the lease while the handler runs, and
// report success, retry, or dead-letter back to storage.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/queued/pkg/log"
	"github.com/cuemby/queued/pkg/metrics"
	"github.com/cuemby/queued/pkg/queue"
	"github.com/cuemby/queued/pkg/scheduler"
	"github.com/cuemby/queued/pkg/types"
)

// Handler executes one task's payload. A returned error marks the
// attempt failed (retried or dead-lettered per max_attempts); nil
// marks it succeeded. Handlers must observe ctx cancellation promptly
// when cooperative cancellation is requested.
type Handler func(ctx context.Context, task *types.Task) error

// Config controls one Engine's polling and lease behavior.
type Config struct {
	WorkerID           string
	Capabilities       map[string]string
	Strategy           scheduler.Strategy
	LeaseDuration      time.Duration
	HeartbeatInterval  time.Duration
	CancelPollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 60 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.CancelPollInterval <= 0 {
		c.CancelPollInterval = time.Second
	}
	return c
}

// Engine is a single worker's claim/execute/report loop.
type Engine struct {
	repo *queue.Repository
	cfg  Config

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	group  *errgroup.Group
	cancel context.CancelFunc

	consecutiveEmpty int
}

// NewEngine constructs an Engine bound to repo, configured per cfg.
func NewEngine(repo *queue.Repository, cfg Config) *Engine {
	return &Engine{
		repo:     repo,
		cfg:      cfg.withDefaults(),
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler binds a handler to a task type. Unregistered types
// are never offered to this worker: the claim filter only asks the
// strategy for types with a registered handler.
func (e *Engine) RegisterHandler(taskType string, h Handler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.handlers[taskType] = h
}

func (e *Engine) taskTypes() []string {
	e.handlersMu.RLock()
	defer e.handlersMu.RUnlock()
	out := make([]string, 0, len(e.handlers))
	for t := range e.handlers {
		out = append(out, t)
	}
	return out
}

func (e *Engine) handlerFor(taskType string) (Handler, bool) {
	e.handlersMu.RLock()
	defer e.handlersMu.RUnlock()
	h, ok := e.handlers[taskType]
	return h, ok
}

// Start launches the claim loop and the heartbeat loop as background
// goroutines tracked by an errgroup, so Stop can wait for a clean exit
// instead of firing a channel close and hoping.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	group, gctx := errgroup.WithContext(ctx)
	e.group = group

	group.Go(func() error {
		e.claimLoop(gctx)
		return nil
	})
	group.Go(func() error {
		e.heartbeatLoop(gctx)
		return nil
	})
}

// Stop cancels all loops and waits for them to exit.
func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	if e.group != nil {
		return e.group.Wait()
	}
	return nil
}

func (e *Engine) claimLoop(ctx context.Context) {
	logger := log.WithComponent("worker").With().Str("worker_id", e.cfg.WorkerID).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		taskTypes := e.taskTypes()
		if len(taskTypes) == 0 {
			// an empty type list means "no type filter" to the strategy,
			// so a worker with no handlers must not claim at all
			e.sleep(ctx, queue.PollBackoff(e.consecutiveEmpty))
			continue
		}
		task, err := e.repo.Claim(ctx, e.cfg.WorkerID, e.cfg.Strategy, taskTypes, e.cfg.Capabilities, e.cfg.LeaseDuration)
		if err != nil {
			logger.Error().Err(err).Msg("claim failed")
			e.sleep(ctx, queue.PollBackoff(e.consecutiveEmpty))
			continue
		}
		if task == nil {
			e.consecutiveEmpty++
			e.sleep(ctx, queue.PollBackoff(e.consecutiveEmpty))
			continue
		}
		e.consecutiveEmpty = 0
		e.execute(ctx, task)
	}
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (e *Engine) execute(parent context.Context, task *types.Task) {
	logger := log.WithTaskID(task.ID)
	execCtx, cancel := context.WithCancel(parent)
	defer cancel()

	renewStopped := make(chan struct{})
	go e.renewLoop(execCtx, task.ID, cancel, renewStopped)

	cancelWatchStopped := make(chan struct{})
	go e.cancelWatchLoop(execCtx, task.ID, cancel, cancelWatchStopped)

	handler, ok := e.handlerFor(task.Type)
	var execErr error
	if !ok {
		execErr = fmt.Errorf("%w: no handler registered for type %q", types.ErrHandlerError, task.Type)
	} else {
		timer := metrics.NewTimer()
		execErr = handler(execCtx, task)
		timer.ObserveDurationVec(metrics.TaskExecutionDuration, task.Type)
	}

	cancel()
	<-renewStopped
	<-cancelWatchStopped

	if execErr != nil {
		outcome, err := e.repo.MarkFailed(parent, task.ID, e.cfg.WorkerID, execErr.Error())
		if err != nil {
			logger.Error().Err(err).Msg("failed to record task failure")
			return
		}
		logger.Warn().Err(execErr).Str("outcome", string(outcome)).Msg("task attempt failed")
		return
	}

	if err := e.repo.MarkSucceeded(parent, task.ID, e.cfg.WorkerID); err != nil {
		logger.Error().Err(err).Msg("failed to record task success")
		return
	}
	metrics.TasksSucceededTotal.WithLabelValues(task.Type).Inc()
	logger.Info().Msg("task succeeded")
}

// renewLoop keeps the lease alive at 1/3 of its duration. If the lease
// has already been lost (another worker or the reclaimer took it back)
// it cancels the handler's context so execution stops promptly instead
// of running unsupervised past its lease.
func (e *Engine) renewLoop(ctx context.Context, taskID int64, cancel context.CancelFunc, stopped chan<- struct{}) {
	defer close(stopped)
	interval := e.cfg.LeaseDuration / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.repo.RenewLease(ctx, taskID, e.cfg.WorkerID, e.cfg.LeaseDuration); err != nil {
				log.WithTaskID(taskID).Warn().Err(err).Msg("lease renewal failed, abandoning execution")
				cancel()
				return
			}
		}
	}
}

// cancelWatchLoop polls for a cooperative cancellation request against
// the task currently being executed.
func (e *Engine) cancelWatchLoop(ctx context.Context, taskID int64, cancel context.CancelFunc, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(e.cfg.CancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task, err := e.repo.GetTask(ctx, taskID)
			if err != nil {
				continue
			}
			if task.CancelRequested {
				cancel()
				return
			}
		}
	}
}

func (e *Engine) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.repo.Heartbeat(ctx, e.cfg.WorkerID, e.cfg.Capabilities); err != nil {
				log.WithComponent("worker").Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}
