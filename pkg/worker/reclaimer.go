package worker

import (
	"context"
	"time"

	"github.com/cuemby/queued/pkg/log"
	"github.com/cuemby/queued/pkg/queue"
)

// Reclaimer sweeps the queue for processing tasks whose lease has
// expired (the worker holding them crashed, was killed, or lost the
// race against a slow renewal) and returns them to queued, or moves
// them to dead_letter when their last attempt has been used.
type Reclaimer struct {
	repo     *queue.Repository
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReclaimer builds a Reclaimer polling at interval; a non-positive
// interval defaults to 10 seconds.
func NewReclaimer(repo *queue.Repository, interval time.Duration) *Reclaimer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Reclaimer{repo: repo, interval: interval, done: make(chan struct{})}
}

// Start runs the sweep loop in a background goroutine.
func (rc *Reclaimer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	rc.cancel = cancel
	go rc.run(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (rc *Reclaimer) Stop() {
	if rc.cancel != nil {
		rc.cancel()
	}
	<-rc.done
}

func (rc *Reclaimer) run(ctx context.Context) {
	defer close(rc.done)
	logger := log.WithComponent("reclaimer")
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := rc.repo.ReclaimExpiredLeases(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("reclaim sweep failed")
				continue
			}
			if n > 0 {
				logger.Info().Int("count", n).Msg("reclaimed expired leases")
			}
		}
	}
}
