package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuemby/queued/pkg/metrics"
	"github.com/cuemby/queued/pkg/types"
)

// Heartbeat upserts a worker's liveness row. It never gates the claim
// protocol, which checks capabilities in-memory; this is purely for
// fleet introspection via stats and future list endpoints.
func (r *Repository) Heartbeat(ctx context.Context, workerID string, capabilities map[string]string) error {
	caps, err := json.Marshal(capabilities)
	if err != nil {
		return fmt.Errorf("%w: marshaling capabilities: %v", types.ErrValidation, err)
	}
	_, err = r.engine.DB().ExecContext(ctx, `
		INSERT INTO workers (id, capabilities, last_heartbeat_utc, started_at_utc)
		VALUES (?, ?, datetime('now'), datetime('now'))
		ON CONFLICT(id) DO UPDATE SET
			capabilities = excluded.capabilities,
			last_heartbeat_utc = datetime('now')
	`, workerID, caps)
	if err != nil {
		return fmt.Errorf("%w: recording heartbeat: %v", types.ErrStorageUnavailable, err)
	}
	return nil
}

// ListWorkers returns every worker that has ever heartbeated, ordered
// by id, with no staleness filter, and sets the WorkersActive gauge to
// that count.
func (r *Repository) ListWorkers(ctx context.Context) ([]*types.Worker, error) {
	rows, err := r.engine.DB().QueryContext(ctx, `
		SELECT id, capabilities, last_heartbeat_utc, started_at_utc FROM workers
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: listing workers: %v", types.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []*types.Worker
	for rows.Next() {
		var w types.Worker
		var caps []byte
		if err := rows.Scan(&w.ID, &caps, &w.LastHeartbeat, &w.StartedAtUTC); err != nil {
			return nil, err
		}
		if len(caps) > 0 {
			_ = json.Unmarshal(caps, &w.Capabilities)
		}
		out = append(out, &w)
	}
	metrics.WorkersActive.Set(float64(len(out)))
	return out, rows.Err()
}
