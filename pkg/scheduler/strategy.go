package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"

	"github.com/cuemby/queued/pkg/storage"
)

// candidate is an eligible row considered by a Strategy, carrying just
// enough to order, weight, or capability-filter it without a second
// round-trip.
type candidate struct {
	id            int64
	priority      int
	compatibility map[string]string
}

// Strategy picks the order in which eligible queued tasks should be
// offered to a claiming worker. Claim() walks the returned candidates
// in order, attempting the guarded UPDATE against each until one
// succeeds or the list is exhausted.
type Strategy interface {
	Name() string
	// PickCandidates returns up to limit eligible task ids a worker
	// with the given capabilities may claim, in the order this
	// strategy prefers to offer them. A task is eligible for the
	// worker only if every key in its compatibility map matches an
	// equal value in capabilities.
	PickCandidates(ctx context.Context, q storage.Querier, taskTypes []string, capabilities map[string]string, limit int) ([]int64, error)
}

const eligibleWhere = `
	status = 'queued'
	AND (run_after_utc IS NULL OR run_after_utc <= datetime('now'))
`

// scanPool bounds how many eligible rows are pulled before filtering
// by capability match and truncating to the caller's limit; a large
// queue shouldn't require scanning every queued row to offer one.
const scanPool = 500

func eligibleQuery(orderBy string, taskTypes []string) (string, []any) {
	query := fmt.Sprintf(`SELECT id, priority, compatibility FROM task_queue WHERE %s`, eligibleWhere)
	args := []any{}
	if len(taskTypes) > 0 {
		placeholders := ""
		for i, t := range taskTypes {
			if i > 0 {
				placeholders += ", "
			}
			placeholders += "?"
			args = append(args, t)
		}
		query += fmt.Sprintf(" AND type IN (%s)", placeholders)
	}
	query += " " + orderBy
	return query, args
}

func fetchCandidates(ctx context.Context, q storage.Querier, query string, args []any, scanLimit int) ([]candidate, error) {
	rows, err := q.QueryContext(ctx, query+" LIMIT ?", append(args, scanLimit)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []candidate
	for rows.Next() {
		var c candidate
		var compat []byte
		if err := rows.Scan(&c.id, &c.priority, &compat); err != nil {
			return nil, err
		}
		if len(compat) > 0 {
			_ = json.Unmarshal(compat, &c.compatibility)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// compatible reports whether every key task requires has an equal
// value in what the worker provides.
func compatible(require, provide map[string]string) bool {
	for k, v := range require {
		if provide[k] != v {
			return false
		}
	}
	return true
}

func filterCompatible(cands []candidate, capabilities map[string]string, limit int) []int64 {
	out := make([]int64, 0, limit)
	for _, c := range cands {
		if len(out) >= limit {
			break
		}
		if compatible(c.compatibility, capabilities) {
			out = append(out, c.id)
		}
	}
	return out
}

// FIFOStrategy offers the oldest eligible task first.
type FIFOStrategy struct{}

func (FIFOStrategy) Name() string { return "fifo" }

func (FIFOStrategy) PickCandidates(ctx context.Context, q storage.Querier, taskTypes []string, capabilities map[string]string, limit int) ([]int64, error) {
	query, args := eligibleQuery("ORDER BY created_at_utc ASC, id ASC", taskTypes)
	cands, err := fetchCandidates(ctx, q, query, args, scanPool)
	if err != nil {
		return nil, err
	}
	return filterCompatible(cands, capabilities, limit), nil
}

// LIFOStrategy offers the newest eligible task first.
type LIFOStrategy struct{}

func (LIFOStrategy) Name() string { return "lifo" }

func (LIFOStrategy) PickCandidates(ctx context.Context, q storage.Querier, taskTypes []string, capabilities map[string]string, limit int) ([]int64, error) {
	query, args := eligibleQuery("ORDER BY created_at_utc DESC, id DESC", taskTypes)
	cands, err := fetchCandidates(ctx, q, query, args, scanPool)
	if err != nil {
		return nil, err
	}
	return filterCompatible(cands, capabilities, limit), nil
}

// PriorityStrategy offers the lowest-numbered priority first (1 is
// highest priority), breaking ties FIFO.
type PriorityStrategy struct{}

func (PriorityStrategy) Name() string { return "priority" }

func (PriorityStrategy) PickCandidates(ctx context.Context, q storage.Querier, taskTypes []string, capabilities map[string]string, limit int) ([]int64, error) {
	query, args := eligibleQuery("ORDER BY priority ASC, created_at_utc ASC, id ASC", taskTypes)
	cands, err := fetchCandidates(ctx, q, query, args, scanPool)
	if err != nil {
		return nil, err
	}
	return filterCompatible(cands, capabilities, limit), nil
}

// WeightedRandomStrategy samples eligible tasks with probability
// proportional to 1/priority, so low-numbered (high) priority tasks
// are favored without starving lower-priority ones outright.
type WeightedRandomStrategy struct {
	// Rand is injected so tests can assert distributions deterministically.
	// A nil Rand uses a fresh generator per draw, seeded from the
	// package-level math/rand/v2 source.
	Rand *rand.Rand

	// Pool caps how many eligible rows are fetched before sampling; a
	// large queue shouldn't require scanning every queued row to pick one.
	Pool int
}

func (s WeightedRandomStrategy) Name() string { return "weighted_random" }

func (s WeightedRandomStrategy) PickCandidates(ctx context.Context, q storage.Querier, taskTypes []string, capabilities map[string]string, limit int) ([]int64, error) {
	pool := s.Pool
	if pool <= 0 {
		pool = scanPool
	}
	query, args := eligibleQuery("ORDER BY id ASC", taskTypes)
	fetched, err := fetchCandidates(ctx, q, query, args, pool)
	if err != nil {
		return nil, err
	}

	cands := make([]candidate, 0, len(fetched))
	for _, c := range fetched {
		if compatible(c.compatibility, capabilities) {
			cands = append(cands, c)
		}
	}
	if len(cands) == 0 {
		return nil, nil
	}

	weights := make([]float64, len(cands))
	total := 0.0
	for i, c := range cands {
		p := c.priority
		if p < 1 {
			p = 1
		}
		weights[i] = 1.0 / float64(p)
		total += weights[i]
	}

	out := make([]int64, 0, limit)
	taken := make(map[int]bool, limit)
	for len(out) < limit && len(out) < len(cands) {
		idx := s.sampleIndex(weights, total, taken)
		if idx < 0 {
			break
		}
		taken[idx] = true
		out = append(out, cands[idx].id)
	}
	return out, nil
}

func (s WeightedRandomStrategy) sampleIndex(weights []float64, total float64, taken map[int]bool) int {
	r := s.Rand
	if r == nil {
		r = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	remaining := total
	for i, t := range taken {
		if t {
			remaining -= weights[i]
		}
	}
	if remaining <= 0 {
		return -1
	}
	target := r.Float64() * remaining
	acc := 0.0
	for i, w := range weights {
		if taken[i] {
			continue
		}
		acc += w
		if target <= acc {
			return i
		}
	}
	for i := range weights {
		if !taken[i] {
			return i
		}
	}
	return -1
}

// StrategyByName resolves the four named strategies used by the CLI
// and config layer; an unknown name is a validation error to the
// caller, not a panic here.
func StrategyByName(name string) (Strategy, bool) {
	switch name {
	case "fifo":
		return FIFOStrategy{}, true
	case "lifo":
		return LIFOStrategy{}, true
	case "priority":
		return PriorityStrategy{}, true
	case "weighted_random":
		return WeightedRandomStrategy{}, true
	default:
		return nil, false
	}
}
