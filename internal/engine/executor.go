package engine

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/roach88/synchrony/internal/graph"
	"github.com/roach88/synchrony/internal/ir"
	"github.com/roach88/synchrony/internal/state"
)

// Execution is the outcome of running every level of a batch.
type Execution struct {
	// State is the snapshot after the last level merged.
	State *state.Snapshot

	// Writes holds each transaction's writes in key order.
	Writes map[ir.TxID][]state.Write

	// Duration is the wall time spent across all levels.
	Duration time.Duration
}

// Executor runs scheduled levels on a bounded worker pool.
//
// Each transaction in a level runs against a private state.View over the
// snapshot produced by the previous level. Once every task of the level has
// finished, their writes are merged in submission order into the next
// snapshot. Level k+1 never starts before level k has merged.
//
// Thread-safety: an Executor may run several batches concurrently; each
// Execute call uses its own pool.
type Executor struct {
	workers int
	log     zerolog.Logger
}

// NewExecutor creates an executor with at most workers concurrent effects.
// workers <= 0 selects runtime.NumCPU().
func NewExecutor(workers int, log zerolog.Logger) *Executor {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Executor{
		workers: workers,
		log:     log.With().Str("component", "executor").Logger(),
	}
}

// Workers returns the pool size.
func (x *Executor) Workers() int {
	return x.workers
}

type txResult struct {
	writes []state.Write
	err    error
}

// Execute runs levels in order over base.
//
// Any effect error, panic or footprint violation aborts the batch: Execute
// returns an *EffectExecutionError and no snapshot. Cancellation is checked
// before each level starts.
func (x *Executor) Execute(ctx context.Context, batch ir.Batch, levels []graph.Level, base *state.Snapshot) (*Execution, error) {
	start := time.Now()
	index := batch.Index()

	pool := workerpool.New(x.workers)
	defer pool.StopWait()

	out := &Execution{Writes: make(map[ir.TxID][]state.Write, len(batch))}
	current := base
	for li, level := range levels {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("execution cancelled before level %d: %w", li, err)
		}

		levelBase := current
		results := make([]txResult, len(level))
		var wg sync.WaitGroup
		for i, id := range level {
			pos, ok := index[id]
			if !ok {
				return nil, fmt.Errorf("level %d references unknown transaction %s", li, id)
			}
			tx := &batch[pos]
			slot := &results[i]
			wg.Add(1)
			pool.Submit(func() {
				defer wg.Done()
				slot.writes, slot.err = runEffect(levelBase, tx)
			})
		}
		wg.Wait()

		if err := levelFailure(li, level, results); err != nil {
			x.log.Debug().Err(err).Int("level", li).Msg("level failed")
			return nil, err
		}

		next, err := mergeLevel(li, levelBase, level, results)
		if err != nil {
			return nil, err
		}
		for i, id := range level {
			out.Writes[id] = results[i].writes
		}
		current = next
		x.log.Debug().Int("level", li).Int("width", len(level)).Msg("level merged")
	}

	out.State = current
	out.Duration = time.Since(start)
	return out, nil
}

// runEffect applies tx to a fresh view over base. Panics become errors.
func runEffect(base *state.Snapshot, tx *ir.Transaction) (writes []state.Write, err error) {
	defer func() {
		if r := recover(); r != nil {
			writes = nil
			err = fmt.Errorf("effect panicked: %v", r)
		}
	}()
	view := state.NewView(base, tx)
	if err := tx.Effect(view); err != nil {
		return nil, err
	}
	return view.Writes(), nil
}

// levelFailure aggregates every failure in the level. Level members are in
// submission order, so the first failure is the earliest submitted.
func levelFailure(li int, level graph.Level, results []txResult) error {
	var all *multierror.Error
	var first *EffectExecutionError
	for i, r := range results {
		if r.err == nil {
			continue
		}
		all = multierror.Append(all, fmt.Errorf("%s: %w", level[i], r.err))
		if first == nil {
			first = &EffectExecutionError{TxID: level[i], Level: li, Cause: r.err}
		}
	}
	if first == nil {
		return nil
	}
	first.All = all.ErrorOrNil()
	return first
}

// mergeLevel folds the level's writes into base in submission order.
func mergeLevel(li int, base *state.Snapshot, level graph.Level, results []txResult) (*state.Snapshot, error) {
	owner := make(map[ir.AccountKey]ir.TxID)
	var writes []state.Write
	for i, r := range results {
		for _, w := range r.writes {
			if prev, ok := owner[w.Key]; ok {
				return nil, &MergeCollisionError{Level: li, Account: w.Key, First: prev, Second: level[i]}
			}
			owner[w.Key] = level[i]
			writes = append(writes, w)
		}
	}
	if len(writes) == 0 {
		return base, nil
	}
	return base.Apply(writes)
}
