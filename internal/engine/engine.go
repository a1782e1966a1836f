package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/roach88/synchrony/internal/commit"
	"github.com/roach88/synchrony/internal/graph"
	"github.com/roach88/synchrony/internal/ir"
	"github.com/roach88/synchrony/internal/metrics"
	"github.com/roach88/synchrony/internal/state"
)

// SeedTxID is the transaction id used by Seed.
const SeedTxID ir.TxID = "seed"

// Engine runs batches through the pipeline:
//
//	Analyze (graph, conflicts, levels) -> Execute (parallel, per level)
//	-> Verify (sequential replay) -> Commit (WAL + atomic rename)
//
// Everything before Commit is pure: a batch rejected there leaves no durable
// trace except an audit row. The commit manager owns the WAL and the state
// file; the engine never touches them directly.
//
// Thread-safety model:
//   - SubmitBatch, Seed: serialized (single writer)
//   - MerkleRoot, Get, Snapshot, Seq, Plan: safe from any goroutine and
//     never blocked by execution, only briefly by the commit itself
type Engine struct {
	mu sync.Mutex

	manager  *commit.Manager
	executor *Executor
	prover   Prover
	mode     VerifyMode
	ids      BatchIDGenerator
	workers  int
	log      zerolog.Logger
	metrics  metrics.Collector
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithWorkers sets the executor pool size. Default: runtime.NumCPU().
func WithWorkers(n int) EngineOption {
	return func(e *Engine) { e.workers = n }
}

// WithVerifyMode sets the linearizability check mode. Default: audit.
func WithVerifyMode(m VerifyMode) EngineOption {
	return func(e *Engine) { e.mode = m }
}

// WithBatchIDs sets the batch id generator. Default: UUIDv7Generator.
func WithBatchIDs(g BatchIDGenerator) EngineOption {
	return func(e *Engine) { e.ids = g }
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c metrics.Collector) EngineOption {
	return func(e *Engine) { e.metrics = c }
}

// New creates an Engine committing through manager. The manager must have
// completed recovery.
func New(manager *commit.Manager, opts ...EngineOption) *Engine {
	e := &Engine{
		manager: manager,
		mode:    VerifyAudit,
		ids:     UUIDv7Generator{},
		log:     zerolog.Nop(),
		metrics: metrics.NewNoopCollector(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.executor = NewExecutor(e.workers, e.log)
	e.log = e.log.With().Str("component", "engine").Logger()
	return e
}

// TxOutcome is the effect of one transaction in a committed batch.
type TxOutcome struct {
	ID     ir.TxID
	Level  int
	Writes []state.Write
}

// BatchResult describes a committed batch.
type BatchResult struct {
	BatchID  string
	Seq      int64
	Plan     *graph.Plan
	Outcomes []TxOutcome
	PrevRoot ir.Hash
	Root     ir.Hash

	// Verified is false when the linearizability check was off.
	Verified bool
	// Linearizable is the check's verdict. In audit mode a false verdict
	// still commits.
	Linearizable bool
}

// Plan analyzes batch without executing it.
func (e *Engine) Plan(batch ir.Batch) (*graph.Plan, error) {
	return graph.Analyze(batch)
}

// SubmitBatch analyzes, executes, verifies and commits batch.
//
// Errors:
//   - *ir.ValidationError: malformed batch, nothing ran
//   - *graph.CircularDependencyError: cyclic batch, nothing ran
//   - *RollbackError wrapping *EffectExecutionError, *LinearizabilityError,
//     a context error or a *commit.RollbackError: nothing committed
//   - *commit.IntegrityPanic: durable state is suspect, the engine halts
func (e *Engine) SubmitBatch(ctx context.Context, batch ir.Batch) (*BatchResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	batchID := e.ids.Generate()
	log := e.log.With().Str("batch", batchID).Int("txs", len(batch)).Logger()

	plan, err := graph.Analyze(batch)
	if err != nil {
		outcome := metrics.OutcomeInvalid
		if graph.IsCycleError(err) {
			outcome = metrics.OutcomeCycle
		}
		e.metrics.BatchProcessed(outcome)
		log.Info().Err(err).Msg("batch rejected")
		return nil, err
	}
	e.metrics.BatchScheduled(len(batch), len(plan.Levels), plan.Width())
	log.Debug().Int("levels", len(plan.Levels)).Int("conflicts", len(plan.Conflicts)).Msg("batch scheduled")

	base := e.manager.State()
	exec, err := e.executor.Execute(ctx, batch, plan.Levels, base)
	if err != nil {
		return nil, e.rejectBeforeBegin(ctx, log, batchID, err)
	}
	e.metrics.ExecutionDuration(exec.Duration)

	result := &BatchResult{BatchID: batchID, Plan: plan}
	if e.mode != VerifyOff {
		result.Verified = true
		ok, err := e.verify(batchID, batch, plan, base, exec.State)
		result.Linearizable = ok
		if !ok {
			e.metrics.LinearizabilityAlarm()
			log.Error().Err(err).Bool("alarm", true).Msg("linearizability check failed")
			e.manager.Audit(ctx, commit.AuditEntry{
				Kind:    commit.AuditIntegrityAlarm,
				Seq:     e.manager.Seq() + 1,
				BatchID: batchID,
				Detail:  err.Error(),
			})
			if e.mode == VerifyStrict {
				e.metrics.BatchProcessed(metrics.OutcomeLinearizability)
				return nil, &RollbackError{BatchID: batchID, State: commit.PhaseIdle.String(), Cause: err}
			}
		}
	}

	// Last point at which cancellation leaves no trace.
	if err := ctx.Err(); err != nil {
		return nil, e.rejectBeforeBegin(ctx, log, batchID, err)
	}

	// Past BEGIN the batch must reach COMMITTED or ROLLED_BACK.
	info, err := e.manager.Commit(context.WithoutCancel(ctx), batchID, exec.State)
	if err != nil {
		e.metrics.BatchProcessed(metrics.OutcomeCommitFailed)
		if commit.IsRollbackError(err) {
			log.Warn().Err(err).Msg("commit rolled back")
			return nil, &RollbackError{BatchID: batchID, State: commit.PhaseRolledBack.String(), Cause: err}
		}
		log.Error().Err(err).Msg("commit failed")
		return nil, err
	}
	e.metrics.BatchProcessed(metrics.OutcomeCommitted)

	result.Seq = info.Seq
	result.PrevRoot = info.PrevRoot
	result.Root = info.MerkleRoot
	levelOf := graph.LevelOf(plan.Levels)
	for _, tx := range batch {
		result.Outcomes = append(result.Outcomes, TxOutcome{
			ID:     tx.ID,
			Level:  levelOf[tx.ID],
			Writes: exec.Writes[tx.ID],
		})
	}
	return result, nil
}

// verify returns the prover's verdict and, on a mismatch, the error that
// describes it.
func (e *Engine) verify(batchID string, batch ir.Batch, plan *graph.Plan, base, parallel *state.Snapshot) (bool, error) {
	order := graph.Flatten(plan.Levels)
	sequential, err := Replay(batch, order, base)
	if err != nil {
		le := mismatch(batchID, order, parallel, nil)
		return false, fmt.Errorf("%w: %v", le, err)
	}
	ok, err := sameState(sequential, parallel)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, mismatch(batchID, order, parallel, sequential)
	}
	return true, nil
}

func (e *Engine) rejectBeforeBegin(ctx context.Context, log zerolog.Logger, batchID string, err error) error {
	outcome := metrics.OutcomeEffectFailed
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		outcome = metrics.OutcomeCancelled
	}
	e.metrics.BatchProcessed(outcome)

	var ee *EffectExecutionError
	if errors.As(err, &ee) {
		log.Info().Err(err).Str("tx", string(ee.TxID)).Int("level", ee.Level).Msg("batch rolled back")
		e.manager.Audit(ctx, commit.AuditEntry{
			Kind:    commit.AuditExecRollback,
			Seq:     e.manager.Seq() + 1,
			BatchID: batchID,
			Detail:  err.Error(),
		})
	} else {
		log.Info().Err(err).Msg("batch abandoned before commit")
	}
	return &RollbackError{BatchID: batchID, State: commit.PhaseIdle.String(), Cause: err}
}

// Seed commits initial balances as an ordinary one-transaction batch.
func (e *Engine) Seed(ctx context.Context, values map[ir.AccountKey]ir.IRValue) (*BatchResult, error) {
	writes := ir.NewKeySet()
	for k := range values {
		writes[k] = struct{}{}
	}
	tx := ir.Transaction{
		ID:       SeedTxID,
		WriteSet: writes,
		Effect: func(acc ir.Accessor) error {
			for _, k := range writes.Sorted() {
				if err := acc.Set(k, values[k]); err != nil {
					return err
				}
			}
			return nil
		},
	}
	return e.SubmitBatch(ctx, ir.Batch{tx})
}

// MerkleRoot returns the chained root of the committed state.
func (e *Engine) MerkleRoot() ir.Hash {
	return e.manager.Root()
}

// Get returns the committed value of key.
func (e *Engine) Get(key ir.AccountKey) (ir.IRValue, bool) {
	return e.manager.State().Get(key)
}

// Snapshot returns the committed state.
func (e *Engine) Snapshot() *state.Snapshot {
	return e.manager.State()
}

// Seq returns the sequence number of the last committed batch.
func (e *Engine) Seq() int64 {
	return e.manager.Seq()
}

// Workers returns the executor pool size.
func (e *Engine) Workers() int {
	return e.executor.Workers()
}
