package engine

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/synchrony/internal/commit"
	"github.com/roach88/synchrony/internal/effect"
	"github.com/roach88/synchrony/internal/graph"
	"github.com/roach88/synchrony/internal/ir"
	"github.com/roach88/synchrony/internal/metrics"
)

func openManager(t *testing.T, dir string, opts ...commit.Option) *commit.Manager {
	t.Helper()
	m, _, err := commit.Open(dir, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func newTestEngine(t *testing.T, opts ...EngineOption) *Engine {
	t.Helper()
	m := openManager(t, t.TempDir())
	opts = append([]EngineOption{WithBatchIDs(NewFixedGenerator()), WithVerifyMode(VerifyStrict), WithWorkers(4)}, opts...)
	return New(m, opts...)
}

func buildBatch(t *testing.T, specs ...effect.TxSpec) ir.Batch {
	t.Helper()
	batch, err := effect.BuildBatch(specs)
	require.NoError(t, err)
	return batch
}

func seed(t *testing.T, e *Engine, kv map[ir.AccountKey]int64) {
	t.Helper()
	values := make(map[ir.AccountKey]ir.IRValue, len(kv))
	for k, v := range kv {
		values[k] = ir.IRInt(v)
	}
	_, err := e.Seed(context.Background(), values)
	require.NoError(t, err)
}

func balance(t *testing.T, e *Engine, key ir.AccountKey) int64 {
	t.Helper()
	v, ok := e.Get(key)
	require.True(t, ok, "missing %s", key)
	n, ok := ir.AsInt(v)
	require.True(t, ok)
	return n
}

func TestEngineStartsAtGenesis(t *testing.T) {
	e := newTestEngine(t)
	assert.Equal(t, int64(0), e.Seq())
	assert.Equal(t, commit.GenesisRoot(), e.MerkleRoot())
	assert.Equal(t, 0, e.Snapshot().Len())
	assert.Equal(t, 4, e.Workers())
}

// Disjoint accounts form a single level and both effects apply.
func TestSubmitDisjointWritesShareLevel(t *testing.T) {
	e := newTestEngine(t)
	seed(t, e, map[ir.AccountKey]int64{"alice": 100, "bob": 100})

	res, err := e.SubmitBatch(context.Background(), buildBatch(t,
		effect.TxSpec{ID: "T1", Ops: []map[string]any{{"op": "add", "key": "alice", "amount": 10}}},
		effect.TxSpec{ID: "T2", Ops: []map[string]any{{"op": "add", "key": "bob", "amount": -30}}},
	))
	require.NoError(t, err)

	assert.Equal(t, []graph.Level{{"T1", "T2"}}, res.Plan.Levels)
	assert.Empty(t, res.Plan.Conflicts)
	assert.Equal(t, int64(110), balance(t, e, "alice"))
	assert.Equal(t, int64(70), balance(t, e, "bob"))
	assert.Equal(t, int64(2), res.Seq)
	assert.True(t, res.Verified)
	assert.True(t, res.Linearizable)
}

// A reader of a written account runs one level later.
func TestSubmitReadAfterWrite(t *testing.T) {
	e := newTestEngine(t)

	res, err := e.SubmitBatch(context.Background(), buildBatch(t,
		effect.TxSpec{ID: "T1", Ops: []map[string]any{{"op": "set", "key": "alice", "value": 50}}},
		effect.TxSpec{
			ID:     "T2",
			Reads:  []string{"alice"},
			Writes: []string{"carol"},
			Ops:    []map[string]any{{"op": "copy", "from": "alice", "to": "carol"}},
		},
		effect.TxSpec{ID: "T3", Ops: []map[string]any{{"op": "set", "key": "bob", "value": 7}}},
	))
	require.NoError(t, err)

	assert.Equal(t, []graph.Level{{"T1", "T3"}, {"T2"}}, res.Plan.Levels)
	require.Len(t, res.Plan.Conflicts, 1)
	assert.Equal(t, graph.Conflict{TxA: "T1", TxB: "T2", Account: "alice", Kind: graph.RAW}, res.Plan.Conflicts[0])
	assert.Equal(t, int64(50), balance(t, e, "carol"))

	require.Len(t, res.Outcomes, 3)
	assert.Equal(t, TxOutcome{ID: "T2", Level: 1, Writes: res.Outcomes[1].Writes}, res.Outcomes[1])
	assert.Equal(t, ir.AccountKey("carol"), res.Outcomes[1].Writes[0].Key)
}

// Two writers of one account: the later submission wins.
func TestSubmitWriteWriteSubmissionOrderWins(t *testing.T) {
	e := newTestEngine(t)

	res, err := e.SubmitBatch(context.Background(), buildBatch(t,
		effect.TxSpec{ID: "T1", Ops: []map[string]any{{"op": "set", "key": "x", "value": 1}}},
		effect.TxSpec{ID: "T2", Ops: []map[string]any{{"op": "set", "key": "x", "value": 2}}},
	))
	require.NoError(t, err)

	require.Len(t, res.Plan.Conflicts, 1)
	c := res.Plan.Conflicts[0]
	assert.Equal(t, graph.WAW, c.Kind)
	assert.Equal(t, ir.TxID("T2"), c.Winner())
	assert.Equal(t, []graph.Level{{"T1"}, {"T2"}}, res.Plan.Levels)
	assert.Equal(t, int64(2), balance(t, e, "x"))
}

// A cycle rejects the batch and leaves state untouched.
func TestSubmitCycleRejectedWithoutEffect(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := newTestEngine(t, WithMetrics(metrics.NewPipelineCollector(reg, "test")))
	seed(t, e, map[ir.AccountKey]int64{"a": 1, "b": 1})
	rootBefore, seqBefore := e.MerkleRoot(), e.Seq()

	var ran atomic.Int32
	batch := buildBatch(t,
		effect.TxSpec{ID: "T1", Reads: []string{"b"}, Writes: []string{"a"}, After: []string{"T2"},
			Ops: []map[string]any{{"op": "add", "key": "a", "amount": 1}}},
		effect.TxSpec{ID: "T2", Reads: []string{"a"}, Writes: []string{"b"},
			Ops: []map[string]any{{"op": "add", "key": "b", "amount": 1}}},
	)
	for i := range batch {
		inner := batch[i].Effect
		batch[i].Effect = func(acc ir.Accessor) error {
			ran.Add(1)
			return inner(acc)
		}
	}

	res, err := e.SubmitBatch(context.Background(), batch)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, IsCycleError(err))

	var ce *graph.CircularDependencyError
	require.ErrorAs(t, err, &ce)
	assert.ElementsMatch(t, []ir.TxID{"T1", "T2"}, ce.Cycle)

	assert.Equal(t, int32(0), ran.Load())
	assert.Equal(t, rootBefore, e.MerkleRoot())
	assert.Equal(t, seqBefore, e.Seq())
	assert.Equal(t, int64(1), balance(t, e, "a"))

	expected := `
# HELP test_batch_processed_total number of submitted batches by outcome
# TYPE test_batch_processed_total counter
test_batch_processed_total{outcome="committed"} 1
test_batch_processed_total{outcome="cycle"} 1
`
	assert.NoError(t, promtest.GatherAndCompare(reg, strings.NewReader(expected), "test_batch_processed_total"))
}

func TestSubmitEffectFailureRollsBack(t *testing.T) {
	e := newTestEngine(t)
	seed(t, e, map[ir.AccountKey]int64{"alice": 10, "bob": 0})
	root := e.MerkleRoot()

	_, err := e.SubmitBatch(context.Background(), buildBatch(t,
		effect.TxSpec{ID: "T1", Ops: []map[string]any{{"op": "set", "key": "carol", "value": 1}}},
		effect.TxSpec{ID: "T2", Ops: []map[string]any{{"op": "transfer", "from": "alice", "to": "bob", "amount": 50}}},
	))
	require.Error(t, err)
	assert.True(t, IsRollbackError(err))
	assert.True(t, IsEffectError(err))
	assert.True(t, effect.IsDomainError(err))

	var rb *RollbackError
	require.ErrorAs(t, err, &rb)
	assert.Equal(t, "IDLE", rb.State)
	var ee *EffectExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, ir.TxID("T2"), ee.TxID)

	assert.Equal(t, root, e.MerkleRoot())
	_, ok := e.Get("carol")
	assert.False(t, ok, "no partial application")
	assert.Equal(t, int64(1), e.Seq())
}

func TestSubmitCancelledBeforeCommit(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.SubmitBatch(ctx, buildBatch(t,
		effect.TxSpec{ID: "T1", Ops: []map[string]any{{"op": "set", "key": "a", "value": 1}}},
	))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, IsRollbackError(err))
	assert.Equal(t, int64(0), e.Seq())
}

func TestSubmitCancelledDuringVerification(t *testing.T) {
	e := newTestEngine(t, WithVerifyMode(VerifyStrict))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The effect runs once in parallel and once more in the sequential
	// replay; cancel on the second run.
	var runs atomic.Int64
	tx := ir.Transaction{
		ID:       "T1",
		WriteSet: ir.NewKeySet("a"),
		Effect: func(acc ir.Accessor) error {
			if runs.Add(1) == 2 {
				cancel()
			}
			return acc.Set("a", ir.IRInt(1))
		},
	}

	_, err := e.SubmitBatch(ctx, ir.Batch{tx})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, IsRollbackError(err))
	assert.Equal(t, int64(2), runs.Load())
	assert.Equal(t, int64(0), e.Seq())
	assert.Equal(t, commit.PhaseIdle, e.manager.Phase(), "no BEGIN was written")
	_, ok := e.Get("a")
	assert.False(t, ok)
}

func TestSubmitInvalidBatch(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.SubmitBatch(context.Background(), ir.Batch{setTx("T1", "a", 1), setTx("T1", "b", 2)})
	require.Error(t, err)
	assert.True(t, ir.IsValidationError(err))
}

// nondeterministicTx writes a different value on every run, so the
// sequential replay disagrees with the parallel result.
func nondeterministicTx(id string, key ir.AccountKey) ir.Transaction {
	var calls atomic.Int64
	return ir.Transaction{
		ID:       ir.TxID(id),
		WriteSet: ir.NewKeySet(key),
		Effect: func(acc ir.Accessor) error {
			return acc.Set(key, ir.IRInt(calls.Add(1)))
		},
	}
}

func TestStrictModeRejectsNonLinearizableBatch(t *testing.T) {
	e := newTestEngine(t, WithVerifyMode(VerifyStrict))

	_, err := e.SubmitBatch(context.Background(), ir.Batch{nondeterministicTx("T1", "a")})
	require.Error(t, err)
	assert.True(t, IsLinearizabilityError(err))
	assert.True(t, IsRollbackError(err))

	var le *LinearizabilityError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, []ir.AccountKey{"a"}, le.Accounts)
	assert.Equal(t, int64(0), e.Seq())
}

func TestAuditModeCommitsAndRaisesAlarm(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := newTestEngine(t, WithVerifyMode(VerifyAudit), WithMetrics(metrics.NewPipelineCollector(reg, "test")))

	res, err := e.SubmitBatch(context.Background(), ir.Batch{nondeterministicTx("T1", "a")})
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.False(t, res.Linearizable)
	assert.Equal(t, int64(1), balance(t, e, "a"), "parallel result is committed")

	expected := `
# HELP test_audit_linearizability_alarms_total batches whose parallel result differed from sequential re-execution
# TYPE test_audit_linearizability_alarms_total counter
test_audit_linearizability_alarms_total 1
`
	assert.NoError(t, promtest.GatherAndCompare(reg, strings.NewReader(expected), "test_audit_linearizability_alarms_total"))
}

func TestVerifyOffSkipsProof(t *testing.T) {
	e := newTestEngine(t, WithVerifyMode(VerifyOff))
	res, err := e.SubmitBatch(context.Background(), ir.Batch{nondeterministicTx("T1", "a")})
	require.NoError(t, err)
	assert.False(t, res.Verified)
}

func TestSubmitChainsRoots(t *testing.T) {
	e := newTestEngine(t, WithBatchIDs(NewFixedGenerator("first", "second")))

	r1, err := e.SubmitBatch(context.Background(), ir.Batch{setTx("T1", "a", 1)})
	require.NoError(t, err)
	r2, err := e.SubmitBatch(context.Background(), ir.Batch{setTx("T1", "a", 2)})
	require.NoError(t, err)

	assert.Equal(t, "first", r1.BatchID)
	assert.Equal(t, "second", r2.BatchID)
	assert.Equal(t, commit.GenesisRoot(), r1.PrevRoot)
	assert.Equal(t, r1.Root, r2.PrevRoot)
	assert.Equal(t, r2.Root, e.MerkleRoot())
}

func TestPlanIsDryRun(t *testing.T) {
	e := newTestEngine(t)
	plan, err := e.Plan(ir.Batch{setTx("T1", "a", 1), setTx("T2", "a", 2)})
	require.NoError(t, err)
	assert.Len(t, plan.Levels, 2)
	assert.Equal(t, int64(0), e.Seq())
}

// Killing the process between BEGIN and the rename leaves the pre-batch
// state after restart.
func TestCrashBeforeRenameRecoversPreBatchState(t *testing.T) {
	dir := t.TempDir()
	{
		m := openManager(t, dir)
		e := New(m, WithBatchIDs(NewFixedGenerator()))
		seed(t, e, map[ir.AccountKey]int64{"alice": 100, "bob": 0})
		require.NoError(t, m.Close())
	}

	crashing := openManager(t, dir, commit.WithCrashHook(func(p commit.CrashPoint) bool {
		return p == commit.CrashAfterTempWrite
	}))
	e := New(crashing, WithBatchIDs(NewFixedGenerator()))
	before := e.MerkleRoot()
	_, err := e.SubmitBatch(context.Background(), buildBatch(t,
		effect.TxSpec{ID: "T1", Ops: []map[string]any{{"op": "transfer", "from": "alice", "to": "bob", "amount": 40}}},
	))
	require.ErrorIs(t, err, commit.ErrSimulatedCrash)
	require.NoError(t, crashing.Close())

	m, report, err := commit.Open(dir)
	require.NoError(t, err)
	defer m.Close()
	require.Len(t, report.OrphansRemoved, 1)

	restarted := New(m)
	assert.Equal(t, before, restarted.MerkleRoot())
	assert.Equal(t, int64(100), balance(t, restarted, "alice"))
	assert.Equal(t, int64(0), balance(t, restarted, "bob"))
}

func TestSubmitAfterCloseIsRefused(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.SubmitBatch(context.Background(), ir.Batch{setTx("T1", "a", 1)})
	require.NoError(t, err)
	require.NoError(t, e.manager.Close())

	_, err = e.SubmitBatch(context.Background(), ir.Batch{setTx("T1", "a", 2)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, commit.ErrClosed))
}
