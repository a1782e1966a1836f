package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/roach88/synchrony/internal/commit"
	"github.com/roach88/synchrony/internal/effect"
	"github.com/roach88/synchrony/internal/engine"
	"github.com/roach88/synchrony/internal/graph"
	"github.com/roach88/synchrony/internal/ir"
	"github.com/roach88/synchrony/internal/store"
	"github.com/roach88/synchrony/internal/testutil"
)

const defaultWorkers = 4

// Harness drives one scenario against a real engine, commit manager and
// ledger rooted in a private directory.
type Harness struct {
	dir     string
	ledger  *store.Store
	ids     *recordingGenerator
	clock   *testutil.StepClock
	log     zerolog.Logger
	workers int
	mode    engine.VerifyMode

	manager *commit.Manager
	engine  *engine.Engine

	// crashAt is armed only while the batch that requested it commits.
	crashAt commit.CrashPoint
}

// Option configures a scenario run.
type Option func(*Harness)

// WithLogger routes engine and commit logs to log. Default: discarded.
func WithLogger(log zerolog.Logger) Option {
	return func(h *Harness) { h.log = log }
}

// WithDataDir runs the scenario in dir instead of a temporary directory.
// The directory is left in place afterwards.
func WithDataDir(dir string) Option {
	return func(h *Harness) { h.dir = dir }
}

// recordingGenerator remembers the last id it handed out, so failed
// batches can be reported by id.
type recordingGenerator struct {
	gen  *testutil.SequenceGenerator
	last string
}

func (g *recordingGenerator) Generate() string {
	g.last = g.gen.Generate()
	return g.last
}

// Run executes a scenario and returns the result.
//
// Execution flow:
// 1. Open a fresh data directory and ledger
// 2. Seed the scenario's accounts
// 3. Submit each batch, simulating crashes and recovering where asked
// 4. Evaluate assertions against the final state and ledger
//
// Failed expectations and assertions are reported in the result. An error
// is returned only when the scenario could not run at all, including when
// the engine halts on an integrity panic.
func Run(scenario *Scenario, opts ...Option) (result *Result, err error) {
	mode := engine.VerifyStrict
	if scenario.Verify != "" {
		if mode, err = engine.ParseVerifyMode(scenario.Verify); err != nil {
			return nil, err
		}
	}
	workers := scenario.Workers
	if workers == 0 {
		workers = defaultWorkers
	}

	h := &Harness{
		ids:     &recordingGenerator{gen: testutil.NewSequenceGenerator(orDefault(scenario.BatchPrefix, "b"))},
		clock:   testutil.NewStepClock(time.Millisecond),
		log:     zerolog.Nop(),
		workers: workers,
		mode:    mode,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.dir == "" {
		tmp, err := os.MkdirTemp("", "synchrony-scenario-*")
		if err != nil {
			return nil, fmt.Errorf("create scenario directory: %w", err)
		}
		defer os.RemoveAll(tmp)
		h.dir = tmp
	}

	h.ledger, err = store.Open(filepath.Join(h.dir, "ledger.db"))
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer func() {
		var errs *multierror.Error
		if h.manager != nil {
			errs = multierror.Append(errs, h.manager.Close())
		}
		errs = multierror.Append(errs, h.ledger.Close())
		if cerr := errs.ErrorOrNil(); cerr != nil && err == nil {
			err = fmt.Errorf("close scenario: %w", cerr)
		}
	}()

	if _, err := h.open(); err != nil {
		return nil, err
	}

	ctx := context.Background()
	result = NewResult()

	if len(scenario.Accounts) > 0 {
		if err := h.seed(ctx, scenario.Accounts, result); err != nil {
			return nil, fmt.Errorf("failed to seed accounts: %w", err)
		}
	}

	for i, step := range scenario.Batches {
		event, err := h.submit(ctx, i+1, step)
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", i+1, err)
		}
		result.Trace = append(result.Trace, event)
		for _, msg := range checkExpect(i+1, step.Expect, event) {
			result.AddError(msg)
		}
	}

	actx := &AssertionContext{Engine: h.engine, Ledger: h.ledger, Ctx: ctx}
	for _, msg := range EvaluateAssertions(scenario.Assertions, actx) {
		result.AddError(msg)
	}

	result.Root = h.engine.MerkleRoot().String()
	h.engine.Snapshot().Scan(func(k ir.AccountKey, v ir.IRValue) bool {
		result.State[string(k)] = v
		return true
	})
	return result, nil
}

// open starts a commit manager on the data directory, running recovery,
// and an engine on top of it.
func (h *Harness) open() (*commit.RecoveryReport, error) {
	m, report, err := commit.Open(filepath.Join(h.dir, "data"),
		commit.WithLedger(h.ledger),
		commit.WithLogger(h.log),
		commit.WithClock(h.clock.Now),
		commit.WithCrashHook(func(p commit.CrashPoint) bool { return p == h.crashAt }),
	)
	if err != nil {
		return nil, fmt.Errorf("open commit manager: %w", err)
	}
	h.manager = m
	h.engine = engine.New(m,
		engine.WithWorkers(h.workers),
		engine.WithVerifyMode(h.mode),
		engine.WithBatchIDs(h.ids),
		engine.WithLogger(h.log),
	)
	return report, nil
}

// restart simulates a process restart after a crash.
func (h *Harness) restart() (*commit.RecoveryReport, error) {
	// The crashed manager is halted; closing only releases the WAL handle.
	_ = h.manager.Close()
	h.manager = nil
	return h.open()
}

func (h *Harness) seed(ctx context.Context, accounts map[string]any, result *Result) error {
	values := make(map[ir.AccountKey]ir.IRValue, len(accounts))
	for k, raw := range accounts {
		v, err := ir.FromAny(raw)
		if err != nil {
			return fmt.Errorf("account %s: %w", k, err)
		}
		values[ir.AccountKey(k)] = v
	}
	res, err := h.engine.Seed(ctx, values)
	if err != nil {
		return err
	}
	result.Trace = append(result.Trace, TraceEvent{
		Batch:   0,
		BatchID: res.BatchID,
		Outcome: OutcomeCommitted,
		Levels:  levelStrings(res.Plan.Levels),
		Seq:     res.Seq,
	})
	return nil
}

// submit runs one batch and reports what happened to it.
func (h *Harness) submit(ctx context.Context, n int, step BatchStep) (TraceEvent, error) {
	event := TraceEvent{Batch: n}

	batch, err := effect.BuildBatch(step.Transactions)
	if err != nil {
		event.Outcome = OutcomeInvalid
		event.Error = err.Error()
		event.Seq = h.engine.Seq()
		return event, nil
	}

	// The plan is recomputed here so rejected batches still report their
	// conflicts.
	if plan, _ := h.engine.Plan(batch); plan != nil {
		event.Levels = levelStrings(plan.Levels)
		for _, c := range plan.Conflicts {
			event.Conflicts = append(event.Conflicts, c.String())
		}
	}

	h.crashAt = commit.CrashPoint(step.CrashAt)
	res, err := h.engine.SubmitBatch(ctx, batch)
	h.crashAt = ""
	event.BatchID = h.ids.last

	switch {
	case err == nil:
		event.Outcome = OutcomeCommitted
		event.BatchID = res.BatchID
	case graph.IsCycleError(err):
		event.Outcome = OutcomeRejected
	case ir.IsValidationError(err):
		event.Outcome = OutcomeInvalid
	case errors.Is(err, commit.ErrSimulatedCrash):
		event.Outcome = OutcomeCrashed
		report, rerr := h.restart()
		if rerr != nil {
			return event, fmt.Errorf("recover after crash: %w", rerr)
		}
		event.Recovery = &RecoveryEvent{
			RolledBack:       report.RolledBack != nil,
			RestoredPrevious: report.RestoredPrevious,
			OrphansRemoved:   len(report.OrphansRemoved),
			Seq:              report.Seq,
		}
	case engine.IsRollbackError(err):
		event.Outcome = OutcomeRolledBack
	default:
		return event, err
	}
	if err != nil {
		event.Error = err.Error()
	}
	event.Seq = h.engine.Seq()
	return event, nil
}

// checkExpect compares an event with its batch expectation. A batch
// without one must commit.
func checkExpect(n int, expect *ExpectClause, event TraceEvent) []string {
	if expect == nil {
		expect = &ExpectClause{Outcome: OutcomeCommitted}
	}
	var errs []string
	if event.Outcome != expect.Outcome {
		msg := fmt.Sprintf("batch %d: expected outcome %s, got %s", n, expect.Outcome, event.Outcome)
		if event.Error != "" {
			msg += ": " + event.Error
		}
		errs = append(errs, msg)
	}
	if expect.Levels != nil && !equalLevels(expect.Levels, event.Levels) {
		errs = append(errs, fmt.Sprintf("batch %d: expected levels %v, got %v", n, expect.Levels, event.Levels))
	}
	for _, want := range expect.Conflicts {
		found := false
		for _, got := range event.Conflicts {
			if got == want {
				found = true
				break
			}
		}
		if !found {
			errs = append(errs, fmt.Sprintf("batch %d: conflict %s not reported (have %v)", n, want, event.Conflicts))
		}
	}
	if expect.ErrorContains != "" && !strings.Contains(event.Error, expect.ErrorContains) {
		errs = append(errs, fmt.Sprintf("batch %d: expected error containing %q, got %q", n, expect.ErrorContains, event.Error))
	}
	return errs
}

func levelStrings(levels []graph.Level) [][]string {
	out := make([][]string, len(levels))
	for i, lvl := range levels {
		out[i] = make([]string, len(lvl))
		for j, id := range lvl {
			out[i][j] = string(id)
		}
	}
	return out
}

func equalLevels(a, b [][]string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if strings.Join(a[i], ",") != strings.Join(b[i], ",") {
			return false
		}
	}
	return true
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
