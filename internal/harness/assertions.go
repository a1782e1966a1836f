package harness

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/roach88/synchrony/internal/engine"
	"github.com/roach88/synchrony/internal/ir"
	"github.com/roach88/synchrony/internal/store"
)

// AssertionContext provides what assertions inspect.
type AssertionContext struct {
	Engine *engine.Engine
	Ledger *store.Store
	Ctx    context.Context
}

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

func assertBalance(eng *engine.Engine, a Assertion) error {
	want, err := ir.FromAny(a.Value)
	if err != nil {
		return fmt.Errorf("assertion value for %s: %w", a.Key, err)
	}
	got, ok := eng.Get(ir.AccountKey(a.Key))
	if !ok {
		return &AssertionError{
			Type:     AssertBalance,
			Expected: fmt.Sprintf("%s = %s", a.Key, render(want)),
			Actual:   "account does not exist",
		}
	}
	if !sameValue(want, got) {
		return &AssertionError{
			Type:     AssertBalance,
			Expected: fmt.Sprintf("%s = %s", a.Key, render(want)),
			Actual:   fmt.Sprintf("%s = %s", a.Key, render(got)),
		}
	}
	return nil
}

func assertAbsent(eng *engine.Engine, a Assertion) error {
	if got, ok := eng.Get(ir.AccountKey(a.Key)); ok {
		return &AssertionError{
			Type:     AssertAbsent,
			Expected: fmt.Sprintf("%s does not exist", a.Key),
			Actual:   fmt.Sprintf("%s = %s", a.Key, render(got)),
		}
	}
	return nil
}

func assertCount(kind string, want, got int64) error {
	if want != got {
		return &AssertionError{
			Type:     kind,
			Expected: fmt.Sprintf("%d", want),
			Actual:   fmt.Sprintf("%d", got),
		}
	}
	return nil
}

func assertAudit(ctx context.Context, ledger *store.Store, a Assertion) error {
	rows, err := ledger.ListAudit(ctx, a.Kind)
	if err != nil {
		return err
	}
	if len(rows) != a.Count {
		return &AssertionError{
			Type:     AssertAudit,
			Expected: fmt.Sprintf("%d %s rows", a.Count, a.Kind),
			Actual:   fmt.Sprintf("%d %s rows", len(rows), a.Kind),
		}
	}
	return nil
}

func assertHistory(ctx context.Context, ledger *store.Store, a Assertion) error {
	rows, err := ledger.ListCommits(ctx, 0)
	if err != nil {
		return err
	}
	return assertCount(AssertHistory, int64(a.Count), int64(len(rows)))
}

// sameValue compares IR values by canonical encoding.
func sameValue(a, b ir.IRValue) bool {
	x, errA := ir.MarshalCanonical(a)
	y, errB := ir.MarshalCanonical(b)
	return errA == nil && errB == nil && bytes.Equal(x, y)
}

func render(v ir.IRValue) string {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// EvaluateAssertions runs every assertion and returns the failure messages.
// Invalid assertions are reported as failures, not errors.
func EvaluateAssertions(assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertBalance:
			err = assertBalance(actx.Engine, a)
		case AssertAbsent:
			err = assertAbsent(actx.Engine, a)
		case AssertSeq:
			err = assertCount(AssertSeq, int64(toInt(a.Value)), actx.Engine.Seq())
		case AssertAccounts:
			err = assertCount(AssertAccounts, int64(toInt(a.Value)), int64(actx.Engine.Snapshot().Len()))
		case AssertAudit:
			err = assertAudit(actx.Ctx, actx.Ledger, a)
		case AssertHistory:
			err = assertHistory(actx.Ctx, actx.Ledger, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return errs
}

func toInt(v any) int {
	n, _ := v.(int)
	return n
}
