package harness

import "github.com/roach88/synchrony/internal/ir"

// Batch outcomes as recorded in the trace.
const (
	OutcomeCommitted  = "committed"
	OutcomeRejected   = "rejected" // cyclic batch
	OutcomeInvalid    = "invalid"
	OutcomeRolledBack = "rolled_back"
	OutcomeCrashed    = "crashed"
)

// TraceEvent records what happened to one submitted batch. Batch 0 is the
// seed batch built from the scenario's accounts.
type TraceEvent struct {
	Batch     int        `json:"batch"`
	BatchID   string     `json:"batch_id,omitempty"`
	Outcome   string     `json:"outcome"`
	Levels    [][]string `json:"levels,omitempty"`
	Conflicts []string   `json:"conflicts,omitempty"`
	Seq       int64      `json:"seq"`
	Error     string     `json:"-"`
	// Recovery is set for crashed batches.
	Recovery *RecoveryEvent `json:"recovery,omitempty"`
}

// RecoveryEvent summarizes the recovery that followed a simulated crash.
type RecoveryEvent struct {
	RolledBack       bool  `json:"rolled_back"`
	RestoredPrevious bool  `json:"restored_previous"`
	OrphansRemoved   int   `json:"orphans_removed"`
	Seq              int64 `json:"seq"`
}

// toIR renders the event with a stable key layout for golden files. Error
// text and Merkle roots are left out.
func (e TraceEvent) toIR() ir.IRObject {
	obj := ir.IRObject{
		"batch":   ir.IRInt(e.Batch),
		"outcome": ir.IRString(e.Outcome),
		"seq":     ir.IRInt(e.Seq),
	}
	if e.BatchID != "" {
		obj["batch_id"] = ir.IRString(e.BatchID)
	}
	if len(e.Levels) > 0 {
		levels := make(ir.IRArray, len(e.Levels))
		for i, lvl := range e.Levels {
			ids := make(ir.IRArray, len(lvl))
			for j, id := range lvl {
				ids[j] = ir.IRString(id)
			}
			levels[i] = ids
		}
		obj["levels"] = levels
	}
	if len(e.Conflicts) > 0 {
		cs := make(ir.IRArray, len(e.Conflicts))
		for i, c := range e.Conflicts {
			cs[i] = ir.IRString(c)
		}
		obj["conflicts"] = cs
	}
	if r := e.Recovery; r != nil {
		obj["recovery"] = ir.IRObject{
			"rolled_back":       ir.IRBool(r.RolledBack),
			"restored_previous": ir.IRBool(r.RestoredPrevious),
			"orphans_removed":   ir.IRInt(r.OrphansRemoved),
			"seq":               ir.IRInt(r.Seq),
		}
	}
	return obj
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every batch expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace has one event per submitted batch, seed first.
	Trace []TraceEvent `json:"trace"`

	// Errors lists failed expectations and assertions.
	Errors []string `json:"errors,omitempty"`

	// Root is the final chained Merkle root.
	Root string `json:"root"`

	// State is the final committed state.
	State map[string]any `json:"state,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string]any),
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
