package engine

import (
	"bytes"
	"fmt"

	"github.com/roach88/synchrony/internal/graph"
	"github.com/roach88/synchrony/internal/ir"
	"github.com/roach88/synchrony/internal/state"
)

// VerifyMode selects what the engine does with the linearizability check.
type VerifyMode string

const (
	// VerifyAudit logs and counts a mismatch but still commits.
	VerifyAudit VerifyMode = "audit"
	// VerifyStrict rejects a mismatching batch before BEGIN.
	VerifyStrict VerifyMode = "strict"
	// VerifyOff skips the check.
	VerifyOff VerifyMode = "off"
)

// ParseVerifyMode parses a mode name. The empty string selects audit.
func ParseVerifyMode(s string) (VerifyMode, error) {
	switch VerifyMode(s) {
	case "", VerifyAudit:
		return VerifyAudit, nil
	case VerifyStrict:
		return VerifyStrict, nil
	case VerifyOff:
		return VerifyOff, nil
	default:
		return "", fmt.Errorf("unknown verify mode %q (want audit, strict or off)", s)
	}
}

// Prover checks that a parallel execution is equivalent to running the
// batch one transaction at a time in an order consistent with the
// dependency graph.
type Prover struct{}

// Verify replays batch sequentially in the canonical order (levels in
// order, members in submission order) from initial and compares the result
// with the parallel result, byte for byte on the canonical encoding and on
// the Merkle root.
func (Prover) Verify(batch ir.Batch, levels []graph.Level, initial, result *state.Snapshot) (bool, error) {
	return Prover{}.VerifyOrder(batch, graph.Flatten(levels), initial, result)
}

// VerifyOrder is Verify with a caller-chosen order. The order must contain
// every transaction of the batch exactly once; whether it respects the
// dependency graph is the caller's concern (see graph.Graph.IsTopologicalOrder).
func (Prover) VerifyOrder(batch ir.Batch, order []ir.TxID, initial, result *state.Snapshot) (bool, error) {
	seq, err := Replay(batch, order, initial)
	if err != nil {
		return false, err
	}
	return sameState(seq, result)
}

// Replay executes batch sequentially in order starting from initial.
func Replay(batch ir.Batch, order []ir.TxID, initial *state.Snapshot) (*state.Snapshot, error) {
	if len(order) != len(batch) {
		return nil, fmt.Errorf("order has %d transactions, batch has %d", len(order), len(batch))
	}
	index := batch.Index()
	seen := make(map[ir.TxID]bool, len(order))
	current := initial
	for _, id := range order {
		pos, ok := index[id]
		if !ok {
			return nil, fmt.Errorf("order references unknown transaction %s", id)
		}
		if seen[id] {
			return nil, fmt.Errorf("order lists transaction %s twice", id)
		}
		seen[id] = true

		writes, err := runEffect(current, &batch[pos])
		if err != nil {
			return nil, fmt.Errorf("sequential replay of %s: %w", id, err)
		}
		if len(writes) == 0 {
			continue
		}
		current, err = current.Apply(writes)
		if err != nil {
			return nil, fmt.Errorf("sequential replay of %s: %w", id, err)
		}
	}
	return current, nil
}

func sameState(a, b *state.Snapshot) (bool, error) {
	ca, err := a.Canonical()
	if err != nil {
		return false, err
	}
	cb, err := b.Canonical()
	if err != nil {
		return false, err
	}
	if !bytes.Equal(ca, cb) {
		return false, nil
	}
	ra, err := a.MerkleRoot()
	if err != nil {
		return false, err
	}
	rb, err := b.MerkleRoot()
	if err != nil {
		return false, err
	}
	return ra == rb, nil
}

// mismatch builds the error describing how parallel and sequential results
// differ.
func mismatch(batchID string, order []ir.TxID, parallel, sequential *state.Snapshot) *LinearizabilityError {
	le := &LinearizabilityError{BatchID: batchID, Order: order}
	le.Parallel, _ = parallel.MerkleRoot()
	if sequential == nil {
		return le
	}
	le.Sequential, _ = sequential.MerkleRoot()
	for _, w := range sequential.Diff(parallel) {
		le.Accounts = append(le.Accounts, w.Key)
	}
	return le
}
