package effect

import (
	"fmt"

	"github.com/roach88/synchrony/internal/ir"
)

// TxSpec is the data form of a transaction as it appears in batch files,
// scenarios and CLI input. When both Reads and Writes are omitted the
// footprint is inferred from Ops.
type TxSpec struct {
	ID     string           `json:"id" yaml:"id"`
	Reads  []string         `json:"reads,omitempty" yaml:"reads,omitempty"`
	Writes []string         `json:"writes,omitempty" yaml:"writes,omitempty"`
	Access string           `json:"access,omitempty" yaml:"access,omitempty"`
	After  []string         `json:"after,omitempty" yaml:"after,omitempty"`
	Ops    []map[string]any `json:"ops" yaml:"ops"`
}

// Transaction compiles the spec into an executable transaction.
func (s TxSpec) Transaction() (ir.Transaction, error) {
	access, err := ir.ParseAccessMode(s.Access)
	if err != nil {
		return ir.Transaction{}, fmt.Errorf("tx %s: %w", s.ID, err)
	}

	raw := make(ir.IRArray, len(s.Ops))
	for i, m := range s.Ops {
		v, err := ir.FromAny(m)
		if err != nil {
			return ir.Transaction{}, fmt.Errorf("tx %s: ops[%d]: %w", s.ID, i, err)
		}
		raw[i] = v
	}
	ops, err := ParseProgram(raw)
	if err != nil {
		return ir.Transaction{}, fmt.Errorf("tx %s: %w", s.ID, err)
	}
	eff, err := Compile(ops)
	if err != nil {
		return ir.Transaction{}, fmt.Errorf("tx %s: %w", s.ID, err)
	}

	var reads, writes ir.KeySet
	if s.Reads == nil && s.Writes == nil {
		reads, writes = Infer(ops)
	} else {
		reads, writes = toKeySet(s.Reads), toKeySet(s.Writes)
	}

	after := make([]ir.TxID, len(s.After))
	for i, a := range s.After {
		after[i] = ir.TxID(a)
	}

	return ir.Transaction{
		ID:       ir.TxID(s.ID),
		ReadSet:  reads,
		WriteSet: writes,
		Access:   access,
		After:    after,
		Effect:   eff,
		Ops:      ProgramToIR(ops),
	}, nil
}

// BuildBatch compiles specs in order and validates the resulting batch.
func BuildBatch(specs []TxSpec) (ir.Batch, error) {
	batch := make(ir.Batch, 0, len(specs))
	for _, s := range specs {
		tx, err := s.Transaction()
		if err != nil {
			return nil, err
		}
		batch = append(batch, tx)
	}
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	return batch, nil
}

func toKeySet(keys []string) ir.KeySet {
	s := ir.NewKeySet()
	for _, k := range keys {
		s[ir.AccountKey(k)] = struct{}{}
	}
	return s
}
