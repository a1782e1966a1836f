package state

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/synchrony/internal/ir"
)

// FootprintError reports an access outside a transaction's declared
// read/write sets.
type FootprintError struct {
	TxID ir.TxID
	Key  ir.AccountKey
	Op   string // "read" or "write"
}

// Error implements the error interface.
func (e *FootprintError) Error() string {
	return fmt.Sprintf("tx %s: undeclared %s of account %s", e.TxID, e.Op, e.Key)
}

// IsFootprintError reports whether err wraps a FootprintError.
func IsFootprintError(err error) bool {
	var fe *FootprintError
	return errors.As(err, &fe)
}

// View is the Accessor handed to a single transaction's effect. Reads see
// the base snapshot overlaid with the transaction's own writes; writes stay
// private until the executor merges them.
//
// A View is used by exactly one goroutine.
type View struct {
	base   *Snapshot
	tx     *ir.Transaction
	writes map[ir.AccountKey]Write
}

var _ ir.Accessor = (*View)(nil)

// NewView creates a view of base for tx.
func NewView(base *Snapshot, tx *ir.Transaction) *View {
	return &View{
		base:   base,
		tx:     tx,
		writes: make(map[ir.AccountKey]Write),
	}
}

// Get implements ir.Accessor.
func (v *View) Get(key ir.AccountKey) (ir.IRValue, bool, error) {
	if !v.tx.MayRead(key) {
		return nil, false, &FootprintError{TxID: v.tx.ID, Key: key, Op: "read"}
	}
	if w, ok := v.writes[key]; ok {
		if w.Deleted {
			return nil, false, nil
		}
		return w.Value, true, nil
	}
	val, ok := v.base.Get(key)
	return val, ok, nil
}

// Set implements ir.Accessor.
func (v *View) Set(key ir.AccountKey, value ir.IRValue) error {
	if !v.tx.MayWrite(key) {
		return &FootprintError{TxID: v.tx.ID, Key: key, Op: "write"}
	}
	if err := checkValue(key, value); err != nil {
		return fmt.Errorf("tx %s: %w", v.tx.ID, err)
	}
	v.writes[key] = Write{Key: key, Value: value}
	return nil
}

// Delete implements ir.Accessor.
func (v *View) Delete(key ir.AccountKey) error {
	if !v.tx.MayWrite(key) {
		return &FootprintError{TxID: v.tx.ID, Key: key, Op: "write"}
	}
	v.writes[key] = Write{Key: key, Deleted: true}
	return nil
}

// Writes returns the buffered writes sorted by key.
func (v *View) Writes() []Write {
	out := make([]Write, 0, len(v.writes))
	for _, w := range v.writes {
		out = append(out, w)
	}
	sortWrites(out)
	return out
}

func sortWrites(ws []Write) {
	slices.SortFunc(ws, func(a, b Write) int {
		return strings.Compare(string(a.Key), string(b.Key))
	})
}
