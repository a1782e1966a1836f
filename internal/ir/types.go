package ir

import (
	"errors"
	"fmt"
	"slices"
)

// AccountKey names one entry of the account state.
type AccountKey string

// TxID identifies a transaction. Unique within a batch.
type TxID string

// AccessMode says how far the analyzer may trust a transaction's declared
// read/write split.
type AccessMode int

const (
	// AccessDeclared trusts the declared read and write sets as given.
	AccessDeclared AccessMode = iota

	// AccessOpaque means actual accesses cannot be told apart from the
	// declared footprint, so every declared account is treated as both
	// read and written.
	AccessOpaque
)

// String implements fmt.Stringer.
func (m AccessMode) String() string {
	switch m {
	case AccessDeclared:
		return "declared"
	case AccessOpaque:
		return "opaque"
	default:
		return fmt.Sprintf("AccessMode(%d)", int(m))
	}
}

// ParseAccessMode parses the names produced by String. Empty means declared.
func ParseAccessMode(s string) (AccessMode, error) {
	switch s {
	case "", "declared":
		return AccessDeclared, nil
	case "opaque":
		return AccessOpaque, nil
	default:
		return 0, fmt.Errorf("unknown access mode %q (want declared|opaque)", s)
	}
}

// KeySet is a set of account keys. Iterate with Sorted for determinism.
type KeySet map[AccountKey]struct{}

// NewKeySet builds a set from keys.
func NewKeySet(keys ...AccountKey) KeySet {
	s := make(KeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Has reports membership. A nil set is empty.
func (s KeySet) Has(k AccountKey) bool {
	_, ok := s[k]
	return ok
}

// Sorted returns the keys in ascending byte order.
func (s KeySet) Sorted() []AccountKey {
	keys := make([]AccountKey, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Union returns a new set holding the keys of s and o.
func (s KeySet) Union(o KeySet) KeySet {
	out := make(KeySet, len(s)+len(o))
	for k := range s {
		out[k] = struct{}{}
	}
	for k := range o {
		out[k] = struct{}{}
	}
	return out
}

// Accessor is the view of account state an Effect runs against.
// Implementations reject accesses outside the transaction's declared
// footprint.
type Accessor interface {
	// Get returns the current value of key and whether it exists.
	Get(key AccountKey) (IRValue, bool, error)
	// Set replaces the value of key. Null values are rejected.
	Set(key AccountKey, value IRValue) error
	// Delete removes key.
	Delete(key AccountKey) error
}

// Effect is a transaction's state transition. It must be deterministic and
// touch state only through the Accessor. Effects arrive already proven
// correct by the upstream verifier; a returned error is a domain failure
// that rolls back the whole batch.
type Effect func(acc Accessor) error

// Transaction is the canonical form of one state mutation together with
// its declared footprint.
type Transaction struct {
	ID       TxID
	ReadSet  KeySet
	WriteSet KeySet
	Access   AccessMode

	// After lists transactions that must execute before this one even when
	// their footprints do not overlap.
	After []TxID

	Effect Effect

	// Ops optionally carries the declarative program Effect was compiled
	// from. Display only; never interpreted by the engine.
	Ops IRArray
}

// Footprint returns ReadSet ∪ WriteSet.
func (t *Transaction) Footprint() KeySet {
	return t.ReadSet.Union(t.WriteSet)
}

// Reads reports whether the transaction is considered to read key.
func (t *Transaction) Reads(key AccountKey) bool {
	if t.Access == AccessOpaque {
		return t.ReadSet.Has(key) || t.WriteSet.Has(key)
	}
	return t.ReadSet.Has(key)
}

// Writes reports whether the transaction is considered to write key.
func (t *Transaction) Writes(key AccountKey) bool {
	if t.Access == AccessOpaque {
		return t.ReadSet.Has(key) || t.WriteSet.Has(key)
	}
	return t.WriteSet.Has(key)
}

// MayRead reports whether an effect is allowed to read key. Any declared
// account may be read: a transaction that writes X is already ordered
// against every other transaction touching X.
func (t *Transaction) MayRead(key AccountKey) bool {
	return t.ReadSet.Has(key) || t.WriteSet.Has(key)
}

// MayWrite reports whether an effect is allowed to write key.
func (t *Transaction) MayWrite(key AccountKey) bool {
	return t.Writes(key)
}

// Batch is an ordered list of transactions. Slice order is submission order.
type Batch []Transaction

// IDs returns transaction ids in submission order.
func (b Batch) IDs() []TxID {
	ids := make([]TxID, len(b))
	for i := range b {
		ids[i] = b[i].ID
	}
	return ids
}

// Index maps each id to its submission position.
func (b Batch) Index() map[TxID]int {
	idx := make(map[TxID]int, len(b))
	for i := range b {
		idx[b[i].ID] = i
	}
	return idx
}

// ValidationError reports a malformed batch.
type ValidationError struct {
	TxID    TxID
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.TxID != "" {
		return fmt.Sprintf("invalid batch: tx %s: %s", e.TxID, e.Message)
	}
	return "invalid batch: " + e.Message
}

// IsValidationError reports whether err wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks batch-level invariants: non-empty, unique ids, effects
// present, declared keys storable, ordering hints resolvable and not
// self-referencing.
func (b Batch) Validate() error {
	if len(b) == 0 {
		return &ValidationError{Message: "batch is empty"}
	}
	seen := make(map[TxID]bool, len(b))
	for i := range b {
		tx := &b[i]
		if tx.ID == "" {
			return &ValidationError{Message: fmt.Sprintf("transaction %d has empty id", i)}
		}
		if seen[tx.ID] {
			return &ValidationError{TxID: tx.ID, Message: "duplicate transaction id"}
		}
		seen[tx.ID] = true
		if tx.Effect == nil {
			return &ValidationError{TxID: tx.ID, Message: "missing effect"}
		}
		if tx.Access != AccessDeclared && tx.Access != AccessOpaque {
			return &ValidationError{TxID: tx.ID, Message: "unknown access mode " + tx.Access.String()}
		}
		for _, set := range []KeySet{tx.ReadSet, tx.WriteSet} {
			for _, k := range set.Sorted() {
				if err := CheckKey(k); err != nil {
					return &ValidationError{TxID: tx.ID, Message: err.Error()}
				}
			}
		}
	}
	for i := range b {
		tx := &b[i]
		for _, dep := range tx.After {
			if dep == tx.ID {
				return &ValidationError{TxID: tx.ID, Message: "ordering hint references itself"}
			}
			if !seen[dep] {
				return &ValidationError{TxID: tx.ID, Message: fmt.Sprintf("ordering hint references unknown tx %s", dep)}
			}
		}
	}
	return nil
}
