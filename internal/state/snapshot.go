package state

import (
	"fmt"

	"github.com/tidwall/btree"

	"github.com/roach88/synchrony/internal/ir"
)

// Entry is one account and its value.
type Entry struct {
	Key   ir.AccountKey `json:"key"`
	Value ir.IRValue    `json:"value"`
}

// Write is a buffered mutation of one account. Deleted writes carry no value.
type Write struct {
	Key     ir.AccountKey `json:"key"`
	Value   ir.IRValue    `json:"value,omitempty"`
	Deleted bool          `json:"deleted,omitempty"`
}

// Snapshot is an immutable view of the whole account state.
//
// The zero value is not usable; use New, FromEntries or Apply.
// Snapshots are safe for concurrent reads.
type Snapshot struct {
	tree *btree.Map[ir.AccountKey, ir.IRValue]
}

// New returns an empty snapshot.
func New() *Snapshot {
	return &Snapshot{tree: new(btree.Map[ir.AccountKey, ir.IRValue])}
}

// FromEntries builds a snapshot from entries. Later duplicates win.
// Null values are rejected: absence is the only way to say "no value".
func FromEntries(entries []Entry) (*Snapshot, error) {
	tree := new(btree.Map[ir.AccountKey, ir.IRValue])
	for _, e := range entries {
		if err := checkValue(e.Key, e.Value); err != nil {
			return nil, err
		}
		tree.Set(e.Key, e.Value)
	}
	return &Snapshot{tree: tree}, nil
}

// FromMap builds a snapshot from a key/value map.
func FromMap(m map[ir.AccountKey]ir.IRValue) (*Snapshot, error) {
	entries := make([]Entry, 0, len(m))
	for k, v := range m {
		entries = append(entries, Entry{Key: k, Value: v})
	}
	return FromEntries(entries)
}

// checkValue rejects entries the state file could not reproduce exactly:
// null values, and keys or strings that are not NFC-normalized UTF-8.
func checkValue(key ir.AccountKey, v ir.IRValue) error {
	if err := ir.CheckKey(key); err != nil {
		return err
	}
	if v == nil {
		return fmt.Errorf("account %s: nil value", key)
	}
	if _, isNull := v.(ir.IRNull); isNull {
		return fmt.Errorf("account %s: null value", key)
	}
	if err := ir.CheckStrings(v); err != nil {
		return fmt.Errorf("account %s: %w", key, err)
	}
	return nil
}

// Get returns the value for key and whether it exists.
func (s *Snapshot) Get(key ir.AccountKey) (ir.IRValue, bool) {
	return s.tree.Get(key)
}

// Len returns the number of accounts.
func (s *Snapshot) Len() int {
	return s.tree.Len()
}

// Scan calls fn for every entry in ascending key order until fn returns false.
func (s *Snapshot) Scan(fn func(key ir.AccountKey, value ir.IRValue) bool) {
	s.tree.Scan(fn)
}

// Entries returns every entry in ascending key order.
func (s *Snapshot) Entries() []Entry {
	entries := make([]Entry, 0, s.tree.Len())
	s.tree.Scan(func(k ir.AccountKey, v ir.IRValue) bool {
		entries = append(entries, Entry{Key: k, Value: v})
		return true
	})
	return entries
}

// Apply returns a new snapshot with writes applied in order. The receiver is
// not modified; unchanged subtrees are shared.
func (s *Snapshot) Apply(writes []Write) (*Snapshot, error) {
	tree := s.tree.Copy()
	for _, w := range writes {
		if w.Deleted {
			tree.Delete(w.Key)
			continue
		}
		if err := checkValue(w.Key, w.Value); err != nil {
			return nil, err
		}
		tree.Set(w.Key, w.Value)
	}
	return &Snapshot{tree: tree}, nil
}

// Canonical returns the canonical JSON encoding of the state as a single
// object keyed by account. Two snapshots are bit-for-bit equal exactly when
// their canonical encodings are.
func (s *Snapshot) Canonical() ([]byte, error) {
	obj := make(ir.IRObject, s.tree.Len())
	s.tree.Scan(func(k ir.AccountKey, v ir.IRValue) bool {
		obj[string(k)] = v
		return true
	})
	return ir.MarshalCanonical(obj)
}

// MerkleRoot computes the Merkle root over all entries in key order.
func (s *Snapshot) MerkleRoot() (ir.Hash, error) {
	leaves := make([]ir.Hash, 0, s.tree.Len())
	var err error
	s.tree.Scan(func(k ir.AccountKey, v ir.IRValue) bool {
		var leaf ir.Hash
		leaf, err = ir.LeafHash(k, v)
		if err != nil {
			err = fmt.Errorf("leaf %s: %w", k, err)
			return false
		}
		leaves = append(leaves, leaf)
		return true
	})
	if err != nil {
		return ir.Hash{}, err
	}
	return ir.MerkleRoot(leaves), nil
}

// Equal reports whether two snapshots hold the same entries.
func (s *Snapshot) Equal(o *Snapshot) bool {
	if s.tree.Len() != o.tree.Len() {
		return false
	}
	equal := true
	s.tree.Scan(func(k ir.AccountKey, v ir.IRValue) bool {
		ov, ok := o.tree.Get(k)
		if !ok || !ir.Equal(v, ov) {
			equal = false
			return false
		}
		return true
	})
	return equal
}

// Diff returns the writes that turn s into next, sorted by key.
func (s *Snapshot) Diff(next *Snapshot) []Write {
	var delta []Write
	s.tree.Scan(func(k ir.AccountKey, v ir.IRValue) bool {
		nv, ok := next.tree.Get(k)
		switch {
		case !ok:
			delta = append(delta, Write{Key: k, Deleted: true})
		case !ir.Equal(v, nv):
			delta = append(delta, Write{Key: k, Value: nv})
		}
		return true
	})
	next.tree.Scan(func(k ir.AccountKey, v ir.IRValue) bool {
		if _, ok := s.tree.Get(k); !ok {
			delta = append(delta, Write{Key: k, Value: v})
		}
		return true
	})
	sortWrites(delta)
	return delta
}
