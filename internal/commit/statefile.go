package commit

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/roach88/synchrony/internal/ir"
	"github.com/roach88/synchrony/internal/state"
)

// StateFile is the persisted form of a committed state.
//
// MerkleRoot chains the state to its history:
//
//	MerkleRoot = ChainRoot(PrevRoot, StateRoot, Seq)
//
// where StateRoot is the Merkle root over Entries in key order.
type StateFile struct {
	Version    int
	Seq        int64
	BatchID    string
	PrevRoot   ir.Hash
	StateRoot  ir.Hash
	MerkleRoot ir.Hash
	State      *state.Snapshot
}

// GenesisRoot is the chained root of the empty state before any commit.
func GenesisRoot() ir.Hash {
	return ir.ChainRoot(ir.ZeroHash, ir.EmptyRoot(), 0)
}

// NewStateFile builds the state file for snapshot committed at seq on top
// of prevRoot.
func NewStateFile(seq int64, batchID string, prevRoot ir.Hash, snapshot *state.Snapshot) (*StateFile, error) {
	stateRoot, err := snapshot.MerkleRoot()
	if err != nil {
		return nil, err
	}
	return &StateFile{
		Version:    ir.StateFormatVersion,
		Seq:        seq,
		BatchID:    batchID,
		PrevRoot:   prevRoot,
		StateRoot:  stateRoot,
		MerkleRoot: ir.ChainRoot(prevRoot, stateRoot, seq),
		State:      snapshot,
	}, nil
}

// Encode returns the canonical JSON encoding. Equal state files encode to
// identical bytes, so PayloadHash(Encode()) identifies the payload.
func (f *StateFile) Encode() ([]byte, error) {
	entries := make(ir.IRArray, 0, f.State.Len())
	for _, e := range f.State.Entries() {
		entries = append(entries, ir.IRObject{
			"key":   ir.IRString(e.Key),
			"value": e.Value,
		})
	}
	obj := ir.IRObject{
		"version":     ir.IRInt(f.Version),
		"seq":         ir.IRInt(f.Seq),
		"batch_id":    ir.IRString(f.BatchID),
		"prev_root":   ir.IRString(f.PrevRoot.String()),
		"state_root":  ir.IRString(f.StateRoot.String()),
		"merkle_root": ir.IRString(f.MerkleRoot.String()),
		"entries":     entries,
	}
	return ir.MarshalCanonical(obj)
}

type stateFileJSON struct {
	Version    int         `json:"version"`
	Seq        int64       `json:"seq"`
	BatchID    string      `json:"batch_id"`
	PrevRoot   ir.Hash     `json:"prev_root"`
	StateRoot  ir.Hash     `json:"state_root"`
	MerkleRoot ir.Hash     `json:"merkle_root"`
	Entries    []entryJSON `json:"entries"`
}

type entryJSON struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// DecodeStateFile parses data and verifies it: the format version must be
// known, entries sorted and unique, and both roots must recompute exactly.
// Any failure is an IntegrityPanic.
func DecodeStateFile(data []byte) (*StateFile, error) {
	var raw stateFileJSON
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, integrityPanic("state", err, "undecodable state file")
	}
	if raw.Version != ir.StateFormatVersion {
		return nil, integrityPanic("state", nil, "unsupported state format version %d", raw.Version)
	}

	entries := make([]state.Entry, 0, len(raw.Entries))
	for i, e := range raw.Entries {
		if i > 0 && e.Key <= raw.Entries[i-1].Key {
			return nil, integrityPanic("state", nil, "entries out of order at %q", e.Key)
		}
		v, err := ir.UnmarshalValue(e.Value)
		if err != nil {
			return nil, integrityPanic("state", err, "bad value for %q", e.Key)
		}
		entries = append(entries, state.Entry{Key: ir.AccountKey(e.Key), Value: v})
	}
	snap, err := state.FromEntries(entries)
	if err != nil {
		return nil, integrityPanic("state", err, "invalid entries")
	}

	f := &StateFile{
		Version:    raw.Version,
		Seq:        raw.Seq,
		BatchID:    raw.BatchID,
		PrevRoot:   raw.PrevRoot,
		StateRoot:  raw.StateRoot,
		MerkleRoot: raw.MerkleRoot,
		State:      snap,
	}
	if err := f.Verify(); err != nil {
		return nil, err
	}
	return f, nil
}

// Verify recomputes the state root and the chained root and compares them
// with the stored values.
func (f *StateFile) Verify() error {
	got, err := f.State.MerkleRoot()
	if err != nil {
		return integrityPanic("state", err, "cannot compute merkle root")
	}
	if got != f.StateRoot {
		return integrityPanic("state", nil, "state root mismatch: stored %s, computed %s", f.StateRoot.Short(), got.Short())
	}
	chained := ir.ChainRoot(f.PrevRoot, f.StateRoot, f.Seq)
	if chained != f.MerkleRoot {
		return integrityPanic("state", nil, "merkle root mismatch: stored %s, computed %s", f.MerkleRoot.Short(), chained.Short())
	}
	return nil
}

// String summarizes the file for logs.
func (f *StateFile) String() string {
	return fmt.Sprintf("seq=%d batch=%s root=%s entries=%d", f.Seq, f.BatchID, f.MerkleRoot.Short(), f.State.Len())
}
