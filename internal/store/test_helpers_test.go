package store

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/roach88/synchrony/internal/commit"
	"github.com/roach88/synchrony/internal/ir"
)

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestCommit creates a commit entry with distinct, deterministic roots.
func createTestCommit(seq int64, batchID string) commit.CommitEntry {
	h := func(tag string) ir.Hash {
		return ir.PayloadHash([]byte(fmt.Sprintf("%s-%d", tag, seq)))
	}
	return commit.CommitEntry{
		Seq:         seq,
		BatchID:     batchID,
		PrevRoot:    h("prev"),
		StateRoot:   h("state"),
		MerkleRoot:  h("merkle"),
		PayloadHash: h("payload"),
		Accounts:    int(seq),
		Timestamp:   "2026-01-02T03:04:05Z",
	}
}
