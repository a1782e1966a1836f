package store

import (
	"context"
	"fmt"

	"github.com/roach88/synchrony/internal/commit"
)

// RecordCommit inserts a commit row. A row already present for the same seq
// is replaced: the commit manager only reports commits that the WAL made
// durable, so the newest report for a seq is the authoritative one.
func (s *Store) RecordCommit(ctx context.Context, e commit.CommitEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commits
		(seq, batch_id, prev_root, state_root, merkle_root, payload_hash, accounts, committed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(seq) DO UPDATE SET
			batch_id = excluded.batch_id,
			prev_root = excluded.prev_root,
			state_root = excluded.state_root,
			merkle_root = excluded.merkle_root,
			payload_hash = excluded.payload_hash,
			accounts = excluded.accounts,
			committed_at = excluded.committed_at
	`,
		e.Seq,
		e.BatchID,
		e.PrevRoot.String(),
		e.StateRoot.String(),
		e.MerkleRoot.String(),
		e.PayloadHash.String(),
		e.Accounts,
		e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("record commit %d: %w", e.Seq, err)
	}
	return nil
}

// RecordAudit appends an audit row.
func (s *Store) RecordAudit(ctx context.Context, e commit.AuditEntry) error {
	if e.Kind == "" {
		return fmt.Errorf("record audit: empty kind")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit (kind, seq, batch_id, detail, logged_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.Kind, e.Seq, e.BatchID, e.Detail, e.Timestamp)
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}
