package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/synchrony/internal/commit"
	"github.com/roach88/synchrony/internal/ir"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// LastCommitSeq returns the highest committed seq in the ledger, or 0 when
// it is empty.
func (s *Store) LastCommitSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM commits`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("query last commit: %w", err)
	}
	return seq.Int64, nil
}

// ListCommits returns up to limit commits, newest first. limit <= 0 returns
// every commit.
func (s *Store) ListCommits(ctx context.Context, limit int) ([]commit.CommitEntry, error) {
	query := `
		SELECT seq, batch_id, prev_root, state_root, merkle_root, payload_hash, accounts, committed_at
		FROM commits
		ORDER BY seq DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query commits: %w", err)
	}
	defer rows.Close()

	entries := []commit.CommitEntry{}
	for rows.Next() {
		e, err := scanCommit(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commits: %w", err)
	}
	return entries, nil
}

// GetCommit returns the commit at seq.
func (s *Store) GetCommit(ctx context.Context, seq int64) (commit.CommitEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, batch_id, prev_root, state_root, merkle_root, payload_hash, accounts, committed_at
		FROM commits
		WHERE seq = ?
	`, seq)
	e, err := scanCommit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return commit.CommitEntry{}, fmt.Errorf("commit %d: %w", seq, ErrNotFound)
	}
	return e, err
}

// CommitByBatch returns the commit of batchID.
func (s *Store) CommitByBatch(ctx context.Context, batchID string) (commit.CommitEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, batch_id, prev_root, state_root, merkle_root, payload_hash, accounts, committed_at
		FROM commits
		WHERE batch_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, batchID)
	e, err := scanCommit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return commit.CommitEntry{}, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	return e, err
}

// ListAudit returns audit rows in insertion order. An empty kind returns
// every kind.
func (s *Store) ListAudit(ctx context.Context, kind string) ([]commit.AuditEntry, error) {
	query := `SELECT kind, seq, batch_id, detail, logged_at FROM audit`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	entries := []commit.AuditEntry{}
	for rows.Next() {
		var e commit.AuditEntry
		if err := rows.Scan(&e.Kind, &e.Seq, &e.BatchID, &e.Detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	return entries, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCommit(row scanner) (commit.CommitEntry, error) {
	var (
		e                                      commit.CommitEntry
		prevRoot, stateRoot, merkleRoot, payld string
	)
	if err := row.Scan(&e.Seq, &e.BatchID, &prevRoot, &stateRoot, &merkleRoot, &payld, &e.Accounts, &e.Timestamp); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("scan commit: %w", err)
	}
	var err error
	for _, f := range []struct {
		dst *ir.Hash
		src string
	}{
		{&e.PrevRoot, prevRoot},
		{&e.StateRoot, stateRoot},
		{&e.MerkleRoot, merkleRoot},
		{&e.PayloadHash, payld},
	} {
		if *f.dst, err = ir.ParseHash(f.src); err != nil {
			return e, fmt.Errorf("commit %d: %w", e.Seq, err)
		}
	}
	return e, nil
}
