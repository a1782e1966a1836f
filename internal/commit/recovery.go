package commit

import (
	"context"
	"fmt"

	"github.com/roach88/synchrony/internal/ir"
	"github.com/roach88/synchrony/internal/state"
)

// RecoveryReport summarizes what Recover found and repaired.
type RecoveryReport struct {
	// TornTail is set when the WAL ended in a partial record that was
	// truncated on open.
	TornTail bool
	// OrphansRemoved lists temporary state files left by a crash.
	OrphansRemoved []string
	// RolledBack is the BEGIN record of an interrupted batch, if any.
	RolledBack *Record
	// RestoredPrevious is set when the live file carried the interrupted
	// batch and the previous generation was put back.
	RestoredPrevious bool
	// Seq and Root describe the recovered committed state.
	Seq  int64
	Root ir.Hash
	// LedgerSeq is the ledger's last commit before reconciliation, or -1
	// when no ledger is attached.
	LedgerSeq int64
}

// walSummary is the outcome of replaying WAL records.
type walSummary struct {
	lastCommit *Record
	open       *Record
}

// replayWAL checks the record structure: every BEGIN claims the sequence
// number after the last COMMIT and is resolved by exactly one COMMIT or
// ROLLBACK carrying the same tx_id, batch_id and payload hash. Only the
// final BEGIN may be unresolved.
func replayWAL(records []Record) (walSummary, error) {
	var s walSummary
	for i := range records {
		rec := records[i]
		switch rec.Op {
		case OpBegin:
			if s.open != nil {
				return s, integrityPanic("wal", nil, "BEGIN for tx %d while tx %d is unresolved", rec.TxID, s.open.TxID)
			}
			want := int64(1)
			if s.lastCommit != nil {
				want = s.lastCommit.TxID + 1
			}
			if rec.TxID != want {
				return s, integrityPanic("wal", nil, "BEGIN for tx %d, expected tx %d", rec.TxID, want)
			}
			s.open = &rec
		case OpCommit, OpRollback:
			if s.open == nil {
				return s, integrityPanic("wal", nil, "%s for tx %d without BEGIN", rec.Op, rec.TxID)
			}
			if rec.TxID != s.open.TxID || rec.BatchID != s.open.BatchID || rec.PayloadHash != s.open.PayloadHash {
				return s, integrityPanic("wal", nil, "%s for tx %d batch %s does not match BEGIN for tx %d batch %s",
					rec.Op, rec.TxID, rec.BatchID, s.open.TxID, s.open.BatchID)
			}
			if rec.Op == OpCommit {
				s.lastCommit = &rec
			}
			s.open = nil
		}
	}
	return s, nil
}

// Recover brings disk and memory back to the last committed batch.
//
// It removes orphaned temp files, rolls back a batch whose BEGIN has no
// COMMIT (restoring the previous generation when the rename had already
// happened), then checks that the live state file is exactly the one the
// last COMMIT names. Any disagreement is an IntegrityPanic and the manager
// halts.
func (m *Manager) Recover(ctx context.Context) (*RecoveryReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	report := &RecoveryReport{LedgerSeq: -1}

	orphans, err := m.store.RemoveOrphans()
	if err != nil {
		return report, fmt.Errorf("remove orphan temp files: %w", err)
	}
	report.OrphansRemoved = orphans
	for _, o := range orphans {
		m.log.Info().Str("path", o).Msg("removed orphan temp file")
	}

	records, err := m.wal.Records()
	if err != nil {
		return report, fmt.Errorf("read wal: %w", err)
	}
	summary, err := replayWAL(records)
	if err != nil {
		return report, m.halt(ctx, err)
	}

	live, data, err := m.store.Load()
	if err != nil {
		return report, m.halt(ctx, err)
	}

	if open := summary.open; open != nil {
		report.RolledBack = open
		if live != nil && live.Seq == open.TxID && live.BatchID == open.BatchID {
			if ir.PayloadHash(data) != open.PayloadHash {
				return report, m.halt(ctx, integrityPanic("state", nil,
					"live file for tx %d does not match its BEGIN payload hash", open.TxID))
			}
			if err := m.store.RestorePrevious(); err != nil {
				return report, m.halt(ctx, integrityPanic("commit", err, "cannot restore previous state for tx %d", open.TxID))
			}
			report.RestoredPrevious = true
			live, data, err = m.store.Load()
			if err != nil {
				return report, m.halt(ctx, err)
			}
		}
		rb := Record{Op: OpRollback, TxID: open.TxID, BatchID: open.BatchID, Timestamp: m.timestamp(), PayloadHash: open.PayloadHash}
		if err := m.wal.Append(rb); err != nil {
			return report, fmt.Errorf("append recovery rollback: %w", err)
		}
		m.metrics.RecoveryRollback()
		m.log.Warn().
			Int64("seq", open.TxID).
			Str("batch", open.BatchID).
			Bool("restored", report.RestoredPrevious).
			Msg("rolled back interrupted batch")
		m.audit(ctx, AuditEntry{
			Kind:    AuditRecoveryRollback,
			Seq:     open.TxID,
			BatchID: open.BatchID,
			Detail:  fmt.Sprintf("restored_previous=%t", report.RestoredPrevious),
		})
	}

	if err := verifyAgainstCommit(live, data, summary.lastCommit); err != nil {
		return report, m.halt(ctx, err)
	}

	m.snapshot = state.New()
	m.seq = 0
	m.batchID = ""
	m.root = GenesisRoot()
	m.stateRoot = ir.EmptyRoot()
	if live != nil {
		m.snapshot = live.State
		m.seq = live.Seq
		m.batchID = live.BatchID
		m.root = live.MerkleRoot
		m.stateRoot = live.StateRoot
	}
	m.phase = PhaseIdle
	m.halted = nil
	report.Seq = m.seq
	report.Root = m.root
	m.metrics.CommittedSeq(m.seq)

	if m.ledger != nil {
		report.LedgerSeq = m.reconcileLedger(ctx, live)
	}

	m.log.Info().
		Int64("seq", m.seq).
		Str("root", m.root.Short()).
		Bool("torn_tail", report.TornTail).
		Int("orphans", len(orphans)).
		Msg("recovered")
	return report, nil
}

func verifyAgainstCommit(live *StateFile, data []byte, last *Record) error {
	switch {
	case last == nil && live == nil:
		return nil
	case last == nil:
		return integrityPanic("state", nil, "state file at seq %d but wal has no COMMIT", live.Seq)
	case live == nil:
		return integrityPanic("state", nil, "wal committed tx %d but state file is missing", last.TxID)
	}
	if live.Seq != last.TxID || live.BatchID != last.BatchID {
		return integrityPanic("state", nil, "state file at seq %d batch %s, wal last committed tx %d batch %s",
			live.Seq, live.BatchID, last.TxID, last.BatchID)
	}
	if got := ir.PayloadHash(data); got != last.PayloadHash {
		return integrityPanic("state", nil, "state file payload %s, wal committed payload %s", got.Short(), last.PayloadHash.Short())
	}
	return nil
}

// reconcileLedger fills a ledger that fell behind the committed state. The
// WAL does not keep per-commit roots, so only the latest commit can be
// reconstructed; older missing rows are reported as a gap.
func (m *Manager) reconcileLedger(ctx context.Context, live *StateFile) int64 {
	ledgerSeq, err := m.ledger.LastCommitSeq(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("ledger unavailable during recovery")
		return -1
	}
	switch {
	case ledgerSeq == m.seq:
		return ledgerSeq
	case ledgerSeq > m.seq:
		m.log.Warn().Int64("ledger_seq", ledgerSeq).Int64("seq", m.seq).Msg("ledger ahead of committed state")
		m.audit(ctx, AuditEntry{
			Kind:   AuditLedgerGap,
			Seq:    m.seq,
			Detail: fmt.Sprintf("ledger at seq %d ahead of committed seq %d", ledgerSeq, m.seq),
		})
		return ledgerSeq
	}

	if m.seq-ledgerSeq > 1 {
		m.audit(ctx, AuditEntry{
			Kind:   AuditLedgerGap,
			Seq:    m.seq,
			Detail: fmt.Sprintf("ledger missing seq %d..%d", ledgerSeq+1, m.seq-1),
		})
	}
	data, err := live.Encode()
	if err != nil {
		m.log.Warn().Err(err).Msg("cannot encode state for ledger reconciliation")
		return ledgerSeq
	}
	m.recordCommit(ctx, &Info{
		Seq:         live.Seq,
		BatchID:     live.BatchID,
		PrevRoot:    live.PrevRoot,
		StateRoot:   live.StateRoot,
		MerkleRoot:  live.MerkleRoot,
		PayloadHash: ir.PayloadHash(data),
	}, live.State.Len())
	m.log.Info().Int64("ledger_seq", ledgerSeq).Int64("seq", m.seq).Msg("ledger reconciled")
	return ledgerSeq
}

func (m *Manager) halt(ctx context.Context, err error) error {
	m.halted = err
	m.log.Error().Err(err).Bool("alarm", true).Msg("recovery halted")
	if IsIntegrityPanic(err) {
		m.audit(ctx, AuditEntry{Kind: AuditIntegrityAlarm, Seq: m.seq, Detail: err.Error()})
	}
	return err
}
