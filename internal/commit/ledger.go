package commit

import (
	"context"

	"github.com/roach88/synchrony/internal/ir"
)

// CommitEntry describes one committed batch for the ledger.
type CommitEntry struct {
	Seq         int64
	BatchID     string
	PrevRoot    ir.Hash
	StateRoot   ir.Hash
	MerkleRoot  ir.Hash
	PayloadHash ir.Hash
	Accounts    int
	Timestamp   string
}

// Audit event kinds.
const (
	AuditRecoveryRollback = "recovery_rollback"
	AuditCommitRollback   = "commit_rollback"
	AuditExecRollback     = "execution_rollback"
	AuditIntegrityAlarm   = "integrity_alarm"
	AuditLedgerGap        = "ledger_gap"
)

// AuditEntry is one audit trail row.
type AuditEntry struct {
	Kind      string
	Seq       int64
	BatchID   string
	Detail    string
	Timestamp string
}

// Ledger is a queryable index of commits and an audit trail. It is not
// authoritative: the WAL and the state file are. Ledger failures are logged
// and never fail a commit.
type Ledger interface {
	RecordCommit(ctx context.Context, e CommitEntry) error
	RecordAudit(ctx context.Context, e AuditEntry) error
	LastCommitSeq(ctx context.Context) (int64, error)
}
