package commit

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/roach88/synchrony/internal/ir"
	"github.com/roach88/synchrony/internal/metrics"
	"github.com/roach88/synchrony/internal/state"
)

// CrashPoint names a point inside the commit protocol where a test can
// simulate process death.
type CrashPoint string

const (
	CrashAfterBegin     CrashPoint = "after_begin"
	CrashAfterTempWrite CrashPoint = "after_temp_write"
	CrashAfterPreserve  CrashPoint = "after_preserve"
	CrashAfterRename    CrashPoint = "after_rename"
	CrashAfterCommit    CrashPoint = "after_commit"
)

// CrashPoints lists every crash point in protocol order.
var CrashPoints = []CrashPoint{
	CrashAfterBegin,
	CrashAfterTempWrite,
	CrashAfterPreserve,
	CrashAfterRename,
	CrashAfterCommit,
}

// CrashHook is consulted at each crash point. Returning true stops the
// commit there as if the process had died.
type CrashHook func(CrashPoint) bool

// Info describes a committed batch.
type Info struct {
	Seq         int64
	BatchID     string
	PrevRoot    ir.Hash
	StateRoot   ir.Hash
	MerkleRoot  ir.Hash
	PayloadHash ir.Hash
}

// Manager is the single writer of the WAL and the state file.
//
// Commit runs the protocol:
//
//  1. append BEGIN (payload hash of the pending state file), fsync
//  2. write the new state file to a temp file
//  3. fsync it
//  4. keep the live file as the previous generation, rename temp over
//     live, fsync the directory
//  5. append COMMIT, fsync
//  6. publish the new state and root in memory
//
// A failure after BEGIN appends ROLLBACK and leaves the live state as it
// was. Once an IntegrityPanic has been raised the manager refuses writes.
type Manager struct {
	mu sync.RWMutex

	store   StateStore
	wal     WAL
	ledger  Ledger
	log     zerolog.Logger
	metrics metrics.Collector
	now     func() time.Time
	crash   CrashHook

	snapshot  *state.Snapshot
	seq       int64
	batchID   string
	root      ir.Hash
	stateRoot ir.Hash
	phase     Phase

	halted error
	closed bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLedger attaches a commit ledger.
func WithLedger(l Ledger) Option {
	return func(m *Manager) { m.ledger = l }
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) { m.log = log.With().Str("component", "commit").Logger() }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithClock sets the timestamp source for WAL records.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithCrashHook installs a crash simulation hook. Tests only.
func WithCrashHook(h CrashHook) Option {
	return func(m *Manager) { m.crash = h }
}

// Open opens the file-backed manager rooted at dir: state files live in dir
// and the WAL in dir/wal.ndjson. Recovery runs before Open returns.
func Open(dir string, opts ...Option) (*Manager, *RecoveryReport, error) {
	store, err := NewFileStore(dir)
	if err != nil {
		return nil, nil, err
	}
	wal, torn, err := OpenFileWAL(filepath.Join(dir, WALFileName))
	if err != nil {
		return nil, nil, err
	}
	m := NewManager(store, wal, opts...)
	report, err := m.Recover(context.Background())
	if report != nil {
		report.TornTail = torn
	}
	if err != nil {
		m.Close()
		return nil, report, err
	}
	return m, report, nil
}

// WALFileName is the WAL file name inside the data directory.
const WALFileName = "wal.ndjson"

// NewManager creates a manager over store and wal. Call Recover before
// committing.
func NewManager(store StateStore, wal WAL, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		wal:      wal,
		log:      zerolog.Nop(),
		metrics:  metrics.NewNoopCollector(),
		now:      time.Now,
		snapshot: state.New(),
		root:     GenesisRoot(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.stateRoot = ir.EmptyRoot()
	return m
}

// State returns the committed snapshot.
func (m *Manager) State() *state.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// Root returns the chained Merkle root of the committed state.
func (m *Manager) Root() ir.Hash {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.root
}

// StateRoot returns the unchained Merkle root over the committed entries.
func (m *Manager) StateRoot() ir.Hash {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stateRoot
}

// Seq returns the sequence number of the last committed batch (0 before
// the first commit).
func (m *Manager) Seq() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seq
}

// Phase returns the state machine position of the latest batch.
func (m *Manager) Phase() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase
}

// Halted returns the error that stopped the manager, if any.
func (m *Manager) Halted() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.halted
}

func (m *Manager) moveTo(next Phase) {
	if !m.phase.canMoveTo(next) {
		panic(fmt.Sprintf("commit: illegal phase transition %s -> %s", m.phase, next))
	}
	m.phase = next
}

func (m *Manager) timestamp() string {
	return m.now().UTC().Format(time.RFC3339Nano)
}

func (m *Manager) crashAt(p CrashPoint) bool {
	if m.crash != nil && m.crash(p) {
		m.halted = fmt.Errorf("%w at %s", ErrSimulatedCrash, p)
		m.log.Warn().Str("point", string(p)).Msg("simulated crash")
		return true
	}
	return false
}

// Commit durably replaces the committed state with next.
//
// The caller must have produced next from State(). Commit is not
// cancellable: ctx is only used for ledger writes.
func (m *Manager) Commit(ctx context.Context, batchID string, next *state.Snapshot) (*Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if m.halted != nil {
		return nil, m.halted
	}
	if m.phase == PhaseCommitted || m.phase == PhaseRolledBack {
		m.moveTo(PhaseIdle)
	}

	start := time.Now()
	seq := m.seq + 1
	file, err := NewStateFile(seq, batchID, m.root, next)
	if err != nil {
		return nil, fmt.Errorf("build state file: %w", err)
	}
	data, err := file.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode state file: %w", err)
	}
	payload := ir.PayloadHash(data)
	log := m.log.With().Int64("seq", seq).Str("batch", batchID).Logger()

	// 1. BEGIN
	if err := m.wal.Append(Record{Op: OpBegin, TxID: seq, BatchID: batchID, Timestamp: m.timestamp(), PayloadHash: payload}); err != nil {
		// The record may or may not be on disk; recovery resolves either way.
		m.halted = fmt.Errorf("wal begin failed, restart required: %w", err)
		return nil, m.halted
	}
	m.moveTo(PhaseWALAppended)
	if m.crashAt(CrashAfterBegin) {
		return nil, m.halted
	}

	// 2-3. temp file, fsync
	m.moveTo(PhaseStateWriting)
	tmp, err := m.store.WriteTemp(data)
	if err != nil {
		return nil, m.rollback(ctx, log, seq, batchID, payload, "", false, err)
	}
	if m.crashAt(CrashAfterTempWrite) {
		return nil, m.halted
	}

	// 4. previous generation, rename, fsync dir
	if err := m.store.PreserveLive(); err != nil {
		return nil, m.rollback(ctx, log, seq, batchID, payload, tmp, false, err)
	}
	if m.crashAt(CrashAfterPreserve) {
		return nil, m.halted
	}
	if err := m.store.Promote(tmp); err != nil {
		// Rename is atomic but the directory sync may have failed after it.
		return nil, m.rollback(ctx, log, seq, batchID, payload, tmp, true, err)
	}
	if m.crashAt(CrashAfterRename) {
		return nil, m.halted
	}

	// 5. COMMIT
	if err := m.wal.Append(Record{Op: OpCommit, TxID: seq, BatchID: batchID, Timestamp: m.timestamp(), PayloadHash: payload}); err != nil {
		return nil, m.rollback(ctx, log, seq, batchID, payload, "", true, err)
	}
	if m.crashAt(CrashAfterCommit) {
		return nil, m.halted
	}

	// 6. publish
	prev := m.root
	m.snapshot = next
	m.seq = seq
	m.batchID = batchID
	m.root = file.MerkleRoot
	m.stateRoot = file.StateRoot
	m.moveTo(PhaseCommitted)

	elapsed := time.Since(start)
	m.metrics.CommitDuration(elapsed)
	m.metrics.CommittedSeq(seq)
	log.Info().Str("root", file.MerkleRoot.Short()).Dur("took", elapsed).Msg("batch committed")

	info := &Info{
		Seq:         seq,
		BatchID:     batchID,
		PrevRoot:    prev,
		StateRoot:   file.StateRoot,
		MerkleRoot:  file.MerkleRoot,
		PayloadHash: payload,
	}
	m.recordCommit(ctx, info, next.Len())
	return info, nil
}

// rollback undoes a failed commit after BEGIN and appends ROLLBACK. When
// renamed is set the live file may already carry the batch and the previous
// generation is restored first. If the undo itself fails the manager halts.
func (m *Manager) rollback(ctx context.Context, log zerolog.Logger, seq int64, batchID string, payload ir.Hash, tmp string, renamed bool, cause error) error {
	var errs *multierror.Error
	errs = multierror.Append(errs, cause)

	if err := m.store.RemoveTemp(tmp); err != nil {
		errs = multierror.Append(errs, err)
	}
	if renamed {
		if err := m.store.RestorePrevious(); err != nil {
			errs = multierror.Append(errs, err)
			m.halted = integrityPanic("commit", errs.ErrorOrNil(), "cannot restore previous state for batch %s", batchID)
			log.Error().Err(m.halted).Bool("alarm", true).Msg("rollback failed")
			return m.halted
		}
	}
	if err := m.wal.Append(Record{Op: OpRollback, TxID: seq, BatchID: batchID, Timestamp: m.timestamp(), PayloadHash: payload}); err != nil {
		// Recovery will roll the batch back on restart.
		errs = multierror.Append(errs, err)
		m.halted = fmt.Errorf("wal rollback failed, restart required: %w", errs.ErrorOrNil())
		log.Error().Err(m.halted).Msg("rollback not recorded")
		return m.halted
	}
	m.moveTo(PhaseRolledBack)
	log.Warn().Err(cause).Msg("batch rolled back")
	m.audit(ctx, AuditEntry{Kind: AuditCommitRollback, Seq: seq, BatchID: batchID, Detail: cause.Error()})
	return &RollbackError{Seq: seq, BatchID: batchID, Cause: errs.ErrorOrNil()}
}

// RollbackError reports a commit that failed after BEGIN and was rolled
// back. The committed state is unchanged.
type RollbackError struct {
	Seq     int64
	BatchID string
	Cause   error
}

// Error implements the error interface.
func (e *RollbackError) Error() string {
	return fmt.Sprintf("commit of batch %s (seq %d) rolled back: %v", e.BatchID, e.Seq, e.Cause)
}

// Unwrap returns the cause.
func (e *RollbackError) Unwrap() error {
	return e.Cause
}

func (m *Manager) recordCommit(ctx context.Context, info *Info, accounts int) {
	if m.ledger == nil {
		return
	}
	err := m.ledger.RecordCommit(ctx, CommitEntry{
		Seq:         info.Seq,
		BatchID:     info.BatchID,
		PrevRoot:    info.PrevRoot,
		StateRoot:   info.StateRoot,
		MerkleRoot:  info.MerkleRoot,
		PayloadHash: info.PayloadHash,
		Accounts:    accounts,
		Timestamp:   m.timestamp(),
	})
	if err != nil {
		m.log.Warn().Err(err).Int64("seq", info.Seq).Msg("ledger commit write failed")
	}
}

func (m *Manager) audit(ctx context.Context, e AuditEntry) {
	if m.ledger == nil {
		return
	}
	if e.Timestamp == "" {
		e.Timestamp = m.timestamp()
	}
	if err := m.ledger.RecordAudit(ctx, e); err != nil {
		m.log.Warn().Err(err).Str("kind", e.Kind).Msg("ledger audit write failed")
	}
}

// Audit records an audit entry raised outside the commit protocol, such as
// a batch rejected during execution or a linearizability alarm.
func (m *Manager) Audit(ctx context.Context, e AuditEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit(ctx, e)
}

// Verify rereads the live state file from disk and checks its roots
// against the in-memory committed state.
func (m *Manager) Verify() (*StateFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, _, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	if f == nil {
		if m.seq != 0 {
			return nil, integrityPanic("state", nil, "state file missing at seq %d", m.seq)
		}
		return nil, nil
	}
	if f.Seq != m.seq || f.MerkleRoot != m.root {
		return f, integrityPanic("state", nil, "state file at seq %d root %s, memory at seq %d root %s",
			f.Seq, f.MerkleRoot.Short(), m.seq, m.root.Short())
	}
	return f, nil
}

// Close releases the WAL. Further commits fail with ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.wal.Close()
}

// IsRollbackError reports whether err wraps a RollbackError.
func IsRollbackError(err error) bool {
	var re *RollbackError
	return errors.As(err, &re)
}
