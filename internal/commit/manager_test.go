package commit

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/synchrony/internal/ir"
	"github.com/roach88/synchrony/internal/metrics"
	"github.com/roach88/synchrony/internal/state"
)

func fixedNow() time.Time {
	return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
}

func mustEncode(t *testing.T, seq int64, batch string, kv map[string]int64) []byte {
	t.Helper()
	m := make(map[ir.AccountKey]int64, len(kv))
	for k, v := range kv {
		m[ir.AccountKey(k)] = v
	}
	f, err := NewStateFile(seq, batch, GenesisRoot(), snapshotOf(t, m))
	require.NoError(t, err)
	data, err := f.Encode()
	require.NoError(t, err)
	return data
}

func openManager(t *testing.T, dir string, opts ...Option) (*Manager, *RecoveryReport) {
	t.Helper()
	m, report, err := Open(dir, append([]Option{WithClock(fixedNow)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m, report
}

// memLedger records ledger calls in memory.
type memLedger struct {
	mu      sync.Mutex
	commits []CommitEntry
	audits  []AuditEntry
	fail    bool
}

func (l *memLedger) RecordCommit(_ context.Context, e CommitEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail {
		return errors.New("ledger down")
	}
	l.commits = append(l.commits, e)
	return nil
}

func (l *memLedger) RecordAudit(_ context.Context, e AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail {
		return errors.New("ledger down")
	}
	l.audits = append(l.audits, e)
	return nil
}

func (l *memLedger) LastCommitSeq(context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail {
		return 0, errors.New("ledger down")
	}
	if len(l.commits) == 0 {
		return 0, nil
	}
	return l.commits[len(l.commits)-1].Seq, nil
}

func (l *memLedger) auditKinds() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var kinds []string
	for _, a := range l.audits {
		kinds = append(kinds, a.Kind)
	}
	return kinds
}

func TestOpenEmptyDirIsGenesis(t *testing.T) {
	m, report := openManager(t, t.TempDir())

	assert.Equal(t, int64(0), m.Seq())
	assert.Equal(t, GenesisRoot(), m.Root())
	assert.Equal(t, ir.EmptyRoot(), m.StateRoot())
	assert.Equal(t, 0, m.State().Len())
	assert.Equal(t, PhaseIdle, m.Phase())
	assert.Nil(t, report.RolledBack)
	assert.False(t, report.TornTail)
}

func TestCommitPersistsAndChains(t *testing.T) {
	dir := t.TempDir()
	m, _ := openManager(t, dir)

	s1 := snapshotOf(t, map[ir.AccountKey]int64{"alice": 100})
	info1, err := m.Commit(context.Background(), "b1", s1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), info1.Seq)
	assert.Equal(t, GenesisRoot(), info1.PrevRoot)
	assert.Equal(t, PhaseCommitted, m.Phase())

	s2 := snapshotOf(t, map[ir.AccountKey]int64{"alice": 60, "bob": 40})
	info2, err := m.Commit(context.Background(), "b2", s2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), info2.Seq)
	assert.Equal(t, info1.MerkleRoot, info2.PrevRoot)
	assert.Equal(t, ir.ChainRoot(info1.MerkleRoot, info2.StateRoot, 2), info2.MerkleRoot)

	assert.Equal(t, info2.MerkleRoot, m.Root())
	assert.True(t, s2.Equal(m.State()))

	f, err := m.Verify()
	require.NoError(t, err)
	assert.Equal(t, "b2", f.BatchID)

	wal, err := m.wal.Records()
	require.NoError(t, err)
	require.Len(t, wal, 4)
	assert.Equal(t, []Op{OpBegin, OpCommit, OpBegin, OpCommit}, []Op{wal[0].Op, wal[1].Op, wal[2].Op, wal[3].Op})
	assert.Equal(t, info2.PayloadHash, wal[3].PayloadHash)

	require.NoError(t, m.Close())
	reopened, _ := openManager(t, dir)
	assert.Equal(t, int64(2), reopened.Seq())
	assert.Equal(t, info2.MerkleRoot, reopened.Root())
	assert.True(t, s2.Equal(reopened.State()))
}

func TestMerkleIntegrityAfterManyCommits(t *testing.T) {
	dir := t.TempDir()
	m, _ := openManager(t, dir)

	const n = 25
	snap := state.New()
	prev := GenesisRoot()
	for i := 1; i <= n; i++ {
		var err error
		snap, err = snap.Apply([]state.Write{
			{Key: "alice", Value: ir.IRInt(int64(i))},
			{Key: ir.AccountKey("acct-" + string(rune('a'+i%26))), Value: ir.IRInt(int64(i * 10))},
		})
		require.NoError(t, err)

		info, err := m.Commit(context.Background(), "batch", snap)
		require.NoError(t, err)
		assert.Equal(t, prev, info.PrevRoot)
		prev = info.MerkleRoot

		data, err := os.ReadFile(filepath.Join(dir, stateFileName))
		require.NoError(t, err)
		f, err := DecodeStateFile(data)
		require.NoError(t, err, "commit %d", i)

		recomputed, err := f.State.MerkleRoot()
		require.NoError(t, err)
		assert.Equal(t, f.StateRoot, recomputed)
		assert.Equal(t, ir.ChainRoot(f.PrevRoot, recomputed, int64(i)), f.MerkleRoot)
		assert.Equal(t, m.Root(), f.MerkleRoot)
	}
	assert.Equal(t, int64(n), m.Seq())
}

// crashCommit commits base (when non-nil) cleanly, then crashes the commit
// of next at point.
func crashCommit(t *testing.T, dir string, point CrashPoint, base, next *state.Snapshot) *Info {
	t.Helper()
	var info *Info
	if base != nil {
		clean, _, err := Open(dir, WithClock(fixedNow))
		require.NoError(t, err)
		info, err = clean.Commit(context.Background(), "base", base)
		require.NoError(t, err)
		require.NoError(t, clean.Close())
	}

	m, _, err := Open(dir, WithClock(fixedNow), WithCrashHook(func(p CrashPoint) bool { return p == point }))
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Commit(context.Background(), "next", next)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSimulatedCrash)

	_, err = m.Commit(context.Background(), "after-crash", next)
	assert.ErrorIs(t, err, ErrSimulatedCrash, "a crashed manager accepts no writes")
	return info
}

func TestCrashAtEveryPointIsAtomic(t *testing.T) {
	base := snapshotOf(t, map[ir.AccountKey]int64{"alice": 100, "bob": 0})
	next := snapshotOf(t, map[ir.AccountKey]int64{"alice": 70, "bob": 30})

	for _, point := range CrashPoints {
		t.Run(string(point), func(t *testing.T) {
			dir := t.TempDir()
			baseInfo := crashCommit(t, dir, point, base, next)

			ledger := &memLedger{}
			m, report := openManager(t, dir, WithLedger(ledger))

			matches, err := filepath.Glob(filepath.Join(dir, tempPattern))
			require.NoError(t, err)
			assert.Empty(t, matches, "no temp files survive recovery")

			if point == CrashAfterCommit {
				assert.Equal(t, int64(2), m.Seq())
				assert.True(t, next.Equal(m.State()))
				assert.Nil(t, report.RolledBack)
			} else {
				assert.Equal(t, int64(1), m.Seq())
				assert.Equal(t, baseInfo.MerkleRoot, m.Root())
				assert.True(t, base.Equal(m.State()))
				require.NotNil(t, report.RolledBack)
				assert.Equal(t, "next", report.RolledBack.BatchID)
				assert.Equal(t, point == CrashAfterRename, report.RestoredPrevious)
				assert.Contains(t, ledger.auditKinds(), AuditRecoveryRollback)
			}

			_, err = m.Verify()
			require.NoError(t, err)

			// The log is well formed and the manager keeps working.
			info, err := m.Commit(context.Background(), "resume", next)
			require.NoError(t, err)
			assert.Equal(t, m.Seq(), info.Seq)
			recs, err := m.wal.Records()
			require.NoError(t, err)
			_, err = replayWAL(recs)
			assert.NoError(t, err)
		})
	}
}

func TestCrashAfterRenameOnFirstCommitReturnsToGenesis(t *testing.T) {
	dir := t.TempDir()
	crashCommit(t, dir, CrashAfterRename, nil, snapshotOf(t, map[ir.AccountKey]int64{"alice": 1}))

	m, report := openManager(t, dir)
	assert.True(t, report.RestoredPrevious)
	assert.Equal(t, int64(0), m.Seq())
	assert.Equal(t, GenesisRoot(), m.Root())
	assert.NoFileExists(t, filepath.Join(dir, stateFileName))
}

// Killing the process between BEGIN and the rename leaves an orphaned temp
// file; recovery removes it and the pre-batch state survives.
func TestRecoveryRemovesOrphanAfterKillBeforeRename(t *testing.T) {
	dir := t.TempDir()
	before := snapshotOf(t, map[ir.AccountKey]int64{"alice": 100})
	after := snapshotOf(t, map[ir.AccountKey]int64{"alice": 0, "bob": 100})
	crashCommit(t, dir, CrashAfterTempWrite, before, after)

	orphans, err := filepath.Glob(filepath.Join(dir, tempPattern))
	require.NoError(t, err)
	require.Len(t, orphans, 1)

	reg := prometheus.NewRegistry()
	m, report := openManager(t, dir, WithMetrics(metrics.NewPipelineCollector(reg, "test")))
	assert.Equal(t, orphans, report.OrphansRemoved)
	assert.NoFileExists(t, orphans[0])
	assert.True(t, before.Equal(m.State()))
	assert.Equal(t, int64(1), m.Seq())

	require.NotNil(t, report.RolledBack)
	recs, err := m.wal.Records()
	require.NoError(t, err)
	last := recs[len(recs)-1]
	assert.Equal(t, OpRollback, last.Op)
	assert.Equal(t, report.RolledBack.TxID, last.TxID)

	expected := `
# HELP test_commit_recovery_rollbacks_total incomplete batches rolled back during crash recovery
# TYPE test_commit_recovery_rollbacks_total counter
test_commit_recovery_rollbacks_total 1
`
	assert.NoError(t, promtest.GatherAndCompare(reg, strings.NewReader(expected), "test_commit_recovery_rollbacks_total"))
}

func TestRecoveryTruncatesTornCommit(t *testing.T) {
	dir := t.TempDir()
	m, _ := openManager(t, dir)
	_, err := m.Commit(context.Background(), "b1", snapshotOf(t, map[ir.AccountKey]int64{"alice": 1}))
	require.NoError(t, err)
	_, err = m.Commit(context.Background(), "b2", snapshotOf(t, map[ir.AccountKey]int64{"alice": 2}))
	require.NoError(t, err)
	require.NoError(t, m.Close())

	// Tear the final COMMIT line in half.
	walPath := filepath.Join(dir, WALFileName)
	data, err := os.ReadFile(walPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(walPath, data[:len(data)-20], 0o644))

	m2, report := openManager(t, dir)
	assert.True(t, report.TornTail)
	assert.True(t, report.RestoredPrevious)
	assert.Equal(t, int64(1), m2.Seq())
	v, ok := m2.State().Get("alice")
	require.True(t, ok)
	assert.Equal(t, ir.IRInt(1), v)
}

func TestRecoveryDetectsTamperedState(t *testing.T) {
	dir := t.TempDir()
	ledger := &memLedger{}
	m, _ := openManager(t, dir)
	_, err := m.Commit(context.Background(), "b1", snapshotOf(t, map[ir.AccountKey]int64{"alice": 100}))
	require.NoError(t, err)
	require.NoError(t, m.Close())

	live := filepath.Join(dir, stateFileName)
	data, err := os.ReadFile(live)
	require.NoError(t, err)
	tampered := bytes.Replace(data, []byte(`"value":100`), []byte(`"value":101`), 1)
	require.NotEqual(t, data, tampered)
	require.NoError(t, os.WriteFile(live, tampered, 0o644))

	_, _, err = Open(dir, WithLedger(ledger))
	require.Error(t, err)
	assert.True(t, IsIntegrityPanic(err))
	assert.Contains(t, ledger.auditKinds(), AuditIntegrityAlarm)
}

func TestRecoveryDetectsStateWithoutCommit(t *testing.T) {
	dir := t.TempDir()
	m, _ := openManager(t, dir)
	_, err := m.Commit(context.Background(), "b1", snapshotOf(t, map[ir.AccountKey]int64{"alice": 100}))
	require.NoError(t, err)
	require.NoError(t, m.Close())

	require.NoError(t, os.Remove(filepath.Join(dir, WALFileName)))

	_, _, err = Open(dir)
	require.Error(t, err)
	assert.True(t, IsIntegrityPanic(err))
}

func TestRecoveryDetectsMissingState(t *testing.T) {
	dir := t.TempDir()
	m, _ := openManager(t, dir)
	_, err := m.Commit(context.Background(), "b1", snapshotOf(t, map[ir.AccountKey]int64{"alice": 100}))
	require.NoError(t, err)
	require.NoError(t, m.Close())

	require.NoError(t, os.Remove(filepath.Join(dir, stateFileName)))

	_, _, err = Open(dir)
	assert.True(t, IsIntegrityPanic(err))
}

func TestRecoveryReconcilesLedger(t *testing.T) {
	dir := t.TempDir()
	down := &memLedger{fail: true}
	m, _ := openManager(t, dir, WithLedger(down))
	for i := 1; i <= 3; i++ {
		_, err := m.Commit(context.Background(), "b", snapshotOf(t, map[ir.AccountKey]int64{"alice": int64(i)}))
		require.NoError(t, err, "ledger failures must not fail commits")
	}
	require.NoError(t, m.Close())

	ledger := &memLedger{}
	m2, report := openManager(t, dir, WithLedger(ledger))
	assert.Equal(t, int64(0), report.LedgerSeq)
	require.Len(t, ledger.commits, 1)
	assert.Equal(t, int64(3), ledger.commits[0].Seq)
	assert.Equal(t, m2.Root(), ledger.commits[0].MerkleRoot)
	assert.Contains(t, ledger.auditKinds(), AuditLedgerGap)
}

// faultyStore injects failures into a FileStore.
type faultyStore struct {
	*FileStore
	failWrite   bool
	failPromote bool
	failRestore bool
}

func (s *faultyStore) WriteTemp(data []byte) (string, error) {
	if s.failWrite {
		return "", errors.New("disk full")
	}
	return s.FileStore.WriteTemp(data)
}

func (s *faultyStore) Promote(tmp string) error {
	if s.failPromote {
		return errors.New("rename failed")
	}
	return s.FileStore.Promote(tmp)
}

func (s *faultyStore) RestorePrevious() error {
	if s.failRestore {
		return errors.New("restore failed")
	}
	return s.FileStore.RestorePrevious()
}

func newFaultyManager(t *testing.T, dir string, ledger Ledger) (*Manager, *faultyStore) {
	t.Helper()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)
	store := &faultyStore{FileStore: fs}
	wal, _, err := OpenFileWAL(filepath.Join(dir, WALFileName))
	require.NoError(t, err)
	m := NewManager(store, wal, WithClock(fixedNow), WithLedger(ledger))
	_, err = m.Recover(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m, store
}

func TestCommitRollsBackOnWriteFailure(t *testing.T) {
	dir := t.TempDir()
	ledger := &memLedger{}
	m, store := newFaultyManager(t, dir, ledger)

	base := snapshotOf(t, map[ir.AccountKey]int64{"alice": 1})
	_, err := m.Commit(context.Background(), "b1", base)
	require.NoError(t, err)
	root := m.Root()

	store.failWrite = true
	_, err = m.Commit(context.Background(), "b2", snapshotOf(t, map[ir.AccountKey]int64{"alice": 2}))
	require.Error(t, err)
	assert.True(t, IsRollbackError(err))
	assert.False(t, IsIntegrityPanic(err))
	assert.Equal(t, PhaseRolledBack, m.Phase())
	assert.Equal(t, root, m.Root())
	assert.True(t, base.Equal(m.State()))
	assert.Contains(t, ledger.auditKinds(), AuditCommitRollback)

	recs, err := m.wal.Records()
	require.NoError(t, err)
	assert.Equal(t, OpRollback, recs[len(recs)-1].Op)

	store.failWrite = false
	info, err := m.Commit(context.Background(), "b3", snapshotOf(t, map[ir.AccountKey]int64{"alice": 3}))
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.Seq, "a rolled back batch does not consume a sequence number")
}

func TestCommitRestoresPreviousOnPromoteFailure(t *testing.T) {
	dir := t.TempDir()
	m, store := newFaultyManager(t, dir, nil)

	base := snapshotOf(t, map[ir.AccountKey]int64{"alice": 1})
	_, err := m.Commit(context.Background(), "b1", base)
	require.NoError(t, err)

	store.failPromote = true
	_, err = m.Commit(context.Background(), "b2", snapshotOf(t, map[ir.AccountKey]int64{"alice": 2}))
	require.Error(t, err)
	assert.True(t, IsRollbackError(err))

	f, err := m.Verify()
	require.NoError(t, err)
	assert.True(t, base.Equal(f.State))

	matches, err := filepath.Glob(filepath.Join(dir, tempPattern))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestCommitHaltsWhenRestoreFails(t *testing.T) {
	dir := t.TempDir()
	m, store := newFaultyManager(t, dir, &memLedger{})

	_, err := m.Commit(context.Background(), "b1", snapshotOf(t, map[ir.AccountKey]int64{"alice": 1}))
	require.NoError(t, err)

	store.failPromote = true
	store.failRestore = true
	_, err = m.Commit(context.Background(), "b2", snapshotOf(t, map[ir.AccountKey]int64{"alice": 2}))
	require.Error(t, err)
	assert.True(t, IsIntegrityPanic(err))
	assert.True(t, IsIntegrityPanic(m.Halted()))

	store.failPromote = false
	store.failRestore = false
	_, err = m.Commit(context.Background(), "b3", snapshotOf(t, map[ir.AccountKey]int64{"alice": 3}))
	assert.True(t, IsIntegrityPanic(err), "halted manager refuses writes")
}

func TestCommitAfterClose(t *testing.T) {
	m, _ := openManager(t, t.TempDir())
	require.NoError(t, m.Close())
	_, err := m.Commit(context.Background(), "b1", state.New())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCommitRecordsLedgerAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	ledger := &memLedger{}
	m, _ := openManager(t, t.TempDir(), WithLedger(ledger), WithMetrics(metrics.NewPipelineCollector(reg, "test")))

	info, err := m.Commit(context.Background(), "b1", snapshotOf(t, map[ir.AccountKey]int64{"alice": 1, "bob": 2}))
	require.NoError(t, err)

	require.Len(t, ledger.commits, 1)
	got := ledger.commits[0]
	assert.Equal(t, info.Seq, got.Seq)
	assert.Equal(t, info.MerkleRoot, got.MerkleRoot)
	assert.Equal(t, info.PayloadHash, got.PayloadHash)
	assert.Equal(t, 2, got.Accounts)
	assert.Equal(t, "2026-01-02T03:04:05Z", got.Timestamp)

	expected := `
# HELP test_commit_sequence latest committed batch sequence number
# TYPE test_commit_sequence gauge
test_commit_sequence 1
`
	assert.NoError(t, promtest.GatherAndCompare(reg, strings.NewReader(expected), "test_commit_sequence"))
}

func TestPhaseTransitions(t *testing.T) {
	assert.True(t, PhaseIdle.canMoveTo(PhaseWALAppended))
	assert.True(t, PhaseWALAppended.canMoveTo(PhaseRolledBack))
	assert.True(t, PhaseStateWriting.canMoveTo(PhaseCommitted))
	assert.False(t, PhaseIdle.canMoveTo(PhaseCommitted))
	assert.False(t, PhaseCommitted.canMoveTo(PhaseRolledBack))
	assert.Equal(t, "STATE_WRITING", PhaseStateWriting.String())
}

func TestAccentedKeysSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	m, _ := openManager(t, dir)

	// Decomposed or malformed keys never make it into a snapshot, so they
	// cannot reach the state file.
	_, err := state.FromMap(map[ir.AccountKey]ir.IRValue{"e\u0301": ir.IRInt(1), "f": ir.IRInt(2)})
	require.Error(t, err)
	_, err = state.FromMap(map[ir.AccountKey]ir.IRValue{"a\xff": ir.IRInt(1), "a\xfe": ir.IRInt(2)})
	require.Error(t, err)

	s, err := state.FromMap(map[ir.AccountKey]ir.IRValue{
		"\u00e9": ir.IRInt(1),
		"f":      ir.IRInt(2),
		"z":      ir.IRString("caf\u00e9"),
	})
	require.NoError(t, err)
	info, err := m.Commit(context.Background(), "b1", s)
	require.NoError(t, err)

	_, err = m.Verify()
	require.NoError(t, err)
	require.NoError(t, m.Close())

	reopened, _ := openManager(t, dir)
	assert.Equal(t, info.MerkleRoot, reopened.Root())
	assert.True(t, s.Equal(reopened.State()))
	v, ok := reopened.State().Get("\u00e9")
	require.True(t, ok)
	assert.Equal(t, ir.IRInt(1), v)
}
