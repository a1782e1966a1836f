package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/synchrony/internal/commit"
	"github.com/roach88/synchrony/internal/ir"
	"github.com/roach88/synchrony/internal/state"
)

func TestLedgerFollowsCommitManager(t *testing.T) {
	ledger := createTestStore(t)
	ctx := context.Background()

	m, _, err := commit.Open(t.TempDir(), commit.WithLedger(ledger))
	require.NoError(t, err)
	defer m.Close()

	var infos []*commit.Info
	snap := state.New()
	for i := int64(1); i <= 3; i++ {
		snap, err = snap.Apply([]state.Write{{Key: "alice", Value: ir.IRInt(i)}})
		require.NoError(t, err)
		info, err := m.Commit(ctx, "batch", snap)
		require.NoError(t, err)
		infos = append(infos, info)
	}

	history, err := ledger.ListCommits(ctx, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, e := range history {
		want := infos[len(infos)-1-i]
		assert.Equal(t, want.Seq, e.Seq)
		assert.Equal(t, want.MerkleRoot, e.MerkleRoot)
		assert.Equal(t, want.PrevRoot, e.PrevRoot)
		assert.Equal(t, 1, e.Accounts)
	}
	assert.Equal(t, history[1].MerkleRoot, history[0].PrevRoot, "ledger rows chain")
}

func TestLedgerReconciledOnReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	m, _, err := commit.Open(dir)
	require.NoError(t, err)
	snap, err := state.FromMap(map[ir.AccountKey]ir.IRValue{"alice": ir.IRInt(1)})
	require.NoError(t, err)
	info, err := m.Commit(ctx, "unledgered", snap)
	require.NoError(t, err)
	require.NoError(t, m.Close())

	ledger := createTestStore(t)
	m, report, err := commit.Open(dir, commit.WithLedger(ledger))
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, int64(0), report.LedgerSeq)

	got, err := ledger.GetCommit(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, info.MerkleRoot, got.MerkleRoot)
	assert.Equal(t, info.PayloadHash, got.PayloadHash)
	assert.Equal(t, "unledgered", got.BatchID)
}
