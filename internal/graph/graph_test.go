package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/synchrony/internal/ir"
)

func noop(ir.Accessor) error { return nil }

func tx(id string, reads, writes []ir.AccountKey, after ...ir.TxID) ir.Transaction {
	return ir.Transaction{
		ID:       ir.TxID(id),
		ReadSet:  ir.NewKeySet(reads...),
		WriteSet: ir.NewKeySet(writes...),
		After:    after,
		Effect:   noop,
	}
}

func keys(k ...ir.AccountKey) []ir.AccountKey { return k }

func TestBuildDisjointAccounts(t *testing.T) {
	// Scenario 1: disjoint writes share nothing.
	batch := ir.Batch{
		tx("T1", nil, keys("alice")),
		tx("T2", nil, keys("bob")),
	}

	g, err := Build(batch)
	require.NoError(t, err)
	assert.Equal(t, []ir.TxID{"T1", "T2"}, g.Nodes())
	assert.Empty(t, g.Edges())
}

func TestBuildReadAfterWrite(t *testing.T) {
	// Scenario 2.
	batch := ir.Batch{
		tx("T1", nil, keys("alice")),
		tx("T2", keys("alice"), nil),
		tx("T3", nil, keys("bob")),
	}

	g, err := Build(batch)
	require.NoError(t, err)

	edges := g.Edges()
	require.Len(t, edges, 1)
	assert.Equal(t, Edge{From: "T1", To: "T2", Accounts: keys("alice")}, edges[0])
	assert.Equal(t, []ir.TxID{"T2"}, g.Successors("T1"))
	assert.Equal(t, []ir.TxID{"T1"}, g.Predecessors("T2"))
}

func TestBuildReadReadNoEdge(t *testing.T) {
	batch := ir.Batch{
		tx("T1", keys("alice"), nil),
		tx("T2", keys("alice"), nil),
	}

	g, err := Build(batch)
	require.NoError(t, err)
	assert.Empty(t, g.Edges())
}

func TestBuildAccumulatesAccounts(t *testing.T) {
	batch := ir.Batch{
		tx("T1", keys("b"), keys("a", "c")),
		tx("T2", keys("a", "b"), keys("c")),
	}

	g, err := Build(batch)
	require.NoError(t, err)

	e, ok := g.Edge("T1", "T2")
	require.True(t, ok)
	assert.Equal(t, keys("a", "c"), e.Accounts, "b is read-read and induces nothing")
	_, ok = g.Edge("T2", "T1")
	assert.False(t, ok)
}

func TestBuildOpaqueIsConservative(t *testing.T) {
	declared := ir.Batch{
		tx("T1", keys("alice"), nil),
		tx("T2", keys("alice"), nil),
	}
	opaque := ir.Batch{
		tx("T1", keys("alice"), nil),
		tx("T2", keys("alice"), nil),
	}
	opaque[0].Access = ir.AccessOpaque

	g, err := Build(declared)
	require.NoError(t, err)
	assert.Empty(t, g.Edges())

	g, err = Build(opaque)
	require.NoError(t, err)
	e, ok := g.Edge("T1", "T2")
	require.True(t, ok)
	assert.Equal(t, keys("alice"), e.Accounts)
}

func TestBuildHints(t *testing.T) {
	batch := ir.Batch{
		tx("T1", nil, keys("a")),
		tx("T2", nil, keys("b"), "T1"),
		tx("T3", nil, keys("a"), "T1"),
	}

	g, err := Build(batch)
	require.NoError(t, err)

	e, ok := g.Edge("T1", "T2")
	require.True(t, ok)
	assert.True(t, e.Hint)
	assert.Empty(t, e.Accounts)

	e, ok = g.Edge("T1", "T3")
	require.True(t, ok)
	assert.True(t, e.Hint)
	assert.Equal(t, keys("a"), e.Accounts, "hint merges into the footprint edge")
	require.NoError(t, g.Validate())
}

func TestBuildRejectsInvalidBatch(t *testing.T) {
	_, err := Build(ir.Batch{tx("T1", nil, nil), tx("T1", nil, nil)})
	require.Error(t, err)
	assert.True(t, ir.IsValidationError(err))
}

func TestGraphAddEdgeErrors(t *testing.T) {
	g, err := New("a", "b")
	require.NoError(t, err)

	assert.Error(t, g.AddEdge("a", "a", "x"))
	assert.Error(t, g.AddEdge("a", "z", "x"))
	assert.Error(t, g.AddHint("z", "a"))

	_, err = New("a", "a")
	assert.Error(t, err)
}

func TestGraphValidate(t *testing.T) {
	g, err := New("a", "b")
	require.NoError(t, err)
	require.NoError(t, g.AddEdge("a", "b", "x"))
	require.NoError(t, g.AddEdge("b", "a", "y"))
	assert.NoError(t, g.Validate(), "different accounts may point different ways")

	require.NoError(t, g.AddEdge("b", "a", "x"))
	err = g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "both directions")
}

func TestIsTopologicalOrder(t *testing.T) {
	batch := ir.Batch{
		tx("T1", nil, keys("alice")),
		tx("T2", keys("alice"), nil),
		tx("T3", nil, keys("bob")),
	}
	g, err := Build(batch)
	require.NoError(t, err)

	assert.NoError(t, g.IsTopologicalOrder([]ir.TxID{"T1", "T2", "T3"}))
	assert.NoError(t, g.IsTopologicalOrder([]ir.TxID{"T3", "T1", "T2"}))
	assert.Error(t, g.IsTopologicalOrder([]ir.TxID{"T2", "T1", "T3"}))
	assert.Error(t, g.IsTopologicalOrder([]ir.TxID{"T1", "T2"}))
	assert.Error(t, g.IsTopologicalOrder([]ir.TxID{"T1", "T1", "T2"}))
	assert.Error(t, g.IsTopologicalOrder([]ir.TxID{"T1", "T2", "T9"}))
}
