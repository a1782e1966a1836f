package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/synchrony/internal/ir"
)

func TestViewReadsOwnWrites(t *testing.T) {
	base := balances(t, map[ir.AccountKey]int64{"alice": 100})
	tx := &ir.Transaction{ID: "t1", WriteSet: ir.NewKeySet("alice")}
	v := NewView(base, tx)

	val, ok, err := v.Get("alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ir.IRInt(100), val)

	require.NoError(t, v.Set("alice", ir.IRInt(7)))
	val, ok, err = v.Get("alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ir.IRInt(7), val)

	require.NoError(t, v.Delete("alice"))
	_, ok, err = v.Get("alice")
	require.NoError(t, err)
	assert.False(t, ok)

	got, _ := base.Get("alice")
	assert.Equal(t, ir.IRInt(100), got, "base untouched")
	assert.Equal(t, []Write{{Key: "alice", Deleted: true}}, v.Writes())
}

func TestViewEnforcesFootprint(t *testing.T) {
	base := balances(t, map[ir.AccountKey]int64{"alice": 100, "bob": 5})
	tx := &ir.Transaction{ID: "t1", ReadSet: ir.NewKeySet("alice"), WriteSet: ir.NewKeySet("carol")}
	v := NewView(base, tx)

	_, _, err := v.Get("bob")
	require.Error(t, err)
	assert.True(t, IsFootprintError(err))
	assert.Contains(t, err.Error(), "undeclared read of account bob")

	err = v.Set("alice", ir.IRInt(1))
	require.Error(t, err)
	assert.True(t, IsFootprintError(err))

	err = v.Delete("bob")
	assert.True(t, IsFootprintError(err))

	_, ok, err := v.Get("carol")
	require.NoError(t, err, "write-set keys are readable")
	assert.False(t, ok)
}

func TestViewOpaqueMayWriteReadSet(t *testing.T) {
	base := New()
	tx := &ir.Transaction{ID: "t1", ReadSet: ir.NewKeySet("alice"), Access: ir.AccessOpaque}
	v := NewView(base, tx)

	require.NoError(t, v.Set("alice", ir.IRString("x")))
}

func TestViewRejectsNull(t *testing.T) {
	tx := &ir.Transaction{ID: "t1", WriteSet: ir.NewKeySet("alice")}
	v := NewView(New(), tx)

	assert.Error(t, v.Set("alice", ir.IRNull{}))
	assert.Error(t, v.Set("alice", nil))
	assert.Empty(t, v.Writes())
}

func TestViewWritesSorted(t *testing.T) {
	tx := &ir.Transaction{ID: "t1", WriteSet: ir.NewKeySet("c", "a", "b")}
	v := NewView(New(), tx)
	require.NoError(t, v.Set("c", ir.IRInt(3)))
	require.NoError(t, v.Set("a", ir.IRInt(1)))
	require.NoError(t, v.Set("b", ir.IRInt(2)))

	ws := v.Writes()
	require.Len(t, ws, 3)
	assert.Equal(t, ir.AccountKey("a"), ws[0].Key)
	assert.Equal(t, ir.AccountKey("c"), ws[2].Key)
}

func TestViewRejectsNonCanonicalText(t *testing.T) {
	tx := &ir.Transaction{ID: "t1", WriteSet: ir.NewKeySet("alice", "e\u0301")}
	v := NewView(New(), tx)

	assert.Error(t, v.Set("e\u0301", ir.IRInt(1)))
	assert.Error(t, v.Set("alice", ir.IRString("cafe\u0301")))
	assert.Empty(t, v.Writes())
}
