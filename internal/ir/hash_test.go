package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeafHashDeterminism(t *testing.T) {
	h1, err := LeafHash("alice", IRInt(100))
	require.NoError(t, err)
	h2, err := LeafHash("alice", IRInt(100))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1.String(), 64)
}

func TestLeafHashChangesWithInput(t *testing.T) {
	base, err := LeafHash("alice", IRInt(100))
	require.NoError(t, err)
	otherKey, err := LeafHash("bob", IRInt(100))
	require.NoError(t, err)
	otherValue, err := LeafHash("alice", IRInt(101))
	require.NoError(t, err)

	assert.NotEqual(t, base, otherKey)
	assert.NotEqual(t, base, otherValue)
}

func TestLeafHashRejectsNull(t *testing.T) {
	_, err := LeafHash("alice", IRNull{})
	assert.Error(t, err)
}

func TestDomainSeparation(t *testing.T) {
	// Same bytes under different domains must never collide.
	payload := PayloadHash(nil)
	empty := EmptyRoot()
	assert.NotEqual(t, payload, empty)
}

func TestMerkleRoot(t *testing.T) {
	a, _ := LeafHash("a", IRInt(1))
	b, _ := LeafHash("b", IRInt(2))
	c, _ := LeafHash("c", IRInt(3))

	assert.Equal(t, EmptyRoot(), MerkleRoot(nil))
	assert.Equal(t, a, MerkleRoot([]Hash{a}), "single leaf is its own root")
	assert.Equal(t, NodeHash(a, b), MerkleRoot([]Hash{a, b}))
	assert.Equal(t, NodeHash(NodeHash(a, b), c), MerkleRoot([]Hash{a, b, c}), "odd leaf is promoted")
	assert.NotEqual(t, MerkleRoot([]Hash{a, b}), MerkleRoot([]Hash{b, a}), "order matters")
}

func TestMerkleRootOddLeafNotDuplicated(t *testing.T) {
	a, _ := LeafHash("a", IRInt(1))
	b, _ := LeafHash("b", IRInt(2))
	c, _ := LeafHash("c", IRInt(3))

	assert.NotEqual(t, MerkleRoot([]Hash{a, b, c}), MerkleRoot([]Hash{a, b, c, c}))
}

func TestChainRoot(t *testing.T) {
	state := EmptyRoot()
	r1 := ChainRoot(ZeroHash, state, 1)
	r2 := ChainRoot(r1, state, 2)

	assert.NotEqual(t, r1, r2, "same state under a different history has a different root")
	assert.Equal(t, r1, ChainRoot(ZeroHash, state, 1))
	assert.NotEqual(t, r1, ChainRoot(ZeroHash, state, 2), "sequence is bound into the root")
}

func TestHashTextRoundTrip(t *testing.T) {
	h := PayloadHash([]byte("payload"))

	data, err := json.Marshal(struct {
		H Hash `json:"h"`
	}{h})
	require.NoError(t, err)
	assert.Equal(t, `{"h":"`+h.String()+`"}`, string(data))

	var decoded struct {
		H Hash `json:"h"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, h, decoded.H)
	assert.Equal(t, h.String()[:12], h.Short())
}

func TestParseHashErrors(t *testing.T) {
	_, err := ParseHash("zz")
	assert.Error(t, err)

	_, err = ParseHash("abcd")
	assert.Error(t, err)

	assert.True(t, ZeroHash.IsZero())
}
