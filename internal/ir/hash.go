package ir

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashing. The version suffix leaves room for
// an algorithm migration without ambiguity between old and new roots.
const (
	DomainLeaf    = "synchrony/state-leaf/v1"
	DomainNode    = "synchrony/state-node/v1"
	DomainEmpty   = "synchrony/state-empty/v1"
	DomainChain   = "synchrony/chain/v1"
	DomainPayload = "synchrony/payload/v1"
)

// Hash is a SHA-256 digest. It encodes as lowercase hex in JSON.
type Hash [sha256.Size]byte

// ZeroHash is the previous-root of the genesis state.
var ZeroHash Hash

// String returns the hex encoding of h.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 12 hex characters, for logs.
func (h Hash) Short() string {
	return h.String()[:12]
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a 64-character hex string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("parse hash: %w", err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("parse hash: want %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

// hashWithDomain computes SHA256(domain + 0x00 + parts...).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, parts ...[]byte) Hash {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// LeafHash hashes one account entry as canonical {"key":...,"value":...}.
func LeafHash(key AccountKey, value IRValue) (Hash, error) {
	canonical, err := MarshalCanonical(IRObject{
		"key":   IRString(key),
		"value": value,
	})
	if err != nil {
		return Hash{}, fmt.Errorf("leaf %q: %w", key, err)
	}
	return hashWithDomain(DomainLeaf, canonical), nil
}

// NodeHash combines two child hashes.
func NodeHash(left, right Hash) Hash {
	return hashWithDomain(DomainNode, left[:], right[:])
}

// EmptyRoot is the Merkle root of a state with no entries.
func EmptyRoot() Hash {
	return hashWithDomain(DomainEmpty)
}

// MerkleRoot folds leaf hashes (already in key order) into a binary tree.
// An odd node at the end of a level is promoted unchanged rather than
// paired with itself, so two different leaf lists never share a root.
func MerkleRoot(leaves []Hash) Hash {
	if len(leaves) == 0 {
		return EmptyRoot()
	}
	level := make([]Hash, len(leaves))
	copy(level, leaves)
	for len(level) > 1 {
		next := make([]Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, NodeHash(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}

// ChainRoot links a state root to the root of the previous commit.
// Each committed root is a function of the previous root, the new state
// and the commit sequence, which makes the commit history tamper-evident.
func ChainRoot(prev, state Hash, seq int64) Hash {
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], uint64(seq))
	return hashWithDomain(DomainChain, prev[:], state[:], seqBytes[:])
}

// PayloadHash hashes a pending commit payload for the WAL BEGIN record.
func PayloadHash(payload []byte) Hash {
	return hashWithDomain(DomainPayload, payload)
}
