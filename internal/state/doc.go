// Package state holds account state snapshots and the per-transaction views
// effects run against.
//
// A Snapshot is an ordered, immutable map from account key to value backed
// by a copy-on-write B-tree. Deriving a new snapshot (Apply) shares every
// untouched node with its parent, so each executor level can produce a fresh
// snapshot without copying the whole state.
//
// A View wraps a snapshot for exactly one transaction. It buffers that
// transaction's writes privately and rejects any access outside the
// transaction's declared footprint:
//
//   - Get is allowed on any key in ReadSet ∪ WriteSet
//   - Set and Delete are allowed only on keys the transaction writes
//   - Set rejects null values
//
// Merkle roots are computed over the entries in ascending key order.
package state
