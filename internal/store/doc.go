// Package store provides the SQLite-backed commit ledger.
//
// The ledger keeps two tables:
//   - commits: one row per committed batch (seq, batch id, roots, payload
//     hash, account count)
//   - audit: rolled-back batches, integrity alarms and ledger gaps
//
// The ledger is an index, not a source of truth. Commits are durable once
// the WAL says so; the ledger is written afterwards and may lag after a
// crash. commit.Manager reconciles it at startup.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// All queries order by seq (commits) or id (audit), so listings are
// deterministic.
package store
