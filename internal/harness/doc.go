// Package harness runs end-to-end scenarios against a real engine.
//
// A scenario is a YAML file describing an initial state, a sequence of
// batches with the outcome each one should have, and assertions over the
// final committed state:
//
//	name: transfer-chain
//	description: a transfer followed by a dependent copy
//	accounts: {alice: 100}
//	batches:
//	  - transactions:
//	      - {id: t1, ops: [{op: transfer, from: alice, to: bob, amount: 40}]}
//	      - {id: t2, reads: [bob], writes: [carol], ops: [{op: copy, from: bob, to: carol}]}
//	    expect:
//	      outcome: committed
//	      levels: [[t1], [t2]]
//	assertions:
//	  - {type: balance, key: carol, value: 40}
//
// Each run gets a fresh data directory, a SQLite ledger, a step clock and
// sequential batch ids, so the trace it produces is byte-for-byte
// reproducible and can be compared against a golden file.
//
// A batch may set crash_at to one of the commit crash points. The commit
// stops there as if the process had died; the harness then reopens the data
// directory, which runs recovery, and continues with the next batch.
package harness
