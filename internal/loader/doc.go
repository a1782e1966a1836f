// Package loader reads batch files.
//
// A batch file lists transactions in submission order and may carry an
// initial set of account balances:
//
//	accounts: {alice: 100, bob: 0}
//	transactions: [
//		{id: "t1", ops: [{op: "transfer", from: "alice", to: "bob", amount: 40}]},
//		{id: "t2", reads: ["bob"], writes: ["carol"], ops: [{op: "copy", from: "bob", to: "carol"}]},
//	]
//
// CUE files are checked against an embedded schema before decoding. YAML
// and JSON files are decoded strictly; unknown keys are errors.
package loader
