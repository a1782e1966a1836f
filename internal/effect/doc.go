// Package effect compiles small declarative programs into transaction
// effects, so batches can be written down as data.
//
// A program is a list of ops applied in order against the transaction's
// accessor. Balances are int64; arithmetic overflow, overdrafts and failed
// requirements surface as DomainError, which the executor turns into a
// whole-batch rollback.
//
//	ops:
//	  - {op: require, key: alice, min: 10}
//	  - {op: transfer, from: alice, to: bob, amount: 10}
package effect
