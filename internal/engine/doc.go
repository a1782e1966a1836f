// Package engine executes transaction batches in parallel and commits them.
//
// A batch moves through four stages:
//
//  1. Analyze: graph.Analyze builds the dependency graph, classifies
//     conflicts and splits the batch into levels. A cycle rejects the batch.
//  2. Execute: the Executor runs each level on a bounded worker pool. Every
//     transaction sees the state left by earlier levels through a private
//     view; writes merge in submission order at the level barrier.
//  3. Verify: the Prover replays the batch sequentially in dependency order
//     and compares the result with the parallel one. In audit mode a
//     mismatch raises an alarm; in strict mode it rejects the batch.
//  4. Commit: the commit.Manager makes the new state durable.
//
// Stages 1-3 have no durable side effects. A failure there leaves the
// committed state exactly as it was.
//
// Determinism: the state produced by Execute is a pure function of the
// batch and the base state. Worker interleaving within a level cannot change
// it, because no two transactions in a level share an account that either
// one writes.
package engine
