// Package graph turns a batch into an execution plan.
//
// Build derives a dependency graph from declared footprints, Detect
// classifies each edge's accounts as RAW, WAW or WAR conflicts, and Schedule
// levels the graph into independent sets with Kahn's algorithm. Every output
// is a pure function of the batch and ties are always broken by submission
// order, so the same batch always yields the same plan.
//
// Edges only ever point from an earlier to a later transaction, except for
// explicit ordering hints (Transaction.After). A backwards hint can close a
// cycle; Schedule rejects such batches with CircularDependencyError.
package graph
