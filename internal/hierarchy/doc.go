// Package hierarchy is the in-memory ordered tree cache.
//
// The Store keeps two indexes that are always exact inverses of each other:
//
//   - children: parent id -> child entries sorted ascending by (order, id)
//   - parentOf: child id -> parent id
//
// # Invariants
//
// I1: a child has at most one parent. An AddChild naming a different parent
// than the recorded one is refused; the existing relationship wins.
//
// I2: no node is its own ancestor. AddChild refuses edges that would close
// a cycle.
//
// I3: within one parent, children are sorted by order. Producers that send
// equal keys are tolerated; ties sort by child id and the gap check in
// package order reports the parent as needing a rebalance.
//
// Refused mutations never panic and never corrupt state. They are reported
// as *InvariantError values: returned to the caller, logged at Warn, passed
// to the optional DiagnosticHandler, and kept in a bounded history.
//
// # Concurrency
//
// One mutex guards the whole structure. Mutations are O(log n) to find the
// slot plus an O(n) shift, so coarse locking keeps every operation atomic
// without measurable contention. Snapshot and Restore replace the structure
// wholesale; the last Restore defines what readers see.
package hierarchy
