// Package harness runs YAML scenarios against a hierarchy store, an
// optimistic coordinator and an event bridge wired to a scripted backend.
//
// # Scenario Format
//
//	name: indent_then_fail
//	description: "What this scenario validates"
//	setup:
//	  - { parent: root, child: a, order: 1 }
//	steps:
//	  - notify: { type: edge, action: created, parent: root, child: b, order: 2 }
//	  - fail:
//	      - { op: move_node, category: database-locked }
//	  - intent: { op: indent, node: b }
//	  - hold: true
//	  - intent: { op: outdent, node: b }
//	  - assert:
//	      - { type: parent, node: b, want: root }
//	  - release: true
//	  - batch:
//	      - { parent: a, child: b, order: 1 }
//	assertions:
//	  - { type: children, parent: root, children: [a, b] }
//	  - { type: failures, count: 1, category: database-locked }
//
// Each step does exactly one thing. Intents and batches wait for their
// backend call to settle unless a hold step is active; held operations
// settle at the next release step (or at the end of the run).
//
// # Assertion Types
//
//   - children, orders: a parent's child ids or sort keys, exactly
//   - parent: a node's parent ("" for detached)
//   - backend_calls: the ops the backend saw, in arrival order
//   - failures: published failures, optionally of one category
//   - diagnostics: mutations the store refused, optionally of one code
//   - needs_rebalancing: whether a parent's keys are too close together
//
// # Deterministic Testing
//
// Operation ids come from testutil.SequenceGenerator, timestamps from
// testutil.DeterministicClock, and the final tree is rendered with
// hierarchy.Store.Render, so Result.Dump is reproducible and suitable for
// golden comparison (see RunWithGolden).
package harness
