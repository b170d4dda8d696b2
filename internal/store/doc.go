// Package store is the SQLite reference backend.
//
// It persists the hierarchy (nodes, edges) and implements backend.Backend
// so the coordinator can fire structural intents at it. Every committed
// mutation appends wire notifications to the changes table in the same
// transaction; feed.Poller tails that log back into the bridge, closing
// the optimistic loop.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Referenced parents must exist
//
// # Errors
//
// Driver errors are translated into *backend.Error at this boundary:
// foreign key and not-null violations become foreign-key-constraint,
// primary key, unique and check violations become invariant-violation, and
// SQLITE_BUSY / SQLITE_LOCKED become database-locked.
//
// Queries that list edges order by parent_id, ord, child_id COLLATE BINARY
// so results are identical across runs.
package store
