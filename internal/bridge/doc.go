// Package bridge applies inbound change notifications to the hierarchy store.
//
// The bridge is the second writer of the store, next to the coordinator.
// Notifications are decoded from the wire format, queued in FIFO order and
// applied by a single Run goroutine:
//
//	edge:created -> Store.AddChild
//	edge:updated -> Store.UpdateChildOrder
//	edge:deleted -> Store.RemoveChild
//	node:*       -> NodeSink (node:deleted may also detach the subtree)
//
// Delivery is at-least-once with no ordering across ids. Redelivery is
// harmless because the store's mutations are idempotent; a notification that
// would give a node a second parent is refused by the store and logged.
package bridge
