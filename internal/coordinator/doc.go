// Package coordinator applies structural changes optimistically.
//
// Every change follows the same life cycle:
//
//	snapshot -> optimistic update -> backend call (in flight) -> confirmed | rolled back
//
// The snapshot is always taken before the local mutation. A local update
// that fails is undone immediately and never reaches the backend. A backend
// call that fails restores the snapshot before the failure is published, so
// the visible tree never shows a structural change that was not persisted.
//
// Backend calls are fire-and-forget from the caller's point of view but are
// registered with a pending.Tracker under every affected node id. The
// structural intents (MoveNode, Indent, ...) wait for all tracked work before
// computing their placement, which is what keeps a snapshot from going stale
// under them.
package coordinator
