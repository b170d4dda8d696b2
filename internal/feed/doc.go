// Package feed produces inbound change notifications for the bridge.
//
// Poller tails the reference backend's change log. SpoolWatcher picks up
// JSONL files dropped into a directory by external producers. Both write to
// a caller-owned channel and stop when their context is cancelled.
package feed
