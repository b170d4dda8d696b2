// Package pending serializes structural operations per node.
//
// Track registers an operation under one or more node ids. The operation
// starts only after whatever was previously registered under any of those
// ids has settled, so two operations on the same node run strictly in
// submission order while operations on unrelated nodes run freely.
//
// A failed predecessor does not block its successor: the error belongs to
// whoever waits on the predecessor's Handle. Registry entries remove
// themselves on settle, so the registry only ever holds outstanding work.
package pending

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/treesync/internal/ir"
	"github.com/roach88/treesync/internal/metrics"
)

// Operation is the unit of work a Tracker runs.
type Operation func(ctx context.Context) error

// Handle is the settle-once result of a tracked operation.
type Handle struct {
	nodeIDs []string
	done    chan struct{}
	err     error
}

// NodeIDs returns the ids the operation was registered under.
func (h *Handle) NodeIDs() []string {
	return append([]string(nil), h.nodeIDs...)
}

// Done is closed once the operation has settled.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the operation's error. Only meaningful after Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the operation settles or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tracker is the per-node registry of in-flight operations.
//
// Thread-safety: all methods are safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	ops    map[string]*Handle
	logger *slog.Logger
}

// NewTracker creates an empty tracker. A nil logger uses slog.Default().
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		ops:    make(map[string]*Handle),
		logger: logger,
	}
}

// Track runs op after the operation currently registered for nodeID.
func (t *Tracker) Track(ctx context.Context, nodeID string, op Operation) *Handle {
	return t.TrackAll(ctx, []string{nodeID}, op)
}

// TrackAll runs op after every operation currently registered under any of
// nodeIDs, and registers op under all of them.
func (t *Tracker) TrackAll(ctx context.Context, nodeIDs []string, op Operation) *Handle {
	h := &Handle{done: make(chan struct{})}
	seen := make(map[string]bool, len(nodeIDs))
	for _, id := range nodeIDs {
		id = ir.NormalizeID(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		h.nodeIDs = append(h.nodeIDs, id)
	}

	t.mu.Lock()
	var prev []*Handle
	for _, id := range h.nodeIDs {
		if p := t.ops[id]; p != nil {
			prev = append(prev, p)
		}
		t.ops[id] = h
	}
	t.mu.Unlock()

	metrics.PendingOperations.Inc()
	go func() {
		defer t.settle(h)
		for _, p := range prev {
			<-p.done
		}
		h.err = op(ctx)
		if h.err != nil {
			t.logger.Debug("tracked operation failed", "nodes", h.nodeIDs, "error", h.err)
		}
	}()
	return h
}

// settle drops h from the registry where it is still the latest entry and
// releases its waiters.
func (t *Tracker) settle(h *Handle) {
	t.mu.Lock()
	for _, id := range h.nodeIDs {
		if t.ops[id] == h {
			delete(t.ops, id)
		}
	}
	t.mu.Unlock()
	metrics.PendingOperations.Dec()
	close(h.done)
}

// WaitForAll blocks until every operation tracked at call time has settled.
// Operation errors are not returned; only ctx cancellation is.
func (t *Tracker) WaitForAll(ctx context.Context) error {
	for _, h := range t.snapshot() {
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Wait blocks until the operation currently registered for nodeID settles.
func (t *Tracker) Wait(ctx context.Context, nodeID string) error {
	t.mu.Lock()
	h := t.ops[ir.NormalizeID(nodeID)]
	t.mu.Unlock()
	if h == nil {
		return nil
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsPending reports whether nodeID has outstanding work.
func (t *Tracker) IsPending(nodeID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.ops[ir.NormalizeID(nodeID)]
	return ok
}

// Len returns the number of node ids with outstanding work.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops)
}

func (t *Tracker) snapshot() []*Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[*Handle]bool, len(t.ops))
	out := make([]*Handle, 0, len(t.ops))
	for _, h := range t.ops {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	return out
}
