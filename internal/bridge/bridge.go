package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/roach88/treesync/internal/hierarchy"
	"github.com/roach88/treesync/internal/ir"
	"github.com/roach88/treesync/internal/metrics"
)

// ErrStopped is returned by Flush once the bridge no longer accepts work.
var ErrStopped = errors.New("bridge stopped")

// Result is what the bridge did with one notification.
type Result string

const (
	// ResultApplied: the store now reflects the notification.
	ResultApplied Result = metrics.ResultApplied

	// ResultIgnored: nothing to do (e.g. deleting an absent edge).
	ResultIgnored Result = metrics.ResultIgnored

	// ResultForwarded: a node notification handed to the NodeSink.
	ResultForwarded Result = metrics.ResultForwarded

	// ResultRejected: malformed, or refused by a store invariant.
	ResultRejected Result = metrics.ResultRejected
)

// NodeSink receives node-content notifications.
type NodeSink interface {
	HandleNode(ctx context.Context, action ir.Action, node ir.NodePayload) error
}

// NodeSinkFunc adapts a function to NodeSink.
type NodeSinkFunc func(ctx context.Context, action ir.Action, node ir.NodePayload) error

// HandleNode calls f.
func (f NodeSinkFunc) HandleNode(ctx context.Context, action ir.Action, node ir.NodePayload) error {
	return f(ctx, action, node)
}

// Stats counts notifications by result.
type Stats struct {
	Applied   int64
	Ignored   int64
	Forwarded int64
	Rejected  int64

	// Seq is the logical clock after the last handled notification.
	Seq int64

	// SourceSeq is the highest producer seq seen, for resuming a feed.
	SourceSeq int64
}

// Bridge applies change notifications to a hierarchy store.
//
// Thread-safety model:
//   - Submit, Consume, Flush, Stop, Stats: safe from any goroutine
//   - Run: must be called from exactly one goroutine
//   - Apply: safe from any goroutine; bypasses the queue
type Bridge struct {
	store  *hierarchy.Store
	queue  *queue
	clock  Sequencer
	sink   NodeSink
	logger *slog.Logger

	detachOnNodeDelete bool

	applied   atomic.Int64
	ignored   atomic.Int64
	forwarded atomic.Int64
	rejected  atomic.Int64
	sourceSeq atomic.Int64
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClock overrides the logical clock, e.g. to resume numbering.
func WithClock(c Sequencer) Option {
	return func(b *Bridge) {
		if c != nil {
			b.clock = c
		}
	}
}

// WithNodeSink sets the collaborator node notifications are forwarded to.
func WithNodeSink(s NodeSink) Option {
	return func(b *Bridge) {
		b.sink = s
	}
}

// WithDetachOnNodeDelete makes node:deleted drop the node's subtree.
func WithDetachOnNodeDelete(on bool) Option {
	return func(b *Bridge) {
		b.detachOnNodeDelete = on
	}
}

// New creates a bridge writing to store.
func New(store *hierarchy.Store, opts ...Option) *Bridge {
	b := &Bridge{
		store:              store,
		queue:              newQueue(),
		clock:              NewClock(),
		logger:             slog.Default(),
		detachOnNodeDelete: true,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Submit queues n for the Run loop. Returns false once stopped.
func (b *Bridge) Submit(n ir.Notification) bool {
	return b.queue.Enqueue(item{n: n})
}

// Consume submits every notification from ch until ch closes (nil) or ctx
// is done (ctx.Err()).
func (b *Bridge) Consume(ctx context.Context, ch <-chan ir.Notification) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-ch:
			if !ok {
				return nil
			}
			if !b.Submit(n) {
				return ErrStopped
			}
		}
	}
}

// Flush blocks until everything submitted before the call has been handled.
func (b *Bridge) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if !b.queue.Enqueue(item{done: done}) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued notifications.
func (b *Bridge) Pending() int {
	return b.queue.Len()
}

// Stop closes the queue. Run drains what is queued and returns nil.
func (b *Bridge) Stop() {
	b.queue.Close()
}

// Run is the single-writer apply loop. It blocks until ctx is cancelled
// (returns ctx.Err()) or Stop is called and the queue is drained (nil).
//
// A notification that cannot be applied is logged and skipped; delivery is
// at-least-once, so the next redelivery gets another chance.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("bridge starting")
	for {
		if it, ok := b.queue.TryDequeue(); ok {
			if it.done != nil {
				close(it.done)
				continue
			}
			if res, err := b.Apply(ctx, it.n); err != nil {
				b.logger.Debug("notification not applied",
					"kind", it.n.Kind(),
					"result", res,
					"error", err,
				)
			}
			continue
		}

		select {
		case <-ctx.Done():
			b.logger.Info("bridge stopping: context cancelled")
			b.queue.Close()
			b.releaseBarriers()
			return ctx.Err()
		case <-b.queue.Wait():
			// The signal channel closes with the queue.
			if b.queue.Len() == 0 && b.queue.Closed() {
				b.logger.Info("bridge stopping: queue closed")
				return nil
			}
		}
	}
}

// releaseBarriers unblocks Flush callers after cancellation.
func (b *Bridge) releaseBarriers() {
	for {
		it, ok := b.queue.TryDequeue()
		if !ok {
			return
		}
		if it.done != nil {
			close(it.done)
		}
	}
}

// Apply handles n synchronously.
func (b *Bridge) Apply(ctx context.Context, n ir.Notification) (Result, error) {
	res, err := b.apply(ctx, n)

	seq := b.clock.Next()
	if n.Seq > 0 {
		for {
			cur := b.sourceSeq.Load()
			if n.Seq <= cur || b.sourceSeq.CompareAndSwap(cur, n.Seq) {
				break
			}
		}
	}
	switch res {
	case ResultApplied:
		b.applied.Add(1)
	case ResultIgnored:
		b.ignored.Add(1)
	case ResultForwarded:
		b.forwarded.Add(1)
	case ResultRejected:
		b.rejected.Add(1)
	}
	metrics.BridgeNotifications.WithLabelValues(n.Kind(), string(res)).Inc()
	b.logger.Debug("notification handled",
		"kind", n.Kind(),
		"result", res,
		"seq", seq,
		"source_seq", n.Seq,
	)
	return res, err
}

func (b *Bridge) apply(ctx context.Context, n ir.Notification) (Result, error) {
	if err := n.Validate(); err != nil {
		return ResultRejected, err
	}
	switch n.Type {
	case ir.EntityEdge:
		return b.applyEdge(n)
	case ir.EntityNode:
		return b.applyNode(ctx, n)
	}
	return ResultRejected, fmt.Errorf("notification: unknown type %q", n.Type)
}

func (b *Bridge) applyEdge(n ir.Notification) (Result, error) {
	e, err := n.Edge()
	if err != nil {
		return ResultRejected, err
	}

	switch n.Action {
	case ir.ActionCreated:
		if err := b.store.AddChild(e.ParentID, e.ChildID, e.Order); err != nil {
			return ResultRejected, err
		}
		return ResultApplied, nil

	case ir.ActionUpdated:
		if err := b.store.UpdateChildOrder(e); err != nil {
			return ResultRejected, err
		}
		return ResultApplied, nil

	case ir.ActionDeleted:
		if parent, ok := b.store.GetParent(e.ChildID); !ok || parent != e.ParentID {
			return ResultIgnored, nil
		}
		b.store.RemoveChild(e.ParentID, e.ChildID)
		return ResultApplied, nil
	}
	return ResultRejected, fmt.Errorf("notification %s: unsupported action", n.Kind())
}

func (b *Bridge) applyNode(ctx context.Context, n ir.Notification) (Result, error) {
	node, err := n.Node()
	if err != nil {
		return ResultRejected, err
	}

	if n.Action == ir.ActionDeleted && b.detachOnNodeDelete {
		if removed := b.store.RemoveSubtree(node.ID); len(removed) > 0 {
			b.logger.Debug("detached deleted node", "node", node.ID, "edges", len(removed))
		}
	}

	if b.sink == nil {
		if n.Action == ir.ActionDeleted && b.detachOnNodeDelete {
			return ResultApplied, nil
		}
		return ResultIgnored, nil
	}
	if err := b.sink.HandleNode(ctx, n.Action, node); err != nil {
		return ResultRejected, fmt.Errorf("node sink: %w", err)
	}
	return ResultForwarded, nil
}

// Stats returns a snapshot of the counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Applied:   b.applied.Load(),
		Ignored:   b.ignored.Load(),
		Forwarded: b.forwarded.Load(),
		Rejected:  b.rejected.Load(),
		Seq:       b.clock.Current(),
		SourceSeq: b.sourceSeq.Load(),
	}
}
