package bridge

import (
	"sync"

	"github.com/roach88/treesync/internal/ir"
	"github.com/roach88/treesync/internal/metrics"
)

// item is a queued notification, or a flush barrier when done is set.
type item struct {
	n    ir.Notification
	done chan struct{}
}

// queue is a thread-safe unbounded FIFO of notifications.
//
// Producers (feeds, callers of Submit) enqueue from any goroutine while the
// Run loop dequeues. The 1-buffered signal channel lets Run wait with a
// select on ctx.Done().
type queue struct {
	mu     sync.Mutex
	items  []item
	closed bool
	signal chan struct{}
}

func newQueue() *queue {
	return &queue{
		items:  make([]item, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends it. Returns false once the queue is closed.
func (q *queue) Enqueue(it item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, it)
	metrics.BridgeQueueDepth.Set(float64(len(q.items)))

	// Buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front item without blocking.
func (q *queue) TryDequeue() (item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return item{}, false
	}
	it := q.items[0]
	// Release the payload for GC; the backing array outlives the slot.
	q.items[0] = item{}
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	metrics.BridgeQueueDepth.Set(float64(len(q.items)))
	return it, true
}

// Wait signals that items may be available. Closed when the queue closes.
func (q *queue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued items.
func (q *queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Closed reports whether Close was called.
func (q *queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close rejects further enqueues and wakes the Run loop.
func (q *queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
