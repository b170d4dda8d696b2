package testutil

import (
	"context"
	"slices"
	"sync"

	"github.com/roach88/treesync/internal/backend"
	"github.com/roach88/treesync/internal/ir"
)

// Call records one backend invocation.
type Call struct {
	Op       string
	ParentID string
	NodeID   string
	Order    float64
	Edges    []ir.Edge
}

// ScriptedBackend is an in-memory backend.Backend whose outcomes tests
// script per operation.
//
// Thread-safety: safe for concurrent use.
type ScriptedBackend struct {
	mu      sync.Mutex
	calls   []Call
	queued  map[string][]error
	failFn  func(Call) error
	gate    chan struct{}
	entered chan Call
}

var _ backend.Backend = (*ScriptedBackend)(nil)

// NewScriptedBackend creates a backend where every call succeeds.
func NewScriptedBackend() *ScriptedBackend {
	return &ScriptedBackend{
		queued:  make(map[string][]error),
		entered: make(chan Call, 256),
	}
}

// FailNext makes the next call of op return err. Calls queue up per op.
func (b *ScriptedBackend) FailNext(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queued[op] = append(b.queued[op], err)
}

// FailWhen installs a predicate consulted for every call after queued
// outcomes. A nil return means success.
func (b *ScriptedBackend) FailWhen(fn func(Call) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failFn = fn
}

// Hold blocks every subsequent call until the returned release func runs.
// Held calls still honor ctx cancellation.
func (b *ScriptedBackend) Hold() (release func()) {
	gate := make(chan struct{})
	b.mu.Lock()
	b.gate = gate
	b.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if b.gate == gate {
				b.gate = nil
			}
			b.mu.Unlock()
			close(gate)
		})
	}
}

// Entered delivers each call as soon as it is recorded, before any hold.
func (b *ScriptedBackend) Entered() <-chan Call {
	return b.entered
}

// Calls returns a copy of every recorded call in arrival order.
func (b *ScriptedBackend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.calls)
}

// Ops returns the op names of every recorded call.
func (b *ScriptedBackend) Ops() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ops := make([]string, len(b.calls))
	for i, c := range b.calls {
		ops[i] = c.Op
	}
	return ops
}

// CallCount returns how many calls were recorded.
func (b *ScriptedBackend) CallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func (b *ScriptedBackend) do(ctx context.Context, c Call) error {
	b.mu.Lock()
	b.calls = append(b.calls, c)
	gate := b.gate
	var err error
	if q := b.queued[c.Op]; len(q) > 0 {
		err = q[0]
		b.queued[c.Op] = q[1:]
	} else if b.failFn != nil {
		err = b.failFn(c)
	}
	b.mu.Unlock()

	select {
	case b.entered <- c:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// CreateEdge implements backend.Backend.
func (b *ScriptedBackend) CreateEdge(ctx context.Context, e ir.Edge) error {
	return b.do(ctx, Call{Op: backend.OpCreateEdge, ParentID: e.ParentID, NodeID: e.ChildID, Order: e.Order})
}

// MoveNode implements backend.Backend.
func (b *ScriptedBackend) MoveNode(ctx context.Context, nodeID, newParentID string, order float64) error {
	return b.do(ctx, Call{Op: backend.OpMoveNode, ParentID: newParentID, NodeID: nodeID, Order: order})
}

// DeleteEdge implements backend.Backend.
func (b *ScriptedBackend) DeleteEdge(ctx context.Context, parentID, childID string) error {
	return b.do(ctx, Call{Op: backend.OpDeleteEdge, ParentID: parentID, NodeID: childID})
}

// ReorderChildren implements backend.Backend.
func (b *ScriptedBackend) ReorderChildren(ctx context.Context, parentID string, edges []ir.Edge) error {
	return b.do(ctx, Call{Op: backend.OpReorderChildren, ParentID: parentID, Edges: slices.Clone(edges)})
}
