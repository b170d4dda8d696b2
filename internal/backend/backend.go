// Package backend defines the authoritative backend surface the coordinator
// persists structural intents through, and the failure taxonomy every
// backend error is classified into.
package backend

import (
	"context"
	"time"

	"github.com/roach88/treesync/internal/ir"
)

// Backend persists structural intents. Every call may fail; failures should
// be *Error values or errors Classify can categorize.
type Backend interface {
	// CreateEdge attaches e.ChildID under e.ParentID at e.Order.
	CreateEdge(ctx context.Context, e ir.Edge) error

	// MoveNode reparents (or reorders) nodeID under newParentID.
	MoveNode(ctx context.Context, nodeID, newParentID string, order float64) error

	// DeleteEdge removes the parentID -> childID relationship and everything
	// below childID.
	DeleteEdge(ctx context.Context, parentID, childID string) error

	// ReorderChildren rewrites the keys of parentID's children.
	ReorderChildren(ctx context.Context, parentID string, edges []ir.Edge) error
}

// WithTimeout bounds every call to b by d. Exceeding it surfaces as a
// CategoryTimeout failure.
func WithTimeout(b Backend, d time.Duration) Backend {
	if d <= 0 {
		return b
	}
	return &timeoutBackend{next: b, timeout: d}
}

type timeoutBackend struct {
	next    Backend
	timeout time.Duration
}

func (t *timeoutBackend) call(ctx context.Context, op string, ids []string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- fn(ctx) }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return &Error{
			Category: CategoryTimeout,
			Op:       op,
			Message:  "backend did not answer within " + t.timeout.String(),
			NodeIDs:  ids,
			Err:      ctx.Err(),
		}
	}
}

func (t *timeoutBackend) CreateEdge(ctx context.Context, e ir.Edge) error {
	return t.call(ctx, OpCreateEdge, []string{e.ChildID}, func(ctx context.Context) error {
		return t.next.CreateEdge(ctx, e)
	})
}

func (t *timeoutBackend) MoveNode(ctx context.Context, nodeID, newParentID string, order float64) error {
	return t.call(ctx, OpMoveNode, []string{nodeID}, func(ctx context.Context) error {
		return t.next.MoveNode(ctx, nodeID, newParentID, order)
	})
}

func (t *timeoutBackend) DeleteEdge(ctx context.Context, parentID, childID string) error {
	return t.call(ctx, OpDeleteEdge, []string{childID}, func(ctx context.Context) error {
		return t.next.DeleteEdge(ctx, parentID, childID)
	})
}

func (t *timeoutBackend) ReorderChildren(ctx context.Context, parentID string, edges []ir.Edge) error {
	return t.call(ctx, OpReorderChildren, []string{parentID}, func(ctx context.Context) error {
		return t.next.ReorderChildren(ctx, parentID, edges)
	})
}

// Operation names used in errors and metrics.
const (
	OpCreateEdge      = "create_edge"
	OpMoveNode        = "move_node"
	OpDeleteEdge      = "delete_edge"
	OpReorderChildren = "reorder_children"
)
