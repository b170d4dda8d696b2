package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/treesync/internal/backend"
	"github.com/roach88/treesync/internal/ir"
	"github.com/roach88/treesync/internal/order"
)

var (
	// ErrUnknownNode is returned when an intent names a node that has no
	// parent in the store.
	ErrUnknownNode = errors.New("unknown node")

	// ErrUnknownSibling is returned when the "after" sibling is not a child
	// of the target parent.
	ErrUnknownSibling = errors.New("unknown sibling")

	// ErrNodeExists is returned by CreateNode for an already attached node.
	ErrNodeExists = errors.New("node already attached")

	// ErrCannotIndent is returned when the node has no previous sibling.
	ErrCannotIndent = errors.New("node has no previous sibling")

	// ErrCannotOutdent is returned when the node's parent is a root.
	ErrCannotOutdent = errors.New("node is already at the top level")
)

// CreateNode attaches nodeID under parentID right after the sibling after,
// or first when after is empty.
func (c *Coordinator) CreateNode(ctx context.Context, parentID, nodeID, after string) (*Operation, error) {
	parentID, nodeID, after = ir.NormalizeID(parentID), ir.NormalizeID(nodeID), ir.NormalizeID(after)
	if err := c.tracker.WaitForAll(ctx); err != nil {
		return nil, err
	}
	if c.store.Has(nodeID) {
		return nil, fmt.Errorf("create %s: %w", nodeID, ErrNodeExists)
	}

	var (
		ord        float64
		rebalanced []ir.Edge
	)
	update := func() error {
		var err error
		ord, rebalanced, err = c.place(parentID, after, nodeID)
		if err != nil {
			return err
		}
		return c.store.AddChild(parentID, nodeID, ord)
	}
	call := func(ctx context.Context) error {
		if err := c.reorder(ctx, parentID, rebalanced); err != nil {
			return err
		}
		return c.backend.CreateEdge(ctx, ir.Edge{ParentID: parentID, ChildID: nodeID, Order: ord})
	}
	return c.ExecuteStructuralChange(ctx, update, call, Options{
		Description:     fmt.Sprintf("create %s under %s", nodeID, parentID),
		AffectedNodeIDs: []string{nodeID, parentID},
		SnapshotData:    true,
		Op:              backend.OpCreateEdge,
	})
}

// MoveNode reparents nodeID under newParentID right after the sibling after,
// or first when after is empty. Moving within the same parent reorders.
func (c *Coordinator) MoveNode(ctx context.Context, nodeID, newParentID, after string) (*Operation, error) {
	nodeID, newParentID, after = ir.NormalizeID(nodeID), ir.NormalizeID(newParentID), ir.NormalizeID(after)
	if err := c.tracker.WaitForAll(ctx); err != nil {
		return nil, err
	}
	oldParentID, ok := c.store.GetParent(nodeID)
	if !ok {
		return nil, fmt.Errorf("move %s: %w", nodeID, ErrUnknownNode)
	}
	return c.move(ctx, nodeID, oldParentID, newParentID, after,
		fmt.Sprintf("move %s under %s", nodeID, newParentID))
}

// Indent makes nodeID the last child of its previous sibling.
func (c *Coordinator) Indent(ctx context.Context, nodeID string) (*Operation, error) {
	nodeID = ir.NormalizeID(nodeID)
	if err := c.tracker.WaitForAll(ctx); err != nil {
		return nil, err
	}
	parentID, ok := c.store.GetParent(nodeID)
	if !ok {
		return nil, fmt.Errorf("indent %s: %w", nodeID, ErrUnknownNode)
	}
	siblings := c.store.GetChildren(parentID)
	idx := indexOf(siblings, nodeID)
	if idx <= 0 {
		return nil, fmt.Errorf("indent %s: %w", nodeID, ErrCannotIndent)
	}
	newParentID := siblings[idx-1]

	after := ""
	if kids := c.store.GetChildren(newParentID); len(kids) > 0 {
		after = kids[len(kids)-1]
	}
	return c.move(ctx, nodeID, parentID, newParentID, after,
		fmt.Sprintf("indent %s under %s", nodeID, newParentID))
}

// Outdent makes nodeID the sibling that directly follows its parent.
func (c *Coordinator) Outdent(ctx context.Context, nodeID string) (*Operation, error) {
	nodeID = ir.NormalizeID(nodeID)
	if err := c.tracker.WaitForAll(ctx); err != nil {
		return nil, err
	}
	parentID, ok := c.store.GetParent(nodeID)
	if !ok {
		return nil, fmt.Errorf("outdent %s: %w", nodeID, ErrUnknownNode)
	}
	grandparentID, ok := c.store.GetParent(parentID)
	if !ok {
		return nil, fmt.Errorf("outdent %s: %w", nodeID, ErrCannotOutdent)
	}
	return c.move(ctx, nodeID, parentID, grandparentID, parentID,
		fmt.Sprintf("outdent %s under %s", nodeID, grandparentID))
}

// DeleteNode detaches nodeID and drops its whole subtree.
func (c *Coordinator) DeleteNode(ctx context.Context, nodeID string) (*Operation, error) {
	nodeID = ir.NormalizeID(nodeID)
	if err := c.tracker.WaitForAll(ctx); err != nil {
		return nil, err
	}
	parentID, ok := c.store.GetParent(nodeID)
	if !ok {
		return nil, fmt.Errorf("delete %s: %w", nodeID, ErrUnknownNode)
	}

	update := func() error {
		c.store.RemoveSubtree(nodeID)
		return nil
	}
	call := func(ctx context.Context) error {
		return c.backend.DeleteEdge(ctx, parentID, nodeID)
	}
	return c.ExecuteStructuralChange(ctx, update, call, Options{
		Description:     fmt.Sprintf("delete %s", nodeID),
		AffectedNodeIDs: []string{nodeID, parentID},
		SnapshotData:    true,
		Op:              backend.OpDeleteEdge,
	})
}

func (c *Coordinator) move(ctx context.Context, nodeID, oldParentID, newParentID, after, description string) (*Operation, error) {
	var (
		ord        float64
		rebalanced []ir.Edge
	)
	update := func() error {
		var err error
		ord, rebalanced, err = c.place(newParentID, after, nodeID)
		if err != nil {
			return err
		}
		c.store.RemoveChild(oldParentID, nodeID)
		return c.store.AddChild(newParentID, nodeID, ord)
	}
	call := func(ctx context.Context) error {
		if err := c.reorder(ctx, newParentID, rebalanced); err != nil {
			return err
		}
		return c.backend.MoveNode(ctx, nodeID, newParentID, ord)
	}
	return c.ExecuteStructuralChange(ctx, update, call, Options{
		Description:     description,
		AffectedNodeIDs: []string{nodeID, oldParentID, newParentID},
		Op:              backend.OpMoveNode,
	})
}

// place computes the key for self right after the sibling after under
// parentID, rebalancing parentID first when the gap would be too small. It
// returns the rewritten edges if a rebalance happened.
func (c *Coordinator) place(parentID, after, self string) (float64, []ir.Edge, error) {
	ord, tight, err := c.placement(parentID, after, self)
	if err != nil || !tight {
		return ord, nil, err
	}
	rebalanced := c.store.RebalanceChildren(parentID)
	c.logger.Debug("rebalanced before insert", "parent", parentID, "count", len(rebalanced))
	ord, _, err = c.placement(parentID, after, self)
	return ord, rebalanced, err
}

func (c *Coordinator) placement(parentID, after, self string) (float64, bool, error) {
	var siblings []ir.Child
	for _, ch := range c.store.ChildEntries(parentID) {
		if ch.ID != self {
			siblings = append(siblings, ch)
		}
	}

	var prev, next *float64
	if after == "" {
		if len(siblings) > 0 {
			next = &siblings[0].Order
		}
	} else {
		idx := -1
		for i, ch := range siblings {
			if ch.ID == after {
				idx = i
				break
			}
		}
		if idx < 0 {
			return 0, false, fmt.Errorf("%w: %q is not a child of %q", ErrUnknownSibling, after, parentID)
		}
		prev = &siblings[idx].Order
		if idx+1 < len(siblings) {
			next = &siblings[idx+1].Order
		}
	}

	ord := order.Calculate(prev, next)
	keys := make([]float64, 0, 3)
	if prev != nil {
		keys = append(keys, *prev)
	}
	keys = append(keys, ord)
	if next != nil {
		keys = append(keys, *next)
	}
	return ord, order.NeedsRebalancingWithin(keys, c.threshold), nil
}

func (c *Coordinator) reorder(ctx context.Context, parentID string, edges []ir.Edge) error {
	if len(edges) == 0 {
		return nil
	}
	return c.backend.ReorderChildren(ctx, parentID, edges)
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
