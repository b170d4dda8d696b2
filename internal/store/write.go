package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/treesync/internal/backend"
	"github.com/roach88/treesync/internal/ir"
	"github.com/roach88/treesync/internal/metrics"
)

// Operation names for node writes; edge writes use the backend.Op* names.
const (
	OpEnsureNode = "ensure_node"
	OpUpdateNode = "update_node"
)

var _ backend.Backend = (*Store)(nil)

// EnsureNode inserts node id if it does not exist yet and reports whether it
// did. Existing content is left untouched.
func (s *Store) EnsureNode(ctx context.Context, id string, content json.RawMessage) (bool, error) {
	id = ir.NormalizeID(id)
	if id == "" {
		return false, s.fail(OpEnsureNode, backend.NewError(backend.CategoryInvariant, OpEnsureNode, "node id required", nil), nil)
	}
	if err := validContent(content); err != nil {
		return false, s.fail(OpEnsureNode, err, []string{id})
	}

	var created bool
	err := s.write(ctx, OpEnsureNode, []string{id}, func(tx *sql.Tx) error {
		var err error
		created, err = insertNode(ctx, tx, id, content)
		return err
	})
	return created, err
}

// UpdateNode replaces the opaque content of an existing node.
func (s *Store) UpdateNode(ctx context.Context, id string, content json.RawMessage) error {
	id = ir.NormalizeID(id)
	if err := validContent(content); err != nil {
		return s.fail(OpUpdateNode, err, []string{id})
	}
	return s.write(ctx, OpUpdateNode, []string{id}, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE nodes SET content = ? WHERE id = ?`, nullContent(content), id)
		if err != nil {
			return fmt.Errorf("update node: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return backend.NewError(backend.CategoryForeignKey, OpUpdateNode, fmt.Sprintf("node %q does not exist", id), nil)
		}
		return appendChange(ctx, tx, ir.NewNodeNotification(ir.ActionUpdated, id, content))
	})
}

// CreateEdge attaches e.ChildID under e.ParentID. The child node is created
// on demand; the parent must already exist. Re-creating an existing edge
// updates its order. A child that already has a different parent is refused.
func (s *Store) CreateEdge(ctx context.Context, e ir.Edge) error {
	e = e.Normalized()
	ids := []string{e.ChildID, e.ParentID}
	if err := e.Validate(); err != nil {
		return s.fail(backend.OpCreateEdge, backend.NewError(backend.CategoryInvariant, backend.OpCreateEdge, err.Error(), nil), ids)
	}

	return s.write(ctx, backend.OpCreateEdge, ids, func(tx *sql.Tx) error {
		if _, err := insertNode(ctx, tx, e.ChildID, nil); err != nil {
			return err
		}

		existing, _, found, err := parentOf(ctx, tx, e.ChildID)
		if err != nil {
			return err
		}
		switch {
		case !found:
			cycle, err := inSubtree(ctx, tx, e.ChildID, e.ParentID)
			if err != nil {
				return err
			}
			if cycle {
				return backend.NewError(backend.CategoryInvariant, backend.OpCreateEdge,
					fmt.Sprintf("%q is inside the subtree of %q", e.ParentID, e.ChildID), nil)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO edges (child_id, parent_id, ord) VALUES (?, ?, ?)`,
				e.ChildID, e.ParentID, e.Order,
			); err != nil {
				return fmt.Errorf("insert edge: %w", err)
			}
			return appendChange(ctx, tx, ir.NewEdgeNotification(ir.ActionCreated, e))

		case existing != e.ParentID:
			return backend.NewError(backend.CategoryInvariant, backend.OpCreateEdge,
				fmt.Sprintf("%q already belongs to %q", e.ChildID, existing), nil)

		default:
			if _, err := tx.ExecContext(ctx,
				`UPDATE edges SET ord = ? WHERE child_id = ?`, e.Order, e.ChildID,
			); err != nil {
				return fmt.Errorf("update edge: %w", err)
			}
			return appendChange(ctx, tx, ir.NewEdgeNotification(ir.ActionUpdated, e))
		}
	})
}

// MoveNode reparents nodeID under newParentID at order. Moving within the
// same parent only rewrites the order.
func (s *Store) MoveNode(ctx context.Context, nodeID, newParentID string, order float64) error {
	nodeID, newParentID = ir.NormalizeID(nodeID), ir.NormalizeID(newParentID)
	ids := []string{nodeID, newParentID}

	return s.write(ctx, backend.OpMoveNode, ids, func(tx *sql.Tx) error {
		oldParentID, oldOrder, found, err := parentOf(ctx, tx, nodeID)
		if err != nil {
			return err
		}
		if !found {
			return backend.NewError(backend.CategoryForeignKey, backend.OpMoveNode,
				fmt.Sprintf("node %q has no parent edge", nodeID), nil)
		}

		if oldParentID == newParentID {
			if _, err := tx.ExecContext(ctx, `UPDATE edges SET ord = ? WHERE child_id = ?`, order, nodeID); err != nil {
				return fmt.Errorf("reorder node: %w", err)
			}
			return appendChange(ctx, tx, ir.NewEdgeNotification(ir.ActionUpdated,
				ir.Edge{ParentID: newParentID, ChildID: nodeID, Order: order}))
		}

		cycle, err := inSubtree(ctx, tx, nodeID, newParentID)
		if err != nil {
			return err
		}
		if cycle {
			return backend.NewError(backend.CategoryInvariant, backend.OpMoveNode,
				fmt.Sprintf("%q is inside the subtree of %q", newParentID, nodeID), nil)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE edges SET parent_id = ?, ord = ? WHERE child_id = ?`,
			newParentID, order, nodeID,
		); err != nil {
			return fmt.Errorf("move node: %w", err)
		}
		if err := appendChange(ctx, tx, ir.NewEdgeNotification(ir.ActionDeleted,
			ir.Edge{ParentID: oldParentID, ChildID: nodeID, Order: oldOrder})); err != nil {
			return err
		}
		return appendChange(ctx, tx, ir.NewEdgeNotification(ir.ActionCreated,
			ir.Edge{ParentID: newParentID, ChildID: nodeID, Order: order}))
	})
}

// DeleteEdge removes parentID -> childID and every edge below childID.
// Node rows are kept; their content belongs to the node collaborator.
func (s *Store) DeleteEdge(ctx context.Context, parentID, childID string) error {
	parentID, childID = ir.NormalizeID(parentID), ir.NormalizeID(childID)
	ids := []string{childID, parentID}

	return s.write(ctx, backend.OpDeleteEdge, ids, func(tx *sql.Tx) error {
		existing, _, found, err := parentOf(ctx, tx, childID)
		if err != nil {
			return err
		}
		if !found || existing != parentID {
			return backend.NewError(backend.CategoryForeignKey, backend.OpDeleteEdge,
				fmt.Sprintf("edge %q -> %q does not exist", parentID, childID), nil)
		}

		edges, err := subtreeEdges(ctx, tx, childID)
		if err != nil {
			return err
		}
		for _, e := range edges {
			if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE child_id = ?`, e.ChildID); err != nil {
				return fmt.Errorf("delete edge: %w", err)
			}
			if err := appendChange(ctx, tx, ir.NewEdgeNotification(ir.ActionDeleted, e)); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReorderChildren rewrites the orders of parentID's children. Every edge
// must currently exist under parentID.
func (s *Store) ReorderChildren(ctx context.Context, parentID string, edges []ir.Edge) error {
	parentID = ir.NormalizeID(parentID)
	return s.write(ctx, backend.OpReorderChildren, []string{parentID}, func(tx *sql.Tx) error {
		for _, e := range edges {
			e = e.Normalized()
			if e.ParentID == "" {
				e.ParentID = parentID
			}
			res, err := tx.ExecContext(ctx,
				`UPDATE edges SET ord = ? WHERE child_id = ? AND parent_id = ?`,
				e.Order, e.ChildID, parentID,
			)
			if err != nil {
				return fmt.Errorf("reorder child: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return backend.NewError(backend.CategoryForeignKey, backend.OpReorderChildren,
					fmt.Sprintf("edge %q -> %q does not exist", parentID, e.ChildID), nil)
			}
			if err := appendChange(ctx, tx, ir.NewEdgeNotification(ir.ActionUpdated, e)); err != nil {
				return err
			}
		}
		return nil
	})
}

// write runs fn in a transaction and translates any failure.
func (s *Store) write(ctx context.Context, op string, ids []string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.fail(op, fmt.Errorf("begin: %w", err), ids)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return s.fail(op, err, ids)
	}
	if err := tx.Commit(); err != nil {
		return s.fail(op, fmt.Errorf("commit: %w", err), ids)
	}
	metrics.StoreWrites.WithLabelValues(op, "ok").Inc()
	return nil
}

func (s *Store) fail(op string, err error, ids []string) error {
	err = translateError(op, err, ids...)
	metrics.StoreWrites.WithLabelValues(op, string(backend.Classify(err))).Inc()
	s.logger.Debug("backend write failed", "op", op, "nodes", ids, "error", err)
	return err
}

func insertNode(ctx context.Context, tx *sql.Tx, id string, content json.RawMessage) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO nodes (id, content) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`,
		id, nullContent(content),
	)
	if err != nil {
		return false, fmt.Errorf("insert node: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	return true, appendChange(ctx, tx, ir.NewNodeNotification(ir.ActionCreated, id, content))
}

func parentOf(ctx context.Context, tx *sql.Tx, childID string) (string, float64, bool, error) {
	var (
		parentID string
		ord      float64
	)
	err := tx.QueryRowContext(ctx,
		`SELECT parent_id, ord FROM edges WHERE child_id = ?`, childID,
	).Scan(&parentID, &ord)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, fmt.Errorf("read parent: %w", err)
	}
	return parentID, ord, true, nil
}

// inSubtree reports whether candidate is root or one of its descendants.
func inSubtree(ctx context.Context, tx *sql.Tx, root, candidate string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `
		WITH RECURSIVE sub(id) AS (
			SELECT ?
			UNION
			SELECT e.child_id FROM edges e JOIN sub ON e.parent_id = sub.id
		)
		SELECT 1 FROM sub WHERE id = ? LIMIT 1
	`, root, candidate).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check subtree: %w", err)
	}
	return true, nil
}

// subtreeEdges returns childID's own edge followed by every edge below it,
// shallowest first.
func subtreeEdges(ctx context.Context, tx *sql.Tx, childID string) ([]ir.Edge, error) {
	rows, err := tx.QueryContext(ctx, `
		WITH RECURSIVE sub(child_id, parent_id, ord, depth) AS (
			SELECT child_id, parent_id, ord, 0 FROM edges WHERE child_id = ?
			UNION ALL
			SELECT e.child_id, e.parent_id, e.ord, sub.depth + 1
			FROM edges e JOIN sub ON e.parent_id = sub.child_id
		)
		SELECT parent_id, child_id, ord FROM sub
		ORDER BY depth ASC, parent_id COLLATE BINARY ASC, ord ASC, child_id COLLATE BINARY ASC
	`, childID)
	if err != nil {
		return nil, fmt.Errorf("query subtree: %w", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

func appendChange(ctx context.Context, tx *sql.Tx, n ir.Notification) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO changes (type, action, payload) VALUES (?, ?, ?)`,
		string(n.Type), string(n.Action), string(n.Payload),
	)
	if err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	return nil
}

func validContent(content json.RawMessage) error {
	if len(content) > 0 && !json.Valid(content) {
		return backend.NewError(backend.CategoryUnknown, "", "node content is not valid JSON", nil)
	}
	return nil
}

func nullContent(content json.RawMessage) sql.NullString {
	if len(content) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(content), Valid: true}
}
