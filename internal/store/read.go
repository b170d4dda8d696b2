package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/treesync/internal/ir"
)

// Edges returns every persisted edge ordered by parent, order, child.
// Returns an empty slice (not nil) for an empty hierarchy.
func (s *Store) Edges(ctx context.Context) ([]ir.Edge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT parent_id, child_id, ord FROM edges
		ORDER BY parent_id COLLATE BINARY ASC, ord ASC, child_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

// Children returns parentID's children in sibling order.
func (s *Store) Children(ctx context.Context, parentID string) ([]ir.Child, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT child_id, ord FROM edges
		WHERE parent_id = ?
		ORDER BY ord ASC, child_id COLLATE BINARY ASC
	`, ir.NormalizeID(parentID))
	if err != nil {
		return nil, fmt.Errorf("query children: %w", err)
	}
	defer rows.Close()

	children := []ir.Child{}
	for rows.Next() {
		var c ir.Child
		if err := rows.Scan(&c.ID, &c.Order); err != nil {
			return nil, fmt.Errorf("scan child: %w", err)
		}
		children = append(children, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate children: %w", err)
	}
	return children, nil
}

// Parent returns the persisted parent of childID.
func (s *Store) Parent(ctx context.Context, childID string) (string, bool, error) {
	var parentID string
	err := s.db.QueryRowContext(ctx,
		`SELECT parent_id FROM edges WHERE child_id = ?`, ir.NormalizeID(childID),
	).Scan(&parentID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read parent: %w", err)
	}
	return parentID, true, nil
}

// Node returns the content of node id and whether the node exists.
func (s *Store) Node(ctx context.Context, id string) (json.RawMessage, bool, error) {
	var content sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM nodes WHERE id = ?`, ir.NormalizeID(id),
	).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read node: %w", err)
	}
	if !content.Valid {
		return nil, true, nil
	}
	return json.RawMessage(content.String), true, nil
}

// ChangesSince returns change-log entries with seq > after in seq order.
// A non-positive limit returns everything.
func (s *Store) ChangesSince(ctx context.Context, after int64, limit int) ([]ir.Notification, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, type, action, payload FROM changes
		WHERE seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	changes := []ir.Notification{}
	for rows.Next() {
		var (
			n       ir.Notification
			typ     string
			action  string
			payload string
		)
		if err := rows.Scan(&n.Seq, &typ, &action, &payload); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		n.Type = ir.EntityType(typ)
		n.Action = ir.Action(action)
		n.Payload = json.RawMessage(payload)
		changes = append(changes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return changes, nil
}

// LastSeq returns the highest change-log seq, or 0 for an empty log.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM changes`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("read last seq: %w", err)
	}
	return seq, nil
}

func scanEdges(rows *sql.Rows) ([]ir.Edge, error) {
	edges := []ir.Edge{}
	for rows.Next() {
		var e ir.Edge
		if err := rows.Scan(&e.ParentID, &e.ChildID, &e.Order); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate edges: %w", err)
	}
	return edges, nil
}
