package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EntityType distinguishes node notifications from edge notifications.
type EntityType string

const (
	// EntityNode carries node content changes.
	EntityNode EntityType = "node"
	// EntityEdge carries hierarchy relationship changes.
	EntityEdge EntityType = "edge"
)

// Action is the kind of change a notification describes.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionCreated, ActionUpdated, ActionDeleted:
		return true
	}
	return false
}

// Notification is one typed change notification from the backend.
//
// Seq is optional; producers with a change log fill it so consumers can
// resume. Delivery is at-least-once with no ordering across distinct ids.
type Notification struct {
	Type    EntityType      `json:"type"`
	Action  Action          `json:"action"`
	Payload json.RawMessage `json:"payload"`
	Seq     int64           `json:"seq,omitempty"`
}

// Kind renders the notification as "type:action" (e.g. "edge:created").
func (n Notification) Kind() string {
	return string(n.Type) + ":" + string(n.Action)
}

// Validate checks the envelope fields. Payload contents are checked by the
// typed accessors.
func (n Notification) Validate() error {
	switch n.Type {
	case EntityNode, EntityEdge:
	default:
		return fmt.Errorf("notification: unknown type %q", n.Type)
	}
	if !n.Action.Valid() {
		return fmt.Errorf("notification: unknown action %q", n.Action)
	}
	if len(bytes.TrimSpace(n.Payload)) == 0 {
		return fmt.Errorf("notification %s: payload required", n.Kind())
	}
	return nil
}

// edgePayload distinguishes a missing order from an explicit 0.
type edgePayload struct {
	ParentID string   `json:"parentId"`
	ChildID  string   `json:"childId"`
	Order    *float64 `json:"order"`
}

// Edge decodes an edge payload. Deleted edges only need the two ids;
// created and updated edges must carry an order.
func (n Notification) Edge() (Edge, error) {
	if n.Type != EntityEdge {
		return Edge{}, fmt.Errorf("notification %s: not an edge", n.Kind())
	}
	var p edgePayload
	if err := json.Unmarshal(n.Payload, &p); err != nil {
		return Edge{}, fmt.Errorf("notification %s: decode payload: %w", n.Kind(), err)
	}
	if p.Order == nil && n.Action != ActionDeleted {
		return Edge{}, fmt.Errorf("notification %s: order required", n.Kind())
	}
	e := Edge{ParentID: p.ParentID, ChildID: p.ChildID}
	if p.Order != nil {
		e.Order = *p.Order
	}
	e = e.Normalized()
	if err := e.Validate(); err != nil {
		return Edge{}, fmt.Errorf("notification %s: %w", n.Kind(), err)
	}
	return e, nil
}

// NodePayload is the part of a node notification the hierarchy cares about.
// Content stays opaque and is forwarded untouched.
type NodePayload struct {
	ID      string          `json:"id"`
	Content json.RawMessage `json:"content,omitempty"`
}

// Node decodes a node payload.
func (n Notification) Node() (NodePayload, error) {
	if n.Type != EntityNode {
		return NodePayload{}, fmt.Errorf("notification %s: not a node", n.Kind())
	}
	var p NodePayload
	if err := json.Unmarshal(n.Payload, &p); err != nil {
		return NodePayload{}, fmt.Errorf("notification %s: decode payload: %w", n.Kind(), err)
	}
	p.ID = NormalizeID(p.ID)
	if p.ID == "" {
		return NodePayload{}, fmt.Errorf("notification %s: node id required", n.Kind())
	}
	return p, nil
}

// NewEdgeNotification builds an edge notification for e.
func NewEdgeNotification(action Action, e Edge) Notification {
	payload, _ := json.Marshal(e) // Edge always marshals
	return Notification{Type: EntityEdge, Action: action, Payload: payload}
}

// NewNodeNotification builds a node notification for id with opaque content.
func NewNodeNotification(action Action, id string, content json.RawMessage) Notification {
	payload, _ := json.Marshal(NodePayload{ID: id, Content: content})
	return Notification{Type: EntityNode, Action: action, Payload: payload}
}
