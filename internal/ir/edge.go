package ir

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeID trims surrounding whitespace and applies NFC normalization.
func NormalizeID(id string) string {
	return norm.NFC.String(strings.TrimSpace(id))
}

// Edge records that ChildID is an ordered child of ParentID.
type Edge struct {
	ParentID string  `json:"parentId"`
	ChildID  string  `json:"childId"`
	Order    float64 `json:"order"`
}

// Normalized returns a copy with both ids normalized.
func (e Edge) Normalized() Edge {
	e.ParentID = NormalizeID(e.ParentID)
	e.ChildID = NormalizeID(e.ChildID)
	return e
}

// Validate checks that both ids are present and distinct.
func (e Edge) Validate() error {
	if e.ParentID == "" {
		return fmt.Errorf("edge: parent id required")
	}
	if e.ChildID == "" {
		return fmt.Errorf("edge: child id required")
	}
	if e.ParentID == e.ChildID {
		return fmt.Errorf("edge: node %q cannot be its own parent", e.ChildID)
	}
	return nil
}

// String renders the edge for logs.
func (e Edge) String() string {
	return fmt.Sprintf("%s -> %s @%g", e.ParentID, e.ChildID, e.Order)
}

// Child is one entry of a parent's ordered child list.
type Child struct {
	ID    string  `json:"id"`
	Order float64 `json:"order"`
}
