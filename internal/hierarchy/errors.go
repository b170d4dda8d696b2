package hierarchy

import (
	"errors"
	"fmt"
)

// ViolationCode categorizes refused mutations.
type ViolationCode string

const (
	// CodeDuplicateParent: the child already has a different parent (I1).
	CodeDuplicateParent ViolationCode = "duplicate-parent"

	// CodeCycle: the edge would make a node its own ancestor (I2).
	CodeCycle ViolationCode = "cycle"

	// CodeInvalidEdge: an id is empty or parent equals child.
	CodeInvalidEdge ViolationCode = "invalid-edge"

	// CodeInvalidOrder: the sort key is NaN or infinite.
	CodeInvalidOrder ViolationCode = "invalid-order"

	// CodeDuplicateOrder: a sibling already holds the same key. The edge is
	// kept, ordered by id, and the parent reports NeedsRebalancing.
	CodeDuplicateOrder ViolationCode = "duplicate-order"
)

// InvariantError describes a mutation the store refused.
type InvariantError struct {
	Code ViolationCode

	// Parent and Child identify the refused edge.
	Parent string
	Child  string
	Order  float64

	// ExistingParent is the parent that was kept (duplicate-parent only).
	ExistingParent string

	// Sibling holds the same key as Child (duplicate-order only).
	Sibling string
}

// Error implements the error interface.
func (e *InvariantError) Error() string {
	switch e.Code {
	case CodeDuplicateParent:
		return fmt.Sprintf("%s: %q already belongs to %q, refusing parent %q", e.Code, e.Child, e.ExistingParent, e.Parent)
	case CodeDuplicateOrder:
		return fmt.Sprintf("%s: %q and %q share key %g under %q", e.Code, e.Child, e.Sibling, e.Order, e.Parent)
	case CodeCycle:
		return fmt.Sprintf("%s: %q is an ancestor of %q", e.Code, e.Child, e.Parent)
	default:
		return fmt.Sprintf("%s: %q -> %q @%g", e.Code, e.Parent, e.Child, e.Order)
	}
}

// IsInvariantViolation reports whether err is (or wraps) an *InvariantError.
func IsInvariantViolation(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}

// ViolationCodeOf returns the code of a wrapped *InvariantError, or "".
func ViolationCodeOf(err error) ViolationCode {
	var ie *InvariantError
	if errors.As(err, &ie) {
		return ie.Code
	}
	return ""
}
