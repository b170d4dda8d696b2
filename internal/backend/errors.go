package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/treesync/internal/hierarchy"
)

// Category is the failure taxonomy for structural operations.
type Category string

const (
	// CategoryTimeout: the backend did not answer in time.
	CategoryTimeout Category = "timeout"

	// CategoryForeignKey: a referenced parent or child no longer exists.
	CategoryForeignKey Category = "foreign-key-constraint"

	// CategoryDatabaseLocked: backend contention.
	CategoryDatabaseLocked Category = "database-locked"

	// CategoryInvariant: a structural inconsistency. Refused locally it is
	// only logged; reported by the backend it is published as not retryable.
	CategoryInvariant Category = "invariant-violation"

	// CategoryUnknown: anything else.
	CategoryUnknown Category = "unknown"
)

// Retryable reports whether re-issuing the same intent can succeed.
func (c Category) Retryable() bool {
	return c == CategoryTimeout || c == CategoryDatabaseLocked
}

// Error is a categorized backend failure.
type Error struct {
	// Category classifies the failure.
	Category Category

	// Op is the backend operation that failed (OpCreateEdge, ...).
	Op string

	// Message is a human-readable description.
	Message string

	// NodeIDs are the nodes the operation touched.
	NodeIDs []string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Category))
	if e.Op != "" {
		b.WriteString(" (")
		b.WriteString(e.Op)
		b.WriteString(")")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a categorized error.
func NewError(category Category, op, message string, err error, nodeIDs ...string) *Error {
	return &Error{Category: category, Op: op, Message: message, NodeIDs: nodeIDs, Err: err}
}

// Classify maps any error onto the failure taxonomy. A nil error has no
// category and returns "".
func Classify(err error) Category {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) && be.Category != "" {
		return be.Category
	}
	if hierarchy.IsInvariantViolation(err) {
		return CategoryInvariant
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	return CategoryUnknown
}

// IsRetryable reports whether err's category is retryable.
func IsRetryable(err error) bool {
	return Classify(err).Retryable()
}

// IsTimeout reports whether err classifies as CategoryTimeout.
func IsTimeout(err error) bool {
	return Classify(err) == CategoryTimeout
}

// IsForeignKey reports whether err classifies as CategoryForeignKey.
func IsForeignKey(err error) bool {
	return Classify(err) == CategoryForeignKey
}

// IsDatabaseLocked reports whether err classifies as CategoryDatabaseLocked.
func IsDatabaseLocked(err error) bool {
	return Classify(err) == CategoryDatabaseLocked
}
