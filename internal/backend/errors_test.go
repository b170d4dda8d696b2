package backend

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/treesync/internal/hierarchy"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"nil", nil, ""},
		{"plain", errors.New("boom"), CategoryUnknown},
		{"deadline", context.DeadlineExceeded, CategoryTimeout},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), CategoryTimeout},
		{"typed", NewError(CategoryForeignKey, OpMoveNode, "parent gone", nil, "n"), CategoryForeignKey},
		{"wrapped typed", fmt.Errorf("x: %w", NewError(CategoryDatabaseLocked, OpCreateEdge, "", nil)), CategoryDatabaseLocked},
		{"invariant", &hierarchy.InvariantError{Code: hierarchy.CodeDuplicateParent}, CategoryInvariant},
		{"typed without category", &Error{Op: OpDeleteEdge}, CategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestCategoryRetryable(t *testing.T) {
	assert.True(t, CategoryTimeout.Retryable())
	assert.True(t, CategoryDatabaseLocked.Retryable())
	assert.False(t, CategoryForeignKey.Retryable())
	assert.False(t, CategoryInvariant.Retryable())
	assert.False(t, CategoryUnknown.Retryable())

	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.False(t, IsRetryable(errors.New("x")))
}

func TestPredicates(t *testing.T) {
	assert.True(t, IsTimeout(NewError(CategoryTimeout, "", "", nil)))
	assert.True(t, IsForeignKey(NewError(CategoryForeignKey, "", "", nil)))
	assert.True(t, IsDatabaseLocked(NewError(CategoryDatabaseLocked, "", "", nil)))
	assert.False(t, IsForeignKey(errors.New("x")))
}

func TestErrorMessage(t *testing.T) {
	cause := errors.New("FOREIGN KEY constraint failed")
	err := NewError(CategoryForeignKey, OpCreateEdge, "parent p missing", cause, "c")
	assert.Equal(t, "foreign-key-constraint (create_edge): parent p missing: FOREIGN KEY constraint failed", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "unknown", (&Error{Category: CategoryUnknown}).Error())
}
