package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/treesync/internal/backend"
)

func TestTranslateError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want backend.Category
	}{
		{"busy", sqlite3.Error{Code: sqlite3.ErrBusy}, backend.CategoryDatabaseLocked},
		{"locked", sqlite3.Error{Code: sqlite3.ErrLocked}, backend.CategoryDatabaseLocked},
		{"foreign key", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintForeignKey}, backend.CategoryForeignKey},
		{"not null", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintNotNull}, backend.CategoryForeignKey},
		{"primary key", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintPrimaryKey}, backend.CategoryInvariant},
		{"check", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintCheck}, backend.CategoryInvariant},
		{"wrapped", fmt.Errorf("insert: %w", sqlite3.Error{Code: sqlite3.ErrBusy}), backend.CategoryDatabaseLocked},
		{"deadline", context.DeadlineExceeded, backend.CategoryTimeout},
		{"other sqlite", sqlite3.Error{Code: sqlite3.ErrCorrupt}, backend.CategoryUnknown},
		{"plain", errors.New("x"), backend.CategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := translateError(backend.OpMoveNode, tt.err, "n")
			var be *backend.Error
			require.ErrorAs(t, err, &be)
			assert.Equal(t, tt.want, be.Category)
			assert.Equal(t, backend.OpMoveNode, be.Op)
			assert.Equal(t, []string{"n"}, be.NodeIDs)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestTranslateError_KeepsTypedErrors(t *testing.T) {
	orig := backend.NewError(backend.CategoryForeignKey, "", "gone", nil)
	err := translateError(backend.OpDeleteEdge, orig, "c", "p")
	assert.Same(t, orig, err)
	assert.Equal(t, backend.OpDeleteEdge, orig.Op)
	assert.Equal(t, []string{"c", "p"}, orig.NodeIDs)

	assert.NoError(t, translateError(backend.OpDeleteEdge, nil))
}
