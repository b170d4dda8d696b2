package store

import (
	"context"
	"errors"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/treesync/internal/backend"
)

// translateError maps err onto the backend failure taxonomy.
func translateError(op string, err error, nodeIDs ...string) error {
	if err == nil {
		return nil
	}

	var be *backend.Error
	if errors.As(err, &be) {
		if be.Op == "" {
			be.Op = op
		}
		if be.NodeIDs == nil {
			be.NodeIDs = nodeIDs
		}
		return be
	}

	category := backend.CategoryUnknown
	var se sqlite3.Error
	switch {
	case errors.As(err, &se):
		category = categoryOf(se)
	case errors.Is(err, context.DeadlineExceeded):
		category = backend.CategoryTimeout
	}
	return &backend.Error{
		Category: category,
		Op:       op,
		Message:  "sqlite",
		NodeIDs:  nodeIDs,
		Err:      err,
	}
}

func categoryOf(se sqlite3.Error) backend.Category {
	switch se.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return backend.CategoryDatabaseLocked
	case sqlite3.ErrConstraint:
		switch se.ExtendedCode {
		case sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintCheck:
			return backend.CategoryInvariant
		default:
			return backend.CategoryForeignKey
		}
	}
	return backend.CategoryUnknown
}
