package cli

import (
	"context"
	"log/slog"

	"github.com/roach88/treesync/internal/hierarchy"
	"github.com/roach88/treesync/internal/store"
)

// loadTree opens the database at path and loads its edges into a fresh
// hierarchy store. The caller closes the returned database.
func loadTree(ctx context.Context, path string, logger *slog.Logger) (*hierarchy.Store, *store.Store, error) {
	db, err := store.Open(path, store.WithLogger(logger))
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	edges, err := db.Edges(ctx)
	if err != nil {
		db.Close()
		return nil, nil, WrapExitError(ExitCommandError, "failed to load hierarchy", err)
	}
	tree := hierarchy.New(hierarchy.WithLogger(logger))
	if refused := tree.Load(edges); refused > 0 {
		logger.Warn("edges refused while loading", "count", refused)
	}
	return tree, db, nil
}
