package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/treesync/internal/ir"
	"github.com/roach88/treesync/internal/store"
)

// executeCommand runs the root command with args and returns stdout.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return executeCommandContext(t, context.Background(), args...)
}

func executeCommandContext(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	stdout := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), err
}

// seedDatabase persists root -> {a @1, b @2}, a -> a1 @1 and returns the
// database path.
func seedDatabase(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tree.db")
	db, err := store.Open(path)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	_, err = db.EnsureNode(ctx, "root", nil)
	require.NoError(t, err)
	for _, e := range []ir.Edge{
		{ParentID: "root", ChildID: "a", Order: 1},
		{ParentID: "root", ChildID: "b", Order: 2},
		{ParentID: "a", ChildID: "a1", Order: 1},
	} {
		require.NoError(t, db.CreateEdge(ctx, e))
	}
	return path
}

// parentIn reads childID's persisted parent.
func parentIn(t *testing.T, path, childID string) (string, bool) {
	t.Helper()
	db, err := store.Open(path)
	require.NoError(t, err)
	defer db.Close()

	parent, ok, err := db.Parent(context.Background(), childID)
	require.NoError(t, err)
	return parent, ok
}

const seededTree = "root\n" +
	"  a @1\n" +
	"    a1 @1\n" +
	"  b @2\n"
