package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// createTestStore opens a fresh database in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedTree persists root -> {a, b}, a -> a1.
func seedTree(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	_, err := s.EnsureNode(ctx, "root", nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateEdge(ctx, edge("root", "a", 1)))
	require.NoError(t, s.CreateEdge(ctx, edge("root", "b", 2)))
	require.NoError(t, s.CreateEdge(ctx, edge("a", "a1", 1)))
}
