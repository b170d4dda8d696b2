package hierarchy

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/treesync/internal/ir"
	"github.com/roach88/treesync/internal/order"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return New(opts...)
}

// requireConsistent checks that both indexes are exact inverses and every
// child list is sorted.
func requireConsistent(t *testing.T, s *Store) {
	t.Helper()
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for p, list := range s.children {
		require.NotEmpty(t, list, "parent %q kept with empty child list", p)
		for i, c := range list {
			count++
			require.Equal(t, p, s.parentOf[c.ID], "reverse index for %q", c.ID)
			if i > 0 {
				require.True(t, less(list[i-1], c), "parent %q unsorted at %d", p, i)
			}
		}
	}
	require.Equal(t, count, len(s.parentOf), "reverse index size")
}

func TestAddChild_KeepsChildrenSorted(t *testing.T) {
	s := newTestStore(t)
	keys := []float64{5, 1, 3, 2, 4, 0.5, 4.5}
	for i, k := range keys {
		require.NoError(t, s.AddChild("p", fmt.Sprintf("c%d", i), k))
		requireConsistent(t, s)
	}
	entries := s.ChildEntries("p")
	for i := 1; i < len(entries); i++ {
		assert.Less(t, entries[i-1].Order, entries[i].Order)
	}
	assert.Equal(t, []string{"c5", "c1", "c3", "c2", "c4", "c6", "c0"}, s.GetChildren("p"))
}

func TestAddChild_MidpointScenario(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AddChild("p", "c", order.Calculate(nil, nil)))

	prev, next := 1.0, 2.0
	require.NoError(t, s.AddChild("p", "c2", order.Calculate(&prev, &next)))

	assert.Equal(t, []string{"c", "c2"}, s.GetChildren("p"))
	assert.Equal(t, []ir.Child{{ID: "c", Order: 1.0}, {ID: "c2", Order: 1.5}}, s.ChildEntries("p"))
}

func TestAddChild_DuplicateParentKeepsFirst(t *testing.T) {
	var seen []*InvariantError
	s := newTestStore(t, WithDiagnosticHandler(func(e *InvariantError) { seen = append(seen, e) }))

	require.NoError(t, s.AddChild("p1", "x", 1.0))
	err := s.AddChild("p2", "x", 1.0)
	require.Error(t, err)
	assert.True(t, IsInvariantViolation(err))
	assert.Equal(t, CodeDuplicateParent, ViolationCodeOf(err))

	parent, ok := s.GetParent("x")
	require.True(t, ok)
	assert.Equal(t, "p1", parent)
	assert.Empty(t, s.GetChildren("p2"))

	require.Len(t, seen, 1)
	assert.Equal(t, "p1", seen[0].ExistingParent)
	assert.Len(t, s.Diagnostics(), 1)
	requireConsistent(t, s)
}

func TestAddChild_EqualKeyIsKeptAndDiagnosed(t *testing.T) {
	var seen []*InvariantError
	s := newTestStore(t, WithDiagnosticHandler(func(e *InvariantError) { seen = append(seen, e) }))

	require.NoError(t, s.AddChild("p", "b", 1))
	require.NoError(t, s.AddChild("p", "c", 2))
	assert.False(t, s.NeedsRebalancing("p"))

	require.NoError(t, s.AddChild("p", "a", 1))
	assert.Equal(t, []string{"a", "b", "c"}, s.GetChildren("p"))
	assert.True(t, s.NeedsRebalancing("p"))

	require.Len(t, seen, 1)
	assert.Equal(t, CodeDuplicateOrder, seen[0].Code)
	assert.Equal(t, "a", seen[0].Child)
	assert.Equal(t, "b", seen[0].Sibling)
	require.Len(t, s.Diagnostics(), 1)

	// Moving onto a sibling's key through an order update is diagnosed too.
	require.NoError(t, s.UpdateChildOrder(ir.Edge{ParentID: "p", ChildID: "c", Order: 1}))
	assert.Equal(t, []string{"a", "b", "c"}, s.GetChildren("p"))
	assert.Len(t, s.Diagnostics(), 2)
	requireConsistent(t, s)
}

func TestAddChild_SameParentNewOrderResorts(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AddChild("p", "a", 1))
	require.NoError(t, s.AddChild("p", "b", 2))
	require.NoError(t, s.AddChild("p", "c", 3))

	v := s.Version()
	require.NoError(t, s.AddChild("p", "a", 2.5))
	assert.Equal(t, []string{"b", "a", "c"}, s.GetChildren("p"))
	assert.Greater(t, s.Version(), v)
	requireConsistent(t, s)
}

func TestAddChild_RedeliveryIsNoop(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AddChild("p", "a", 1))
	v := s.Version()
	require.NoError(t, s.AddChild("p", "a", 1))
	assert.Equal(t, v, s.Version())
	assert.Equal(t, []string{"a"}, s.GetChildren("p"))
}

func TestAddChild_EqualKeysTieBreakByID(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AddChild("p", "b", 1))
	require.NoError(t, s.AddChild("p", "a", 1))
	assert.Equal(t, []string{"a", "b"}, s.GetChildren("p"))
	assert.True(t, s.NeedsRebalancing("p"))
}

func TestAddChild_RejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	tests := []struct {
		name   string
		parent string
		child  string
		order  float64
		code   ViolationCode
	}{
		{"empty parent", "", "c", 1, CodeInvalidEdge},
		{"empty child", "p", " ", 1, CodeInvalidEdge},
		{"self parent", "n", "n", 1, CodeInvalidEdge},
		{"nan order", "p", "c", math.NaN(), CodeInvalidOrder},
		{"inf order", "p", "c", math.Inf(1), CodeInvalidOrder},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.AddChild(tt.parent, tt.child, tt.order)
			assert.Equal(t, tt.code, ViolationCodeOf(err))
		})
	}
	assert.Equal(t, 0, s.Len())
}

func TestAddChild_RejectsCycle(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AddChild("root", "a", 1))
	require.NoError(t, s.AddChild("a", "b", 1))
	require.NoError(t, s.AddChild("b", "c", 1))

	err := s.AddChild("c", "root", 1)
	assert.Equal(t, CodeCycle, ViolationCodeOf(err))
	_, ok := s.GetParent("root")
	assert.False(t, ok)
	requireConsistent(t, s)
}

func TestAddChild_NormalizesIDs(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AddChild(" p ", "café", 1))
	assert.Equal(t, []string{"café"}, s.GetChildren("p"))
	assert.True(t, s.Has("café"))
}

func TestRemoveChild(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AddChild("p", "a", 1))
	require.NoError(t, s.AddChild("p", "b", 2))

	s.RemoveChild("p", "a")
	assert.Equal(t, []string{"b"}, s.GetChildren("p"))
	assert.False(t, s.Has("a"))

	// Idempotent, and a mismatched parent is ignored.
	s.RemoveChild("p", "a")
	s.RemoveChild("other", "b")
	assert.Equal(t, []string{"b"}, s.GetChildren("p"))

	s.RemoveChild("p", "b")
	assert.Nil(t, s.GetChildren("p"))
	assert.Empty(t, s.Roots(), "empty parent entry must be deleted")
	requireConsistent(t, s)
}

func TestUpdateChildOrder(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AddChild("p", "a", 1))
	require.NoError(t, s.AddChild("p", "b", 2))

	require.NoError(t, s.UpdateChildOrder(ir.Edge{ParentID: "p", ChildID: "a", Order: 3}))
	assert.Equal(t, []string{"b", "a"}, s.GetChildren("p"))

	// Naming a different parent moves nothing: the remove is a no-op and
	// the add is refused.
	err := s.UpdateChildOrder(ir.Edge{ParentID: "q", ChildID: "a", Order: 1})
	assert.Equal(t, CodeDuplicateParent, ViolationCodeOf(err))
	parent, _ := s.GetParent("a")
	assert.Equal(t, "p", parent)
	requireConsistent(t, s)
}

func TestRebalanceChildren(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AddChild("p", "a", 1))
	require.NoError(t, s.AddChild("p", "b", 1.00001))
	require.NoError(t, s.AddChild("p", "c", 1.00002))
	require.True(t, s.NeedsRebalancing("p"))

	edges := s.RebalanceChildren("p")
	require.Len(t, edges, 3)
	assert.Equal(t, []ir.Child{{ID: "a", Order: 1}, {ID: "b", Order: 2}, {ID: "c", Order: 3}}, s.ChildEntries("p"))
	assert.False(t, s.NeedsRebalancing("p"))
	assert.Nil(t, s.RebalanceChildren("missing"))
}

// Inserting right after the first child with no rebalancing halves the gap
// each time; the store flag must flip exactly when it drops below MinGap.
func TestNeedsRebalancing_FlipsWhenGapCrossesThreshold(t *testing.T) {
	tests := []struct {
		name       string
		prev, next float64
		inserts    int
		wantFinal  bool
	}{
		{"narrow neighbors five inserts", 1.0, 1.0001, 5, true},
		{"unit gap twenty inserts", 1.0, 2.0, 20, true},
		{"unit gap three inserts", 1.0, 2.0, 3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			require.NoError(t, s.AddChild("p", "c1", tt.prev))
			require.NoError(t, s.AddChild("p", "c2", tt.next))
			assert.Equal(t, smallestGap(s.ChildEntries("p")) < order.MinGap, s.NeedsRebalancing("p"), "before inserts")

			for i := 0; i < tt.inserts; i++ {
				entries := s.ChildEntries("p")
				prev, next := entries[0].Order, entries[1].Order
				mid := order.Calculate(&prev, &next)
				require.Greater(t, mid, prev)
				require.Less(t, mid, next)
				require.NoError(t, s.AddChild("p", fmt.Sprintf("c3-%d", i), mid))
				assert.Equal(t, smallestGap(s.ChildEntries("p")) < order.MinGap, s.NeedsRebalancing("p"), "insert %d", i)
			}

			assert.Len(t, s.GetChildren("p"), tt.inserts+2)
			assert.Equal(t, tt.wantFinal, s.NeedsRebalancing("p"))
			requireConsistent(t, s)
		})
	}
}

func smallestGap(entries []ir.Child) float64 {
	gap := math.Inf(1)
	for i := 1; i < len(entries); i++ {
		gap = math.Min(gap, entries[i].Order-entries[i-1].Order)
	}
	return gap
}

func TestDiagnostics_Bounded(t *testing.T) {
	s := newTestStore(t, WithDiagnosticHistory(2))
	require.NoError(t, s.AddChild("p", "x", 1))
	for _, p := range []string{"q1", "q2", "q3"} {
		require.Error(t, s.AddChild(p, "x", 1))
	}
	got := s.Diagnostics()
	require.Len(t, got, 2)
	assert.Equal(t, "q2", got[0].Parent)
	assert.Equal(t, "q3", got[1].Parent)
}

func TestEdgesAndLoad(t *testing.T) {
	s := newTestStore(t)
	applied := s.Load([]ir.Edge{
		{ParentID: "b", ChildID: "b1", Order: 1},
		{ParentID: "a", ChildID: "a2", Order: 2},
		{ParentID: "a", ChildID: "a1", Order: 1},
		{ParentID: "z", ChildID: "a1", Order: 1},
	})
	assert.Equal(t, 3, applied)
	assert.Equal(t, []ir.Edge{
		{ParentID: "a", ChildID: "a1", Order: 1},
		{ParentID: "a", ChildID: "a2", Order: 2},
		{ParentID: "b", ChildID: "b1", Order: 1},
	}, s.Edges())

	s.Clear()
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.Edges())
}

func TestStore_ConcurrentWriters(t *testing.T) {
	s := newTestStore(t)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				child := fmt.Sprintf("n%d", i)
				// Writers race for the same children under different parents.
				_ = s.AddChild(fmt.Sprintf("p%d", w%3), child, float64(i))
				if i%7 == 0 {
					s.RemoveChild(fmt.Sprintf("p%d", w%3), child)
				}
				_ = s.GetChildren("p0")
			}
		}(w)
	}
	wg.Wait()
	requireConsistent(t, s)
}

func TestSnapshot_Timestamp(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := newTestStore(t, WithClock(func() time.Time { return at }))
	assert.Equal(t, at, s.Snapshot().TakenAt())
}
