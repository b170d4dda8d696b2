package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/treesync/internal/backend"
	"github.com/roach88/treesync/internal/hierarchy"
	"github.com/roach88/treesync/internal/testutil"
)

type fixture struct {
	c     *Coordinator
	store *hierarchy.Store
	be    *testutil.ScriptedBackend
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	store := hierarchy.New(hierarchy.WithLogger(logger))
	be := testutil.NewScriptedBackend()
	clock := testutil.NewDeterministicClock()

	base := []Option{
		WithLogger(logger),
		WithIDGenerator(testutil.NewSequenceGenerator("op")),
		WithClock(clock.Now),
	}
	c := New(store, be, append(base, opts...)...)

	// root
	// ├── a
	// │   └── a1
	// ├── b
	// └── c
	require.NoError(t, store.AddChild("root", "a", 1))
	require.NoError(t, store.AddChild("root", "b", 2))
	require.NoError(t, store.AddChild("root", "c", 3))
	require.NoError(t, store.AddChild("a", "a1", 1))
	return fixture{c: c, store: store, be: be}
}

func (f fixture) fingerprint(t *testing.T) string {
	t.Helper()
	fp, err := f.store.Fingerprint()
	require.NoError(t, err)
	return fp
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func nextFailure(t *testing.T, c *Coordinator) Failure {
	t.Helper()
	select {
	case f := <-c.Failures():
		return f
	case <-time.After(time.Second):
		t.Fatal("no failure published")
		return Failure{}
	}
}

func TestExecuteStructuralChange_BackendFailureRestoresExactState(t *testing.T) {
	f := newFixture(t)
	ctx := waitCtx(t)
	before := f.fingerprint(t)

	f.be.FailNext(backend.OpMoveNode, backend.NewError(backend.CategoryForeignKey, backend.OpMoveNode, "parent missing", nil))

	op, err := f.c.MoveNode(ctx, "c", "a", "a1")
	require.NoError(t, err)
	assert.Equal(t, "op-1", op.ID())
	assert.Equal(t, "move c under a", op.Description())
	assert.Equal(t, []string{"c", "root", "a"}, op.NodeIDs())

	err = op.Wait(ctx)
	require.Error(t, err)
	assert.True(t, backend.IsForeignKey(err))
	assert.Equal(t, err, op.Err())

	assert.Equal(t, before, f.fingerprint(t))
	parent, ok := f.store.GetParent("c")
	require.True(t, ok)
	assert.Equal(t, "root", parent)

	failure := nextFailure(t, f.c)
	assert.Equal(t, "op-1", failure.OperationID)
	assert.Equal(t, "move c under a", failure.Description)
	assert.Equal(t, []string{"c", "root", "a"}, failure.NodeIDs)
	assert.Equal(t, backend.CategoryForeignKey, failure.Category)
	assert.False(t, failure.Retryable)
	assert.Equal(t, testutil.Epoch.Add(time.Millisecond), failure.At)
}

func TestExecuteStructuralChange_OptimisticStateVisibleWhileInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := waitCtx(t)
	release := f.be.Hold()
	defer release()

	op, err := f.c.MoveNode(ctx, "c", "a", "a1")
	require.NoError(t, err)

	assert.Equal(t, []string{"a1", "c"}, f.store.GetChildren("a"))
	assert.Equal(t, []string{"a", "b"}, f.store.GetChildren("root"))
	assert.True(t, f.c.Tracker().IsPending("c"))
	select {
	case <-op.Done():
		t.Fatal("operation settled while backend held")
	default:
	}

	release()
	require.NoError(t, op.Wait(ctx))
	assert.Equal(t, []string{"a1", "c"}, f.store.GetChildren("a"))
	assert.Empty(t, f.c.Failures())
	assert.False(t, f.c.Tracker().IsPending("c"))
}

func TestExecuteStructuralChange_LocalFailureSkipsBackend(t *testing.T) {
	f := newFixture(t)
	ctx := waitCtx(t)
	before := f.fingerprint(t)
	invalid := errors.New("invalid intent")
	var called atomic.Bool

	op, err := f.c.ExecuteStructuralChange(ctx,
		func() error {
			f.store.RemoveChild("root", "a")
			return invalid
		},
		func(context.Context) error {
			called.Store(true)
			return nil
		},
		Options{Description: "broken", AffectedNodeIDs: []string{"a"}},
	)
	require.ErrorIs(t, err, invalid)
	assert.Nil(t, op)

	require.NoError(t, f.c.Drain(ctx))
	assert.False(t, called.Load())
	assert.Equal(t, before, f.fingerprint(t))
	assert.Empty(t, f.c.Failures())
}

func TestExecuteStructuralChange_FiredCallSurvivesCallerCancel(t *testing.T) {
	f := newFixture(t)
	release := f.be.Hold()

	ctx, cancel := context.WithCancel(context.Background())
	op, err := f.c.MoveNode(ctx, "b", "a", "")
	require.NoError(t, err)
	cancel()
	release()

	require.NoError(t, op.Wait(waitCtx(t)))
	assert.Equal(t, []string{"b", "a1"}, f.store.GetChildren("a"))
}

func TestMoveNode_CycleRejectedLocally(t *testing.T) {
	f := newFixture(t)
	ctx := waitCtx(t)
	before := f.fingerprint(t)

	_, err := f.c.MoveNode(ctx, "a", "a1", "")
	require.Error(t, err)
	assert.Equal(t, hierarchy.CodeCycle, hierarchy.ViolationCodeOf(err))
	assert.Equal(t, before, f.fingerprint(t))
	assert.Zero(t, f.be.CallCount())
}

func TestExecuteBatch_SecondFailureRollsBackBoth(t *testing.T) {
	f := newFixture(t)
	ctx := waitCtx(t)
	before := f.fingerprint(t)

	f.be.FailWhen(func(c testutil.Call) error {
		if c.NodeID == "c" {
			return backend.NewError(backend.CategoryDatabaseLocked, c.Op, "busy", nil, c.NodeID)
		}
		return nil
	})

	op, err := f.c.ExecuteBatch(ctx, []Change{
		{
			Description:     "move b under a",
			AffectedNodeIDs: []string{"b", "root", "a"},
			Update: func() error {
				f.store.RemoveChild("root", "b")
				return f.store.AddChild("a", "b", 2)
			},
			Backend: func(ctx context.Context) error { return f.be.MoveNode(ctx, "b", "a", 2) },
		},
		{
			Description:     "move c under a",
			AffectedNodeIDs: []string{"c", "root", "a"},
			Update: func() error {
				f.store.RemoveChild("root", "c")
				return f.store.AddChild("a", "c", 3)
			},
			Backend: func(ctx context.Context) error { return f.be.MoveNode(ctx, "c", "a", 3) },
		},
	}, Options{Description: "group under a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "b", "c"}, f.store.GetChildren("a"))

	err = op.Wait(ctx)
	require.Error(t, err)
	assert.True(t, backend.IsDatabaseLocked(err))
	assert.Contains(t, err.Error(), "move c under a")

	assert.Equal(t, before, f.fingerprint(t))
	assert.Equal(t, 2, f.be.CallCount())

	failure := nextFailure(t, f.c)
	assert.Equal(t, "group under a", failure.Description)
	assert.True(t, failure.Retryable)
	assert.ElementsMatch(t, []string{"b", "root", "a", "c"}, failure.NodeIDs)
}

func TestExecuteBatch_LocalFailureUndoesEarlierUpdates(t *testing.T) {
	f := newFixture(t)
	ctx := waitCtx(t)
	before := f.fingerprint(t)

	_, err := f.c.ExecuteBatch(ctx, []Change{
		{
			Update: func() error {
				f.store.RemoveChild("root", "b")
				return f.store.AddChild("a", "b", 2)
			},
			Backend: func(ctx context.Context) error { return f.be.MoveNode(ctx, "b", "a", 2) },
		},
		{
			Description: "attach c twice",
			Update:      func() error { return f.store.AddChild("a", "c", 3) },
			Backend:     func(ctx context.Context) error { return f.be.MoveNode(ctx, "c", "a", 3) },
		},
	}, Options{})
	require.Error(t, err)
	assert.Equal(t, hierarchy.CodeDuplicateParent, hierarchy.ViolationCodeOf(err))
	assert.Contains(t, err.Error(), "attach c twice")

	require.NoError(t, f.c.Drain(ctx))
	assert.Equal(t, before, f.fingerprint(t))
	assert.Zero(t, f.be.CallCount())
}

func TestExecuteBatch_Success(t *testing.T) {
	f := newFixture(t)
	ctx := waitCtx(t)

	op, err := f.c.ExecuteBatch(ctx, []Change{
		{
			Update: func() error {
				f.store.RemoveChild("root", "b")
				return f.store.AddChild("a", "b", 2)
			},
			Backend: func(ctx context.Context) error { return f.be.MoveNode(ctx, "b", "a", 2) },
		},
		{
			Update: func() error {
				f.store.RemoveChild("root", "c")
				return f.store.AddChild("a", "c", 3)
			},
			Backend: func(ctx context.Context) error { return f.be.MoveNode(ctx, "c", "a", 3) },
		},
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "batch of 2 changes", op.Description())

	require.NoError(t, op.Wait(ctx))
	assert.Equal(t, []string{"a1", "b", "c"}, f.store.GetChildren("a"))
	assert.Equal(t, []string{"a"}, f.store.GetChildren("root"))
	assert.Equal(t, 2, f.be.CallCount())
}

func TestRollback_BackendRefusalIsPublished(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []Failure
	)
	f := newFixture(t, WithFailureHandler(func(fl Failure) {
		mu.Lock()
		seen = append(seen, fl)
		mu.Unlock()
	}))
	ctx := waitCtx(t)
	before := f.fingerprint(t)

	f.be.FailNext(backend.OpMoveNode, backend.NewError(backend.CategoryInvariant, backend.OpMoveNode, "c already belongs to b", nil))

	op, err := f.c.MoveNode(ctx, "c", "a", "")
	require.NoError(t, err)
	require.Error(t, op.Wait(ctx))

	assert.Equal(t, before, f.fingerprint(t))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, op.ID(), seen[0].OperationID)
	assert.Equal(t, backend.CategoryInvariant, seen[0].Category)
	assert.False(t, seen[0].Retryable)
	assert.Contains(t, seen[0].NodeIDs, "c")
}

func TestFailures_HandlerAndNonBlockingChannel(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	f := newFixture(t,
		WithFailureBuffer(1),
		WithFailureHandler(func(fl Failure) {
			mu.Lock()
			seen = append(seen, fl.OperationID)
			mu.Unlock()
		}),
	)
	ctx := waitCtx(t)
	f.be.FailWhen(func(testutil.Call) error { return context.DeadlineExceeded })

	for _, id := range []string{"b", "c"} {
		op, err := f.c.MoveNode(ctx, id, "a", "")
		require.NoError(t, err)
		require.Error(t, op.Wait(ctx))
	}

	mu.Lock()
	assert.Equal(t, []string{"op-1", "op-2"}, seen)
	mu.Unlock()
	assert.Len(t, f.c.Failures(), 1)
	failure := nextFailure(t, f.c)
	assert.Equal(t, backend.CategoryTimeout, failure.Category)
	assert.True(t, failure.Retryable)
}

func TestFailures_ChannelDisabled(t *testing.T) {
	f := newFixture(t, WithFailureBuffer(0))
	ctx := waitCtx(t)
	f.be.FailNext(backend.OpDeleteEdge, errors.New("boom"))

	op, err := f.c.DeleteNode(ctx, "b")
	require.NoError(t, err)
	require.Error(t, op.Wait(ctx))
	assert.Nil(t, f.c.Failures())
	assert.Equal(t, []string{"a", "b", "c"}, f.store.GetChildren("root"))
}

type fakeData struct {
	mu    sync.Mutex
	value string
}

func (d *fakeData) set(v string) {
	d.mu.Lock()
	d.value = v
	d.mu.Unlock()
}

func (d *fakeData) get() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.value
}

func (d *fakeData) SnapshotData() func() {
	saved := d.get()
	return func() { d.set(saved) }
}

func TestDataSnapshotter_RestoredWithHierarchy(t *testing.T) {
	data := &fakeData{value: "before"}
	f := newFixture(t, WithDataSnapshotter(data))
	ctx := waitCtx(t)

	op, err := f.c.ExecuteStructuralChange(ctx,
		func() error {
			data.set("after")
			return f.store.AddChild("c", "c1", 1)
		},
		func(context.Context) error { return errors.New("rejected") },
		Options{Description: "add c1", AffectedNodeIDs: []string{"c1"}, SnapshotData: true},
	)
	require.NoError(t, err)
	assert.Equal(t, "after", data.get())

	require.Error(t, op.Wait(ctx))
	assert.Equal(t, "before", data.get())
	assert.False(t, f.store.Has("c1"))
	assert.Equal(t, backend.CategoryUnknown, nextFailure(t, f.c).Category)
}

func TestDataSnapshotter_SkippedUnlessRequested(t *testing.T) {
	data := &fakeData{value: "before"}
	f := newFixture(t, WithDataSnapshotter(data))
	ctx := waitCtx(t)

	op, err := f.c.ExecuteStructuralChange(ctx,
		func() error {
			data.set("after")
			return nil
		},
		func(context.Context) error { return errors.New("rejected") },
		Options{AffectedNodeIDs: []string{"x"}},
	)
	require.NoError(t, err)
	require.Error(t, op.Wait(ctx))
	assert.Equal(t, "after", data.get())
}

func TestUUIDv7Generator(t *testing.T) {
	id := UUIDv7Generator{}.Generate()
	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
	assert.NotEqual(t, id, UUIDv7Generator{}.Generate())
}
