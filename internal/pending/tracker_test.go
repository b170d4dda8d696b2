package pending

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker() *Tracker {
	return NewTracker(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// recorder collects operation start/finish marks in order.
type recorder struct {
	mu    sync.Mutex
	marks []string
}

func (r *recorder) mark(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.marks = append(r.marks, s)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.marks...)
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for operation to settle")
	}
}

func TestTrack_SameNodeRunsInSubmissionOrder(t *testing.T) {
	tr := newTestTracker()
	rec := &recorder{}
	release := make(chan struct{})
	ctx := context.Background()

	first := tr.Track(ctx, "n", func(context.Context) error {
		rec.mark("first:start")
		<-release
		rec.mark("first:end")
		return nil
	})
	second := tr.Track(ctx, "n", func(context.Context) error {
		rec.mark("second:start")
		return nil
	})

	time.Sleep(20 * time.Millisecond)
	assert.NotContains(t, rec.get(), "second:start", "second must wait for first")

	close(release)
	waitClosed(t, second.Done())
	assert.Equal(t, []string{"first:start", "first:end", "second:start"}, rec.get())
	require.NoError(t, first.Err())
}

func TestTrack_DifferentNodesInterleave(t *testing.T) {
	tr := newTestTracker()
	release := make(chan struct{})
	ctx := context.Background()

	blocked := tr.Track(ctx, "a", func(context.Context) error {
		<-release
		return nil
	})
	free := tr.Track(ctx, "b", func(context.Context) error { return nil })

	waitClosed(t, free.Done())
	select {
	case <-blocked.Done():
		t.Fatal("operation on a should still be running")
	default:
	}
	close(release)
	waitClosed(t, blocked.Done())
}

func TestTrack_FailureDoesNotBlockSuccessor(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()
	boom := errors.New("boom")

	failed := tr.Track(ctx, "n", func(context.Context) error { return boom })
	next := tr.Track(ctx, "n", func(context.Context) error { return nil })

	waitClosed(t, next.Done())
	assert.NoError(t, next.Err())
	assert.ErrorIs(t, failed.Wait(ctx), boom, "failure stays observable to the original waiter")
}

func TestTrack_RegistryCleansUp(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()
	release := make(chan struct{})

	h := tr.Track(ctx, "n", func(context.Context) error {
		<-release
		return nil
	})
	assert.True(t, tr.IsPending("n"))
	assert.Equal(t, 1, tr.Len())

	close(release)
	waitClosed(t, h.Done())
	assert.False(t, tr.IsPending("n"))
	assert.Equal(t, 0, tr.Len())
}

func TestTrack_SupersededEntryKeepsLatest(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()
	releaseSecond := make(chan struct{})

	first := tr.Track(ctx, "n", func(context.Context) error { return nil })
	second := tr.Track(ctx, "n", func(context.Context) error {
		<-releaseSecond
		return nil
	})

	waitClosed(t, first.Done())
	assert.True(t, tr.IsPending("n"), "settling first must not drop second's entry")

	close(releaseSecond)
	waitClosed(t, second.Done())
	assert.False(t, tr.IsPending("n"))
}

func TestTrackAll_WaitsOnEveryNode(t *testing.T) {
	tr := newTestTracker()
	rec := &recorder{}
	ctx := context.Background()
	releaseA := make(chan struct{})
	releaseB := make(chan struct{})

	tr.Track(ctx, "a", func(context.Context) error { <-releaseA; rec.mark("a"); return nil })
	tr.Track(ctx, "b", func(context.Context) error { <-releaseB; rec.mark("b"); return nil })
	both := tr.TrackAll(ctx, []string{"a", "b", "a", ""}, func(context.Context) error {
		rec.mark("both")
		return nil
	})
	assert.Equal(t, []string{"a", "b"}, both.NodeIDs())

	close(releaseB)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"b"}, rec.get())

	close(releaseA)
	waitClosed(t, both.Done())
	assert.Equal(t, []string{"b", "a", "both"}, rec.get())
}

func TestWaitForAll(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()
	release := make(chan struct{})
	var finished sync.WaitGroup
	finished.Add(3)

	for _, id := range []string{"a", "b", "c"} {
		tr.Track(ctx, id, func(context.Context) error {
			defer finished.Done()
			<-release
			return errors.New("ignored by WaitForAll")
		})
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- tr.WaitForAll(ctx) }()

	select {
	case <-waitErr:
		t.Fatal("WaitForAll returned before operations settled")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-waitErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForAll did not return")
	}
	assert.Equal(t, 0, tr.Len())
}

func TestWaitForAll_ContextCancel(t *testing.T) {
	tr := newTestTracker()
	release := make(chan struct{})
	defer close(release)
	tr.Track(context.Background(), "a", func(context.Context) error { <-release; return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tr.WaitForAll(ctx), context.DeadlineExceeded)
}

func TestWait_SingleNode(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()
	assert.NoError(t, tr.Wait(ctx, "idle"))

	release := make(chan struct{})
	h := tr.Track(ctx, "n", func(context.Context) error { <-release; return errors.New("x") })
	close(release)
	assert.NoError(t, tr.Wait(ctx, "n"), "Wait reports settlement, not the error")
	waitClosed(t, h.Done())
	assert.Error(t, h.Err())
}

func TestHandle_ErrBeforeDone(t *testing.T) {
	tr := newTestTracker()
	release := make(chan struct{})
	h := tr.Track(context.Background(), "n", func(context.Context) error { <-release; return errors.New("later") })
	assert.NoError(t, h.Err())
	close(release)
	waitClosed(t, h.Done())
	assert.EqualError(t, h.Err(), "later")
}
