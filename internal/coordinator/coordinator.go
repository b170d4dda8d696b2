package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/treesync/internal/backend"
	"github.com/roach88/treesync/internal/hierarchy"
	"github.com/roach88/treesync/internal/ir"
	"github.com/roach88/treesync/internal/metrics"
	"github.com/roach88/treesync/internal/order"
	"github.com/roach88/treesync/internal/pending"
)

// DefaultFailureBuffer is the capacity of the Failures channel.
const DefaultFailureBuffer = 64

// BackendOperation is the asynchronous half of a structural change.
type BackendOperation func(ctx context.Context) error

// DataSnapshotter captures state that lives outside the hierarchy (node
// content, selection, ...) so it can be rolled back together with it.
type DataSnapshotter interface {
	// SnapshotData captures the current state and returns a func that
	// restores it.
	SnapshotData() (restore func())
}

// Options describes one structural change.
type Options struct {
	// Description is a human-readable summary used in logs and failures.
	Description string

	// AffectedNodeIDs are the nodes whose pending work this change must
	// follow, and which a failure reports.
	AffectedNodeIDs []string

	// SnapshotData also captures the configured DataSnapshotter.
	SnapshotData bool

	// Op labels backend latency metrics. Defaults to "custom".
	Op string
}

// Change is one member of a batch.
type Change struct {
	Description     string
	AffectedNodeIDs []string
	Update          func() error
	Backend         BackendOperation
}

// Coordinator runs optimistic structural changes against a hierarchy store.
//
// Thread-safety: all methods are safe for concurrent use.
type Coordinator struct {
	store   *hierarchy.Store
	backend backend.Backend
	tracker *pending.Tracker

	logger    *slog.Logger
	ids       IDGenerator
	now       func() time.Time
	data      DataSnapshotter
	onFailure FailureHandler
	failures  chan Failure
	threshold float64

	// mu makes snapshot+update and restore atomic among coordinator calls.
	mu sync.Mutex
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTracker shares an existing pending-operation tracker.
func WithTracker(t *pending.Tracker) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.tracker = t
		}
	}
}

// WithIDGenerator overrides the UUIDv7 operation ids.
func WithIDGenerator(g IDGenerator) Option {
	return func(c *Coordinator) {
		if g != nil {
			c.ids = g
		}
	}
}

// WithClock overrides the time source stamped on failures.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithDataSnapshotter registers the external data snapshot used when
// Options.SnapshotData is set.
func WithDataSnapshotter(d DataSnapshotter) Option {
	return func(c *Coordinator) {
		c.data = d
	}
}

// WithFailureHandler registers a synchronous failure callback.
func WithFailureHandler(h FailureHandler) Option {
	return func(c *Coordinator) {
		c.onFailure = h
	}
}

// WithFailureBuffer sets the Failures channel capacity. Zero disables the
// channel.
func WithFailureBuffer(n int) Option {
	return func(c *Coordinator) {
		if n <= 0 {
			c.failures = nil
			return
		}
		c.failures = make(chan Failure, n)
	}
}

// WithRebalanceThreshold sets the gap below which an insertion rebalances
// the parent first. Non-positive values use order.MinGap.
func WithRebalanceThreshold(t float64) Option {
	return func(c *Coordinator) {
		if t > 0 {
			c.threshold = t
		}
	}
}

// New creates a coordinator for store, persisting intents through b.
func New(store *hierarchy.Store, b backend.Backend, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		backend:   b,
		logger:    slog.Default(),
		ids:       UUIDv7Generator{},
		now:       time.Now,
		failures:  make(chan Failure, DefaultFailureBuffer),
		threshold: order.MinGap,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tracker == nil {
		c.tracker = pending.NewTracker(c.logger)
	}
	return c
}

// Store returns the hierarchy store the coordinator mutates.
func (c *Coordinator) Store() *hierarchy.Store { return c.store }

// Tracker returns the pending-operation tracker.
func (c *Coordinator) Tracker() *pending.Tracker { return c.tracker }

// Failures delivers published failures. Nil when disabled.
func (c *Coordinator) Failures() <-chan Failure { return c.failures }

// Drain blocks until every backend call fired so far has settled.
func (c *Coordinator) Drain(ctx context.Context) error {
	return c.tracker.WaitForAll(ctx)
}

// ExecuteStructuralChange snapshots the store, applies update synchronously
// and fires op in the background.
//
// If update fails the snapshot is restored and its error returned; op is
// never called. If op fails the snapshot is restored and a Failure is
// published. Once fired, op runs to completion even if ctx is cancelled.
func (c *Coordinator) ExecuteStructuralChange(ctx context.Context, update func() error, op BackendOperation, opts Options) (*Operation, error) {
	o := c.newOperation(opts.Description, opts.AffectedNodeIDs)
	snap, restoreData, err := c.apply(o, opts.SnapshotData, update)
	if err != nil {
		return nil, err
	}

	label := opts.Op
	if label == "" {
		label = "custom"
	}
	o.handle = c.tracker.TrackAll(context.WithoutCancel(ctx), o.nodeIDs, func(ctx context.Context) error {
		start := time.Now()
		err := op(ctx)
		metrics.BackendDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
		if err != nil {
			c.rollback(o, snap, restoreData, err)
			return err
		}
		c.confirm(o)
		return nil
	})
	return o, nil
}

// ExecuteBatch applies every change's update in order against one shared
// snapshot, then fires all backend calls concurrently. Any failure, local or
// remote, rolls the whole batch back to the pre-batch state.
func (c *Coordinator) ExecuteBatch(ctx context.Context, changes []Change, opts Options) (*Operation, error) {
	ids := append([]string(nil), opts.AffectedNodeIDs...)
	for _, ch := range changes {
		ids = append(ids, ch.AffectedNodeIDs...)
	}
	desc := opts.Description
	if desc == "" {
		desc = fmt.Sprintf("batch of %d changes", len(changes))
	}
	o := c.newOperation(desc, ids)

	snap, restoreData, err := c.apply(o, opts.SnapshotData, func() error {
		for _, ch := range changes {
			if ch.Update == nil {
				continue
			}
			if err := ch.Update(); err != nil {
				if ch.Description != "" {
					return fmt.Errorf("%s: %w", ch.Description, err)
				}
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.handle = c.tracker.TrackAll(context.WithoutCancel(ctx), o.nodeIDs, func(ctx context.Context) error {
		start := time.Now()
		var g errgroup.Group
		for _, ch := range changes {
			if ch.Backend == nil {
				continue
			}
			g.Go(func() error {
				if err := ch.Backend(ctx); err != nil {
					if ch.Description != "" {
						return fmt.Errorf("%s: %w", ch.Description, err)
					}
					return err
				}
				return nil
			})
		}
		err := g.Wait()
		metrics.BackendDuration.WithLabelValues("batch").Observe(time.Since(start).Seconds())
		if err != nil {
			c.rollback(o, snap, restoreData, err)
			return err
		}
		c.confirm(o)
		return nil
	})
	return o, nil
}

// apply takes the snapshots and runs update, undoing it on error.
func (c *Coordinator) apply(o *Operation, withData bool, update func() error) (hierarchy.Snapshot, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := c.store.Snapshot()
	var restoreData func()
	if withData && c.data != nil {
		restoreData = c.data.SnapshotData()
	}

	if err := update(); err != nil {
		c.store.Restore(snap)
		if restoreData != nil {
			restoreData()
		}
		metrics.OptimisticOperations.WithLabelValues(metrics.OutcomeRejected).Inc()
		c.logger.Debug("optimistic update rejected",
			"operation", o.id,
			"description", o.description,
			"error", err,
		)
		return hierarchy.Snapshot{}, nil, err
	}

	metrics.OptimisticOperations.WithLabelValues(metrics.OutcomeApplied).Inc()
	c.logger.Debug("optimistic update applied",
		"operation", o.id,
		"description", o.description,
		"nodes", o.nodeIDs,
	)
	return snap, restoreData, nil
}

func (c *Coordinator) confirm(o *Operation) {
	metrics.OptimisticOperations.WithLabelValues(metrics.OutcomeConfirmed).Inc()
	c.logger.Debug("backend confirmed", "operation", o.id, "description", o.description)
}

// rollback restores the pre-change state, then publishes the failure.
func (c *Coordinator) rollback(o *Operation, snap hierarchy.Snapshot, restoreData func(), err error) {
	c.mu.Lock()
	c.store.Restore(snap)
	if restoreData != nil {
		restoreData()
	}
	c.mu.Unlock()

	category := backend.Classify(err)
	metrics.OptimisticOperations.WithLabelValues(metrics.OutcomeRolledBack).Inc()
	metrics.Rollbacks.WithLabelValues(string(category)).Inc()

	c.logger.Error("backend call failed, rolled back",
		"operation", o.id,
		"description", o.description,
		"category", category,
		"error", err,
	)
	c.emit(Failure{
		OperationID: o.id,
		Description: o.description,
		NodeIDs:     append([]string(nil), o.nodeIDs...),
		Category:    category,
		Retryable:   category.Retryable(),
		Err:         err,
		At:          c.now(),
	})
}

func (c *Coordinator) newOperation(description string, nodeIDs []string) *Operation {
	seen := make(map[string]bool, len(nodeIDs))
	ids := make([]string, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		id = ir.NormalizeID(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return &Operation{
		id:          c.ids.Generate(),
		description: description,
		nodeIDs:     ids,
	}
}
