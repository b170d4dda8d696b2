package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/roach88/treesync/internal/ir"
)

// Defaults for NewPoller.
const (
	DefaultPollInterval = 250 * time.Millisecond
	DefaultBatchSize    = 500
)

// ChangeLog is a seq-ordered log of committed notifications.
type ChangeLog interface {
	ChangesSince(ctx context.Context, after int64, limit int) ([]ir.Notification, error)
}

// Poller reads a ChangeLog on an interval and emits new entries in seq
// order. It remembers the last seq it emitted.
type Poller struct {
	log      ChangeLog
	interval time.Duration
	batch    int
	logger   *slog.Logger
	last     atomic.Int64
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithInterval sets how often the log is read.
func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithBatchSize caps how many entries one read returns.
func WithBatchSize(n int) PollerOption {
	return func(p *Poller) {
		if n > 0 {
			p.batch = n
		}
	}
}

// WithStartAfter skips every entry up to and including seq.
func WithStartAfter(seq int64) PollerOption {
	return func(p *Poller) {
		p.last.Store(seq)
	}
}

// WithPollerLogger sets the logger.
func WithPollerLogger(l *slog.Logger) PollerOption {
	return func(p *Poller) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPoller creates a poller over log.
func NewPoller(log ChangeLog, opts ...PollerOption) *Poller {
	p := &Poller{
		log:      log,
		interval: DefaultPollInterval,
		batch:    DefaultBatchSize,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Last returns the seq of the last emitted entry.
func (p *Poller) Last() int64 {
	return p.last.Load()
}

// Poll reads everything after Last, page by page, and advances Last.
func (p *Poller) Poll(ctx context.Context) ([]ir.Notification, error) {
	var out []ir.Notification
	for {
		page, err := p.log.ChangesSince(ctx, p.last.Load(), p.batch)
		if err != nil {
			return out, fmt.Errorf("poll change log: %w", err)
		}
		for _, n := range page {
			if n.Seq > p.last.Load() {
				p.last.Store(n.Seq)
			}
		}
		out = append(out, page...)
		if len(page) < p.batch {
			return out, nil
		}
	}
}

// Run polls until ctx is done, sending every entry to out. Read errors are
// logged and retried on the next tick.
func (p *Poller) Run(ctx context.Context, out chan<- ir.Notification) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		batch, err := p.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.Warn("change log poll failed", "after", p.Last(), "error", err)
		}
		for _, n := range batch {
			select {
			case out <- n:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
