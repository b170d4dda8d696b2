package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/treesync/internal/bridge"
	"github.com/roach88/treesync/internal/feed"
	"github.com/roach88/treesync/internal/hierarchy"
	"github.com/roach88/treesync/internal/ir"
	"github.com/roach88/treesync/internal/store"
)

// feedBuffer is the capacity of the channel between the feeds and the bridge.
const feedBuffer = 64

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database    string
	SpoolDir    string
	MetricsAddr string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Mirror a backend database into a live hierarchy",
		Long: `Load the hierarchy persisted in a SQLite backend, then keep it in
sync by polling the backend change log and watching an optional spool
directory for JSONL notification files. Every notification goes through the
event bridge.

On Ctrl-C the final tree is printed.

Examples:
  treesync run --db ./tree.db
  treesync run --db ./tree.db --spool ./inbox --metrics-addr :9090
  treesync run --config ./treesync.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMirror(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.Flags().StringVar(&opts.SpoolDir, "spool", "", "directory watched for *.jsonl notification files (overrides config)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	return cmd
}

func runMirror(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	if opts.SpoolDir != "" {
		cfg.SpoolDir = opts.SpoolDir
	}
	logger := opts.newLogger(cmd.ErrOrStderr(), cfg)
	out := opts.formatter(cmd)

	logger.Info("opening database", "path", cfg.Database)
	db, err := store.Open(cfg.Database, store.WithLogger(logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	// The cursor is read before the snapshot so nothing committed in between
	// is missed; the overlap is redelivered and applies idempotently.
	last, err := db.LastSeq(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read change log", err)
	}
	edges, err := db.Edges(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load hierarchy", err)
	}

	tree := hierarchy.New(hierarchy.WithLogger(logger))
	if refused := tree.Load(edges); refused > 0 {
		logger.Warn("edges refused while loading", "count", refused)
	}
	logger.Info("hierarchy loaded", "edges", len(edges), "last_seq", last)

	br := bridge.New(tree,
		bridge.WithLogger(logger),
		bridge.WithClock(bridge.NewClockAt(last)),
		bridge.WithDetachOnNodeDelete(cfg.DetachOnNodeDelete),
	)
	poller := feed.NewPoller(db,
		feed.WithInterval(cfg.PollInterval.Std()),
		feed.WithStartAfter(last),
		feed.WithPollerLogger(logger),
	)

	notifications := make(chan ir.Notification, feedBuffer)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return br.Run(gctx) })
	g.Go(func() error { return br.Consume(gctx, notifications) })
	g.Go(func() error { return poller.Run(gctx, notifications) })
	if cfg.SpoolDir != "" {
		spool := feed.NewSpoolWatcher(cfg.SpoolDir, logger)
		g.Go(func() error { return spool.Run(gctx, notifications) })
		logger.Info("watching spool directory", "dir", cfg.SpoolDir)
	}
	if opts.MetricsAddr != "" {
		srv := &http.Server{Addr: opts.MetricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		logger.Info("serving metrics", "addr", opts.MetricsAddr)
	}

	if opts.Format != "json" {
		fmt.Fprintln(out.Writer, "Mirror started. Listening for changes...")
		fmt.Fprintln(out.Writer, "Press Ctrl-C to stop.")
	}

	if err := g.Wait(); err != nil && !isShutdown(err) {
		return WrapExitError(ExitFailure, "mirror error", err)
	}

	stats := br.Stats()
	logger.Info("mirror stopped gracefully",
		"applied", stats.Applied,
		"ignored", stats.Ignored,
		"rejected", stats.Rejected,
		"last_seq", poller.Last(),
	)
	return out.Tree(tree, map[string]any{"last_seq": poller.Last()})
}

// isShutdown reports whether err only says the mirror was asked to stop.
func isShutdown(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, bridge.ErrStopped)
}
