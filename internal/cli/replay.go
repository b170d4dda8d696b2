package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/treesync/internal/bridge"
	"github.com/roach88/treesync/internal/hierarchy"
	"github.com/roach88/treesync/internal/ir"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Strict bool // exit 1 when any notification is rejected
}

// ReplayResult summarizes a replay.
type ReplayResult struct {
	Notifications int   `json:"notifications"`
	Applied       int64 `json:"applied"`
	Ignored       int64 `json:"ignored"`
	Forwarded     int64 `json:"forwarded"`
	Rejected      int64 `json:"rejected"`
	LastSeq       int64 `json:"last_seq"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay <notifications.jsonl>",
		Short: "Apply a notification log to an empty tree and print it",
		Long: `Apply a JSONL file of change notifications to a fresh hierarchy
through the event bridge, then print the resulting tree.

Each line is one notification:
  {"type":"edge","action":"created","payload":{"parentId":"root","childId":"a","order":1}}

Use "-" to read from stdin.

Exit codes:
  0 - Replay finished
  1 - --strict and at least one notification was rejected
  2 - Command error (file not found, malformed line, bad config)

Examples:
  treesync replay ./changes.jsonl
  treesync replay --strict --format json ./changes.jsonl
  cat changes.jsonl | treesync replay -`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "fail when any notification is rejected")

	return cmd
}

func runReplay(opts *ReplayOptions, path string, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger := opts.newLogger(cmd.ErrOrStderr(), cfg)
	out := opts.formatter(cmd)

	var r io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open notification log", err)
		}
		defer f.Close()
		r = f
	}

	notifications, err := bridge.DecodeLines(r)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to decode notifications", err)
	}

	st := hierarchy.New(hierarchy.WithLogger(logger))
	br := bridge.New(st,
		bridge.WithLogger(logger),
		bridge.WithDetachOnNodeDelete(cfg.DetachOnNodeDelete),
		bridge.WithNodeSink(bridge.NodeSinkFunc(func(_ context.Context, action ir.Action, node ir.NodePayload) error {
			out.VerboseLog("node %s %s", node.ID, action)
			return nil
		})),
	)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	for _, n := range notifications {
		if res, err := br.Apply(ctx, n); err != nil {
			out.VerboseLog("%s %s: %v", res, n.Kind(), err)
		}
	}

	stats := br.Stats()
	result := ReplayResult{
		Notifications: len(notifications),
		Applied:       stats.Applied,
		Ignored:       stats.Ignored,
		Forwarded:     stats.Forwarded,
		Rejected:      stats.Rejected,
		LastSeq:       stats.SourceSeq,
	}

	if opts.Format == "json" {
		if err := out.Tree(st, map[string]any{"replay": result}); err != nil {
			return err
		}
	} else {
		if err := out.Tree(st, nil); err != nil {
			return err
		}
		fmt.Fprintf(out.Writer, "\nReplayed %d notification(s): applied=%d ignored=%d forwarded=%d rejected=%d\n",
			result.Notifications, result.Applied, result.Ignored, result.Forwarded, result.Rejected)
	}

	if opts.Strict && result.Rejected > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d notification(s) rejected", result.Rejected))
	}
	return nil
}
