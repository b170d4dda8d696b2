package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// TreeOptions holds flags for the tree command.
type TreeOptions struct {
	*RootOptions
	Database string
}

// NewTreeCommand creates the tree command.
func NewTreeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TreeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Print the hierarchy persisted in a backend database",
		Long: `Load every edge from a SQLite backend into a hierarchy store and print
it. Siblings are listed by sort key; --format json adds the edge count and
a content fingerprint.

Examples:
  treesync tree --db ./tree.db
  treesync tree --db ./tree.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTree(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")

	return cmd
}

func runTree(opts *TreeOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	logger := opts.newLogger(cmd.ErrOrStderr(), cfg)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	tree, db, err := loadTree(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	return opts.formatter(cmd).Tree(tree, nil)
}
