package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/treesync/internal/backend"
	"github.com/roach88/treesync/internal/coordinator"
	"github.com/roach88/treesync/internal/ir"
	"github.com/roach88/treesync/internal/store"
)

// Edit operations accepted by the edit command.
const (
	EditCreate  = "create"
	EditMove    = "move"
	EditIndent  = "indent"
	EditOutdent = "outdent"
	EditDelete  = "delete"
)

// EditOptions holds flags for the edit command.
type EditOptions struct {
	*RootOptions
	Database string
	Parent   string
	After    string
	Content  string
}

// EditResult describes a confirmed edit.
type EditResult struct {
	OperationID string `json:"operation_id"`
	Description string `json:"description"`
}

// NewEditCommand creates the edit command.
func NewEditCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EditOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "edit <create|move|indent|outdent|delete> <node>",
		Short: "Apply one structural edit optimistically and persist it",
		Long: `Load the hierarchy from a SQLite backend, apply one structural intent
to it optimistically, and wait for the backend to confirm. A backend failure
rolls the local tree back and is reported with its category.

Exit codes:
  0 - Edit confirmed
  1 - Edit refused locally or rolled back after a backend failure
  2 - Command error (bad arguments, unreadable database)

Examples:
  treesync edit create b --parent root --after a --db ./tree.db
  treesync edit create note --parent root --content '{"title":"Note"}' --db ./tree.db
  treesync edit move b --parent a --db ./tree.db
  treesync edit indent b --db ./tree.db
  treesync edit delete a --db ./tree.db --format json`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEdit(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.Flags().StringVar(&opts.Parent, "parent", "", "target parent for create and move")
	cmd.Flags().StringVar(&opts.After, "after", "", "sibling to place the node after (default: first)")
	cmd.Flags().StringVar(&opts.Content, "content", "", "JSON content for a created node")

	return cmd
}

func runEdit(opts *EditOptions, op, nodeID string, cmd *cobra.Command) error {
	switch op {
	case EditCreate, EditMove:
		if opts.Parent == "" {
			return NewExitError(ExitCommandError, fmt.Sprintf("%s requires --parent", op))
		}
	case EditIndent, EditOutdent, EditDelete:
	default:
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown edit operation %q", op))
	}
	if opts.Content != "" && !json.Valid([]byte(opts.Content)) {
		return NewExitError(ExitCommandError, "--content is not valid JSON")
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	logger := opts.newLogger(cmd.ErrOrStderr(), cfg)
	out := opts.formatter(cmd)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	tree, db, err := loadTree(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	var b backend.Backend = db
	if op == EditCreate {
		b = &provisioningBackend{Store: db, content: json.RawMessage(opts.Content)}
	}
	coord := coordinator.New(tree, backend.WithTimeout(b, cfg.BackendTimeout.Std()),
		coordinator.WithLogger(logger),
		coordinator.WithRebalanceThreshold(cfg.RebalanceThreshold),
		coordinator.WithFailureBuffer(cfg.FailureBuffer),
	)

	var operation *coordinator.Operation
	switch op {
	case EditCreate:
		operation, err = coord.CreateNode(ctx, opts.Parent, nodeID, opts.After)
	case EditMove:
		operation, err = coord.MoveNode(ctx, nodeID, opts.Parent, opts.After)
	case EditIndent:
		operation, err = coord.Indent(ctx, nodeID)
	case EditOutdent:
		operation, err = coord.Outdent(ctx, nodeID)
	case EditDelete:
		operation, err = coord.DeleteNode(ctx, nodeID)
	}
	if err != nil {
		msg := fmt.Sprintf("%s %s refused: %v", op, nodeID, err)
		if outErr := out.Error(ErrCodeInvalidEdit, msg, nil); outErr != nil {
			return outErr
		}
		return WrapExitError(ExitFailure, "edit refused", err)
	}

	if err := operation.Wait(ctx); err != nil {
		category := backend.Classify(err)
		msg := fmt.Sprintf("%s rolled back: %v", operation.Description(), err)
		details := map[string]any{
			"operation_id": operation.ID(),
			"category":     category,
			"retryable":    category.Retryable(),
		}
		if outErr := out.Error(ErrCodeBackend, msg, details); outErr != nil {
			return outErr
		}
		return WrapExitError(ExitFailure, "edit rolled back", err)
	}

	out.VerboseLog("confirmed %s (%s)", operation.Description(), operation.ID())
	return out.Tree(tree, map[string]any{
		"edit": EditResult{OperationID: operation.ID(), Description: operation.Description()},
	})
}

// provisioningBackend writes the node rows a create needs only once the
// coordinator has accepted the intent, so a locally refused create leaves
// the database untouched.
type provisioningBackend struct {
	*store.Store
	content json.RawMessage
}

func (p *provisioningBackend) CreateEdge(ctx context.Context, e ir.Edge) error {
	// The backend only attaches under a parent it already knows.
	if _, err := p.EnsureNode(ctx, e.ParentID, nil); err != nil {
		return err
	}
	if len(p.content) > 0 {
		if _, err := p.EnsureNode(ctx, e.ChildID, p.content); err != nil {
			return err
		}
	}
	return p.Store.CreateEdge(ctx, e)
}
