package coordinator

import (
	"context"

	"github.com/roach88/treesync/internal/pending"
)

// Operation is the handle of an optimistically applied change.
type Operation struct {
	id          string
	description string
	nodeIDs     []string
	handle      *pending.Handle
}

// ID returns the operation id.
func (o *Operation) ID() string { return o.id }

// Description returns the human-readable summary.
func (o *Operation) Description() string { return o.description }

// NodeIDs returns the affected node ids.
func (o *Operation) NodeIDs() []string { return append([]string(nil), o.nodeIDs...) }

// Done is closed once the backend call settled and any rollback finished.
func (o *Operation) Done() <-chan struct{} { return o.handle.Done() }

// Err returns the backend error once Done is closed.
func (o *Operation) Err() error { return o.handle.Err() }

// Wait blocks until the operation settles and returns the backend error.
func (o *Operation) Wait(ctx context.Context) error { return o.handle.Wait(ctx) }
