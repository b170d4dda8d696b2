package coordinator

import (
	"time"

	"github.com/roach88/treesync/internal/backend"
)

// Failure is published after a backend call failed and the optimistic
// change was rolled back. It carries what a retry UI needs to re-issue the
// same intent.
type Failure struct {
	OperationID string
	Description string
	NodeIDs     []string
	Category    backend.Category
	Retryable   bool
	Err         error
	At          time.Time
}

// FailureHandler receives every published Failure synchronously.
type FailureHandler func(Failure)

// emit publishes f to the handler and, without blocking, to the channel.
func (c *Coordinator) emit(f Failure) {
	if c.onFailure != nil {
		c.onFailure(f)
	}
	if c.failures == nil {
		return
	}
	select {
	case c.failures <- f:
	default:
		c.logger.Warn("failure channel full, dropping notification",
			"operation", f.OperationID,
			"category", f.Category,
		)
	}
}
