package hierarchy

import (
	"slices"
	"time"

	"github.com/roach88/treesync/internal/ir"
)

// Snapshot is an immutable deep copy of the tree shape used for rollback.
type Snapshot struct {
	children map[string][]ir.Child
	takenAt  time.Time
	version  uint64
}

// TakenAt is when the snapshot was captured.
func (s Snapshot) TakenAt() time.Time { return s.takenAt }

// Version is the store version the snapshot was taken at.
func (s Snapshot) Version() uint64 { return s.version }

// Len returns the number of relationships captured.
func (s Snapshot) Len() int {
	n := 0
	for _, list := range s.children {
		n += len(list)
	}
	return n
}

// Children returns the captured children of parentID.
func (s Snapshot) Children(parentID string) []ir.Child {
	return slices.Clone(s.children[ir.NormalizeID(parentID)])
}

// Fingerprint hashes the captured structure. Equal fingerprints mean
// byte-for-byte equal trees, sort keys included.
func (s Snapshot) Fingerprint() (string, error) {
	return ir.Fingerprint(s.children)
}

// Snapshot captures the current structure.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		children: cloneChildren(s.children),
		takenAt:  s.now(),
		version:  s.version,
	}
}

// Restore replaces the whole structure with snap. The snapshot stays
// reusable; the store keeps its own copy.
func (s *Store) Restore(snap Snapshot) {
	children := cloneChildren(snap.children)
	parentOf := make(map[string]string, snap.Len())
	for p, list := range children {
		for _, c := range list {
			parentOf[c.ID] = p
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.children = children
	s.parentOf = parentOf
	s.version++
	s.logger.Debug("hierarchy restored", "taken_at", snap.takenAt, "edges", len(parentOf))
}

// Fingerprint hashes the current structure.
func (s *Store) Fingerprint() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ir.Fingerprint(s.children)
}

func cloneChildren(src map[string][]ir.Child) map[string][]ir.Child {
	out := make(map[string][]ir.Child, len(src))
	for p, list := range src {
		out[p] = slices.Clone(list)
	}
	return out
}
