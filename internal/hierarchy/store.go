package hierarchy

import (
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/roach88/treesync/internal/ir"
	"github.com/roach88/treesync/internal/metrics"
	"github.com/roach88/treesync/internal/order"
)

// DefaultDiagnosticHistory is how many refused mutations Diagnostics keeps.
const DefaultDiagnosticHistory = 128

// DiagnosticHandler receives every diagnostic: refused mutations and
// accepted edges that duplicate a sibling's key. It is called with the
// store lock held and must not call back into the store.
type DiagnosticHandler func(*InvariantError)

// Store is the ordered hierarchy cache.
//
// Thread-safety: all methods are safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	children map[string][]ir.Child
	parentOf map[string]string
	version  uint64

	logger      *slog.Logger
	now         func() time.Time
	onViolation DiagnosticHandler
	history     []InvariantError
	historyCap  int
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for invariant diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithDiagnosticHandler registers a callback for refused mutations.
func WithDiagnosticHandler(h DiagnosticHandler) Option {
	return func(s *Store) {
		s.onViolation = h
	}
}

// WithClock overrides the time source used to stamp snapshots.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithDiagnosticHistory sets how many refused mutations are retained.
func WithDiagnosticHistory(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.historyCap = n
		}
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		children:   make(map[string][]ir.Child),
		parentOf:   make(map[string]string),
		logger:     slog.Default(),
		now:        time.Now,
		historyCap: DefaultDiagnosticHistory,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddChild records childID as a child of parentID at the given order.
//
//   - childID already under a different parent: refused (I1), the existing
//     relationship is kept and an *InvariantError is returned.
//   - childID already under parentID: the order is updated and the child is
//     moved to its new sorted position. An identical order is a no-op.
//   - otherwise the child is inserted at its binary-searched position.
//
// A key equal to a sibling's is accepted (ties order by id) but recorded as
// a duplicate-order diagnostic; NeedsRebalancing then reports true.
func (s *Store) AddChild(parentID, childID string, ord float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addChildLocked(ir.NormalizeID(parentID), ir.NormalizeID(childID), ord)
}

func (s *Store) addChildLocked(parentID, childID string, ord float64) error {
	if parentID == "" || childID == "" || parentID == childID {
		return s.violationLocked(&InvariantError{Code: CodeInvalidEdge, Parent: parentID, Child: childID, Order: ord})
	}
	if !order.Valid(ord) {
		return s.violationLocked(&InvariantError{Code: CodeInvalidOrder, Parent: parentID, Child: childID, Order: ord})
	}

	if existing, ok := s.parentOf[childID]; ok {
		if existing != parentID {
			return s.violationLocked(&InvariantError{
				Code:           CodeDuplicateParent,
				Parent:         parentID,
				Child:          childID,
				Order:          ord,
				ExistingParent: existing,
			})
		}
		list := s.children[parentID]
		idx := indexOf(list, childID)
		if idx >= 0 && list[idx].Order == ord {
			return nil
		}
		if idx >= 0 {
			list = slices.Delete(list, idx, idx+1)
		}
		s.insertLocked(parentID, list, ir.Child{ID: childID, Order: ord})
		return nil
	}

	if s.isAncestorLocked(childID, parentID) {
		return s.violationLocked(&InvariantError{Code: CodeCycle, Parent: parentID, Child: childID, Order: ord})
	}

	s.parentOf[childID] = parentID
	s.insertLocked(parentID, s.children[parentID], ir.Child{ID: childID, Order: ord})
	return nil
}

// insertLocked stores c in list at its sorted position under parentID and
// records a diagnostic when a neighbor already holds c's key.
func (s *Store) insertLocked(parentID string, list []ir.Child, c ir.Child) {
	list = insertSorted(list, c)
	s.children[parentID] = list
	s.version++

	idx := indexOf(list, c.ID)
	for _, j := range []int{idx - 1, idx + 1} {
		if j >= 0 && j < len(list) && list[j].Order == c.Order {
			s.recordLocked(&InvariantError{
				Code:    CodeDuplicateOrder,
				Parent:  parentID,
				Child:   c.ID,
				Order:   c.Order,
				Sibling: list[j].ID,
			})
			return
		}
	}
}

// RemoveChild removes the parentID -> childID relationship. Removing a
// relationship that is not recorded is a no-op.
func (s *Store) RemoveChild(parentID, childID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeChildLocked(ir.NormalizeID(parentID), ir.NormalizeID(childID))
}

func (s *Store) removeChildLocked(parentID, childID string) bool {
	if s.parentOf[childID] != parentID {
		return false
	}
	delete(s.parentOf, childID)
	list := s.children[parentID]
	if idx := indexOf(list, childID); idx >= 0 {
		list = slices.Delete(list, idx, idx+1)
	}
	if len(list) == 0 {
		delete(s.children, parentID)
	} else {
		s.children[parentID] = list
	}
	s.version++
	return true
}

// UpdateChildOrder re-records an edge: RemoveChild followed by AddChild.
// The pair is atomic with respect to other callers.
func (s *Store) UpdateChildOrder(e ir.Edge) error {
	e = e.Normalized()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeChildLocked(e.ParentID, e.ChildID)
	return s.addChildLocked(e.ParentID, e.ChildID, e.Order)
}

// GetChildren returns the ordered child ids of parentID. The slice is a copy.
func (s *Store) GetChildren(parentID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.children[ir.NormalizeID(parentID)]
	if len(list) == 0 {
		return nil
	}
	ids := make([]string, len(list))
	for i, c := range list {
		ids[i] = c.ID
	}
	return ids
}

// ChildEntries returns the ordered children of parentID with their keys.
func (s *Store) ChildEntries(parentID string) []ir.Child {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.children[ir.NormalizeID(parentID)])
}

// GetParent returns the recorded parent of childID.
func (s *Store) GetParent(childID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.parentOf[ir.NormalizeID(childID)]
	return p, ok
}

// Has reports whether childID is attached to any parent.
func (s *Store) Has(childID string) bool {
	_, ok := s.GetParent(childID)
	return ok
}

// Len returns the number of recorded relationships.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.parentOf)
}

// Version increases on every successful mutation or restore. Readers can
// compare versions to detect that the tree changed.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Edges returns every relationship ordered by parent id, then sibling order.
func (s *Store) Edges() []ir.Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	parents := make([]string, 0, len(s.children))
	for p := range s.children {
		parents = append(parents, p)
	}
	sort.Strings(parents)
	edges := make([]ir.Edge, 0, len(s.parentOf))
	for _, p := range parents {
		for _, c := range s.children[p] {
			edges = append(edges, ir.Edge{ParentID: p, ChildID: c.ID, Order: c.Order})
		}
	}
	return edges
}

// Load adds every edge in turn. Refused edges are reported through the
// usual diagnostics; the count of applied edges is returned.
func (s *Store) Load(edges []ir.Edge) int {
	applied := 0
	for _, e := range edges {
		if err := s.AddChild(e.ParentID, e.ChildID, e.Order); err == nil {
			applied++
		}
	}
	return applied
}

// Clear drops every relationship.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.children = make(map[string][]ir.Child)
	s.parentOf = make(map[string]string)
	s.version++
}

// NeedsRebalancing reports whether parentID's keys have an adjacent gap
// below order.MinGap.
func (s *Store) NeedsRebalancing(parentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return order.NeedsRebalancing(orders(s.children[ir.NormalizeID(parentID)]))
}

// RebalanceChildren rewrites parentID's keys to 1..n keeping the current
// sibling order, and returns the rewritten edges.
func (s *Store) RebalanceChildren(parentID string) []ir.Edge {
	parentID = ir.NormalizeID(parentID)
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.children[parentID]
	if len(list) == 0 {
		return nil
	}
	keys := order.Rebalance(len(list))
	edges := make([]ir.Edge, len(list))
	for i := range list {
		list[i].Order = keys[i]
		edges[i] = ir.Edge{ParentID: parentID, ChildID: list[i].ID, Order: keys[i]}
	}
	s.version++
	metrics.Rebalances.Inc()
	s.logger.Debug("rebalanced children", "parent", parentID, "count", len(list))
	return edges
}

// Diagnostics returns the retained diagnostics, oldest first.
func (s *Store) Diagnostics() []InvariantError {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.history)
}

func (s *Store) violationLocked(e *InvariantError) error {
	s.recordLocked(e)
	return e
}

// recordLocked logs, counts and retains e without refusing anything.
func (s *Store) recordLocked(e *InvariantError) {
	metrics.InvariantViolations.WithLabelValues(string(e.Code)).Inc()
	s.logger.Warn("hierarchy invariant violation",
		"code", e.Code,
		"parent", e.Parent,
		"child", e.Child,
		"existing_parent", e.ExistingParent,
		"sibling", e.Sibling,
		"order", e.Order,
	)
	if s.historyCap > 0 {
		if len(s.history) >= s.historyCap {
			s.history = slices.Delete(s.history, 0, len(s.history)-s.historyCap+1)
		}
		s.history = append(s.history, *e)
	}
	if s.onViolation != nil {
		s.onViolation(e)
	}
}

// less orders children by key, then by id for equal keys.
func less(a, b ir.Child) bool {
	if a.Order != b.Order {
		return a.Order < b.Order
	}
	return a.ID < b.ID
}

// insertSorted places c at its binary-searched position.
func insertSorted(list []ir.Child, c ir.Child) []ir.Child {
	idx := sort.Search(len(list), func(i int) bool { return less(c, list[i]) })
	return slices.Insert(list, idx, c)
}

func indexOf(list []ir.Child, id string) int {
	for i, c := range list {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func orders(list []ir.Child) []float64 {
	out := make([]float64, len(list))
	for i, c := range list {
		out[i] = c.Order
	}
	return out
}
