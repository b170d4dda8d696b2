package hierarchy

import (
	"sort"

	"github.com/roach88/treesync/internal/ir"
)

// IsAncestor reports whether ancestor appears on node's parent chain.
func (s *Store) IsAncestor(ancestor, node string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isAncestorLocked(ir.NormalizeID(ancestor), ir.NormalizeID(node))
}

func (s *Store) isAncestorLocked(ancestor, node string) bool {
	// The walk is bounded by the number of recorded edges so a corrupted
	// reverse index cannot spin forever.
	steps := len(s.parentOf)
	cur := node
	for i := 0; i <= steps; i++ {
		if cur == ancestor {
			return true
		}
		p, ok := s.parentOf[cur]
		if !ok {
			return false
		}
		cur = p
	}
	return false
}

// Path returns the ancestors of id from the root down, excluding id.
func (s *Store) Path(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var path []string
	cur := ir.NormalizeID(id)
	for i := 0; i <= len(s.parentOf); i++ {
		p, ok := s.parentOf[cur]
		if !ok {
			break
		}
		path = append(path, p)
		cur = p
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// Descendants returns every node below id in breadth-first sibling order.
func (s *Store) Descendants(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.descendantsLocked(ir.NormalizeID(id))
}

func (s *Store) descendantsLocked(id string) []string {
	var out []string
	queue := []string{id}
	seen := map[string]bool{id: true}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range s.children[cur] {
			if seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			out = append(out, c.ID)
			queue = append(queue, c.ID)
		}
	}
	return out
}

// Roots returns the parents that are not themselves anyone's child, sorted.
func (s *Store) Roots() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var roots []string
	for p := range s.children {
		if _, ok := s.parentOf[p]; !ok {
			roots = append(roots, p)
		}
	}
	sort.Strings(roots)
	return roots
}

// RemoveSubtree detaches id from its parent and drops every relationship
// below it. It returns the removed edges, id's own edge first.
func (s *Store) RemoveSubtree(id string) []ir.Edge {
	id = ir.NormalizeID(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []ir.Edge
	if p, ok := s.parentOf[id]; ok {
		if idx := indexOf(s.children[p], id); idx >= 0 {
			removed = append(removed, ir.Edge{ParentID: p, ChildID: id, Order: s.children[p][idx].Order})
		}
		s.removeChildLocked(p, id)
	}

	for _, d := range append([]string{id}, s.descendantsLocked(id)...) {
		for _, c := range s.children[d] {
			removed = append(removed, ir.Edge{ParentID: d, ChildID: c.ID, Order: c.Order})
			delete(s.parentOf, c.ID)
		}
		delete(s.children, d)
	}
	if len(removed) > 0 {
		s.version++
	}
	return removed
}
