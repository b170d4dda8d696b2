package hierarchy

import (
	"fmt"
	"io"
	"strings"
)

// TreeNode is one node of a nested view of the store.
type TreeNode struct {
	ID       string     `json:"id"`
	Order    float64    `json:"order,omitempty"`
	Children []TreeNode `json:"children,omitempty"`
}

// Tree returns every root with its descendants nested in sibling order.
func (s *Store) Tree() []TreeNode {
	roots := s.Roots()
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TreeNode, 0, len(roots))
	for _, r := range roots {
		out = append(out, s.treeLocked(TreeNode{ID: r}, map[string]bool{}))
	}
	return out
}

func (s *Store) treeLocked(n TreeNode, seen map[string]bool) TreeNode {
	seen[n.ID] = true
	for _, c := range s.children[n.ID] {
		if seen[c.ID] {
			continue
		}
		n.Children = append(n.Children, s.treeLocked(TreeNode{ID: c.ID, Order: c.Order}, seen))
	}
	return n
}

// Render writes the tree as indented text, one node per line:
//
//	root
//	  a @1
//	    a1 @1
//	  b @2
func (s *Store) Render(w io.Writer) error {
	for _, root := range s.Tree() {
		if err := renderNode(w, root, 0); err != nil {
			return err
		}
	}
	return nil
}

func renderNode(w io.Writer, n TreeNode, depth int) error {
	line := strings.Repeat("  ", depth) + n.ID
	if depth > 0 {
		line += fmt.Sprintf(" @%g", n.Order)
	}
	if _, err := fmt.Fprintln(w, line); err != nil {
		return err
	}
	for _, c := range n.Children {
		if err := renderNode(w, c, depth+1); err != nil {
			return err
		}
	}
	return nil
}
