// Package verify provides structural validators for the index tree and the
// range allocator. These helpers are used in tests to ensure invariants are
// maintained across mutation, and by the heap's consistency walk to report
// failures.
package verify

import (
	"fmt"

	"github.com/joshuapare/kmem/mem/rangealloc"
	"github.com/joshuapare/kmem/mem/rbtree"
)

// NoAddr marks a ValidationError that is not tied to an address.
const NoAddr = ^uint64(0)

// ValidationError describes the first invariant violation found.
type ValidationError struct {
	Type    string
	Message string
	Addr    uint64
	Details map[string]any
}

func (e *ValidationError) Error() string {
	if e.Addr != NoAddr {
		return fmt.Sprintf("%s at 0x%X: %s", e.Type, e.Addr, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Errorf builds a ValidationError located at addr (NoAddr if none).
func Errorf(typ string, addr uint64, format string, args ...any) *ValidationError {
	return &ValidationError{
		Type:    typ,
		Message: fmt.Sprintf(format, args...),
		Addr:    addr,
	}
}

// Tree validates the red-black invariants of t:
//   - the root is black and has no parent
//   - child links point back at their parent
//   - no red node has a red child
//   - every root-to-leaf path has the same number of black nodes
//   - an in-order walk yields non-decreasing keys
//   - the node count matches Len
func Tree[T any](t *rbtree.Tree[T]) error {
	root := t.Root()
	if root == nil {
		if t.Len() != 0 {
			return Errorf("Tree", NoAddr, "empty root but Len() = %d", t.Len())
		}
		return nil
	}
	if root.Parent() != nil {
		return Errorf("Tree", root.Key(), "root has a parent")
	}
	if root.Red() {
		return Errorf("Tree", root.Key(), "root is red")
	}

	count := 0
	if _, err := blackHeight(root, &count); err != nil {
		return err
	}
	if count != t.Len() {
		return &ValidationError{
			Type:    "Tree",
			Message: "reachable node count does not match Len()",
			Addr:    NoAddr,
			Details: map[string]any{"reachable": count, "len": t.Len()},
		}
	}

	var prev *rbtree.Node[T]
	for n := range t.All() {
		if prev != nil && n.Key() < prev.Key() {
			return Errorf("Tree", n.Key(), "key out of order after 0x%X", prev.Key())
		}
		prev = n
	}
	return nil
}

func blackHeight[T any](n *rbtree.Node[T], count *int) (int, error) {
	if n == nil {
		return 1, nil
	}
	*count++

	left, right := n.Left(), n.Right()
	if left != nil && left.Parent() != n {
		return 0, Errorf("Tree", left.Key(), "left child does not point back at parent 0x%X", n.Key())
	}
	if right != nil && right.Parent() != n {
		return 0, Errorf("Tree", right.Key(), "right child does not point back at parent 0x%X", n.Key())
	}
	if n.Red() && ((left != nil && left.Red()) || (right != nil && right.Red())) {
		return 0, Errorf("Tree", n.Key(), "red node has a red child")
	}

	lh, err := blackHeight(left, count)
	if err != nil {
		return 0, err
	}
	rh, err := blackHeight(right, count)
	if err != nil {
		return 0, err
	}
	if lh != rh {
		return 0, &ValidationError{
			Type:    "Tree",
			Message: "black height mismatch",
			Addr:    n.Key(),
			Details: map[string]any{"left": lh, "right": rh},
		}
	}
	if !n.Red() {
		lh++
	}
	return lh, nil
}

// Ranges validates a range allocator:
//   - both index trees satisfy Tree
//   - address-tree keys match node addresses and spans never overlap
//   - a node is in the size tree iff it is free, keyed by its size
func Ranges(a *rangealloc.Allocator) error {
	byAddr, bySize := a.Trees()
	if err := Tree(byAddr); err != nil {
		return err
	}
	if err := Tree(bySize); err != nil {
		return err
	}

	free := make(map[*rangealloc.Node]bool)
	var prev *rangealloc.Node
	for l := range byAddr.All() {
		n := l.Value
		if n == nil {
			return Errorf("Ranges", l.Key(), "address link without owner")
		}
		if l.Key() != n.Addr() {
			return Errorf("Ranges", n.Addr(), "address key 0x%X does not match node", l.Key())
		}
		if n.Size() == 0 {
			return Errorf("Ranges", n.Addr(), "zero-sized node")
		}
		if n.End() < n.Addr() {
			return Errorf("Ranges", n.Addr(), "span wraps the address space")
		}
		if prev != nil && prev.End() > n.Addr() {
			return Errorf("Ranges", n.Addr(), "overlaps %v", prev)
		}
		if n.IsFree() {
			free[n] = false
		}
		prev = n
	}

	for l := range bySize.All() {
		n := l.Value
		seen, ok := free[n]
		switch {
		case !ok:
			return Errorf("Ranges", n.Addr(), "size tree holds a node that is not free in the address tree")
		case seen:
			return Errorf("Ranges", n.Addr(), "node appears twice in the size tree")
		case l.Key() != n.Size():
			return Errorf("Ranges", n.Addr(), "size key 0x%X does not match node size 0x%X", l.Key(), n.Size())
		}
		free[n] = true
	}
	for n, seen := range free {
		if !seen {
			return Errorf("Ranges", n.Addr(), "free node missing from the size tree")
		}
	}
	return nil
}
