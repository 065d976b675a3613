package rbtree

import (
	"fmt"
	"iter"
)

// Node is an intrusive tree link. Owners embed it by value and set Value to
// point back at themselves, so a lookup in the tree yields the owner without
// a separate allocation per entry.
//
// A Node belongs to at most one tree at a time. The zero value is an
// unlinked node.
type Node[T any] struct {
	parent, left, right *Node[T]
	tree                *Tree[T]

	key  uint64
	red  bool
	flag bool

	// Value is the owner of this link.
	Value T
}

// Key returns the key the node was inserted with.
func (n *Node[T]) Key() uint64 { return n.key }

// Flag returns the caller-usable flag bit. The tree never reads or changes it.
func (n *Node[T]) Flag() bool { return n.flag }

// SetFlag sets the caller-usable flag bit.
func (n *Node[T]) SetFlag(v bool) { n.flag = v }

// Linked reports whether the node is currently in a tree.
func (n *Node[T]) Linked() bool { return n.tree != nil }

// Parent returns the parent link, or nil for the root.
func (n *Node[T]) Parent() *Node[T] { return n.parent }

// Left returns the left child.
func (n *Node[T]) Left() *Node[T] { return n.left }

// Right returns the right child.
func (n *Node[T]) Right() *Node[T] { return n.right }

// Red reports the node color.
func (n *Node[T]) Red() bool { return n.red }

// Compare orders key against the key stored in n: negative if key sorts
// before n, zero if equal, positive if after.
type Compare[T any] func(key uint64, n *Node[T]) int

// CompareKeys orders nodes by their stored key.
func CompareKeys[T any](key uint64, n *Node[T]) int {
	switch {
	case key < n.key:
		return -1
	case key > n.key:
		return 1
	}
	return 0
}

// Tree is a red-black tree of intrusive nodes. Duplicate keys are allowed;
// a new node is placed after every existing node that compares equal.
//
// NOT thread-safe. The owner serializes access.
type Tree[T any] struct {
	root  *Node[T]
	cmp   Compare[T]
	count int
}

// New returns an empty tree ordered by cmp (CompareKeys when nil).
func New[T any](cmp Compare[T]) *Tree[T] {
	t := &Tree[T]{}
	t.Init(cmp)
	return t
}

// Init resets t to an empty tree ordered by cmp (CompareKeys when nil).
// Nodes still linked into t must not be reused without being removed first.
func (t *Tree[T]) Init(cmp Compare[T]) {
	if cmp == nil {
		cmp = CompareKeys[T]
	}
	t.root = nil
	t.cmp = cmp
	t.count = 0
}

// Len returns the number of linked nodes.
func (t *Tree[T]) Len() int { return t.count }

// Root returns the root node, or nil when empty.
func (t *Tree[T]) Root() *Node[T] { return t.root }

// Owns reports whether n is linked into t.
func (t *Tree[T]) Owns(n *Node[T]) bool { return n != nil && n.tree == t }

func (t *Tree[T]) compare(key uint64, n *Node[T]) int {
	if t.cmp == nil {
		return CompareKeys(key, n)
	}
	return t.cmp(key, n)
}

// Insert links n under key. O(log n).
func (t *Tree[T]) Insert(key uint64, n *Node[T]) {
	if n.tree != nil {
		panic(fmt.Sprintf("rbtree: insert of node already linked (key %#x)", n.key))
	}

	n.key = key
	n.left, n.right = nil, nil
	n.red = true
	n.tree = t

	var parent *Node[T]
	cur := t.root
	left := false
	for cur != nil {
		parent = cur
		// Equal keys descend right so the new node lands after them.
		if t.compare(key, cur) < 0 {
			cur = cur.left
			left = true
		} else {
			cur = cur.right
			left = false
		}
	}

	n.parent = parent
	switch {
	case parent == nil:
		t.root = n
	case left:
		parent.left = n
	default:
		parent.right = n
	}
	t.count++
	t.insertFixup(n)
}

func (t *Tree[T]) insertFixup(z *Node[T]) {
	for z.parent != nil && z.parent.red {
		gp := z.parent.parent
		if z.parent == gp.left {
			uncle := gp.right
			if isRed(uncle) {
				z.parent.red = false
				uncle.red = false
				gp.red = true
				z = gp
				continue
			}
			if z == z.parent.right {
				z = z.parent
				t.rotateLeft(z)
			}
			z.parent.red = false
			z.parent.parent.red = true
			t.rotateRight(z.parent.parent)
		} else {
			uncle := gp.left
			if isRed(uncle) {
				z.parent.red = false
				uncle.red = false
				gp.red = true
				z = gp
				continue
			}
			if z == z.parent.left {
				z = z.parent
				t.rotateRight(z)
			}
			z.parent.red = false
			z.parent.parent.red = true
			t.rotateLeft(z.parent.parent)
		}
	}
	t.root.red = false
}

// Remove unlinks n. O(log n). Removing a node that is not in t panics.
func (t *Tree[T]) Remove(z *Node[T]) {
	if z.tree != t {
		panic(fmt.Sprintf("rbtree: remove of node not in this tree (key %#x)", z.key))
	}

	var x, xParent *Node[T]
	yRed := z.red

	switch {
	case z.left == nil:
		x, xParent = z.right, z.parent
		t.transplant(z, z.right)
	case z.right == nil:
		x, xParent = z.left, z.parent
		t.transplant(z, z.left)
	default:
		y := minimum(z.right)
		yRed = y.red
		x = y.right
		if y.parent == z {
			xParent = y
		} else {
			xParent = y.parent
			t.transplant(y, y.right)
			y.right = z.right
			y.right.parent = y
		}
		t.transplant(z, y)
		y.left = z.left
		y.left.parent = y
		y.red = z.red
	}

	if !yRed {
		t.deleteFixup(x, xParent)
	}

	z.parent, z.left, z.right = nil, nil, nil
	z.tree = nil
	z.red = false
	t.count--
}

func (t *Tree[T]) deleteFixup(x, parent *Node[T]) {
	for x != t.root && !isRed(x) {
		if x == parent.left {
			w := parent.right
			if isRed(w) {
				w.red = false
				parent.red = true
				t.rotateLeft(parent)
				w = parent.right
			}
			if !isRed(w.left) && !isRed(w.right) {
				w.red = true
				x = parent
				parent = x.parent
				continue
			}
			if !isRed(w.right) {
				w.left.red = false
				w.red = true
				t.rotateRight(w)
				w = parent.right
			}
			w.red = parent.red
			parent.red = false
			w.right.red = false
			t.rotateLeft(parent)
			x = t.root
			parent = nil
		} else {
			w := parent.left
			if isRed(w) {
				w.red = false
				parent.red = true
				t.rotateRight(parent)
				w = parent.left
			}
			if !isRed(w.left) && !isRed(w.right) {
				w.red = true
				x = parent
				parent = x.parent
				continue
			}
			if !isRed(w.left) {
				w.right.red = false
				w.red = true
				t.rotateLeft(w)
				w = parent.left
			}
			w.red = parent.red
			parent.red = false
			w.left.red = false
			t.rotateRight(parent)
			x = t.root
			parent = nil
		}
	}
	if x != nil {
		x.red = false
	}
}

// transplant replaces the subtree rooted at u with the one rooted at v.
func (t *Tree[T]) transplant(u, v *Node[T]) {
	switch {
	case u.parent == nil:
		t.root = v
	case u == u.parent.left:
		u.parent.left = v
	default:
		u.parent.right = v
	}
	if v != nil {
		v.parent = u.parent
	}
}

// rotateLeft:
//
//	  X              Y
//	A   Y    =>    X   C
//	  B C        A B
func (t *Tree[T]) rotateLeft(x *Node[T]) {
	y := x.right
	x.right = y.left
	if y.left != nil {
		y.left.parent = x
	}
	t.transplant(x, y)
	y.left = x
	x.parent = y
}

// rotateRight:
//
//	    Y            X
//	  X   C  =>    A   Y
//	A B              B C
func (t *Tree[T]) rotateRight(y *Node[T]) {
	x := y.left
	y.left = x.right
	if x.right != nil {
		x.right.parent = y
	}
	t.transplant(y, x)
	x.right = y
	y.parent = x
}

// Find returns the first node whose key compares equal to key, or nil.
func (t *Tree[T]) Find(key uint64) *Node[T] {
	n := t.FindOrAfter(key)
	if n == nil || t.compare(key, n) != 0 {
		return nil
	}
	return n
}

// FindOrAfter returns the first node that does not sort before key: the
// smallest node with key >= the given key, or nil when every node is smaller.
func (t *Tree[T]) FindOrAfter(key uint64) *Node[T] {
	var found *Node[T]
	cur := t.root
	for cur != nil {
		if t.compare(key, cur) <= 0 {
			found = cur
			cur = cur.left
		} else {
			cur = cur.right
		}
	}
	return found
}

// First returns the smallest node, or nil when empty.
func (t *Tree[T]) First() *Node[T] {
	if t.root == nil {
		return nil
	}
	return minimum(t.root)
}

// Last returns the largest node, or nil when empty.
func (t *Tree[T]) Last() *Node[T] {
	if t.root == nil {
		return nil
	}
	return maximum(t.root)
}

// Next returns the in-order successor of n, or nil.
func (t *Tree[T]) Next(n *Node[T]) *Node[T] {
	t.mustOwn(n)
	if n.right != nil {
		return minimum(n.right)
	}
	p := n.parent
	for p != nil && n == p.right {
		n, p = p, p.parent
	}
	return p
}

// Prev returns the in-order predecessor of n, or nil.
func (t *Tree[T]) Prev(n *Node[T]) *Node[T] {
	t.mustOwn(n)
	if n.left != nil {
		return maximum(n.left)
	}
	p := n.parent
	for p != nil && n == p.left {
		n, p = p, p.parent
	}
	return p
}

// All iterates the tree in order. The current node may be removed during
// iteration; any other mutation invalidates the sequence.
func (t *Tree[T]) All() iter.Seq[*Node[T]] {
	return func(yield func(*Node[T]) bool) {
		for n := t.First(); n != nil; {
			next := t.Next(n)
			if !yield(n) {
				return
			}
			n = next
		}
	}
}

// Backward iterates the tree in reverse order.
func (t *Tree[T]) Backward() iter.Seq[*Node[T]] {
	return func(yield func(*Node[T]) bool) {
		for n := t.Last(); n != nil; {
			prev := t.Prev(n)
			if !yield(n) {
				return
			}
			n = prev
		}
	}
}

func (t *Tree[T]) mustOwn(n *Node[T]) {
	if n.tree != t {
		panic(fmt.Sprintf("rbtree: node not in this tree (key %#x)", n.key))
	}
}

func isRed[T any](n *Node[T]) bool {
	return n != nil && n.red
}

func minimum[T any](n *Node[T]) *Node[T] {
	for n.left != nil {
		n = n.left
	}
	return n
}

func maximum[T any](n *Node[T]) *Node[T] {
	for n.right != nil {
		n = n.right
	}
	return n
}
