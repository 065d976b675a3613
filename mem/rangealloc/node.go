package rangealloc

import (
	"fmt"

	"github.com/joshuapare/kmem/mem/rbtree"
)

// Node describes the span [Addr, Addr+Size). It is always linked into the
// allocator's address tree; its size link is linked only while the node is
// free. The free/used state is the flag bit on the address link.
//
// Nodes are created by the allocator's AcquireFunc and handed back through
// ReleaseFunc when a merge absorbs them. Callers must not modify a Node.
type Node struct {
	addrLink rbtree.Node[*Node]
	sizeLink rbtree.Node[*Node]

	addr  uint64
	size  uint64
	owner *Allocator

	// next chains pooled nodes while they sit in a NodePool free list.
	next *Node
	// pool is the NodePool that handed the node out, nil once released.
	pool *NodePool
}

// Addr returns the first address of the span.
func (n *Node) Addr() uint64 { return n.addr }

// Size returns the span length in bytes (or resource units).
func (n *Node) Size() uint64 { return n.size }

// End returns the first address after the span.
func (n *Node) End() uint64 { return n.addr + n.size }

// IsFree reports whether the span is available for allocation.
func (n *Node) IsFree() bool { return n.addrLink.Flag() }

func (n *Node) String() string {
	state := "used"
	if n.IsFree() {
		state = "free"
	}
	return fmt.Sprintf("[%#x, %#x) %s", n.addr, n.End(), state)
}

// reset clears n so a recycled node starts unlinked and unowned. The pool
// back-pointer survives.
func (n *Node) reset() {
	pool := n.pool
	*n = Node{pool: pool}
	n.addrLink.Value = n
	n.sizeLink.Value = n
}
