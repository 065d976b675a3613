package rangealloc

// nodePoolBatch is how many nodes a NodePool carves at once when its free
// list is empty.
const nodePoolBatch = 64

// NodePool is a bounded node source for an Allocator. Nodes are carved from
// batches and recycled through a free list, so steady-state splitting and
// merging does not touch the Go heap.
//
// A limit of zero means unbounded. With a limit, Acquire fails with
// ErrOutOfResources once limit nodes are outstanding, which lets callers
// cap metadata growth.
type NodePool struct {
	limit int
	batch []Node
	free  *Node
	inuse int
}

// NewNodePool returns a pool that hands out at most limit nodes at a time.
func NewNodePool(limit int) *NodePool {
	return &NodePool{limit: limit}
}

// Acquire returns an unlinked node. It satisfies AcquireFunc.
func (p *NodePool) Acquire() (*Node, error) {
	if p.limit > 0 && p.inuse >= p.limit {
		return nil, ErrOutOfResources
	}

	var n *Node
	if p.free != nil {
		n = p.free
		p.free = n.next
	} else {
		if len(p.batch) == 0 {
			p.batch = make([]Node, nodePoolBatch)
		}
		n = &p.batch[0]
		p.batch = p.batch[1:]
	}
	n.reset()
	n.pool = p
	p.inuse++
	return n, nil
}

// Release returns n to the free list. It satisfies ReleaseFunc. Nodes not
// currently handed out by p are ignored.
func (p *NodePool) Release(n *Node) {
	if n == nil || n.pool != p {
		return
	}
	n.reset()
	n.pool = nil
	n.next = p.free
	p.free = n
	p.inuse--
}

// InUse returns the number of nodes currently handed out.
func (p *NodePool) InUse() int { return p.inuse }

// Limit returns the configured cap, or zero when unbounded.
func (p *NodePool) Limit() int { return p.limit }
