package heap

import (
	"github.com/joshuapare/kmem/internal/layout"
	"github.com/joshuapare/kmem/mem/rbtree"
	"github.com/joshuapare/kmem/mem/vm"
)

// node is the bookkeeping for one header+payload+end-sentinel run in a chunk.
// Its single tree link sits in the used tree (keyed by payload address)
// while allocated, or in the free tree (keyed by payload size) while free.
type node struct {
	link rbtree.Node[*node]

	addr  vm.Addr // header address
	size  uint64  // payload bytes, a multiple of layout.Granule
	free  bool
	chunk *chunk

	prev, next *node // address order within the chunk
}

func (n *node) payload() vm.Addr { return n.addr + layout.NodeHeaderSize }

// end returns the address just past the trailing sentinel.
func (n *node) end() vm.Addr { return n.payload() + n.size + layout.EndSentinelSize }

func (n *node) sentinel() uint32 {
	if n.free {
		return layout.SentinelFree
	}
	return layout.SentinelUsed
}

// write stores the header and trailing sentinel for n.
func (n *node) write() {
	c := n.chunk
	hdr := c.bytes(n.addr, layout.NodeHeaderSize)
	layout.PutU32(hdr, layout.NodeSentinelOffset, n.sentinel())
	layout.PutU32(hdr, layout.NodeSizeOffset, uint32(n.size))
	layout.PutU32(hdr, layout.NodeChunkOffset, uint32(n.addr-c.start))
	layout.PutU32(hdr, layout.NodeReservedOffset, 0)
	layout.PutU32(c.bytes(n.payload()+n.size, layout.EndSentinelSize), 0, layout.EndSentinel)
}

// check compares the stored header and trailing sentinel against n.
func (n *node) check() *CorruptionError {
	c := n.chunk
	hdr := c.bytes(n.addr, layout.NodeHeaderSize)
	switch s := layout.ReadU32(hdr, layout.NodeSentinelOffset); {
	case s == n.sentinel():
	case s == layout.SentinelFree || s == layout.SentinelUsed:
		return corrupt(n.addr, "node state tag %#08x disagrees with bookkeeping (free=%v)", s, n.free)
	default:
		return corrupt(n.addr, "bad node sentinel %#08x", s)
	}
	if sz := layout.ReadU32(hdr, layout.NodeSizeOffset); uint64(sz) != n.size {
		return corrupt(n.addr, "node size field %d, expected %d", sz, n.size)
	}
	if off := layout.ReadU32(hdr, layout.NodeChunkOffset); uint64(off) != n.addr-c.start {
		return corrupt(n.addr, "node chunk offset %#x, expected %#x", off, n.addr-c.start)
	}
	tail := c.bytes(n.payload()+n.size, layout.EndSentinelSize)
	if s := layout.ReadU32(tail, 0); s != layout.EndSentinel {
		return corrupt(n.payload()+n.size, "bad end sentinel %#08x after %d-byte payload", s, n.size)
	}
	return nil
}

// mustCheck panics if n's guards were overwritten.
func (n *node) mustCheck() {
	if err := n.check(); err != nil {
		panic(err)
	}
}

// poisoned reports whether every word of a free payload still holds the poison pattern.
func (n *node) poisoned() (vm.Addr, bool) {
	b := n.chunk.bytes(n.payload(), n.size)
	for off := 0; off+4 <= len(b); off += 4 {
		if layout.ReadU32(b, off) != layout.Poison {
			return n.payload() + vm.Addr(off), false
		}
	}
	return 0, true
}

// getNode returns zeroed bookkeeping from the pool.
func (h *Heap) getNode() *node {
	n := h.nodes.Get().(*node)
	*n = node{}
	n.link.Value = n
	return n
}

func (h *Heap) putNode(n *node) {
	*n = node{}
	h.nodes.Put(n)
}

// linkAfter inserts n into its chunk list after prev (nil means at the front).
func linkAfter(prev, n *node) {
	c := n.chunk
	n.prev = prev
	if prev == nil {
		n.next = c.first
		c.first = n
	} else {
		n.next = prev.next
		prev.next = n
	}
	if n.next != nil {
		n.next.prev = n
	} else {
		c.last = n
	}
}

// unlinkNode removes n from its chunk list.
func unlinkNode(n *node) {
	c := n.chunk
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		c.first = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		c.last = n.prev
	}
	n.prev, n.next = nil, nil
}
