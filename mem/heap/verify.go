package heap

import (
	"github.com/joshuapare/kmem/internal/layout"
	"github.com/joshuapare/kmem/mem/verify"
)

// Verify walks every chunk and node, recomputes the four State totals from
// scratch and compares them with the running counters. It also checks
// header and sentinel patterns, chunk-list order, node contiguity, tree
// membership and, with poisoning on, that free payloads were not written.
//
// Verify has no side effects and may be called at any time.
func (h *Heap) Verify() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.verify()
}

// MustVerify panics with the validation error if Verify fails.
func (h *Heap) MustVerify() {
	if err := h.Verify(); err != nil {
		panic(err)
	}
}

func (h *Heap) verify() error {
	if err := verify.Tree(&h.used); err != nil {
		return err
	}
	if err := verify.Tree(&h.free); err != nil {
		return err
	}

	var got State
	usedNodes, freeNodes := 0, 0

	for i, c := range h.chunks {
		if i > 0 && h.chunks[i-1].top > c.start {
			return verify.Errorf("HeapChunk", c.start, "chunk list out of order or overlapping")
		}
		if c.start >= c.brk || c.brk > c.top {
			return verify.Errorf("HeapChunk", c.start, "bad extent: brk %#x top %#x", c.brk, c.top)
		}
		if uint64(len(c.mem)) != c.committed() {
			return verify.Errorf("HeapChunk", c.start, "view covers %d bytes, committed %d", len(c.mem), c.committed())
		}
		if err := c.checkHeader(); err != nil {
			return verify.Errorf("HeapChunk", err.Addr, "%s", err.Reason)
		}
		got.OverheadBytes += layout.ChunkHeaderSize

		cursor := c.start + layout.ChunkHeaderSize
		var prev *node
		for n := c.first; n != nil; n = n.next {
			switch {
			case n.chunk != c:
				return verify.Errorf("HeapNode", n.addr, "node points at chunk %#x", n.chunk.start)
			case n.prev != prev:
				return verify.Errorf("HeapNode", n.addr, "prev link broken")
			case n.addr != cursor:
				return verify.Errorf("HeapNode", n.addr, "node not contiguous, expected %#x", cursor)
			case n.size < layout.Granule || n.size%layout.Granule != 0:
				return verify.Errorf("HeapNode", n.addr, "bad payload size %d", n.size)
			case n.end() > c.brk:
				return verify.Errorf("HeapNode", n.addr, "node runs past break %#x", c.brk)
			}
			if err := n.check(); err != nil {
				return verify.Errorf("HeapNode", err.Addr, "%s", err.Reason)
			}

			got.OverheadBytes += layout.NodeOverhead
			if n.free {
				if prev != nil && prev.free {
					return verify.Errorf("HeapNode", n.addr, "adjacent free nodes not coalesced")
				}
				if !h.free.Owns(&n.link) || n.link.Key() != n.size {
					return verify.Errorf("HeapNode", n.addr, "free node missing from free tree")
				}
				if h.cfg.Poison {
					if at, ok := n.poisoned(); !ok {
						return verify.Errorf("HeapNode", at, "free payload written after free")
					}
				}
				got.FreeBytes += n.size
				freeNodes++
			} else {
				if !h.used.Owns(&n.link) || n.link.Key() != n.payload() {
					return verify.Errorf("HeapNode", n.addr, "used node missing from used tree")
				}
				got.AllocCount++
				got.AllocBytes += n.size
				usedNodes++
			}

			cursor = n.end()
			prev = n
		}
		if prev != c.last {
			return verify.Errorf("HeapChunk", c.start, "last link does not match walk")
		}
		if cursor != c.brk {
			return verify.Errorf("HeapChunk", c.start, "nodes end at %#x, break is %#x", cursor, c.brk)
		}
	}

	if usedNodes != h.used.Len() || freeNodes != h.free.Len() {
		return &verify.ValidationError{
			Type:    "HeapTrees",
			Message: "tree sizes disagree with chunk walk",
			Addr:    verify.NoAddr,
			Details: map[string]any{
				"used_walk": usedNodes, "used_tree": h.used.Len(),
				"free_walk": freeNodes, "free_tree": h.free.Len(),
			},
		}
	}
	if got != h.state {
		return &verify.ValidationError{
			Type:    "HeapState",
			Message: "running totals disagree with recomputed totals",
			Addr:    verify.NoAddr,
			Details: map[string]any{"running": h.state, "recomputed": got},
		}
	}
	return nil
}
