package heap

import (
	"fmt"
	"slices"

	"github.com/joshuapare/kmem/internal/layout"
	"github.com/joshuapare/kmem/mem/vm"
)

// maxChunkBytes bounds a chunk so node offsets and sizes fit the u32 header fields.
const maxChunkBytes = 1 << 32

// chunk is a contiguous reservation holding an address-ordered run of nodes.
//
//	start                          brk                 top
//	| header | node | node | ... |   reserved only   |
//
// Nodes exactly tile [start+ChunkHeaderSize, brk).
type chunk struct {
	start vm.Addr
	brk   vm.Addr
	top   vm.Addr

	first, last *node
	pinned      bool

	// mem views [start, brk). Refreshed whenever the break moves.
	mem []byte
}

// bytes returns the n bytes at addr inside the committed extent.
func (c *chunk) bytes(addr vm.Addr, n uint64) []byte {
	off := addr - c.start
	return c.mem[off : off+n : off+n]
}

func (c *chunk) committed() uint64 { return c.brk - c.start }

func (c *chunk) reserved() uint64 { return c.top - c.start }

// writeHeader stores the chunk bookkeeping at start.
func (c *chunk) writeHeader() {
	hdr := c.mem[:layout.ChunkHeaderSize]
	var flags uint32
	if c.pinned {
		flags |= layout.ChunkFlagPinned
	}
	layout.PutU32(hdr, layout.ChunkMagicOffset, layout.ChunkMagic)
	layout.PutU32(hdr, layout.ChunkFlagsOffset, flags)
	layout.PutU64(hdr, layout.ChunkStartOffset, c.start)
	layout.PutU64(hdr, layout.ChunkBreakOffset, c.brk)
	layout.PutU64(hdr, layout.ChunkTopOffset, c.top)
}

// checkHeader compares the stored header against the struct.
func (c *chunk) checkHeader() *CorruptionError {
	hdr := c.mem[:layout.ChunkHeaderSize]
	if m := layout.ReadU32(hdr, layout.ChunkMagicOffset); m != layout.ChunkMagic {
		return corrupt(c.start, "chunk magic %#08x", m)
	}
	if v := layout.ReadU64(hdr, layout.ChunkStartOffset); v != c.start {
		return corrupt(c.start, "chunk start field %#x", v)
	}
	if v := layout.ReadU64(hdr, layout.ChunkBreakOffset); v != c.brk {
		return corrupt(c.start, "chunk break field %#x, expected %#x", v, c.brk)
	}
	if v := layout.ReadU64(hdr, layout.ChunkTopOffset); v != c.top {
		return corrupt(c.start, "chunk top field %#x, expected %#x", v, c.top)
	}
	pinned := layout.ReadU32(hdr, layout.ChunkFlagsOffset)&layout.ChunkFlagPinned != 0
	if pinned != c.pinned {
		return corrupt(c.start, "chunk pinned flag %v", pinned)
	}
	return nil
}

// remap refreshes the committed view after the break moved.
func (c *chunk) remap(p vm.Provider) error {
	mem, err := p.Slice(c.start, int(c.committed()))
	if err != nil {
		return fmt.Errorf("heap: map chunk %#x: %w", c.start, err)
	}
	c.mem = mem
	return nil
}

// insertChunk adds c to the address-ordered chunk list.
func (h *Heap) insertChunk(c *chunk) {
	i, _ := slices.BinarySearchFunc(h.chunks, c.start, func(x *chunk, start vm.Addr) int {
		switch {
		case x.start < start:
			return -1
		case x.start > start:
			return 1
		}
		return 0
	})
	h.chunks = slices.Insert(h.chunks, i, c)
}

// removeChunk drops c from the chunk list.
func (h *Heap) removeChunk(c *chunk) {
	if i := slices.Index(h.chunks, c); i >= 0 {
		h.chunks = slices.Delete(h.chunks, i, i+1)
	}
}

// overlapsChunk reports whether [start, end) intersects any chunk reservation.
func (h *Heap) overlapsChunk(start, end vm.Addr) bool {
	for _, c := range h.chunks {
		if start < c.top && c.start < end {
			return true
		}
	}
	return false
}
