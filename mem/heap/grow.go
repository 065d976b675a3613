package heap

import (
	"errors"
	"fmt"

	"github.com/joshuapare/kmem/internal/layout"
	"github.com/joshuapare/kmem/internal/logger"
	"github.com/joshuapare/kmem/mem/vm"
)

// grow makes room for a payload of need bytes and returns the free node
// that now fits it. It first pushes the break of an existing chunk with
// enough reserved space, and only then reserves a new chunk.
func (h *Heap) grow(need uint64) (*node, error) {
	h.stats.GrowCalls++

	for _, c := range h.chunks {
		extra := h.breakBytes(c, need)
		if c.committed()+extra > c.reserved() {
			continue
		}
		nd, err := h.pushBreak(c, need, extra)
		if err != nil {
			return nil, err
		}
		return nd, nil
	}
	return h.newChunk(need)
}

// breakBytes returns the page-rounded bytes the break of c must advance to
// fit need at its end.
func (h *Heap) breakBytes(c *chunk, need uint64) uint64 {
	var bytes uint64
	if last := c.last; last != nil && last.free {
		bytes = need - min(need, last.size)
	} else {
		bytes = layout.NodeOverhead + need
	}
	return layout.AlignUp(bytes, uint64(h.pageSize))
}

// pushBreak commits extra bytes at the end of c and extends (or appends) the
// trailing free node.
func (h *Heap) pushBreak(c *chunk, need, extra uint64) (*node, error) {
	if err := h.p.Commit(c.brk, layout.Pages(extra, h.pageSize), vm.AttrRW); err != nil {
		return nil, h.providerErr("commit", err)
	}
	oldBrk := c.brk
	mem, err := h.p.Slice(c.start, int(c.committed()+extra))
	if err != nil {
		if derr := h.p.Decommit(oldBrk, layout.Pages(extra, h.pageSize)); derr != nil {
			err = errors.Join(err, derr)
		}
		return nil, fmt.Errorf("heap: map chunk %#x: %w", c.start, err)
	}
	c.brk += extra
	c.mem = mem
	c.writeHeader()

	if h.cfg.Poison {
		layout.Fill32(c.bytes(oldBrk, extra), layout.Poison)
	}

	var nd *node
	if last := c.last; last != nil && last.free {
		last.mustCheck()
		h.free.Remove(&last.link)
		if h.cfg.Poison {
			layout.Fill32(c.bytes(last.payload()+last.size, layout.EndSentinelSize), layout.Poison)
		}
		last.size += extra
		h.state.FreeBytes += extra
		nd = last
	} else {
		nd = h.getNode()
		nd.chunk = c
		nd.addr = oldBrk
		nd.size = extra - layout.NodeOverhead
		nd.free = true
		linkAfter(c.last, nd)
		h.state.FreeBytes += nd.size
		h.state.OverheadBytes += layout.NodeOverhead
	}
	nd.write()
	h.free.Insert(nd.size, &nd.link)

	h.stats.GrowBytes += extra
	logger.Debug("heap: break pushed", "chunk", fmt.Sprintf("%#x", c.start),
		"break", fmt.Sprintf("%#x", c.brk), "need", need)
	return nd, nil
}

// newChunk reserves and commits a chunk big enough for need.
func (h *Heap) newChunk(need uint64) (*node, error) {
	ps := uint64(h.pageSize)
	commit := layout.AlignUp(layout.ChunkHeaderSize+layout.NodeOverhead+need, ps)
	reserve := max(layout.AlignUp(h.cfg.ChunkReserveBytes, ps), commit)
	if reserve > maxChunkBytes {
		return nil, fmt.Errorf("%w: chunk of %d bytes", ErrOutOfMemory, reserve)
	}

	base, err := h.p.Reserve(layout.Pages(reserve, h.pageSize), vm.FlagNone)
	if err != nil {
		return nil, h.providerErr("reserve", err)
	}
	if err := h.p.Commit(base, layout.Pages(commit, h.pageSize), vm.AttrRW); err != nil {
		_ = h.p.Release(base)
		return nil, h.providerErr("commit", err)
	}

	c := &chunk{start: base, brk: base + commit, top: base + reserve}
	if err := c.remap(h.p); err != nil {
		_ = h.p.Release(base)
		return nil, err
	}
	nd := h.initChunk(c)

	h.stats.ChunksCreated++
	logger.Debug("heap: chunk created", "start", fmt.Sprintf("%#x", c.start),
		"committed", commit, "reserved", reserve)
	return nd, nil
}

// initChunk writes the header and a single free node spanning the committed
// extent of c, then adds c to the chunk list.
func (h *Heap) initChunk(c *chunk) *node {
	c.writeHeader()
	if h.cfg.Poison {
		layout.Fill32(c.mem[layout.ChunkHeaderSize:], layout.Poison)
	}

	nd := h.getNode()
	nd.chunk = c
	nd.addr = c.start + layout.ChunkHeaderSize
	nd.size = c.committed() - layout.ChunkHeaderSize - layout.NodeOverhead
	nd.free = true
	linkAfter(nil, nd)
	nd.write()
	h.free.Insert(nd.size, &nd.link)

	h.insertChunk(c)
	h.state.OverheadBytes += layout.ChunkHeaderSize + layout.NodeOverhead
	h.state.FreeBytes += nd.size
	return nd
}

// destroyChunk hands c back to the provider. c must hold exactly one free
// node that is not in the free tree. The chunk leaves the heap even when the
// provider fails; Release is attempted regardless of Decommit.
func (h *Heap) destroyChunk(c *chunk) error {
	nd := c.first
	h.state.FreeBytes -= nd.size
	h.state.OverheadBytes -= layout.ChunkHeaderSize + layout.NodeOverhead
	h.removeChunk(c)
	h.putNode(nd)
	c.first, c.last, c.mem = nil, nil, nil
	h.stats.ChunksDestroyed++

	var errs []error
	if err := h.p.Decommit(c.start, layout.Pages(c.committed(), h.pageSize)); err != nil {
		errs = append(errs, fmt.Errorf("heap: decommit chunk %#x: %w", c.start, err))
	}
	if err := h.p.Release(c.start); err != nil {
		errs = append(errs, fmt.Errorf("heap: release chunk %#x: %w", c.start, err))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	logger.Debug("heap: chunk destroyed", "start", fmt.Sprintf("%#x", c.start))
	return nil
}

// AddAndAllocFromChunk seeds the heap with a chunk the caller already
// reserved, then allocates n bytes from it.
//
// base must be page aligned. The first initBytes are already committed;
// the chunk may later grow up to fullBytes by committing through the
// provider. Both sizes must be page multiples. The chunk is pinned: it is
// never released, even when empty.
func (h *Heap) AddAndAllocFromChunk(base vm.Addr, initBytes, fullBytes uint64, n int) (vm.Addr, []byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ps := uint64(h.pageSize)
	switch {
	case n <= 0 || n > MaxAlloc:
		return 0, nil, fmt.Errorf("%w: alloc %d bytes", ErrBadArgument, n)
	case base%ps != 0 || initBytes%ps != 0 || fullBytes%ps != 0:
		return 0, nil, fmt.Errorf("%w: chunk %#x (%d/%d bytes) not page aligned", ErrBadArgument, base, initBytes, fullBytes)
	case initBytes == 0 || initBytes > fullBytes || fullBytes > maxChunkBytes:
		return 0, nil, fmt.Errorf("%w: chunk sizes %d/%d", ErrBadArgument, initBytes, fullBytes)
	case base+fullBytes < base || h.overlapsChunk(base, base+fullBytes):
		return 0, nil, fmt.Errorf("%w: chunk %#x overlaps an existing chunk", ErrBadArgument, base)
	}

	need := layout.Align4(uint64(n))
	if layout.ChunkHeaderSize+layout.NodeOverhead+need > initBytes {
		return 0, nil, fmt.Errorf("%w: %d bytes do not fit a %d-byte chunk", ErrOutOfMemory, n, initBytes)
	}

	c := &chunk{start: base, brk: base + initBytes, top: base + fullBytes, pinned: true}
	if err := c.remap(h.p); err != nil {
		return 0, nil, err
	}
	nd := h.initChunk(c)
	h.take(nd, need)
	h.stats.AllocCalls++
	h.afterMutation()

	logger.Debug("heap: bootstrap chunk added", "start", fmt.Sprintf("%#x", base),
		"committed", initBytes, "reserved", fullBytes)
	return nd.payload(), c.bytes(nd.payload(), uint64(n)), nil
}

func (h *Heap) providerErr(op string, err error) error {
	if errors.Is(err, vm.ErrOutOfMemory) {
		return fmt.Errorf("%w: provider %s: %w", ErrOutOfMemory, op, err)
	}
	return fmt.Errorf("heap: provider %s: %w", op, err)
}
