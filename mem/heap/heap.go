package heap

import (
	"fmt"
	"sync"

	"github.com/joshuapare/kmem/internal/layout"
	"github.com/joshuapare/kmem/internal/logger"
	"github.com/joshuapare/kmem/mem/rbtree"
	"github.com/joshuapare/kmem/mem/vm"
)

// MaxAlloc is the largest request Alloc accepts.
const MaxAlloc = 1 << 30

// Heap is a general-purpose allocator that grows by committing pages from
// a vm.Provider.
//
// Memory is organized into chunks, each a provider reservation whose
// committed prefix is tiled by nodes. Every node is a 16-byte header, a
// payload and a 4-byte end sentinel; headers and sentinels live in the
// committed memory itself and are checked whenever a node is touched.
//
// Two trees index the nodes:
//   - used: allocated nodes keyed by payload address (for Free)
//   - free: free nodes keyed by payload size (best fit via FindOrAfter)
//
// Every public method runs under the injected lock. The heap has no
// internal synchronization of its own.
type Heap struct {
	mu  sync.Locker
	p   vm.Provider
	cfg Config

	pageSize int
	chunks   []*chunk // sorted by start

	used rbtree.Tree[*node]
	free rbtree.Tree[*node]

	state State
	stats Stats

	// Pool for node bookkeeping (avoids an allocation per split)
	nodes sync.Pool

	verifyEach bool
}

// New creates an empty heap that grows into p.
//
// Parameters:
//   - p: page provider chunks are reserved from
//   - lock: held around every public method (nil for none)
//   - cfg: growth and debug settings (nil for DefaultConfig)
func New(p vm.Provider, lock sync.Locker, cfg *Config) (*Heap, error) {
	if cfg == nil {
		cfg = &DefaultConfig
	}
	if lock == nil {
		lock = nopLocker{}
	}
	ps := p.PageSize()
	if ps < layout.ChunkHeaderSize+layout.MinNodeSize || !layout.IsPow2(uint64(ps)) {
		return nil, fmt.Errorf("%w: provider page size %d", ErrBadArgument, ps)
	}
	if cfg.ChunkReserveBytes > maxChunkBytes {
		return nil, fmt.Errorf("%w: chunk reserve %d exceeds %d", ErrBadArgument, cfg.ChunkReserveBytes, uint64(maxChunkBytes))
	}

	h := &Heap{
		mu:         lock,
		p:          p,
		cfg:        *cfg,
		pageSize:   ps,
		verifyEach: cfg.VerifyEachOp || verifyEnv,
		nodes: sync.Pool{
			New: func() any {
				return &node{}
			},
		},
	}
	h.used.Init(nil)
	h.free.Init(nil)
	return h, nil
}

// Alloc returns n bytes of memory and their address. The size is rounded up
// to 4 bytes; the returned slice has exactly n bytes. Newly committed
// memory is not zeroed.
//
// When no free node fits, the heap grows only if allowExpansion is set.
func (h *Heap) Alloc(n int, allowExpansion bool) (vm.Addr, []byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stats.AllocCalls++
	if n <= 0 {
		h.stats.FailedAllocs++
		return 0, nil, fmt.Errorf("%w: alloc %d bytes", ErrBadArgument, n)
	}
	if n > MaxAlloc {
		h.stats.FailedAllocs++
		return 0, nil, fmt.Errorf("%w: alloc %d bytes exceeds %d", ErrOutOfMemory, n, MaxAlloc)
	}
	need := layout.Align4(uint64(n))

	var nd *node
	if l := h.free.FindOrAfter(need); l != nil {
		nd = l.Value
	} else {
		if !allowExpansion {
			h.stats.FailedAllocs++
			return 0, nil, fmt.Errorf("%w: no free node for %d bytes", ErrOutOfMemory, need)
		}
		var err error
		if nd, err = h.grow(need); err != nil {
			h.stats.FailedAllocs++
			return 0, nil, err
		}
	}

	h.take(nd, need)
	h.afterMutation()

	if logAlloc {
		logger.Debug("heap: alloc", "request", n, "size", nd.size, "addr", fmt.Sprintf("%#x", nd.payload()))
	}
	return nd.payload(), nd.chunk.bytes(nd.payload(), uint64(n)), nil
}

// Free releases the allocation at p. Unknown addresses return ErrNotFound.
// Overwritten guards around the allocation panic with *CorruptionError.
//
// When freeing empties a chunk, the chunk is handed back to the provider. A
// provider error from that step is returned, but the allocation is already
// freed and the chunk is no longer part of the heap.
func (h *Heap) Free(p vm.Addr) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stats.FreeCalls++
	l := h.used.Find(p)
	if l == nil {
		return fmt.Errorf("%w: %#x", ErrNotFound, p)
	}
	nd := l.Value
	nd.mustCheck()

	if logAlloc {
		logger.Debug("heap: free", "addr", fmt.Sprintf("%#x", p), "size", nd.size)
	}

	h.used.Remove(&nd.link)
	h.state.AllocCount--
	h.state.AllocBytes -= nd.size
	h.state.FreeBytes += nd.size
	nd.free = true
	if h.cfg.Poison {
		layout.Fill32(nd.chunk.bytes(nd.payload(), nd.size), layout.Poison)
	}

	nd = h.coalesce(nd)
	c := nd.chunk
	if nd.prev == nil && nd.next == nil && !c.pinned {
		err := h.destroyChunk(c)
		h.afterMutation()
		return err
	}

	nd.write()
	h.free.Insert(nd.size, &nd.link)
	h.afterMutation()
	return nil
}

// GetState returns the running totals and the largest free payload.
func (h *Heap) GetState() (State, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stateLocked()
}

func (h *Heap) stateLocked() (State, uint64) {
	var largest uint64
	if l := h.free.Last(); l != nil {
		largest = l.Key()
	}
	return h.state, largest
}

// Payload returns the full payload of the live allocation at p, including
// any bytes added by rounding.
func (h *Heap) Payload(p vm.Addr) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	l := h.used.Find(p)
	if l == nil {
		return nil, fmt.Errorf("%w: %#x", ErrNotFound, p)
	}
	nd := l.Value
	return nd.chunk.bytes(nd.payload(), nd.size), nil
}

// take turns free node nd into a used node of size need, splitting off the
// remainder when it can hold a node of its own.
func (h *Heap) take(nd *node, need uint64) {
	nd.mustCheck()
	h.free.Remove(&nd.link)
	h.state.FreeBytes -= nd.size

	if left := nd.size - need; left >= layout.MinNodeSize {
		rest := h.getNode()
		rest.chunk = nd.chunk
		rest.addr = nd.payload() + need + layout.EndSentinelSize
		rest.size = left - layout.NodeOverhead
		rest.free = true
		linkAfter(nd, rest)
		rest.write()
		h.free.Insert(rest.size, &rest.link)

		nd.size = need
		h.state.FreeBytes += rest.size
		h.state.OverheadBytes += layout.NodeOverhead
		h.stats.Splits++
	}

	nd.free = false
	nd.write()
	h.used.Insert(nd.payload(), &nd.link)
	h.state.AllocCount++
	h.state.AllocBytes += nd.size
}

// coalesce merges free node nd with free neighbours and returns the
// surviving node. The survivor is not in the free tree and its header is
// stale; the caller writes it.
func (h *Heap) coalesce(nd *node) *node {
	if prev := nd.prev; prev != nil && prev.free {
		prev.mustCheck()
		h.free.Remove(&prev.link)
		h.absorb(prev, nd)
		nd = prev
		h.stats.CoalesceBackward++
	}
	if next := nd.next; next != nil && next.free {
		next.mustCheck()
		h.free.Remove(&next.link)
		h.absorb(nd, next)
		h.stats.CoalesceForward++
	}
	return nd
}

// absorb folds right (which directly follows left) into left. Both are free
// and neither is in a tree.
func (h *Heap) absorb(left, right *node) {
	// right's header and left's end sentinel become payload.
	seam := left.payload() + left.size
	if h.cfg.Poison {
		layout.Fill32(left.chunk.bytes(seam, layout.NodeOverhead), layout.Poison)
	}
	left.size += layout.NodeOverhead + right.size
	h.state.FreeBytes += layout.NodeOverhead
	h.state.OverheadBytes -= layout.NodeOverhead

	unlinkNode(right)
	h.putNode(right)
}

// afterMutation runs the consistency walk when verification is forced on.
func (h *Heap) afterMutation() {
	if !h.verifyEach {
		return
	}
	if err := h.verify(); err != nil {
		panic(err)
	}
}
