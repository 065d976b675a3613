package heap

import (
	"bytes"
	"errors"
	"math/rand"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/kmem/internal/layout"
	"github.com/joshuapare/kmem/mem/verify"
	"github.com/joshuapare/kmem/mem/vm"
)

// Test_Heap_ReuseAfterFree checks that freeing the only allocation and
// allocating the same size again returns the same address.
func Test_Heap_ReuseAfterFree(t *testing.T) {
	h, sim := newTestHeap(t, nil, nil)

	p, b, err := h.Alloc(8, true)
	require.NoError(t, err)
	require.Len(t, b, 8)
	require.Zero(t, p%layout.Granule)

	require.NoError(t, h.Free(p))
	require.Zero(t, sim.Stats().Reservations, "empty chunk should be released")

	again, _, err := h.Alloc(8, true)
	require.NoError(t, err)
	require.Equal(t, p, again)
}

func Test_Heap_ReuseAfterFreeWithNeighbours(t *testing.T) {
	h, _ := newTestHeap(t, nil, nil)

	keep := mustAlloc(t, h, 200)
	p := mustAlloc(t, h, 8)
	require.NoError(t, h.Free(p))

	again := mustAlloc(t, h, 8)
	require.Equal(t, p, again)
	require.NotEqual(t, keep, again)
}

// Test_Heap_AllocFreeRestoresState checks that an alloc/free pair with no
// other activity leaves every total where it was.
func Test_Heap_AllocFreeRestoresState(t *testing.T) {
	h, _ := newTestHeap(t, nil, nil)
	mustAlloc(t, h, 64) // keeps the chunk alive

	for _, n := range []int{1, 3, 4, 8, 100, 1000, 3000, 3952} {
		before, largestBefore := h.GetState()

		p, b, err := h.Alloc(n, false)
		require.NoError(t, err, "size %d", n)
		require.Len(t, b, n)

		mid, _ := h.GetState()
		require.Equal(t, before.AllocCount+1, mid.AllocCount)
		require.Equal(t, before.Committed(), mid.Committed(), "alloc must not commit from a fitting node")

		require.NoError(t, h.Free(p))
		after, largestAfter := h.GetState()
		require.Equal(t, before, after, "size %d", n)
		require.Equal(t, largestBefore, largestAfter)
	}
}

func Test_Heap_CoalesceBothOrders(t *testing.T) {
	orders := map[string][2]int{
		"backward": {0, 1},
		"forward":  {1, 0},
	}
	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			h, _ := newTestHeap(t, nil, nil)
			ptrs := []vm.Addr{mustAlloc(t, h, 64), mustAlloc(t, h, 64), mustAlloc(t, h, 64)}

			require.NoError(t, h.Free(ptrs[order[0]]))
			require.NoError(t, h.Free(ptrs[order[1]]))

			st := h.Stats()
			require.Equal(t, 1, st.CoalesceBackward+st.CoalesceForward)

			// Two payloads plus the header and sentinel between them.
			merged := 64 + layout.NodeOverhead + 64
			p, _, err := h.Alloc(merged, false)
			require.NoError(t, err)
			require.Equal(t, ptrs[0], p)

			b, err := h.Payload(p)
			require.NoError(t, err)
			require.Len(t, b, merged)
		})
	}
}

func Test_Heap_FreeMergesThreeWays(t *testing.T) {
	h, _ := newTestHeap(t, nil, nil)
	a := mustAlloc(t, h, 40)
	b := mustAlloc(t, h, 40)
	c := mustAlloc(t, h, 40)
	d := mustAlloc(t, h, 40)

	require.NoError(t, h.Free(a))
	require.NoError(t, h.Free(c))
	before := h.Stats().FreeNodes

	require.NoError(t, h.Free(b))
	s := h.Stats()
	require.Equal(t, before-1, s.FreeNodes, "b should join a and c into one node")
	require.Equal(t, 1, s.CoalesceBackward)
	require.Equal(t, 1, s.CoalesceForward)

	require.NoError(t, h.Free(d))
	require.Zero(t, h.Stats().Chunks)
}

func Test_Heap_ChunkLifecycle(t *testing.T) {
	h, sim := newTestHeap(t, nil, nil)

	// One page minus chunk header and node overhead fills the first commit exactly.
	full := layout.DefaultPageSize - layout.ChunkHeaderSize - layout.NodeOverhead
	p := mustAlloc(t, h, full)

	st, _ := h.GetState()
	require.Equal(t, State{
		AllocCount:    1,
		AllocBytes:    uint64(full),
		OverheadBytes: layout.ChunkHeaderSize + layout.NodeOverhead,
	}, st)
	require.Equal(t, uint64(layout.DefaultPageSize), st.Committed())
	require.Equal(t, 1, sim.Stats().CommittedPages)

	require.NoError(t, h.Free(p))
	st, largest := h.GetState()
	require.Equal(t, State{}, st)
	require.Zero(t, largest)

	s := h.Stats()
	require.Equal(t, 1, s.ChunksCreated)
	require.Equal(t, 1, s.ChunksDestroyed)
	require.Zero(t, s.Chunks)

	ss := sim.Stats()
	require.Zero(t, ss.Reservations)
	require.Zero(t, ss.CommittedPages)
}

func Test_Heap_SecondChunkOverhead(t *testing.T) {
	cfg := testConfig()
	cfg.ChunkReserveBytes = layout.DefaultPageSize
	h, sim := newTestHeap(t, cfg, nil)

	full := layout.DefaultPageSize - layout.ChunkHeaderSize - layout.NodeOverhead
	first := mustAlloc(t, h, full)
	one, _ := h.GetState()

	second := mustAlloc(t, h, full)
	two, _ := h.GetState()
	require.Equal(t, 2, h.Stats().Chunks)
	require.Equal(t, 2, sim.Stats().Reservations)
	require.Equal(t, one.OverheadBytes+layout.ChunkHeaderSize+layout.NodeOverhead, two.OverheadBytes)
	require.NotEqual(t, first, second)

	require.NoError(t, h.Free(second))
	back, _ := h.GetState()
	require.Equal(t, one, back)
	require.Equal(t, 1, sim.Stats().Reservations)
}

func Test_Heap_GrowPushesBreak(t *testing.T) {
	cfg := testConfig()
	cfg.ChunkReserveBytes = 64 << 10
	h, sim := newTestHeap(t, cfg, nil)

	small := mustAlloc(t, h, 100)
	big := mustAlloc(t, h, 8000)

	s := h.Stats()
	require.Equal(t, 1, s.ChunksCreated, "break push must not create a chunk")
	require.Equal(t, 2, s.GrowCalls, "first alloc creates the chunk, second pushes the break")
	require.Equal(t, uint64(layout.DefaultPageSize), s.GrowBytes)
	require.Equal(t, 2, sim.Stats().CommittedPages)
	requireDisjointInChunks(t, h, []vm.Addr{small, big})

	st, _ := h.GetState()
	require.Equal(t, uint64(2*layout.DefaultPageSize), st.Committed())
}

func Test_Heap_GrowNewChunkWhenReserveExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.ChunkReserveBytes = 2 * layout.DefaultPageSize
	h, _ := newTestHeap(t, cfg, nil)

	a := mustAlloc(t, h, 3000)
	b := mustAlloc(t, h, 3000) // pushes the break into the second page
	c := mustAlloc(t, h, 3000) // no room left: new chunk

	s := h.Stats()
	require.Equal(t, 2, s.ChunksCreated)
	require.Equal(t, 2, s.Chunks)
	requireDisjointInChunks(t, h, []vm.Addr{a, b, c})
}

func Test_Heap_LargeRequestGetsOwnChunk(t *testing.T) {
	h, _ := newTestHeap(t, nil, nil)

	n := 3 << 20 // larger than the default chunk reserve
	p, b, err := h.Alloc(n, true)
	require.NoError(t, err)
	require.Len(t, b, n)
	b[0], b[n-1] = 1, 2

	require.NoError(t, h.Free(p))
	require.Zero(t, h.Stats().Chunks)
}

func Test_Heap_SplitThreshold(t *testing.T) {
	h, _ := newTestHeap(t, nil, nil)
	room := layout.DefaultPageSize - layout.ChunkHeaderSize - layout.NodeOverhead

	// A leftover smaller than a minimal node stays with the allocation.
	n := room - layout.MinNodeSize + layout.Granule
	p := mustAlloc(t, h, n)
	b, err := h.Payload(p)
	require.NoError(t, err)
	require.Len(t, b, room)
	require.Zero(t, h.Stats().Splits)
	require.NoError(t, h.Free(p))

	// Exactly a minimal node's worth is split off.
	n = room - layout.MinNodeSize
	p = mustAlloc(t, h, n)
	b, err = h.Payload(p)
	require.NoError(t, err)
	require.Len(t, b, n)
	require.Equal(t, 1, h.Stats().Splits)

	_, largest := h.GetState()
	require.Equal(t, uint64(layout.Granule), largest)
}

func Test_Heap_RoundsToGranule(t *testing.T) {
	h, _ := newTestHeap(t, nil, nil)

	p, b, err := h.Alloc(5, true)
	require.NoError(t, err)
	require.Len(t, b, 5)

	full, err := h.Payload(p)
	require.NoError(t, err)
	require.Len(t, full, 8)

	st, _ := h.GetState()
	require.Equal(t, uint64(8), st.AllocBytes)
}

func Test_Heap_ArgumentErrors(t *testing.T) {
	h, _ := newTestHeap(t, nil, nil)

	_, _, err := h.Alloc(0, true)
	require.ErrorIs(t, err, ErrBadArgument)
	_, _, err = h.Alloc(-8, true)
	require.ErrorIs(t, err, ErrBadArgument)
	_, _, err = h.Alloc(MaxAlloc+1, true)
	require.ErrorIs(t, err, ErrOutOfMemory)

	require.Equal(t, 3, h.Stats().FailedAllocs)
	require.Zero(t, h.Stats().ChunksCreated)
}

func Test_Heap_NoExpansion(t *testing.T) {
	h, _ := newTestHeap(t, nil, nil)

	_, _, err := h.Alloc(8, false)
	require.ErrorIs(t, err, ErrOutOfMemory)

	mustAlloc(t, h, 8)
	_, _, err = h.Alloc(8000, false)
	require.ErrorIs(t, err, ErrOutOfMemory)
	require.Equal(t, 1, h.Stats().ChunksCreated)
}

func Test_Heap_ProviderExhaustion(t *testing.T) {
	simCfg := vm.DefaultSimConfig
	simCfg.PageBudget = 1
	h, _ := newTestHeap(t, nil, &simCfg)

	mustAlloc(t, h, 8)
	before, _ := h.GetState()

	_, _, err := h.Alloc(5000, true)
	require.ErrorIs(t, err, ErrOutOfMemory)
	require.ErrorIs(t, err, vm.ErrOutOfMemory)

	after, _ := h.GetState()
	require.Equal(t, before, after)
	require.NoError(t, h.Verify())
}

func Test_Heap_FreeNotFound(t *testing.T) {
	h, _ := newTestHeap(t, nil, nil)

	require.ErrorIs(t, h.Free(0x1234), ErrNotFound)

	keep := mustAlloc(t, h, 32)
	p := mustAlloc(t, h, 32)
	require.ErrorIs(t, h.Free(p+4), ErrNotFound, "interior pointer")

	require.NoError(t, h.Free(p))
	require.ErrorIs(t, h.Free(p), ErrNotFound, "double free")

	_, err := h.Payload(p)
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, h.Free(keep))
}

func Test_Heap_EndSentinelOverwrite(t *testing.T) {
	h, _ := newTestHeap(t, nil, nil)
	mustAlloc(t, h, 16)
	p := mustAlloc(t, h, 16)

	c := h.chunks[0]
	layout.PutU32(c.bytes(p+16, layout.EndSentinelSize), 0, 0xDEADBEEF)

	ce := requireCorruption(t, func() { _ = h.Free(p) })
	require.Equal(t, p+16, ce.Addr)
	require.Contains(t, ce.Error(), "end sentinel")
}

func Test_Heap_HeaderOverwrite(t *testing.T) {
	h, _ := newTestHeap(t, nil, nil)
	p := mustAlloc(t, h, 16)

	c := h.chunks[0]
	hdr := p - layout.NodeHeaderSize
	layout.PutU32(c.bytes(hdr, layout.NodeHeaderSize), layout.NodeSizeOffset, 9999)

	ce := requireCorruption(t, func() { _ = h.Free(p) })
	require.Equal(t, hdr, ce.Addr)
}

func Test_Heap_WriteAfterFreeDetected(t *testing.T) {
	h, _ := newTestHeap(t, nil, nil)
	p := mustAlloc(t, h, 64)
	mustAlloc(t, h, 64)

	require.NoError(t, h.Free(p))
	require.NoError(t, h.Verify())

	layout.PutU32(h.chunks[0].bytes(p+8, 4), 0, 0x12345678)

	err := h.Verify()
	var ve *verify.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "HeapNode", ve.Type)
	require.Equal(t, p+8, ve.Addr)
	require.Panics(t, h.MustVerify)
}

func Test_Heap_VerifyCatchesStateDrift(t *testing.T) {
	h, _ := newTestHeap(t, nil, nil)
	mustAlloc(t, h, 64)
	h.state.AllocBytes++

	var ve *verify.ValidationError
	require.ErrorAs(t, h.Verify(), &ve)
	require.Equal(t, "HeapState", ve.Type)
}

func Test_Heap_PoisonOffSkipsCheck(t *testing.T) {
	cfg := testConfig()
	cfg.Poison = false
	h, _ := newTestHeap(t, cfg, nil)

	p := mustAlloc(t, h, 64)
	mustAlloc(t, h, 64)
	require.NoError(t, h.Free(p))
	layout.PutU32(h.chunks[0].bytes(p, 4), 0, 0x12345678)
	require.NoError(t, h.Verify())
}

func Test_Heap_LockHeldAroundProvider(t *testing.T) {
	sim, err := vm.NewSim(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sim.Close() })

	lk := &lockTracker{}
	pp := &lockCheckedProvider{Provider: sim, t: t, lock: lk}
	h, err := New(pp, LockFuncs(lk.Lock, lk.Unlock), testConfig())
	require.NoError(t, err)

	p := mustAlloc(t, h, 128)
	require.NoError(t, h.Free(p))
	h.GetState()

	require.Equal(t, 3, lk.locks)
	require.Equal(t, lk.locks, lk.unlocks)
	require.False(t, lk.held)
}

func Test_Heap_NilLock(t *testing.T) {
	sim, err := vm.NewSim(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sim.Close() })

	h, err := New(sim, nil, nil)
	require.NoError(t, err)
	p := mustAlloc(t, h, 10)
	require.NoError(t, h.Free(p))

	l := LockFuncs(nil, nil)
	l.Lock()
	l.Unlock()
}

func Test_Heap_NewRejectsBadConfig(t *testing.T) {
	tiny, err := vm.NewSim(&vm.SimConfig{PageSize: 32, Base: 0x1000, WindowBytes: 1 << 20})
	require.NoError(t, err)
	_, err = New(tiny, nil, nil)
	require.ErrorIs(t, err, ErrBadArgument)

	sim, err := vm.NewSim(nil)
	require.NoError(t, err)
	cfg := DefaultConfig
	cfg.ChunkReserveBytes = maxChunkBytes + 1
	_, err = New(sim, nil, &cfg)
	require.ErrorIs(t, err, ErrBadArgument)
}

func Test_Heap_Bootstrap(t *testing.T) {
	h, sim := newTestHeap(t, nil, nil)
	ps := uint64(sim.PageSize())

	base, err := sim.Reserve(16, vm.FlagNone)
	require.NoError(t, err)
	require.NoError(t, sim.Commit(base, 1, vm.AttrRW))

	p, b, err := h.AddAndAllocFromChunk(base, ps, 16*ps, 100)
	require.NoError(t, err)
	require.Len(t, b, 100)
	require.Equal(t, base+layout.ChunkHeaderSize+layout.NodeHeaderSize, p)
	require.True(t, h.chunks[0].pinned)

	// Growth pushes the pinned chunk's break rather than reserving.
	big := mustAlloc(t, h, 8000)
	require.Zero(t, h.Stats().ChunksCreated)
	require.Equal(t, 2, sim.Stats().CommittedPages)

	require.NoError(t, h.Free(p))
	require.NoError(t, h.Free(big))

	st, _ := h.GetState()
	require.Zero(t, st.AllocCount)
	require.Equal(t, 2*ps-layout.ChunkHeaderSize-layout.NodeOverhead, st.FreeBytes)
	require.Equal(t, 1, h.Stats().Chunks, "pinned chunk survives when empty")
	require.Equal(t, 1, sim.Stats().Reservations)

	// The empty pinned chunk serves the next request.
	again := mustAlloc(t, h, 100)
	require.Equal(t, p, again)
}

func Test_Heap_BootstrapErrors(t *testing.T) {
	h, sim := newTestHeap(t, nil, nil)
	ps := uint64(sim.PageSize())

	base, err := sim.Reserve(4, vm.FlagNone)
	require.NoError(t, err)
	require.NoError(t, sim.Commit(base, 1, vm.AttrRW))

	tests := []struct {
		name      string
		base      vm.Addr
		init      uint64
		full      uint64
		n         int
		wantError error
	}{
		{"zero size", base, ps, 4 * ps, 0, ErrBadArgument},
		{"misaligned base", base + 8, ps, 4 * ps, 8, ErrBadArgument},
		{"misaligned size", base, ps + 8, 4 * ps, 8, ErrBadArgument},
		{"init past full", base, 4 * ps, ps, 8, ErrBadArgument},
		{"no committed bytes", base, 0, 4 * ps, 8, ErrBadArgument},
		{"request too big", base, ps, 4 * ps, int(ps), ErrOutOfMemory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := h.AddAndAllocFromChunk(tt.base, tt.init, tt.full, tt.n)
			require.ErrorIs(t, err, tt.wantError)
			require.Zero(t, h.Stats().Chunks)
		})
	}

	_, _, err = h.AddAndAllocFromChunk(base, ps, 4*ps, 8)
	require.NoError(t, err)
	_, _, err = h.AddAndAllocFromChunk(base, ps, 4*ps, 8)
	require.ErrorIs(t, err, ErrBadArgument, "overlapping chunk")
}

func Test_Heap_PrintStats(t *testing.T) {
	h, _ := newTestHeap(t, nil, nil)
	p := mustAlloc(t, h, 1000)
	mustAlloc(t, h, 2000)
	require.NoError(t, h.Free(p))

	var out bytes.Buffer
	h.PrintStats(&out)
	require.Contains(t, out.String(), "HEAP STATISTICS")
	require.Contains(t, out.String(), "Alloc calls:        2")
	require.Contains(t, out.String(), "Free calls:         1")
}

// Test_Heap_RandomWalk runs random alloc/free sequences and checks that
// payloads keep their contents, never overlap, and that every State total
// matches a full recomputation after each step.
func Test_Heap_RandomWalk(t *testing.T) {
	cfg := testConfig()
	cfg.ChunkReserveBytes = 32 << 10
	h, sim := newTestHeap(t, cfg, nil)

	rng := rand.New(rand.NewSource(42)) // Fixed seed for reproducibility
	type live struct {
		addr vm.Addr
		n    int
		fill byte
	}
	var allocs []live

	steps := 2000
	if testing.Short() {
		steps = 300
	}
	for i := range steps {
		if len(allocs) == 0 || rng.Intn(5) < 3 {
			n := 1 + rng.Intn(4096)
			p, b, err := h.Alloc(n, true)
			require.NoError(t, err, "step %d: alloc %d", i, n)
			fill := byte(i)
			for j := range b {
				b[j] = fill
			}
			allocs = append(allocs, live{p, n, fill})
		} else {
			k := rng.Intn(len(allocs))
			a := allocs[k]
			b, err := h.Payload(a.addr)
			require.NoError(t, err)
			for j := range a.n {
				if b[j] != a.fill {
					t.Fatalf("step %d: allocation %#x byte %d = %#x, want %#x", i, a.addr, j, b[j], a.fill)
				}
			}
			require.NoError(t, h.Free(a.addr), "step %d", i)
			allocs = slices.Delete(allocs, k, k+1)
		}

		if i%50 == 0 {
			addrs := make([]vm.Addr, len(allocs))
			for j, a := range allocs {
				addrs[j] = a.addr
			}
			requireDisjointInChunks(t, h, addrs)
		}
	}

	for _, a := range allocs {
		require.NoError(t, h.Free(a.addr))
	}
	st, _ := h.GetState()
	require.Equal(t, State{}, st)
	require.Zero(t, sim.Stats().Reservations)
	require.NoError(t, h.Verify())
}

func Test_Heap_ErrorsAreDistinct(t *testing.T) {
	require.False(t, errors.Is(ErrOutOfMemory, ErrNotFound))
	require.False(t, errors.Is(ErrBadArgument, ErrOutOfMemory))
}

func Benchmark_Heap_AllocFree(b *testing.B) {
	h, _ := newTestHeap(b, &DefaultConfig, nil)
	rng := rand.New(rand.NewSource(1))
	ring := make([]vm.Addr, 256)
	for i := range ring {
		ring[i] = mustAlloc(b, h, 16+rng.Intn(512))
	}

	b.ResetTimer()
	for i := range b.N {
		k := i % len(ring)
		if err := h.Free(ring[k]); err != nil {
			b.Fatal(err)
		}
		p, _, err := h.Alloc(16+rng.Intn(512), true)
		if err != nil {
			b.Fatal(err)
		}
		ring[k] = p
	}
}

func Test_Heap_ConcurrentCallers(t *testing.T) {
	h, _ := newTestHeap(t, &DefaultConfig, nil)

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(g)))
			var mine []vm.Addr
			for range 200 {
				if len(mine) > 0 && rng.Intn(2) == 0 {
					if err := h.Free(mine[len(mine)-1]); err != nil {
						t.Error(err)
						return
					}
					mine = mine[:len(mine)-1]
					continue
				}
				p, _, err := h.Alloc(1+rng.Intn(1024), true)
				if err != nil {
					t.Error(err)
					return
				}
				mine = append(mine, p)
			}
			for _, p := range mine {
				if err := h.Free(p); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()

	require.NoError(t, h.Verify())
	st, _ := h.GetState()
	require.Zero(t, st.AllocCount)
}

// Test_Heap_GrowMapFailureRollsBack checks that a provider that cannot map
// the pushed break leaves the heap as it was, and that a retry succeeds.
func Test_Heap_GrowMapFailureRollsBack(t *testing.T) {
	cfg := testConfig()
	cfg.ChunkReserveBytes = 64 << 10
	h, fp, sim := newFaultyHeap(t, cfg)

	small := mustAlloc(t, h, 100)
	before, largest := h.GetState()
	pages := sim.Stats().CommittedPages

	fp.failSlice = 1
	_, _, err := h.Alloc(8000, true)
	require.ErrorIs(t, err, errInjected)
	require.NoError(t, h.Verify())

	after, largestAfter := h.GetState()
	require.Equal(t, before, after)
	require.Equal(t, largest, largestAfter)
	require.Equal(t, pages, sim.Stats().CommittedPages, "pushed pages must be decommitted")
	require.Equal(t, 1, h.Stats().FailedAllocs)

	big := mustAlloc(t, h, 8000)
	require.NoError(t, h.Verify())
	require.Equal(t, 1, h.Stats().ChunksCreated)
	requireDisjointInChunks(t, h, []vm.Addr{small, big})
}

// Test_Heap_DestroyChunkFailureStillReleases checks that a failed decommit
// of an emptied chunk still releases the reservation and reports both errors.
func Test_Heap_DestroyChunkFailureStillReleases(t *testing.T) {
	h, fp, sim := newFaultyHeap(t, nil)

	p := mustAlloc(t, h, 64)
	fp.failDecommit = 1
	err := h.Free(p)
	require.ErrorIs(t, err, errInjected)
	require.ErrorContains(t, err, "decommit chunk")

	require.Zero(t, sim.Stats().Reservations)
	require.Zero(t, sim.Stats().CommittedPages)
	require.Zero(t, h.Stats().Chunks)
	st, _ := h.GetState()
	require.Equal(t, State{}, st)
	require.ErrorIs(t, h.Free(p), ErrNotFound, "the allocation is freed despite the error")
	require.NoError(t, h.Verify())

	p = mustAlloc(t, h, 64)
	fp.failDecommit, fp.failRelease = 1, 1
	err = h.Free(p)
	require.ErrorContains(t, err, "decommit chunk")
	require.ErrorContains(t, err, "release chunk")
	require.Zero(t, h.Stats().Chunks)
	require.NoError(t, h.Verify())

	// The heap keeps working on a fresh reservation.
	mustAlloc(t, h, 64)
	require.Equal(t, 1, h.Stats().Chunks)
}

func Test_Heap_PrintStatsLocksOnce(t *testing.T) {
	sim, err := vm.NewSim(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sim.Close() })

	lk := &lockTracker{}
	h, err := New(sim, LockFuncs(lk.Lock, lk.Unlock), testConfig())
	require.NoError(t, err)
	mustAlloc(t, h, 100)

	locks := lk.locks
	var out bytes.Buffer
	h.PrintStats(&out)
	require.Equal(t, locks+1, lk.locks)
	require.Equal(t, lk.locks, lk.unlocks)
	require.Contains(t, out.String(), "Live allocations:   1 (100 bytes)")
}
