package heap

import (
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/kmem/internal/layout"
	"github.com/joshuapare/kmem/mem/vm"
)

// testConfig verifies after every mutation.
func testConfig() *Config {
	cfg := DefaultConfig
	cfg.VerifyEachOp = true
	return &cfg
}

func newTestHeap(t testing.TB, cfg *Config, simCfg *vm.SimConfig) (*Heap, *vm.Sim) {
	t.Helper()
	sim, err := vm.NewSim(simCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sim.Close() })

	if cfg == nil {
		cfg = testConfig()
	}
	h, err := New(sim, &sync.Mutex{}, cfg)
	require.NoError(t, err)
	return h, sim
}

func mustAlloc(t testing.TB, h *Heap, n int) vm.Addr {
	t.Helper()
	p, b, err := h.Alloc(n, true)
	require.NoError(t, err)
	require.Len(t, b, n)
	return p
}

// requireCorruption runs fn and requires it to panic with *CorruptionError.
func requireCorruption(t *testing.T, fn func()) *CorruptionError {
	t.Helper()
	var got *CorruptionError
	func() {
		defer func() {
			r := recover()
			require.NotNil(t, r, "expected a corruption panic")
			ce, ok := r.(*CorruptionError)
			require.True(t, ok, "panic value %T: %v", r, r)
			got = ce
		}()
		fn()
	}()
	return got
}

// liveRange is a live allocation as seen through Payload.
type liveRange struct {
	addr vm.Addr
	size uint64
}

// requireDisjointInChunks checks that live payloads never overlap and lie
// inside some chunk's committed extent.
func requireDisjointInChunks(t *testing.T, h *Heap, live []vm.Addr) {
	t.Helper()
	ranges := make([]liveRange, 0, len(live))
	for _, p := range live {
		b, err := h.Payload(p)
		require.NoError(t, err)
		ranges = append(ranges, liveRange{p, uint64(len(b))})
	}
	slices.SortFunc(ranges, func(a, b liveRange) int {
		switch {
		case a.addr < b.addr:
			return -1
		case a.addr > b.addr:
			return 1
		}
		return 0
	})
	for i, r := range ranges {
		if i > 0 {
			prev := ranges[i-1]
			require.LessOrEqual(t, prev.addr+prev.size+layout.NodeOverhead, r.addr,
				"payloads %#x and %#x overlap", prev.addr, r.addr)
		}
		inside := false
		for _, c := range h.chunks {
			if r.addr >= c.start+layout.ChunkHeaderSize && r.addr+r.size <= c.brk {
				inside = true
				break
			}
		}
		require.True(t, inside, "payload %#x outside every committed extent", r.addr)
	}
}

// lockTracker counts lock transitions and lets a provider assert the lock is held.
type lockTracker struct {
	locks, unlocks int
	held           bool
}

func (l *lockTracker) Lock() {
	l.locks++
	l.held = true
}

func (l *lockTracker) Unlock() {
	l.unlocks++
	l.held = false
}

// lockCheckedProvider fails the test if the heap calls the provider unlocked.
type lockCheckedProvider struct {
	vm.Provider
	t    *testing.T
	lock *lockTracker
}

func (p *lockCheckedProvider) Reserve(pages int, flags vm.Flags) (vm.Addr, error) {
	require.True(p.t, p.lock.held, "Reserve called without the heap lock")
	return p.Provider.Reserve(pages, flags)
}

func (p *lockCheckedProvider) Commit(base vm.Addr, pages int, attr vm.Attr) error {
	require.True(p.t, p.lock.held, "Commit called without the heap lock")
	return p.Provider.Commit(base, pages, attr)
}

func (p *lockCheckedProvider) Release(base vm.Addr) error {
	require.True(p.t, p.lock.held, "Release called without the heap lock")
	return p.Provider.Release(base)
}

var errInjected = errors.New("injected provider failure")

// faultyProvider fails the next N calls of selected operations.
type faultyProvider struct {
	vm.Provider
	failSlice, failDecommit, failRelease int
}

func (p *faultyProvider) Slice(addr vm.Addr, n int) ([]byte, error) {
	if p.failSlice > 0 {
		p.failSlice--
		return nil, errInjected
	}
	return p.Provider.Slice(addr, n)
}

func (p *faultyProvider) Decommit(base vm.Addr, pages int) error {
	if p.failDecommit > 0 {
		p.failDecommit--
		return errInjected
	}
	return p.Provider.Decommit(base, pages)
}

func (p *faultyProvider) Release(base vm.Addr) error {
	if p.failRelease > 0 {
		p.failRelease--
		return errInjected
	}
	return p.Provider.Release(base)
}

func newFaultyHeap(t *testing.T, cfg *Config) (*Heap, *faultyProvider, *vm.Sim) {
	t.Helper()
	sim, err := vm.NewSim(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sim.Close() })

	fp := &faultyProvider{Provider: sim}
	if cfg == nil {
		cfg = testConfig()
	}
	h, err := New(fp, &sync.Mutex{}, cfg)
	require.NoError(t, err)
	return h, fp, sim
}
