package vm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bytedance/gopkg/lang/mcache"

	"github.com/joshuapare/kmem/internal/buf"
	"github.com/joshuapare/kmem/internal/layout"
	"github.com/joshuapare/kmem/internal/logger"
	"github.com/joshuapare/kmem/mem/rangealloc"
)

// SimConfig describes a simulated address space.
type SimConfig struct {
	// PageSize is the commit granularity. Must be a power of two.
	PageSize int

	// Base is the first address of the window. Must be page aligned.
	Base Addr

	// WindowBytes is the size of the address window reservations are carved from.
	WindowBytes uint64

	// PageBudget caps the number of committed pages across all reservations.
	// Zero means unlimited.
	PageBudget int
}

// DefaultSimConfig is a 4 GiB window at 256 MiB with 4 KiB pages and no budget.
var DefaultSimConfig = SimConfig{
	PageSize:    layout.DefaultPageSize,
	Base:        0x1000_0000,
	WindowBytes: 1 << 32,
}

// SimStats reports the simulated address space usage.
type SimStats struct {
	Reservations   int
	ReservedPages  int
	CommittedPages int
	FreeBytes      uint64 // unreserved window bytes
}

type simReservation struct {
	node  *rangealloc.Node
	mem   []byte
	pages pageSet
}

// Sim is an in-process Provider. Reservations are carved from a fixed
// address window by a range allocator and backed by pooled buffers that
// are not cleared, so committed memory starts out with arbitrary contents.
//
// Sim is safe for concurrent use.
type Sim struct {
	mu sync.Mutex

	cfg       SimConfig
	space     *rangealloc.Allocator
	nodes     *rangealloc.NodePool
	res       map[Addr]*simReservation
	committed int
}

// NewSim creates a simulated provider (cfg nil uses DefaultSimConfig).
func NewSim(cfg *SimConfig) (*Sim, error) {
	if cfg == nil {
		cfg = &DefaultSimConfig
	}
	c := *cfg
	if c.PageSize == 0 {
		c.PageSize = layout.DefaultPageSize
	}
	ps := uint64(c.PageSize)
	if c.PageSize < 0 || !layout.IsPow2(ps) {
		return nil, fmt.Errorf("%w: page size %d", ErrBadArgument, c.PageSize)
	}
	if c.Base%ps != 0 || c.WindowBytes < ps || c.WindowBytes%ps != 0 {
		return nil, fmt.Errorf("%w: window %#x+%#x not page aligned", ErrBadArgument, c.Base, c.WindowBytes)
	}

	s := &Sim{
		cfg:   c,
		nodes: rangealloc.NewNodePool(0),
		res:   make(map[Addr]*simReservation),
	}
	s.space = rangealloc.New(s.nodes.Acquire, s.nodes.Release)
	if err := s.space.AddFreeSpaceNode(c.Base, c.WindowBytes); err != nil {
		return nil, fmt.Errorf("vm: sim window: %w", err)
	}
	return s, nil
}

// PageSize returns the configured page size.
func (s *Sim) PageSize() int { return s.cfg.PageSize }

// Reserve carves pages of address space from the window.
func (s *Sim) Reserve(pages int, flags Flags) (Addr, error) {
	if pages <= 0 {
		return 0, fmt.Errorf("%w: reserve %d pages", ErrBadArgument, pages)
	}
	size, ok := buf.MulOverflowSafe(uint64(pages), uint64(s.cfg.PageSize))
	if !ok || size > uint64(maxSliceLen) {
		return 0, fmt.Errorf("%w: reserve %d pages", ErrOutOfMemory, pages)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var node *rangealloc.Node
	var err error
	if flags&FlagTopDown != 0 {
		node, err = s.space.AllocNodeHighest(size, uint64(s.cfg.PageSize))
	} else {
		node, err = s.space.AllocNodeLowest(size, uint64(s.cfg.PageSize))
	}
	if err != nil {
		if errors.Is(err, rangealloc.ErrOutOfMemory) {
			return 0, fmt.Errorf("%w: no window space for %d pages", ErrOutOfMemory, pages)
		}
		return 0, fmt.Errorf("vm: reserve: %w", err)
	}

	r := &simReservation{
		node:  node,
		mem:   mcache.Malloc(int(size)),
		pages: newPageSet(pages),
	}
	s.res[node.Addr()] = r

	logger.Debug("vm: sim reserve", "base", fmt.Sprintf("%#x", node.Addr()), "pages", pages)
	return node.Addr(), nil
}

// Commit backs pages starting at base. Committing an already committed page
// is allowed and does not count against the budget twice.
func (s *Sim) Commit(base Addr, pages int, attr Attr) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, first, err := s.locate(base, pages)
	if err != nil {
		return err
	}
	if s.cfg.PageBudget > 0 {
		need := r.pages.missing(first, pages)
		if s.committed+need > s.cfg.PageBudget {
			return fmt.Errorf("%w: page budget %d exhausted", ErrOutOfMemory, s.cfg.PageBudget)
		}
	}
	s.committed += r.pages.set(first, pages)
	return nil
}

// Decommit drops the backing of pages starting at base.
func (s *Sim) Decommit(base Addr, pages int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, first, err := s.locate(base, pages)
	if err != nil {
		return err
	}
	s.committed -= r.pages.clear(first, pages)
	return nil
}

// Release returns the reservation at base to the window.
func (s *Sim) Release(base Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.res[base]
	if !ok {
		return fmt.Errorf("%w: no reservation at %#x", ErrBadAddress, base)
	}
	delete(s.res, base)
	s.committed -= r.pages.count
	mcache.Free(r.mem)
	if err := s.space.FreeNode(r.node); err != nil {
		return fmt.Errorf("vm: release %#x: %w", base, err)
	}

	logger.Debug("vm: sim release", "base", fmt.Sprintf("%#x", base))
	return nil
}

// Slice returns n committed bytes at addr.
func (s *Sim) Slice(addr Addr, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative length", ErrBadArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.lookup(addr)
	if r == nil {
		return nil, fmt.Errorf("%w: %#x", ErrBadAddress, addr)
	}
	off := int(addr - r.node.Addr())
	view, ok := buf.Slice(r.mem, off, n)
	if !ok {
		return nil, fmt.Errorf("%w: %#x+%d crosses reservation end", ErrBadAddress, addr, n)
	}
	if n > 0 {
		ps := s.cfg.PageSize
		first := off / ps
		last := (off + n - 1) / ps
		if !r.pages.all(first, last-first+1) {
			return nil, fmt.Errorf("%w: %#x+%d", ErrNotCommitted, addr, n)
		}
	}
	return view[:n:n], nil
}

// Stats returns current usage.
func (s *Sim) Stats() SimStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := SimStats{
		Reservations:   len(s.res),
		CommittedPages: s.committed,
	}
	for _, r := range s.res {
		st.ReservedPages += len(r.mem) / s.cfg.PageSize
	}
	st.FreeBytes = s.space.Stats().FreeBytes
	return st
}

// Close releases every reservation.
func (s *Sim) Close() error {
	s.mu.Lock()
	bases := make([]Addr, 0, len(s.res))
	for base := range s.res {
		bases = append(bases, base)
	}
	s.mu.Unlock()

	var errs []error
	for _, base := range bases {
		if err := s.Release(base); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// lookup returns the reservation containing addr.
func (s *Sim) lookup(addr Addr) *simReservation {
	n := s.space.Lookup(addr)
	if n == nil || n.IsFree() {
		return nil
	}
	return s.res[n.Addr()]
}

// locate validates a page range and returns its reservation and first page index.
func (s *Sim) locate(base Addr, pages int) (*simReservation, int, error) {
	ps := s.cfg.PageSize
	if pages <= 0 || base%uint64(ps) != 0 {
		return nil, 0, fmt.Errorf("%w: %#x, %d pages", ErrBadArgument, base, pages)
	}
	r := s.lookup(base)
	if r == nil {
		return nil, 0, fmt.Errorf("%w: %#x", ErrBadAddress, base)
	}
	first := int(base-r.node.Addr()) / ps
	if first+pages > len(r.mem)/ps {
		return nil, 0, fmt.Errorf("%w: %#x+%d pages crosses reservation end", ErrBadAddress, base, pages)
	}
	return r, first, nil
}

// maxSliceLen bounds a single reservation so its backing fits in an int.
const maxSliceLen = int(^uint(0) >> 1)
