//go:build linux || darwin

package vm

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/joshuapare/kmem/internal/buf"
	"github.com/joshuapare/kmem/internal/logger"
	"github.com/joshuapare/kmem/mem/rbtree"
)

type mapping struct {
	link  rbtree.Node[*mapping]
	mem   []byte
	pages pageSet
}

func (m *mapping) base() Addr { return m.link.Key() }

// Mmap is a Provider over anonymous operating-system mappings. Reserve maps
// PROT_NONE address space, Commit makes pages readable and writable, and
// Decommit hands the pages back to the kernel with MADV_DONTNEED before
// revoking access again.
//
// Mmap is safe for concurrent use.
type Mmap struct {
	mu       sync.Mutex
	pageSize int
	maps     rbtree.Tree[*mapping]
}

// NewMmap returns a provider using the host page size.
func NewMmap() *Mmap {
	m := &Mmap{pageSize: unix.Getpagesize()}
	m.maps.Init(nil)
	return m
}

// PageSize returns the host page size.
func (m *Mmap) PageSize() int { return m.pageSize }

// Reserve maps pages of inaccessible address space. flags are ignored; the
// kernel chooses placement.
func (m *Mmap) Reserve(pages int, _ Flags) (Addr, error) {
	if pages <= 0 {
		return 0, fmt.Errorf("%w: reserve %d pages", ErrBadArgument, pages)
	}
	size, ok := buf.MulOverflowSafe(uint64(pages), uint64(m.pageSize))
	if !ok || size > uint64(maxSliceLen) {
		return 0, fmt.Errorf("%w: reserve %d pages", ErrOutOfMemory, pages)
	}

	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		if errors.Is(err, unix.ENOMEM) {
			return 0, fmt.Errorf("%w: mmap %d pages: %w", ErrOutOfMemory, pages, err)
		}
		return 0, fmt.Errorf("vm: mmap %d pages: %w", pages, err)
	}

	mp := &mapping{mem: mem, pages: newPageSet(pages)}
	mp.link.Value = mp
	base := Addr(uintptr(unsafe.Pointer(unsafe.SliceData(mem))))

	m.mu.Lock()
	m.maps.Insert(base, &mp.link)
	m.mu.Unlock()

	logger.Debug("vm: mmap reserve", "base", fmt.Sprintf("%#x", base), "pages", pages)
	return base, nil
}

// Commit makes pages starting at base readable and writable.
func (m *Mmap) Commit(base Addr, pages int, attr Attr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mp, first, err := m.locate(base, pages)
	if err != nil {
		return err
	}
	region := mp.mem[first*m.pageSize : (first+pages)*m.pageSize]
	if err := unix.Mprotect(region, protection(attr)); err != nil {
		if errors.Is(err, unix.ENOMEM) || errors.Is(err, unix.EAGAIN) {
			return fmt.Errorf("%w: mprotect: %w", ErrOutOfMemory, err)
		}
		return fmt.Errorf("vm: commit %#x: %w", base, err)
	}
	mp.pages.set(first, pages)
	return nil
}

// Decommit discards pages starting at base and makes them inaccessible.
func (m *Mmap) Decommit(base Addr, pages int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mp, first, err := m.locate(base, pages)
	if err != nil {
		return err
	}
	region := mp.mem[first*m.pageSize : (first+pages)*m.pageSize]
	if err := unix.Madvise(region, unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("vm: madvise %#x: %w", base, err)
	}
	if err := unix.Mprotect(region, unix.PROT_NONE); err != nil {
		return fmt.Errorf("vm: decommit %#x: %w", base, err)
	}
	mp.pages.clear(first, pages)
	return nil
}

// Release unmaps the reservation at base.
func (m *Mmap) Release(base Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.maps.Find(base)
	if l == nil {
		return fmt.Errorf("%w: no reservation at %#x", ErrBadAddress, base)
	}
	if err := unix.Munmap(l.Value.mem); err != nil {
		return fmt.Errorf("vm: munmap %#x: %w", base, err)
	}
	m.maps.Remove(l)

	logger.Debug("vm: mmap release", "base", fmt.Sprintf("%#x", base))
	return nil
}

// Slice returns n committed bytes at addr.
func (m *Mmap) Slice(addr Addr, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative length", ErrBadArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	mp := m.lookup(addr)
	if mp == nil {
		return nil, fmt.Errorf("%w: %#x", ErrBadAddress, addr)
	}
	off := int(addr - mp.base())
	view, ok := buf.Slice(mp.mem, off, n)
	if !ok {
		return nil, fmt.Errorf("%w: %#x+%d crosses reservation end", ErrBadAddress, addr, n)
	}
	if n > 0 {
		first := off / m.pageSize
		last := (off + n - 1) / m.pageSize
		if !mp.pages.all(first, last-first+1) {
			return nil, fmt.Errorf("%w: %#x+%d", ErrNotCommitted, addr, n)
		}
	}
	return view[:n:n], nil
}

// Close unmaps every reservation.
func (m *Mmap) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for l := range m.maps.All() {
		if err := unix.Munmap(l.Value.mem); err != nil {
			errs = append(errs, err)
		}
		m.maps.Remove(l)
	}
	return errors.Join(errs...)
}

// lookup returns the mapping containing addr.
func (m *Mmap) lookup(addr Addr) *mapping {
	l := m.maps.FindOrAfter(addr)
	if l == nil || l.Key() != addr {
		if l != nil {
			l = m.maps.Prev(l)
		} else {
			l = m.maps.Last()
		}
	}
	if l == nil || addr-l.Key() >= uint64(len(l.Value.mem)) {
		return nil
	}
	return l.Value
}

func (m *Mmap) locate(base Addr, pages int) (*mapping, int, error) {
	if pages <= 0 || base%uint64(m.pageSize) != 0 {
		return nil, 0, fmt.Errorf("%w: %#x, %d pages", ErrBadArgument, base, pages)
	}
	mp := m.lookup(base)
	if mp == nil {
		return nil, 0, fmt.Errorf("%w: %#x", ErrBadAddress, base)
	}
	first := int(base-mp.base()) / m.pageSize
	if first+pages > len(mp.mem)/m.pageSize {
		return nil, 0, fmt.Errorf("%w: %#x+%d pages crosses reservation end", ErrBadAddress, base, pages)
	}
	return mp, first, nil
}

func protection(attr Attr) int {
	prot := unix.PROT_NONE
	if attr&AttrRead != 0 {
		prot |= unix.PROT_READ
	}
	if attr&AttrWrite != 0 {
		prot |= unix.PROT_WRITE
	}
	return prot
}
