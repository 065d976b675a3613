package rangealloc

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/joshuapare/kmem/internal/buf"
	"github.com/joshuapare/kmem/internal/layout"
	"github.com/joshuapare/kmem/internal/logger"
	"github.com/joshuapare/kmem/mem/rbtree"
)

// AcquireFunc supplies an unlinked node for the allocator to describe a new
// span. Returning an error (or a nil node) makes the current operation fail
// with ErrOutOfResources and leaves the allocator unchanged.
type AcquireFunc func() (*Node, error)

// ReleaseFunc takes back a node the allocator no longer references.
type ReleaseFunc func(*Node)

// Allocator tracks non-overlapping ranges over an abstract address space and
// carves sub-ranges out of them.
//
// Two trees index the nodes:
//   - byAddr holds every node keyed by start address.
//   - bySize holds free nodes keyed by size; equal sizes keep insertion order.
//
// NOT thread-safe. The owner serializes access, and must not call back into
// the same Allocator from its AcquireFunc or ReleaseFunc.
type Allocator struct {
	byAddr rbtree.Tree[*Node]
	bySize rbtree.Tree[*Node]

	acquire AcquireFunc
	release ReleaseFunc
}

// New returns an empty allocator that draws node storage from acquire and
// returns it through release.
//
// Parameters:
//   - acquire: node source (nil allocates from the Go heap)
//   - release: node sink (nil drops nodes for the garbage collector)
func New(acquire AcquireFunc, release ReleaseFunc) *Allocator {
	a := &Allocator{}
	a.Init(acquire, release)
	return a
}

// Init resets a to an empty allocator. Nodes tracked before Init are
// forgotten without being released.
func (a *Allocator) Init(acquire AcquireFunc, release ReleaseFunc) {
	if acquire == nil {
		acquire = func() (*Node, error) { return new(Node), nil }
	}
	if release == nil {
		release = func(*Node) {}
	}
	a.byAddr.Init(nil)
	a.bySize.Init(nil)
	a.acquire = acquire
	a.release = release
}

// AddFreeSpaceNode registers [start, start+size) as free space. The extent
// must not overlap anything already tracked. It is merged with free
// neighbours that touch it, so a later carve can span both.
func (a *Allocator) AddFreeSpaceNode(start, size uint64) error {
	end, ok := buf.RangeEnd(start, size)
	if !ok {
		return fmt.Errorf("%w: extent %#x+%#x", ErrBadArgument, start, size)
	}

	next := a.byAddr.FindOrAfter(start)
	var prev *rbtree.Node[*Node]
	if next != nil {
		prev = a.byAddr.Prev(next)
	} else {
		prev = a.byAddr.Last()
	}

	if next != nil && next.Value.addr < end {
		return fmt.Errorf("%w: extent [%#x, %#x) overlaps %v", ErrBadArgument, start, end, next.Value)
	}
	if prev != nil && prev.Value.End() > start {
		return fmt.Errorf("%w: extent [%#x, %#x) overlaps %v", ErrBadArgument, start, end, prev.Value)
	}

	var left, right *Node
	if prev != nil && prev.Value.IsFree() && prev.Value.End() == start {
		left = prev.Value
	}
	if next != nil && next.Value.IsFree() && next.Value.addr == end {
		right = next.Value
	}

	switch {
	case left != nil && right != nil:
		total := left.size + size + right.size
		a.unlink(right)
		a.setSize(left, total)
	case left != nil:
		a.setSize(left, left.size+size)
	case right != nil:
		a.setAddr(right, start)
		a.setSize(right, right.size+size)
	default:
		n, err := a.acquireNode()
		if err != nil {
			return err
		}
		a.link(n, start, size, true)
	}

	if logger.Enabled(slog.LevelDebug) {
		logger.Debug("rangealloc: free space added",
			"start", fmt.Sprintf("%#x", start), "size", size,
			"merged_left", left != nil, "merged_right", right != nil)
	}
	return nil
}

// AllocNodeAt carves exactly [addr, addr+size) out of the free node that
// contains addr.
func (a *Allocator) AllocNodeAt(addr, size uint64) (*Node, error) {
	end, ok := buf.RangeEnd(addr, size)
	if !ok {
		return nil, fmt.Errorf("%w: range %#x+%#x", ErrBadArgument, addr, size)
	}

	n := a.containing(addr)
	if n == nil {
		return nil, ErrOutOfBounds
	}
	if !n.IsFree() {
		return nil, ErrInUse
	}
	if end > n.End() {
		return nil, ErrTooBig
	}
	return a.carve(n, addr, size)
}

// AllocNodeLowest carves size units at the lowest-addressed free node whose
// aligned sub-range fits. Align zero means no alignment constraint.
func (a *Allocator) AllocNodeLowest(size, align uint64) (*Node, error) {
	align, err := checkRequest(size, align)
	if err != nil {
		return nil, err
	}
	for l := range a.byAddr.All() {
		n := l.Value
		if !n.IsFree() {
			continue
		}
		if b, ok := fitLow(n, size, align); ok {
			return a.carve(n, b, size)
		}
	}
	return nil, ErrOutOfMemory
}

// AllocNodeHighest carves size units at the top of the highest-addressed
// free node whose aligned sub-range fits.
func (a *Allocator) AllocNodeHighest(size, align uint64) (*Node, error) {
	align, err := checkRequest(size, align)
	if err != nil {
		return nil, err
	}
	for l := range a.byAddr.Backward() {
		n := l.Value
		if !n.IsFree() {
			continue
		}
		if b, ok := fitHigh(n, size, align); ok {
			return a.carve(n, b, size)
		}
	}
	return nil, ErrOutOfMemory
}

// AllocNodeBest carves size units from the smallest free node whose aligned
// sub-range fits, placing the range at the lowest aligned address inside it.
func (a *Allocator) AllocNodeBest(size, align uint64) (*Node, error) {
	align, err := checkRequest(size, align)
	if err != nil {
		return nil, err
	}
	for l := a.bySize.FindOrAfter(size); l != nil; l = a.bySize.Next(l) {
		n := l.Value
		if b, ok := fitLow(n, size, align); ok {
			return a.carve(n, b, size)
		}
	}
	return nil, ErrOutOfMemory
}

// FreeNode returns n to the free pool and merges it with free neighbours
// that touch it. Absorbed nodes (possibly n itself) go back through the
// ReleaseFunc, so callers must drop their reference to n.
func (a *Allocator) FreeNode(n *Node) error {
	if n == nil || n.owner != a || !a.byAddr.Owns(&n.addrLink) {
		return fmt.Errorf("%w: node not owned by this allocator", ErrBadArgument)
	}
	if n.IsFree() {
		return fmt.Errorf("%w: node %v already free", ErrBadArgument, n)
	}

	survivor := n
	size := n.size

	if l := a.byAddr.Prev(&n.addrLink); l != nil {
		prev := l.Value
		if prev.IsFree() && prev.End() == n.addr {
			a.bySize.Remove(&prev.sizeLink)
			a.unlink(n)
			size += prev.size
			survivor = prev
		}
	}

	if l := a.byAddr.Next(&survivor.addrLink); l != nil {
		next := l.Value
		if next.IsFree() && next.addr == survivor.addr+size {
			size += next.size
			a.unlink(next)
		}
	}

	survivor.size = size
	survivor.addrLink.SetFlag(true)
	a.bySize.Insert(size, &survivor.sizeLink)
	return nil
}

// Lookup returns the node whose span contains addr, or nil.
func (a *Allocator) Lookup(addr uint64) *Node {
	return a.containing(addr)
}

// Walk calls fn for every node in address order until fn returns false.
func (a *Allocator) Walk(fn func(*Node) bool) {
	for l := range a.byAddr.All() {
		if !fn(l.Value) {
			return
		}
	}
}

// Stats summarizes the tracked space.
type Stats struct {
	FreeNodes   int
	UsedNodes   int
	FreeBytes   uint64
	UsedBytes   uint64
	LargestFree uint64
}

// Stats returns counts and byte totals over all nodes.
func (a *Allocator) Stats() Stats {
	var s Stats
	for l := range a.byAddr.All() {
		n := l.Value
		if n.IsFree() {
			s.FreeNodes++
			s.FreeBytes += n.size
			continue
		}
		s.UsedNodes++
		s.UsedBytes += n.size
	}
	if l := a.bySize.Last(); l != nil {
		s.LargestFree = l.Value.size
	}
	return s
}

// Trees exposes the address and size indexes for structural verification.
func (a *Allocator) Trees() (byAddr, bySize *rbtree.Tree[*Node]) {
	return &a.byAddr, &a.bySize
}

// carve splits free node n so that [b, b+size) becomes a used node. Any
// leading or trailing remainder becomes a new free node. Both nodes are
// acquired before anything is modified.
func (a *Allocator) carve(n *Node, b, size uint64) (*Node, error) {
	start, end := n.addr, n.End()

	var lead, trail *Node
	var err error
	if b > start {
		if lead, err = a.acquireNode(); err != nil {
			return nil, err
		}
	}
	if b+size < end {
		if trail, err = a.acquireNode(); err != nil {
			if lead != nil {
				a.release(lead)
			}
			return nil, err
		}
	}

	a.bySize.Remove(&n.sizeLink)
	n.addrLink.SetFlag(false)
	if lead != nil {
		a.setAddr(n, b)
		a.link(lead, start, b-start, true)
	}
	n.size = size
	if trail != nil {
		a.link(trail, b+size, end-(b+size), true)
	}
	return n, nil
}

// containing returns the node whose span holds addr.
func (a *Allocator) containing(addr uint64) *Node {
	l := a.byAddr.FindOrAfter(addr)
	if l != nil && l.Value.addr == addr {
		return l.Value
	}
	if l != nil {
		l = a.byAddr.Prev(l)
	} else {
		l = a.byAddr.Last()
	}
	if l != nil && addr < l.Value.End() {
		return l.Value
	}
	return nil
}

func (a *Allocator) acquireNode() (*Node, error) {
	n, err := a.acquire()
	if err != nil {
		if errors.Is(err, ErrOutOfResources) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrOutOfResources, err)
	}
	if n == nil {
		return nil, ErrOutOfResources
	}
	n.reset()
	return n, nil
}

// link initializes n as [addr, addr+size) and inserts it.
func (a *Allocator) link(n *Node, addr, size uint64, free bool) {
	n.addr = addr
	n.size = size
	n.owner = a
	n.addrLink.Value = n
	n.sizeLink.Value = n
	n.addrLink.SetFlag(free)
	a.byAddr.Insert(addr, &n.addrLink)
	if free {
		a.bySize.Insert(size, &n.sizeLink)
	}
}

// unlink removes n from both trees and hands it to the release callback.
func (a *Allocator) unlink(n *Node) {
	if n.sizeLink.Linked() {
		a.bySize.Remove(&n.sizeLink)
	}
	a.byAddr.Remove(&n.addrLink)
	n.owner = nil
	a.release(n)
}

func (a *Allocator) setSize(n *Node, size uint64) {
	if n.sizeLink.Linked() {
		a.bySize.Remove(&n.sizeLink)
		n.size = size
		a.bySize.Insert(size, &n.sizeLink)
		return
	}
	n.size = size
}

func (a *Allocator) setAddr(n *Node, addr uint64) {
	a.byAddr.Remove(&n.addrLink)
	n.addr = addr
	a.byAddr.Insert(addr, &n.addrLink)
}

// checkRequest validates a size/alignment pair and normalizes align 0 to 1.
func checkRequest(size, align uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("%w: zero size", ErrBadArgument)
	}
	if align == 0 {
		align = 1
	}
	if !layout.IsPow2(align) {
		return 0, fmt.Errorf("%w: alignment %#x is not a power of two", ErrBadArgument, align)
	}
	return align, nil
}

// fitLow returns the lowest aligned address in n that can hold size units.
func fitLow(n *Node, size, align uint64) (uint64, bool) {
	if n.addr > math.MaxUint64-(align-1) {
		return 0, false
	}
	b := layout.AlignUp(n.addr, align)
	pad := b - n.addr
	if pad > n.size || size > n.size-pad {
		return 0, false
	}
	return b, true
}

// fitHigh returns the highest aligned address in n that can hold size units.
func fitHigh(n *Node, size, align uint64) (uint64, bool) {
	if size > n.size {
		return 0, false
	}
	b := layout.AlignDown(n.End()-size, align)
	if b < n.addr {
		return 0, false
	}
	return b, true
}
