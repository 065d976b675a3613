// Package vm defines the virtual-memory collaborator the heap grows into,
// and two implementations of it.
//
// A Provider hands out page-granular reservations. Reserved pages have no
// backing and must not be touched; committed pages are backed and readable
// and writable through Slice. Newly committed pages are not guaranteed to be
// zero-filled.
//
//	Sim   in-process address space with pooled backing buffers
//	Mmap  anonymous operating-system mappings (linux, darwin)
package vm

// Addr is an address in a provider's address space.
type Addr = uint64

// Flags modify how a reservation is placed.
type Flags uint32

const (
	// FlagNone places the reservation at the lowest free address.
	FlagNone Flags = 0

	// FlagTopDown places the reservation at the highest free address.
	// Providers backed by the operating system ignore it.
	FlagTopDown Flags = 1 << 0
)

// Attr is the access granted to committed pages.
type Attr uint32

const (
	AttrRead  Attr = 1 << 0
	AttrWrite Attr = 1 << 1

	// AttrRW is what the heap commits with.
	AttrRW = AttrRead | AttrWrite
)

// Provider reserves, commits, decommits and releases page ranges.
//
// Commit and Decommit accept any page-aligned sub-range of a single
// reservation. Release takes the base returned by Reserve and drops the
// whole reservation, committed or not.
type Provider interface {
	// PageSize returns the commit granularity in bytes.
	PageSize() int

	// Reserve claims pages of address space without backing them.
	Reserve(pages int, flags Flags) (Addr, error)

	// Commit backs pages starting at base.
	Commit(base Addr, pages int, attr Attr) error

	// Decommit drops the backing of pages starting at base. Their contents are lost.
	Decommit(base Addr, pages int) error

	// Release returns the reservation starting at base.
	Release(base Addr) error

	// Slice returns a view of n committed bytes at addr. The view stays valid
	// until the pages are decommitted or released.
	Slice(addr Addr, n int) ([]byte, error)
}
