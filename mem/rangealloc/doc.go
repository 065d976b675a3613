// Package rangealloc tracks non-overlapping ranges over an abstract address
// space (virtual addresses, I/O ports, device windows) and carves
// sub-ranges out of them.
//
// # Overview
//
// Free space is registered with AddFreeSpaceNode. Allocation splits a free
// node into at most three pieces: an optional free lead, the used range,
// and an optional free trail. Freeing merges a node with free neighbours
// whose spans touch it.
//
// Four placement policies are provided:
//
//	AllocNodeAt       exact address
//	AllocNodeLowest   first fit scanning up from the lowest address
//	AllocNodeHighest  first fit scanning down from the highest address
//	AllocNodeBest     smallest free node that fits
//
// # Node storage
//
// The allocator never allocates metadata itself. An AcquireFunc supplies
// nodes and a ReleaseFunc takes them back, so node storage can come from a
// NodePool, a bootstrap arena or another allocator. Splits acquire every
// node they need before changing anything; if the source runs dry the call
// fails with ErrOutOfResources and the allocator is unchanged.
//
// # Thread Safety
//
// Allocator is NOT thread-safe. Callers serialize access.
package rangealloc
