// Package heap provides a general-purpose dynamic allocator built directly
// on demand-paged virtual memory.
//
// # Overview
//
// A Heap owns an address-ordered list of chunks. Each chunk is a provider
// reservation with three marks:
//
//	start  fixed; the 32-byte chunk header lives here
//	break  end of the committed prefix
//	top    end of the reservation
//
// The committed prefix is tiled by nodes. A node is a 16-byte header, the
// payload, and a 4-byte end sentinel:
//
//	+----------+------+--------+----------+-----------------+-----+
//	| sentinel | size | offset | reserved | payload ...     | end |
//	+----------+------+--------+----------+-----------------+-----+
//
// The header sentinel reads "USED" or "FREE"; the end sentinel is fixed.
// Both are checked whenever a node is allocated, freed or merged, and a
// mismatch panics with *CorruptionError.
//
// # Allocation
//
// Requests round up to 4 bytes. The free tree (keyed by payload size) is
// searched with FindOrAfter for the smallest node that fits. A remainder big
// enough for a node of its own is split off; a smaller one stays with the
// allocation. When nothing fits and expansion is allowed, the heap first
// pushes the break of a chunk with reserved space left, then reserves a new
// chunk of Config.ChunkReserveBytes (or larger for big requests),
// committing only what is needed.
//
// # Free
//
// The used tree (keyed by payload address) finds the node. Its payload is
// poisoned, then it merges with a free predecessor and a free successor.
// A chunk left holding a single free node is decommitted and released,
// unless it was seeded by AddAndAllocFromChunk.
//
// # Debugging
//
//	KMEM_LOG_ALLOC=1     log every Alloc and Free at debug level
//	KMEM_HEAP_VERIFY=1   run Verify after every mutation
//
// Verify recomputes every State total from a full walk and is the
// regression oracle for the allocator.
//
// # Thread Safety
//
// Every public method holds the sync.Locker passed to New. With a nil
// locker the heap must be confined to one goroutine.
package heap
