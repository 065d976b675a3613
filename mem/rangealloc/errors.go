package rangealloc

import "errors"

var (
	// ErrBadArgument indicates a zero-sized, wrapping, misaligned or overlapping
	// range, or a node that is not owned by the allocator or is already free.
	ErrBadArgument = errors.New("rangealloc: bad argument")

	// ErrOutOfMemory indicates no free extent can satisfy the request.
	ErrOutOfMemory = errors.New("rangealloc: out of memory")

	// ErrOutOfResources indicates the node source could not supply metadata.
	ErrOutOfResources = errors.New("rangealloc: out of node resources")

	// ErrInUse indicates the address falls inside an allocated node.
	ErrInUse = errors.New("rangealloc: range in use")

	// ErrOutOfBounds indicates the address is not inside any tracked extent.
	ErrOutOfBounds = errors.New("rangealloc: address not tracked")

	// ErrTooBig indicates the containing free node ends before the requested range.
	ErrTooBig = errors.New("rangealloc: range extends past free node")
)
