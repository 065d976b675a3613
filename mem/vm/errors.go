package vm

import "errors"

var (
	// ErrOutOfMemory indicates the provider has no address space or page budget left.
	ErrOutOfMemory = errors.New("vm: out of memory")

	// ErrBadArgument indicates a non-positive page count or an unaligned address.
	ErrBadArgument = errors.New("vm: bad argument")

	// ErrBadAddress indicates an address outside every reservation, or a
	// range that crosses the end of one.
	ErrBadAddress = errors.New("vm: address not reserved")

	// ErrNotCommitted indicates access to a page that is reserved but not committed.
	ErrNotCommitted = errors.New("vm: page not committed")
)
