package heap

import (
	"errors"
	"fmt"

	"github.com/joshuapare/kmem/mem/vm"
)

var (
	// ErrOutOfMemory indicates no free node fits and growth was disallowed or failed.
	ErrOutOfMemory = errors.New("heap: out of memory")

	// ErrNotFound indicates Free was given an address that is not a live allocation.
	ErrNotFound = errors.New("heap: allocation not found")

	// ErrBadArgument indicates a non-positive size or a malformed bootstrap chunk.
	ErrBadArgument = errors.New("heap: bad argument")
)

// CorruptionError is the panic value raised when a node or chunk header does
// not hold the expected pattern. It means memory was overwritten outside an
// allocation; the heap cannot continue safely.
type CorruptionError struct {
	Addr   vm.Addr
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("heap: corruption at %#x: %s", e.Addr, e.Reason)
}

func corrupt(addr vm.Addr, format string, args ...any) *CorruptionError {
	return &CorruptionError{Addr: addr, Reason: fmt.Sprintf(format, args...)}
}
