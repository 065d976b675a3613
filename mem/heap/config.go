package heap

import (
	"os"
	"sync"
)

// Config tunes heap growth and debugging aids.
type Config struct {
	// ChunkReserveBytes is the address space reserved for each new chunk.
	// Only the pages needed right away are committed; the rest is taken by
	// pushing the break. Requests larger than this get a chunk of their own.
	ChunkReserveBytes uint64

	// Poison fills freed payloads and fresh free space with layout.Poison, and
	// makes Verify check that free payloads were not written after Free.
	Poison bool

	// VerifyEachOp runs the consistency walk after every mutation and panics
	// on failure. Also enabled by the KMEM_HEAP_VERIFY environment variable.
	VerifyEachOp bool
}

// DefaultConfig reserves 1 MiB chunks and poisons freed memory.
var DefaultConfig = Config{
	ChunkReserveBytes: 1 << 20,
	Poison:            true,
}

// Runtime debug flags, read once at startup.
var (
	// logAlloc enables per-call allocation logging (KMEM_LOG_ALLOC).
	logAlloc = os.Getenv("KMEM_LOG_ALLOC") != ""

	// verifyEnv forces the consistency walk after every mutation (KMEM_HEAP_VERIFY).
	verifyEnv = os.Getenv("KMEM_HEAP_VERIFY") != ""
)

// LockFuncs adapts a lock/unlock callback pair to sync.Locker. Either may be nil.
func LockFuncs(lock, unlock func()) sync.Locker {
	return &funcLocker{lock: lock, unlock: unlock}
}

type funcLocker struct {
	lock, unlock func()
}

func (l *funcLocker) Lock() {
	if l.lock != nil {
		l.lock()
	}
}

func (l *funcLocker) Unlock() {
	if l.unlock != nil {
		l.unlock()
	}
}

// nopLocker is used when the caller supplies no lock.
type nopLocker struct{}

func (nopLocker) Lock()   {}
func (nopLocker) Unlock() {}
