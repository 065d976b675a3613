package heap

import (
	"io"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// State holds the running totals maintained on every split, merge, grow and
// chunk create/destroy. Committed memory always equals
// AllocBytes + FreeBytes + OverheadBytes.
type State struct {
	AllocCount    uint64 // live allocations
	AllocBytes    uint64 // payload bytes of live allocations
	FreeBytes     uint64 // payload bytes of free nodes
	OverheadBytes uint64 // chunk headers plus per-node headers and end sentinels
}

// Committed returns the total committed bytes across all chunks.
func (s State) Committed() uint64 {
	return s.AllocBytes + s.FreeBytes + s.OverheadBytes
}

// Stats holds operation counters for instrumentation and tests.
type Stats struct {
	AllocCalls       int    // Total Alloc() calls, including bootstrap
	FailedAllocs     int    // Alloc() calls that returned an error
	FreeCalls        int    // Total Free() calls
	Splits           int    // Free nodes split by an allocation
	CoalesceForward  int    // Merges with the following free node
	CoalesceBackward int    // Merges with the preceding free node
	GrowCalls        int    // Allocations that had to grow the heap
	GrowBytes        uint64 // Bytes committed by pushing a chunk break
	ChunksCreated    int    // Chunks reserved from the provider
	ChunksDestroyed  int    // Chunks released back to the provider
	Chunks           int    // Chunks currently held
	FreeNodes        int    // Free nodes currently indexed
}

// Stats returns a snapshot of the operation counters.
func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statsLocked()
}

func (h *Heap) statsLocked() Stats {
	s := h.stats
	s.Chunks = len(h.chunks)
	s.FreeNodes = h.free.Len()
	return s
}

// PrintStats writes a human-readable summary to w.
func (h *Heap) PrintStats(w io.Writer) {
	h.mu.Lock()
	st, largest := h.stateLocked()
	s := h.statsLocked()
	h.mu.Unlock()

	p := message.NewPrinter(language.English)
	p.Fprintf(w, "\n=== HEAP STATISTICS ===\n")
	p.Fprintf(w, "Live allocations:   %d (%d bytes)\n", st.AllocCount, st.AllocBytes)
	p.Fprintf(w, "Free bytes:         %d in %d nodes (largest %d)\n", st.FreeBytes, s.FreeNodes, largest)
	p.Fprintf(w, "Overhead bytes:     %d\n", st.OverheadBytes)
	p.Fprintf(w, "Committed bytes:    %d in %d chunks\n", st.Committed(), s.Chunks)
	p.Fprintf(w, "Alloc calls:        %d (failed: %d)\n", s.AllocCalls, s.FailedAllocs)
	p.Fprintf(w, "Free calls:         %d\n", s.FreeCalls)
	p.Fprintf(w, "Node splits:        %d\n", s.Splits)
	p.Fprintf(w, "Coalesce fwd:       %d\n", s.CoalesceForward)
	p.Fprintf(w, "Coalesce back:      %d\n", s.CoalesceBackward)
	p.Fprintf(w, "Grow calls:         %d (%d bytes by break push)\n", s.GrowCalls, s.GrowBytes)
	p.Fprintf(w, "Chunks:             %d created, %d destroyed\n", s.ChunksCreated, s.ChunksDestroyed)

	if c := st.Committed(); c > 0 {
		p.Fprintf(w, "Utilization:        %.1f%% allocated, %.1f%% overhead\n",
			100*float64(st.AllocBytes)/float64(c), 100*float64(st.OverheadBytes)/float64(c))
	}
	p.Fprintf(w, "=======================\n\n")
}
