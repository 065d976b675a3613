package main

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/joshuapare/kmem/mem/heap"
	"github.com/joshuapare/kmem/mem/vm"
)

type stressOptions struct {
	ops          int
	seed         int64
	maxSize      int
	freeRatio    float64
	verifyEvery  int
	provider     string
	chunkReserve string
	pageBudget   int
	noPoison     bool
	showStats    bool
}

var stressOpts stressOptions

func init() {
	cmd := newStressCmd()
	cmd.Flags().IntVar(&stressOpts.ops, "ops", 100000, "Number of alloc/free operations")
	cmd.Flags().Int64Var(&stressOpts.seed, "seed", 1, "Random seed")
	cmd.Flags().IntVar(&stressOpts.maxSize, "max-size", 4096, "Largest allocation in bytes")
	cmd.Flags().Float64Var(&stressOpts.freeRatio, "free-ratio", 0.45, "Probability an operation frees instead of allocating")
	cmd.Flags().IntVar(&stressOpts.verifyEvery, "verify-every", 1000, "Run the consistency walk every N operations (0 = only at the end)")
	cmd.Flags().StringVar(&stressOpts.provider, "provider", "sim", "Page provider: sim or mmap")
	cmd.Flags().StringVar(&stressOpts.chunkReserve, "chunk-reserve", "1MiB", "Address space reserved per chunk")
	cmd.Flags().IntVar(&stressOpts.pageBudget, "page-budget", 0, "Committed page cap for the sim provider (0 = unlimited)")
	cmd.Flags().BoolVar(&stressOpts.noPoison, "no-poison", false, "Do not poison freed memory")
	cmd.Flags().BoolVar(&stressOpts.showStats, "stats", false, "Print detailed heap statistics")
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run a randomized heap workload",
		Long: `The stress command allocates and frees random sizes against a fresh heap,
fills every allocation with a pattern, checks the pattern on free and runs the
full consistency walk periodically.

Example:
  memctl stress --ops 50000 --max-size 16384
  memctl stress --provider mmap --verify-every 100
  memctl stress --page-budget 64 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress(cmd.OutOrStdout(), stressOpts)
		},
	}
	return cmd
}

// stressResult is the summary printed after a run.
type stressResult struct {
	Ops        int        `json:"ops"`
	Allocs     int        `json:"allocs"`
	Frees      int        `json:"frees"`
	Failed     int        `json:"failed_allocs"`
	Verifies   int        `json:"verifies"`
	PeakLive   int        `json:"peak_live"`
	PeakBytes  uint64     `json:"peak_committed_bytes"`
	Final      heap.State `json:"final_state"`
	Stats      heap.Stats `json:"stats"`
	DurationNS int64      `json:"duration_ns"`
}

type liveAlloc struct {
	addr vm.Addr
	n    int
	fill byte
}

func runStress(w io.Writer, opts stressOptions) error {
	if opts.ops < 0 || opts.maxSize <= 0 || opts.maxSize > heap.MaxAlloc {
		return fmt.Errorf("invalid workload: ops %d, max size %d", opts.ops, opts.maxSize)
	}
	reserve, err := humanize.ParseBytes(opts.chunkReserve)
	if err != nil {
		return fmt.Errorf("invalid --chunk-reserve: %w", err)
	}

	p, closeProvider, err := openProvider(opts)
	if err != nil {
		return err
	}
	defer closeProvider()

	cfg := heap.DefaultConfig
	cfg.ChunkReserveBytes = reserve
	cfg.Poison = !opts.noPoison
	h, err := heap.New(p, &sync.Mutex{}, &cfg)
	if err != nil {
		return fmt.Errorf("failed to create heap: %w", err)
	}

	printVerbose(w, "Running %d operations (provider %s, seed %d)\n", opts.ops, opts.provider, opts.seed)

	rng := rand.New(rand.NewSource(opts.seed))
	var live []liveAlloc
	res := stressResult{Ops: opts.ops}
	start := time.Now()

	for i := range opts.ops {
		if len(live) > 0 && rng.Float64() < opts.freeRatio {
			k := rng.Intn(len(live))
			if err := checkAndFree(h, live[k]); err != nil {
				return fmt.Errorf("op %d: %w", i, err)
			}
			live[k] = live[len(live)-1]
			live = live[:len(live)-1]
			res.Frees++
		} else {
			n := 1 + rng.Intn(opts.maxSize)
			addr, b, err := h.Alloc(n, true)
			switch {
			case errors.Is(err, heap.ErrOutOfMemory):
				res.Failed++
				printVerbose(w, "op %d: alloc %d failed: %v\n", i, n, err)
			case err != nil:
				return fmt.Errorf("op %d: %w", i, err)
			default:
				fill := byte(rng.Intn(256))
				for j := range b {
					b[j] = fill
				}
				live = append(live, liveAlloc{addr: addr, n: n, fill: fill})
				res.Allocs++
			}
		}

		res.PeakLive = max(res.PeakLive, len(live))
		if st, _ := h.GetState(); st.Committed() > res.PeakBytes {
			res.PeakBytes = st.Committed()
		}
		if opts.verifyEvery > 0 && (i+1)%opts.verifyEvery == 0 {
			if err := h.Verify(); err != nil {
				return fmt.Errorf("op %d: heap inconsistent: %w", i, err)
			}
			res.Verifies++
		}
	}

	for _, a := range live {
		if err := checkAndFree(h, a); err != nil {
			return fmt.Errorf("drain: %w", err)
		}
		res.Frees++
	}
	if err := h.Verify(); err != nil {
		return fmt.Errorf("after drain: heap inconsistent: %w", err)
	}
	res.Verifies++
	res.DurationNS = time.Since(start).Nanoseconds()
	res.Final, _ = h.GetState()
	res.Stats = h.Stats()

	if jsonOut {
		return printJSON(w, res)
	}
	printStressResult(w, res)
	if opts.showStats {
		h.PrintStats(w)
	}
	return nil
}

// checkAndFree verifies the fill pattern of a and frees it.
func checkAndFree(h *heap.Heap, a liveAlloc) error {
	b, err := h.Payload(a.addr)
	if err != nil {
		return err
	}
	for j := range a.n {
		if b[j] != a.fill {
			return fmt.Errorf("allocation %#x byte %d is %#02x, want %#02x", a.addr, j, b[j], a.fill)
		}
	}
	return h.Free(a.addr)
}

func openProvider(opts stressOptions) (vm.Provider, func(), error) {
	switch opts.provider {
	case "sim":
		cfg := vm.DefaultSimConfig
		cfg.PageBudget = opts.pageBudget
		s, err := vm.NewSim(&cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create sim provider: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	case "mmap":
		return openMmap()
	default:
		return nil, nil, fmt.Errorf("unknown provider %q (want sim or mmap)", opts.provider)
	}
}

func printStressResult(w io.Writer, r stressResult) {
	printInfo(w, "\nStress run complete\n")
	printInfo(w, "═══════════════════════════════════════\n")
	printInfo(w, "Operations:       %s\n", humanize.Comma(int64(r.Ops)))
	printInfo(w, "Allocations:      %s (%s failed)\n", humanize.Comma(int64(r.Allocs)), humanize.Comma(int64(r.Failed)))
	printInfo(w, "Frees:            %s\n", humanize.Comma(int64(r.Frees)))
	printInfo(w, "Consistency runs: %d\n", r.Verifies)
	printInfo(w, "Peak live:        %s allocations\n", humanize.Comma(int64(r.PeakLive)))
	printInfo(w, "Peak committed:   %s\n", humanize.IBytes(r.PeakBytes))
	printInfo(w, "Chunks:           %d created, %d destroyed\n", r.Stats.ChunksCreated, r.Stats.ChunksDestroyed)
	printInfo(w, "Final committed:  %s\n", humanize.IBytes(r.Final.Committed()))
	printInfo(w, "Duration:         %s\n", time.Duration(r.DurationNS).Round(time.Millisecond))
	printVerbose(w, "Platform:         %s/%s\n", runtime.GOOS, runtime.GOARCH)
}
