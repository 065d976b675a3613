package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/joshuapare/kmem/mem/rangealloc"
	"github.com/joshuapare/kmem/mem/verify"
)

var (
	rangesNodeLimit int
	rangesCheck     bool
	rangesStrict    bool
)

func init() {
	cmd := newRangesCmd()
	cmd.Flags().IntVar(&rangesNodeLimit, "node-limit", 0, "Cap on node records (0 = unlimited)")
	cmd.Flags().BoolVar(&rangesCheck, "check", true, "Validate both trees after every command")
	cmd.Flags().BoolVar(&rangesStrict, "strict", false, "Stop at the first failed operation")
	rootCmd.AddCommand(cmd)
}

func newRangesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ranges [script]",
		Short: "Replay a range allocator session",
		Long: `The ranges command replays a script of range allocator operations,
one per line, and prints the outcome of each. Numbers accept 0x prefixes.
With no script argument, commands are read from stdin.

Commands:
  add <start> <size>             add free space
  at <addr> <size>               allocate at a fixed address
  lowest <size> [align]          allocate at the lowest fitting address
  highest <size> [align]         allocate at the highest fitting address
  best <size> [align]            allocate from the smallest fitting node
  free <addr>                    free the allocated node starting at addr
  dump                           list every node in address order
  stats                          print totals

Example:
  printf 'add 0x1000 0x4000\nat 0x1000 0x1000\nfree 0x1000\n' | memctl ranges`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("failed to open script: %w", err)
				}
				defer f.Close()
				in = f
			}
			return runRanges(in, cmd.OutOrStdout(), rangesOptions{
				nodeLimit: rangesNodeLimit,
				check:     rangesCheck,
				strict:    rangesStrict,
			})
		},
	}
	return cmd
}

type rangesOptions struct {
	nodeLimit int
	check     bool
	strict    bool
}

// rangeSession is one allocator plus its node pool.
type rangeSession struct {
	a    *rangealloc.Allocator
	pool *rangealloc.NodePool
	w    io.Writer
}

func runRanges(in io.Reader, w io.Writer, opts rangesOptions) error {
	pool := rangealloc.NewNodePool(opts.nodeLimit)
	s := &rangeSession{
		a:    rangealloc.New(pool.Acquire, pool.Release),
		pool: pool,
		w:    w,
	}

	failed := 0
	sc := bufio.NewScanner(in)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)

		err := s.exec(fields[0], fields[1:])
		var syntax *syntaxError
		switch {
		case errors.As(err, &syntax):
			return fmt.Errorf("line %d: %w", line, err)
		case err != nil:
			failed++
			fmt.Fprintf(w, "%-28s -> %v\n", text, err)
			if opts.strict {
				return fmt.Errorf("line %d: %w", line, err)
			}
		}

		if opts.check {
			if err := verify.Ranges(s.a); err != nil {
				return fmt.Errorf("line %d: allocator inconsistent: %w", line, err)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read script: %w", err)
	}

	printVerbose(w, "%d operation(s) failed, %d node record(s) in use\n", failed, pool.InUse())
	return nil
}

type syntaxError struct {
	msg string
}

func (e *syntaxError) Error() string { return e.msg }

func badSyntax(format string, args ...any) error {
	return &syntaxError{msg: fmt.Sprintf(format, args...)}
}

func (s *rangeSession) exec(cmd string, args []string) error {
	switch cmd {
	case "add":
		v, err := parseArgs(cmd, args, 2, 2)
		if err != nil {
			return err
		}
		if err := s.a.AddFreeSpaceNode(v[0], v[1]); err != nil {
			return err
		}
		fmt.Fprintf(s.w, "add %#x+%#x -> ok\n", v[0], v[1])

	case "at":
		v, err := parseArgs(cmd, args, 2, 2)
		if err != nil {
			return err
		}
		n, err := s.a.AllocNodeAt(v[0], v[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(s.w, "at %#x+%#x -> %s\n", v[0], v[1], n)

	case "lowest", "highest", "best":
		v, err := parseArgs(cmd, args, 1, 2)
		if err != nil {
			return err
		}
		size, align := v[0], uint64(1)
		if len(v) == 2 {
			align = v[1]
		}
		var n *rangealloc.Node
		switch cmd {
		case "lowest":
			n, err = s.a.AllocNodeLowest(size, align)
		case "highest":
			n, err = s.a.AllocNodeHighest(size, align)
		default:
			n, err = s.a.AllocNodeBest(size, align)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(s.w, "%s %#x/%#x -> %s\n", cmd, size, align, n)

	case "free":
		v, err := parseArgs(cmd, args, 1, 1)
		if err != nil {
			return err
		}
		n := s.a.Lookup(v[0])
		if n == nil || n.Addr() != v[0] {
			return fmt.Errorf("%w: no node starts at %#x", rangealloc.ErrBadArgument, v[0])
		}
		if err := s.a.FreeNode(n); err != nil {
			return err
		}
		fmt.Fprintf(s.w, "free %#x -> ok\n", v[0])

	case "dump":
		s.a.Walk(func(n *rangealloc.Node) bool {
			fmt.Fprintf(s.w, "  %s\n", n)
			return true
		})

	case "stats":
		st := s.a.Stats()
		if jsonOut {
			return printJSON(s.w, st)
		}
		fmt.Fprintf(s.w, "free: %s in %d node(s), largest %s\n",
			humanize.IBytes(st.FreeBytes), st.FreeNodes, humanize.IBytes(st.LargestFree))
		fmt.Fprintf(s.w, "used: %s in %d node(s)\n", humanize.IBytes(st.UsedBytes), st.UsedNodes)

	default:
		return badSyntax("unknown command %q", cmd)
	}
	return nil
}

// parseArgs parses between lo and hi numeric arguments.
func parseArgs(cmd string, args []string, lo, hi int) ([]uint64, error) {
	if len(args) < lo || len(args) > hi {
		return nil, badSyntax("%s: expected %d-%d argument(s), got %d", cmd, lo, hi, len(args))
	}
	out := make([]uint64, len(args))
	for i, a := range args {
		v, err := strconv.ParseUint(a, 0, 64)
		if err != nil {
			return nil, badSyntax("%s: bad number %q", cmd, a)
		}
		out[i] = v
	}
	return out, nil
}
