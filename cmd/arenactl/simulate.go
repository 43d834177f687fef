package main

import (
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/arenalloc"
	"github.com/vkngwrapper/arenalloc/allocator"
)

type simulateOptions struct {
	strategy   string
	size       int
	fit        string
	ops        string
	random     int
	seed       int64
	maxSize    int
	zeroOnFree bool
	mmap       bool
}

func init() {
	rootCmd.AddCommand(newSimulateCmd())
}

func newSimulateCmd() *cobra.Command {
	var opts simulateOptions

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a workload against an arena and show the result",
		Long: `The simulate command creates an arena with the chosen strategy and fit mode,
runs a workload against it and prints every operation followed by the final
block layout and statistics.

The workload is either a comma separated script, where a:<bytes> allocates and
f:<n> frees the n-th allocation of the script (counting from 0), or a number
of random operations.

Example:
  arenactl simulate --strategy sorted-list --size 720 --ops a:100,a:8,a:300,f:0
  arenactl simulate --strategy buddy --size 4096 --fit best --random 200 --seed 7
  arenactl simulate --strategy red-black-tree --ops a:64,a:64,f:1 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.strategy, "strategy", "s", "sorted-list",
		fmt.Sprintf("Allocation strategy, one of %v", strategyNames()))
	cmd.Flags().IntVar(&opts.size, "size", 4096, "Managed arena size in bytes (a power of two for buddy)")
	cmd.Flags().StringVar(&opts.fit, "fit", "first", "Fit mode: first, best or worst")
	cmd.Flags().StringVar(&opts.ops, "ops", "", "Comma separated operation script")
	cmd.Flags().IntVar(&opts.random, "random", 0, "Number of random operations to run instead of a script")
	cmd.Flags().Int64Var(&opts.seed, "seed", 1, "Seed for random operations")
	cmd.Flags().IntVar(&opts.maxSize, "max-size", 256, "Largest request made by random operations")
	cmd.Flags().BoolVar(&opts.zeroOnFree, "zero-on-free", false, "Clear blocks as they are freed")
	cmd.Flags().BoolVar(&opts.mmap, "mmap", false, "Back the arena with an anonymous mmap")

	return cmd
}

type opKind uint8

const (
	opAllocate opKind = iota
	opFree
)

type operation struct {
	kind opKind
	// value is a size for allocations and a script index for frees
	value int
}

func (o operation) String() string {
	if o.kind == opAllocate {
		return fmt.Sprintf("a:%d", o.value)
	}
	return fmt.Sprintf("f:%d", o.value)
}

func parseScript(script string) ([]operation, error) {
	var ops []operation

	for _, field := range strings.Split(script, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}

		kind, value, ok := strings.Cut(field, ":")
		if !ok {
			return nil, errors.Newf("operation %q is not of the form a:<bytes> or f:<n>", field)
		}

		number, err := strconv.Atoi(value)
		if err != nil || number < 0 {
			return nil, errors.Newf("operation %q has an invalid number", field)
		}

		switch kind {
		case "a":
			ops = append(ops, operation{kind: opAllocate, value: number})
		case "f":
			ops = append(ops, operation{kind: opFree, value: number})
		default:
			return nil, errors.Newf("operation %q has unknown kind %q", field, kind)
		}
	}

	return ops, nil
}

// randomScript produces count operations that only free allocations which are still live
func randomScript(count int, seed int64, maxSize int) []operation {
	random := rand.New(rand.NewSource(seed))
	ops := make([]operation, 0, count)
	var live []int
	allocations := 0

	for i := 0; i < count; i++ {
		if len(live) > 0 && random.Intn(3) == 0 {
			index := random.Intn(len(live))
			ops = append(ops, operation{kind: opFree, value: live[index]})
			live = append(live[:index], live[index+1:]...)
			continue
		}

		ops = append(ops, operation{kind: opAllocate, value: 1 + random.Intn(maxSize)})
		live = append(live, allocations)
		allocations++
	}

	return ops
}

type opResult struct {
	op     operation
	offset int
	err    error
}

func runSimulate(out io.Writer, opts simulateOptions) error {
	mode, ok := arenalloc.ParseFitMode(opts.fit)
	if !ok {
		return errors.Newf("unknown fit mode %q", opts.fit)
	}

	var ops []operation
	switch {
	case opts.random > 0:
		if opts.maxSize <= 0 {
			return errors.Newf("max size must be positive, got %d", opts.maxSize)
		}
		ops = randomScript(opts.random, opts.seed, opts.maxSize)
	case opts.ops != "":
		var err error
		ops, err = parseScript(opts.ops)
		if err != nil {
			return err
		}
	}

	logger, err := newLogger(logLevel)
	if err != nil {
		return err
	}

	options := allocator.CreateOptions{
		Logger:  logger,
		FitMode: mode,
	}
	if opts.zeroOnFree {
		options.Flags |= allocator.CreateZeroOnFree
	}

	if opts.mmap {
		leaf := allocator.NewLeaf(logger, allocator.LeafOptions{UseMmap: true})
		defer leaf.Close()
		options.Parent = leaf
	}

	a, err := newArena(opts.strategy, opts.size, options)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s arena", opts.strategy)
	}
	defer a.Close()

	results, err := replay(a, ops)
	if err != nil {
		return err
	}

	if err := a.Validate(); err != nil {
		return errors.Wrap(err, "arena failed validation after the workload")
	}

	if jsonOut {
		return printArenaJson(out, a)
	}

	printResults(out, opts.strategy, mode, results)
	printArena(out, a)
	return nil
}

// replay runs ops against the arena. Allocation failures are recorded in the results, but
// freeing something that was never allocated is an error in the script.
func replay(a arena, ops []operation) ([]opResult, error) {
	results := make([]opResult, 0, len(ops))
	var allocated []arenalloc.Block

	for _, op := range ops {
		switch op.kind {
		case opAllocate:
			block, err := a.Allocate(op.value, 1)
			allocated = append(allocated, block)
			results = append(results, opResult{op: op, offset: block.Offset(), err: err})
		case opFree:
			if op.value >= len(allocated) {
				return nil, errors.Newf("%s frees allocation %d, but only %d were made", op, op.value, len(allocated))
			}

			block := allocated[op.value]
			if block.IsNil() {
				results = append(results, opResult{op: op, err: errors.New("allocation failed or was already freed")})
				continue
			}

			err := a.Deallocate(block)
			allocated[op.value] = arenalloc.Block{}
			results = append(results, opResult{op: op, offset: block.Offset(), err: err})
		}
	}

	return results, nil
}

func printResults(out io.Writer, strategy string, mode arenalloc.FitMode, results []opResult) {
	fmt.Fprintf(out, "Strategy: %s (%s)\n", strategy, mode)

	if len(results) == 0 {
		return
	}

	fmt.Fprintln(out, "\nOperations:")
	for _, result := range results {
		if result.err != nil {
			fmt.Fprintf(out, "  %-10s failed: %v\n", result.op, result.err)
			continue
		}
		fmt.Fprintf(out, "  %-10s payload at %d\n", result.op, result.offset)
	}
}

func printArena(out io.Writer, a arena) {
	fmt.Fprintln(out, "\nBlocks:")
	fmt.Fprintf(out, "  %8s  %-8s  %8s  %8s\n", "OFFSET", "STATE", "SIZE", "OVERHEAD")
	for _, info := range a.BlocksInfo() {
		state := "free"
		if info.Occupied {
			state = "occupied"
		}
		fmt.Fprintf(out, "  %8d  %-8s  %8d  %8d\n", info.Offset, state, info.Size, info.Overhead)
	}

	var stats arenalloc.DetailedStatistics
	stats.Clear()
	a.AddDetailedStatistics(&stats)

	fmt.Fprintln(out, "\nStatistics:")
	fmt.Fprintf(out, "  Arena bytes:     %d\n", stats.ArenaBytes)
	fmt.Fprintf(out, "  Allocations:     %d (%d bytes)\n", stats.AllocationCount, stats.AllocationBytes)
	fmt.Fprintf(out, "  Free regions:    %d (%d bytes)\n", stats.FreeRegionCount, stats.FreeBytes)
	fmt.Fprintf(out, "  Overhead bytes:  %d\n", stats.OverheadBytes)
	fmt.Fprintf(out, "  Available bytes: %d\n", a.AvailableBytes())
	fmt.Fprintf(out, "  Largest request: %d\n", a.LargestAllocation())
}

func printArenaJson(out io.Writer, a arena) error {
	writer := jwriter.NewWriter()
	if err := a.WriteJson(&writer); err != nil {
		return errors.Wrap(err, "failed to render arena")
	}

	_, err := fmt.Fprintln(out, string(writer.Bytes()))
	return err
}
