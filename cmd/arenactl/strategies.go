package main

import (
	"fmt"
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/arenalloc"
	"github.com/vkngwrapper/arenalloc/allocator"
	"golang.org/x/exp/slices"
)

// arena is the surface shared by every arena strategy
type arena interface {
	arenalloc.Allocator
	arenalloc.FitModeConfigurable
	arenalloc.BlockInspectable
	arenalloc.Validatable

	AvailableBytes() int
	LargestAllocation() int
	AddDetailedStatistics(stats *arenalloc.DetailedStatistics)
	WriteJson(writer *jwriter.Writer) error
	Close() error
}

type strategyInfo struct {
	description string
	create      func(size int, options allocator.CreateOptions) (arena, error)
}

var strategies = map[string]strategyInfo{
	"boundary-tags": {
		description: "occupied blocks linked in address order, free space is the gaps between them",
		create: func(size int, options allocator.CreateOptions) (arena, error) {
			return allocator.NewBoundaryTags(size, options)
		},
	},
	"buddy": {
		description: "power-of-two blocks split in halves and merged with their buddies",
		create: func(size int, options allocator.CreateOptions) (arena, error) {
			if size <= 0 {
				return nil, errors.Wrapf(arenalloc.ErrInvalidSize, "size %d", size)
			}
			if err := arenalloc.CheckPow2(size, "buddy system size"); err != nil {
				return nil, err
			}
			return allocator.NewBuddySystem(bits.Len(uint(size))-1, options)
		},
	},
	"red-black-tree": {
		description: "free blocks indexed by size in a red-black tree",
		create: func(size int, options allocator.CreateOptions) (arena, error) {
			return allocator.NewRedBlackTree(size, options)
		},
	},
	"sorted-list": {
		description: "free blocks kept in an address-ordered singly linked list",
		create: func(size int, options allocator.CreateOptions) (arena, error) {
			return allocator.NewSortedList(size, options)
		},
	},
}

func strategyNames() []string {
	names := make([]string, 0, len(strategies))
	for name := range strategies {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func newArena(strategy string, size int, options allocator.CreateOptions) (arena, error) {
	info, ok := strategies[strategy]
	if !ok {
		return nil, errors.Newf("unknown strategy %q, expected one of %v", strategy, strategyNames())
	}

	return info.create(size, options)
}

func init() {
	rootCmd.AddCommand(newStrategiesCmd())
}

func newStrategiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "strategies",
		Short: "List the available allocation strategies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range strategyNames() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-16s %s\n", name, strategies[name].description)
			}
			return nil
		},
	}
}
