package allocator_test

import (
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arenalloc"
	"github.com/vkngwrapper/arenalloc/allocator"
)

type arenaAllocator interface {
	arenalloc.Allocator
	arenalloc.FitModeConfigurable
	arenalloc.BlockInspectable
	arenalloc.Validatable

	ID() uint64
	ManagedSize() int
	AvailableBytes() int
	LargestAllocation() int
	AddStatistics(stats *arenalloc.Statistics)
	AddDetailedStatistics(stats *arenalloc.DetailedStatistics)
	WriteJson(writer *jwriter.Writer) error
	Close() error
}

type strategy struct {
	name string
	// requestSize is the number of arena bytes the strategy asks its parent for
	requestSize int
	create      func(options allocator.CreateOptions) (arenaAllocator, error)
	move        func(a arenaAllocator) arenaAllocator
}

const testArenaSize = 4096

var strategies = []strategy{
	{
		name:        "BoundaryTagsAllocator",
		requestSize: testArenaSize + 24,
		create: func(options allocator.CreateOptions) (arenaAllocator, error) {
			return allocator.NewBoundaryTags(testArenaSize, options)
		},
		move: func(a arenaAllocator) arenaAllocator {
			return a.(*allocator.BoundaryTagsAllocator).Move()
		},
	},
	{
		name:        "BuddySystemAllocator",
		requestSize: testArenaSize + 24,
		create: func(options allocator.CreateOptions) (arenaAllocator, error) {
			return allocator.NewBuddySystem(12, options)
		},
		move: func(a arenaAllocator) arenaAllocator {
			return a.(*allocator.BuddySystemAllocator).Move()
		},
	},
	{
		name:        "RedBlackTreeAllocator",
		requestSize: testArenaSize + 24,
		create: func(options allocator.CreateOptions) (arenaAllocator, error) {
			return allocator.NewRedBlackTree(testArenaSize, options)
		},
		move: func(a arenaAllocator) arenaAllocator {
			return a.(*allocator.RedBlackTreeAllocator).Move()
		},
	},
	{
		name:        "SortedListAllocator",
		requestSize: testArenaSize + 24,
		create: func(options allocator.CreateOptions) (arenaAllocator, error) {
			return allocator.NewSortedList(testArenaSize, options)
		},
		move: func(a arenaAllocator) arenaAllocator {
			return a.(*allocator.SortedListAllocator).Move()
		},
	},
}

func forEachStrategy(t *testing.T, test func(t *testing.T, s strategy)) {
	for _, s := range strategies {
		s := s
		t.Run(s.name, func(t *testing.T) {
			test(t, s)
		})
	}
}

// requireConsistent checks that the allocator validates and that its blocks tile the managed region
func requireConsistent(t *testing.T, a arenaAllocator) {
	t.Helper()

	require.NoError(t, a.Validate())

	total := 0
	for _, info := range a.BlocksInfo() {
		total += info.Span()
	}
	require.Equal(t, a.ManagedSize(), total)
}

// requireDisjoint checks that no two live blocks share a byte
func requireDisjoint(t *testing.T, blocks []arenalloc.Block) {
	t.Helper()

	owned := make(map[int]int)
	for index, block := range blocks {
		for offset := block.Offset(); offset < block.Offset()+cap(block.Bytes()); offset++ {
			other, overlaps := owned[offset]
			require.Falsef(t, overlaps, "block %d overlaps block %d at offset %d", index, other, offset)
			owned[offset] = index
		}
	}
}

func fill(block arenalloc.Block, value byte) {
	data := block.Bytes()
	for i := range data {
		data[i] = value
	}
}

func requireFilled(t *testing.T, block arenalloc.Block, value byte) {
	t.Helper()

	for i, b := range block.Bytes() {
		require.Equalf(t, value, b, "byte %d of block at %d", i, block.Offset())
	}
}

func freeBlocks(infos []arenalloc.BlockInfo) []arenalloc.BlockInfo {
	var free []arenalloc.BlockInfo
	for _, info := range infos {
		if !info.Occupied {
			free = append(free, info)
		}
	}
	return free
}
