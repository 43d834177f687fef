package allocator_test

import (
	"bytes"
	"math"
	"math/rand"
	"strings"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arenalloc"
	"github.com/vkngwrapper/arenalloc/allocator"
	"github.com/vkngwrapper/arenalloc/mocks"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

func TestAllocateDeallocateRestoresBlocks(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s strategy) {
		a, err := s.create(allocator.CreateOptions{})
		require.NoError(t, err)
		defer a.Close()

		keep, err := a.Allocate(8, 20)
		require.NoError(t, err)

		before := a.BlocksInfo()

		block, err := a.Allocate(100, 1)
		require.NoError(t, err)
		require.Len(t, block.Bytes(), 100)
		requireConsistent(t, a)

		require.NoError(t, a.Deallocate(block))
		require.Equal(t, before, a.BlocksInfo())

		require.NoError(t, a.Deallocate(keep))
		require.Len(t, a.BlocksInfo(), 1)
		requireConsistent(t, a)
	})
}

func TestDoubleFree(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s strategy) {
		a, err := s.create(allocator.CreateOptions{})
		require.NoError(t, err)
		defer a.Close()

		block, err := a.Allocate(64, 1)
		require.NoError(t, err)
		_, err = a.Allocate(64, 1)
		require.NoError(t, err)

		require.NoError(t, a.Deallocate(block))
		before := a.BlocksInfo()

		err = a.Deallocate(block)
		require.True(t, errors.Is(err, arenalloc.ErrForeignBlock))
		require.Equal(t, before, a.BlocksInfo())
		requireConsistent(t, a)
	})
}

func TestForeignBlock(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s strategy) {
		a, err := s.create(allocator.CreateOptions{})
		require.NoError(t, err)
		defer a.Close()

		other, err := s.create(allocator.CreateOptions{})
		require.NoError(t, err)
		defer other.Close()

		_, err = a.Allocate(64, 1)
		require.NoError(t, err)
		otherBlock, err := other.Allocate(64, 1)
		require.NoError(t, err)

		before := a.BlocksInfo()

		// Same offset in an identically shaped arena, but another owner
		err = a.Deallocate(otherBlock)
		require.True(t, errors.Is(err, arenalloc.ErrForeignBlock))

		// Right owner, but no block starts there
		forged := arenalloc.NewBlock(a.ID(), otherBlock.Offset()+3, nil)
		err = a.Deallocate(forged)
		require.True(t, errors.Is(err, arenalloc.ErrForeignBlock))

		forged = arenalloc.NewBlock(a.ID(), math.MaxInt32, nil)
		err = a.Deallocate(forged)
		require.True(t, errors.Is(err, arenalloc.ErrForeignBlock))

		err = a.Deallocate(arenalloc.Block{})
		require.True(t, errors.Is(err, arenalloc.ErrForeignBlock))

		require.Equal(t, before, a.BlocksInfo())
		requireConsistent(t, a)
	})
}

func TestInvalidSize(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s strategy) {
		a, err := s.create(allocator.CreateOptions{})
		require.NoError(t, err)
		defer a.Close()

		_, err = a.Allocate(-1, 1)
		require.True(t, errors.Is(err, arenalloc.ErrInvalidSize))

		_, err = a.Allocate(math.MaxInt, 2)
		require.True(t, errors.Is(err, arenalloc.ErrInvalidSize))

		_, err = a.Allocate(math.MaxInt, 1)
		require.Error(t, err)

		_, err = a.Allocate(testArenaSize, 1)
		require.True(t, errors.Is(err, arenalloc.ErrOutOfMemory))

		require.Len(t, a.BlocksInfo(), 1)
	})
}

func TestSmallRequestsAreRoundedUp(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s strategy) {
		a, err := s.create(allocator.CreateOptions{})
		require.NoError(t, err)
		defer a.Close()

		block, err := a.Allocate(1, 1)
		require.NoError(t, err)
		require.Len(t, block.Bytes(), 1)
		require.GreaterOrEqual(t, cap(block.Bytes()), arenalloc.PointerSize)

		empty, err := a.Allocate(0, 0)
		require.NoError(t, err)
		require.Len(t, empty.Bytes(), 0)
		require.False(t, empty.IsNil())

		requireDisjoint(t, []arenalloc.Block{block, empty})
		require.NoError(t, a.Deallocate(empty))
		require.NoError(t, a.Deallocate(block))
		require.Len(t, a.BlocksInfo(), 1)
	})
}

func TestFillUntilOutOfMemory(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s strategy) {
		a, err := s.create(allocator.CreateOptions{})
		require.NoError(t, err)
		defer a.Close()

		var blocks []arenalloc.Block
		for {
			block, err := a.Allocate(40, 1)
			if err != nil {
				require.True(t, errors.Is(err, arenalloc.ErrOutOfMemory))
				break
			}

			fill(block, byte(len(blocks)))
			blocks = append(blocks, block)
		}

		require.NotEmpty(t, blocks)
		requireDisjoint(t, blocks)
		requireConsistent(t, a)

		for i, block := range blocks {
			requireFilled(t, block, byte(i))
		}

		random := rand.New(rand.NewSource(7))
		random.Shuffle(len(blocks), func(i, j int) {
			blocks[i], blocks[j] = blocks[j], blocks[i]
		})

		for _, block := range blocks {
			require.NoError(t, a.Deallocate(block))
			requireConsistent(t, a)
		}

		require.Len(t, a.BlocksInfo(), 1)
	})
}

func TestRandomOperations(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s strategy) {
		for _, mode := range []arenalloc.FitMode{arenalloc.FitModeFirst, arenalloc.FitModeBest, arenalloc.FitModeWorst} {
			a, err := s.create(allocator.CreateOptions{FitMode: mode})
			require.NoError(t, err)
			require.Equal(t, mode, a.FitMode())

			random := rand.New(rand.NewSource(int64(mode) + 42))
			var live []arenalloc.Block

			for i := 0; i < 500; i++ {
				if len(live) > 0 && random.Intn(3) == 0 {
					index := random.Intn(len(live))
					requireFilled(t, live[index], byte(live[index].Offset()))
					require.NoError(t, a.Deallocate(live[index]))
					live = append(live[:index], live[index+1:]...)
				} else {
					block, err := a.Allocate(random.Intn(200), 1)
					if err != nil {
						require.True(t, errors.Is(err, arenalloc.ErrOutOfMemory))
						continue
					}
					fill(block, byte(block.Offset()))
					live = append(live, block)
				}

				requireConsistent(t, a)
			}

			requireDisjoint(t, live)
			for _, block := range live {
				require.NoError(t, a.Deallocate(block))
			}
			require.Len(t, a.BlocksInfo(), 1)
			require.NoError(t, a.Close())
		}
	})
}

func TestConcurrentAllocations(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s strategy) {
		a, err := s.create(allocator.CreateOptions{})
		require.NoError(t, err)
		defer a.Close()

		const workers = 8
		var wg sync.WaitGroup
		var liveMutex sync.Mutex
		var live []arenalloc.Block
		failures := make(chan error, workers)

		for worker := 0; worker < workers; worker++ {
			wg.Add(1)
			go func(seed int64) {
				defer wg.Done()

				random := rand.New(rand.NewSource(seed))
				var mine []arenalloc.Block
				for i := 0; i < 200; i++ {
					if len(mine) > 0 && random.Intn(2) == 0 {
						index := random.Intn(len(mine))
						err := a.Deallocate(mine[index])
						if err != nil {
							failures <- err
							return
						}
						mine = append(mine[:index], mine[index+1:]...)
						continue
					}

					block, err := a.Allocate(random.Intn(64)+1, 1)
					if errors.Is(err, arenalloc.ErrOutOfMemory) {
						continue
					} else if err != nil {
						failures <- err
						return
					}
					mine = append(mine, block)
				}

				liveMutex.Lock()
				live = append(live, mine...)
				liveMutex.Unlock()
			}(int64(worker))
		}

		wg.Wait()
		close(failures)
		for err := range failures {
			require.NoError(t, err)
		}

		requireDisjoint(t, live)
		requireConsistent(t, a)

		for _, block := range live {
			require.NoError(t, a.Deallocate(block))
		}
		require.Len(t, a.BlocksInfo(), 1)
	})
}

func TestSetFitMode(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s strategy) {
		a, err := s.create(allocator.CreateOptions{})
		require.NoError(t, err)
		defer a.Close()

		require.Equal(t, arenalloc.FitModeFirst, a.FitMode())
		a.SetFitMode(arenalloc.FitModeWorst)
		require.Equal(t, arenalloc.FitModeWorst, a.FitMode())
		a.SetFitMode(arenalloc.FitMode(9))
		require.Equal(t, arenalloc.FitModeWorst, a.FitMode())
		requireConsistent(t, a)
	})
}

func TestUnknownFitMode(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s strategy) {
		_, err := s.create(allocator.CreateOptions{FitMode: arenalloc.FitMode(5)})
		require.Error(t, err)
	})
}

func TestMove(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s strategy) {
		a, err := s.create(allocator.CreateOptions{})
		require.NoError(t, err)

		block, err := a.Allocate(32, 1)
		require.NoError(t, err)
		fill(block, 0xAB)

		moved := s.move(a)
		require.Equal(t, block.Owner(), moved.ID())

		_, err = a.Allocate(32, 1)
		require.True(t, errors.Is(err, arenalloc.ErrReleased))
		require.True(t, errors.Is(a.Deallocate(block), arenalloc.ErrReleased))
		require.True(t, errors.Is(a.Validate(), arenalloc.ErrReleased))
		require.True(t, errors.Is(a.Close(), arenalloc.ErrReleased))
		require.Nil(t, a.BlocksInfo())
		require.Zero(t, a.AvailableBytes())

		requireFilled(t, block, 0xAB)
		requireConsistent(t, moved)
		require.NoError(t, moved.Deallocate(block))
		require.Len(t, moved.BlocksInfo(), 1)
		require.NoError(t, moved.Close())
	})
}

func TestParentSuppliesAndReceivesArena(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s strategy) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		buffer := make([]byte, s.requestSize)
		backing := arenalloc.NewBlock(1234, 0, buffer)

		parent := mocks.NewMockAllocator(ctrl)
		parent.EXPECT().Allocate(s.requestSize, 1).Return(backing, nil)
		parent.EXPECT().Deallocate(backing).Return(nil)

		a, err := s.create(allocator.CreateOptions{Parent: parent})
		require.NoError(t, err)
		requireConsistent(t, a)

		block, err := a.Allocate(16, 1)
		require.NoError(t, err)
		fill(block, 0x5C)
		require.Equal(t, byte(0x5C), buffer[block.Offset()])

		require.NoError(t, a.Close())
		require.True(t, errors.Is(a.Close(), arenalloc.ErrReleased))
	})
}

func TestParentFailure(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s strategy) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		parentErr := errors.New("parent is exhausted")
		parent := mocks.NewMockAllocator(ctrl)
		parent.EXPECT().Allocate(s.requestSize, 1).Return(arenalloc.Block{}, parentErr)

		_, err := s.create(allocator.CreateOptions{Parent: parent})
		require.True(t, errors.Is(err, arenalloc.ErrBackingAllocationFailed))
		require.True(t, errors.Is(err, parentErr))
	})
}

func TestParentShortBuffer(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s strategy) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		short := arenalloc.NewBlock(1234, 0, make([]byte, 16))
		parent := mocks.NewMockAllocator(ctrl)
		parent.EXPECT().Allocate(s.requestSize, 1).Return(short, nil)
		parent.EXPECT().Deallocate(short).Return(nil)

		_, err := s.create(allocator.CreateOptions{Parent: parent})
		require.True(t, errors.Is(err, arenalloc.ErrBackingAllocationFailed))
	})
}

func TestNestedArenas(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s strategy) {
		parent, err := allocator.NewSortedList(3*testArenaSize, allocator.CreateOptions{})
		require.NoError(t, err)
		defer parent.Close()

		before := parent.BlocksInfo()

		child, err := s.create(allocator.CreateOptions{Parent: parent})
		require.NoError(t, err)

		occupied := 0
		for _, info := range parent.BlocksInfo() {
			if info.Occupied {
				occupied++
				require.GreaterOrEqual(t, info.Size, s.requestSize)
			}
		}
		require.Equal(t, 1, occupied)

		block, err := child.Allocate(128, 1)
		require.NoError(t, err)
		fill(block, 0x11)
		requireConsistent(t, child)
		require.NoError(t, parent.Validate())

		require.NoError(t, child.Close())
		require.Equal(t, before, parent.BlocksInfo())
	})
}

func TestZeroOnFree(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s strategy) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		buffer := make([]byte, s.requestSize)
		backing := arenalloc.NewBlock(1234, 0, buffer)
		parent := mocks.NewMockAllocator(ctrl)
		parent.EXPECT().Allocate(s.requestSize, 1).Return(backing, nil)
		parent.EXPECT().Deallocate(backing).Return(nil)

		a, err := s.create(allocator.CreateOptions{Parent: parent, Flags: allocator.CreateZeroOnFree})
		require.NoError(t, err)

		block, err := a.Allocate(64, 1)
		require.NoError(t, err)
		_, err = a.Allocate(64, 1)
		require.NoError(t, err)

		fill(block, 0xFF)
		offset := block.Offset()
		require.NoError(t, a.Deallocate(block))

		for i := 32; i < 64; i++ {
			require.Zero(t, buffer[offset+i])
		}
		requireConsistent(t, a)
		require.NoError(t, a.Close())
	})
}

func TestExternallySynchronized(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s strategy) {
		a, err := s.create(allocator.CreateOptions{Flags: allocator.CreateExternallySynchronized})
		require.NoError(t, err)
		defer a.Close()

		block, err := a.Allocate(10, 10)
		require.NoError(t, err)
		require.NoError(t, a.Deallocate(block))
		requireConsistent(t, a)
	})
}

func TestStatistics(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s strategy) {
		a, err := s.create(allocator.CreateOptions{})
		require.NoError(t, err)
		defer a.Close()

		first, err := a.Allocate(100, 1)
		require.NoError(t, err)
		second, err := a.Allocate(50, 1)
		require.NoError(t, err)

		var stats arenalloc.Statistics
		a.AddStatistics(&stats)
		require.Equal(t, 1, stats.ArenaCount)
		require.Equal(t, testArenaSize, stats.ArenaBytes)
		require.Equal(t, 2, stats.AllocationCount)
		require.GreaterOrEqual(t, stats.AllocationBytes, 150)

		var detailed arenalloc.DetailedStatistics
		detailed.Clear()
		a.AddDetailedStatistics(&detailed)
		require.Equal(t, stats, detailed.Statistics)
		require.Equal(t, testArenaSize, detailed.AllocationBytes+detailed.FreeBytes+detailed.OverheadBytes)
		require.Equal(t, a.AvailableBytes(), detailed.FreeBytes)
		require.GreaterOrEqual(t, detailed.AllocationSizeMin, 50)
		require.GreaterOrEqual(t, detailed.AllocationSizeMax, 100)

		require.NoError(t, a.Deallocate(first))
		require.NoError(t, a.Deallocate(second))

		stats.Clear()
		a.AddStatistics(&stats)
		require.Equal(t, arenalloc.Statistics{ArenaCount: 1, ArenaBytes: testArenaSize}, stats)
	})
}

func TestWriteJson(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s strategy) {
		a, err := s.create(allocator.CreateOptions{})
		require.NoError(t, err)
		defer a.Close()

		_, err = a.Allocate(100, 1)
		require.NoError(t, err)

		writer := jwriter.NewWriter()
		require.NoError(t, a.WriteJson(&writer))

		output := string(writer.Bytes())
		require.True(t, strings.HasPrefix(output, `{"Type":"`+s.name+`","FitMode":"FitModeFirst"`))
		require.Contains(t, output, `"Allocations":1`)
		require.Contains(t, output, `"Blocks":[{"Offset":0,"Type":"Occupied"`)
	})
}

func TestLogging(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s strategy) {
		var output bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&output, &slog.HandlerOptions{Level: arenalloc.LevelTrace}))

		a, err := s.create(allocator.CreateOptions{Logger: logger})
		require.NoError(t, err)

		block, err := a.Allocate(1, 1)
		require.NoError(t, err)
		require.NoError(t, a.Deallocate(block))
		require.Error(t, a.Deallocate(block))
		a.SetFitMode(arenalloc.FitModeBest)
		require.NoError(t, a.Close())

		logged := output.String()
		require.Contains(t, logged, s.name+"::Allocate")
		require.Contains(t, logged, "rounded up to the minimum payload")
		require.Contains(t, logged, "current state of blocks")
		require.Contains(t, logged, "available memory")
		require.Contains(t, logged, "level=ERROR")
		require.Contains(t, logged, "fit mode changed")
	})
}

func TestLargestAllocationIsExact(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s strategy) {
		a, err := s.create(allocator.CreateOptions{})
		require.NoError(t, err)
		defer a.Close()

		random := rand.New(rand.NewSource(11))
		var live []arenalloc.Block
		for i := 0; i < 40; i++ {
			block, err := a.Allocate(1+random.Intn(150), 1)
			if err != nil {
				require.True(t, errors.Is(err, arenalloc.ErrOutOfMemory))
				break
			}
			live = append(live, block)
		}
		for i := 0; i < len(live); i += 3 {
			require.NoError(t, a.Deallocate(live[i]))
		}

		largest := a.LargestAllocation()
		require.Positive(t, largest)
		require.LessOrEqual(t, largest, a.AvailableBytes())
		before := a.BlocksInfo()

		_, err = a.Allocate(largest+1, 1)
		require.True(t, errors.Is(err, arenalloc.ErrOutOfMemory))
		require.Equal(t, before, a.BlocksInfo())

		block, err := a.Allocate(largest, 1)
		require.NoError(t, err)
		require.Len(t, block.Bytes(), largest)
		requireConsistent(t, a)
		require.NoError(t, a.Deallocate(block))
		require.Equal(t, before, a.BlocksInfo())
	})
}

func TestLargestAllocationOfFullArena(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s strategy) {
		a, err := s.create(allocator.CreateOptions{})
		require.NoError(t, err)

		largest := a.LargestAllocation()
		block, err := a.Allocate(largest, 1)
		require.NoError(t, err)
		require.Zero(t, a.LargestAllocation())

		_, err = a.Allocate(0, 1)
		require.True(t, errors.Is(err, arenalloc.ErrOutOfMemory))

		require.NoError(t, a.Deallocate(block))
		require.Equal(t, largest, a.LargestAllocation())

		require.NoError(t, a.Close())
		require.Zero(t, a.LargestAllocation())
	})
}
