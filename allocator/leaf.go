package allocator

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/arenalloc"
	"github.com/vkngwrapper/arenalloc/internal/arena"
	"github.com/vkngwrapper/arenalloc/internal/utils"
	"go.uber.org/atomic"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

// leafPrefixSize is the {owner tag, size} prefix written in front of every leaf allocation
const leafPrefixSize int = 2 * arenalloc.PointerSize

// LeafAllocator forwards every request to the system, either the Go heap or anonymous mmap.
// It is the allocator arenas are carved from when no parent is provided.
type LeafAllocator struct {
	logger  *slog.Logger
	id      uint64
	tag     uint64
	useMmap bool

	mutex      utils.OptionalRWMutex
	nextHandle int
	live       *swiss.Map[int, []byte]
	liveBytes  atomic.Int64
}

var _ arenalloc.Allocator = &LeafAllocator{}
var _ arenalloc.BlockInspectable = &LeafAllocator{}

// NewLeaf creates a LeafAllocator. logger may be nil.
func NewLeaf(logger *slog.Logger, options LeafOptions) *LeafAllocator {
	id := arena.NextOwnerID()
	return &LeafAllocator{
		logger:     arenalloc.LoggerOrDiscard(logger),
		id:         id,
		tag:        arena.OwnerTag(id),
		useMmap:    options.UseMmap,
		mutex:      utils.OptionalRWMutex{UseMutex: options.Flags&CreateExternallySynchronized == 0},
		nextHandle: 1,
		live:       swiss.NewMap[int, []byte](16),
	}
}

func (a *LeafAllocator) Allocate(valueSize, valuesCount int) (arenalloc.Block, error) {
	a.logger.Debug("LeafAllocator::Allocate")

	size, err := arenalloc.RequestSize(valueSize, valuesCount)
	if err != nil {
		a.logger.Error("LeafAllocator::Allocate", slog.Any("error", err))
		return arenalloc.Block{}, err
	}

	total, err := arenalloc.AddSizes(size, leafPrefixSize)
	if err != nil {
		a.logger.Error("LeafAllocator::Allocate", slog.Any("error", err))
		return arenalloc.Block{}, err
	}

	var mem []byte
	if a.useMmap {
		mem, err = mapAnonymous(total)
		if err != nil {
			a.logger.Error("LeafAllocator::Allocate", slog.Int("size", size), slog.Any("error", err))
			return arenalloc.Block{}, errors.Mark(err, arenalloc.ErrOutOfMemory)
		}
	} else {
		mem = make([]byte, total)
	}

	view := arena.NewView(mem)
	view.PutUint64(0, a.tag)
	view.PutOffset(arenalloc.PointerSize, size)

	a.mutex.Lock()
	defer a.mutex.Unlock()

	handle := a.nextHandle
	a.nextHandle++
	a.live.Put(handle, mem)
	a.liveBytes.Add(int64(size))

	a.logger.Log(context.Background(), arenalloc.LevelTrace, "LeafAllocator::Allocate", slog.Int("handle", handle), slog.Int("size", size))

	return arenalloc.NewBlock(a.id, handle, mem[leafPrefixSize:total:total]), nil
}

func (a *LeafAllocator) Deallocate(block arenalloc.Block) error {
	a.logger.Debug("LeafAllocator::Deallocate")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if block.Owner() != a.id {
		return a.foreign(block, "owned by allocator %d", block.Owner())
	}

	mem, ok := a.live.Get(block.Offset())
	if !ok {
		return a.foreign(block, "handle is not live")
	}

	view := arena.NewView(mem)
	if view.Uint64(0) != a.tag {
		return a.foreign(block, "prefix does not carry this allocator's tag")
	}

	size := view.Offset(arenalloc.PointerSize)
	if size != block.Size() {
		return a.foreign(block, "prefix size %d does not match block size %d", size, block.Size())
	}

	if a.useMmap {
		err := unmapAnonymous(mem)
		if err != nil {
			a.logger.Error("LeafAllocator::Deallocate", slog.Any("error", err))
			return errors.Wrapf(err, "leaf block %d", block.Offset())
		}
	} else {
		view.Clear(0, leafPrefixSize)
	}

	a.live.Delete(block.Offset())
	a.liveBytes.Sub(int64(size))

	return nil
}

func (a *LeafAllocator) foreign(block arenalloc.Block, format string, args ...any) error {
	err := errors.Wrapf(arenalloc.ErrForeignBlock, "leaf block %d: %s", block.Offset(), fmt.Sprintf(format, args...))
	a.logger.Error("LeafAllocator::Deallocate", slog.Any("error", err))
	return err
}

// LiveBytes returns the number of payload bytes currently handed out
func (a *LeafAllocator) LiveBytes() int {
	return int(a.liveBytes.Load())
}

func (a *LeafAllocator) VisitBlocks(visit func(info arenalloc.BlockInfo) error) error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	handles := make([]int, 0, a.live.Count())
	a.live.Iter(func(handle int, mem []byte) bool {
		handles = append(handles, handle)
		return false
	})
	slices.Sort(handles)

	for _, handle := range handles {
		mem, _ := a.live.Get(handle)
		err := visit(arenalloc.BlockInfo{
			Offset:   handle,
			Size:     len(mem) - leafPrefixSize,
			Overhead: leafPrefixSize,
			Occupied: true,
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func (a *LeafAllocator) BlocksInfo() []arenalloc.BlockInfo {
	var infos []arenalloc.BlockInfo
	_ = a.VisitBlocks(func(info arenalloc.BlockInfo) error {
		infos = append(infos, info)
		return nil
	})
	return infos
}

// Close releases every allocation that is still live
func (a *LeafAllocator) Close() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var err error
	a.live.Iter(func(handle int, mem []byte) bool {
		if a.useMmap {
			err = errors.CombineErrors(err, unmapAnonymous(mem))
		}
		return false
	})

	a.live = swiss.NewMap[int, []byte](16)
	a.liveBytes.Store(0)
	return err
}
