package allocator

import (
	"github.com/cockroachdb/errors"
	pkgerrors "github.com/pkg/errors"
	"github.com/vkngwrapper/arenalloc"
)

// Free block header: {size, next free block}. Occupied block header: {size, owner tag}.
const (
	slSize       = 0
	slNext       = arenalloc.PointerSize
	slOwner      = arenalloc.PointerSize
	slHeaderSize = 2 * arenalloc.PointerSize

	slMinPayload = arenalloc.PointerSize
)

// SortedListAllocator keeps its free blocks in a singly linked list sorted by address. Occupied
// blocks are only reachable by stepping over them from the free block that precedes them.
type SortedListAllocator struct {
	arenaCore
}

var _ arenalloc.Allocator = &SortedListAllocator{}
var _ arenalloc.FitModeConfigurable = &SortedListAllocator{}
var _ arenalloc.BlockInspectable = &SortedListAllocator{}

// NewSortedList creates a SortedListAllocator managing spaceSize bytes
func NewSortedList(spaceSize int, options CreateOptions) (*SortedListAllocator, error) {
	if spaceSize < slHeaderSize+slMinPayload {
		return nil, errors.Wrapf(arenalloc.ErrConstructionTooSmall, "sorted list arena of %d bytes, at least %d are required", spaceSize, slHeaderSize+slMinPayload)
	}

	a := &SortedListAllocator{}
	err := a.init("SortedListAllocator", spaceSize, options, a)
	if err != nil {
		return nil, err
	}

	a.view.PutOffset(a.base+slSize, spaceSize-slHeaderSize)
	a.view.PutOffset(a.base+slNext, 0)
	a.view.SetRoot(a.base)
	return a, nil
}

// Move transfers the arena to a new allocator. The receiver is left empty and every later call on it
// fails with arenalloc.ErrReleased.
func (a *SortedListAllocator) Move() *SortedListAllocator {
	moved := &SortedListAllocator{}
	a.moveTo(&moved.arenaCore, moved)
	return moved
}

func (a *SortedListAllocator) minPayload() int {
	return slMinPayload
}

func (a *SortedListAllocator) end() int {
	return a.base + a.size
}

func (a *SortedListAllocator) blockSize(header int) int {
	return a.view.Offset(header + slSize)
}

func (a *SortedListAllocator) blockEnd(header int) int {
	return header + slHeaderSize + a.blockSize(header)
}

func (a *SortedListAllocator) next(header int) int {
	return a.view.Offset(header + slNext)
}

func (a *SortedListAllocator) setNext(previous, next int) {
	if previous == 0 {
		a.view.SetRoot(next)
	} else {
		a.view.PutOffset(previous+slNext, next)
	}
}

func (a *SortedListAllocator) allocate(size int, mode arenalloc.FitMode) (int, int, error) {
	candidate := arenalloc.Candidate{Mode: mode}

	previous := 0
	for node := a.view.Root(); node != 0; node = a.next(node) {
		if nodeSize := a.blockSize(node); nodeSize >= size && candidate.Offer(node, nodeSize, previous) {
			break
		}
		previous = node
	}

	if !candidate.Found {
		return 0, 0, errors.Wrapf(arenalloc.ErrOutOfMemory, "no free block of %d bytes", size)
	}

	node := candidate.Offset
	previous = candidate.Link
	next := a.next(node)
	granted := size

	if leftover := candidate.Size - size; leftover >= slHeaderSize {
		split := node + slHeaderSize + size
		a.view.PutOffset(split+slSize, leftover-slHeaderSize)
		a.view.PutOffset(split+slNext, next)
		a.setNext(previous, split)
	} else {
		granted = candidate.Size
		if leftover > 0 {
			a.warnWholeBlock(size, granted)
		}
		a.setNext(previous, next)
	}

	a.view.PutOffset(node+slSize, granted)
	a.view.PutUint64(node+slOwner, a.tag)

	return node + slHeaderSize, granted, nil
}

// locate finds the free blocks surrounding the occupied block at header by stepping over the
// occupied blocks in each gap of the free list. ok is false if no occupied block starts at header.
func (a *SortedListAllocator) locate(header int) (previousFree, nextFree int, ok bool) {
	cursor := a.base
	free := a.view.Root()

	for {
		gapEnd := free
		if free == 0 {
			gapEnd = a.end()
		}

		if header >= cursor && header < gapEnd {
			for occupied := cursor; occupied < gapEnd; {
				if occupied == header {
					return previousFree, free, true
				}

				end := a.blockEnd(occupied)
				if end <= occupied || end > gapEnd {
					return 0, 0, false
				}
				occupied = end
			}
			return 0, 0, false
		}

		if free == 0 {
			return 0, 0, false
		}

		previousFree = free
		cursor = a.blockEnd(free)
		free = a.next(free)
	}
}

func (a *SortedListAllocator) occupiedSize(payload int) (int, error) {
	header := payload - slHeaderSize
	if header < a.base {
		return 0, corrupt(payload, "no room for a block header")
	}

	_, _, ok := a.locate(header)
	if !ok {
		return 0, corrupt(payload, "no occupied block starts at this offset")
	}

	if a.view.Uint64(header+slOwner) != a.tag {
		return 0, corrupt(payload, "header does not carry this allocator's tag")
	}

	return a.blockSize(header), nil
}

func (a *SortedListAllocator) release(payload int) {
	header := payload - slHeaderSize
	previous, next, _ := a.locate(header)

	a.view.PutOffset(header+slNext, next)
	a.setNext(previous, header)

	if next != 0 && a.blockEnd(header) == next {
		a.view.PutOffset(header+slSize, a.blockSize(header)+slHeaderSize+a.blockSize(next))
		a.view.PutOffset(header+slNext, a.next(next))
		a.view.Clear(next, slHeaderSize)
	}

	if previous != 0 && a.blockEnd(previous) == header {
		a.view.PutOffset(previous+slSize, a.blockSize(previous)+slHeaderSize+a.blockSize(header))
		a.view.PutOffset(previous+slNext, a.next(header))
		a.view.Clear(header, slHeaderSize)
	}
}

func (a *SortedListAllocator) requestCapacity(info arenalloc.BlockInfo) int {
	return info.Size
}

func (a *SortedListAllocator) visitBlocks(visit func(info arenalloc.BlockInfo) error) error {
	cursor := a.base
	free := a.view.Root()

	for {
		gapEnd := free
		if free == 0 {
			gapEnd = a.end()
		}

		if gapEnd < cursor || gapEnd > a.end() {
			return pkgerrors.Errorf("free block at %d is out of order or out of bounds", free-a.base)
		}

		for occupied := cursor; occupied < gapEnd; {
			end := a.blockEnd(occupied)
			if end <= occupied || end > gapEnd {
				return pkgerrors.Errorf("occupied block at %d overruns the free block at %d", occupied-a.base, gapEnd-a.base)
			}

			err := visit(arenalloc.BlockInfo{
				Offset:   occupied - a.base,
				Size:     a.blockSize(occupied),
				Overhead: slHeaderSize,
				Occupied: true,
			})
			if err != nil {
				return err
			}

			occupied = end
		}

		if free == 0 {
			return nil
		}

		end := a.blockEnd(free)
		if end > a.end() || end < free {
			return pkgerrors.Errorf("free block at %d runs past the end of the arena", free-a.base)
		}

		err := visit(arenalloc.BlockInfo{
			Offset:   free - a.base,
			Size:     a.blockSize(free),
			Overhead: slHeaderSize,
		})
		if err != nil {
			return err
		}

		cursor = end
		free = a.next(free)
	}
}

func (a *SortedListAllocator) validate() error {
	var previous *arenalloc.BlockInfo
	return a.visitBlocks(func(info arenalloc.BlockInfo) error {
		if info.Occupied {
			if a.view.Uint64(a.base+info.Offset+slOwner) != a.tag {
				return pkgerrors.Errorf("block at %d does not carry this allocator's tag", info.Offset)
			}
			if info.Size < slMinPayload {
				return pkgerrors.Errorf("block at %d is smaller than the minimum payload", info.Offset)
			}
		} else if previous != nil && !previous.Occupied {
			return pkgerrors.Errorf("free blocks at %d and %d were not merged", previous.Offset, info.Offset)
		}

		previous = &info
		return nil
	})
}
