package allocator

import (
	"github.com/cockroachdb/errors"
	pkgerrors "github.com/pkg/errors"
	"github.com/vkngwrapper/arenalloc"
)

// Occupied block header: {size, owner tag, prev, next}. Free space has no header at all, it is
// just the gap between two occupied blocks.
const (
	btSize = iota * arenalloc.PointerSize
	btOwner
	btPrev
	btNext
	btHeaderSize

	btMinPayload = arenalloc.PointerSize
)

// BoundaryTagsAllocator keeps its occupied blocks in an address-ordered doubly linked list. Free
// space is found by walking the gaps between consecutive occupied blocks.
type BoundaryTagsAllocator struct {
	arenaCore
}

var _ arenalloc.Allocator = &BoundaryTagsAllocator{}
var _ arenalloc.FitModeConfigurable = &BoundaryTagsAllocator{}
var _ arenalloc.BlockInspectable = &BoundaryTagsAllocator{}

// NewBoundaryTags creates a BoundaryTagsAllocator managing spaceSize bytes
func NewBoundaryTags(spaceSize int, options CreateOptions) (*BoundaryTagsAllocator, error) {
	if spaceSize < btHeaderSize+btMinPayload {
		return nil, errors.Wrapf(arenalloc.ErrConstructionTooSmall, "boundary tags arena of %d bytes, at least %d are required", spaceSize, btHeaderSize+btMinPayload)
	}

	a := &BoundaryTagsAllocator{}
	err := a.init("BoundaryTagsAllocator", spaceSize, options, a)
	if err != nil {
		return nil, err
	}

	a.view.SetRoot(0)
	return a, nil
}

// Move transfers the arena to a new allocator. The receiver is left empty and every later call on it
// fails with arenalloc.ErrReleased.
func (a *BoundaryTagsAllocator) Move() *BoundaryTagsAllocator {
	moved := &BoundaryTagsAllocator{}
	a.moveTo(&moved.arenaCore, moved)
	return moved
}

func (a *BoundaryTagsAllocator) minPayload() int {
	return btMinPayload
}

func (a *BoundaryTagsAllocator) end() int {
	return a.base + a.size
}

func (a *BoundaryTagsAllocator) blockEnd(header int) int {
	return header + btHeaderSize + a.view.Offset(header+btSize)
}

func (a *BoundaryTagsAllocator) allocate(size int, mode arenalloc.FitMode) (int, int, error) {
	need, err := arenalloc.AddSizes(size, btHeaderSize)
	if err != nil {
		return 0, 0, err
	}

	candidate := arenalloc.Candidate{Mode: mode}
	cursor := a.base
	previous := 0
	occupied := a.view.Root()

	for {
		gapEnd := occupied
		if occupied == 0 {
			gapEnd = a.end()
		}

		gap := gapEnd - cursor
		if gap >= need && candidate.Offer(cursor, gap, previous) {
			break
		}

		if occupied == 0 {
			break
		}

		previous = occupied
		cursor = a.blockEnd(occupied)
		occupied = a.view.Offset(occupied + btNext)
	}

	if !candidate.Found {
		return 0, 0, errors.Wrapf(arenalloc.ErrOutOfMemory, "no gap of %d bytes", need)
	}

	header := candidate.Offset
	granted := size
	if remainder := candidate.Size - need; remainder > 0 && remainder < btHeaderSize {
		granted += remainder
		a.warnWholeBlock(size, granted)
	}

	previous = candidate.Link
	next := a.view.Root()
	if previous != 0 {
		next = a.view.Offset(previous + btNext)
	}

	a.view.PutOffset(header+btSize, granted)
	a.view.PutUint64(header+btOwner, a.tag)
	a.view.PutOffset(header+btPrev, previous)
	a.view.PutOffset(header+btNext, next)

	if previous == 0 {
		a.view.SetRoot(header)
	} else {
		a.view.PutOffset(previous+btNext, header)
	}

	if next != 0 {
		a.view.PutOffset(next+btPrev, header)
	}

	return header + btHeaderSize, granted, nil
}

// isHeader returns true if offset could hold an occupied block header
func (a *BoundaryTagsAllocator) isHeader(offset int) bool {
	return offset >= a.base && offset <= a.end()-btHeaderSize-btMinPayload
}

func (a *BoundaryTagsAllocator) occupiedSize(payload int) (int, error) {
	header := payload - btHeaderSize
	if !a.isHeader(header) {
		return 0, corrupt(payload, "no room for a block header")
	}

	if a.view.Uint64(header+btOwner) != a.tag {
		return 0, corrupt(payload, "header does not carry this allocator's tag")
	}

	size := a.view.Offset(header + btSize)
	if size < btMinPayload || size > a.end()-payload {
		return 0, corrupt(payload, "header records an impossible size %d", size)
	}

	previous := a.view.Offset(header + btPrev)
	if previous == 0 {
		if a.view.Root() != header {
			return 0, corrupt(payload, "block has no predecessor but is not the first block")
		}
	} else if !a.isHeader(previous) || a.view.Offset(previous+btNext) != header {
		return 0, corrupt(payload, "predecessor does not link to the block")
	}

	next := a.view.Offset(header + btNext)
	if next != 0 && (!a.isHeader(next) || a.view.Offset(next+btPrev) != header) {
		return 0, corrupt(payload, "successor does not link to the block")
	}

	return size, nil
}

func (a *BoundaryTagsAllocator) release(payload int) {
	header := payload - btHeaderSize
	previous := a.view.Offset(header + btPrev)
	next := a.view.Offset(header + btNext)

	if previous == 0 {
		a.view.SetRoot(next)
	} else {
		a.view.PutOffset(previous+btNext, next)
	}

	if next != 0 {
		a.view.PutOffset(next+btPrev, previous)
	}

	a.view.Clear(header, btHeaderSize)
}

// requestCapacity accounts for the header a gap needs before it can hold a payload
func (a *BoundaryTagsAllocator) requestCapacity(info arenalloc.BlockInfo) int {
	return info.Size - btHeaderSize
}

func (a *BoundaryTagsAllocator) visitBlocks(visit func(info arenalloc.BlockInfo) error) error {
	cursor := a.base
	occupied := a.view.Root()

	for occupied != 0 {
		if occupied < cursor || !a.isHeader(occupied) {
			return pkgerrors.Errorf("occupied block at %d is out of order or out of bounds", occupied-a.base)
		}

		end := a.blockEnd(occupied)
		if end > a.end() || end < occupied {
			return pkgerrors.Errorf("occupied block at %d runs past the end of the arena", occupied-a.base)
		}

		if gap := occupied - cursor; gap > 0 {
			err := visit(arenalloc.BlockInfo{Offset: cursor - a.base, Size: gap})
			if err != nil {
				return err
			}
		}

		err := visit(arenalloc.BlockInfo{
			Offset:   occupied - a.base,
			Size:     end - occupied - btHeaderSize,
			Overhead: btHeaderSize,
			Occupied: true,
		})
		if err != nil {
			return err
		}

		cursor = end
		occupied = a.view.Offset(occupied + btNext)
	}

	if gap := a.end() - cursor; gap > 0 {
		return visit(arenalloc.BlockInfo{Offset: cursor - a.base, Size: gap})
	}

	return nil
}

func (a *BoundaryTagsAllocator) validate() error {
	previous := 0
	for occupied := a.view.Root(); occupied != 0; occupied = a.view.Offset(occupied + btNext) {
		if a.view.Offset(occupied+btPrev) != previous {
			return pkgerrors.Errorf("block at %d links back to %d, expected %d", occupied-a.base, a.view.Offset(occupied+btPrev), previous)
		}

		if a.view.Uint64(occupied+btOwner) != a.tag {
			return pkgerrors.Errorf("block at %d does not carry this allocator's tag", occupied-a.base)
		}

		if a.view.Offset(occupied+btSize) < btMinPayload {
			return pkgerrors.Errorf("block at %d is smaller than the minimum payload", occupied-a.base)
		}

		previous = occupied
	}

	return nil
}
