package arenalloc

// Allocator is the common contract of every allocation strategy in this module. It hands out
// regions of memory and accepts them back.
type Allocator interface {
	// Allocate requests valueSize * valuesCount bytes. Requests smaller than the strategy's minimum
	// payload are rounded up. ErrOutOfMemory is returned when no free region can hold the request plus
	// the strategy's block metadata, and ErrInvalidSize is returned when the request overflows.
	Allocate(valueSize, valuesCount int) (Block, error)
	// Deallocate returns a block to the allocator. ErrForeignBlock is returned when the block was not
	// allocated by this allocator or is not currently occupied, in which case nothing is modified.
	Deallocate(block Block) error
}

// FitModeConfigurable is implemented by allocators whose block selection policy can be changed
// after construction
type FitModeConfigurable interface {
	// SetFitMode changes the policy used by subsequent Allocate calls. Existing free blocks are not
	// rearranged.
	SetFitMode(mode FitMode)
	FitMode() FitMode
}

// BlockInspectable is implemented by allocators that can enumerate the blocks of their arena
// for diagnostic purposes
type BlockInspectable interface {
	// VisitBlocks calls the provided callback once for each block in the arena, in address order.
	// Enumeration stops at the first error returned by the callback, and that error is returned.
	VisitBlocks(visit func(info BlockInfo) error) error
	// BlocksInfo collects the results of VisitBlocks into a slice
	BlocksInfo() []BlockInfo
}

// Block is an opaque handle to a region of memory handed out by an Allocator. The zero value
// is a nil block that no allocator owns.
type Block struct {
	owner  uint64
	offset int
	data   []byte
}

// NewBlock is used by Allocator implementations to build the handles they return. owner is the
// id of the allocating instance and offset is the position of the payload within that instance's
// arena.
func NewBlock(owner uint64, offset int, data []byte) Block {
	return Block{
		owner:  owner,
		offset: offset,
		data:   data,
	}
}

// Owner returns the id of the allocator instance that produced this block
func (b Block) Owner() uint64 { return b.owner }

// Offset returns the offset of the block's payload inside its allocator's arena
func (b Block) Offset() int { return b.offset }

// Bytes returns the payload of the block. The slice's capacity is limited to the payload, so
// appending to it can never overwrite allocator metadata.
func (b Block) Bytes() []byte { return b.data }

// Size returns the length in bytes of the payload
func (b Block) Size() int { return len(b.data) }

// IsNil returns true for the zero Block
func (b Block) IsNil() bool { return b.owner == 0 && b.data == nil }

// BlockInfo describes a single block within an arena, as returned by BlockInspectable
type BlockInfo struct {
	// Offset is the position of the block (header included) within the managed region
	Offset int
	// Size is the number of payload bytes the block offers
	Size int
	// Overhead is the number of metadata bytes the strategy attributes to this block
	Overhead int
	// Occupied is true if the block is currently handed out to a caller
	Occupied bool
}

// Span is the total number of arena bytes covered by the block
func (i BlockInfo) Span() int {
	return i.Size + i.Overhead
}
