package allocator

import (
	"github.com/cockroachdb/errors"
	pkgerrors "github.com/pkg/errors"
	"github.com/vkngwrapper/arenalloc"
)

const (
	buddyOccupiedBit uint8 = 0x80
	buddyPowerMask   uint8 = 0x7F

	// buddyFreeHeaderSize is the flags byte every block starts with
	buddyFreeHeaderSize = 1
	// buddyHeaderSize is the flags byte plus the owner tag of an occupied block
	buddyHeaderSize = buddyFreeHeaderSize + arenalloc.PointerSize

	buddyMinPayload = arenalloc.PointerSize
	// buddyMinPower is the smallest power whose block can hold an occupied header and the minimum payload
	buddyMinPower = 5
	buddyMaxPower = 62
)

// BuddySystemAllocator manages a power-of-two region by recursively halving blocks on allocation and
// merging free buddies back together on deallocation. Each block starts with a single flags byte
// holding its occupancy and size power, so blocks form an implicit chain through the region.
type BuddySystemAllocator struct {
	arenaCore
	power int
}

var _ arenalloc.Allocator = &BuddySystemAllocator{}
var _ arenalloc.FitModeConfigurable = &BuddySystemAllocator{}
var _ arenalloc.BlockInspectable = &BuddySystemAllocator{}

// NewBuddySystem creates a BuddySystemAllocator managing 2^spacePower bytes
func NewBuddySystem(spacePower int, options CreateOptions) (*BuddySystemAllocator, error) {
	if spacePower < buddyMinPower {
		return nil, errors.Wrapf(arenalloc.ErrConstructionTooSmall, "buddy system arena of 2^%d bytes, at least 2^%d are required", spacePower, buddyMinPower)
	}

	if spacePower > buddyMaxPower {
		return nil, errors.Wrapf(arenalloc.ErrInvalidSize, "buddy system arena of 2^%d bytes", spacePower)
	}

	a := &BuddySystemAllocator{power: spacePower}
	err := a.init("BuddySystemAllocator", 1<<spacePower, options, a)
	if err != nil {
		return nil, err
	}

	a.putFlags(0, false, spacePower)
	a.view.SetRoot(a.base)
	return a, nil
}

// Move transfers the arena to a new allocator. The receiver is left empty and every later call on it
// fails with arenalloc.ErrReleased.
func (a *BuddySystemAllocator) Move() *BuddySystemAllocator {
	moved := &BuddySystemAllocator{power: a.power}
	a.moveTo(&moved.arenaCore, moved)
	return moved
}

// SpacePower returns the exponent of the managed region size
func (a *BuddySystemAllocator) SpacePower() int {
	return a.power
}

func (a *BuddySystemAllocator) minPayload() int {
	return buddyMinPayload
}

// flags reads the header of the block at rel, an offset relative to the managed region
func (a *BuddySystemAllocator) flags(rel int) (occupied bool, power int) {
	flags := a.view.Uint8(a.base + rel)
	return flags&buddyOccupiedBit != 0, int(flags & buddyPowerMask)
}

func (a *BuddySystemAllocator) putFlags(rel int, occupied bool, power int) {
	flags := uint8(power) & buddyPowerMask
	if occupied {
		flags |= buddyOccupiedBit
	}
	a.view.PutUint8(a.base+rel, flags)
}

func (a *BuddySystemAllocator) allocate(size int, mode arenalloc.FitMode) (int, int, error) {
	need, err := arenalloc.AddSizes(size, buddyHeaderSize)
	if err != nil {
		return 0, 0, err
	}

	candidate := arenalloc.Candidate{Mode: mode}
	for rel := 0; rel < a.size; {
		occupied, power := a.flags(rel)
		blockSize := 1 << power
		if !occupied && blockSize >= need && candidate.Offer(rel, power, 0) {
			break
		}
		rel += blockSize
	}

	if !candidate.Found {
		return 0, 0, errors.Wrapf(arenalloc.ErrOutOfMemory, "no block of %d bytes", need)
	}

	rel := candidate.Offset
	power := candidate.Size
	for power > buddyMinPower && 1<<power >= 2*need {
		power--
		arenalloc.DebugCheckPow2(1<<power, "buddy block size")
		a.putFlags(rel+1<<power, false, power)
	}

	a.putFlags(rel, true, power)
	a.view.PutUint64(a.base+rel+buddyFreeHeaderSize, a.tag)

	return a.base + rel + buddyHeaderSize, 1<<power - buddyHeaderSize, nil
}

func (a *BuddySystemAllocator) occupiedSize(payload int) (int, error) {
	rel := payload - buddyHeaderSize - a.base
	if rel < 0 {
		return 0, corrupt(payload, "no room for a block header")
	}

	occupied, power := a.flags(rel)
	if !occupied {
		return 0, corrupt(payload, "header does not mark the block occupied")
	}

	if power < buddyMinPower || power > a.power {
		return 0, corrupt(payload, "header records an impossible power %d", power)
	}

	blockSize := 1 << power
	if rel%blockSize != 0 || rel+blockSize > a.size {
		return 0, corrupt(payload, "block of %d bytes is misaligned", blockSize)
	}

	if a.view.Uint64(a.base+rel+buddyFreeHeaderSize) != a.tag {
		return 0, corrupt(payload, "header does not carry this allocator's tag")
	}

	return blockSize - buddyHeaderSize, nil
}

func (a *BuddySystemAllocator) release(payload int) {
	rel := payload - buddyHeaderSize - a.base
	_, power := a.flags(rel)

	a.view.Clear(a.base+rel, buddyHeaderSize)
	a.putFlags(rel, false, power)

	for power < a.power {
		blockSize := 1 << power
		arenalloc.DebugCheckPow2(blockSize, "buddy block size")
		buddy := rel ^ blockSize
		buddyOccupied, buddyPower := a.flags(buddy)
		if buddyOccupied || buddyPower != power {
			break
		}

		// The merged block starts at the lower of the two buddies
		rel = arenalloc.AlignDown(rel, uint(blockSize<<1))
		a.view.Clear(a.base+(rel^blockSize), buddyFreeHeaderSize)
		power++
		a.putFlags(rel, false, power)
	}
}

// requestCapacity accounts for the owner tag an occupied block adds to the free header
func (a *BuddySystemAllocator) requestCapacity(info arenalloc.BlockInfo) int {
	return info.Span() - buddyHeaderSize
}

func (a *BuddySystemAllocator) visitBlocks(visit func(info arenalloc.BlockInfo) error) error {
	for rel := 0; rel < a.size; {
		occupied, power := a.flags(rel)
		if power < buddyMinPower || power > a.power {
			return pkgerrors.Errorf("block at %d records an impossible power %d", rel, power)
		}

		blockSize := 1 << power
		if rel%blockSize != 0 || rel+blockSize > a.size {
			return pkgerrors.Errorf("block at %d of %d bytes is misaligned", rel, blockSize)
		}

		info := arenalloc.BlockInfo{
			Offset:   rel,
			Size:     blockSize - buddyFreeHeaderSize,
			Overhead: buddyFreeHeaderSize,
		}
		if occupied {
			info.Size = blockSize - buddyHeaderSize
			info.Overhead = buddyHeaderSize
			info.Occupied = true
		}

		err := visit(info)
		if err != nil {
			return err
		}

		rel += blockSize
	}

	return nil
}

func (a *BuddySystemAllocator) validate() error {
	return a.visitBlocks(func(info arenalloc.BlockInfo) error {
		blockSize := info.Span()

		if info.Occupied {
			if a.view.Uint64(a.base+info.Offset+buddyFreeHeaderSize) != a.tag {
				return pkgerrors.Errorf("block at %d does not carry this allocator's tag", info.Offset)
			}
			return nil
		}

		if blockSize == a.size {
			return nil
		}

		buddyOccupied, buddyPower := a.flags(info.Offset ^ blockSize)
		if !buddyOccupied && 1<<buddyPower == blockSize {
			return pkgerrors.Errorf("free buddies at %d and %d were not merged", info.Offset, info.Offset^blockSize)
		}

		return nil
	})
}
