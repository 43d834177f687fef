package allocator

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	pkgerrors "github.com/pkg/errors"
	"github.com/vkngwrapper/arenalloc"
	"github.com/vkngwrapper/arenalloc/internal/arena"
	"github.com/vkngwrapper/arenalloc/internal/utils"
	"golang.org/x/exp/slog"
)

// layout is implemented by each arena strategy. Methods are called with the arena core's mutex held
// and with an arena that has not been released.
type layout interface {
	// minPayload is the smallest payload the strategy can hand out
	minPayload() int
	// allocate carves an occupied block with a payload of at least size bytes, returning the offset
	// of the payload and the number of payload bytes granted
	allocate(size int, mode arenalloc.FitMode) (payload int, granted int, err error)
	// occupiedSize verifies that payload belongs to an occupied block of this arena without
	// modifying anything, and returns the block's payload size
	occupiedSize(payload int) (int, error)
	// release frees a block that occupiedSize accepted
	release(payload int)
	// requestCapacity is the largest request the free block described by info can satisfy
	requestCapacity(info arenalloc.BlockInfo) int
	// visitBlocks enumerates every block of the managed region in address order
	visitBlocks(visit func(info arenalloc.BlockInfo) error) error
	// validate checks the strategy's own invariants
	validate() error
}

type validateFunc func() error

func (f validateFunc) Validate() error { return f() }

// arenaCore is embedded by every arena strategy. It owns the buffer acquired from the parent,
// the prologue at its start and everything that lives outside of it: identity, logging, locking.
type arenaCore struct {
	typeName string
	id       uint64
	tag      uint64
	flags    CreateFlags
	logger   *slog.Logger
	mutex    utils.OptionalRWMutex

	parent      arenalloc.Allocator
	privateLeaf *LeafAllocator
	backing     arenalloc.Block
	view        arena.View
	// base is the offset of the managed region, just past the prologue
	base int
	// size is the length of the managed region
	size int

	released bool
	layout   layout
}

func (c *arenaCore) init(typeName string, spaceSize int, options CreateOptions, l layout) error {
	c.typeName = typeName
	c.logger = arenalloc.LoggerOrDiscard(options.Logger)
	c.id = arena.NextOwnerID()
	c.tag = arena.OwnerTag(c.id)
	c.flags = options.Flags
	c.mutex.UseMutex = options.Flags&CreateExternallySynchronized == 0
	c.layout = l

	c.logger.Debug(c.typeName + "::New")

	if !options.FitMode.IsValid() {
		return errors.Newf("%s: unknown fit mode %d", typeName, options.FitMode)
	}

	total, err := arenalloc.AddSizes(spaceSize, arena.PrologueSize)
	if err != nil {
		return errors.Wrapf(err, "%s arena of %d bytes", typeName, spaceSize)
	}

	parent := options.Parent
	if parent == nil {
		c.privateLeaf = NewLeaf(c.logger, LeafOptions{Flags: CreateExternallySynchronized})
		parent = c.privateLeaf
	}

	backing, err := parent.Allocate(total, 1)
	if err != nil {
		err = errors.Mark(errors.Wrapf(err, "%s arena of %d bytes", typeName, total), arenalloc.ErrBackingAllocationFailed)
		c.logger.Error(c.typeName+"::New", slog.Any("error", err))
		return err
	}

	if backing.Size() < total {
		_ = parent.Deallocate(backing)
		err = errors.Wrapf(arenalloc.ErrBackingAllocationFailed, "%s arena of %d bytes received a %d byte buffer", typeName, total, backing.Size())
		c.logger.Error(c.typeName+"::New", slog.Any("error", err))
		return err
	}

	c.parent = parent
	c.backing = backing
	c.view = arena.NewView(backing.Bytes()[:total:total])
	c.base = arena.PrologueSize
	c.size = spaceSize

	c.view.InitPrologue(spaceSize, uint8(options.FitMode))
	c.view.Clear(c.base, c.size)

	return nil
}

// moveTo transfers the arena to dst, leaving the receiver released
func (c *arenaCore) moveTo(dst *arenaCore, l layout) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.logger.Debug(c.typeName + "::Move")

	dst.typeName = c.typeName
	dst.id = c.id
	dst.tag = c.tag
	dst.flags = c.flags
	dst.logger = c.logger
	dst.mutex.UseMutex = c.mutex.UseMutex
	dst.parent = c.parent
	dst.privateLeaf = c.privateLeaf
	dst.backing = c.backing
	dst.view = c.view
	dst.base = c.base
	dst.size = c.size
	dst.released = c.released
	dst.layout = l

	c.parent = nil
	c.privateLeaf = nil
	c.backing = arenalloc.Block{}
	c.view = arena.View{}
	c.released = true
}

func (c *arenaCore) releasedError(op string) error {
	err := errors.Wrapf(arenalloc.ErrReleased, "%s::%s", c.typeName, op)
	c.logger.Error(c.typeName+"::"+op, slog.Any("error", err))
	return err
}

// Close returns the arena buffer to the parent allocator. The allocator cannot be used afterwards.
func (c *arenaCore) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.logger.Debug(c.typeName + "::Close")

	if c.released {
		return c.releasedError("Close")
	}

	err := c.parent.Deallocate(c.backing)
	if c.privateLeaf != nil {
		err = errors.CombineErrors(err, c.privateLeaf.Close())
	}

	c.parent = nil
	c.privateLeaf = nil
	c.backing = arenalloc.Block{}
	c.view = arena.View{}
	c.released = true

	if err != nil {
		err = errors.Wrapf(err, "%s::Close", c.typeName)
		c.logger.Error(c.typeName+"::Close", slog.Any("error", err))
	}
	return err
}

// Allocate hands out a block with room for valuesCount values of valueSize bytes
func (c *arenaCore) Allocate(valueSize, valuesCount int) (arenalloc.Block, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.logger.Debug(c.typeName + "::Allocate")

	if c.released {
		return arenalloc.Block{}, c.releasedError("Allocate")
	}

	size, err := arenalloc.RequestSize(valueSize, valuesCount)
	if err != nil {
		c.logger.Error(c.typeName+"::Allocate", slog.Any("error", err))
		return arenalloc.Block{}, err
	}

	request := size
	if minPayload := c.layout.minPayload(); request < minPayload {
		c.logger.Warn(c.typeName+"::Allocate request rounded up to the minimum payload",
			slog.Int("requested", size), slog.Int("size", minPayload))
		request = minPayload
	}

	payload, granted, err := c.layout.allocate(request, arenalloc.FitMode(c.view.FitMode()))
	if err != nil {
		err = errors.Wrapf(err, "%s::Allocate of %d bytes", c.typeName, size)
		c.logger.Error(c.typeName+"::Allocate", slog.Any("error", err))
		return arenalloc.Block{}, err
	}

	data, err := c.view.Resolve(payload, granted)
	if err != nil {
		panic(errors.Wrapf(err, "%s produced a block outside of its arena", c.typeName))
	}

	c.logger.Log(context.Background(), arenalloc.LevelTrace, c.typeName+"::Allocate",
		slog.Int("offset", payload-c.base), slog.Int("size", size), slog.Int("granted", granted))
	c.afterMutation("Allocate")

	return arenalloc.NewBlock(c.id, payload, data[:size]), nil
}

// Deallocate returns a block to the arena, merging it with neighboring free space
func (c *arenaCore) Deallocate(block arenalloc.Block) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.logger.Debug(c.typeName + "::Deallocate")

	if c.released {
		return c.releasedError("Deallocate")
	}

	if block.Owner() != c.id {
		return c.foreignBlock(block, "owned by allocator %d", block.Owner())
	}

	payload := block.Offset()
	if payload < c.base || payload >= c.base+c.size {
		return c.foreignBlock(block, "offset outside of the managed region")
	}

	size, err := c.layout.occupiedSize(payload)
	if err != nil {
		err = errors.Wrapf(err, "%s::Deallocate of block at %d", c.typeName, payload-c.base)
		c.logger.Error(c.typeName+"::Deallocate", slog.Any("error", err))
		return err
	}

	if block.Size() > size {
		return c.foreignBlock(block, "block claims %d bytes but the header holds %d", block.Size(), size)
	}

	if c.flags&CreateZeroOnFree != 0 {
		c.view.Clear(payload, size)
	}

	c.layout.release(payload)

	c.logger.Log(context.Background(), arenalloc.LevelTrace, c.typeName+"::Deallocate",
		slog.Int("offset", payload-c.base), slog.Int("size", size))
	c.afterMutation("Deallocate")

	return nil
}

func (c *arenaCore) foreignBlock(block arenalloc.Block, format string, args ...any) error {
	err := errors.Wrapf(arenalloc.ErrForeignBlock, "%s::Deallocate of block at %d: "+format,
		append([]any{c.typeName, block.Offset() - c.base}, args...)...)
	c.logger.Error(c.typeName+"::Deallocate", slog.Any("error", err))
	return err
}

// corrupt builds the error layouts return from occupiedSize when a header does not describe an
// occupied block of this arena
func corrupt(payload int, format string, args ...any) error {
	return errors.Wrapf(arenalloc.ErrForeignBlock, "payload %d: "+format, append([]any{payload}, args...)...)
}

// warnWholeBlock is used by layouts that grant a free block without splitting it
func (c *arenaCore) warnWholeBlock(requested, granted int) {
	c.logger.Warn(c.typeName+"::Allocate remainder too small to split, granting the whole block",
		slog.Int("requested", requested), slog.Int("granted", granted))
}

func (c *arenaCore) afterMutation(op string) {
	arenalloc.DebugValidate(validateFunc(c.validate))

	ctx := context.Background()
	if c.logger.Enabled(ctx, slog.LevelDebug) {
		c.logger.Debug(c.typeName+"::"+op+" current state of blocks",
			slog.String("blocks", arenalloc.BlocksJsonString(c.blocksInfo())))
	}

	if c.logger.Enabled(ctx, slog.LevelInfo) {
		c.logger.Info(c.typeName+"::"+op+" available memory", slog.Int("bytes", c.availableBytes()))
	}
}

// SetFitMode changes the policy used by subsequent Allocate calls
func (c *arenaCore) SetFitMode(mode arenalloc.FitMode) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.logger.Debug(c.typeName + "::SetFitMode")

	if c.released {
		_ = c.releasedError("SetFitMode")
		return
	}

	if !mode.IsValid() {
		c.logger.Error(c.typeName+"::SetFitMode unknown fit mode", slog.Int("mode", int(mode)))
		return
	}

	old := arenalloc.FitMode(c.view.FitMode())
	if old != mode {
		c.logger.Warn(c.typeName+"::SetFitMode fit mode changed",
			slog.String("from", old.String()), slog.String("to", mode.String()))
	}
	c.view.SetFitMode(uint8(mode))
}

func (c *arenaCore) FitMode() arenalloc.FitMode {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if c.released {
		return arenalloc.FitModeFirst
	}
	return arenalloc.FitMode(c.view.FitMode())
}

// ManagedSize is the number of bytes the allocator divides into blocks
func (c *arenaCore) ManagedSize() int {
	return c.size
}

// ID returns the owner id stamped into every Block this allocator hands out
func (c *arenaCore) ID() uint64 {
	return c.id
}

// VisitBlocks enumerates every block of the arena in address order. Offsets are relative to the
// start of the managed region.
func (c *arenaCore) VisitBlocks(visit func(info arenalloc.BlockInfo) error) error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if c.released {
		return c.releasedError("VisitBlocks")
	}

	return c.layout.visitBlocks(visit)
}

func (c *arenaCore) BlocksInfo() []arenalloc.BlockInfo {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if c.released {
		return nil
	}

	return c.blocksInfo()
}

func (c *arenaCore) blocksInfo() []arenalloc.BlockInfo {
	var infos []arenalloc.BlockInfo
	_ = c.layout.visitBlocks(func(info arenalloc.BlockInfo) error {
		infos = append(infos, info)
		return nil
	})
	return infos
}

// AvailableBytes returns the sum of the sizes of the free blocks
func (c *arenaCore) AvailableBytes() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if c.released {
		return 0
	}

	return c.availableBytes()
}

func (c *arenaCore) availableBytes() int {
	available := 0
	_ = c.layout.visitBlocks(func(info arenalloc.BlockInfo) error {
		if !info.Occupied {
			available += info.Size
		}
		return nil
	})
	return available
}

// LargestAllocation returns the largest request Allocate would currently satisfy, or 0 if every
// request would fail with ErrOutOfMemory
func (c *arenaCore) LargestAllocation() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if c.released {
		return 0
	}

	largest := 0
	minPayload := c.layout.minPayload()
	_ = c.layout.visitBlocks(func(info arenalloc.BlockInfo) error {
		if info.Occupied {
			return nil
		}
		if capacity := c.layout.requestCapacity(info); capacity >= minPayload && capacity > largest {
			largest = capacity
		}
		return nil
	})
	return largest
}

func (c *arenaCore) AddStatistics(stats *arenalloc.Statistics) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if c.released {
		return
	}

	stats.ArenaCount++
	stats.ArenaBytes += c.size

	_ = c.layout.visitBlocks(func(info arenalloc.BlockInfo) error {
		if info.Occupied {
			stats.AllocationCount++
			stats.AllocationBytes += info.Size
		}
		return nil
	})
}

func (c *arenaCore) AddDetailedStatistics(stats *arenalloc.DetailedStatistics) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if c.released {
		return
	}

	c.addDetailedStatistics(stats)
}

func (c *arenaCore) addDetailedStatistics(stats *arenalloc.DetailedStatistics) {
	stats.ArenaCount++
	stats.ArenaBytes += c.size

	_ = c.layout.visitBlocks(func(info arenalloc.BlockInfo) error {
		stats.AddBlock(info)
		return nil
	})
}

// WriteJson writes a json object describing the arena, its statistics and its blocks
func (c *arenaCore) WriteJson(writer *jwriter.Writer) error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if c.released {
		return c.releasedError("WriteJson")
	}

	var stats arenalloc.DetailedStatistics
	stats.Clear()
	c.addDetailedStatistics(&stats)

	obj := writer.Object()
	obj.Name("Type").String(c.typeName)
	obj.Name("FitMode").String(arenalloc.FitMode(c.view.FitMode()).String())
	stats.StatisticsJsonData(&obj)
	arenalloc.WriteBlocksJson(obj.Name("Blocks"), c.blocksInfo())
	obj.End()

	return writer.Error()
}

// Validate checks the internal consistency of the arena
func (c *arenaCore) Validate() error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if c.released {
		return c.releasedError("Validate")
	}

	return c.validate()
}

func (c *arenaCore) validate() error {
	if c.view.SpaceSize() != c.size {
		return pkgerrors.Errorf("prologue records a managed size of %d, expected %d", c.view.SpaceSize(), c.size)
	}

	if !arenalloc.FitMode(c.view.FitMode()).IsValid() {
		return pkgerrors.Errorf("prologue records unknown fit mode %d", c.view.FitMode())
	}

	next := 0
	err := c.layout.visitBlocks(func(info arenalloc.BlockInfo) error {
		if info.Offset != next {
			return pkgerrors.Errorf("block at %d does not start where the previous block ended (%d)", info.Offset, next)
		}
		if info.Size < 0 || info.Overhead < 0 {
			return pkgerrors.Errorf("block at %d has negative size %d or overhead %d", info.Offset, info.Size, info.Overhead)
		}
		next += info.Span()
		return nil
	})
	if err != nil {
		return err
	}

	if next != c.size {
		return pkgerrors.Errorf("blocks cover %d bytes of a %d byte managed region", next, c.size)
	}

	return c.layout.validate()
}
