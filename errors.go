package arenalloc

import "github.com/cockroachdb/errors"

var (
	// ErrConstructionTooSmall is returned from allocator constructors when the requested arena cannot
	// hold even the minimal metadata the strategy requires
	ErrConstructionTooSmall = errors.New("requested arena size cannot hold the allocator metadata")
	// ErrBackingAllocationFailed is returned from allocator constructors when the parent allocator (or the
	// system) could not supply the arena buffer. The parent's own error is always wrapped alongside it, so
	// errors.Is will match both.
	ErrBackingAllocationFailed = errors.New("failed to acquire the arena buffer")
	// ErrOutOfMemory is returned from Allocate when no free region is large enough to hold the request
	// and the strategy's block metadata. The arena is left unmodified.
	ErrOutOfMemory = errors.New("no free region large enough for the request")
	// ErrForeignBlock is returned from Deallocate when the block was not allocated by the receiving
	// allocator, or is not currently occupied. The arena is left unmodified.
	ErrForeignBlock = errors.New("block was not allocated by this allocator")
	// ErrInvalidSize is returned when a requested size is negative or overflows
	ErrInvalidSize = errors.New("invalid allocation size")
	// ErrReleased is returned from any operation on an allocator that has been closed or whose arena
	// has been moved to another handle
	ErrReleased = errors.New("allocator does not own an arena")
	// ErrMmapUnsupported is returned from mmap-backed leaf allocations on platforms without mmap
	ErrMmapUnsupported = errors.New("mmap-backed allocation is not supported on this platform")

	// PowerOfTwoError is the error returned from CheckPow2 if the number being tested is not a power of two
	PowerOfTwoError = errors.New("number must be a power of two")
)
