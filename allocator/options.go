package allocator

import (
	"github.com/vkngwrapper/arenalloc"
	"github.com/vkngwrapper/core/v2/common"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var createFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	createFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return createFlagsMapping.FlagsToString(f)
}

const (
	// CreateExternallySynchronized ensures that the allocator will not be synchronized internally.
	// The consumer must guarantee it is used from only one goroutine at a time or is synchronized
	// by some other mechanism, but performance may improve because the internal mutex is not used.
	CreateExternallySynchronized CreateFlags = 1 << iota
	// CreateZeroOnFree clears the payload of every block as it is deallocated
	CreateZeroOnFree
)

func init() {
	CreateExternallySynchronized.Register("CreateExternallySynchronized")
	CreateZeroOnFree.Register("CreateZeroOnFree")
}

// CreateOptions contains optional settings when creating an arena allocator. It is valid to leave
// all the fields blank.
type CreateOptions struct {
	// Parent supplies the arena buffer and receives it back when the allocator is closed. If it is
	// nil, a private LeafAllocator is used.
	Parent arenalloc.Allocator
	// Logger receives the allocator's diagnostics. If it is nil, nothing is logged.
	Logger *slog.Logger
	// FitMode is the initial block selection policy
	FitMode arenalloc.FitMode
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
}

// LeafOptions contains optional settings when creating a LeafAllocator
type LeafOptions struct {
	// UseMmap requests each allocation from the operating system with an anonymous private
	// mapping instead of the Go heap. Allocations fail with arenalloc.ErrMmapUnsupported on
	// platforms without mmap.
	UseMmap bool
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
}
