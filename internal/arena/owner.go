package arena

import "go.uber.org/atomic"

// ownerMagic keeps stored owner tags from looking like small offsets or sizes
const ownerMagic uint64 = 0x9E3779B97F4A7C15

var ownerIDs = atomic.NewUint64(0)

// NextOwnerID returns a process-unique allocator id. Ids start at 1, so 0 never identifies an owner.
func NextOwnerID() uint64 {
	return ownerIDs.Inc()
}

// OwnerTag is the value an allocator with the given id stamps into the headers of its occupied blocks
func OwnerTag(id uint64) uint64 {
	return id ^ ownerMagic
}
