//go:build unix

package allocator

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arenalloc"
	"golang.org/x/sys/unix"
)

// mapAnonymous maps whole pages and returns a slice of exactly size bytes. The slice keeps the
// capacity of the whole mapping, which is what unmapAnonymous hands back to munmap.
func mapAnonymous(size int) ([]byte, error) {
	length := arenalloc.AlignUp(size, uint(unix.Getpagesize()))
	mem, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap of %d bytes", length)
	}
	return mem[:size], nil
}

func unmapAnonymous(mem []byte) error {
	return unix.Munmap(mem)
}
