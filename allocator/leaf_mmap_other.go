//go:build !unix

package allocator

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arenalloc"
)

func mapAnonymous(size int) ([]byte, error) {
	return nil, errors.Wrapf(arenalloc.ErrMmapUnsupported, "mmap of %d bytes", size)
}

func unmapAnonymous(mem []byte) error {
	return nil
}
