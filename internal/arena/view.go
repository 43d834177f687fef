package arena

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

const (
	// PrologueSize is the number of bytes reserved at the start of every arena buffer
	PrologueSize int = 24

	prologueSpaceSize = 0
	prologueRoot      = 8
	prologueFitMode   = 16
)

// ErrOutOfBounds is returned by Resolve when a range does not lie inside the buffer
var ErrOutOfBounds = errors.New("range lies outside of the arena")

// View reads and writes the little-endian fields allocators store inside their arena buffer.
// Offsets are absolute positions in the buffer, so offset 0 always falls in the prologue and
// is used as the null link.
type View struct {
	buf []byte
}

func NewView(buf []byte) View {
	return View{buf: buf}
}

// Contains returns true if [offset, offset+size) lies entirely inside the buffer
func (v View) Contains(offset, size int) bool {
	return offset >= 0 && size >= 0 && offset <= len(v.buf) && size <= len(v.buf)-offset
}

// Resolve is the only way to turn an offset that came from outside the allocator into a slice
// of the buffer. The returned slice's capacity ends at offset+size.
func (v View) Resolve(offset, size int) ([]byte, error) {
	if !v.Contains(offset, size) {
		return nil, errors.Wrapf(ErrOutOfBounds, "range [%d, %d) in arena of %d bytes", offset, offset+size, len(v.buf))
	}

	return v.buf[offset : offset+size : offset+size], nil
}

func (v View) Uint64(offset int) uint64 {
	return binary.LittleEndian.Uint64(v.buf[offset : offset+8])
}

func (v View) PutUint64(offset int, value uint64) {
	binary.LittleEndian.PutUint64(v.buf[offset:offset+8], value)
}

// Offset reads a link or size field
func (v View) Offset(offset int) int {
	return int(v.Uint64(offset))
}

func (v View) PutOffset(offset int, value int) {
	v.PutUint64(offset, uint64(value))
}

func (v View) Uint8(offset int) uint8 {
	return v.buf[offset]
}

func (v View) PutUint8(offset int, value uint8) {
	v.buf[offset] = value
}

// Clear zeroes [offset, offset+size)
func (v View) Clear(offset, size int) {
	clear(v.buf[offset : offset+size])
}

func (v View) SpaceSize() int {
	return v.Offset(prologueSpaceSize)
}

func (v View) Root() int {
	return v.Offset(prologueRoot)
}

func (v View) SetRoot(root int) {
	v.PutOffset(prologueRoot, root)
}

func (v View) FitMode() uint8 {
	return v.Uint8(prologueFitMode)
}

func (v View) SetFitMode(mode uint8) {
	v.PutUint8(prologueFitMode, mode)
}

// InitPrologue writes a fresh prologue describing a managed region of spaceSize bytes
func (v View) InitPrologue(spaceSize int, mode uint8) {
	v.Clear(0, PrologueSize)
	v.PutOffset(prologueSpaceSize, spaceSize)
	v.SetFitMode(mode)
}
