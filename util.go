package arenalloc

import (
	"math"

	cerrors "github.com/cockroachdb/errors"
)

// PointerSize is the width in bytes of every link and owner tag stored inside an arena
const PointerSize int = 8

type Number interface {
	~int | ~uint
}

func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// RequestSize computes valueSize * valuesCount, returning ErrInvalidSize if either value is negative
// or the product overflows
func RequestSize(valueSize, valuesCount int) (int, error) {
	if valueSize < 0 || valuesCount < 0 {
		return 0, cerrors.Wrapf(ErrInvalidSize, "value size %d, values count %d", valueSize, valuesCount)
	}

	if valueSize != 0 && valuesCount > math.MaxInt/valueSize {
		return 0, cerrors.Wrapf(ErrInvalidSize, "%d * %d overflows", valueSize, valuesCount)
	}

	return valueSize * valuesCount, nil
}

// AddSizes adds two non-negative sizes, returning ErrInvalidSize if the result would overflow
func AddSizes(a, b int) (int, error) {
	if a > math.MaxInt-b {
		return 0, cerrors.Wrapf(ErrInvalidSize, "%d + %d overflows", a, b)
	}

	return a + b, nil
}
