// Package safe provides overflow-checked integer arithmetic and guarded file
// reads. Values coming from a target process are untrusted; arithmetic on them
// must report wrap-around instead of silently producing a bogus address.
package safe

import (
	"math"
	"math/bits"
)

// Uint64ToInt64 converts val to int64, clamping to math.MaxInt64.
// The boolean reports whether clamping occurred.
func Uint64ToInt64(val uint64) (int64, bool) {
	if val > math.MaxInt64 {
		return math.MaxInt64, true
	}
	return int64(val), false
}

// Add returns a+b and false if the sum overflows uint64.
func Add(a, b uint64) (uint64, bool) {
	sum, carry := bits.Add64(a, b, 0)
	return sum, carry == 0
}

// Mul returns a*b and false if the product overflows uint64.
func Mul(a, b uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	return lo, hi == 0
}

// MulAdd returns base + index*stride and false on any overflow.
func MulAdd(base, index, stride uint64) (uint64, bool) {
	off, ok := Mul(index, stride)
	if !ok {
		return 0, false
	}
	return Add(base, off)
}
