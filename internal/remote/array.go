package remote

import (
	gcerrors "github.com/coral-mesh/gcscope/internal/errors"
	"github.com/coral-mesh/gcscope/internal/layout"
	"github.com/coral-mesh/gcscope/internal/safe"
	"github.com/coral-mesh/gcscope/internal/target"
)

// ElementAddress returns base + index*stride. A bound of 0 means the element
// count is unknown. It never reads memory.
func ElementAddress(base target.Address, stride, index, bound uint64) (target.Address, error) {
	const op = "element address"
	if stride == 0 {
		return target.Null, gcerrors.Newf(gcerrors.InvalidStride, op, uint64(base), "stride is zero")
	}
	if bound > 0 && index >= bound {
		return target.Null, gcerrors.Newf(gcerrors.IndexOutOfRange, op, uint64(base),
			"index %d >= bound %d", index, bound)
	}
	addr, ok := safe.MulAdd(uint64(base), index, stride)
	if !ok {
		return target.Null, gcerrors.Newf(gcerrors.IndexOutOfRange, op, uint64(base),
			"index %d with stride %d wraps the address space", index, stride)
	}
	return target.Address(addr), nil
}

// StridedArray is an array in the target whose element size is the target's,
// not ours.
type StridedArray struct {
	Base   target.Address
	Stride uint64
	Bound  uint64 // 0 when unknown
	Elem   string
}

// ArrayOf builds an array of structure s whose stride is the structure's
// published size.
func ArrayOf(base target.Address, t *layout.Table, s layout.StructID, bound uint64) (StridedArray, error) {
	stride, err := t.Size(s)
	if err != nil {
		return StridedArray{}, err
	}
	if stride == 0 {
		return StridedArray{}, gcerrors.New(gcerrors.InvalidStride, "array of", uint64(base), s.String(), nil)
	}
	return StridedArray{Base: base, Stride: stride, Bound: bound, Elem: s.String()}, nil
}

// PointerArray builds an array of target pointers.
func PointerArray(base target.Address, ptrSize int, bound uint64) StridedArray {
	return StridedArray{Base: base, Stride: uint64(ptrSize), Bound: bound, Elem: "pointer"}
}

// At returns the address of element index.
func (a StridedArray) At(index uint64) (target.Address, error) {
	addr, err := ElementAddress(a.Base, a.Stride, index, a.Bound)
	if err != nil {
		if e, ok := err.(*gcerrors.Error); ok && a.Elem != "" {
			e.Ident = a.Elem
		}
		return target.Null, err
	}
	return addr, nil
}

// Element returns a typed pointer to element index.
func Element[T any](a StridedArray, index uint64, c Codec[T]) (Ptr[T], error) {
	addr, err := a.At(index)
	if err != nil {
		return Ptr[T]{}, err
	}
	return At(addr, c), nil
}
