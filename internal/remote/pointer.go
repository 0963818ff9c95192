package remote

import (
	"fmt"

	gcerrors "github.com/coral-mesh/gcscope/internal/errors"
	"github.com/coral-mesh/gcscope/internal/layout"
	"github.com/coral-mesh/gcscope/internal/target"
)

// Ptr is a typed address in the target. It owns nothing and caches nothing.
type Ptr[T any] struct {
	Addr  target.Address
	Codec Codec[T]
}

// At returns a pointer to a T at addr.
func At[T any](addr target.Address, c Codec[T]) Ptr[T] {
	return Ptr[T]{Addr: addr, Codec: c}
}

// IsNull reports whether the pointer holds the null address.
func (p Ptr[T]) IsNull() bool { return p.Addr.IsNull() }

// Add returns a pointer of the same type off bytes away.
func (p Ptr[T]) Add(off int64) Ptr[T] {
	return Ptr[T]{Addr: p.Addr.Add(off), Codec: p.Codec}
}

func (p Ptr[T]) String() string {
	return fmt.Sprintf("*%s(%s)", p.Codec.Name(), p.Addr)
}

// Materialize reads the value behind p. Every call performs a read.
func (p Ptr[T]) Materialize(m *Memory) (T, error) {
	var zero T
	size, err := p.Codec.Size(m.Table())
	if err != nil {
		return zero, err
	}
	b, err := m.Read(p.Addr, size)
	if err != nil {
		return zero, err
	}
	return p.Codec.Decode(p.Addr, b, m)
}

// FieldPtr points at field f of the structure s located at base. The codec
// must fit inside the published field.
func FieldPtr[T any](base target.Address, s layout.StructID, f layout.FieldID, c Codec[T], t *layout.Table) (Ptr[T], error) {
	info, err := t.Field(s, f)
	if err != nil {
		return Ptr[T]{}, err
	}
	size, err := c.Size(t)
	if err != nil {
		return Ptr[T]{}, err
	}
	if size > info.Size {
		return Ptr[T]{}, gcerrors.Newf(gcerrors.VersionMismatch, "field pointer", uint64(base),
			"%s is %d bytes, %s needs %d", layout.FieldName(s, f), info.Size, c.Name(), size)
	}
	addr, ok := base.Offset(info.Offset)
	if !ok {
		return Ptr[T]{}, gcerrors.New(gcerrors.InvalidTargetData, "field pointer", uint64(base),
			layout.FieldName(s, f), fmt.Errorf("offset %d wraps the address space", info.Offset))
	}
	return At(addr, c), nil
}

// ReadField reads field f of the structure s at base and decodes it as an
// unsigned integer of its published width (1, 2, 4 or 8 bytes).
func ReadField(m *Memory, base target.Address, s layout.StructID, f layout.FieldID) (uint64, error) {
	t := m.Table()
	info, err := t.Field(s, f)
	if err != nil {
		return 0, err
	}
	var c Codec[uint64]
	switch info.Size {
	case 1:
		c = widen(Uint8)
	case 2:
		c = widen(Uint16)
	case 4:
		c = widen(Uint32)
	case 8:
		c = Uint64
	default:
		return 0, gcerrors.Newf(gcerrors.VersionMismatch, "read field", uint64(base),
			"%s has non-scalar width %d", layout.FieldName(s, f), info.Size)
	}
	p, err := FieldPtr(base, s, f, c, t)
	if err != nil {
		return 0, err
	}
	return p.Materialize(m)
}

type widened[T uint8 | uint16 | uint32] struct {
	inner Codec[T]
}

func widen[T uint8 | uint16 | uint32](c Codec[T]) Codec[uint64] { return widened[T]{inner: c} }

func (w widened[T]) Name() string                         { return w.inner.Name() }
func (w widened[T]) Size(t *layout.Table) (uint64, error) { return w.inner.Size(t) }

func (w widened[T]) Decode(addr target.Address, b []byte, m *Memory) (uint64, error) {
	v, err := w.inner.Decode(addr, b, m)
	return uint64(v), err
}
