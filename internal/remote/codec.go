package remote

import (
	"encoding/binary"
	"fmt"

	gcerrors "github.com/coral-mesh/gcscope/internal/errors"
	"github.com/coral-mesh/gcscope/internal/layout"
	"github.com/coral-mesh/gcscope/internal/target"
)

// Codec describes how to size and decode a T stored in the target.
type Codec[T any] interface {
	// Name is used in error messages and display.
	Name() string
	// Size is the target's size of T. Scalars ignore the table.
	Size(t *layout.Table) (uint64, error)
	// Decode builds a local T from exactly Size bytes read at addr.
	Decode(addr target.Address, b []byte, m *Memory) (T, error)
}

type scalar[T any] struct {
	name   string
	size   uint64
	decode func(b []byte, order binary.ByteOrder) T
}

func (s scalar[T]) Name() string                       { return s.name }
func (s scalar[T]) Size(*layout.Table) (uint64, error) { return s.size, nil }

func (s scalar[T]) Decode(addr target.Address, b []byte, m *Memory) (T, error) {
	if uint64(len(b)) != s.size {
		var zero T
		return zero, gcerrors.Newf(gcerrors.InvalidTargetData, "decode "+s.name, uint64(addr),
			"got %d bytes, want %d", len(b), s.size)
	}
	return s.decode(b, m.ByteOrder()), nil
}

// Fixed-width scalars. Their sizes are layout-stable across runtime builds.
var (
	Uint8 Codec[uint8] = scalar[uint8]{"uint8", 1, func(b []byte, _ binary.ByteOrder) uint8 { return b[0] }}

	Uint16 Codec[uint16] = scalar[uint16]{"uint16", 2, func(b []byte, o binary.ByteOrder) uint16 { return o.Uint16(b) }}

	Uint32 Codec[uint32] = scalar[uint32]{"uint32", 4, func(b []byte, o binary.ByteOrder) uint32 { return o.Uint32(b) }}

	Uint64 Codec[uint64] = scalar[uint64]{"uint64", 8, func(b []byte, o binary.ByteOrder) uint64 { return o.Uint64(b) }}

	Int32 Codec[int32] = scalar[int32]{"int32", 4, func(b []byte, o binary.ByteOrder) int32 { return int32(o.Uint32(b)) }}

	Int64 Codec[int64] = scalar[int64]{"int64", 8, func(b []byte, o binary.ByteOrder) int64 { return int64(o.Uint64(b)) }}
)

type pointer struct {
	size int
}

// Pointer decodes a target pointer of the given width. A size of 0 uses the
// target's native pointer size from the layout table.
func Pointer(size int) Codec[target.Address] {
	return pointer{size: size}
}

func (p pointer) Name() string {
	if p.size == 0 {
		return "pointer"
	}
	return fmt.Sprintf("pointer%d", p.size*8)
}

func (p pointer) Size(t *layout.Table) (uint64, error) {
	size := p.size
	if size == 0 {
		size = t.PointerSize()
	}
	if size != 4 && size != 8 {
		return 0, gcerrors.Newf(gcerrors.VersionMismatch, "pointer size", 0, "unsupported pointer width %d", size)
	}
	return uint64(size), nil
}

func (p pointer) Decode(addr target.Address, b []byte, m *Memory) (target.Address, error) {
	order := m.ByteOrder()
	switch len(b) {
	case 4:
		return target.Address(order.Uint32(b)), nil
	case 8:
		return target.Address(order.Uint64(b)), nil
	}
	return target.Null, gcerrors.Newf(gcerrors.InvalidTargetData, "decode pointer", uint64(addr),
		"got %d bytes", len(b))
}

type structCodec struct {
	id layout.StructID
}

// StructOf decodes a whole collector structure into a Record. Its size comes
// from the layout table.
func StructOf(id layout.StructID) Codec[Record] {
	return structCodec{id: id}
}

func (s structCodec) Name() string { return s.id.String() }

func (s structCodec) Size(t *layout.Table) (uint64, error) {
	return t.Size(s.id)
}

func (s structCodec) Decode(addr target.Address, b []byte, m *Memory) (Record, error) {
	data := make([]byte, len(b))
	copy(data, b)
	return Record{Addr: addr, Struct: s.id, data: data, table: m.Table(), order: m.ByteOrder()}, nil
}
