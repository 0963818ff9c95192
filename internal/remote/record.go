package remote

import (
	"encoding/binary"

	gcerrors "github.com/coral-mesh/gcscope/internal/errors"
	"github.com/coral-mesh/gcscope/internal/layout"
	"github.com/coral-mesh/gcscope/internal/target"
)

// Record is a local byte copy of one collector structure. Field accessors
// resolve offsets through the layout table it was read with.
type Record struct {
	Addr   target.Address
	Struct layout.StructID

	data  []byte
	table *layout.Table
	order binary.ByteOrder
}

// Len is the number of bytes captured.
func (r Record) Len() int { return len(r.data) }

// Bytes returns a copy of the captured structure.
func (r Record) Bytes() []byte {
	out := make([]byte, len(r.data))
	copy(out, r.data)
	return out
}

// Field returns a copy of the raw bytes of field f.
func (r Record) Field(f layout.FieldID) ([]byte, error) {
	b, err := r.field(f)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (r Record) field(f layout.FieldID) ([]byte, error) {
	info, err := r.table.Field(r.Struct, f)
	if err != nil {
		return nil, err
	}
	end := info.Offset + info.Size
	if end < info.Offset || end > uint64(len(r.data)) {
		return nil, gcerrors.Newf(gcerrors.VersionMismatch, "record field", uint64(r.Addr),
			"%s [%d,+%d) outside %d-byte record", layout.FieldName(r.Struct, f), info.Offset, info.Size, len(r.data))
	}
	return r.data[info.Offset:end], nil
}

// Uint64 decodes field f as an unsigned integer of its published width.
func (r Record) Uint64(f layout.FieldID) (uint64, error) {
	b, err := r.field(f)
	if err != nil {
		return 0, err
	}
	switch len(b) {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(r.order.Uint16(b)), nil
	case 4:
		return uint64(r.order.Uint32(b)), nil
	case 8:
		return r.order.Uint64(b), nil
	}
	return 0, gcerrors.Newf(gcerrors.VersionMismatch, "record field", uint64(r.Addr),
		"%s has non-scalar width %d", layout.FieldName(r.Struct, f), len(b))
}

// Address decodes field f as a target pointer.
func (r Record) Address(f layout.FieldID) (target.Address, error) {
	v, err := r.Uint64(f)
	return target.Address(v), err
}
