// Package layout loads the layout descriptor table a collector publishes for
// out-of-process inspection.
//
// The inspecting tool and the target are built independently, so structure
// sizes and field offsets are never taken from local type information. They
// are read once per session from the target's globals block and kept in an
// immutable Table that every other component receives explicitly.
package layout

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/zeebo/xxh3"

	gcerrors "github.com/coral-mesh/gcscope/internal/errors"
	"github.com/coral-mesh/gcscope/internal/target"
)

// Globals block format.
const (
	Magic          uint32 = 0x56444347 // "GCDV"
	SupportedMajor uint8  = 1
	HeaderSize            = 48
	EntrySize             = 12
	MaxEntries            = 4096
	MaxGenerations        = 8

	// FlagServerGC marks a multi-heap (server) collector.
	FlagServerGC uint8 = 1 << 0
)

// Reader is the read primitive Load needs. *target.Service implements it.
type Reader interface {
	Read(addr target.Address, n uint64) ([]byte, error)
	ByteOrder() binary.ByteOrder
}

// Header is the fixed part of the globals block.
type Header struct {
	Major           uint8
	Minor           uint8
	PointerSize     uint8
	Flags           uint8
	EntryCount      uint32
	GenerationCount uint32
	Entries         target.Address
	SingleHeap      target.Address
	HeapTable       target.Address
	HeapCount       target.Address
}

// Entry is one (identifier, offset, size) row of the published table.
type Entry struct {
	Struct StructID
	Field  FieldID
	Offset uint32
	Size   uint32
}

// FieldInfo locates a field inside its structure.
type FieldInfo struct {
	Struct StructID
	Field  FieldID
	Offset uint64
	Size   uint64
}

type fieldKey struct {
	s StructID
	f FieldID
}

// Table is the session's immutable view of the target's compiled layout.
type Table struct {
	globals     target.Address
	block       target.Address
	header      Header
	sizes       map[StructID]uint64
	fields      map[fieldKey]FieldInfo
	entries     []Entry
	fingerprint uint64
}

// Load reads the globals pointer at globals (ptrSize bytes wide), follows it
// to the globals block and builds the table. Every failure to find a usable
// surface is reported as DiagnosticsUnsupported; a null block pointer wraps
// ErrNotPublished so callers may wait for the runtime to finish starting.
func Load(r Reader, globals target.Address, ptrSize int) (*Table, error) {
	const op = "load layout"
	order := r.ByteOrder()

	if ptrSize != 4 && ptrSize != 8 {
		return nil, gcerrors.Newf(gcerrors.DiagnosticsUnsupported, op, uint64(globals),
			"unsupported pointer size %d", ptrSize)
	}
	if globals.IsNull() {
		return nil, gcerrors.Newf(gcerrors.DiagnosticsUnsupported, op, 0, "globals symbol not found")
	}

	raw, err := r.Read(globals, uint64(ptrSize))
	if err != nil {
		return nil, gcerrors.New(gcerrors.DiagnosticsUnsupported, op, uint64(globals), "globals pointer", err)
	}
	block := target.Address(decodeUint(raw, order))
	if block.IsNull() {
		return nil, gcerrors.New(gcerrors.DiagnosticsUnsupported, op, uint64(globals), "globals pointer", ErrNotPublished)
	}

	raw, err = r.Read(block, HeaderSize)
	if err != nil {
		return nil, gcerrors.New(gcerrors.DiagnosticsUnsupported, op, uint64(block), "globals block", err)
	}
	hdr, err := parseHeader(raw, order)
	if err != nil {
		return nil, gcerrors.New(gcerrors.DiagnosticsUnsupported, op, uint64(block), "globals block", err)
	}
	if int(hdr.PointerSize) != ptrSize {
		return nil, gcerrors.Newf(gcerrors.DiagnosticsUnsupported, op, uint64(block),
			"block pointer size %d does not match target pointer size %d", hdr.PointerSize, ptrSize)
	}

	raw, err = r.Read(hdr.Entries, uint64(hdr.EntryCount)*EntrySize)
	if err != nil {
		return nil, gcerrors.New(gcerrors.DiagnosticsUnsupported, op, uint64(hdr.Entries), "layout entries", err)
	}

	t, err := build(hdr, raw, order)
	if err != nil {
		return nil, gcerrors.New(gcerrors.DiagnosticsUnsupported, op, uint64(hdr.Entries), "layout entries", err)
	}
	t.globals = globals
	t.block = block
	return t, nil
}

func parseHeader(b []byte, order binary.ByteOrder) (Header, error) {
	if magic := order.Uint32(b[0:4]); magic != Magic {
		return Header{}, fmt.Errorf("bad magic 0x%08x", magic)
	}
	h := Header{
		Major:           b[4],
		Minor:           b[5],
		PointerSize:     b[6],
		Flags:           b[7],
		EntryCount:      order.Uint32(b[8:12]),
		GenerationCount: order.Uint32(b[12:16]),
		Entries:         target.Address(order.Uint64(b[16:24])),
		SingleHeap:      target.Address(order.Uint64(b[24:32])),
		HeapTable:       target.Address(order.Uint64(b[32:40])),
		HeapCount:       target.Address(order.Uint64(b[40:48])),
	}
	switch {
	case h.Major != SupportedMajor:
		return Header{}, fmt.Errorf("unsupported version %d.%d", h.Major, h.Minor)
	case h.PointerSize != 4 && h.PointerSize != 8:
		return Header{}, fmt.Errorf("invalid pointer size %d", h.PointerSize)
	case h.EntryCount == 0 || h.EntryCount > MaxEntries:
		return Header{}, fmt.Errorf("invalid entry count %d", h.EntryCount)
	case h.GenerationCount == 0 || h.GenerationCount > MaxGenerations:
		return Header{}, fmt.Errorf("invalid generation count %d", h.GenerationCount)
	}
	return h, nil
}

func build(hdr Header, raw []byte, order binary.ByteOrder) (*Table, error) {
	t := &Table{
		header:  hdr,
		sizes:   make(map[StructID]uint64),
		fields:  make(map[fieldKey]FieldInfo),
		entries: make([]Entry, 0, hdr.EntryCount),
	}

	for i := 0; i < int(hdr.EntryCount); i++ {
		b := raw[i*EntrySize : (i+1)*EntrySize]
		e := Entry{
			Struct: StructID(order.Uint16(b[0:2])),
			Field:  FieldID(order.Uint16(b[2:4])),
			Offset: order.Uint32(b[4:8]),
			Size:   order.Uint32(b[8:12]),
		}
		key := fieldKey{e.Struct, e.Field}
		if e.Field == SizeRow {
			if _, dup := t.sizes[e.Struct]; dup {
				return nil, fmt.Errorf("duplicate size row for %s", e.Struct)
			}
			t.sizes[e.Struct] = uint64(e.Size)
		} else {
			if _, dup := t.fields[key]; dup {
				return nil, fmt.Errorf("duplicate row for %s", FieldName(e.Struct, e.Field))
			}
			t.fields[key] = FieldInfo{Struct: e.Struct, Field: e.Field, Offset: uint64(e.Offset), Size: uint64(e.Size)}
		}
		t.entries = append(t.entries, e)
	}

	for k, f := range t.fields {
		size, ok := t.sizes[k.s]
		if ok && f.Offset+f.Size > size {
			return nil, fmt.Errorf("%s [%d,+%d) exceeds structure size %d",
				FieldName(k.s, k.f), f.Offset, f.Size, size)
		}
	}

	sort.Slice(t.entries, func(i, j int) bool {
		if t.entries[i].Struct != t.entries[j].Struct {
			return t.entries[i].Struct < t.entries[j].Struct
		}
		return t.entries[i].Field < t.entries[j].Field
	})
	t.fingerprint = fingerprint(hdr, t.entries)
	return t, nil
}

// fingerprint hashes the build-invariant parts of the layout: the header
// scalars and the sorted rows. Addresses are excluded.
func fingerprint(hdr Header, entries []Entry) uint64 {
	buf := make([]byte, 0, 8+len(entries)*EntrySize)
	buf = append(buf, hdr.Major, hdr.Minor, hdr.PointerSize, hdr.Flags)
	buf = binary.LittleEndian.AppendUint32(buf, hdr.GenerationCount)
	for _, e := range entries {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(e.Struct))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(e.Field))
		buf = binary.LittleEndian.AppendUint32(buf, e.Offset)
		buf = binary.LittleEndian.AppendUint32(buf, e.Size)
	}
	return xxh3.Hash(buf)
}

func decodeUint(b []byte, order binary.ByteOrder) uint64 {
	switch len(b) {
	case 4:
		return uint64(order.Uint32(b))
	case 8:
		return order.Uint64(b)
	}
	return 0
}

// Size returns the target's compiled size of s.
func (t *Table) Size(s StructID) (uint64, error) {
	size, ok := t.sizes[s]
	if !ok {
		return 0, gcerrors.New(gcerrors.VersionMismatch, "structure size", 0, s.String(), nil)
	}
	return size, nil
}

// Field returns the offset and size of field f in s.
func (t *Table) Field(s StructID, f FieldID) (FieldInfo, error) {
	info, ok := t.fields[fieldKey{s, f}]
	if !ok {
		return FieldInfo{}, gcerrors.New(gcerrors.VersionMismatch, "field offset", 0, FieldName(s, f), nil)
	}
	return info, nil
}

// Offset returns the byte offset of field f in s.
func (t *Table) Offset(s StructID, f FieldID) (uint64, error) {
	info, err := t.Field(s, f)
	if err != nil {
		return 0, err
	}
	return info.Offset, nil
}

// Has reports whether the table carries the given row.
func (t *Table) Has(s StructID, f FieldID) bool {
	if f == SizeRow {
		_, ok := t.sizes[s]
		return ok
	}
	_, ok := t.fields[fieldKey{s, f}]
	return ok
}

// Entries returns the rows sorted by (struct, field).
func (t *Table) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Header returns the decoded globals block header.
func (t *Table) Header() Header { return t.header }

// Globals returns the address of the globals pointer the table came from.
func (t *Table) Globals() target.Address { return t.globals }

// Block returns the address of the globals block.
func (t *Table) Block() target.Address { return t.block }

// PointerSize is the target's pointer width in bytes.
func (t *Table) PointerSize() int { return int(t.header.PointerSize) }

// ServerGC reports a multi-heap collector.
func (t *Table) ServerGC() bool { return t.header.Flags&FlagServerGC != 0 }

// GenerationCount is the number of generation table entries per heap.
func (t *Table) GenerationCount() int { return int(t.header.GenerationCount) }

// SingleHeap is the workstation heap anchor.
func (t *Table) SingleHeap() target.Address { return t.header.SingleHeap }

// HeapTable is the address of the server heap pointer array.
func (t *Table) HeapTable() target.Address { return t.header.HeapTable }

// HeapCount is the address of the int32 server heap count.
func (t *Table) HeapCount() target.Address { return t.header.HeapCount }

// Version formats the published surface version.
func (t *Table) Version() string {
	return fmt.Sprintf("%d.%d", t.header.Major, t.header.Minor)
}

// Fingerprint identifies the layout independent of where it was loaded.
func (t *Table) Fingerprint() uint64 { return t.fingerprint }

// Equal reports whether two tables describe the same layout.
func (t *Table) Equal(o *Table) bool {
	if t == nil || o == nil {
		return t == o
	}
	if t.fingerprint != o.fingerprint || t.header != o.header || len(t.entries) != len(o.entries) {
		return false
	}
	for i := range t.entries {
		if t.entries[i] != o.entries[i] {
			return false
		}
	}
	return true
}
