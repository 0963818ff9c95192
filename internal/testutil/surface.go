package testutil

// Raw identifiers of the published layout rows. They mirror the values in
// internal/layout, which this package cannot import without creating test
// import cycles.
const (
	StructGCHeap      uint16 = 1
	StructGeneration  uint16 = 2
	StructHeapSegment uint16 = 3

	HeapAllocAllocated       uint16 = 1
	HeapEphemeralHeapSegment uint16 = 2
	HeapFinalizeQueue        uint16 = 3
	HeapGenerationTable      uint16 = 4

	GenAllocPtr        uint16 = 1
	GenAllocLimit      uint16 = 2
	GenStartSegment    uint16 = 3
	GenAllocationStart uint16 = 4

	SegAllocated uint16 = 1
	SegCommitted uint16 = 2
	SegReserved  uint16 = 3
	SegUsed      uint16 = 4
	SegMem       uint16 = 5
	SegFlags     uint16 = 6
	SegNext      uint16 = 7

	surfaceMagic uint32 = 0x56444347
	headerSize          = 48
	entrySize           = 12
	flagServerGC uint8  = 1
	surfaceMajor uint8  = 1
)

// LayoutRow is one published (identifier, offset, size) triple. Field 0 is
// the structure's size row.
type LayoutRow struct {
	Struct uint16
	Field  uint16
	Offset uint32
	Size   uint32
}

// DefaultRows returns a layout for the given pointer size whose offsets
// deliberately differ from any Go struct layout. With 8-byte pointers the
// generation descriptor is 40 bytes.
func DefaultRows(ptrSize int) []LayoutRow {
	p := uint32(ptrSize)
	return []LayoutRow{
		{StructGCHeap, 0, 0, 0x400},
		{StructGCHeap, HeapAllocAllocated, 0x10, p},
		{StructGCHeap, HeapEphemeralHeapSegment, 0x18, p},
		{StructGCHeap, HeapFinalizeQueue, 0x28, p},
		{StructGCHeap, HeapGenerationTable, 0x80, 5 * p * 4},

		{StructGeneration, 0, 0, 5 * p},
		{StructGeneration, GenAllocPtr, 0, p},
		{StructGeneration, GenAllocLimit, p, p},
		{StructGeneration, GenStartSegment, 3 * p, p},
		{StructGeneration, GenAllocationStart, 4 * p, p},

		{StructHeapSegment, 0, 0, 8 * p},
		{StructHeapSegment, SegAllocated, 0, p},
		{StructHeapSegment, SegCommitted, p, p},
		{StructHeapSegment, SegReserved, 2 * p, p},
		{StructHeapSegment, SegUsed, 3 * p, p},
		{StructHeapSegment, SegMem, 4 * p, p},
		{StructHeapSegment, SegFlags, 5 * p, p},
		{StructHeapSegment, SegNext, 6 * p, p},
	}
}

// Surface describes a globals block to publish into a FakeTarget.
type Surface struct {
	Magic           uint32 // zero means the valid magic
	Major           uint8  // zero means the supported major
	Minor           uint8
	PointerSize     uint8
	ServerGC        bool
	GenerationCount uint32
	Rows            []LayoutRow
	SingleHeap      uint64
	HeapTable       uint64
	HeapCount       uint64
}

// Publish writes the rows, the globals block and a pointer to it, and
// returns the address of that pointer (the symbol a tool would resolve).
func (f *FakeTarget) Publish(s Surface) uint64 {
	if s.PointerSize == 0 {
		s.PointerSize = 8
	}
	if s.Magic == 0 {
		s.Magic = surfaceMagic
	}
	if s.Major == 0 {
		s.Major = surfaceMajor
	}

	entries := f.Alloc(uint64(len(s.Rows)*entrySize) + 1)
	for i, r := range s.Rows {
		at := entries + uint64(i*entrySize)
		f.PutUint16(at, r.Struct)
		f.PutUint16(at+2, r.Field)
		f.PutUint32(at+4, r.Offset)
		f.PutUint32(at+8, r.Size)
	}

	block := f.Alloc(headerSize)
	f.PutUint32(block, s.Magic)
	flags := uint8(0)
	if s.ServerGC {
		flags |= flagServerGC
	}
	f.Map(block+4, []byte{s.Major, s.Minor, s.PointerSize, flags})
	f.PutUint32(block+8, uint32(len(s.Rows)))
	f.PutUint32(block+12, s.GenerationCount)
	f.PutUint64(block+16, entries)
	f.PutUint64(block+24, s.SingleHeap)
	f.PutUint64(block+32, s.HeapTable)
	f.PutUint64(block+40, s.HeapCount)

	globals := f.Alloc(uint64(s.PointerSize))
	f.PutUint(globals, int(s.PointerSize), block)
	return globals
}

// PublishUnset allocates a globals pointer that is still null.
func (f *FakeTarget) PublishUnset(ptrSize int) uint64 {
	return f.Alloc(uint64(ptrSize))
}
