package layout

import "fmt"

// StructID identifies a collector structure in the published layout.
type StructID uint16

// FieldID identifies a field within a structure. SizeRow (0) is reserved for
// the row carrying the structure's total size.
type FieldID uint16

// SizeRow is the field id of a structure's size row.
const SizeRow FieldID = 0

// Structures published by the collector.
const (
	StructGCHeap      StructID = 1
	StructGeneration  StructID = 2
	StructHeapSegment StructID = 3
)

// gc_heap fields.
const (
	HeapAllocAllocated       FieldID = 1
	HeapEphemeralHeapSegment FieldID = 2
	HeapFinalizeQueue        FieldID = 3
	HeapGenerationTable      FieldID = 4
)

// generation fields.
const (
	GenAllocPtr        FieldID = 1
	GenAllocLimit      FieldID = 2
	GenStartSegment    FieldID = 3
	GenAllocationStart FieldID = 4
)

// heap_segment fields.
const (
	SegAllocated FieldID = 1
	SegCommitted FieldID = 2
	SegReserved  FieldID = 3
	SegUsed      FieldID = 4
	SegMem       FieldID = 5
	SegFlags     FieldID = 6
	SegNext      FieldID = 7
)

var structNames = map[StructID]string{
	StructGCHeap:      "gc_heap",
	StructGeneration:  "generation",
	StructHeapSegment: "heap_segment",
}

var fieldNames = map[StructID]map[FieldID]string{
	StructGCHeap: {
		HeapAllocAllocated:       "alloc_allocated",
		HeapEphemeralHeapSegment: "ephemeral_heap_segment",
		HeapFinalizeQueue:        "finalize_queue",
		HeapGenerationTable:      "generation_table",
	},
	StructGeneration: {
		GenAllocPtr:        "alloc_ptr",
		GenAllocLimit:      "alloc_limit",
		GenStartSegment:    "start_segment",
		GenAllocationStart: "allocation_start",
	},
	StructHeapSegment: {
		SegAllocated: "allocated",
		SegCommitted: "committed",
		SegReserved:  "reserved",
		SegUsed:      "used",
		SegMem:       "mem",
		SegFlags:     "flags",
		SegNext:      "next",
	},
}

func (s StructID) String() string {
	if name, ok := structNames[s]; ok {
		return name
	}
	return fmt.Sprintf("struct#%d", uint16(s))
}

// FieldName returns "struct.field" for display.
func FieldName(s StructID, f FieldID) string {
	if f == SizeRow {
		return s.String()
	}
	if name, ok := fieldNames[s][f]; ok {
		return s.String() + "." + name
	}
	return fmt.Sprintf("%s.field#%d", s, uint16(f))
}
