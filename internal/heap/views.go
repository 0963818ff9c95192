package heap

import (
	"github.com/coral-mesh/gcscope/internal/layout"
	"github.com/coral-mesh/gcscope/internal/remote"
	"github.com/coral-mesh/gcscope/internal/target"
)

type view struct {
	Addr  target.Address
	w     *Walker
	epoch uint64
}

func (v view) readField(s layout.StructID, f layout.FieldID, op string) (uint64, error) {
	if err := checkView(v, op); err != nil {
		return 0, err
	}
	return remote.ReadField(v.w.mem, v.Addr, s, f)
}

func (v view) snapshot(s layout.StructID, op string) (remote.Record, error) {
	if err := checkView(v, op); err != nil {
		return remote.Record{}, err
	}
	return remote.At(v.Addr, remote.StructOf(s)).Materialize(v.w.mem)
}

// Heap is a view of one gc_heap.
type Heap struct {
	view
	Index int
}

// Ptr returns a typed pointer to the whole gc_heap.
func (h Heap) Ptr() remote.Ptr[remote.Record] {
	return remote.At(h.Addr, remote.StructOf(layout.StructGCHeap))
}

// ReadField reads one gc_heap field as an unsigned integer.
func (h Heap) ReadField(f layout.FieldID) (uint64, error) {
	return h.readField(layout.StructGCHeap, f, "read heap field")
}

// ReadAddress reads one gc_heap pointer field.
func (h Heap) ReadAddress(f layout.FieldID) (target.Address, error) {
	v, err := h.ReadField(f)
	return target.Address(v), err
}

// Snapshot reads the whole gc_heap in one read.
func (h Heap) Snapshot() (remote.Record, error) {
	return h.snapshot(layout.StructGCHeap, "snapshot heap")
}

// Generation is a view of one generation table entry. It has no identity
// outside its (heap, index) pair.
type Generation struct {
	view
	Heap  int
	Index int
}

// Ptr returns a typed pointer to the generation.
func (g Generation) Ptr() remote.Ptr[remote.Record] {
	return remote.At(g.Addr, remote.StructOf(layout.StructGeneration))
}

// ReadField reads one generation field.
func (g Generation) ReadField(f layout.FieldID) (uint64, error) {
	return g.readField(layout.StructGeneration, f, "read generation field")
}

// ReadAddress reads one generation pointer field.
func (g Generation) ReadAddress(f layout.FieldID) (target.Address, error) {
	v, err := g.ReadField(f)
	return target.Address(v), err
}

// Snapshot reads the whole generation entry.
func (g Generation) Snapshot() (remote.Record, error) {
	return g.snapshot(layout.StructGeneration, "snapshot generation")
}

// Segment is a view of one heap_segment.
type Segment struct {
	view
	Heap       int
	Generation int
	Index      int
}

// ReadField reads one heap_segment field.
func (s Segment) ReadField(f layout.FieldID) (uint64, error) {
	return s.readField(layout.StructHeapSegment, f, "read segment field")
}

// ReadAddress reads one heap_segment pointer field.
func (s Segment) ReadAddress(f layout.FieldID) (target.Address, error) {
	v, err := s.ReadField(f)
	return target.Address(v), err
}

// Snapshot reads the whole heap_segment.
func (s Segment) Snapshot() (remote.Record, error) {
	return s.snapshot(layout.StructHeapSegment, "snapshot segment")
}
