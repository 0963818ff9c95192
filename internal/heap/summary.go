package heap

import (
	"github.com/coral-mesh/gcscope/internal/layout"
	"github.com/coral-mesh/gcscope/internal/remote"
	"github.com/coral-mesh/gcscope/internal/target"
)

// GenerationSummary holds the fields of one generation read in one pass.
type GenerationSummary struct {
	Index           int            `json:"index"`
	Addr            target.Address `json:"address"`
	AllocationStart target.Address `json:"allocation_start"`
	AllocPtr        target.Address `json:"alloc_ptr"`
	AllocLimit      target.Address `json:"alloc_limit"`
	StartSegment    target.Address `json:"start_segment"`
}

// HeapSummary holds the fields of one heap and its generations.
type HeapSummary struct {
	Index            int                 `json:"index"`
	Addr             target.Address      `json:"address"`
	AllocAllocated   target.Address      `json:"alloc_allocated"`
	EphemeralSegment target.Address      `json:"ephemeral_segment"`
	FinalizeQueue    target.Address      `json:"finalize_queue,omitempty"`
	Generations      []GenerationSummary `json:"generations"`
}

// SegmentSummary holds the fields of one heap_segment.
type SegmentSummary struct {
	Index     int            `json:"index"`
	Addr      target.Address `json:"address"`
	Mem       target.Address `json:"mem"`
	Allocated target.Address `json:"allocated"`
	Committed target.Address `json:"committed"`
	Reserved  target.Address `json:"reserved"`
	Used      target.Address `json:"used,omitempty"`
	Flags     uint64         `json:"flags"`
	Next      target.Address `json:"next"`
}

// Size is the number of bytes allocated in the segment.
func (s SegmentSummary) Size() uint64 {
	if s.Allocated < s.Mem {
		return 0
	}
	return s.Allocated.Sub(s.Mem)
}

// Describe snapshots h and each of its generations. The heap and each
// generation cost one read apiece. finalize_queue is optional.
func (w *Walker) Describe(h Heap) (HeapSummary, error) {
	if err := w.own(h.view, "describe heap"); err != nil {
		return HeapSummary{}, err
	}
	rec, err := h.Snapshot()
	if err != nil {
		return HeapSummary{}, err
	}
	sum := HeapSummary{Index: h.Index, Addr: h.Addr}
	if sum.AllocAllocated, err = rec.Address(layout.HeapAllocAllocated); err != nil {
		return HeapSummary{}, err
	}
	if sum.EphemeralSegment, err = rec.Address(layout.HeapEphemeralHeapSegment); err != nil {
		return HeapSummary{}, err
	}
	if w.mem.Table().Has(layout.StructGCHeap, layout.HeapFinalizeQueue) {
		if sum.FinalizeQueue, err = rec.Address(layout.HeapFinalizeQueue); err != nil {
			return HeapSummary{}, err
		}
	}

	gens, err := w.Generations(h)
	if err != nil {
		return HeapSummary{}, err
	}
	for _, g := range gens {
		gs, err := describeGeneration(g)
		if err != nil {
			return HeapSummary{}, err
		}
		sum.Generations = append(sum.Generations, gs)
	}
	return sum, nil
}

func describeGeneration(g Generation) (GenerationSummary, error) {
	rec, err := g.Snapshot()
	if err != nil {
		return GenerationSummary{}, err
	}
	gs := GenerationSummary{Index: g.Index, Addr: g.Addr}
	fields := []struct {
		id  layout.FieldID
		dst *target.Address
	}{
		{layout.GenAllocationStart, &gs.AllocationStart},
		{layout.GenAllocPtr, &gs.AllocPtr},
		{layout.GenAllocLimit, &gs.AllocLimit},
		{layout.GenStartSegment, &gs.StartSegment},
	}
	for _, f := range fields {
		if *f.dst, err = rec.Address(f.id); err != nil {
			return GenerationSummary{}, err
		}
	}
	return gs, nil
}

// DescribeSegments walks the segment chain of g and snapshots each segment.
// used and flags are optional.
func (w *Walker) DescribeSegments(g Generation) ([]SegmentSummary, error) {
	segs, err := w.ListSegments(g)
	if err != nil {
		return nil, err
	}
	t := w.mem.Table()
	out := make([]SegmentSummary, 0, len(segs))
	for _, s := range segs {
		rec, err := s.Snapshot()
		if err != nil {
			return nil, err
		}
		ss := SegmentSummary{Index: s.Index, Addr: s.Addr}
		if err := readAddresses(rec, map[layout.FieldID]*target.Address{
			layout.SegMem:       &ss.Mem,
			layout.SegAllocated: &ss.Allocated,
			layout.SegCommitted: &ss.Committed,
			layout.SegReserved:  &ss.Reserved,
			layout.SegNext:      &ss.Next,
		}); err != nil {
			return nil, err
		}
		if t.Has(layout.StructHeapSegment, layout.SegUsed) {
			if ss.Used, err = rec.Address(layout.SegUsed); err != nil {
				return nil, err
			}
		}
		if t.Has(layout.StructHeapSegment, layout.SegFlags) {
			if ss.Flags, err = rec.Uint64(layout.SegFlags); err != nil {
				return nil, err
			}
		}
		out = append(out, ss)
	}
	return out, nil
}

func readAddresses(rec remote.Record, dst map[layout.FieldID]*target.Address) error {
	for f, p := range dst {
		v, err := rec.Address(f)
		if err != nil {
			return err
		}
		*p = v
	}
	return nil
}
