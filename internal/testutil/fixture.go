package testutil

import "fmt"

// SegmentSpec describes one heap_segment in a fixture.
type SegmentSpec struct {
	Mem       uint64
	Allocated uint64
	Committed uint64
	Reserved  uint64
}

// GenerationSpec describes one generation table entry.
type GenerationSpec struct {
	AllocPtr        uint64
	AllocLimit      uint64
	AllocationStart uint64
	Segments        []SegmentSpec
}

// HeapSpec describes one gc_heap.
type HeapSpec struct {
	AllocAllocated uint64
	Generations    []GenerationSpec
}

// FixtureOptions configures BuildFixture.
type FixtureOptions struct {
	PointerSize     int         // default 8
	ServerGC        bool        // multi-heap surface
	GenerationCount int         // default 3
	Rows            []LayoutRow // default DefaultRows(PointerSize)
	Heaps           []HeapSpec  // default one empty heap
}

// Fixture is a fully published fake target.
type Fixture struct {
	Target      *FakeTarget
	Globals     uint64
	PointerSize int
	HeapAddrs   []uint64
	HeapTable   uint64
	HeapCount   uint64
	// GenAddrs[h][g] is the address of generation g of heap h.
	GenAddrs [][]uint64
	// SegAddrs[h][g] lists the segment chain of generation g of heap h.
	SegAddrs [][][]uint64

	rows map[[2]uint16]LayoutRow
}

// BuildFixture lays out heaps, generations and segments in a FakeTarget
// using the offsets from the given rows, then publishes the globals block.
func BuildFixture(opts FixtureOptions) *Fixture {
	if opts.PointerSize == 0 {
		opts.PointerSize = 8
	}
	if opts.GenerationCount == 0 {
		opts.GenerationCount = 3
	}
	if opts.Rows == nil {
		opts.Rows = DefaultRows(opts.PointerSize)
	}
	if len(opts.Heaps) == 0 {
		opts.Heaps = []HeapSpec{{}}
	}

	fx := &Fixture{
		Target:      NewFakeTarget(),
		PointerSize: opts.PointerSize,
		rows:        make(map[[2]uint16]LayoutRow),
	}
	for _, r := range opts.Rows {
		fx.rows[[2]uint16{r.Struct, r.Field}] = r
	}

	heapSize := uint64(fx.row(StructGCHeap, 0).Size)
	genTable := uint64(fx.row(StructGCHeap, HeapGenerationTable).Offset)
	genSize := uint64(fx.row(StructGeneration, 0).Size)

	for _, hs := range opts.Heaps {
		h := fx.Target.Alloc(heapSize)
		fx.HeapAddrs = append(fx.HeapAddrs, h)
		fx.putField(h, StructGCHeap, HeapAllocAllocated, hs.AllocAllocated)

		var gens []uint64
		var segs [][]uint64
		for g := 0; g < opts.GenerationCount; g++ {
			ga := h + genTable + uint64(g)*genSize
			gens = append(gens, ga)

			var gs GenerationSpec
			if g < len(hs.Generations) {
				gs = hs.Generations[g]
			}
			fx.putField(ga, StructGeneration, GenAllocPtr, gs.AllocPtr)
			fx.putField(ga, StructGeneration, GenAllocLimit, gs.AllocLimit)
			fx.putField(ga, StructGeneration, GenAllocationStart, gs.AllocationStart)

			chain := fx.buildSegments(gs.Segments)
			segs = append(segs, chain)
			if len(chain) > 0 {
				fx.putField(ga, StructGeneration, GenStartSegment, chain[0])
				if g == 0 {
					fx.putField(h, StructGCHeap, HeapEphemeralHeapSegment, chain[0])
				}
			}
		}
		fx.GenAddrs = append(fx.GenAddrs, gens)
		fx.SegAddrs = append(fx.SegAddrs, segs)
	}

	surface := Surface{
		PointerSize:     uint8(opts.PointerSize),
		ServerGC:        opts.ServerGC,
		GenerationCount: uint32(opts.GenerationCount),
		Rows:            opts.Rows,
	}
	if opts.ServerGC {
		fx.HeapTable = fx.Target.Alloc(uint64(len(fx.HeapAddrs) * opts.PointerSize))
		for i, h := range fx.HeapAddrs {
			fx.Target.PutUint(fx.HeapTable+uint64(i*opts.PointerSize), opts.PointerSize, h)
		}
		fx.HeapCount = fx.Target.Alloc(4)
		fx.Target.PutUint32(fx.HeapCount, uint32(len(fx.HeapAddrs)))
		surface.HeapTable = fx.HeapTable
		surface.HeapCount = fx.HeapCount
	} else {
		surface.SingleHeap = fx.HeapAddrs[0]
	}

	fx.Globals = fx.Target.Publish(surface)
	return fx
}

func (fx *Fixture) buildSegments(specs []SegmentSpec) []uint64 {
	segSize := uint64(fx.row(StructHeapSegment, 0).Size)
	var chain []uint64
	for range specs {
		chain = append(chain, fx.Target.Alloc(segSize))
	}
	for i, s := range specs {
		a := chain[i]
		fx.putField(a, StructHeapSegment, SegMem, s.Mem)
		fx.putField(a, StructHeapSegment, SegAllocated, s.Allocated)
		fx.putField(a, StructHeapSegment, SegCommitted, s.Committed)
		fx.putField(a, StructHeapSegment, SegReserved, s.Reserved)
		if i+1 < len(chain) {
			fx.putField(a, StructHeapSegment, SegNext, chain[i+1])
		}
	}
	return chain
}

// LinkSegments overwrites the next pointer of segment from to point at to.
// Tests use it to build cycles.
func (fx *Fixture) LinkSegments(from, to uint64) {
	fx.putField(from, StructHeapSegment, SegNext, to)
}

// SetHeapCount overwrites the published server heap count.
func (fx *Fixture) SetHeapCount(n int32) {
	fx.Target.PutUint32(fx.HeapCount, uint32(n))
}

// FieldAddr returns base plus the offset of the given row.
func (fx *Fixture) FieldAddr(base uint64, s, f uint16) uint64 {
	return base + uint64(fx.row(s, f).Offset)
}

func (fx *Fixture) putField(base uint64, s, f uint16, v uint64) {
	r, ok := fx.rows[[2]uint16{s, f}]
	if !ok {
		return
	}
	fx.Target.PutUint(base+uint64(r.Offset), int(r.Size), v)
}

func (fx *Fixture) row(s, f uint16) LayoutRow {
	r, ok := fx.rows[[2]uint16{s, f}]
	if !ok {
		panic(fmt.Sprintf("fixture: missing layout row %d.%d", s, f))
	}
	return r
}
