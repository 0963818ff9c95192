// Package heap walks the collector's heap descriptors and generation tables
// in a target.
//
// The walker holds the session's memory context and nothing else. Heaps,
// generations and segments are passive views: an address plus the walker
// that produced it. Fields are read on demand, each read going to the
// target.
package heap

import (
	"fmt"
	"iter"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/gcscope/internal/constants"
	gcerrors "github.com/coral-mesh/gcscope/internal/errors"
	"github.com/coral-mesh/gcscope/internal/layout"
	"github.com/coral-mesh/gcscope/internal/remote"
	"github.com/coral-mesh/gcscope/internal/target"
)

const (
	// DefaultMaxHeaps bounds the server heap count read from the target.
	DefaultMaxHeaps = constants.DefaultMaxHeaps
	// DefaultMaxSegments bounds a segment chain walk.
	DefaultMaxSegments = constants.DefaultMaxSegments
)

// Options configures a Walker.
type Options struct {
	MaxHeaps    int
	MaxSegments int

	// Lease validates views. Nil gives the walker a private lease.
	Lease *Lease

	Logger zerolog.Logger
}

// Walker enumerates heaps and generations of one session.
type Walker struct {
	mem    *remote.Memory
	opts   Options
	lease  *Lease
	logger zerolog.Logger
}

// New returns a walker over mem.
func New(mem *remote.Memory, opts Options) *Walker {
	if opts.MaxHeaps <= 0 {
		opts.MaxHeaps = DefaultMaxHeaps
	}
	if opts.MaxSegments <= 0 {
		opts.MaxSegments = DefaultMaxSegments
	}
	lease := opts.Lease
	if lease == nil {
		lease = NewLease()
	}
	return &Walker{
		mem:    mem,
		opts:   opts,
		lease:  lease,
		logger: opts.Logger.With().Str("component", "heap_walker").Logger(),
	}
}

// Memory returns the walker's memory context.
func (w *Walker) Memory() *remote.Memory { return w.mem }

// Table returns the session layout.
func (w *Walker) Table() *layout.Table { return w.mem.Table() }

// Heaps yields every heap of the target. In single-heap mode it yields the
// published anchor; in multi-heap mode it reads the heap count and then one
// pointer per heap table element. The sequence stops at the first error and
// can be ranged over again from the start.
func (w *Walker) Heaps() iter.Seq2[Heap, error] {
	return func(yield func(Heap, error) bool) {
		epoch := w.lease.Epoch()
		if err := w.lease.check(epoch, "list heaps", target.Null); err != nil {
			yield(Heap{}, err)
			return
		}

		t := w.mem.Table()
		if !t.ServerGC() {
			anchor := t.SingleHeap()
			if anchor.IsNull() {
				yield(Heap{}, gcerrors.Newf(gcerrors.DiagnosticsUnsupported, "list heaps", 0,
					"single heap anchor is not published"))
				return
			}
			yield(w.newHeap(0, anchor, epoch), nil)
			return
		}

		arr, err := w.heapTable()
		if err != nil {
			yield(Heap{}, err)
			return
		}
		for i := uint64(0); i < arr.Bound; i++ {
			h, err := w.heapAt(arr, i, epoch)
			if !yield(h, err) || err != nil {
				return
			}
		}
	}
}

// ListHeaps collects Heaps. On error no heaps are returned.
func (w *Walker) ListHeaps() ([]Heap, error) {
	var heaps []Heap
	for h, err := range w.Heaps() {
		if err != nil {
			return nil, err
		}
		heaps = append(heaps, h)
	}
	w.logger.Debug().Int("heaps", len(heaps)).Bool("server_gc", w.mem.Table().ServerGC()).Msg("Listed heaps")
	return heaps, nil
}

// HeapCount returns the number of heaps without materializing them.
func (w *Walker) HeapCount() (int, error) {
	if err := w.lease.check(w.lease.Epoch(), "heap count", target.Null); err != nil {
		return 0, err
	}
	if !w.mem.Table().ServerGC() {
		return 1, nil
	}
	arr, err := w.heapTable()
	if err != nil {
		return 0, err
	}
	return int(arr.Bound), nil
}

// Heap returns heap index directly.
func (w *Walker) Heap(index int) (Heap, error) {
	epoch := w.lease.Epoch()
	if err := w.lease.check(epoch, "heap", target.Null); err != nil {
		return Heap{}, err
	}
	if index < 0 {
		return Heap{}, gcerrors.Newf(gcerrors.IndexOutOfRange, "heap", 0, "negative index %d", index)
	}
	t := w.mem.Table()
	if !t.ServerGC() {
		if index != 0 {
			return Heap{}, gcerrors.Newf(gcerrors.IndexOutOfRange, "heap", 0, "index %d >= bound 1", index)
		}
		if t.SingleHeap().IsNull() {
			return Heap{}, gcerrors.Newf(gcerrors.DiagnosticsUnsupported, "heap", 0, "single heap anchor is not published")
		}
		return w.newHeap(0, t.SingleHeap(), epoch), nil
	}
	arr, err := w.heapTable()
	if err != nil {
		return Heap{}, err
	}
	return w.heapAt(arr, uint64(index), epoch)
}

func (w *Walker) heapTable() (remote.StridedArray, error) {
	const op = "heap table"
	t := w.mem.Table()
	if t.HeapTable().IsNull() || t.HeapCount().IsNull() {
		return remote.StridedArray{}, gcerrors.Newf(gcerrors.DiagnosticsUnsupported, op, 0,
			"server heap table is not published")
	}
	count, err := remote.At(t.HeapCount(), remote.Int32).Materialize(w.mem)
	if err != nil {
		return remote.StridedArray{}, err
	}
	if count <= 0 || int(count) > w.opts.MaxHeaps {
		return remote.StridedArray{}, gcerrors.New(gcerrors.InvalidTargetData, op, uint64(t.HeapCount()), "n_heaps",
			fmt.Errorf("heap count %d outside [1, %d]", count, w.opts.MaxHeaps))
	}
	return remote.PointerArray(t.HeapTable(), t.PointerSize(), uint64(count)), nil
}

func (w *Walker) heapAt(arr remote.StridedArray, i uint64, epoch uint64) (Heap, error) {
	p, err := remote.Element(arr, i, remote.Pointer(0))
	if err != nil {
		return Heap{}, err
	}
	addr, err := p.Materialize(w.mem)
	if err != nil {
		return Heap{}, err
	}
	if addr.IsNull() {
		return Heap{}, gcerrors.New(gcerrors.InvalidTargetData, "heap table", uint64(p.Addr),
			fmt.Sprintf("heap[%d]", i), fmt.Errorf("null heap pointer"))
	}
	return w.newHeap(int(i), addr, epoch), nil
}

func (w *Walker) newHeap(index int, addr target.Address, epoch uint64) Heap {
	return Heap{view: view{Addr: addr, w: w, epoch: epoch}, Index: index}
}

// Generation returns generation index of h. The address is computed from the
// published generation table offset and generation size; nothing is read.
func (w *Walker) Generation(h Heap, index int) (Generation, error) {
	const op = "get generation"
	if err := w.own(h.view, op); err != nil {
		return Generation{}, err
	}
	if index < 0 {
		return Generation{}, gcerrors.Newf(gcerrors.IndexOutOfRange, op, uint64(h.Addr), "negative index %d", index)
	}

	arr, err := w.generationTable(h)
	if err != nil {
		return Generation{}, err
	}
	addr, err := arr.At(uint64(index))
	if err != nil {
		return Generation{}, err
	}
	return Generation{view: view{Addr: addr, w: w, epoch: h.epoch}, Heap: h.Index, Index: index}, nil
}

func (w *Walker) generationTable(h Heap) (remote.StridedArray, error) {
	const op = "generation table"
	t := w.mem.Table()
	field, err := t.Field(layout.StructGCHeap, layout.HeapGenerationTable)
	if err != nil {
		return remote.StridedArray{}, err
	}
	base, ok := h.Addr.Offset(field.Offset)
	if !ok {
		return remote.StridedArray{}, gcerrors.New(gcerrors.InvalidTargetData, op, uint64(h.Addr),
			"gc_heap.generation_table", fmt.Errorf("offset %d wraps the address space", field.Offset))
	}
	arr, err := remote.ArrayOf(base, t, layout.StructGeneration, uint64(t.GenerationCount()))
	if err != nil {
		return remote.StridedArray{}, err
	}
	if field.Size > 0 && field.Size < arr.Stride*arr.Bound {
		return remote.StridedArray{}, gcerrors.Newf(gcerrors.VersionMismatch, op, uint64(h.Addr),
			"generation_table is %d bytes, %d generations of %d need %d",
			field.Size, arr.Bound, arr.Stride, arr.Stride*arr.Bound)
	}
	return arr, nil
}

// Generations returns every generation of h, youngest first.
func (w *Walker) Generations(h Heap) ([]Generation, error) {
	count := w.mem.Table().GenerationCount()
	gens := make([]Generation, 0, count)
	for i := 0; i < count; i++ {
		g, err := w.Generation(h, i)
		if err != nil {
			return nil, err
		}
		gens = append(gens, g)
	}
	return gens, nil
}

// own checks v like checkView and also rejects views produced by another
// walker, whose lease this walker cannot vouch for.
func (w *Walker) own(v view, op string) error {
	if err := checkView(v, op); err != nil {
		return err
	}
	if v.w != w {
		return gcerrors.New(gcerrors.StaleView, op, uint64(v.Addr), "", fmt.Errorf("view belongs to another session"))
	}
	return nil
}

func checkView(v view, op string) error {
	if v.w == nil {
		return gcerrors.New(gcerrors.StaleView, op, uint64(v.Addr), "", fmt.Errorf("view was not produced by a walker"))
	}
	return v.w.lease.check(v.epoch, op, v.Addr)
}
