package heap

import (
	"fmt"
	"iter"

	gcerrors "github.com/coral-mesh/gcscope/internal/errors"
	"github.com/coral-mesh/gcscope/internal/layout"
	"github.com/coral-mesh/gcscope/internal/remote"
	"github.com/coral-mesh/gcscope/internal/target"
)

// Segments yields the heap_segment chain of g, starting at its start_segment
// and following next links until a null link. A chain longer than
// MaxSegments, or one that revisits a segment, fails with InvalidTargetData.
func (w *Walker) Segments(g Generation) iter.Seq2[Segment, error] {
	return func(yield func(Segment, error) bool) {
		const op = "walk segments"
		if err := w.own(g.view, op); err != nil {
			yield(Segment{}, err)
			return
		}

		cur, err := g.ReadAddress(layout.GenStartSegment)
		if err != nil {
			yield(Segment{}, err)
			return
		}

		seen := make(map[target.Address]struct{})
		for i := 0; !cur.IsNull(); i++ {
			if i >= w.opts.MaxSegments {
				yield(Segment{}, gcerrors.New(gcerrors.InvalidTargetData, op, uint64(g.Addr), "heap_segment.next",
					fmt.Errorf("chain exceeds %d segments", w.opts.MaxSegments)))
				return
			}
			if _, dup := seen[cur]; dup {
				yield(Segment{}, gcerrors.New(gcerrors.InvalidTargetData, op, uint64(cur), "heap_segment.next",
					fmt.Errorf("segment chain cycles after %d segments", i)))
				return
			}
			seen[cur] = struct{}{}

			seg := Segment{view: view{Addr: cur, w: w, epoch: g.epoch}, Heap: g.Heap, Generation: g.Index, Index: i}
			next, err := remote.ReadField(w.mem, cur, layout.StructHeapSegment, layout.SegNext)
			if err != nil {
				yield(Segment{}, err)
				return
			}
			if !yield(seg, nil) {
				return
			}
			cur = target.Address(next)
		}
	}
}

// ListSegments collects Segments. On error no segments are returned.
func (w *Walker) ListSegments(g Generation) ([]Segment, error) {
	var segs []Segment
	for s, err := range w.Segments(g) {
		if err != nil {
			return nil, err
		}
		segs = append(segs, s)
	}
	return segs, nil
}
