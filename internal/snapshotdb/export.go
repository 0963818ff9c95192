package snapshotdb

import (
	"context"
	"fmt"
	"time"

	"github.com/coral-mesh/gcscope/internal/heap"
	"github.com/coral-mesh/gcscope/pkg/gcscope"
)

// ExportResult counts what Export wrote.
type ExportResult struct {
	SessionID   string `json:"session_id" header:"SESSION"`
	Heaps       int    `json:"heaps" header:"HEAPS"`
	Generations int    `json:"generations" header:"GENERATIONS"`
	Segments    int    `json:"segments" header:"SEGMENTS"`
}

// Export walks every heap, generation and segment of sess and records them
// under the session's ID. The walk completes before anything is written and
// the writes share one transaction, so a read or write failure leaves the
// database untouched.
func Export(ctx context.Context, store *Store, sess *gcscope.Session) (ExportResult, error) {
	table := sess.Layout()
	if table == nil {
		return ExportResult{}, fmt.Errorf("session %s has no layout (state %s)", sess.ID(), sess.State())
	}

	heaps, err := sess.ListHeaps(ctx)
	if err != nil {
		return ExportResult{}, err
	}

	type genSegments struct {
		heap, gen int
		segs      []heap.SegmentSummary
	}
	res := ExportResult{SessionID: sess.ID(), Heaps: len(heaps)}
	summaries := make([]heap.HeapSummary, 0, len(heaps))
	var chains []genSegments

	for _, h := range heaps {
		if err := ctx.Err(); err != nil {
			return ExportResult{}, err
		}
		sum, err := sess.Describe(h)
		if err != nil {
			return ExportResult{}, err
		}
		summaries = append(summaries, sum)

		gens, err := sess.Generations(h)
		if err != nil {
			return ExportResult{}, err
		}
		res.Generations += len(gens)
		for _, g := range gens {
			segs, err := sess.DescribeSegments(g)
			if err != nil {
				return ExportResult{}, err
			}
			res.Segments += len(segs)
			chains = append(chains, genSegments{heap: h.Index, gen: g.Index, segs: segs})
		}
	}

	info := SessionInfo{
		ID:              sess.ID(),
		Transport:       sess.Transport(),
		CapturedAt:      time.Now().UTC(),
		PointerSize:     table.PointerSize(),
		ServerGC:        table.ServerGC(),
		GenerationCount: table.GenerationCount(),
		LayoutVersion:   table.Version(),
		Fingerprint:     fmt.Sprintf("%016x", table.Fingerprint()),
		Globals:         uint64(table.Globals()),
		HeapCount:       len(heaps),
	}
	err = store.InTx(ctx, func(tx *Store) error {
		if err := tx.SaveSession(ctx, info); err != nil {
			return err
		}
		if err := tx.SaveLayout(ctx, info.ID, table); err != nil {
			return err
		}
		for _, sum := range summaries {
			if err := tx.SaveHeap(ctx, info.ID, sum); err != nil {
				return err
			}
		}
		for _, c := range chains {
			if err := tx.SaveSegments(ctx, info.ID, c.heap, c.gen, c.segs); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ExportResult{}, err
	}

	store.logger.Info().
		Str("session_id", info.ID).
		Int("heaps", res.Heaps).
		Int("segments", res.Segments).
		Msg("Snapshot exported")
	return res, nil
}
