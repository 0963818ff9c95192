package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/gcscope/internal/cli/helpers"
	"github.com/coral-mesh/gcscope/internal/heap"
	"github.com/coral-mesh/gcscope/internal/layout"
	"github.com/coral-mesh/gcscope/internal/target"
)

type heapRow struct {
	Index            int            `header:"HEAP"`
	Addr             target.Address `header:"ADDRESS"`
	AllocAllocated   target.Address `header:"ALLOC_ALLOCATED"`
	EphemeralSegment target.Address `header:"EPHEMERAL_SEGMENT"`
	Generations      int            `header:"GENERATIONS"`
}

type generationRow struct {
	Index           int            `header:"GEN"`
	Addr            target.Address `header:"ADDRESS"`
	AllocationStart target.Address `header:"ALLOCATION_START"`
	AllocPtr        target.Address `header:"ALLOC_PTR"`
	AllocLimit      target.Address `header:"ALLOC_LIMIT"`
	StartSegment    target.Address `header:"START_SEGMENT"`
}

type segmentRow struct {
	Index     int            `header:"SEG"`
	Addr      target.Address `header:"ADDRESS"`
	Mem       target.Address `header:"MEM"`
	Allocated target.Address `header:"ALLOCATED"`
	Committed target.Address `header:"COMMITTED"`
	Reserved  target.Address `header:"RESERVED"`
	Size      uint64         `header:"SIZE"`
	Flags     string         `header:"FLAGS"`
}

type layoutRow struct {
	Field  string `header:"FIELD" json:"field"`
	Offset uint32 `header:"OFFSET" json:"offset"`
	Size   uint32 `header:"SIZE" json:"size"`
}

func newHeapsCmd(a *app) *cobra.Command {
	var (
		opts   targetOptions
		format string
	)

	cmd := &cobra.Command{
		Use:   "heaps",
		Short: "List the collector's heaps",
		Long: `List every heap of the target with its allocation pointer and ephemeral
segment. Workstation GC has one heap; server GC has one per heap slot.`,
		Example: `  gcscope heaps --pid 4242
  gcscope heaps --core core.4242 --exe ./server -o json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, helpers.ListFormats); err != nil {
				return err
			}
			sess, err := a.openSession(cmd.Context(), cmd, &opts)
			if err != nil {
				return err
			}
			defer a.closeSession(sess)

			heaps, err := sess.ListHeaps(cmd.Context())
			if err != nil {
				return err
			}
			summaries := make([]heap.HeapSummary, 0, len(heaps))
			for _, h := range heaps {
				sum, err := sess.Describe(h)
				if err != nil {
					return err
				}
				summaries = append(summaries, sum)
			}

			if format == string(helpers.FormatJSON) {
				return helpers.Render(format, summaries, cmd.OutOrStdout())
			}
			rows := make([]heapRow, 0, len(summaries))
			for _, s := range summaries {
				rows = append(rows, heapRow{
					Index:            s.Index,
					Addr:             s.Addr,
					AllocAllocated:   s.AllocAllocated,
					EphemeralSegment: s.EphemeralSegment,
					Generations:      len(s.Generations),
				})
			}
			return helpers.Render(format, rows, cmd.OutOrStdout())
		},
	}

	addTargetFlags(cmd, &opts)
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.ListFormats)
	return cmd
}

func newGenerationsCmd(a *app) *cobra.Command {
	var (
		opts      targetOptions
		format    string
		heapIndex int
	)

	cmd := &cobra.Command{
		Use:     "generations",
		Aliases: []string{"gens"},
		Short:   "Show the generation table of one heap",
		Example: `  gcscope generations --pid 4242 --heap 3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, helpers.ListFormats); err != nil {
				return err
			}
			sess, err := a.openSession(cmd.Context(), cmd, &opts)
			if err != nil {
				return err
			}
			defer a.closeSession(sess)

			h, err := sess.Heap(heapIndex)
			if err != nil {
				return err
			}
			sum, err := sess.Describe(h)
			if err != nil {
				return err
			}

			if format == string(helpers.FormatJSON) {
				return helpers.Render(format, sum.Generations, cmd.OutOrStdout())
			}
			rows := make([]generationRow, 0, len(sum.Generations))
			for _, g := range sum.Generations {
				rows = append(rows, generationRow(g))
			}
			return helpers.Render(format, rows, cmd.OutOrStdout())
		},
	}

	addTargetFlags(cmd, &opts)
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.ListFormats)
	cmd.Flags().IntVar(&heapIndex, "heap", 0, "Heap index")
	return cmd
}

func newSegmentsCmd(a *app) *cobra.Command {
	var (
		opts      targetOptions
		format    string
		heapIndex int
		genIndex  int
	)

	cmd := &cobra.Command{
		Use:   "segments",
		Short: "Walk the segment chain of one generation",
		Example: `  gcscope segments --pid 4242 --heap 0 --gen 2
  gcscope segments --core core.4242 --globals-addr 0x7f3a00102040 --gen 1 -o csv`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, helpers.ListFormats); err != nil {
				return err
			}
			sess, err := a.openSession(cmd.Context(), cmd, &opts)
			if err != nil {
				return err
			}
			defer a.closeSession(sess)

			h, err := sess.Heap(heapIndex)
			if err != nil {
				return err
			}
			g, err := sess.GetGeneration(h, genIndex)
			if err != nil {
				return err
			}
			segs, err := sess.DescribeSegments(g)
			if err != nil {
				return err
			}

			if format == string(helpers.FormatJSON) {
				return helpers.Render(format, segs, cmd.OutOrStdout())
			}
			rows := make([]segmentRow, 0, len(segs))
			for _, s := range segs {
				rows = append(rows, segmentRow{
					Index:     s.Index,
					Addr:      s.Addr,
					Mem:       s.Mem,
					Allocated: s.Allocated,
					Committed: s.Committed,
					Reserved:  s.Reserved,
					Size:      s.Size(),
					Flags:     fmt.Sprintf("0x%x", s.Flags),
				})
			}
			return helpers.Render(format, rows, cmd.OutOrStdout())
		},
	}

	addTargetFlags(cmd, &opts)
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.ListFormats)
	cmd.Flags().IntVar(&heapIndex, "heap", 0, "Heap index")
	cmd.Flags().IntVar(&genIndex, "gen", 0, "Generation index")
	return cmd
}

// layoutReport is the JSON form of the layout command.
type layoutReport struct {
	Version         string         `json:"version"`
	Fingerprint     string         `json:"fingerprint"`
	Globals         target.Address `json:"globals"`
	Block           target.Address `json:"block"`
	PointerSize     int            `json:"pointer_size"`
	ServerGC        bool           `json:"server_gc"`
	GenerationCount int            `json:"generation_count"`
	Entries         []layoutRow    `json:"entries"`
}

func newLayoutCmd(a *app) *cobra.Command {
	var (
		opts   targetOptions
		format string
	)

	cmd := &cobra.Command{
		Use:   "layout",
		Short: "Print the published layout table",
		Long: `Print the structure sizes and field offsets the runtime publishes.
Size rows are shown under the structure name alone.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, helpers.ListFormats); err != nil {
				return err
			}
			sess, err := a.openSession(cmd.Context(), cmd, &opts)
			if err != nil {
				return err
			}
			defer a.closeSession(sess)

			tbl := sess.Layout()
			entries := tbl.Entries()
			rows := make([]layoutRow, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, layoutRow{
					Field:  layout.FieldName(e.Struct, e.Field),
					Offset: e.Offset,
					Size:   e.Size,
				})
			}

			if format == string(helpers.FormatJSON) {
				return helpers.Render(format, layoutReport{
					Version:         tbl.Version(),
					Fingerprint:     fmt.Sprintf("%016x", tbl.Fingerprint()),
					Globals:         tbl.Globals(),
					Block:           tbl.Block(),
					PointerSize:     tbl.PointerSize(),
					ServerGC:        tbl.ServerGC(),
					GenerationCount: tbl.GenerationCount(),
					Entries:         rows,
				}, cmd.OutOrStdout())
			}
			if format == string(helpers.FormatTable) {
				fmt.Fprintln(cmd.OutOrStdout(), helpers.Comment(fmt.Sprintf("# layout %s, %d-bit, server_gc=%t, %d generations",
					tbl.Version(), tbl.PointerSize()*8, tbl.ServerGC(), tbl.GenerationCount())))
			}
			return helpers.Render(format, rows, cmd.OutOrStdout())
		},
	}

	addTargetFlags(cmd, &opts)
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.ListFormats)
	return cmd
}
