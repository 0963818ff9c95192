package cli

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/gcscope/internal/cli/helpers"
	"github.com/coral-mesh/gcscope/internal/safe"
	"github.com/coral-mesh/gcscope/internal/snapshotdb"
)

type sessionRow struct {
	ID          string `header:"SESSION"`
	CapturedAt  string `header:"CAPTURED"`
	Transport   string `header:"TRANSPORT"`
	Layout      string `header:"LAYOUT"`
	ServerGC    bool   `header:"SERVER_GC"`
	Heaps       int    `header:"HEAPS"`
	Generations int    `header:"GENERATIONS"`
}

type totalRow struct {
	Generation int    `header:"GEN"`
	Segments   int    `header:"SEGMENTS"`
	Allocated  uint64 `header:"ALLOCATED"`
	Committed  uint64 `header:"COMMITTED"`
}

// databasePath returns the --db flag or the configured export database,
// relative paths resolving under the config directory.
func (a *app) databasePath(db string) string {
	if db == "" {
		db = a.loaded.Config.Export.Database
	}
	return a.loader.ResolvePath(db)
}

func newExportCmd(a *app) *cobra.Command {
	var (
		opts   targetOptions
		format string
		db     string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Record every heap, generation and segment in a DuckDB snapshot",
		Long: `Walk the whole heap structure of the target and store it in a DuckDB
database. Each export is a session; list them with 'gcscope sessions'.

Nothing is written unless the walk completes.`,
		Example: `  gcscope export --pid 4242 --freeze
  gcscope export --core core.4242 --exe ./server --db ./snapshots.duckdb`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, helpers.ListFormats); err != nil {
				return err
			}
			sess, err := a.openSession(cmd.Context(), cmd, &opts)
			if err != nil {
				return err
			}
			defer a.closeSession(sess)

			path := a.databasePath(db)
			store, err := snapshotdb.Open(cmd.Context(), path, a.logger)
			if err != nil {
				return err
			}
			defer safe.Close(store, a.logger, "Failed to close snapshot database")

			res, err := snapshotdb.Export(cmd.Context(), store, sess)
			if err != nil {
				return err
			}
			if format == string(helpers.FormatJSON) {
				return helpers.Render(format, res, cmd.OutOrStdout())
			}
			return helpers.Render(format, []snapshotdb.ExportResult{res}, cmd.OutOrStdout())
		},
	}

	addTargetFlags(cmd, &opts)
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.ListFormats)
	cmd.Flags().StringVar(&db, "db", "", "Snapshot database (default from config)")
	return cmd
}

func newSessionsCmd(a *app) *cobra.Command {
	var (
		format string
		db     string
		limit  int
		id     string
		del    bool
	)

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List exported sessions, or per-generation totals of one",
		Example: `  gcscope sessions
  gcscope sessions --id 3f0c2f7e-5d8b-4a47-9f43-0f4f2b8e7a11
  gcscope sessions --id 3f0c2f7e-5d8b-4a47-9f43-0f4f2b8e7a11 --delete`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, helpers.ListFormats); err != nil {
				return err
			}
			store, err := snapshotdb.Open(cmd.Context(), a.databasePath(db), a.logger)
			if err != nil {
				return err
			}
			defer safe.Close(store, a.logger, "Failed to close snapshot database")

			if del && id == "" {
				return fmt.Errorf("--delete requires --id")
			}
			if id != "" {
				if _, err := store.Session(cmd.Context(), id); err != nil {
					if errors.Is(err, sql.ErrNoRows) {
						return fmt.Errorf("session %s not found", id)
					}
					return err
				}
				if del {
					n, err := store.DeleteSession(cmd.Context(), id)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), helpers.Success(fmt.Sprintf("✓ Deleted session %s (%d rows)", id, n)))
					return nil
				}
				totals, err := store.GenerationTotals(cmd.Context(), id)
				if err != nil {
					return err
				}
				if len(totals) == 0 {
					return fmt.Errorf("no segments recorded for session %s", id)
				}
				if format == string(helpers.FormatJSON) {
					return helpers.Render(format, totals, cmd.OutOrStdout())
				}
				rows := make([]totalRow, 0, len(totals))
				for _, t := range totals {
					rows = append(rows, totalRow(t))
				}
				return helpers.Render(format, rows, cmd.OutOrStdout())
			}

			sessions, err := store.ListSessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if format == string(helpers.FormatJSON) {
				return helpers.Render(format, sessions, cmd.OutOrStdout())
			}
			rows := make([]sessionRow, 0, len(sessions))
			for _, s := range sessions {
				rows = append(rows, sessionRow{
					ID:          s.ID,
					CapturedAt:  s.CapturedAt.Local().Format(time.DateTime),
					Transport:   s.Transport,
					Layout:      s.LayoutVersion,
					ServerGC:    s.ServerGC,
					Heaps:       s.HeapCount,
					Generations: s.GenerationCount,
				})
			}
			return helpers.Render(format, rows, cmd.OutOrStdout())
		},
	}

	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.ListFormats)
	cmd.Flags().StringVar(&db, "db", "", "Snapshot database (default from config)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum sessions to list (0 for all)")
	cmd.Flags().StringVar(&id, "id", "", "Show per-generation totals of this session")
	cmd.Flags().BoolVar(&del, "delete", false, "Delete the session given by --id")
	return cmd
}
