package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/gcscope/internal/cli/helpers"
	"github.com/coral-mesh/gcscope/internal/symbols"
	"github.com/coral-mesh/gcscope/internal/sys/proc"
	"github.com/coral-mesh/gcscope/internal/target"
)

type processRow struct {
	Pid     int            `header:"PID" json:"pid"`
	Exe     string         `header:"EXECUTABLE" json:"exe"`
	Globals target.Address `header:"GLOBALS" json:"globals"`
}

func newPsCmd(a *app) *cobra.Command {
	var (
		format string
		symbol string
	)

	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List processes whose executable publishes the diagnostics globals",
		Long: `Scan /proc for processes whose executable defines the globals symbol and
print where it is mapped. Processes you cannot inspect are skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, helpers.ListFormats); err != nil {
				return err
			}
			if symbol == "" {
				symbol = a.loaded.Config.Target.GlobalsSymbol
			}

			pids, err := proc.ListPids()
			if err != nil {
				return err
			}

			resolver := symbols.NewResolver(a.logger)
			rows := []processRow{}
			for _, pid := range pids {
				exe, err := proc.GetBinaryPath(pid)
				if err != nil {
					continue
				}
				addr, err := resolver.ResolvePid(pid, symbol)
				if err != nil {
					if !errors.Is(err, symbols.ErrSymbolNotFound) {
						a.logger.Debug().Err(err).Int("pid", pid).Msg("Skipping process")
					}
					continue
				}
				rows = append(rows, processRow{Pid: pid, Exe: exe, Globals: addr})
			}
			a.logger.Debug().Int("scanned", len(pids)).Int("matched", len(rows)).Msg("Process scan complete")
			return helpers.Render(format, rows, cmd.OutOrStdout())
		},
	}

	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.ListFormats)
	cmd.Flags().StringVar(&symbol, "symbol", "", "Globals pointer symbol (default from config)")
	return cmd
}
