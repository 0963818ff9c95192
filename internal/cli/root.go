package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/gcscope/internal/cli/helpers"
	"github.com/coral-mesh/gcscope/pkg/version"
)

var rootCmd = newRootCmd()

var versionFormats = []helpers.OutputFormat{helpers.FormatTable, helpers.FormatJSON}

func newRootCmd() *cobra.Command {
	return newRootCmdFor(&app{})
}

func newRootCmdFor(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gcscope",
		Short: "gcscope - inspect a managed runtime's GC heap from outside the process",
		Long: `Read the garbage collector's heap descriptors out of a running process or
a core dump, without loading anything into the target.

The runtime publishes a layout table describing its internal structures.
gcscope locates that table through a well-known globals symbol and uses it
to walk heaps, generation tables and segment chains.

Targets:
  --pid      a live process (needs ptrace access; use --freeze to stop it)
  --core     an ELF core dump (pass --exe to resolve the globals symbol)

Configuration Priority:
  1. Command-line flags (highest)
  2. GCSCOPE_* environment variables
  3. Config file (~/.gcscope/config.yaml, or GCSCOPE_CONFIG/config.yaml)
  4. Built-in defaults`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "Config file (default $GCSCOPE_CONFIG/config.yaml or ~/.gcscope/config.yaml)")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")

	cmd.AddCommand(newPsCmd(a))
	cmd.AddCommand(newHeapsCmd(a))
	cmd.AddCommand(newGenerationsCmd(a))
	cmd.AddCommand(newSegmentsCmd(a))
	cmd.AddCommand(newLayoutCmd(a))
	cmd.AddCommand(newExportCmd(a))
	cmd.AddCommand(newSessionsCmd(a))
	cmd.AddCommand(newConfigCmd(a))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		// Runs without loading config.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, versionFormats); err != nil {
				return err
			}
			info := version.Get()
			if format == string(helpers.FormatJSON) {
				return helpers.Render(format, info, cmd.OutOrStdout())
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "gcscope version %s\n", info.Version)
			fmt.Fprintf(w, "Git commit: %s\n", info.GitCommit)
			fmt.Fprintf(w, "Build date: %s\n", info.BuildDate)
			fmt.Fprintf(w, "Go version: %s\n", info.GoVersion)
			fmt.Fprintf(w, "Platform: %s\n", info.Platform)
			return nil
		},
	}
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, versionFormats)
	return cmd
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command
// context so that deferred cleanup, such as continuing a frozen target,
// still runs.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}
