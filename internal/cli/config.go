package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/gcscope/internal/cli/helpers"
	"github.com/coral-mesh/gcscope/internal/config"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage gcscope configuration",
		Long: `Manage gcscope configuration.

Configuration Priority:
  1. Command-line flags (highest)
  2. GCSCOPE_* environment variables
  3. Config file
  4. Built-in defaults

Environment Variables:
  GCSCOPE_CONFIG    Override config directory (default: ~/.gcscope)`,
	}

	cmd.AddCommand(newConfigViewCmd(a))
	cmd.AddCommand(newConfigValidateCmd(a))
	cmd.AddCommand(newConfigInitCmd(a))
	cmd.AddCommand(newConfigPathCmd(a))
	return cmd
}

// newConfigViewCmd creates the 'config view' command.
func newConfigViewCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "view",
		Aliases: []string{"show"},
		Short:   "Show the effective configuration",
		Long: `Show the configuration after defaults, the config file and environment
variables are applied. The YAML form lists the contributing layers first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.Marshal(a.loaded.Config)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			layers := make([]string, len(a.loaded.Layers))
			for i, l := range a.loaded.Layers {
				layers[i] = string(l)
			}
			fmt.Fprintln(w, helpers.Comment("# layers: "+strings.Join(layers, ", ")))
			if a.loaded.Path != "" {
				fmt.Fprintln(w, helpers.Comment("# file: "+a.loaded.Path))
			}
			if len(a.loaded.EnvOverrides) > 0 {
				fmt.Fprintln(w, helpers.Comment("# env: "+strings.Join(a.loaded.EnvOverrides, ", ")))
			}
			_, err = w.Write(data)
			return err
		},
	}
}

// newConfigValidateCmd creates the 'config validate' command.
func newConfigValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.loaded.Config.Validate(); err != nil {
				return err
			}
			source := "defaults"
			if a.loaded.Path != "" {
				source = a.loaded.Path
			}
			fmt.Fprintln(cmd.OutOrStdout(), helpers.Success(fmt.Sprintf("✓ Configuration valid (%s)", source)))
			return nil
		},
	}
}

// newConfigInitCmd creates the 'config init' command.
func newConfigInitCmd(a *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with the default settings",
		// The file need not exist yet, so skip loading it.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.loader = config.NewLoader()
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.configPath
			if path == "" {
				path = a.loader.ConfigPath()
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			if err := a.loader.Save(config.DefaultConfig(), path); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), helpers.Success("✓ Wrote "+path))
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	return cmd
}

// newConfigPathCmd creates the 'config path' command.
func newConfigPathCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.configPath
			if path == "" {
				path = a.loader.ConfigPath()
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}
