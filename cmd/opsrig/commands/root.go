package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opsrig/opsrig/pkg/config"
	"github.com/opsrig/opsrig/pkg/telemetry"
)

var (
	// Global flags
	configPath    string
	inventoryPath string
	verbosity     int

	// settings is loaded before any subcommand runs.
	settings *config.Settings
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "opsrig",
		Short: "opsrig - agentless remote orchestration",
		Long: `opsrig runs playbooks of tasks against inventories of hosts over SSH,
with no agent on the managed side.

Features:
  - INI and YAML inventories with group variable precedence
  - Starlark expressions and templating in task arguments
  - Idempotent modules with check and diff modes
  - Handlers, loops, serial batching, and registered results
  - Policy gating of playbooks before execution
  - Run history in a local SQLite database`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			explicit := cmd.Flags().Changed("config")
			if path == "" {
				path = config.DefaultPath()
			}
			s, err := config.Load(path, explicit)
			if err != nil {
				return err
			}
			if verbosity > 0 {
				s.Telemetry.Logging.Level = telemetry.VerbosityLevel(verbosity)
			}
			if err := telemetry.SetupLogging(s.Telemetry.Logging); err != nil {
				return err
			}
			settings = s
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&inventoryPath, "inventory", "i", "", "inventory file path")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "increase log verbosity (-v, -vv)")

	rootCmd.AddCommand(newRunCommand(version))
	rootCmd.AddCommand(newAdhocCommand(version))
	rootCmd.AddCommand(newInventoryCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}
