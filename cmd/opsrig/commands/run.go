package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opsrig/opsrig/pkg/engine"
)

func newRunCommand(version string) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run <playbook>...",
		Short: "Run one or more playbooks",
		Long: `Run playbooks against the inventory.

Each playbook is policy-checked, then its plays execute in order.
Host failures stop that host but not the others; the exit code is
non-zero if any host failed or was unreachable.`,
		Example: `  # Run a playbook against an inventory
  opsrig run -i hosts.ini site.yml

  # Dry run showing file diffs
  opsrig run -i hosts.ini site.yml --check --diff

  # Restrict to one datacenter, 10 hosts at a time
  opsrig run -i hosts.ini site.yml -l 'dc1:&web' -f 10`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				pb, err := engine.LoadPlaybook(path)
				if err != nil {
					return err
				}
				log.Info().Str("playbook", path).Int("plays", len(pb.Plays)).
					Bool("check", flags.check).Msg("starting playbook")
				if err := executePlaybook(cmd.Context(), version, pb, flags); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&flags.check, "check", "C", false, "predict changes without applying them")
	cmd.Flags().BoolVar(&flags.diff, "diff", false, "show before/after detail for file changes")
	cmd.Flags().IntVarP(&flags.forks, "forks", "f", 0, "max parallel hosts (0 uses the configured default)")
	cmd.Flags().StringVarP(&flags.limit, "limit", "l", "", "further restrict hosts to this pattern")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "bound the whole run (0 uses the configured default)")

	return cmd
}
