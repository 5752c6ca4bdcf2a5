package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opsrig/opsrig/pkg/engine"
	"github.com/opsrig/opsrig/pkg/modules"
)

func newAdhocCommand(version string) *cobra.Command {
	var (
		flags      runFlags
		moduleName string
		moduleArgs string
		become     bool
	)

	cmd := &cobra.Command{
		Use:   "adhoc <pattern>",
		Short: "Run a single module against matching hosts",
		Long: `Run one module invocation against every host matching the pattern,
without writing a playbook.

For command and shell the argument string is the command line itself;
for other modules it is space-separated key=value pairs.`,
		Example: `  # Ping everything
  opsrig adhoc all -i hosts.ini -m ping

  # Run a command on the web group
  opsrig adhoc web -i hosts.ini -m shell -a 'systemctl restart nginx' --become

  # Copy a file in check mode
  opsrig adhoc db1 -i hosts.ini -m copy -a 'src=my.cnf dest=/etc/my.cnf' -C`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskArgs, err := parseModuleArgs(moduleName, moduleArgs)
			if err != nil {
				return err
			}
			pb := adhocPlaybook(args[0], moduleName, taskArgs, become)
			return executePlaybook(cmd.Context(), version, pb, flags)
		},
	}

	cmd.Flags().StringVarP(&moduleName, "module-name", "m", "", "module to run")
	cmd.Flags().StringVarP(&moduleArgs, "args", "a", "", "module arguments")
	cmd.Flags().BoolVar(&become, "become", false, "escalate privileges")
	cmd.Flags().BoolVarP(&flags.check, "check", "C", false, "predict changes without applying them")
	cmd.Flags().BoolVar(&flags.diff, "diff", false, "show before/after detail for file changes")
	cmd.Flags().IntVarP(&flags.forks, "forks", "f", 0, "max parallel hosts (0 uses the configured default)")
	cmd.MarkFlagRequired("module-name")

	return cmd
}

// adhocPlaybook wraps one module call in a synthetic single-task play.
func adhocPlaybook(pattern, module string, args modules.Args, become bool) *engine.Playbook {
	return &engine.Playbook{
		File: "<adhoc>",
		Plays: []*engine.Play{{
			Name:        pattern,
			Hosts:       pattern,
			GatherFacts: false,
			Become:      become,
			Tasks: []*engine.Task{{
				Name:   module,
				Module: module,
				Args:   args,
			}},
		}},
	}
}

// parseModuleArgs interprets -a: free-form for command-style modules,
// key=value pairs otherwise.
func parseModuleArgs(module, raw string) (modules.Args, error) {
	args := modules.Args{}
	if raw == "" {
		return args, nil
	}
	switch module {
	case "command", "shell":
		args[modules.RawArg] = raw
		return args, nil
	}
	for _, field := range strings.Fields(raw) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return nil, fmt.Errorf("module argument %q is not key=value", field)
		}
		args[key] = value
	}
	return args, nil
}
