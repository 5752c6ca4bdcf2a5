package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newInventoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inventory",
		Short: "Inspect the inventory",
	}
	cmd.AddCommand(newInventoryListCommand())
	cmd.AddCommand(newInventoryHostsCommand())
	return cmd
}

func newInventoryListCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Short:   "Dump groups and hosts as JSON",
		Example: "  opsrig inventory list -i hosts.ini",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadInventory()
			if err != nil {
				return err
			}

			type groupDump struct {
				Hosts    []string               `json:"hosts,omitempty"`
				Children []string               `json:"children,omitempty"`
				Vars     map[string]interface{} `json:"vars,omitempty"`
			}
			dump := make(map[string]groupDump)
			for _, g := range m.Groups() {
				dump[g.Name] = groupDump{Hosts: g.Hosts, Children: g.Children, Vars: g.Vars}
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(dump)
		},
	}
}

func newInventoryHostsCommand() *cobra.Command {
	var showVars bool

	cmd := &cobra.Command{
		Use:   "hosts [pattern]",
		Short: "List hosts matching a pattern",
		Example: `  # All database hosts except the primary
  opsrig inventory hosts 'db:!db-primary' -i hosts.ini

  # Show resolved variables per host
  opsrig inventory hosts web -i hosts.ini --vars`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern := "all"
			if len(args) == 1 {
				pattern = args[0]
			}
			m, err := loadInventory()
			if err != nil {
				return err
			}

			hosts := m.HostsMatching(pattern)
			if !showVars {
				for _, h := range hosts {
					fmt.Println(h.Name)
				}
				return nil
			}

			dump := make(map[string]map[string]interface{}, len(hosts))
			for _, h := range hosts {
				dump[h.Name] = m.VarsFor(h.Name)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(dump)
		},
	}

	cmd.Flags().BoolVar(&showVars, "vars", false, "include resolved variables")
	return cmd
}
