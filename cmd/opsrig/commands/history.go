package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/opsrig/opsrig/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect past playbook runs",
	}
	cmd.AddCommand(newHistoryListCommand())
	cmd.AddCommand(newHistoryShowCommand())
	return cmd
}

func newHistoryListCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := stores.OpenHistory(cmd.Context(), settings.HistoryPath)
			if err != nil {
				return err
			}
			defer h.Close()

			runs, err := h.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN ID\tPLAYBOOK\tSTATUS\tCHECK\tSTARTED\tDURATION")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%s\n",
					r.ID, r.Playbook, r.Status, r.Check,
					r.StartedAt.Local().Format(time.RFC3339),
					r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max runs to list")
	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run with its per-host recap",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := stores.OpenHistory(cmd.Context(), settings.HistoryPath)
			if err != nil {
				return err
			}
			defer h.Close()

			run, hosts, err := h.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Printf("run:      %s\n", run.ID)
			fmt.Printf("playbook: %s\n", run.Playbook)
			fmt.Printf("status:   %s\n", run.Status)
			fmt.Printf("check:    %v\n", run.Check)
			fmt.Printf("started:  %s\n", run.StartedAt.Local().Format(time.RFC3339))
			fmt.Printf("duration: %s\n\n", run.EndedAt.Sub(run.StartedAt).Round(time.Millisecond))

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "HOST\tOK\tCHANGED\tFAILED\tSKIPPED\tUNREACHABLE\tIGNORED")
			for _, hr := range hosts {
				s := hr.Summary
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
					hr.Host, s.OK, s.Changed, s.Failed, s.Skipped, s.Unreachable, s.Ignored)
			}
			return w.Flush()
		},
	}
}
