package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect past reconciliation runs",
	}

	cmd.AddCommand(newHistoryListCommand(version))
	cmd.AddCommand(newHistoryShowCommand(version))

	return cmd
}

func newHistoryListCommand(version string) *cobra.Command {
	var (
		envName string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(version)
			if err != nil {
				return err
			}
			defer rt.close(cmd.Context())

			history, err := openHistory(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer history.Close()

			runs, err := history.ListRuns(cmd.Context(), envName, limit, 0)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tENVIRONMENT\tSTATUS\tSTARTED\tDURATION\tCREATED\tUPDATED\tDELETED\tFAILED")
			for _, run := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
					run.ID, run.Environment, run.Status,
					run.StartedAt.Local().Format(time.RFC3339),
					(time.Duration(run.DurationMS) * time.Millisecond).String(),
					run.Created, run.Updated, run.Deleted, run.Failed)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&envName, "env", "", "filter by environment")
	cmd.Flags().IntVar(&limit, "limit", 20, "max runs to list")

	return cmd
}

func newHistoryShowCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show a run's per-resource outcomes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(version)
			if err != nil {
				return err
			}
			defer rt.close(cmd.Context())

			history, err := openHistory(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer history.Close()

			run, err := history.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			results, err := history.ListResults(cmd.Context(), run.ID)
			if err != nil {
				return err
			}

			fmt.Printf("run %s (%s) status=%s dry_run=%v\n\n", run.ID, run.Environment, run.Status, run.DryRun)
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ACTION\tKIND\tIDENTIFIER\tSTATE\tERROR")
			for _, res := range results {
				errMsg := ""
				if res.ErrorMessage != nil {
					errMsg = *res.ErrorMessage
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", res.Action, res.Kind, res.Identifier, res.State, errMsg)
			}
			return w.Flush()
		},
	}

	return cmd
}
