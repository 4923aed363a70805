package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/taskpack/internal/persistence"
)

func runsCmd(a *app) *cobra.Command {
	var (
		workItem string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List journaled runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openJournal(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context(), workItem, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tWORK ITEM\tATTEMPT\tSTATUS\tERROR\tSTARTED\tDURATION")
			for _, r := range runs {
				dur := "-"
				if !r.FinishedAt.IsZero() {
					dur = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
					r.RunID, r.WorkItemID, r.Attempt, r.Status, orDash(r.ErrorKind),
					r.StartedAt.Local().Format(time.DateTime), dur)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&workItem, "work-item", "", "Only show runs of this work item")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs")
	cmd.AddCommand(runsShowCmd(a))
	return cmd
}

func runsShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Print a journaled run with its stage outputs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openJournal(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			r, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run:       %s\n", r.RunID)
			fmt.Fprintf(out, "Work item: %s (attempt %d)\n", r.WorkItemID, r.Attempt)
			fmt.Fprintf(out, "Status:    %s\n", r.Status)
			if r.ErrorKind != "" {
				fmt.Fprintf(out, "Error:     %s: %s\n", r.ErrorKind, r.ErrorDetail)
			}
			for _, s := range r.Stages {
				fmt.Fprintf(out, "\n--- %d. %s ---\n%s\n", s.Seq, s.Stage, s.Raw)
			}
			return nil
		},
	}
}

func (a *app) openJournal(cmd *cobra.Command) (*persistence.SQLiteStore, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Store.Path == "" {
		return nil, errors.New("no run journal configured (set store.path or TASKPACK_JOURNAL)")
	}
	return persistence.NewSQLiteStore(cmd.Context(), cfg.Store.Path)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
