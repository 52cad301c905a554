// ABOUTME: Read-only history and runs subcommands that print a task's audit trail from the database.
// ABOUTME: Output is a tab-aligned table by default, or JSON with --json.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389-research/taskflow/core"
	"github.com/2389-research/taskflow/store"
)

type inspectOptions struct {
	json bool
}

func newHistoryCommand(opts *rootOptions) *cobra.Command {
	inspect := &inspectOptions{}
	cmd := &cobra.Command{
		Use:   "history <task-id>",
		Short: "show a task's transition history, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(ctx context.Context, st *store.SQLite) error {
				if _, err := st.GetTask(ctx, args[0]); err != nil {
					return err
				}
				entries, err := st.ListHistory(ctx, args[0])
				if err != nil {
					return err
				}
				if inspect.json {
					return writeJSON(cmd.OutOrStdout(), entries)
				}
				return printHistory(cmd.OutOrStdout(), entries)
			})
		},
	}
	cmd.Flags().BoolVar(&inspect.json, "json", false, "print JSON")
	return cmd
}

func newRunsCommand(opts *rootOptions) *cobra.Command {
	inspect := &inspectOptions{}
	cmd := &cobra.Command{
		Use:   "runs <task-id>",
		Short: "show a task's agent runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(ctx context.Context, st *store.SQLite) error {
				if _, err := st.GetTask(ctx, args[0]); err != nil {
					return err
				}
				runs, err := st.ListRuns(ctx, args[0])
				if err != nil {
					return err
				}
				if inspect.json {
					return writeJSON(cmd.OutOrStdout(), runs)
				}
				return printRuns(cmd.OutOrStdout(), runs)
			})
		},
	}
	cmd.Flags().BoolVar(&inspect.json, "json", false, "print JSON")
	return cmd
}

func withStore(ctx context.Context, opts *rootOptions, fn func(context.Context, *store.SQLite) error) error {
	cfg, err := opts.load(os.LookupEnv)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, st)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printHistory(w io.Writer, entries []core.HistoryEntry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tAT\tFROM\tTO\tTRIGGER\tACTOR\tHOOKS")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Seq,
			e.CreatedAt.Local().Format(time.DateTime),
			e.FromStatus,
			e.ToStatus,
			e.Trigger,
			dash(e.Actor),
			hookSummary(e.HooksExecuted),
		)
	}
	return tw.Flush()
}

func hookSummary(hooks map[string]core.HookOutcome) string {
	if len(hooks) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(hooks))
	for name, h := range hooks {
		parts = append(parts, name+"="+h.Status)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func printRuns(w io.Writer, runs []*core.AgentRun) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tATTEMPT\tMODE\tAGENT\tSTATUS\tOUTCOME\tSTARTED\tDURATION")
	for _, r := range runs {
		duration := "-"
		if r.CompletedAt != nil {
			duration = r.CompletedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID,
			r.Attempt,
			r.Mode,
			r.AgentType,
			r.Status,
			dash(r.Outcome),
			r.StartedAt.Local().Format(time.DateTime),
			duration,
		)
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
