package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/repocheck/internal/pipeline"
	"github.com/jkaninda/repocheck/internal/storage"
)

var (
	historyLimit   int
	historyJSON    bool
	historyRepoURL string
	historyDays    int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect stored verification reports",
}

var historyListCmd = &cobra.Command{
	Use:   "list <key>",
	Short: "List reports for a sandbox key, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: withStore(func(ctx context.Context, store storage.Store, w io.Writer, args []string) error {
		reports, err := store.ListByKey(ctx, args[0], historyLimit)
		if err != nil {
			return err
		}
		if historyJSON {
			return writeJSON(w, reports)
		}
		return writeRunTable(w, reports)
	}),
}

var historyLatestCmd = &cobra.Command{
	Use:   "latest <key>",
	Short: "Show the newest report for a sandbox key",
	Args:  cobra.ExactArgs(1),
	RunE: withStore(func(ctx context.Context, store storage.Store, w io.Writer, args []string) error {
		r, err := store.Latest(ctx, args[0])
		if err != nil {
			return err
		}
		return printReport(w, r, historyJSON)
	}),
}

var historyShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one report by run ID",
	Args:  cobra.ExactArgs(1),
	RunE: withStore(func(ctx context.Context, store storage.Store, w io.Writer, args []string) error {
		r, err := store.Run(ctx, args[0])
		if err != nil {
			return err
		}
		return printReport(w, r, historyJSON)
	}),
}

var historyKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List sandbox keys with stored history",
	Args:  cobra.NoArgs,
	RunE: withStore(func(ctx context.Context, store storage.Store, w io.Writer, _ []string) error {
		keys, err := store.Keys(ctx, historyRepoURL)
		if err != nil {
			return err
		}
		if historyJSON {
			return writeJSON(w, keys)
		}
		return writeKeyTable(w, keys)
	}),
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete reports older than the given number of days",
	Args:  cobra.NoArgs,
	RunE: withStore(func(ctx context.Context, store storage.Store, w io.Writer, _ []string) error {
		if historyDays <= 0 {
			return fmt.Errorf("--older-than-days must be positive")
		}
		n, err := store.Prune(ctx, time.Now().AddDate(0, 0, -historyDays))
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "pruned %d reports\n", n)
		return nil
	}),
}

func init() {
	for _, c := range []*cobra.Command{historyListCmd, historyLatestCmd, historyShowCmd, historyKeysCmd} {
		c.Flags().BoolVar(&historyJSON, "json", false, "print as JSON")
	}
	historyListCmd.Flags().IntVar(&historyLimit, "limit", storage.DefaultListLimit, "maximum number of reports")
	historyKeysCmd.Flags().StringVar(&historyRepoURL, "repo-url", "", "only keys of this repository")
	historyPruneCmd.Flags().IntVar(&historyDays, "older-than-days", 90, "retention in days")

	historyCmd.AddCommand(historyListCmd, historyLatestCmd, historyShowCmd, historyKeysCmd, historyPruneCmd)
}

// withStore opens the configured store for the duration of one history command.
func withStore(fn func(ctx context.Context, store storage.Store, w io.Writer, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := initStore(cfg, logger)
		if err != nil {
			return fmt.Errorf("initializing storage: %w", err)
		}
		defer store.Close()
		return fn(cmd.Context(), store, cmd.OutOrStdout(), args)
	}
}

func writeRunTable(w io.Writer, reports []*pipeline.Report) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tSTATUS\tREF\tTYPE\tSTARTED\tDURATION\tFAILURE")
	for _, r := range reports {
		failure := "-"
		if r.Failure != nil {
			failure = fmt.Sprintf("%s (%s)", r.Failure.Kind, r.Failure.Step)
		}
		typ := r.ProjectType
		if typ == "" {
			typ = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.RunID, passFail(r.OK), r.Ref, typ,
			r.StartedAt.Local().Format(time.DateTime),
			time.Duration(r.DurationMs)*time.Millisecond,
			failure,
		)
	}
	return tw.Flush()
}

func writeKeyTable(w io.Writer, keys []storage.KeySummary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tREPOSITORY\tRUNS\tLAST\tLAST RUN")
	for _, k := range keys {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			k.Key, k.RepoURL, k.Runs, passFail(k.LastOK), k.LastRunAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func passFail(ok bool) string {
	if ok {
		return "PASS"
	}
	return "FAIL"
}
