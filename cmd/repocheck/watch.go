package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/repocheck/internal/pipeline"
	"github.com/jkaninda/repocheck/internal/sandboxkey"
	"github.com/jkaninda/repocheck/internal/watch"
)

var (
	watchRef       string
	watchKey       string
	watchTimeouts  []string
	watchDebounce  time.Duration
	watchNoInitial bool
	watchJSON      bool
)

var watchCmd = &cobra.Command{
	Use:   "watch <repo-url>",
	Short: "Re-verify whenever the sandbox overlay or patch changes",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

func init() {
	addRequestFlags(watchCmd, &watchRef, &watchKey, &watchTimeouts)
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 0, "quiet period before a run (default from config)")
	watchCmd.Flags().BoolVar(&watchNoInitial, "no-initial", false, "wait for the first change before verifying")
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "print reports as JSON")
}

func runWatch(cmd *cobra.Command, args []string) error {
	req, err := buildRequest(args[0], watchRef, watchKey, watchTimeouts)
	if err != nil {
		return err
	}
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	sc, err := initShared(cfg, logger, sharedOptions{store: true, notify: false})
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	key := sandboxkey.Resolve(req.RepoURL, req.SandboxKey)
	req.SandboxKey = key
	ov, err := sc.Verifier.Layout().Overlay(key)
	if err != nil {
		return err
	}

	debounce := watchDebounce
	if debounce <= 0 {
		debounce = cfg.WatchDebounce()
	}
	out := cmd.OutOrStdout()
	opts := []watch.Option{
		watch.WithDebounce(debounce),
		watch.WithLogger(logger),
		watch.WithReportHandler(func(r *pipeline.Report) {
			if err := printReport(out, r, watchJSON); err != nil {
				logger.Error("printing report", slog.String("error", err.Error()))
			}
		}),
	}
	if !watchNoInitial {
		opts = append(opts, watch.WithRunOnStart())
	}

	ctx, stop := signalContext()
	defer stop()

	fmt.Fprintf(os.Stderr, "watching %s and %s (ctrl-c to stop)\n", ov.OverlayDir, ov.PatchFile)
	return watch.New(sc.Verifier, req, ov, opts...).Start(ctx)
}
