package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/repocheck/internal/pipeline"
	"github.com/jkaninda/repocheck/internal/verify"
)

var (
	verifyRef      string
	verifyKey      string
	verifyTimeouts []string
	verifyJSON     bool
	verifyNoStore  bool
	verifyQuiet    bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify <repo-url>",
	Short: "Verify a repository once and print the report",
	Long: `Verify clones or refreshes the repository, applies the sandbox overlay and
patch for its key, then installs and builds it. The command exits 1 when the
verification fails.`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func init() {
	addRequestFlags(verifyCmd, &verifyRef, &verifyKey, &verifyTimeouts)
	verifyCmd.Flags().BoolVar(&verifyJSON, "json", false, "print the full report as JSON")
	verifyCmd.Flags().BoolVar(&verifyNoStore, "no-store", false, "do not persist the report")
	verifyCmd.Flags().BoolVarP(&verifyQuiet, "quiet", "q", false, "do not print step progress")
}

// addRequestFlags registers the flags that make up a verify.Request.
func addRequestFlags(cmd *cobra.Command, ref, key *string, timeouts *[]string) {
	cmd.Flags().StringVar(ref, "ref", "", "branch, tag or commit to verify (default from config)")
	cmd.Flags().StringVar(key, "key", "", "sandbox key override (default derived from the URL)")
	cmd.Flags().StringArrayVar(timeouts, "timeout", nil, "per-phase timeout override, e.g. install=1800 (repeatable)")
}

func buildRequest(repoURL, ref, key string, timeouts []string) (verify.Request, error) {
	over, err := parseTimeoutFlags(timeouts)
	if err != nil {
		return verify.Request{}, err
	}
	return verify.Request{RepoURL: repoURL, Ref: ref, SandboxKey: key, Timeouts: over}, nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	req, err := buildRequest(args[0], verifyRef, verifyKey, verifyTimeouts)
	if err != nil {
		return err
	}
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	sc, err := initShared(cfg, logger, sharedOptions{store: !verifyNoStore, notify: true})
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var observer pipeline.Observer
	if !verifyQuiet {
		observer = progressPrinter(os.Stderr)
	}
	report := sc.Verifier.Verify(ctx, req, observer)

	if err := printReport(cmd.OutOrStdout(), report, verifyJSON); err != nil {
		return err
	}
	if !report.OK {
		return &exitError{code: 1}
	}
	return nil
}

// progressPrinter writes one line per appended step.
func progressPrinter(w io.Writer) pipeline.Observer {
	return func(s pipeline.StepRecord) {
		fmt.Fprintln(w, stepLine(s))
	}
}

func stepLine(s pipeline.StepRecord) string {
	mark := "ok"
	switch {
	case s.Skipped:
		mark = "skip"
	case !s.OK:
		mark = "FAIL"
	}
	line := fmt.Sprintf("[%-4s] %-18s %s", mark, s.Name, time.Duration(s.DurationMs)*time.Millisecond)
	if !s.OK {
		line += fmt.Sprintf(" exit=%d", s.ExitCode)
	}
	return line
}

func printReport(w io.Writer, r *pipeline.Report, asJSON bool) error {
	if asJSON {
		return writeJSON(w, r)
	}
	_, err := io.WriteString(w, r.Summary())
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
