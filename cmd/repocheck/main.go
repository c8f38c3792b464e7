// repocheck verifies that a repository, plus a sandboxed overlay, installs and builds.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jkaninda/repocheck/internal/config"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "repocheck",
	Short: "repocheck verifies repositories inside a sandboxed working copy.",
	Long: `repocheck clones or refreshes a repository into a persistent working copy,
applies the sandbox overlay and patch for its key, detects the project type and
runs the matching install and build steps. Every run produces a structured report.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format (json, text)")

	rootCmd.AddCommand(verifyCmd, keyCmd, historyCmd, serveCmd, mcpCmd, watchCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if code, ok := exitCode(err); ok {
			os.Exit(code)
		}
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
