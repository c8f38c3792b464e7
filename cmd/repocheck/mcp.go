package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jkaninda/repocheck/internal/tools"
	"github.com/jkaninda/repocheck/internal/tools/git"
	mcptools "github.com/jkaninda/repocheck/internal/tools/mcp"
	"github.com/jkaninda/repocheck/internal/tools/repo"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the verification tools over MCP (stdio)",
	Long: `Serve repo_verify, sandbox_key, verify_history and repo_git to an MCP client
over stdin/stdout. Logs are written to stderr.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func runMCP(_ *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	sc, err := initShared(cfg, logger, sharedOptions{store: true, notify: true})
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	layout := sc.Verifier.Layout()
	reg := tools.NewRegistry()
	reg.Register(repo.NewVerifyTool(sc.Verifier, logger))
	reg.Register(repo.NewKeyTool(layout))
	reg.Register(repo.NewHistoryTool(sc.Store))
	reg.Register(git.NewTool(sc.Executor, layout, gitBinary(cfg), logger))

	s, err := mcptools.NewServer(reg, version, logger)
	if err != nil {
		return fmt.Errorf("building mcp server: %w", err)
	}
	return mcptools.Serve(s)
}
