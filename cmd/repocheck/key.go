package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jkaninda/repocheck/internal/sandboxkey"
	"github.com/jkaninda/repocheck/internal/tools/repo"
	"github.com/jkaninda/repocheck/internal/workspace"
)

var (
	keyOverride string
	keyJSON     bool
)

var keyCmd = &cobra.Command{
	Use:   "key <repo-url>",
	Short: "Print the sandbox key and overlay paths for a repository",
	Args:  cobra.ExactArgs(1),
	RunE:  runKey,
}

func init() {
	keyCmd.Flags().StringVar(&keyOverride, "key", "", "sandbox key override")
	keyCmd.Flags().BoolVar(&keyJSON, "json", false, "print as JSON")
}

func runKey(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	layout, err := workspace.New(cfg.VerifyRoot, cfg.SandboxRoot)
	if err != nil {
		return err
	}
	key := sandboxkey.Resolve(args[0], keyOverride)
	ov, err := layout.Overlay(key)
	if err != nil {
		return err
	}
	info := repo.KeyInfo{Key: key, OverlayDir: ov.OverlayDir, PatchFile: ov.PatchFile}

	out := cmd.OutOrStdout()
	if keyJSON {
		return writeJSON(out, info)
	}
	fmt.Fprintf(out, "key:      %s\noverlay:  %s\npatch:    %s\n", info.Key, info.OverlayDir, info.PatchFile)
	return nil
}
