// Package mcp serves the tool registry over the Model Context Protocol.
// Every registered tool becomes an MCP tool with the same name and JSON
// schema; calls run through Registry.Run so validation always applies.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/repocheck/internal/tools"
)

const serverName = "repocheck"

// NewServer builds an MCP server exposing every tool in reg.
func NewServer(reg *tools.Registry, version string, logger *slog.Logger) (*server.MCPServer, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := server.NewMCPServer(
		serverName,
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)
	for _, t := range reg.All() {
		def, err := Definition(t)
		if err != nil {
			return nil, err
		}
		s.AddTool(def, Handler(reg, t.Name(), logger))
	}
	logger.Info("mcp server configured", slog.Any("tools", reg.List()))
	return s, nil
}

// Serve runs the MCP server over stdin/stdout until the input closes.
func Serve(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

// Definition converts a registry tool into an MCP tool definition.
func Definition(t tools.Tool) (mcp.Tool, error) {
	schema, err := json.Marshal(t.InputSchema())
	if err != nil {
		return mcp.Tool{}, fmt.Errorf("encoding schema for %s: %w", t.Name(), err)
	}
	return mcp.NewToolWithRawSchema(t.Name(), t.Description(), schema), nil
}

// Handler returns the MCP call handler for the named tool. Validation and
// execution errors become error results rather than protocol errors.
func Handler(reg *tools.Registry, name string, logger *slog.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := reg.Run(ctx, name, req.GetArguments())
		if err != nil {
			logger.WarnContext(ctx, "mcp tool failed",
				slog.String("tool", name),
				slog.String("error", err.Error()),
			)
			return mcp.NewToolResultError(err.Error()), nil
		}
		out := mcp.NewToolResultText(res.Output)
		out.IsError = !res.Success
		return out, nil
	}
}

const instructions = `repocheck verifies git repositories in an isolated working copy.
Use sandbox_key to see which key and overlay paths a repository maps to,
repo_verify to run a full verification (checkout, overlay, build, tests),
verify_history to read earlier reports and repo_git to inspect a working copy.`
