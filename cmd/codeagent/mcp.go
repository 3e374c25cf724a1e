package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	mcptools "github.com/jkaninda/codeagent/internal/tools/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the tools over MCP on stdin/stdout",
	Long: `Expose the sandboxed tools to an MCP client over stdio. Every call goes
through the same dispatcher as the agent loop, so the working directory is
injected and containment is enforced. No model is contacted.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, _ []string) error {
	// stdout carries the protocol; logs go to stderr only.
	logger := newCLILogger(flagVerbose)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := initComponents(cmd.Context(), cfg, logger, false)
	if err != nil {
		return err
	}
	defer c.Cleanup()

	srv, err := mcptools.NewServer(c.Dispatcher, c.Registry,
		mcptools.WithLogger(logger),
		mcptools.WithVersion(version),
	)
	if err != nil {
		return err
	}
	logger.Info("serving tools over mcp stdio",
		slog.String("root", c.Root),
		slog.Any("tools", c.Registry.Names()),
	)
	return srv.ServeStdio()
}
