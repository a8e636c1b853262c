package commands

import (
	"github.com/spf13/cobra"

	"github.com/teranos/RONIN/action"
	"github.com/teranos/RONIN/config"
	"github.com/teranos/RONIN/errors"
	"github.com/teranos/RONIN/logger"
	"github.com/teranos/RONIN/memory"
	"github.com/teranos/RONIN/orchestrator"
	"github.com/teranos/RONIN/pace"
	"github.com/teranos/RONIN/server"
)

// MCPCmd exposes the agent's memory store over the Model Context Protocol
var MCPCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve agent state over MCP stdio",
	Long: `Serve read-only agent state over the Model Context Protocol on stdio.

Exposes the tracked jobs, their audit trails and the pacing state as MCP
tools so an LLM client can inspect a running agent's database. The server
opens the database read-only in practice: no tool mutates job state.

Register with an MCP client as:
  command: ronin
  args: ["mcp"]`,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := memory.NewStore(database)
	pacer := pace.NewController(cfg.Pace)
	orch := orchestrator.New(store, pacer, action.NewRegistry(), cfg, logger.Logger)

	agent := server.New(orch, nil, cfg, logger.Logger)
	mcpServer := server.NewMCPServer(agent)

	logger.Infow("Starting MCP server on stdio")
	if err := mcpServer.Serve(); err != nil {
		return errors.Wrap(err, "MCP server exited")
	}
	return nil
}
