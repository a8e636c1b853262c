package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/RONIN/cmd/ronin/commands"
	"github.com/teranos/RONIN/logger"
)

var rootCmd = &cobra.Command{
	Use:   "ronin",
	Short: "RONIN - autonomous job marketplace agent",
	Long: `RONIN - autonomous job marketplace agent.

RONIN discovers marketplace listings, decides which are worth pursuing,
applies, talks to clients and delivers work, tracking every job through a
durable lifecycle that survives restarts.

Available commands:
  start   - Run the agent daemon (discovery, actions, status server)
  status  - Show stage counts, quota and pacing state
  jobs    - List tracked jobs and inspect their audit trails
  ingest  - Feed listings from a JSON file or stdin
  signal  - Apply an inbound client signal to a job manually
  config  - Show or edit configuration
  mcp     - Serve read-only operator tools over MCP stdio

Examples:
  ronin start                        # Run the daemon in the foreground
  ronin status                       # One-shot status report
  ronin jobs --stage matched         # Listings waiting on an application
  ronin jobs show job-12345          # Full audit trail for one job
  ronin signal job-12345 client_accepted`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		if err := logger.Initialize(jsonOutput); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json", false, "Machine-readable output where supported")

	rootCmd.AddCommand(commands.StartCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.IngestCmd)
	rootCmd.AddCommand(commands.SignalCmd)
	rootCmd.AddCommand(commands.WorkspaceCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.MCPCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
