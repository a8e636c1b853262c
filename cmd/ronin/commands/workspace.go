package commands

import (
	"context"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/RONIN/config"
	"github.com/teranos/RONIN/errors"
	"github.com/teranos/RONIN/logger"
	"github.com/teranos/RONIN/memory"
	"github.com/teranos/RONIN/workspace"
)

// WorkspaceCmd manages job artifacts in the workspace
var WorkspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Manage job artifacts in the workspace",
	Long: `Manage job artifacts in the workspace directory.

Each tracked job owns a subdirectory under workspace.root where inputs
land and deliverables are staged before delivery.

Examples:
  ronin workspace fetch job-12345 https://client.example.com/brief.zip
  ronin workspace fetch job-12345 ./reference-glossary.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var workspaceFetchCmd = &cobra.Command{
	Use:   "fetch JOB_ID SOURCE",
	Short: "Fetch a client-provided input into a job's workspace",
	Long: `Fetch a client-provided source into the job's inputs directory.

SOURCE may be a URL, an archive (unpacked automatically), a git
repository or a local file path. Use this for reference material the
client shares outside the marketplace inbox; inbox attachments are
staged automatically by the daemon.`,
	Args: cobra.ExactArgs(2),
	RunE: runWorkspaceFetch,
}

func runWorkspaceFetch(cmd *cobra.Command, args []string) error {
	jobID, src := args[0], args[1]

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	// Refuse to create workspace directories for ids we do not track
	store := memory.NewStore(database)
	if _, err := store.GetJob(jobID); err != nil {
		if errors.IsUnknownJob(err) {
			return errors.Newf("no job tracked with id %q", jobID)
		}
		return errors.Wrap(err, "failed to look up job")
	}

	ws, err := workspace.New(cfg.Workspace, logger.Logger)
	if err != nil {
		return errors.Wrap(err, "failed to prepare workspace")
	}

	dst, err := ws.FetchInput(context.Background(), jobID, src)
	if err != nil {
		return err
	}

	pterm.Success.Printf("Fetched %s into %s\n", src, dst)
	return nil
}

func init() {
	WorkspaceCmd.AddCommand(workspaceFetchCmd)
}
