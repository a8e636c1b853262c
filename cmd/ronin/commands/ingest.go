package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/RONIN/action"
	"github.com/teranos/RONIN/config"
	"github.com/teranos/RONIN/errors"
	"github.com/teranos/RONIN/job"
	"github.com/teranos/RONIN/logger"
	"github.com/teranos/RONIN/memory"
	"github.com/teranos/RONIN/orchestrator"
	"github.com/teranos/RONIN/pace"
)

// IngestCmd feeds listings into the store without touching the marketplace
var IngestCmd = &cobra.Command{
	Use:   "ingest [FILE]",
	Short: "Feed listings from a JSON file or stdin",
	Long: `Ingest marketplace listings from a JSON file, or stdin when FILE
is "-" or omitted. Input is an array of listing objects:

  [{"external_id": "job-1", "title": "...", "budget": 8000,
    "category": "translation", "client_name": "..."}]

Each listing runs through the matcher exactly as a discovered one would:
accepted listings park at matched for the daemon's next pass, rejected
ones record why. Re-ingesting a known id refreshes the listing without
moving its stage.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIngest,
}

func runIngest(cmd *cobra.Command, args []string) error {
	var reader io.Reader = os.Stdin
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return errors.Wrapf(err, "failed to open %s", args[0])
		}
		defer f.Close()
		reader = f
	}

	var raws []job.RawJob
	if err := json.NewDecoder(reader).Decode(&raws); err != nil {
		return errors.Wrap(err, "failed to parse listings JSON")
	}
	if len(raws) == 0 {
		return errors.New("no listings in input")
	}

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	// Ingestion needs only the store and the matcher; no executors run
	store := memory.NewStore(database)
	pacer := pace.NewController(cfg.Pace)
	orch := orchestrator.New(store, pacer, action.NewRegistry(), cfg, logger.Logger)

	ctx := context.Background()
	counts := make(map[job.Stage]int)
	failed := 0
	for i := range raws {
		j, err := orch.Ingest(ctx, &raws[i])
		if err != nil {
			pterm.Warning.Printf("Skipping %q: %v\n", raws[i].ExternalID, err)
			failed++
			continue
		}
		counts[j.Stage]++
	}

	jsonOutput, _ := cmd.Flags().GetBool("json")
	if jsonOutput {
		out, err := json.MarshalIndent(map[string]interface{}{
			"ingested": len(raws) - failed,
			"failed":   failed,
			"stages":   counts,
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	pterm.Success.Printf("Ingested %d listing(s): %d matched, %d rejected",
		len(raws)-failed, counts[job.StageMatched], counts[job.StageRejected])
	if failed > 0 {
		pterm.Printf(" (%d invalid, skipped)", failed)
	}
	pterm.Println()
	return nil
}
