package commands

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/RONIN/config"
	"github.com/teranos/RONIN/errors"
	"github.com/teranos/RONIN/job"
	"github.com/teranos/RONIN/memory"
)

// stageOrder fixes the display order to lifecycle order rather than
// whatever the map iteration gives
var stageOrder = []job.Stage{
	job.StageDiscovered,
	job.StageMatched,
	job.StageApplied,
	job.StageAwaitingResponse,
	job.StageInProgress,
	job.StageDelivered,
	job.StageClosed,
	job.StageRejected,
	job.StageFailed,
}

// StatusCmd reports the agent's current state from the store
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show stage counts, quota and stuck jobs",
	Long: `Show a one-shot status report from the agent database.

Reads the store directly, so it works whether or not the daemon is
running. For live status, use the daemon's HTTP API instead.`,
	RunE: runStatus,
}

// statusReport is the --json payload
type statusReport struct {
	Stages     map[job.Stage]int `json:"stages"`
	Total      int               `json:"total"`
	QuotaLimit int               `json:"quota_limit"`
	QuotaUsed  int               `json:"quota_used"`
	StuckJobs  []*job.Job        `json:"stuck_jobs,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	counts, err := store.CountByStage()
	if err != nil {
		return errors.Wrap(err, "failed to count jobs")
	}

	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	used, err := store.CountEventsSince(job.StageApplied, job.OutcomeSuccess, midnight)
	if err != nil {
		return errors.Wrap(err, "failed to count today's applications")
	}

	// Non-terminal jobs untouched for a week usually mean a dead client
	// or a wedged stage worth looking at
	stuck, err := store.ListStuck(now, 7*24*time.Hour, 10)
	if err != nil {
		return errors.Wrap(err, "failed to list stuck jobs")
	}

	total := 0
	for _, n := range counts {
		total += n
	}

	jsonOutput, _ := cmd.Flags().GetBool("json")
	if jsonOutput {
		report := statusReport{
			Stages:     counts,
			Total:      total,
			QuotaLimit: cfg.Agent.DailyApplyQuota,
			QuotaUsed:  used,
			StuckJobs:  stuck,
		}
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to encode status")
		}
		fmt.Println(string(out))
		return nil
	}

	rows := pterm.TableData{{"Stage", "Jobs"}}
	for _, stage := range stageOrder {
		if counts[stage] == 0 {
			continue
		}
		rows = append(rows, []string{string(stage), strconv.Itoa(counts[stage])})
	}
	rows = append(rows, []string{"total", strconv.Itoa(total)})

	pterm.DefaultSection.Println("Job lifecycle")
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		return err
	}

	if cfg.Agent.DailyApplyQuota > 0 {
		pterm.Printf("\nApplications today: %d/%d\n", used, cfg.Agent.DailyApplyQuota)
	}

	if len(stuck) > 0 {
		pterm.Warning.Printf("%d job(s) untouched for over a week:\n", len(stuck))
		for _, j := range stuck {
			pterm.Printf("  %s  %-18s %s\n", j.ID, j.Stage, j.Title)
		}
	}
	return nil
}
