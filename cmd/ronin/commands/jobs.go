package commands

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/RONIN/errors"
	"github.com/teranos/RONIN/job"
	"github.com/teranos/RONIN/memory"
)

// JobsCmd lists tracked jobs and inspects individual ones
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List tracked marketplace jobs",
	Long: `List the jobs the agent tracks, newest first.

Examples:
  ronin jobs                       # Everything, newest first
  ronin jobs --stage matched       # Only jobs waiting on an application
  ronin jobs show job-12345        # One job with its full audit trail`,
	RunE: runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show JOB_ID",
	Short: "Show one job with its full audit trail",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var (
	jobsStage string
	jobsLimit int
)

func init() {
	JobsCmd.Flags().StringVar(&jobsStage, "stage", "", "Filter by lifecycle stage")
	JobsCmd.Flags().IntVar(&jobsLimit, "limit", 50, "Maximum jobs to list")
	JobsCmd.AddCommand(jobsShowCmd)
}

func runJobsList(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := memory.NewStore(database)

	var jobs []*job.Job
	if jobsStage != "" {
		if !job.IsValidStage(jobsStage) {
			return errors.Newf("unknown stage %q", jobsStage)
		}
		jobs, err = store.ListByStage(job.Stage(jobsStage), jobsLimit)
	} else {
		jobs, err = store.ListJobs(jobsLimit)
	}
	if err != nil {
		return errors.Wrap(err, "failed to list jobs")
	}

	jsonOutput, _ := cmd.Flags().GetBool("json")
	if jsonOutput {
		out, err := json.MarshalIndent(jobs, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to encode jobs")
		}
		fmt.Println(string(out))
		return nil
	}

	if len(jobs) == 0 {
		pterm.Info.Println("No jobs tracked")
		return nil
	}

	rows := pterm.TableData{{"ID", "Stage", "Budget", "Score", "Title"}}
	for _, j := range jobs {
		rows = append(rows, []string{
			j.ID,
			string(j.Stage),
			strconv.Itoa(j.Budget),
			fmt.Sprintf("%.2f", j.Score),
			truncate(j.Title, 48),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	jobID := args[0]

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := memory.NewStore(database)

	j, err := store.GetJob(jobID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return errors.Newf("no job tracked with id %q", jobID)
		}
		return errors.Wrap(err, "failed to load job")
	}

	events, err := store.ListEvents(jobID, 0)
	if err != nil {
		return errors.Wrap(err, "failed to load events")
	}

	jsonOutput, _ := cmd.Flags().GetBool("json")
	if jsonOutput {
		out, err := json.MarshalIndent(map[string]interface{}{
			"job":    j,
			"events": events,
		}, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to encode job")
		}
		fmt.Println(string(out))
		return nil
	}

	pterm.DefaultSection.Println(j.Title)
	pterm.Printf("ID:        %s\n", j.ID)
	pterm.Printf("Stage:     %s\n", j.Stage)
	pterm.Printf("Budget:    %d\n", j.Budget)
	if j.Category != "" {
		pterm.Printf("Category:  %s\n", j.Category)
	}
	if j.ClientName != "" {
		pterm.Printf("Client:    %s\n", j.ClientName)
	}
	if j.Score > 0 {
		pterm.Printf("Score:     %.2f\n", j.Score)
	}
	if j.AttemptCount > 0 {
		pterm.Printf("Attempts:  %d\n", j.AttemptCount)
	}
	if j.NextEligibleAt != nil && j.NextEligibleAt.After(time.Now()) {
		pterm.Printf("Cooldown:  until %s\n", j.NextEligibleAt.Format(time.RFC3339))
	}
	if j.LastError != "" {
		pterm.Printf("Last err:  %s\n", j.LastError)
	}

	if len(events) == 0 {
		return nil
	}

	pterm.DefaultSection.Println("Audit trail")
	for _, ev := range events {
		line := fmt.Sprintf("%s  %-18s %-8s %s",
			ev.CreatedAt.Format("2006-01-02 15:04:05"),
			ev.Stage, ev.Outcome, ev.Actor)
		if ev.Detail != "" {
			line += "  " + truncate(ev.Detail, 60)
		}
		pterm.Println(line)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
