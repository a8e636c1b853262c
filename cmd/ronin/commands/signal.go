package commands

import (
	"context"
	"fmt"
	"strings"

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

// SignalCmd applies an inbound client signal to a job manually
var SignalCmd = &cobra.Command{
	Use:   "signal JOB_ID KIND",
	Short: "Apply an inbound client signal to a job",
	Long: `Apply an inbound client signal to a job's lifecycle by hand, for
cases the inbox classifier missed or when running offline.

Signal kinds:
  client_accepted     - client accepted the application, work may start
  message_received    - ordinary chat, recorded without a stage change
  revision_requested  - client wants changes, delivery goes back to work
  delivery_confirmed  - client confirmed the delivery, job closes
  job_cancelled       - listing withdrawn or contract cancelled

Example:
  ronin signal job-12345 client_accepted`,
	Args: cobra.ExactArgs(2),
	RunE: runSignal,
}

func runSignal(cmd *cobra.Command, args []string) error {
	jobID, kind := args[0], strings.ToLower(args[1])

	if !job.IsValidSignal(kind) {
		return errors.Newf("unknown signal kind %q", kind)
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

	store := memory.NewStore(database)
	pacer := pace.NewController(cfg.Pace)
	orch := orchestrator.New(store, pacer, action.NewRegistry(), cfg, logger.Logger)

	payload := []byte(fmt.Sprintf(`{"source":"operator","command":"ronin signal %s %s"}`, jobID, kind))
	if err := orch.RecordInboundSignal(context.Background(), jobID, job.SignalKind(kind), payload); err != nil {
		switch {
		case errors.IsUnknownJob(err):
			return errors.Newf("no job tracked with id %q", jobID)
		case errors.IsInvalidTransition(err):
			return errors.Wrapf(err, "signal %s does not apply", kind)
		default:
			return errors.Wrap(err, "failed to apply signal")
		}
	}

	j, err := store.GetJob(jobID)
	if err != nil {
		return errors.Wrap(err, "signal applied but failed to reload job")
	}

	pterm.Success.Printf("Signal %s applied; %s is now %s\n", kind, jobID, j.Stage)
	return nil
}
