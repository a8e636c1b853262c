package orchestrator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/RONIN/config"
	"github.com/teranos/RONIN/errors"
	"github.com/teranos/RONIN/job"
	"github.com/teranos/RONIN/marketplace"
)

// retentionSweepInterval is how often terminal jobs and stale workspaces
// are swept. The horizon itself comes from config; the cadence does not
// need to.
const retentionSweepInterval = 6 * time.Hour

// JobSource produces fresh marketplace listings for ingestion
type JobSource interface {
	Discover(ctx context.Context) ([]job.RawJob, error)
}

// MessageSource drains unread client-side messages and fetches the files
// they carry
type MessageSource interface {
	Poll(ctx context.Context) ([]marketplace.InboundMessage, error)
	DownloadAttachment(ctx context.Context, att marketplace.Attachment) ([]byte, error)
}

// WorkKeeper is the runner's view of the workspace: staging client
// inputs next to the deliverable and sweeping directories nothing
// references anymore. Satisfied by workspace.Workspace.
type WorkKeeper interface {
	Stage(jobID, name string, content []byte) (string, error)
	CleanupStale(olderThan time.Duration) (int, error)
}

// RunnerStats is a snapshot of the daemon loops for the status surface
type RunnerStats struct {
	StartedAt      time.Time `json:"started_at"`
	LastTickAt     time.Time `json:"last_tick_at,omitempty"`
	Ticks          int64     `json:"ticks"`
	LastDiscovery  time.Time `json:"last_discovery,omitempty"`
	ListingsSeen   int64     `json:"listings_seen"`
	SignalsApplied int64     `json:"signals_applied"`
}

// Runner owns the daemon's periodic loops: discovery feeds the store,
// the inbox poll feeds signals, the tick drives actions, and a slow sweep
// enforces retention. Each loop is independent; one stalling never blocks
// the others.
type Runner struct {
	orch     *Orchestrator
	source   JobSource
	messages MessageSource
	keeper   WorkKeeper

	pollInterval    time.Duration
	tickInterval    time.Duration
	messageInterval time.Duration
	retention       time.Duration
	keepWorkspaces  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.SugaredLogger

	mu    sync.Mutex
	stats RunnerStats
}

// NewRunner wires the daemon loops. source and messages may be nil for
// offline operation, where listings arrive through manual ingestion only;
// keeper may be nil when no workspace root is configured.
func NewRunner(ctx context.Context, orch *Orchestrator, source JobSource, messages MessageSource, keeper WorkKeeper, cfg *config.Config, log *zap.SugaredLogger) *Runner {
	runnerCtx, cancel := context.WithCancel(ctx)

	return &Runner{
		orch:            orch,
		source:          source,
		messages:        messages,
		keeper:          keeper,
		pollInterval:    secondsOr(cfg.Agent.PollIntervalSeconds, 300),
		tickInterval:    secondsOr(cfg.Agent.TickIntervalSeconds, 30),
		messageInterval: secondsOr(cfg.Agent.MessagePollSeconds, 30),
		retention:       time.Duration(cfg.Agent.RetentionDays) * 24 * time.Hour,
		keepWorkspaces:  time.Duration(cfg.Workspace.KeepDays) * 24 * time.Hour,
		ctx:             runnerCtx,
		cancel:          cancel,
		logger:          log,
	}
}

// Start recovers orphaned jobs, then launches the loops
func (r *Runner) Start() {
	r.mu.Lock()
	r.stats.StartedAt = time.Now()
	r.mu.Unlock()

	if _, err := r.orch.RecoverOrphans(r.ctx); err != nil {
		r.logger.Warnw("Orphan recovery failed, continuing startup", "error", err)
	}

	r.wg.Add(4)
	go r.loop("discover", r.pollInterval, r.discoverOnce)
	go r.loop("messages", r.messageInterval, r.messagesOnce)
	go r.loop("tick", r.tickInterval, r.tickOnce)
	go r.loop("retention", retentionSweepInterval, r.retentionOnce)

	r.logger.Infow("Daemon loops started",
		"poll_interval", r.pollInterval,
		"tick_interval", r.tickInterval,
		"message_interval", r.messageInterval)
}

// Stop cancels the loops and waits for in-flight work to settle. An action
// already dispatched completes; only the waiting between jobs is cut short.
func (r *Runner) Stop() {
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	timeout := 30 * time.Second
	select {
	case <-done:
		r.logger.Infow("Daemon loops stopped cleanly")
	case <-time.After(timeout):
		r.logger.Warnw("Daemon loop shutdown timed out, abandoning wait", "timeout", timeout)
	}
}

// Stats returns a snapshot of loop activity
func (r *Runner) Stats() RunnerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// loop runs fn immediately, then on every tick until shutdown. Loop
// bodies return errors for logging only; a failing pass never stops the
// loop.
func (r *Runner) loop(name string, interval time.Duration, fn func(context.Context) error) {
	defer r.wg.Done()

	if err := fn(r.ctx); err != nil && r.ctx.Err() == nil {
		r.logger.Warnw("Loop pass failed", "loop", name, "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if err := fn(r.ctx); err != nil && r.ctx.Err() == nil {
				r.logger.Warnw("Loop pass failed", "loop", name, "error", err)
			}
		}
	}
}

// discoverOnce sweeps the marketplace listings into the store
func (r *Runner) discoverOnce(ctx context.Context) error {
	if r.source == nil {
		return nil
	}

	raws, err := r.source.Discover(ctx)
	if err != nil {
		return errors.Wrap(err, "discovery sweep failed")
	}

	counts := make(map[job.Stage]int)
	for i := range raws {
		if err := ctx.Err(); err != nil {
			return err
		}
		j, err := r.orch.Ingest(ctx, &raws[i])
		if err != nil {
			r.logger.Warnw("Failed to ingest listing", "listing_id", raws[i].ExternalID, "error", err)
			continue
		}
		counts[j.Stage]++
	}

	r.mu.Lock()
	r.stats.LastDiscovery = time.Now()
	r.stats.ListingsSeen += int64(len(raws))
	r.mu.Unlock()

	if len(raws) > 0 {
		r.logger.Infow("Discovery sweep complete",
			"listings", len(raws),
			"matched", counts[job.StageMatched],
			"rejected", counts[job.StageRejected])
	}
	return nil
}

// messagesOnce drains the inbox and applies each message as a signal
func (r *Runner) messagesOnce(ctx context.Context) error {
	if r.messages == nil {
		return nil
	}

	msgs, err := r.messages.Poll(ctx)
	if err != nil {
		return errors.Wrap(err, "inbox poll failed")
	}

	applied := 0
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}

		kind := marketplace.Classify(msg)
		payload, _ := json.Marshal(struct {
			MessageID string `json:"message_id"`
			Client    string `json:"client,omitempty"`
			Subject   string `json:"subject,omitempty"`
		}{msg.ID, msg.ClientName, msg.Subject})

		err := r.orch.RecordInboundSignal(ctx, msg.JobID, kind, payload)
		switch {
		case err == nil:
			applied++
			r.stageAttachments(ctx, msg)
		case errors.IsUnknownJob(err):
			// Message about a job we never tracked; the marketplace
			// shows the whole inbox, not just ours
			r.logger.Debugw("Ignoring message for untracked job",
				"job_id", msg.JobID, "message_id", msg.ID)
		case errors.IsInvalidTransition(err):
			r.logger.Warnw("Signal meaningless at job's stage, dropped",
				"job_id", msg.JobID, "signal", kind, "error", err)
		default:
			r.logger.Errorw("Failed to apply inbound signal",
				"job_id", msg.JobID, "signal", kind, "error", err)
		}
	}

	if applied > 0 {
		r.mu.Lock()
		r.stats.SignalsApplied += int64(applied)
		r.mu.Unlock()
	}
	return nil
}

// stageAttachments pulls a message's files into the job's working
// directory, where rendering and delivery pick them up. Best effort: a
// bad attachment is logged and skipped, the signal already landed.
func (r *Runner) stageAttachments(ctx context.Context, msg marketplace.InboundMessage) {
	if r.keeper == nil || len(msg.Attachments) == 0 {
		return
	}

	for _, att := range msg.Attachments {
		data, err := r.messages.DownloadAttachment(ctx, att)
		if err != nil {
			r.logger.Warnw("Failed to download attachment",
				"job_id", msg.JobID, "attachment", att.Name, "error", err)
			continue
		}

		// Attachment names come from strangers; keep only the base name
		path, err := r.keeper.Stage(msg.JobID, filepath.Base(att.Name), data)
		if err != nil {
			r.logger.Warnw("Failed to stage attachment",
				"job_id", msg.JobID, "attachment", att.Name, "error", err)
			continue
		}
		r.logger.Infow("Staged client attachment",
			"job_id", msg.JobID, "attachment", att.Name, "path", path, "bytes", len(data))
	}
}

// tickOnce runs one orchestration pass and logs what it did
func (r *Runner) tickOnce(ctx context.Context) error {
	outcomes, err := r.orch.Tick(ctx)

	r.mu.Lock()
	r.stats.LastTickAt = time.Now()
	r.stats.Ticks++
	r.mu.Unlock()

	if err != nil {
		return err
	}
	if len(outcomes) == 0 {
		return nil
	}

	counts := make(map[OutcomeStatus]int)
	for _, out := range outcomes {
		counts[out.Status]++
	}
	r.logger.Infow("Pass complete",
		"jobs", len(outcomes),
		"advanced", counts[StatusAdvanced],
		"retrying", counts[StatusRetrying],
		"deferred", counts[StatusDeferred],
		"parked", counts[StatusParked],
		"closed", counts[StatusClosed])
	return nil
}

// retentionOnce archives the event trails of long-terminal jobs and
// sweeps stale workspaces. Job rows stay forever.
func (r *Runner) retentionOnce(ctx context.Context) error {
	if r.retention > 0 {
		archived, err := r.orch.store.ArchiveTerminal(r.retention)
		if err != nil {
			r.logger.Warnw("Retention archive failed", "error", err)
		} else if archived > 0 {
			r.logger.Infow("Archived events of terminal jobs past retention", "events", archived, "horizon", r.retention)
		}
	}

	if r.keeper != nil && r.keepWorkspaces > 0 {
		cleaned, err := r.keeper.CleanupStale(r.keepWorkspaces)
		if err != nil {
			r.logger.Warnw("Workspace cleanup failed", "error", err)
		} else if cleaned > 0 {
			r.logger.Infow("Cleaned stale workspaces", "cleaned", cleaned)
		}
	}
	return nil
}

func secondsOr(value, fallback int) time.Duration {
	if value <= 0 {
		value = fallback
	}
	return time.Duration(value) * time.Second
}
