// Package orchestrator is the agent's control loop. It decides what each
// tracked job needs next, paces those actions through the controller,
// commits every attempt to the store before the side effect runs, and
// applies inbound client signals against the lifecycle rules. One job's
// trouble never takes down the pass: failures land in the audit trail and
// the loop moves on.
package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/RONIN/action"
	"github.com/teranos/RONIN/config"
	"github.com/teranos/RONIN/errors"
	"github.com/teranos/RONIN/job"
	"github.com/teranos/RONIN/match"
	"github.com/teranos/RONIN/memory"
	"github.com/teranos/RONIN/pace"
)

const (
	// maxActionablePerTick bounds how many jobs one pass will even look at,
	// so a flooded store cannot wedge the loop
	maxActionablePerTick = 200

	// maxAutoClosePerTick bounds the delivered sweep the same way
	maxAutoClosePerTick = 50

	// MaxOrphanedJobsToRecover limits how many orphaned jobs we'll attempt to
	// recover on startup to prevent overwhelming the system after a crash
	MaxOrphanedJobsToRecover = 1000
)

// actionForStage maps a lifecycle stage to the action that moves it forward.
// Stages absent here wait on inbound signals or housekeeping, not on us.
var actionForStage = map[job.Stage]action.Kind{
	job.StageMatched:    action.KindApply,
	job.StageInProgress: action.KindDeliver,
}

// advanceAfter is the stage a successful action lands the job on
var advanceAfter = map[action.Kind]job.Stage{
	action.KindApply:   job.StageApplied,
	action.KindDeliver: job.StageDelivered,
}

// Orchestrator drives tracked jobs through the lifecycle
type Orchestrator struct {
	store    *memory.Store
	pacer    *pace.Controller
	registry *action.Registry
	emitter  *Emitter
	logger   *zap.SugaredLogger

	// cfgMu guards matcher and cfg, swapped whole on config reload
	cfgMu   sync.RWMutex
	matcher *match.Matcher
	cfg     config.AgentConfig

	// locks serializes actions per job id; map entries are *sync.Mutex
	locks sync.Map

	timeNow func() time.Time
}

// New creates an orchestrator with the real clock
func New(store *memory.Store, pacer *pace.Controller, registry *action.Registry, cfg *config.Config, log *zap.SugaredLogger) *Orchestrator {
	return NewWithClock(store, pacer, registry, cfg, log, time.Now)
}

// NewWithClock creates an orchestrator with an injectable clock (for testing)
func NewWithClock(store *memory.Store, pacer *pace.Controller, registry *action.Registry, cfg *config.Config, log *zap.SugaredLogger, timeNow func() time.Time) *Orchestrator {
	return &Orchestrator{
		store:    store,
		pacer:    pacer,
		registry: registry,
		emitter:  NewEmitter(),
		logger:   log,
		matcher:  match.NewMatcher(match.CriteriaFromConfig(cfg.Match)),
		cfg:      cfg.Agent,
		timeNow:  timeNow,
	}
}

// Emitter exposes the stage-event broadcast for live observers
func (o *Orchestrator) Emitter() *Emitter {
	return o.emitter
}

// Store exposes the memory store for read-only surfaces such as the status
// server. Lifecycle writes still belong to the orchestrator.
func (o *Orchestrator) Store() *memory.Store {
	return o.store
}

// Pacer exposes the pace controller for status reporting
func (o *Orchestrator) Pacer() *pace.Controller {
	return o.pacer
}

// ApplyConfig swaps in reloaded settings. Match criteria, pace settings and
// agent quotas take effect at the next pass; jobs already deferred keep
// their existing eligibility times.
func (o *Orchestrator) ApplyConfig(cfg *config.Config) {
	o.cfgMu.Lock()
	o.matcher = match.NewMatcher(match.CriteriaFromConfig(cfg.Match))
	o.cfg = cfg.Agent
	o.cfgMu.Unlock()

	o.pacer.Reconfigure(cfg.Pace)

	o.logger.Infow("Applied reloaded configuration",
		"daily_apply_quota", cfg.Agent.DailyApplyQuota,
		"max_retries", cfg.Agent.MaxRetries,
		"concurrency", cfg.Agent.Concurrency)
}

func (o *Orchestrator) agentConfig() config.AgentConfig {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return o.cfg
}

func (o *Orchestrator) currentMatcher() *match.Matcher {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return o.matcher
}

// jobLock returns the mutex serializing actions on one job
func (o *Orchestrator) jobLock(jobID string) *sync.Mutex {
	mu, _ := o.locks.LoadOrStore(jobID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// newEvent builds an audit event stamped with the orchestrator's clock, so
// quota windows and the trail agree on what "today" means
func (o *Orchestrator) newEvent(jobID string, stage job.Stage, outcome job.Outcome, detail, actor string) *job.StageEvent {
	ev := job.NewStageEvent(jobID, stage, outcome, detail, actor)
	ev.CreatedAt = o.timeNow()
	return ev
}

// Ingest takes one scraped listing into the store and, when it is new, runs
// the matcher over it. Accepted listings advance to matched with their score
// recorded; declined ones park as rejected with the reasons in the audit
// trail. Re-ingesting a known id only refreshes marketplace metadata, the
// lifecycle never moves backward.
func (o *Orchestrator) Ingest(ctx context.Context, raw *job.RawJob) (*job.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := o.timeNow()
	j, created, err := o.store.UpsertFromRaw(raw, now)
	if err != nil {
		return nil, errors.Wrap(err, "failed to ingest listing")
	}

	if !created {
		o.logger.Debugw("Listing refreshed", "job_id", j.ID, "stage", j.Stage)
		return j, nil
	}

	decision := o.currentMatcher().Evaluate(j)
	jobID := j.ID

	if decision.Accepted {
		ev := o.newEvent(jobID, job.StageMatched, job.OutcomeSuccess,
			detailForMatch(decision), job.ActorAgent)
		j, err = o.store.Transition(jobID, func(cur *job.Job) error {
			if err := cur.AdvanceTo(job.StageMatched, now); err != nil {
				return err
			}
			cur.Score = decision.Score
			cur.MatchReasons = decision.Reasons
			return nil
		}, ev)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to mark job %s matched", jobID)
		}
		o.emitter.Emit(ev)

		o.logger.Infow("Job matched",
			"job_id", j.ID,
			"title", j.Title,
			"score", decision.Score,
			"budget", j.Budget)
		return j, nil
	}

	ev := o.newEvent(jobID, job.StageRejected, job.OutcomeSuccess,
		detailForMatch(decision), job.ActorAgent)
	j, err = o.store.Transition(jobID, func(cur *job.Job) error {
		return cur.MarkRejected(decision.Reasons, decision.Score, now)
	}, ev)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to mark job %s rejected", jobID)
	}
	o.emitter.Emit(ev)

	o.logger.Infow("Job rejected by matcher",
		"job_id", j.ID,
		"title", j.Title,
		"score", decision.Score,
		"reasons", decision.Reasons)
	return j, nil
}

// RecordInboundSignal applies one client-side event to a job. Signals that
// make no sense at the job's current stage come back as invalid transition
// errors; the daemon loop logs and drops those, since the marketplace
// replays and misorders its notifications freely.
func (o *Orchestrator) RecordInboundSignal(ctx context.Context, jobID string, kind job.SignalKind, payload json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	mu := o.jobLock(jobID)
	mu.Lock()
	defer mu.Unlock()

	j, err := o.store.GetJob(jobID)
	if err != nil {
		return err
	}

	effect, err := job.EffectOf(kind, j.Stage)
	if err != nil {
		return err
	}

	now := o.timeNow()
	detail := string(kind)
	if len(payload) > 0 {
		detail = detail + ": " + snippet(payload)
	}

	// Informational signal, audit only
	if effect.Target == "" {
		ev := o.newEvent(jobID, j.Stage, job.OutcomeSkip, detail, job.ActorClient)
		if err := o.store.AppendEvent(ev); err != nil {
			return err
		}
		o.emitter.Emit(ev)
		return nil
	}

	ev := o.newEvent(jobID, effect.Target, job.OutcomeSuccess, detail, job.ActorClient)
	updated, err := o.store.Transition(jobID, func(cur *job.Job) error {
		// Re-check against committed state; a racing action may have
		// moved the job since the read above
		eff, effErr := job.EffectOf(kind, cur.Stage)
		if effErr != nil {
			return effErr
		}
		if eff.Target == "" {
			return nil
		}
		if eff.Terminal {
			return cur.MarkFailed(detail, now)
		}
		return cur.AdvanceTo(eff.Target, now)
	}, ev)
	if err != nil {
		return err
	}
	o.emitter.Emit(ev)

	o.logger.Infow("Inbound signal applied",
		"job_id", jobID,
		"signal", kind,
		"stage", effect.Target)

	// An accepted application opens the working relationship; greet the
	// client before any work starts
	if kind == job.SignalClientAccepted && updated.Stage == job.StageInProgress {
		o.sendKickoff(ctx, updated)
	}
	return nil
}

// sendKickoff posts the kickoff message for a job the client just
// accepted. Best effort: a failed or paced-out kickoff lands in the audit
// trail and never blocks the signal that triggered it.
func (o *Orchestrator) sendKickoff(ctx context.Context, j *job.Job) {
	exec := o.registry.Get(action.KindMessage)
	if exec == nil {
		return
	}

	if d := o.pacer.Admit(string(action.KindMessage)); !d.Allowed {
		o.logger.Infow("Kickoff message held by pacer",
			"job_id", j.ID, "retry_after", d.RetryAfter)
		return
	}

	result, err := exec.Execute(context.WithoutCancel(ctx), action.Request{
		JobID: j.ID,
		Kind:  action.KindMessage,
		Stage: j.Stage,
		Job:   j,
	})

	outcome := job.OutcomeSuccess
	detail := result.Detail
	if err != nil || !result.Success {
		o.pacer.RecordFailure(string(action.KindMessage))
		outcome = job.OutcomeFailure
		detail = "kickoff message failed"
		if err != nil {
			detail += ": " + err.Error()
		} else if result.Detail != "" {
			detail += ": " + result.Detail
		}
		o.logger.Warnw("Kickoff message failed", "job_id", j.ID, "error", err)
	} else {
		o.pacer.RecordSuccess(string(action.KindMessage))
		o.logger.Infow("Kickoff message sent", "job_id", j.ID)
	}

	ev := o.newEvent(j.ID, j.Stage, outcome, detail, job.ActorAgent)
	if appendErr := o.store.AppendEvent(ev); appendErr != nil {
		o.logger.Warnw("Failed to record kickoff message", "job_id", j.ID, "error", appendErr)
		return
	}
	o.emitter.Emit(ev)
}

// RecoverOrphans finds jobs a crash left mid-action and makes them eligible
// again. The signature of an orphan is an attempt event with nothing after
// it: the attempt was committed, the side effect ran or half-ran, and the
// process died before the outcome could be written. Executor idempotency on
// (job id, stage) bounds the replay at a single duplicate.
func (o *Orchestrator) RecoverOrphans(ctx context.Context) (int, error) {
	now := o.timeNow()
	recovered := 0

	for stage, kind := range actionForStage {
		jobs, err := o.store.ListByStage(stage, MaxOrphanedJobsToRecover)
		if err != nil {
			return recovered, errors.Wrapf(err, "failed to list %s jobs for orphan recovery", stage)
		}

		for _, j := range jobs {
			if err := ctx.Err(); err != nil {
				return recovered, err
			}
			if j.Eligible(now) {
				continue
			}

			last, err := o.store.LastEvent(j.ID)
			if err != nil {
				o.logger.Warnw("Failed to read trail for orphan recovery", "job_id", j.ID, "error", err)
				continue
			}
			if last == nil || last.Outcome != job.OutcomeRetry || last.Stage != advanceAfter[kind] {
				continue
			}

			_, err = o.store.Transition(j.ID, func(cur *job.Job) error {
				cur.Defer(now, now)
				return nil
			})
			if err != nil {
				o.logger.Warnw("Failed to recover orphaned job", "job_id", j.ID, "error", err)
				continue
			}
			recovered++
			o.logger.Infow("Recovered orphaned job",
				"job_id", j.ID,
				"stage", j.Stage,
				"interrupted_attempt", last.Detail)
		}
	}

	if recovered > 0 {
		o.logger.Infow("Orphan recovery complete", "recovered", recovered)
	}
	return recovered, nil
}

func detailForMatch(d match.Decision) string {
	buf, err := json.Marshal(struct {
		Score   float64  `json:"score"`
		Reasons []string `json:"reasons,omitempty"`
	}{d.Score, d.Reasons})
	if err != nil {
		return ""
	}
	return string(buf)
}

// snippet trims a payload for audit detail fields
func snippet(payload json.RawMessage) string {
	const max = 200
	s := string(payload)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
