package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/teranos/RONIN/action"
	"github.com/teranos/RONIN/config"
	"github.com/teranos/RONIN/errors"
	"github.com/teranos/RONIN/job"
)

// ActionOutcome is what one pass did about one job
type ActionOutcome struct {
	JobID  string        `json:"job_id"`
	Kind   action.Kind   `json:"kind,omitempty"`
	Status OutcomeStatus `json:"status"`
	Stage  job.Stage     `json:"stage,omitempty"` // stage after processing
	Detail string        `json:"detail,omitempty"`
	Err    error         `json:"-"`
}

// OutcomeStatus classifies an ActionOutcome
type OutcomeStatus string

const (
	StatusAdvanced OutcomeStatus = "advanced" // action succeeded, stage moved forward
	StatusRetrying OutcomeStatus = "retrying" // action failed, parked in backoff
	StatusDeferred OutcomeStatus = "deferred" // no attempt made, eligibility pushed out
	StatusParked   OutcomeStatus = "parked"   // job moved to failed
	StatusClosed   OutcomeStatus = "closed"   // delivery auto-confirmed
	StatusSkipped  OutcomeStatus = "skipped"  // job moved under us, nothing to do
)

// Tick runs one orchestration pass: every job whose cooldown has expired and
// whose stage has a next action gets that action attempted, bounded by the
// concurrency ceiling and the pace controller. Delivered jobs past the
// auto-confirm window close out at the end of the pass. Context cancellation
// is honored between jobs only; an action already dispatched always runs to
// completion so the marketplace never sees a half-finished attempt.
func (o *Orchestrator) Tick(ctx context.Context) ([]ActionOutcome, error) {
	cfg := o.agentConfig()
	now := o.timeNow()

	stages := make([]job.Stage, 0, len(actionForStage))
	for st := range actionForStage {
		stages = append(stages, st)
	}

	jobs, err := o.store.ListActionable(stages, now, maxActionablePerTick)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list actionable jobs")
	}

	quotaLeft, quotaReset, err := o.applyQuota(now, cfg)
	if err != nil {
		return nil, err
	}

	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		outcomes []ActionOutcome
		authHalt bool
	)
	sem := make(chan struct{}, concurrency)

	for _, j := range jobs {
		if ctx.Err() != nil {
			break
		}

		kind := actionForStage[j.Stage]

		// Acquire the slot first: with the default concurrency of 1 this
		// orders the halt check after the previous job's outcome landed
		sem <- struct{}{}

		mu.Lock()
		if authHalt {
			mu.Unlock()
			<-sem
			break
		}
		if kind == action.KindApply {
			if quotaLeft <= 0 {
				mu.Unlock()
				<-sem
				out := o.deferForQuota(j, quotaReset)
				mu.Lock()
				outcomes = append(outcomes, out)
				mu.Unlock()
				continue
			}
			// Reserve a slot; refunded below if the apply does not succeed
			quotaLeft--
		}
		mu.Unlock()

		wg.Add(1)
		go func(j *job.Job, kind action.Kind) {
			defer wg.Done()
			defer func() { <-sem }()

			out := o.processJob(ctx, j, kind, cfg)

			mu.Lock()
			outcomes = append(outcomes, out)
			if kind == action.KindApply && out.Status != StatusAdvanced {
				quotaLeft++
			}
			if errors.IsAuthError(out.Err) {
				authHalt = true
			}
			mu.Unlock()
		}(j, kind)
	}
	wg.Wait()

	if authHalt {
		o.logger.Warnw("Halting pass on authentication failure; remaining actions deferred to next tick")
	}

	closed := o.autoClose(ctx, cfg)
	outcomes = append(outcomes, closed...)

	return outcomes, nil
}

// applyQuota reads the day's successful applications from the audit trail
// and returns how many are left plus when the quota window resets. The
// marketplace day rolls over at local midnight.
func (o *Orchestrator) applyQuota(now time.Time, cfg config.AgentConfig) (int, time.Time, error) {
	reset := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
	if cfg.DailyApplyQuota <= 0 {
		return maxActionablePerTick, reset, nil
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	used, err := o.store.CountEventsSince(job.StageApplied, job.OutcomeSuccess, midnight)
	if err != nil {
		return 0, reset, errors.Wrap(err, "failed to count today's applications")
	}
	return cfg.DailyApplyQuota - used, reset, nil
}

// deferForQuota parks a matched job until the quota window resets
func (o *Orchestrator) deferForQuota(j *job.Job, reset time.Time) ActionOutcome {
	mu := o.jobLock(j.ID)
	mu.Lock()
	defer mu.Unlock()

	now := o.timeNow()
	ev := o.newEvent(j.ID, j.Stage, job.OutcomeSkip, "daily apply quota exhausted", job.ActorAgent)
	_, err := o.store.Transition(j.ID, func(cur *job.Job) error {
		cur.Defer(reset, now)
		return nil
	}, ev)
	if err != nil {
		o.logger.Warnw("Failed to defer job for quota", "job_id", j.ID, "error", err)
		return ActionOutcome{JobID: j.ID, Kind: action.KindApply, Status: StatusSkipped, Err: err}
	}
	o.emitter.Emit(ev)

	o.logger.Infow("Apply quota exhausted, job deferred",
		"job_id", j.ID,
		"resumes_at", reset.Format(time.RFC3339))
	return ActionOutcome{
		JobID:  j.ID,
		Kind:   action.KindApply,
		Status: StatusDeferred,
		Stage:  j.Stage,
		Detail: "daily apply quota exhausted",
	}
}

// processJob runs one action against one job. The per-job lock serializes
// against inbound signals and other passes; everything re-reads committed
// state after acquiring it.
func (o *Orchestrator) processJob(ctx context.Context, listed *job.Job, kind action.Kind, cfg config.AgentConfig) (out ActionOutcome) {
	out = ActionOutcome{JobID: listed.ID, Kind: kind, Stage: listed.Stage}

	mu := o.jobLock(listed.ID)
	mu.Lock()
	defer mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			out = o.recoverPanic(listed.ID, kind, r)
		}
	}()

	cur, err := o.store.GetJob(listed.ID)
	if err != nil {
		out.Status = StatusSkipped
		out.Err = err
		return out
	}

	now := o.timeNow()
	if actionForStage[cur.Stage] != kind || !cur.Eligible(now) {
		// An inbound signal or a concurrent pass got here first
		out.Status = StatusSkipped
		out.Stage = cur.Stage
		out.Detail = "job changed before action"
		return out
	}

	if d := o.pacer.Admit(string(kind)); !d.Allowed {
		_, err := o.store.Transition(cur.ID, func(c *job.Job) error {
			c.Defer(now.Add(d.RetryAfter), now)
			return nil
		})
		if err != nil {
			out.Err = err
		}
		out.Status = StatusDeferred
		out.Stage = cur.Stage
		out.Detail = fmt.Sprintf("pacer hold %s", d.RetryAfter.Round(time.Millisecond))
		return out
	}

	target := advanceAfter[kind]
	attempt := cur.AttemptCount + 1

	// Commit the attempt before the side effect. A crash from here on
	// leaves a retry event as the job's last word, which startup recovery
	// turns back into an eligible job.
	attemptEv := o.newEvent(cur.ID, target, job.OutcomeRetry,
		fmt.Sprintf("attempt %d", attempt), job.ActorAgent)
	provisional := o.pacer.RetryDelay(attempt)
	cur, err = o.store.Transition(cur.ID, func(c *job.Job) error {
		c.Defer(now.Add(provisional), now)
		return nil
	}, attemptEv)
	if err != nil {
		out.Status = StatusSkipped
		out.Err = errors.Wrapf(err, "failed to commit attempt for job %s", listed.ID)
		return out
	}
	o.emitter.Emit(attemptEv)

	exec := o.registry.Get(kind)
	if exec == nil {
		// Wiring hole, not the job's fault; leave it in backoff
		out.Status = StatusDeferred
		out.Err = errors.Newf("no executor registered for %s", kind)
		o.logger.Errorw("No executor registered", "kind", kind, "job_id", cur.ID)
		return out
	}

	o.logger.Infow("Running action",
		"job_id", cur.ID,
		"kind", kind,
		"stage", cur.Stage,
		"attempt", attempt)

	// The action itself never aborts mid-flight on shutdown; cancellation
	// is only honored between jobs
	result, execErr := exec.Execute(context.WithoutCancel(ctx), action.Request{
		JobID: cur.ID,
		Kind:  kind,
		Stage: cur.Stage,
		Job:   cur,
	})

	return o.settle(cur, kind, target, attempt, cfg, result, execErr)
}

// settle records an executor's verdict: advance, backoff, park or defer
func (o *Orchestrator) settle(cur *job.Job, kind action.Kind, target job.Stage, attempt int, cfg config.AgentConfig, result action.Result, execErr error) ActionOutcome {
	out := ActionOutcome{JobID: cur.ID, Kind: kind}
	now := o.timeNow()

	switch {
	case execErr == nil && result.Success:
		events := []*job.StageEvent{
			o.newEvent(cur.ID, target, job.OutcomeSuccess, result.Detail, job.ActorAgent),
		}
		final := target
		if target == job.StageApplied {
			// Nothing for the agent to do until the client responds
			final = job.StageAwaitingResponse
			events = append(events, o.newEvent(cur.ID, final, job.OutcomeSuccess,
				"awaiting client response", job.ActorAgent))
		}

		updated, err := o.store.Transition(cur.ID, func(c *job.Job) error {
			if err := c.AdvanceTo(target, now); err != nil {
				return err
			}
			if final != target {
				return c.AdvanceTo(final, now)
			}
			return nil
		}, events...)
		if err != nil {
			out.Status = StatusSkipped
			out.Err = errors.Wrapf(err, "action succeeded but advance failed for job %s", cur.ID)
			return out
		}
		o.emitter.Emit(events...)
		o.pacer.RecordSuccess(string(kind))

		o.logger.Infow("Action succeeded",
			"job_id", cur.ID,
			"kind", kind,
			"stage", updated.Stage,
			"detail", result.Detail)
		out.Status = StatusAdvanced
		out.Stage = updated.Stage
		out.Detail = result.Detail
		return out

	case errors.IsAuthError(execErr):
		// Not the job's fault; short hold, the session layer relogs in
		ev := o.newEvent(cur.ID, target, job.OutcomeFailure, execErr.Error(), job.ActorAgent)
		_, err := o.store.Transition(cur.ID, func(c *job.Job) error {
			c.Defer(now.Add(o.pacer.RetryDelay(1)), now)
			c.LastError = execErr.Error()
			return nil
		}, ev)
		if err != nil {
			o.logger.Errorw("Failed to record auth failure", "job_id", cur.ID, "error", err)
		}
		o.emitter.Emit(ev)

		o.logger.Warnw("Authentication failed during action", "job_id", cur.ID, "kind", kind, "error", execErr)
		out.Status = StatusDeferred
		out.Stage = cur.Stage
		out.Detail = "authentication failed"
		out.Err = execErr
		return out

	case execErr == nil && result.Deferred:
		// The work is not finished yet; waiting costs nothing from the
		// job's retry budget
		hold := result.RetryAfter
		if hold <= 0 {
			hold = o.pacer.RetryDelay(1)
		}
		detail := result.Detail
		if detail == "" {
			detail = "not ready, holding"
		}
		ev := o.newEvent(cur.ID, target, job.OutcomeSkip, detail, job.ActorAgent)
		_, err := o.store.Transition(cur.ID, func(c *job.Job) error {
			c.Defer(now.Add(hold), now)
			return nil
		}, ev)
		if err != nil {
			o.logger.Errorw("Failed to record deferral", "job_id", cur.ID, "error", err)
		}
		o.emitter.Emit(ev)

		o.logger.Infow("Action deferred, work not ready",
			"job_id", cur.ID,
			"kind", kind,
			"hold", hold.Round(time.Second))
		out.Status = StatusDeferred
		out.Stage = cur.Stage
		out.Detail = detail
		return out

	case errors.IsRateLimited(execErr) || (execErr == nil && !result.Success && result.RetryAfter > 0):
		retryAfter := result.RetryAfter
		o.pacer.ForceBackoff(string(kind), retryAfter)
		if retryAfter <= 0 {
			retryAfter = o.pacer.RetryDelay(1)
		}

		// Server throttling does not consume the job's own retry budget
		detail := fmt.Sprintf("rate limited, holding %s", retryAfter.Round(time.Second))
		ev := o.newEvent(cur.ID, target, job.OutcomeFailure, detail, job.ActorAgent)
		_, err := o.store.Transition(cur.ID, func(c *job.Job) error {
			c.Defer(now.Add(retryAfter), now)
			if execErr != nil {
				c.LastError = execErr.Error()
			}
			return nil
		}, ev)
		if err != nil {
			o.logger.Errorw("Failed to record throttle", "job_id", cur.ID, "error", err)
		}
		o.emitter.Emit(ev)

		o.logger.Warnw("Server throttled action",
			"job_id", cur.ID,
			"kind", kind,
			"retry_after", retryAfter)
		out.Status = StatusDeferred
		out.Stage = cur.Stage
		out.Detail = detail
		out.Err = execErr
		return out

	case errors.IsTerminal(execErr) || (execErr == nil && result.Terminal):
		reason := result.Detail
		if execErr != nil {
			reason = execErr.Error()
		}
		events := []*job.StageEvent{
			o.newEvent(cur.ID, target, job.OutcomeFailure, reason, job.ActorAgent),
			o.newEvent(cur.ID, job.StageFailed, job.OutcomeFailure,
				"unrecoverable: "+reason, job.ActorAgent),
		}
		updated, err := o.store.Transition(cur.ID, func(c *job.Job) error {
			return c.MarkFailed(reason, now)
		}, events...)
		if err != nil {
			out.Status = StatusSkipped
			out.Err = errors.Wrapf(err, "failed to park job %s", cur.ID)
			return out
		}
		o.emitter.Emit(events...)

		o.logger.Warnw("Action failed terminally, job parked",
			"job_id", cur.ID,
			"kind", kind,
			"reason", reason)
		out.Status = StatusParked
		out.Stage = updated.Stage
		out.Detail = reason
		out.Err = execErr
		return out

	default:
		// Retryable failure. attempt already counts this try.
		reason := "action did not succeed"
		if execErr != nil {
			reason = execErr.Error()
		} else if result.Detail != "" {
			reason = result.Detail
		}
		failErr := execErr
		if failErr == nil {
			failErr = errors.New(reason)
		}

		o.pacer.RecordFailure(string(kind))

		if attempt >= cfg.MaxRetries {
			events := []*job.StageEvent{
				o.newEvent(cur.ID, target, job.OutcomeFailure, reason, job.ActorAgent),
				o.newEvent(cur.ID, job.StageFailed, job.OutcomeFailure,
					fmt.Sprintf("retries exhausted after %d attempts: %s", attempt, reason), job.ActorAgent),
			}
			updated, err := o.store.Transition(cur.ID, func(c *job.Job) error {
				c.AttemptCount = attempt
				return c.MarkFailed(reason, now)
			}, events...)
			if err != nil {
				out.Status = StatusSkipped
				out.Err = errors.Wrapf(err, "failed to park job %s", cur.ID)
				return out
			}
			o.emitter.Emit(events...)

			o.logger.Warnw("Retries exhausted, job parked",
				"job_id", cur.ID,
				"kind", kind,
				"attempts", attempt,
				"error", reason)
			out.Status = StatusParked
			out.Stage = updated.Stage
			out.Detail = reason
			out.Err = execErr
			return out
		}

		backoff := o.pacer.RetryDelay(attempt)
		ev := o.newEvent(cur.ID, target, job.OutcomeFailure, reason, job.ActorAgent)
		updated, err := o.store.Transition(cur.ID, func(c *job.Job) error {
			c.RecordFailure(failErr, now.Add(backoff), now)
			return nil
		}, ev)
		if err != nil {
			out.Status = StatusSkipped
			out.Err = errors.Wrapf(err, "failed to record failure for job %s", cur.ID)
			return out
		}
		o.emitter.Emit(ev)

		o.logger.Warnw("Action failed, will retry",
			"job_id", cur.ID,
			"kind", kind,
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"backoff", backoff.Round(time.Second),
			"error", reason)
		out.Status = StatusRetrying
		out.Stage = updated.Stage
		out.Detail = reason
		out.Err = execErr
		return out
	}
}

// recoverPanic parks a job whose action panicked. A panicking action is a
// bug, and letting the job hot-loop through it would hide that.
func (o *Orchestrator) recoverPanic(jobID string, kind action.Kind, r interface{}) ActionOutcome {
	reason := fmt.Sprintf("panic in %s action: %v", kind, r)
	o.logger.Errorw("Recovered panic in job action", "job_id", jobID, "kind", kind, "panic", r)

	now := o.timeNow()
	ev := o.newEvent(jobID, job.StageFailed, job.OutcomeFailure, reason, job.ActorSystem)
	_, err := o.store.Transition(jobID, func(c *job.Job) error {
		return c.MarkFailed(reason, now)
	}, ev)
	if err != nil {
		o.logger.Errorw("Failed to park panicked job", "job_id", jobID, "error", err)
		return ActionOutcome{JobID: jobID, Kind: kind, Status: StatusSkipped, Detail: reason, Err: errors.New(reason)}
	}
	o.emitter.Emit(ev)

	return ActionOutcome{
		JobID:  jobID,
		Kind:   kind,
		Status: StatusParked,
		Stage:  job.StageFailed,
		Detail: reason,
		Err:    errors.New(reason),
	}
}

// autoClose confirms deliveries the client never responded to. Silence past
// the window counts as acceptance; the close is recorded as the system's
// call, not the client's.
func (o *Orchestrator) autoClose(ctx context.Context, cfg config.AgentConfig) []ActionOutcome {
	if cfg.AutoConfirmHours <= 0 {
		return nil
	}

	now := o.timeNow()
	window := time.Duration(cfg.AutoConfirmHours) * time.Hour
	cutoff := now.Add(-window)

	jobs, err := o.store.ListDeliveredBefore(cutoff, maxAutoClosePerTick)
	if err != nil {
		o.logger.Warnw("Auto-close sweep failed", "error", err)
		return nil
	}

	var outcomes []ActionOutcome
	for _, j := range jobs {
		if ctx.Err() != nil {
			break
		}

		mu := o.jobLock(j.ID)
		mu.Lock()

		detail := fmt.Sprintf("auto-confirmed after %s without client response", window)
		ev := o.newEvent(j.ID, job.StageClosed, job.OutcomeSuccess, detail, job.ActorSystem)
		updated, err := o.store.Transition(j.ID, func(c *job.Job) error {
			if c.Stage != job.StageDelivered {
				return errors.NewInvalidTransition(string(c.Stage), string(job.StageClosed))
			}
			return c.AdvanceTo(job.StageClosed, now)
		}, ev)
		mu.Unlock()

		if err != nil {
			// A revision request or confirmation raced the sweep
			if errors.IsInvalidTransition(err) {
				continue
			}
			o.logger.Warnw("Failed to auto-close delivery", "job_id", j.ID, "error", err)
			continue
		}
		o.emitter.Emit(ev)

		o.logger.Infow("Delivery auto-confirmed",
			"job_id", j.ID,
			"delivered_at", j.DeliveredAt,
			"window", window)
		outcomes = append(outcomes, ActionOutcome{
			JobID:  j.ID,
			Status: StatusClosed,
			Stage:  updated.Stage,
			Detail: detail,
		})
	}
	return outcomes
}
