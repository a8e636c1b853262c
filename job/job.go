// Package job defines the marketplace job lifecycle: the stages a job moves
// through from discovery to close, the transitions the agent may take, and
// the audit events recorded along the way.
package job

import (
	"time"

	"github.com/teranos/RONIN/errors"
)

// Stage represents where a job sits in its lifecycle
type Stage string

const (
	StageDiscovered       Stage = "discovered"        // Listed on the marketplace, not yet evaluated
	StageMatched          Stage = "matched"           // Accepted by the matcher, apply pending
	StageApplied          Stage = "applied"           // Application submitted
	StageAwaitingResponse Stage = "awaiting_response" // Waiting on the client to accept
	StageInProgress       Stage = "in_progress"       // Client accepted, work underway
	StageDelivered        Stage = "delivered"         // Deliverable submitted, awaiting confirmation
	StageClosed           Stage = "closed"            // Confirmed or auto-confirmed, done
	StageRejected         Stage = "rejected"          // Declined by the matcher
	StageFailed           Stage = "failed"            // Abandoned after errors or cancellation
)

// IsValidStage returns true if the stage string is a valid Stage
func IsValidStage(s string) bool {
	switch Stage(s) {
	case StageDiscovered, StageMatched, StageApplied, StageAwaitingResponse,
		StageInProgress, StageDelivered, StageClosed, StageRejected, StageFailed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for stages no transition leaves
func (s Stage) IsTerminal() bool {
	switch s {
	case StageClosed, StageRejected, StageFailed:
		return true
	default:
		return false
	}
}

// validNext holds the forward transitions of the lifecycle. The single
// sanctioned loop is delivered -> in_progress for client revision requests.
// Every non-terminal stage may additionally move to failed.
var validNext = map[Stage][]Stage{
	StageDiscovered:       {StageMatched, StageRejected},
	StageMatched:          {StageApplied},
	StageApplied:          {StageAwaitingResponse},
	StageAwaitingResponse: {StageInProgress},
	StageInProgress:       {StageDelivered},
	StageDelivered:        {StageClosed, StageInProgress},
}

// CanTransition reports whether from -> to is a permitted lifecycle move
func CanTransition(from, to Stage) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StageFailed {
		return true
	}
	for _, next := range validNext[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is one marketplace listing tracked by the agent. The marketplace's
// own listing id is the primary key, so rediscovery never duplicates a job.
type Job struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	Budget        int        `json:"budget"` // JPY
	Category      string     `json:"category,omitempty"`
	DurationHours int        `json:"duration_hours,omitempty"`
	ClientName    string     `json:"client_name,omitempty"`
	URL           string     `json:"url,omitempty"`
	PostedAt      *time.Time `json:"posted_at,omitempty"`

	Stage        Stage    `json:"stage"`
	Score        float64  `json:"score,omitempty"`
	MatchReasons []string `json:"match_reasons,omitempty"`

	// AttemptCount tracks consecutive failures of the current stage's
	// action. It resets to zero whenever the job advances.
	AttemptCount int    `json:"attempt_count,omitempty"`
	LastError    string `json:"last_error,omitempty"`

	LastActionAt   *time.Time `json:"last_action_at,omitempty"`
	NextEligibleAt *time.Time `json:"next_eligible_at,omitempty"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`

	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Eligible reports whether the job's cooldown has expired at now
func (j *Job) Eligible(now time.Time) bool {
	return j.NextEligibleAt == nil || !j.NextEligibleAt.After(now)
}

// AdvanceTo moves the job forward through the lifecycle. A successful
// advance clears the failure streak: attempt counting is per stage, not
// per job.
func (j *Job) AdvanceTo(to Stage, now time.Time) error {
	if !CanTransition(j.Stage, to) {
		return errors.NewInvalidTransition(string(j.Stage), string(to))
	}

	j.Stage = to
	j.AttemptCount = 0
	j.LastError = ""
	j.LastActionAt = &now
	j.NextEligibleAt = nil
	j.UpdatedAt = now

	if to == StageDelivered {
		j.DeliveredAt = &now
	}
	return nil
}

// RecordFailure notes a failed action attempt and defers the job until
// retryAt. The stage does not change; the caller decides separately when
// the streak has grown long enough to park the job.
func (j *Job) RecordFailure(err error, retryAt time.Time, now time.Time) {
	j.AttemptCount++
	if err != nil {
		j.LastError = err.Error()
	}
	j.LastActionAt = &now
	j.NextEligibleAt = &retryAt
	j.UpdatedAt = now
}

// MarkFailed parks the job permanently. Valid from any non-terminal stage.
func (j *Job) MarkFailed(reason string, now time.Time) error {
	if j.Stage.IsTerminal() {
		return errors.NewInvalidTransition(string(j.Stage), string(StageFailed))
	}
	j.Stage = StageFailed
	j.LastError = reason
	j.NextEligibleAt = nil
	j.UpdatedAt = now
	return nil
}

// MarkRejected records a matcher decline. Only discovered jobs can be
// rejected; later stages mean we already committed to the job.
func (j *Job) MarkRejected(reasons []string, score float64, now time.Time) error {
	if j.Stage != StageDiscovered {
		return errors.NewInvalidTransition(string(j.Stage), string(StageRejected))
	}
	j.Stage = StageRejected
	j.Score = score
	j.MatchReasons = reasons
	j.NextEligibleAt = nil
	j.UpdatedAt = now
	return nil
}

// Defer pushes the job's next eligibility without recording a failure.
// Used when the daily apply quota is spent or the pacer says wait.
func (j *Job) Defer(until time.Time, now time.Time) {
	j.NextEligibleAt = &until
	j.UpdatedAt = now
}
