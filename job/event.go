package job

import (
	"time"

	"github.com/google/uuid"
)

// Outcome classifies what a stage event records
type Outcome string

const (
	OutcomeSuccess Outcome = "success" // Action completed, job advanced
	OutcomeFailure Outcome = "failure" // Action failed, attempt recorded
	OutcomeRetry   Outcome = "retry"   // Attempt about to run (written before the side effect)
	OutcomeSkip    Outcome = "skip"    // Job deferred without an attempt, e.g. quota spent
)

// Actors recorded on stage events
const (
	ActorAgent  = "agent"  // The agent acted on its own
	ActorClient = "client" // An inbound client signal drove the change
	ActorSystem = "system" // Housekeeping such as auto-confirm or retention
)

// StageEvent is one append-only audit record. Events are never updated or
// deleted inside the retention window, so the trail replays the full
// history of how a job got where it is.
type StageEvent struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	Stage     Stage     `json:"stage"`
	Outcome   Outcome   `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
	Actor     string    `json:"actor"`
	CreatedAt time.Time `json:"created_at"`
}

// NewStageEvent creates an audit record for a job at a stage. Empty actor
// defaults to the agent itself.
func NewStageEvent(jobID string, stage Stage, outcome Outcome, detail, actor string) *StageEvent {
	if actor == "" {
		actor = ActorAgent
	}
	return &StageEvent{
		ID:        uuid.New().String(),
		JobID:     jobID,
		Stage:     stage,
		Outcome:   outcome,
		Detail:    detail,
		Actor:     actor,
		CreatedAt: time.Now(),
	}
}
