package logger

import (
	"context"
)

// Standard field names for consistent structured logging across RONIN.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldJobID    = "job_id"
	FieldClient   = "client"
	FieldActor    = "actor"
	FieldInstance = "instance_id"

	// Lifecycle
	FieldStage   = "stage"
	FieldKind    = "kind"
	FieldOutcome = "outcome"
	FieldSignal  = "signal"
	FieldAttempt = "attempt"

	// Matching
	FieldScore  = "score"
	FieldReason = "reason"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldRetryAfter = "retry_after"

	// Errors
	FieldError = "error"

	// Counts
	FieldCount = "count"
)

// Context keys for propagating logging context
type contextKey string

const jobIDKey contextKey = "logger_job_id"

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// JobIDFromContext extracts the job ID from the context, if present
func JobIDFromContext(ctx context.Context) (string, bool) {
	jobID, ok := ctx.Value(jobIDKey).(string)
	return jobID, ok
}
