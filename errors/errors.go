// Package errors provides error handling for RONIN.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// It also defines the sentinel errors the agent steers on: transient
// marketplace failures are retried with backoff, auth failures halt the
// action pass, server throttling forces a cooldown, and terminal failures
// park the job.
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Classify failures from the marketplace
//	if errors.Is(err, errors.ErrRateLimited) {
//	    // back off before the next action
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is           = crdb.Is
	IsAny        = crdb.IsAny
	As           = crdb.As
	Unwrap       = crdb.Unwrap
	UnwrapAll    = crdb.UnwrapAll
	GetAllHints  = crdb.GetAllHints
	GetAllDetails = crdb.GetAllDetails
	FlattenHints = crdb.FlattenHints
)

// Stack trace reporting
var GetReportableStackTrace = crdb.GetReportableStackTrace

// Assertions
var AssertionFailedf = crdb.AssertionFailedf

// Sentinel errors for the job lifecycle. Use these with errors.Is() for
// type-safe checks and errors.Wrap() to add context while preserving the
// classification.
var (
	// ErrUnknownJob indicates a signal or lookup referenced a job id the
	// memory store has never seen
	ErrUnknownJob = New("unknown job")

	// ErrInvalidTransition indicates a stage change that the lifecycle
	// does not permit from the job's current stage
	ErrInvalidTransition = New("invalid stage transition")

	// ErrQuotaExhausted indicates the daily application quota has been
	// spent; applies resume after the next quota reset
	ErrQuotaExhausted = New("daily apply quota exhausted")

	// ErrRateLimited indicates the marketplace explicitly throttled us
	// and a server-mandated cooldown applies
	ErrRateLimited = New("rate limited by server")

	// ErrAuth indicates the marketplace session is expired or rejected;
	// no further actions can succeed until reauthentication
	ErrAuth = New("authentication failed")

	// ErrTransient indicates a retryable failure such as a network error
	// or a 5xx response
	ErrTransient = New("transient marketplace error")

	// ErrTerminal indicates an action failed in a way retries cannot fix,
	// for example applying to a delisted job
	ErrTerminal = New("terminal action failure")
)

// Infrastructure sentinels.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrAlreadyRunning indicates another live agent instance holds the
	// database lock
	ErrAlreadyRunning = New("another instance is already running")
)

// IsRetryable reports whether the failure should be retried with backoff.
// Transient and rate-limit failures are retryable; everything else needs
// intervention or a different path.
func IsRetryable(err error) bool {
	return err != nil && IsAny(err, ErrTransient, ErrRateLimited)
}

// IsAuthError checks if an error is or wraps ErrAuth
func IsAuthError(err error) bool {
	return err != nil && Is(err, ErrAuth)
}

// IsRateLimited checks if an error is or wraps ErrRateLimited
func IsRateLimited(err error) bool {
	return err != nil && Is(err, ErrRateLimited)
}

// IsTerminal checks if an error is or wraps ErrTerminal
func IsTerminal(err error) bool {
	return err != nil && Is(err, ErrTerminal)
}

// IsUnknownJob checks if an error is or wraps ErrUnknownJob
func IsUnknownJob(err error) bool {
	return err != nil && Is(err, ErrUnknownJob)
}

// IsInvalidTransition checks if an error is or wraps ErrInvalidTransition
func IsInvalidTransition(err error) bool {
	return err != nil && Is(err, ErrInvalidTransition)
}

// IsNotFoundError checks if an error is or wraps ErrNotFound
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// NewUnknownJob creates an unknown-job error carrying the offending id
func NewUnknownJob(jobID string) error {
	return Wrapf(ErrUnknownJob, "job %q", jobID)
}

// NewInvalidTransition creates an invalid-transition error naming both stages
func NewInvalidTransition(from, to string) error {
	return Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
}
