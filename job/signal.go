package job

import (
	"github.com/teranos/RONIN/errors"
)

// SignalKind is an inbound event from the marketplace or client side,
// as opposed to actions the agent initiates itself.
type SignalKind string

const (
	SignalClientAccepted    SignalKind = "client_accepted"    // Client accepted the application
	SignalMessageReceived   SignalKind = "message_received"   // Client sent a message, no stage change
	SignalRevisionRequested SignalKind = "revision_requested" // Client wants changes to a delivery
	SignalDeliveryConfirmed SignalKind = "delivery_confirmed" // Client confirmed the delivery
	SignalJobCancelled      SignalKind = "job_cancelled"      // Listing withdrawn or contract cancelled
)

// IsValidSignal returns true if the string names a known signal kind
func IsValidSignal(s string) bool {
	switch SignalKind(s) {
	case SignalClientAccepted, SignalMessageReceived, SignalRevisionRequested,
		SignalDeliveryConfirmed, SignalJobCancelled:
		return true
	default:
		return false
	}
}

// SignalEffect is what applying a signal to a job should do
type SignalEffect struct {
	// Target is the stage the job moves to. Empty when the signal is
	// informational only.
	Target Stage
	// Terminal marks the move as a failure-style park rather than an
	// ordinary advance.
	Terminal bool
}

// EffectOf resolves a signal against the job's current stage. A signal
// that is meaningless at the current stage returns an invalid transition
// error; the caller records it and moves on rather than crashing, since
// inbound signals arrive on the marketplace's schedule, not ours.
func EffectOf(kind SignalKind, current Stage) (SignalEffect, error) {
	switch kind {
	case SignalMessageReceived:
		return SignalEffect{}, nil

	case SignalClientAccepted:
		if current == StageAwaitingResponse {
			return SignalEffect{Target: StageInProgress}, nil
		}

	case SignalRevisionRequested:
		if current == StageDelivered {
			return SignalEffect{Target: StageInProgress}, nil
		}

	case SignalDeliveryConfirmed:
		if current == StageDelivered {
			return SignalEffect{Target: StageClosed}, nil
		}

	case SignalJobCancelled:
		if current.IsTerminal() {
			break
		}
		return SignalEffect{Target: StageFailed, Terminal: true}, nil

	default:
		return SignalEffect{}, errors.Newf("unknown signal kind %q", kind)
	}

	return SignalEffect{}, errors.Wrapf(errors.ErrInvalidTransition,
		"signal %s at stage %s", kind, current)
}
