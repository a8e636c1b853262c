package job

import (
	"testing"

	"github.com/teranos/RONIN/errors"
)

func TestEffectOf(t *testing.T) {
	tests := []struct {
		name       string
		kind       SignalKind
		stage      Stage
		wantTarget Stage
		wantErr    bool
	}{
		{"accept while awaiting", SignalClientAccepted, StageAwaitingResponse, StageInProgress, false},
		{"accept too early", SignalClientAccepted, StageApplied, "", true},
		{"accept after close", SignalClientAccepted, StageClosed, "", true},
		{"revision after delivery", SignalRevisionRequested, StageDelivered, StageInProgress, false},
		{"revision before delivery", SignalRevisionRequested, StageInProgress, "", true},
		{"confirm after delivery", SignalDeliveryConfirmed, StageDelivered, StageClosed, false},
		{"confirm before delivery", SignalDeliveryConfirmed, StageAwaitingResponse, "", true},
		{"cancel while matched", SignalJobCancelled, StageMatched, StageFailed, false},
		{"cancel while in progress", SignalJobCancelled, StageInProgress, StageFailed, false},
		{"cancel after close", SignalJobCancelled, StageClosed, "", true},
		{"message is informational", SignalMessageReceived, StageAwaitingResponse, "", false},
		{"message at any stage", SignalMessageReceived, StageClosed, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			effect, err := EffectOf(tt.kind, tt.stage)
			if (err != nil) != tt.wantErr {
				t.Fatalf("EffectOf(%s, %s) error = %v, wantErr %v", tt.kind, tt.stage, err, tt.wantErr)
			}
			if err != nil {
				if !errors.IsInvalidTransition(err) {
					t.Errorf("error should classify as invalid transition, got %v", err)
				}
				return
			}
			if effect.Target != tt.wantTarget {
				t.Errorf("target = %q, want %q", effect.Target, tt.wantTarget)
			}
		})
	}
}

func TestEffectOf_CancelIsTerminal(t *testing.T) {
	effect, err := EffectOf(SignalJobCancelled, StageAwaitingResponse)
	if err != nil {
		t.Fatalf("EffectOf: %v", err)
	}
	if !effect.Terminal {
		t.Error("cancellation should be marked terminal")
	}

	effect, err = EffectOf(SignalClientAccepted, StageAwaitingResponse)
	if err != nil {
		t.Fatalf("EffectOf: %v", err)
	}
	if effect.Terminal {
		t.Error("acceptance must not be marked terminal")
	}
}

func TestIsValidSignal(t *testing.T) {
	for _, s := range []SignalKind{
		SignalClientAccepted, SignalMessageReceived, SignalRevisionRequested,
		SignalDeliveryConfirmed, SignalJobCancelled,
	} {
		if !IsValidSignal(string(s)) {
			t.Errorf("IsValidSignal(%s) = false, want true", s)
		}
	}
	if IsValidSignal("job_deleted") {
		t.Error("IsValidSignal(job_deleted) = true, want false")
	}
	if IsValidSignal("") {
		t.Error("IsValidSignal(empty) = true, want false")
	}
}
