package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/RONIN/action"
	"github.com/teranos/RONIN/errors"
	"github.com/teranos/RONIN/job"
	"github.com/teranos/RONIN/marketplace"
)

// fakeSource serves one batch of listings, then empty sweeps
type fakeSource struct {
	mu    sync.Mutex
	raws  []job.RawJob
	calls int
}

func (f *fakeSource) Discover(ctx context.Context) ([]job.RawJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.calls > 1 {
		return nil, nil
	}
	return f.raws, nil
}

// fakeInbox serves one batch of messages, then an empty inbox
type fakeInbox struct {
	mu    sync.Mutex
	msgs  []marketplace.InboundMessage
	files map[string][]byte // attachment URL -> content
	calls int
}

func (f *fakeInbox) Poll(ctx context.Context) ([]marketplace.InboundMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.calls > 1 {
		return nil, nil
	}
	return f.msgs, nil
}

func (f *fakeInbox) DownloadAttachment(ctx context.Context, att marketplace.Attachment) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.files[att.URL]
	if !ok {
		return nil, errors.Newf("no such attachment %q", att.URL)
	}
	return data, nil
}

// fakeKeeper records staged artifacts in memory
type fakeKeeper struct {
	mu     sync.Mutex
	staged map[string][]byte // "jobID/name" -> content
}

func (f *fakeKeeper) Stage(jobID, name string, content []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.staged == nil {
		f.staged = make(map[string][]byte)
	}
	key := jobID + "/" + name
	f.staged[key] = content
	return key, nil
}

func (f *fakeKeeper) CleanupStale(olderThan time.Duration) (int, error) {
	return 0, nil
}

func TestRunner_LoopsDriveTheLifecycle(t *testing.T) {
	clock := newFakeClock()
	exec := newScriptedExecutor(action.KindApply)
	cfg := testConfig()
	// Long intervals so only the immediate first pass of each loop runs
	cfg.Agent.PollIntervalSeconds = 3600
	cfg.Agent.TickIntervalSeconds = 3600
	cfg.Agent.MessagePollSeconds = 3600

	o := newTestOrchestrator(t, cfg, clock, exec)

	// The message's job must already exist when the inbox loop fires
	ingestMatched(t, o, "shufti-80")

	source := &fakeSource{raws: []job.RawJob{*testRaw("shufti-81"), *testRaw("shufti-82")}}
	inbox := &fakeInbox{msgs: []marketplace.InboundMessage{{
		ID:      "msg-1",
		JobID:   "shufti-80",
		Subject: "quick question about timing",
		Body:    "just checking in",
	}}}

	r := NewRunner(context.Background(), o, source, inbox, nil, cfg, zap.NewNop().Sugar())
	r.Start()

	deadline := time.Now().Add(5 * time.Second)
	for {
		stats := r.Stats()
		if stats.Ticks >= 1 && stats.ListingsSeen >= 2 && stats.SignalsApplied >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("loops never settled: %+v", stats)
		}
		time.Sleep(10 * time.Millisecond)
	}
	r.Stop()

	// Discovery fed the store and the matcher ran
	j := getJob(t, o, "shufti-81")
	if j.Stage != job.StageMatched && j.Stage != job.StageAwaitingResponse {
		t.Errorf("discovered job stage = %s, want matched or already applied", j.Stage)
	}

	// The plain client message landed as an audit-only signal
	var sawMessage bool
	for _, ev := range listEvents(t, o, "shufti-80") {
		if ev.Actor == job.ActorClient && ev.Outcome == job.OutcomeSkip {
			sawMessage = true
		}
	}
	if !sawMessage {
		t.Error("inbox message never reached the audit trail")
	}

	stats := r.Stats()
	if stats.StartedAt.IsZero() {
		t.Error("started_at not stamped")
	}
	if stats.Ticks < 1 {
		t.Errorf("ticks = %d, want at least one pass", stats.Ticks)
	}
}

func TestRunner_StagesMessageAttachments(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.Agent.PollIntervalSeconds = 3600
	cfg.Agent.TickIntervalSeconds = 3600
	cfg.Agent.MessagePollSeconds = 3600

	o := newTestOrchestrator(t, cfg, clock)
	ingestMatched(t, o, "shufti-83")

	inbox := &fakeInbox{
		msgs: []marketplace.InboundMessage{{
			ID:    "msg-2",
			JobID: "shufti-83",
			Body:  "sending over the reference files",
			Attachments: []marketplace.Attachment{
				{Name: "glossary.csv", URL: "https://files.example/glossary.csv"},
				{Name: "../escape.sh", URL: "https://files.example/escape.sh"},
				{Name: "missing.zip", URL: "https://files.example/gone"},
			},
		}},
		files: map[string][]byte{
			"https://files.example/glossary.csv": []byte("term,translation"),
			"https://files.example/escape.sh":    []byte("#!/bin/sh"),
		},
	}
	keeper := &fakeKeeper{}

	r := NewRunner(context.Background(), o, nil, inbox, keeper, cfg, zap.NewNop().Sugar())
	r.Start()

	deadline := time.Now().Add(5 * time.Second)
	for r.Stats().SignalsApplied < 1 {
		if time.Now().After(deadline) {
			t.Fatal("message loop never applied the signal")
		}
		time.Sleep(10 * time.Millisecond)
	}
	r.Stop()

	keeper.mu.Lock()
	defer keeper.mu.Unlock()
	if got := string(keeper.staged["shufti-83/glossary.csv"]); got != "term,translation" {
		t.Errorf("staged glossary = %q", got)
	}
	// Pathy names are reduced to their base before staging
	if _, ok := keeper.staged["shufti-83/escape.sh"]; !ok {
		t.Errorf("staged files = %v, want the pathy name flattened", keys(keeper.staged))
	}
	// A failed download skips only that file
	if len(keeper.staged) != 2 {
		t.Errorf("staged %d files, want 2", len(keeper.staged))
	}
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestRunner_OfflineSourcesAreOptional(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.Agent.PollIntervalSeconds = 3600
	cfg.Agent.TickIntervalSeconds = 3600
	cfg.Agent.MessagePollSeconds = 3600

	o := newTestOrchestrator(t, cfg, clock)

	r := NewRunner(context.Background(), o, nil, nil, nil, cfg, zap.NewNop().Sugar())
	r.Start()

	deadline := time.Now().Add(5 * time.Second)
	for r.Stats().Ticks < 1 {
		if time.Now().After(deadline) {
			t.Fatal("tick loop never ran")
		}
		time.Sleep(10 * time.Millisecond)
	}
	r.Stop()

	if got := r.Stats().ListingsSeen; got != 0 {
		t.Errorf("listings seen = %d, want none offline", got)
	}
}
