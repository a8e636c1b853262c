package orchestrator

import (
	"context"
	"encoding/json"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/RONIN/action"
	"github.com/teranos/RONIN/config"
	"github.com/teranos/RONIN/errors"
	ronintest "github.com/teranos/RONIN/internal/testing"
	"github.com/teranos/RONIN/job"
	"github.com/teranos/RONIN/memory"
	"github.com/teranos/RONIN/pace"
)

// fakeClock lets tests move time without sleeping
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 2, 9, 0, 0, 0, time.Local)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// step is one scripted executor response
type step struct {
	result action.Result
	err    error
}

// scriptedExecutor replays queued responses in order, repeating the last
// one forever. With no steps every call succeeds.
type scriptedExecutor struct {
	kind action.Kind

	mu     sync.Mutex
	calls  int
	perJob map[string]int
	steps  []step
}

func newScriptedExecutor(kind action.Kind, steps ...step) *scriptedExecutor {
	return &scriptedExecutor{kind: kind, steps: steps, perJob: make(map[string]int)}
}

func (s *scriptedExecutor) Kind() action.Kind { return s.kind }

func (s *scriptedExecutor) Execute(ctx context.Context, req action.Request) (action.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.calls
	s.calls++
	s.perJob[req.JobID]++

	if len(s.steps) == 0 {
		return action.Result{Success: true}, nil
	}
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	return s.steps[i].result, s.steps[i].err
}

func (s *scriptedExecutor) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *scriptedExecutor) CallsFor(jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perJob[jobID]
}

// panicExecutor simulates a buggy action implementation
type panicExecutor struct {
	kind action.Kind
}

func (p *panicExecutor) Kind() action.Kind { return p.kind }

func (p *panicExecutor) Execute(ctx context.Context, req action.Request) (action.Result, error) {
	panic("nil deref in proposal rendering")
}

// testConfig accepts every listing above the budget floor and disables the
// inter-action gap, so ticks are deterministic under the fake clock. The
// backoff curve with zeroed jitter lands on 150s, 300s, 600s.
func testConfig() *config.Config {
	return &config.Config{
		Agent: config.AgentConfig{
			Concurrency:      1,
			MaxRetries:       3,
			DailyApplyQuota:  10,
			AutoConfirmHours: 72,
			RetentionDays:    90,
		},
		Pace: config.PaceConfig{
			BackoffBaseSeconds: 300,
			BackoffMaxSeconds:  3600,
		},
		Match: config.MatchConfig{
			MinBudget:     500,
			Threshold:     0,
			KeywordWeight: 0.4,
			BudgetWeight:  0.3,
			ClientWeight:  0.3,
		},
	}
}

func newTestOrchestrator(t *testing.T, cfg *config.Config, clock *fakeClock, execs ...action.Executor) *Orchestrator {
	t.Helper()

	db := ronintest.CreateTestDB(t)
	store := memory.NewStore(db)
	pacer := pace.NewControllerWithClock(cfg.Pace, clock.Now, func() float64 { return 0 })

	registry := action.NewRegistry()
	for _, e := range execs {
		registry.Register(e)
	}

	return NewWithClock(store, pacer, registry, cfg, zap.NewNop().Sugar(), clock.Now)
}

func testRaw(id string) *job.RawJob {
	return &job.RawJob{
		ExternalID:  id,
		Title:       "Translate onboarding guides",
		Description: "EN to JA, two short documents",
		Budget:      9000,
		Category:    "translation",
		ClientName:  "Acme KK",
	}
}

// ingestMatched feeds one listing through Ingest and requires the matcher
// to accept it
func ingestMatched(t *testing.T, o *Orchestrator, id string) *job.Job {
	t.Helper()

	j, err := o.Ingest(context.Background(), testRaw(id))
	if err != nil {
		t.Fatalf("Ingest(%s): %v", id, err)
	}
	if j.Stage != job.StageMatched {
		t.Fatalf("stage after ingest = %s, want matched", j.Stage)
	}
	return j
}

// walkTo advances a job through the given stages directly in the store
func walkTo(t *testing.T, o *Orchestrator, id string, stages ...job.Stage) {
	t.Helper()

	now := o.timeNow()
	for _, st := range stages {
		if _, err := o.store.Transition(id, func(j *job.Job) error {
			return j.AdvanceTo(st, now)
		}); err != nil {
			t.Fatalf("advance %s to %s: %v", id, st, err)
		}
	}
}

func getJob(t *testing.T, o *Orchestrator, id string) *job.Job {
	t.Helper()

	j, err := o.Store().GetJob(id)
	if err != nil {
		t.Fatalf("GetJob(%s): %v", id, err)
	}
	return j
}

func listEvents(t *testing.T, o *Orchestrator, id string) []*job.StageEvent {
	t.Helper()

	events, err := o.Store().ListEvents(id, 50)
	if err != nil {
		t.Fatalf("ListEvents(%s): %v", id, err)
	}
	return events
}

func TestIngest_AcceptedListingMatches(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), newFakeClock())

	j, err := o.Ingest(context.Background(), testRaw("shufti-1"))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if j.Stage != job.StageMatched {
		t.Errorf("stage = %s, want matched", j.Stage)
	}
	if j.Score <= 0 {
		t.Errorf("score = %.2f, want > 0", j.Score)
	}
	if len(j.MatchReasons) == 0 {
		t.Error("expected match reasons on the job")
	}

	events := listEvents(t, o, "shufti-1")
	if len(events) != 2 {
		t.Fatalf("expected ingest + match events, got %d", len(events))
	}
	if events[1].Stage != job.StageMatched || events[1].Outcome != job.OutcomeSuccess {
		t.Errorf("match event = %+v", events[1])
	}
	if !strings.Contains(events[1].Detail, "score") {
		t.Errorf("match event detail = %q, want the score recorded", events[1].Detail)
	}
}

func TestIngest_LowBudgetRejected(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), newFakeClock())

	raw := testRaw("shufti-2")
	raw.Budget = 300

	j, err := o.Ingest(context.Background(), raw)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if j.Stage != job.StageRejected {
		t.Errorf("stage = %s, want rejected", j.Stage)
	}
	if len(j.MatchReasons) == 0 || !strings.Contains(j.MatchReasons[0], "below minimum") {
		t.Errorf("reasons = %v, want a budget filter reason", j.MatchReasons)
	}

	events := listEvents(t, o, "shufti-2")
	if len(events) != 2 || events[1].Stage != job.StageRejected {
		t.Errorf("expected a rejection event, got %+v", events)
	}
}

func TestIngest_ThresholdRejects(t *testing.T) {
	cfg := testConfig()
	cfg.Match.Threshold = 2.0 // no listing scores this high

	o := newTestOrchestrator(t, cfg, newFakeClock())

	j, err := o.Ingest(context.Background(), testRaw("shufti-3"))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if j.Stage != job.StageRejected {
		t.Errorf("stage = %s, want rejected", j.Stage)
	}
	if j.Score <= 0 {
		t.Errorf("score = %.2f, want the composite recorded even on reject", j.Score)
	}
}

func TestIngest_RediscoveryRefreshesWithoutMoving(t *testing.T) {
	clock := newFakeClock()
	o := newTestOrchestrator(t, testConfig(), clock)
	ingestMatched(t, o, "shufti-4")

	clock.Advance(time.Minute)
	raw := testRaw("shufti-4")
	raw.Budget = 15000

	j, err := o.Ingest(context.Background(), raw)
	if err != nil {
		t.Fatalf("re-ingest: %v", err)
	}
	if j.Stage != job.StageMatched {
		t.Errorf("stage = %s, want matched preserved across rediscovery", j.Stage)
	}
	if j.Budget != 15000 {
		t.Errorf("budget = %d, want refreshed to 15000", j.Budget)
	}

	if events := listEvents(t, o, "shufti-4"); len(events) != 2 {
		t.Errorf("expected no new events on rediscovery, got %d", len(events))
	}
}

func TestIngest_InvalidListing(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), newFakeClock())

	raw := testRaw("shufti-5")
	raw.Title = "  "

	if _, err := o.Ingest(context.Background(), raw); err == nil {
		t.Fatal("expected an error for a listing without a title")
	}
}

func TestIngest_StoreFailureSurfacesAsError(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	db := ronintest.CreateTestDB(t)
	store := memory.NewStore(db)
	pacer := pace.NewControllerWithClock(cfg.Pace, clock.Now, func() float64 { return 0 })
	o := NewWithClock(store, pacer, action.NewRegistry(), cfg, zap.NewNop().Sugar(), clock.Now)

	// Block lifecycle updates so the match transition fails after the
	// listing row was inserted
	if _, err := db.Exec(`CREATE TRIGGER block_job_updates BEFORE UPDATE ON jobs
		BEGIN SELECT RAISE(ABORT, 'update blocked'); END`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	_, err := o.Ingest(context.Background(), testRaw("shufti-blocked"))
	if err == nil {
		t.Fatal("expected the store failure to come back as an error")
	}
	if !strings.Contains(err.Error(), "shufti-blocked") {
		t.Errorf("error should name the listing, got: %v", err)
	}
}

func TestSignal_ClientAcceptedStartsWork(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), newFakeClock())
	ingestMatched(t, o, "shufti-10")
	walkTo(t, o, "shufti-10", job.StageApplied, job.StageAwaitingResponse)

	payload := json.RawMessage(`{"message_id":"m-1"}`)
	if err := o.RecordInboundSignal(context.Background(), "shufti-10", job.SignalClientAccepted, payload); err != nil {
		t.Fatalf("RecordInboundSignal: %v", err)
	}

	if j := getJob(t, o, "shufti-10"); j.Stage != job.StageInProgress {
		t.Errorf("stage = %s, want in_progress", j.Stage)
	}

	events := listEvents(t, o, "shufti-10")
	last := events[len(events)-1]
	if last.Stage != job.StageInProgress || last.Actor != job.ActorClient {
		t.Errorf("signal event = %+v, want client actor at in_progress", last)
	}
	if !strings.HasPrefix(last.Detail, "client_accepted: ") {
		t.Errorf("signal detail = %q", last.Detail)
	}
}

func TestSignal_ClientAcceptedSendsKickoffMessage(t *testing.T) {
	clock := newFakeClock()
	exec := newScriptedExecutor(action.KindMessage,
		step{result: action.Result{Success: true, Detail: "sent kickoff message"}})
	o := newTestOrchestrator(t, testConfig(), clock, exec)
	ingestMatched(t, o, "shufti-12")
	walkTo(t, o, "shufti-12", job.StageApplied, job.StageAwaitingResponse)

	if err := o.RecordInboundSignal(context.Background(), "shufti-12", job.SignalClientAccepted, nil); err != nil {
		t.Fatalf("RecordInboundSignal: %v", err)
	}
	if exec.Calls() != 1 {
		t.Fatalf("message executor calls = %d, want 1", exec.Calls())
	}

	// The greeting lands in the trail right after the acceptance
	events := listEvents(t, o, "shufti-12")
	last := events[len(events)-1]
	if last.Stage != job.StageInProgress || last.Outcome != job.OutcomeSuccess || last.Actor != job.ActorAgent {
		t.Errorf("kickoff event = %+v", last)
	}
	if !strings.Contains(last.Detail, "kickoff") {
		t.Errorf("kickoff detail = %q", last.Detail)
	}
}

func TestSignal_KickoffFailureDoesNotBlockAcceptance(t *testing.T) {
	clock := newFakeClock()
	exec := newScriptedExecutor(action.KindMessage,
		step{err: errors.Wrap(errors.ErrTransient, "HTTP 502")})
	o := newTestOrchestrator(t, testConfig(), clock, exec)
	ingestMatched(t, o, "shufti-13")
	walkTo(t, o, "shufti-13", job.StageApplied, job.StageAwaitingResponse)

	if err := o.RecordInboundSignal(context.Background(), "shufti-13", job.SignalClientAccepted, nil); err != nil {
		t.Fatalf("RecordInboundSignal: %v", err)
	}
	if j := getJob(t, o, "shufti-13"); j.Stage != job.StageInProgress {
		t.Errorf("stage = %s, want in_progress despite the failed greeting", j.Stage)
	}

	events := listEvents(t, o, "shufti-13")
	last := events[len(events)-1]
	if last.Outcome != job.OutcomeFailure || !strings.Contains(last.Detail, "kickoff message failed") {
		t.Errorf("failure event = %+v", last)
	}
}

func TestSignal_RevisionLoopThenConfirm(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), newFakeClock())
	ingestMatched(t, o, "shufti-11")
	walkTo(t, o, "shufti-11",
		job.StageApplied, job.StageAwaitingResponse, job.StageInProgress, job.StageDelivered)
	ctx := context.Background()

	if err := o.RecordInboundSignal(ctx, "shufti-11", job.SignalRevisionRequested, nil); err != nil {
		t.Fatalf("revision signal: %v", err)
	}
	j := getJob(t, o, "shufti-11")
	if j.Stage != job.StageInProgress {
		t.Errorf("stage after revision = %s, want in_progress", j.Stage)
	}
	if j.DeliveredAt == nil {
		t.Error("delivered_at should survive the revision loop")
	}

	walkTo(t, o, "shufti-11", job.StageDelivered)
	if err := o.RecordInboundSignal(ctx, "shufti-11", job.SignalDeliveryConfirmed, nil); err != nil {
		t.Fatalf("confirm signal: %v", err)
	}
	if j := getJob(t, o, "shufti-11"); j.Stage != job.StageClosed {
		t.Errorf("stage after confirm = %s, want closed", j.Stage)
	}
}

func TestSignal_CancellationParks(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), newFakeClock())
	ingestMatched(t, o, "shufti-12")
	walkTo(t, o, "shufti-12", job.StageApplied, job.StageAwaitingResponse, job.StageInProgress)

	if err := o.RecordInboundSignal(context.Background(), "shufti-12", job.SignalJobCancelled, nil); err != nil {
		t.Fatalf("cancel signal: %v", err)
	}

	j := getJob(t, o, "shufti-12")
	if j.Stage != job.StageFailed {
		t.Errorf("stage = %s, want failed", j.Stage)
	}
	if !strings.Contains(j.LastError, "job_cancelled") {
		t.Errorf("last error = %q, want the cancellation recorded", j.LastError)
	}
}

func TestSignal_MessageIsAuditOnly(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), newFakeClock())
	ingestMatched(t, o, "shufti-13")

	if err := o.RecordInboundSignal(context.Background(), "shufti-13", job.SignalMessageReceived, nil); err != nil {
		t.Fatalf("message signal: %v", err)
	}

	if j := getJob(t, o, "shufti-13"); j.Stage != job.StageMatched {
		t.Errorf("stage = %s, want matched unchanged", j.Stage)
	}

	events := listEvents(t, o, "shufti-13")
	last := events[len(events)-1]
	if last.Outcome != job.OutcomeSkip || last.Stage != job.StageMatched || last.Actor != job.ActorClient {
		t.Errorf("message event = %+v, want a client skip at the current stage", last)
	}
}

func TestSignal_WrongStageDropped(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), newFakeClock())
	ingestMatched(t, o, "shufti-14")

	err := o.RecordInboundSignal(context.Background(), "shufti-14", job.SignalClientAccepted, nil)
	if !errors.IsInvalidTransition(err) {
		t.Fatalf("error = %v, want invalid transition", err)
	}

	if j := getJob(t, o, "shufti-14"); j.Stage != job.StageMatched {
		t.Errorf("stage = %s, want matched unchanged", j.Stage)
	}
	if events := listEvents(t, o, "shufti-14"); len(events) != 2 {
		t.Errorf("expected no event for a dropped signal, got %d", len(events))
	}
}

func TestSignal_UnknownJob(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), newFakeClock())

	err := o.RecordInboundSignal(context.Background(), "shufti-ghost", job.SignalMessageReceived, nil)
	if !errors.IsUnknownJob(err) {
		t.Fatalf("error = %v, want unknown job", err)
	}
}

// TestSignal_LifecycleNeverMovesBackward hammers a pool of jobs with random
// signals and checks that every stage change the signals produce is a legal
// forward move, and that terminal jobs never move at all.
func TestSignal_LifecycleNeverMovesBackward(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), newFakeClock())
	ctx := context.Background()

	ids := []string{"shufti-20", "shufti-21", "shufti-22", "shufti-23", "shufti-24"}
	for i, id := range ids {
		ingestMatched(t, o, id)
		switch i {
		case 1:
			walkTo(t, o, id, job.StageApplied)
		case 2:
			walkTo(t, o, id, job.StageApplied, job.StageAwaitingResponse)
		case 3:
			walkTo(t, o, id, job.StageApplied, job.StageAwaitingResponse, job.StageInProgress)
		case 4:
			walkTo(t, o, id,
				job.StageApplied, job.StageAwaitingResponse, job.StageInProgress, job.StageDelivered)
		}
	}

	signals := []job.SignalKind{
		job.SignalClientAccepted,
		job.SignalMessageReceived,
		job.SignalRevisionRequested,
		job.SignalDeliveryConfirmed,
		job.SignalJobCancelled,
	}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		id := ids[rng.Intn(len(ids))]
		kind := signals[rng.Intn(len(signals))]

		before := getJob(t, o, id)
		err := o.RecordInboundSignal(ctx, id, kind, nil)
		if err != nil && !errors.IsInvalidTransition(err) {
			t.Fatalf("signal %s on %s at %s: %v", kind, id, before.Stage, err)
		}
		after := getJob(t, o, id)

		if after.Stage == before.Stage {
			continue
		}
		if before.Stage.IsTerminal() {
			t.Fatalf("signal %s moved terminal job %s from %s to %s", kind, id, before.Stage, after.Stage)
		}
		if !job.CanTransition(before.Stage, after.Stage) {
			t.Fatalf("signal %s made illegal move %s -> %s on %s", kind, before.Stage, after.Stage, id)
		}
	}
}

func TestApplyConfig_SwapsMatchCriteria(t *testing.T) {
	cfg := testConfig()
	cfg.Match.Threshold = 2.0

	o := newTestOrchestrator(t, cfg, newFakeClock())

	j, err := o.Ingest(context.Background(), testRaw("shufti-25"))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if j.Stage != job.StageRejected {
		t.Fatalf("stage = %s, want rejected under the strict threshold", j.Stage)
	}

	o.ApplyConfig(testConfig())

	j, err = o.Ingest(context.Background(), testRaw("shufti-26"))
	if err != nil {
		t.Fatalf("Ingest after reload: %v", err)
	}
	if j.Stage != job.StageMatched {
		t.Errorf("stage = %s, want matched under the reloaded criteria", j.Stage)
	}
}

func TestApplyConfig_ReconfiguresPacer(t *testing.T) {
	cfg := testConfig()
	clock := newFakeClock()
	pacer := pace.NewControllerWithClock(cfg.Pace, clock.Now, func() float64 { return 0 })
	o := NewWithClock(memory.NewStore(ronintest.CreateTestDB(t)), pacer, action.NewRegistry(), cfg, zap.NewNop().Sugar(), clock.Now)

	if got := pacer.RetryDelay(1); got != 150*time.Second {
		t.Fatalf("RetryDelay(1) = %s before reload, want 150s", got)
	}

	reloaded := testConfig()
	reloaded.Pace.BackoffBaseSeconds = 600
	o.ApplyConfig(reloaded)

	// ApplyConfig is the single reload path; callers must not have to
	// reconfigure the pacer separately.
	if got := pacer.RetryDelay(1); got != 300*time.Second {
		t.Errorf("RetryDelay(1) = %s after reload, want 300s", got)
	}
}

func TestEmitter_DeliversStageEvents(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), newFakeClock())

	ch := o.Emitter().Subscribe()
	defer o.Emitter().Unsubscribe(ch)

	ingestMatched(t, o, "shufti-30")

	select {
	case ev := <-ch:
		if ev.JobID != "shufti-30" || ev.Stage != job.StageMatched {
			t.Errorf("event = %+v, want the match event", ev)
		}
	default:
		t.Fatal("expected the match event on the subscription")
	}
}

func TestEmitter_UnsubscribeStopsDelivery(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), newFakeClock())

	ch := o.Emitter().Subscribe()
	o.Emitter().Unsubscribe(ch)

	ingestMatched(t, o, "shufti-31")

	if len(ch) != 0 {
		t.Errorf("expected nothing after unsubscribe, found %d events", len(ch))
	}
}

func TestEmitter_SlowSubscriberNeverBlocks(t *testing.T) {
	em := NewEmitter()
	ch := em.Subscribe()

	ev := job.NewStageEvent("shufti-32", job.StageMatched, job.OutcomeSuccess, "", job.ActorAgent)
	for i := 0; i < SubscriberChannelBufferSize+10; i++ {
		em.Emit(ev) // must not block once the buffer fills
	}

	if len(ch) != SubscriberChannelBufferSize {
		t.Errorf("buffered = %d, want %d", len(ch), SubscriberChannelBufferSize)
	}
}
