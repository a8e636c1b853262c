package pace

import (
	"sync"
	"testing"
	"time"

	"github.com/teranos/RONIN/config"
)

// mockClock allows controlling time in tests
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock(now time.Time) *mockClock {
	return &mockClock{now: now}
}

func (m *mockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func fixedRand(v float64) func() float64 {
	return func() float64 { return v }
}

func testPaceConfig() config.PaceConfig {
	return config.PaceConfig{
		MinActionDelaySeconds: 2,
		MaxActionDelaySeconds: 8,
		BackoffBaseSeconds:    300,
		BackoffMaxSeconds:     3600,
	}
}

// Test Case 1: Fresh controller
// Given: A controller with no history
// When: The first action asks for admission
// Then: It should be allowed immediately
func TestController_FirstActionAllowed(t *testing.T) {
	clock := newMockClock(time.Now())
	c := NewControllerWithClock(testPaceConfig(), clock.Now, fixedRand(0.5))

	d := c.Admit("apply")
	if !d.Allowed {
		t.Fatalf("first admission denied, retry after %v", d.RetryAfter)
	}
}

// Test Case 2: Inter-action gap
// Given: Delays of 2-8s and a fixed random of 0.5 (5s gap)
// When: Two actions of one kind ask back to back
// Then: The second is denied for 5s while other kinds keep their own
// timing, then allowed once the gap passes
func TestController_InterActionGap(t *testing.T) {
	clock := newMockClock(time.Now())
	c := NewControllerWithClock(testPaceConfig(), clock.Now, fixedRand(0.5))

	if d := c.Admit("apply"); !d.Allowed {
		t.Fatal("first admission should be allowed")
	}

	d := c.Admit("apply")
	if d.Allowed {
		t.Fatal("second apply inside the gap should be denied")
	}
	if d.RetryAfter != 5*time.Second {
		t.Errorf("retry after = %v, want 5s", d.RetryAfter)
	}

	// A different kind does not wait on apply's gap
	if d := c.Admit("message"); !d.Allowed {
		t.Errorf("message admission should have its own gate, retry after %v", d.RetryAfter)
	}

	clock.Advance(5 * time.Second)
	if d := c.Admit("apply"); !d.Allowed {
		t.Errorf("admission after the gap should be allowed, retry after %v", d.RetryAfter)
	}
}

// Test Case 3: Gap bounds
// Given: Delays of 2-8s
// When: The random source returns its extremes
// Then: The gap stays within [min, max)
func TestController_GapBounds(t *testing.T) {
	clock := newMockClock(time.Now())

	c := NewControllerWithClock(testPaceConfig(), clock.Now, fixedRand(0))
	c.Admit("apply")
	if d := c.Admit("apply"); d.RetryAfter != 2*time.Second {
		t.Errorf("gap at rand 0: %v, want 2s", d.RetryAfter)
	}

	c = NewControllerWithClock(testPaceConfig(), clock.Now, fixedRand(0.99))
	c.Admit("apply")
	d := c.Admit("apply")
	if d.RetryAfter < 2*time.Second || d.RetryAfter >= 8*time.Second {
		t.Errorf("gap at rand 0.99: %v, want within [2s, 8s)", d.RetryAfter)
	}
}

// Test Case 4: Failure backoff escalation
// Given: Backoff base 300s with ceiling 3600s
// When: Actions fail consecutively
// Then: The gate doubles per failure: 300s, 600s, 1200s
func TestController_BackoffEscalates(t *testing.T) {
	clock := newMockClock(time.Now())
	c := NewControllerWithClock(testPaceConfig(), clock.Now, fixedRand(1.0))

	expected := []time.Duration{300 * time.Second, 600 * time.Second, 1200 * time.Second}
	for i, want := range expected {
		c.RecordFailure("apply")
		d := c.Admit("apply")
		if d.Allowed {
			t.Fatalf("admission after failure %d should be denied", i+1)
		}
		if d.RetryAfter != want {
			t.Errorf("failure %d: retry after = %v, want %v", i+1, d.RetryAfter, want)
		}
		clock.Advance(want)
	}
}

// Test Case 5: Backoff ceiling
// Given: Backoff base 300s with ceiling 3600s
// When: The streak grows far beyond the ceiling's crossover
// Then: The delay never exceeds the ceiling
func TestController_BackoffCeiling(t *testing.T) {
	clock := newMockClock(time.Now())
	c := NewControllerWithClock(testPaceConfig(), clock.Now, fixedRand(1.0))

	if got := c.RetryDelay(10); got != 3600*time.Second {
		t.Errorf("RetryDelay(10) = %v, want ceiling 3600s", got)
	}
	if got := c.RetryDelay(1); got != 300*time.Second {
		t.Errorf("RetryDelay(1) = %v, want base 300s", got)
	}
}

// Test Case 6: Jitter bounds
// Given: A real-ish random source range
// When: Computing a retry delay
// Then: The delay lands in [wait/2, wait)
func TestController_RetryDelayJitter(t *testing.T) {
	clock := newMockClock(time.Now())

	low := NewControllerWithClock(testPaceConfig(), clock.Now, fixedRand(0))
	if got := low.RetryDelay(2); got != 300*time.Second {
		t.Errorf("RetryDelay(2) at rand 0 = %v, want 300s (half of 600s)", got)
	}

	high := NewControllerWithClock(testPaceConfig(), clock.Now, fixedRand(0.99))
	got := high.RetryDelay(2)
	if got < 300*time.Second || got >= 600*time.Second {
		t.Errorf("RetryDelay(2) at rand 0.99 = %v, want within [300s, 600s)", got)
	}
}

// Test Case 7: Success resets the streak
// Given: A controller with an escalated failure streak
// When: An action succeeds
// Then: The streak clears and the next failure starts at the base again
func TestController_SuccessResetsStreak(t *testing.T) {
	clock := newMockClock(time.Now())
	c := NewControllerWithClock(testPaceConfig(), clock.Now, fixedRand(1.0))

	c.RecordFailure("apply")
	c.RecordFailure("apply")
	if st := c.Stats(); st.FailureStreak != 2 {
		t.Fatalf("streak = %d, want 2", st.FailureStreak)
	}

	c.RecordSuccess("apply")
	if st := c.Stats(); st.FailureStreak != 0 {
		t.Errorf("streak after success = %d, want 0", st.FailureStreak)
	}

	clock.Advance(time.Hour) // clear the earlier failure gates
	c.RecordFailure("apply")
	d := c.Admit("apply")
	if d.RetryAfter != 300*time.Second {
		t.Errorf("retry after post-reset failure = %v, want base 300s", d.RetryAfter)
	}
}

// Test Case 8: Server-mandated backoff
// Given: The server said to retry after 90s
// When: Actions ask for admission inside and after that window
// Then: Denied inside, allowed after, and success does not shorten it
func TestController_ForceBackoff(t *testing.T) {
	clock := newMockClock(time.Now())
	c := NewControllerWithClock(testPaceConfig(), clock.Now, fixedRand(0))

	c.ForceBackoff("apply", 90*time.Second)

	d := c.Admit("apply")
	if d.Allowed {
		t.Fatal("admission inside forced window should be denied")
	}
	if d.RetryAfter != 90*time.Second {
		t.Errorf("retry after = %v, want 90s", d.RetryAfter)
	}

	// Only the throttled kind waits
	if d := c.Admit("deliver"); !d.Allowed {
		t.Errorf("deliver should not share apply's forced window, retry after %v", d.RetryAfter)
	}

	// A success racing the throttle must not reopen the window
	c.RecordSuccess("apply")
	if d := c.Admit("apply"); d.Allowed {
		t.Fatal("forced window survives a success")
	}

	clock.Advance(90 * time.Second)
	if d := c.Admit("apply"); !d.Allowed {
		t.Errorf("admission after forced window should be allowed, retry after %v", d.RetryAfter)
	}
}

// Test Case 9: Forced backoff without a server hint
// Given: The server throttled us without a retry-after
// When: Forcing backoff
// Then: The streak's own exponential delay decides the window
func TestController_ForceBackoffDefault(t *testing.T) {
	clock := newMockClock(time.Now())
	c := NewControllerWithClock(testPaceConfig(), clock.Now, fixedRand(1.0))

	c.ForceBackoff("apply", 0)

	d := c.Admit("apply")
	if d.Allowed {
		t.Fatal("admission should be denied")
	}
	if d.RetryAfter != 300*time.Second {
		t.Errorf("retry after = %v, want base 300s", d.RetryAfter)
	}
}

// Test Case 10: Request rate cap
// Given: 2 requests per minute and no inter-action delay
// When: Two actions ask inside one refill interval
// Then: The second waits for the token bucket
func TestController_RequestRateCap(t *testing.T) {
	clock := newMockClock(time.Now())
	cfg := config.PaceConfig{RequestsPerMinute: 2}
	c := NewControllerWithClock(cfg, clock.Now, fixedRand(0))

	if d := c.Admit("apply"); !d.Allowed {
		t.Fatal("first admission should be allowed")
	}

	clock.Advance(time.Second)
	d := c.Admit("apply")
	if d.Allowed {
		t.Fatal("second admission inside refill interval should be denied")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > 30*time.Second {
		t.Errorf("retry after = %v, want within one 30s refill", d.RetryAfter)
	}

	clock.Advance(30 * time.Second)
	if d := c.Admit("apply"); !d.Allowed {
		t.Errorf("admission after refill should be allowed, retry after %v", d.RetryAfter)
	}
}

// Test Case 11: Per-kind counters
// Given: A mix of admissions and denials across kinds
// When: Reading stats
// Then: Counters and gates are tracked per kind, with the worst gate
// surfaced at the top level
func TestController_StatsPerKind(t *testing.T) {
	clock := newMockClock(time.Now())
	c := NewControllerWithClock(testPaceConfig(), clock.Now, fixedRand(0.5))

	c.Admit("apply")   // allowed
	c.Admit("apply")   // denied inside apply's gap
	c.Admit("message") // allowed on its own gate

	st := c.Stats()
	if st.Kinds["apply"].Admitted != 1 || st.Kinds["apply"].Denied != 1 {
		t.Errorf("apply stats = %+v", st.Kinds["apply"])
	}
	if st.Kinds["message"].Admitted != 1 || st.Kinds["message"].Denied != 0 {
		t.Errorf("message stats = %+v", st.Kinds["message"])
	}
	if st.Kinds["apply"].WaitRemaining != 5*time.Second {
		t.Errorf("apply wait = %v, want 5s", st.Kinds["apply"].WaitRemaining)
	}
	if st.WaitRemaining != 5*time.Second {
		t.Errorf("wait remaining = %v, want 5s", st.WaitRemaining)
	}
}

// Test Case 12: Failure isolation across kinds
// Given: Deliveries failing repeatedly
// When: An apply asks for admission
// Then: It is unaffected by the deliver streak
func TestController_FailuresGateOnlyTheirKind(t *testing.T) {
	clock := newMockClock(time.Now())
	c := NewControllerWithClock(testPaceConfig(), clock.Now, fixedRand(1.0))

	c.RecordFailure("deliver")
	c.RecordFailure("deliver")

	if d := c.Admit("deliver"); d.Allowed {
		t.Fatal("deliver should be gated by its own streak")
	}
	if d := c.Admit("apply"); !d.Allowed {
		t.Errorf("apply should not pay for deliver failures, retry after %v", d.RetryAfter)
	}

	st := c.Stats()
	if st.Kinds["deliver"].FailureStreak != 2 || st.Kinds["apply"].FailureStreak != 0 {
		t.Errorf("streaks = %+v", st.Kinds)
	}
	if st.FailureStreak != 2 {
		t.Errorf("worst streak = %d, want 2", st.FailureStreak)
	}
}
