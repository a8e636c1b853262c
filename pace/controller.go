// Package pace spreads the agent's marketplace actions out over time.
// Each action kind carries its own gate: a randomized gap separates
// consecutive actions of that kind, and exponential backoff with jitter
// slows a kind down when its actions keep failing or the server tells us
// to go away. A shared token bucket caps raw request rate across kinds.
package pace

import (
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/teranos/RONIN/config"
)

// Decision is the controller's answer to an admission request
type Decision struct {
	Allowed    bool          `json:"allowed"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// KindStats is the admission state of one action kind
type KindStats struct {
	Admitted      int           `json:"admitted"`
	Denied        int           `json:"denied"`
	FailureStreak int           `json:"failure_streak"`
	WaitRemaining time.Duration `json:"wait_remaining,omitempty"`
}

// Stats is a snapshot of the controller's current state. FailureStreak
// and WaitRemaining report the worst kind, so dashboards can show one
// number.
type Stats struct {
	FailureStreak int                  `json:"failure_streak"`
	WaitRemaining time.Duration        `json:"wait_remaining"`
	Kinds         map[string]KindStats `json:"kinds"`
}

// kindGate holds the mutable admission state of one action kind
type kindGate struct {
	admitted      int
	denied        int
	failureStreak int
	nextAllowedAt time.Time
	forcedUntil   time.Time
}

// Controller gates outbound marketplace actions per kind
type Controller struct {
	minDelay    time.Duration
	maxDelay    time.Duration
	backoffBase time.Duration
	backoffMax  time.Duration
	requests    *rate.Limiter // nil when requests_per_minute is 0

	mu        sync.Mutex
	timeNow   func() time.Time // Injectable for testing
	randFloat func() float64   // Injectable for testing
	gates     map[string]*kindGate
}

// NewController creates a pace controller with real time and randomness
func NewController(cfg config.PaceConfig) *Controller {
	return NewControllerWithClock(cfg, time.Now, rand.Float64)
}

// NewControllerWithClock creates a pace controller with injectable clock
// and randomness (for testing)
func NewControllerWithClock(cfg config.PaceConfig, timeNow func() time.Time, randFloat func() float64) *Controller {
	var requests *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		requests = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1)
	}

	return &Controller{
		minDelay:    time.Duration(cfg.MinActionDelaySeconds) * time.Second,
		maxDelay:    time.Duration(cfg.MaxActionDelaySeconds) * time.Second,
		backoffBase: time.Duration(cfg.BackoffBaseSeconds) * time.Second,
		backoffMax:  time.Duration(cfg.BackoffMaxSeconds) * time.Second,
		requests:    requests,
		timeNow:     timeNow,
		randFloat:   randFloat,
		gates:       make(map[string]*kindGate),
	}
}

// Reconfigure swaps the controller's settings in place. Gate state, the
// failure streaks and per-kind counters survive, so a config reload never
// resets an active backoff window.
func (c *Controller) Reconfigure(cfg config.PaceConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.minDelay = time.Duration(cfg.MinActionDelaySeconds) * time.Second
	c.maxDelay = time.Duration(cfg.MaxActionDelaySeconds) * time.Second
	c.backoffBase = time.Duration(cfg.BackoffBaseSeconds) * time.Second
	c.backoffMax = time.Duration(cfg.BackoffMaxSeconds) * time.Second

	if cfg.RequestsPerMinute > 0 {
		c.requests = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1)
	} else {
		c.requests = nil
	}
}

// Admit asks whether an action of the given kind may run now. When it
// may, the controller immediately reserves the randomized gap to that
// kind's next action, so concurrent admits can never fire back to back.
// Other kinds keep their own timing. When it may not, RetryAfter says
// how long until admission could succeed.
func (c *Controller) Admit(kind string) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.timeNow()
	g := c.gate(kind)

	if wait := gateWait(g, now); wait > 0 {
		g.denied++
		return Decision{Allowed: false, RetryAfter: wait}
	}

	if c.requests != nil {
		res := c.requests.ReserveN(now, 1)
		if delay := res.DelayFrom(now); delay > 0 {
			res.CancelAt(now)
			g.denied++
			return Decision{Allowed: false, RetryAfter: delay}
		}
	}

	g.nextAllowedAt = now.Add(c.actionGap())
	g.admitted++
	return Decision{Allowed: true}
}

// RecordSuccess clears the kind's failure streak. A forced server
// backoff window is not cleared: one success racing a throttle does not
// reopen the gate.
func (c *Controller) RecordSuccess(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gate(kind).failureStreak = 0
}

// RecordFailure escalates the kind's failure streak and pushes its gate
// out by the streak's backoff. Other kinds are untouched.
func (c *Controller) RecordFailure(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.timeNow()
	g := c.gate(kind)
	g.failureStreak++

	until := now.Add(c.retryDelayLocked(g.failureStreak))
	if until.After(g.nextAllowedAt) {
		g.nextAllowedAt = until
	}
}

// ForceBackoff honors a server-mandated pause for one action kind. With
// no explicit retry-after the kind's streak decides the window.
func (c *Controller) ForceBackoff(kind string, retryAfter time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.timeNow()
	g := c.gate(kind)
	g.failureStreak++

	if retryAfter <= 0 {
		retryAfter = c.retryDelayLocked(g.failureStreak)
	}
	until := now.Add(retryAfter)
	if until.After(g.forcedUntil) {
		g.forcedUntil = until
	}
}

// RetryDelay returns how long to park a job after its nth consecutive
// failure. Exponential with a ceiling, jittered so retries never herd.
func (c *Controller) RetryDelay(attempt int) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.retryDelayLocked(attempt)
}

// Stats returns a snapshot of every kind's counters and gates
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.timeNow()
	st := Stats{Kinds: make(map[string]KindStats, len(c.gates))}
	for k, g := range c.gates {
		ks := KindStats{
			Admitted:      g.admitted,
			Denied:        g.denied,
			FailureStreak: g.failureStreak,
			WaitRemaining: gateWait(g, now),
		}
		st.Kinds[k] = ks
		if ks.FailureStreak > st.FailureStreak {
			st.FailureStreak = ks.FailureStreak
		}
		if ks.WaitRemaining > st.WaitRemaining {
			st.WaitRemaining = ks.WaitRemaining
		}
	}
	return st
}

// gate returns the mutable state for a kind. Must be called with lock
// held.
func (c *Controller) gate(kind string) *kindGate {
	g, ok := c.gates[kind]
	if !ok {
		g = &kindGate{}
		c.gates[kind] = g
	}
	return g
}

// gateWait returns how long until both the kind's inter-action gate and
// any forced window have passed
func gateWait(g *kindGate, now time.Time) time.Duration {
	until := g.nextAllowedAt
	if g.forcedUntil.After(until) {
		until = g.forcedUntil
	}
	if until.After(now) {
		return until.Sub(now)
	}
	return 0
}

// actionGap picks a random delay in [minDelay, maxDelay). Must be called
// with lock held.
func (c *Controller) actionGap() time.Duration {
	if c.maxDelay <= c.minDelay {
		return c.minDelay
	}
	spread := c.maxDelay - c.minDelay
	return c.minDelay + time.Duration(c.randFloat()*float64(spread))
}

// retryDelayLocked doubles the base per attempt up to the ceiling, then
// keeps half fixed and jitters the other half. Must be called with lock
// held.
func (c *Controller) retryDelayLocked(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	wait := c.backoffBase
	for i := 1; i < attempt && wait < c.backoffMax; i++ {
		wait *= 2
	}
	if wait > c.backoffMax {
		wait = c.backoffMax
	}

	half := wait / 2
	return half + time.Duration(c.randFloat()*float64(half))
}
