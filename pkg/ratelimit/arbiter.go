package ratelimit

import (
	"context"
	"math"
	"regexp"
	"time"

	"github.com/cuemby/conductor/pkg/clock"
	"github.com/cuemby/conductor/pkg/storage"
	"github.com/cuemby/conductor/pkg/types"
)

// Signature is a compiled regular expression that, when found in agent
// output, is taken as evidence the agent CLI hit its own rate limit.
type Signature struct {
	Name   string
	Regexp *regexp.Regexp
}

// DefaultSignatures matches the phrasing agent CLIs commonly use to report
// a usage-cap or rate-limit rejection. Real deployments should extend this
// from configuration, since every vendor phrases it differently.
func DefaultSignatures() []Signature {
	return []Signature{
		{Name: "usage_limit", Regexp: regexp.MustCompile(`(?i)usage limit (reached|exceeded)`)},
		{Name: "rate_limited", Regexp: regexp.MustCompile(`(?i)rate.?limit(ed)?\b`)},
		{Name: "retry_after", Regexp: regexp.MustCompile(`(?i)retry.after[:\s]+(\d+)`)},
		{Name: "quota_exhausted", Regexp: regexp.MustCompile(`(?i)quota (exhausted|exceeded)`)},
	}
}

// BackoffConfig parameterizes the Arbiter's exponential backoff: the n-th
// consecutive hit (n starting at 0 for the first) pauses dispatch for
// clamp(Base*Multiplier^n, Base, Max).
type BackoffConfig struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoffConfig matches the component design's defaults:
// default_unban_wait_seconds=1h, session_limit_seconds=5h,
// rate_limit_backoff_multiplier=1.5.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Base:       time.Hour,
		Max:        5 * time.Hour,
		Multiplier: 1.5,
	}
}

// backoffFor computes clamp(base*multiplier^n, base, max). n is the
// consecutive-hit count *before* the hit currently being recorded is
// applied, so the first hit (n=0) always pauses for exactly base.
func (c BackoffConfig) backoffFor(n int) time.Duration {
	if c.Base <= 0 {
		return 0
	}
	d := time.Duration(float64(c.Base) * math.Pow(c.Multiplier, float64(n)))
	if d < c.Base {
		d = c.Base
	}
	if c.Max > 0 && d > c.Max {
		d = c.Max
	}
	return d
}

// Arbiter is the Rate-Limit Arbiter: the sole authority on whether the
// Worker Pool may claim new work against the agent CLI right now. It
// persists its state through Store so availability survives a daemon
// restart, and it publishes every transition on a Broker for any
// subscriber. The Worker Pool does not subscribe; it calls Available.
type Arbiter struct {
	store      storage.Store
	clock      clock.Clock
	signatures []Signature
	broker     *Broker
	backoff    BackoffConfig

	// ProbeFunc performs the passive recovery probe: a bounded, low-cost
	// agent invocation tried once resume_at has elapsed. A nil ProbeFunc
	// (the test default) makes Probe optimistic, flipping available as
	// soon as resume_at passes with no actual invocation.
	ProbeFunc func(context.Context) error
}

// New constructs an Arbiter. signatures may be nil to use DefaultSignatures.
func New(store storage.Store, clk clock.Clock, signatures []Signature, broker *Broker, backoff BackoffConfig) *Arbiter {
	if signatures == nil {
		signatures = DefaultSignatures()
	}
	if backoff.Base <= 0 {
		backoff = DefaultBackoffConfig()
	}
	return &Arbiter{store: store, clock: clk, signatures: signatures, broker: broker, backoff: backoff}
}

// Available reports whether dispatch is currently permitted, transparently
// flipping a time-expired unavailability back to available first.
func (a *Arbiter) Available() (bool, error) {
	rl, err := a.store.GetRateLimitState()
	if err != nil {
		return false, err
	}
	if !rl.Available && !rl.ResumeAt.IsZero() && !a.clock.Now().Before(rl.ResumeAt) {
		return true, a.resume(rl)
	}
	return rl.Available, nil
}

// Scan inspects a chunk of agent output for a known rate-limit signature.
// On a match it records a hit and returns (true, signature name); the
// caller (the Worker Pool, mid-task) is expected to stop the subprocess
// and requeue the task as waiting_unban.
func (a *Arbiter) Scan(output []byte) (bool, string) {
	text := string(output)
	for _, sig := range a.signatures {
		if sig.Regexp.MatchString(text) {
			return true, sig.Name
		}
	}
	return false, ""
}

// RecordHit transitions the Arbiter to unavailable, computing resume_at
// from the exponential backoff formula seeded by the current
// consecutive-hit count, then increments that count, and publishes
// EventHit followed by EventUnavailable.
func (a *Arbiter) RecordHit(reason string) (*types.RateLimitState, error) {
	rl, err := a.store.GetRateLimitState()
	if err != nil {
		return nil, err
	}

	now := a.clock.Now()
	rl.ResumeAt = now.Add(a.backoff.backoffFor(rl.ConsecutiveHits))
	rl.ConsecutiveHits++
	rl.Available = false
	rl.Reason = reason

	if err := a.store.PutRateLimitState(rl); err != nil {
		return nil, err
	}

	if a.broker != nil {
		a.broker.Publish(&Event{Type: EventHit, Timestamp: now, Reason: reason, ResumeAt: rl.ResumeAt})
		a.broker.Publish(&Event{Type: EventUnavailable, Timestamp: now, Reason: reason, ResumeAt: rl.ResumeAt})
	}
	return rl, nil
}

// Probe is called by the Recovery Loop once resume_at has passed. When
// ProbeFunc is set, it runs the bounded trial invocation first and only
// resumes dispatch (and confirms the probe, clearing consecutive_hits) on
// success; a ProbeFunc error leaves the Arbiter unavailable so the caller's
// next sweep tries again. With no ProbeFunc, it resumes optimistically as
// soon as resume_at has passed, matching the test-double default.
func (a *Arbiter) Probe(ctx context.Context) (*types.RateLimitState, bool, error) {
	rl, err := a.store.GetRateLimitState()
	if err != nil {
		return nil, false, err
	}
	if rl.Available {
		return rl, false, nil
	}
	if rl.ResumeAt.IsZero() || a.clock.Now().Before(rl.ResumeAt) {
		return rl, false, nil
	}

	if a.ProbeFunc != nil {
		if err := a.ProbeFunc(ctx); err != nil {
			return rl, false, nil
		}
	}
	if err := a.resume(rl); err != nil {
		return rl, false, err
	}
	if err := a.ConfirmProbe(); err != nil {
		return rl, true, err
	}
	rl.ConsecutiveHits = 0
	return rl, true, nil
}

func (a *Arbiter) resume(rl *types.RateLimitState) error {
	rl.Available = true
	rl.Reason = ""
	if err := a.store.PutRateLimitState(rl); err != nil {
		return err
	}
	if a.broker != nil {
		a.broker.Publish(&Event{Type: EventAvailable, Timestamp: a.clock.Now()})
	}
	return nil
}

// ResumeAt reports the current resume deadline, or the zero time if the
// Arbiter is available or has never recorded a hit. Workers use this to
// size their sleep before re-checking Available.
func (a *Arbiter) ResumeAt() (time.Time, error) {
	rl, err := a.store.GetRateLimitState()
	if err != nil {
		return time.Time{}, err
	}
	return rl.ResumeAt, nil
}

// ConfirmProbe resets the consecutive-hit counter once a successful probe
// (or, with no ProbeFunc configured, an elapsed resume_at) has reopened
// dispatch, so a flapping provider's hit history doesn't carry over
// indefinitely once it recovers.
func (a *Arbiter) ConfirmProbe() error {
	rl, err := a.store.GetRateLimitState()
	if err != nil {
		return err
	}
	rl.ConsecutiveHits = 0
	return a.store.PutRateLimitState(rl)
}

// ForceResume is the operator-initiated override: it clears unavailability
// immediately, regardless of resume_at.
func (a *Arbiter) ForceResume() error {
	rl, err := a.store.GetRateLimitState()
	if err != nil {
		return err
	}
	rl.ConsecutiveHits = 0
	return a.resume(rl)
}
