// Package clock wraps benbjohnson/clock so every time-driven component in
// the orchestration core - heartbeat timers, the rate-limit arbiter's
// resume_at, the recovery loop's sweep interval - can be driven by a mock
// in tests instead of real wall time.
package clock

import "github.com/benbjohnson/clock"

// Clock is the subset of clock.Clock the orchestration core depends on.
type Clock = clock.Clock

// New returns the real, wall-clock implementation.
func New() Clock {
	return clock.New()
}

// NewMock returns a controllable clock for tests; advance it with
// mock.Add or mock.Set.
func NewMock() *clock.Mock {
	return clock.NewMock()
}
