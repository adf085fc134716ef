package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cuemby/conductor/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestArbiter(t *testing.T) (*Arbiter, storage.Store, *clock.Mock) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mc := clock.NewMock()
	mc.Set(time.Now())
	return New(store, mc, nil, nil, DefaultBackoffConfig()), store, mc
}

func TestScanDetectsKnownSignature(t *testing.T) {
	a, _, _ := newTestArbiter(t)
	hit, name := a.Scan([]byte("Error: rate limit exceeded, please slow down"))
	assert.True(t, hit)
	assert.Equal(t, "rate_limited", name)
}

func TestScanIgnoresCleanOutput(t *testing.T) {
	a, _, _ := newTestArbiter(t)
	hit, _ := a.Scan([]byte("build succeeded"))
	assert.False(t, hit)
}

func TestAvailableDefaultsTrue(t *testing.T) {
	a, _, _ := newTestArbiter(t)
	available, err := a.Available()
	require.NoError(t, err)
	assert.True(t, available)
}

func TestRecordHitMakesUnavailableWithBackoff(t *testing.T) {
	a, store, mc := newTestArbiter(t)

	rl, err := a.RecordHit("usage cap hit")
	require.NoError(t, err)
	assert.False(t, rl.Available)
	assert.Equal(t, 1, rl.ConsecutiveHits)
	assert.True(t, rl.ResumeAt.After(mc.Now()))

	available, err := a.Available()
	require.NoError(t, err)
	assert.False(t, available)

	stored, err := store.GetRateLimitState()
	require.NoError(t, err)
	assert.False(t, stored.Available)
}

func TestRepeatedHitsEscalateBackoff(t *testing.T) {
	a, _, mc := newTestArbiter(t)
	start := mc.Now()

	first, err := a.RecordHit("hit 1")
	require.NoError(t, err)
	second, err := a.RecordHit("hit 2")
	require.NoError(t, err)

	firstDelay := first.ResumeAt.Sub(start)
	secondDelay := second.ResumeAt.Sub(start)
	assert.Greater(t, secondDelay, firstDelay)
	assert.Equal(t, 2, second.ConsecutiveHits)
}

func TestRecordHitFirstHitUsesBaseBackoff(t *testing.T) {
	a, _, mc := newTestArbiter(t)
	start := mc.Now()

	rl, err := a.RecordHit("usage cap hit")
	require.NoError(t, err)
	assert.Equal(t, start.Add(time.Hour), rl.ResumeAt)
}

func TestBackoffForClampsToMax(t *testing.T) {
	cfg := BackoffConfig{Base: time.Hour, Max: 5 * time.Hour, Multiplier: 1.5}
	assert.Equal(t, time.Hour, cfg.backoffFor(0))
	assert.Equal(t, 90*time.Minute, cfg.backoffFor(1))
	assert.Equal(t, 5*time.Hour, cfg.backoffFor(10), "clamped to max")
}

func TestForceResumeClearsUnavailability(t *testing.T) {
	a, _, _ := newTestArbiter(t)
	_, err := a.RecordHit("hit")
	require.NoError(t, err)

	require.NoError(t, a.ForceResume())

	available, err := a.Available()
	require.NoError(t, err)
	assert.True(t, available)
}

func TestProbeWaitsForResumeAt(t *testing.T) {
	a, store, mc := newTestArbiter(t)
	_, err := a.RecordHit("hit")
	require.NoError(t, err)

	_, ready, err := a.Probe(context.Background())
	require.NoError(t, err)
	assert.False(t, ready, "resume_at has not elapsed yet")

	mc.Add(time.Hour)

	rl, err := store.GetRateLimitState()
	require.NoError(t, err)
	assert.True(t, !mc.Now().Before(rl.ResumeAt))

	_, ready, err = a.Probe(context.Background())
	require.NoError(t, err)
	assert.True(t, ready)

	available, err := a.Available()
	require.NoError(t, err)
	assert.True(t, available)
}

func TestProbeInvokesProbeFuncAndConfirmsOnSuccess(t *testing.T) {
	a, _, mc := newTestArbiter(t)
	_, err := a.RecordHit("hit 1")
	require.NoError(t, err)
	_, err = a.RecordHit("hit 2")
	require.NoError(t, err)

	var invoked bool
	a.ProbeFunc = func(ctx context.Context) error {
		invoked = true
		return nil
	}

	mc.Add(5 * time.Hour)

	rl, ready, err := a.Probe(context.Background())
	require.NoError(t, err)
	assert.True(t, invoked, "ProbeFunc must be invoked before resuming")
	assert.True(t, ready)
	assert.True(t, rl.Available)
	assert.Equal(t, 0, rl.ConsecutiveHits, "a confirmed probe resets the hit counter")
}

func TestProbeLeavesUnavailableWhenProbeFuncFails(t *testing.T) {
	a, store, mc := newTestArbiter(t)
	_, err := a.RecordHit("hit")
	require.NoError(t, err)

	a.ProbeFunc = func(ctx context.Context) error {
		return assert.AnError
	}

	mc.Add(time.Hour)

	_, ready, err := a.Probe(context.Background())
	require.NoError(t, err)
	assert.False(t, ready)

	rl, err := store.GetRateLimitState()
	require.NoError(t, err)
	assert.False(t, rl.Available)
}
