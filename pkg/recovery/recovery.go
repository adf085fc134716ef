package recovery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/conductor/pkg/clock"
	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/metrics"
	"github.com/cuemby/conductor/pkg/ratelimit"
	"github.com/cuemby/conductor/pkg/storage"
	"github.com/cuemby/conductor/pkg/types"
)

// Config tunes the recovery loop's period and thresholds.
type Config struct {
	Period               time.Duration // P: sweep interval, default 60s
	HeartbeatInterval    time.Duration // H: must track the worker pool's own heartbeat interval
	DeadMultiple         int           // a worker/claim is dead after DeadMultiple*H with no heartbeat
	MinDiskFreeBytes     uint64
	DataDir              string
	RetentionGracePeriod time.Duration
	ProbeTimeout         time.Duration // bound on the Arbiter's passive-probe agent invocation
}

// DefaultConfig returns the recovery loop defaults: 60s period, 30s
// heartbeat, dead after 3H, 1GiB disk floor, 24h terminal-task retention.
func DefaultConfig(dataDir string) Config {
	return Config{
		Period:               60 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		DeadMultiple:         3,
		MinDiskFreeBytes:     1 << 30,
		DataDir:              dataDir,
		RetentionGracePeriod: 24 * time.Hour,
		ProbeTimeout:         30 * time.Second,
	}
}

// Loop is the Recovery Loop: a single supervised ticker that reconciles
// what the Store says against what the OS and the Arbiter show, using
// compare-and-set transitions so it never overwrites progress a live
// worker is making.
type Loop struct {
	cfg     Config
	store   storage.Store
	arbiter *ratelimit.Arbiter
	clk     clock.Clock
	logger  zerolog.Logger

	lowDisk atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewLoop constructs a Loop.
func NewLoop(cfg Config, store storage.Store, arbiter *ratelimit.Arbiter, clk clock.Clock) *Loop {
	return &Loop{
		cfg:     cfg,
		store:   store,
		arbiter: arbiter,
		clk:     clk,
		logger:  log.WithComponent("recovery"),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the sweep ticker.
func (l *Loop) Start() {
	l.wg.Add(1)
	go l.run()
}

// Stop halts the ticker and waits for any in-flight sweep to finish.
func (l *Loop) Stop() {
	close(l.stopCh)
	l.wg.Wait()
}

func (l *Loop) run() {
	defer l.wg.Done()
	ticker := l.clk.Ticker(l.cfg.Period)
	defer ticker.Stop()

	l.logger.Info().Msg("recovery loop started")
	for {
		select {
		case <-ticker.C:
			if err := l.Sweep(); err != nil {
				l.logger.Error().Err(err).Msg("sweep cycle failed")
			}
		case <-l.stopCh:
			l.logger.Info().Msg("recovery loop stopped")
			return
		}
	}
}

// LowDisk reports whether the last sweep found free disk below the
// configured floor. Neither the worker pool nor the orchestrator reads
// it, so claiming new work continues while it is set.
func (l *Loop) LowDisk() bool {
	return l.lowDisk.Load()
}

// Sweep runs one reconciliation cycle: dead-claim release, worker
// reaping, disk pressure check, rate-limit probe, and retry-eligibility
// promotion. It is exported so tests and a manual "run one sweep now"
// operator path can invoke it directly.
func (l *Loop) Sweep() error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.RecoverySweepDuration)
		metrics.RecoverySweepsTotal.Inc()
	}()

	now := l.clk.Now()
	deadline := now.Add(-time.Duration(l.cfg.DeadMultiple) * l.cfg.HeartbeatInterval)

	l.releaseStaleClaims(deadline)
	l.reapDeadWorkers(deadline)
	l.checkDiskPressure()
	l.probeRateLimit()
	l.releaseEligibleRetries(now)
	l.pruneTerminal(now)

	return nil
}

// pruneTerminal is the routine retention sweep: terminal tasks are only
// ever deleted here (or, under disk pressure, by the emergency prune in
// checkDiskPressure), never by a direct operator or worker call.
func (l *Loop) pruneTerminal(now time.Time) {
	cutoff := now.Add(-l.cfg.RetentionGracePeriod)
	pruned, err := l.store.PruneTerminal(cutoff)
	if err != nil {
		l.logger.Error().Err(err).Msg("terminal-task prune failed")
		return
	}
	if pruned > 0 {
		l.logger.Info().Int("count", pruned).Msg("pruned terminal tasks past retention grace period")
	}
}

// releaseStaleClaims un-claims every processing task whose heartbeat has
// gone quiet for DeadMultiple*H, covering both a dead worker's orphaned
// claim and a live worker stuck on one task - the store's claim-token
// fencing means a worker that eventually does check back in simply finds
// its next write rejected rather than racing this release.
func (l *Loop) releaseStaleClaims(deadline time.Time) {
	released, err := l.store.SweepStaleClaims(deadline)
	if err != nil {
		l.logger.Error().Err(err).Msg("sweeping stale claims failed")
		return
	}
	if len(released) == 0 {
		return
	}
	metrics.RecoveryReleasedTotal.Add(float64(len(released)))
	l.logger.Warn().Int("count", len(released)).Msg("released stale task claims")
}

// reapDeadWorkers removes worker rows that have gone quiet past deadline.
// Their tasks were already released by releaseStaleClaims; this just
// stops a dead worker from cluttering worker listings and metrics.
func (l *Loop) reapDeadWorkers(deadline time.Time) {
	workers, err := l.store.ListWorkers()
	if err != nil {
		l.logger.Error().Err(err).Msg("listing workers failed")
		return
	}
	for _, w := range workers {
		if w.HeartbeatAt.Before(deadline) {
			l.logger.Warn().Str("worker_id", w.ID).Msg("reaping dead worker")
			if err := l.store.DeleteWorker(w.ID); err != nil {
				l.logger.Error().Err(err).Str("worker_id", w.ID).Msg("deleting dead worker failed")
			}
		}
	}
}

// checkDiskPressure reports free space on the data directory's filesystem
// and, when it drops below the configured floor, flips LowDisk and runs
// an out-of-cycle terminal-task prune to reclaim space.
func (l *Loop) checkDiskPressure() {
	if l.cfg.DataDir == "" {
		return
	}
	free, err := freeBytes(l.cfg.DataDir)
	if err != nil {
		l.logger.Error().Err(err).Msg("statfs on data directory failed")
		return
	}
	metrics.DiskFreeBytes.Set(float64(free))

	low := free < l.cfg.MinDiskFreeBytes
	l.lowDisk.Store(low)
	if !low {
		return
	}

	l.logger.Warn().Uint64("free_bytes", free).Uint64("floor_bytes", l.cfg.MinDiskFreeBytes).Msg("disk pressure detected, pruning terminal tasks")
	cutoff := l.clk.Now().Add(-l.cfg.RetentionGracePeriod)
	if _, err := l.store.PruneTerminal(cutoff); err != nil {
		l.logger.Error().Err(err).Msg("emergency terminal-task prune failed")
	}
}

// probeRateLimit gives the Arbiter a chance to flip back to available once
// resume_at has elapsed.
func (l *Loop) probeRateLimit() {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.ProbeTimeout)
	defer cancel()
	if _, _, err := l.arbiter.Probe(ctx); err != nil {
		l.logger.Error().Err(err).Msg("rate-limit probe failed")
	}
}

// releaseEligibleRetries moves retrying tasks back to pending once their
// attempt-indexed backoff has elapsed.
func (l *Loop) releaseEligibleRetries(now time.Time) {
	tasks, err := l.store.ListTasksByState(types.StateRetrying)
	if err != nil {
		l.logger.Error().Err(err).Msg("listing retrying tasks failed")
		return
	}
	for _, t := range tasks {
		if now.Sub(t.UpdatedAt) < RetryBackoffFor(t.AttemptCount) {
			continue
		}
		err := l.store.Transition(t.ID, []types.TaskState{types.StateRetrying}, types.StatePending, nil)
		if err != nil && err != storage.ErrInvalidTransition {
			l.logger.Error().Err(err).Str("task_id", t.ID).Msg("promoting retrying task to pending failed")
		}
	}
}
