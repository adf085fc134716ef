package recovery

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/conductor/pkg/ratelimit"
	"github.com/cuemby/conductor/pkg/storage"
	"github.com/cuemby/conductor/pkg/types"
)

func newTestLoop(t *testing.T) (*Loop, storage.Store, *clock.Mock) {
	t.Helper()
	dataDir := t.TempDir()
	store, err := storage.NewBoltStore(dataDir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mc := clock.NewMock()
	mc.Set(time.Now())
	arbiter := ratelimit.New(store, mc, nil, nil, ratelimit.DefaultBackoffConfig())

	cfg := DefaultConfig(dataDir)
	cfg.HeartbeatInterval = time.Minute
	cfg.DeadMultiple = 3
	cfg.MinDiskFreeBytes = 1 // low enough that the test filesystem never trips it
	cfg.RetentionGracePeriod = time.Hour

	return NewLoop(cfg, store, arbiter, mc), store, mc
}

func TestSweepReleasesStaleProcessingClaim(t *testing.T) {
	l, store, mc := newTestLoop(t)

	staleHeartbeat := mc.Now().Add(-10 * time.Minute)
	task := &types.Task{
		ID: "t1", Command: "echo hi", Class: types.ClassLight, Priority: types.PriorityNormal,
		State: types.StateProcessing, WorkerID: "w1", ClaimToken: "tok1",
		MaxAttempts: 3, AttemptCount: 1, HeartbeatAt: &staleHeartbeat,
		CreatedAt: mc.Now(), UpdatedAt: mc.Now(),
	}
	require.NoError(t, store.SubmitTask(task))

	require.NoError(t, l.Sweep())

	got, err := store.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, types.StateRetrying, got.State)
	assert.Empty(t, got.WorkerID)
}

func TestSweepReapsDeadWorker(t *testing.T) {
	l, store, mc := newTestLoop(t)
	stale := mc.Now().Add(-10 * time.Minute)
	require.NoError(t, store.PutWorker(&types.Worker{ID: "dead-1", HeartbeatAt: stale}))
	require.NoError(t, store.PutWorker(&types.Worker{ID: "alive-1", HeartbeatAt: mc.Now()}))

	require.NoError(t, l.Sweep())

	workers, err := store.ListWorkers()
	require.NoError(t, err)
	ids := make([]string, len(workers))
	for i, w := range workers {
		ids[i] = w.ID
	}
	assert.NotContains(t, ids, "dead-1")
	assert.Contains(t, ids, "alive-1")
}

func TestSweepPromotesEligibleRetryingTask(t *testing.T) {
	l, store, mc := newTestLoop(t)
	task := &types.Task{
		ID: "t2", Command: "echo hi", Class: types.ClassLight, Priority: types.PriorityNormal,
		State: types.StateRetrying, MaxAttempts: 3, AttemptCount: 1,
		CreatedAt: mc.Now(), UpdatedAt: mc.Now(),
	}
	require.NoError(t, store.SubmitTask(task))

	require.NoError(t, l.Sweep())
	got, err := store.GetTask("t2")
	require.NoError(t, err)
	assert.Equal(t, types.StateRetrying, got.State, "backoff has not elapsed yet")

	mc.Add(time.Hour)
	require.NoError(t, l.Sweep())
	got, err = store.GetTask("t2")
	require.NoError(t, err)
	assert.Equal(t, types.StatePending, got.State)
}

func TestSweepPrunesOldTerminalTasks(t *testing.T) {
	l, store, mc := newTestLoop(t)
	task := &types.Task{
		ID: "t3", Command: "echo hi", Class: types.ClassLight, Priority: types.PriorityNormal,
		State: types.StateCompleted, MaxAttempts: 3,
		CreatedAt: mc.Now(), UpdatedAt: mc.Now(),
	}
	require.NoError(t, store.SubmitTask(task))

	mc.Add(2 * time.Hour)
	require.NoError(t, l.Sweep())

	_, err := store.GetTask("t3")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSweepProbesRateLimitResume(t *testing.T) {
	l, store, mc := newTestLoop(t)
	arbiter := ratelimit.New(store, mc, nil, nil, ratelimit.DefaultBackoffConfig())
	_, err := arbiter.RecordHit("usage cap hit")
	require.NoError(t, err)

	mc.Add(2 * time.Hour)
	require.NoError(t, l.Sweep())

	rl, err := store.GetRateLimitState()
	require.NoError(t, err)
	assert.True(t, rl.Available)
}
