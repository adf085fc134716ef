package storage

import (
	"testing"
	"time"

	"github.com/cuemby/conductor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	dir := t.TempDir()
	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTask(id string, priority types.Priority, class types.TaskClass) *types.Task {
	now := time.Now()
	return &types.Task{
		ID:          id,
		Name:        id,
		Command:     "echo hi",
		Class:       class,
		Priority:    priority,
		State:       types.StatePending,
		MaxAttempts: 3,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestSubmitAndGetTask(t *testing.T) {
	store := newTestStore(t)
	task := newTask("t1", types.PriorityNormal, types.ClassLight)

	require.NoError(t, store.SubmitTask(task))

	got, err := store.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, task.Command, got.Command)
	assert.Equal(t, types.StatePending, got.State)
}

func TestSubmitRejectsDuplicateDedupKey(t *testing.T) {
	store := newTestStore(t)
	a := newTask("a", types.PriorityNormal, types.ClassLight)
	a.DedupKey = "nightly-report"
	b := newTask("b", types.PriorityNormal, types.ClassLight)
	b.DedupKey = "nightly-report"

	require.NoError(t, store.SubmitTask(a))
	err := store.SubmitTask(b)
	assert.ErrorIs(t, err, ErrDuplicateDedupKey)
}

func TestSubmitAllowsDedupKeyReuseAfterTerminal(t *testing.T) {
	store := newTestStore(t)
	a := newTask("a", types.PriorityNormal, types.ClassLight)
	a.DedupKey = "nightly-report"
	a.State = types.StateCompleted
	require.NoError(t, store.SubmitTask(a))

	b := newTask("b", types.PriorityNormal, types.ClassLight)
	b.DedupKey = "nightly-report"
	assert.NoError(t, store.SubmitTask(b))
}

func TestClaimNextOrdersByPriorityThenAge(t *testing.T) {
	store := newTestStore(t)
	old := newTask("old-normal", types.PriorityNormal, types.ClassLight)
	old.CreatedAt = time.Now().Add(-time.Hour)
	high := newTask("new-high", types.PriorityHigh, types.ClassLight)
	urgent := newTask("new-urgent", types.PriorityUrgent, types.ClassLight)

	require.NoError(t, store.SubmitTask(old))
	require.NoError(t, store.SubmitTask(high))
	require.NoError(t, store.SubmitTask(urgent))

	claimed, err := store.ClaimNext("w1", "tok1", []types.TaskClass{types.ClassLight}, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "new-urgent", claimed.ID)
	assert.Equal(t, types.StateProcessing, claimed.State)
	assert.Equal(t, "w1", claimed.WorkerID)
	assert.Equal(t, 1, claimed.AttemptCount)
}

func TestClaimNextFiltersByClass(t *testing.T) {
	store := newTestStore(t)
	heavy := newTask("heavy", types.PriorityUrgent, types.ClassHeavy)
	light := newTask("light", types.PriorityLow, types.ClassLight)
	require.NoError(t, store.SubmitTask(heavy))
	require.NoError(t, store.SubmitTask(light))

	claimed, err := store.ClaimNext("w1", "tok1", []types.TaskClass{types.ClassLight}, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "light", claimed.ID)
}

func TestClaimNextReturnsNilWhenNothingEligible(t *testing.T) {
	store := newTestStore(t)
	claimed, err := store.ClaimNext("w1", "tok1", []types.TaskClass{types.ClassLight}, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestClaimNextFiltersByLabels(t *testing.T) {
	store := newTestStore(t)
	prod := newTask("prod", types.PriorityNormal, types.ClassLight)
	prod.Labels = map[string]string{"env": "prod"}
	staging := newTask("staging", types.PriorityNormal, types.ClassLight)
	staging.Labels = map[string]string{"env": "staging"}
	require.NoError(t, store.SubmitTask(prod))
	require.NoError(t, store.SubmitTask(staging))

	claimed, err := store.ClaimNext("w1", "tok1", []types.TaskClass{types.ClassLight}, nil, map[string]string{"env": "staging"})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "staging", claimed.ID)
}

func TestClaimNextRespectsClassConcurrencyCap(t *testing.T) {
	store := newTestStore(t)
	a := newTask("a", types.PriorityNormal, types.ClassLight)
	b := newTask("b", types.PriorityNormal, types.ClassLight)
	b.CreatedAt = a.CreatedAt.Add(time.Second)
	require.NoError(t, store.SubmitTask(a))
	require.NoError(t, store.SubmitTask(b))

	cap := map[types.TaskClass]int{types.ClassLight: 1}

	first, err := store.ClaimNext("w1", "tok1", []types.TaskClass{types.ClassLight}, cap, nil)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "a", first.ID)

	second, err := store.ClaimNext("w2", "tok2", []types.TaskClass{types.ClassLight}, cap, nil)
	require.NoError(t, err)
	assert.Nil(t, second, "light is already at its concurrency cap of 1")

	require.NoError(t, store.CancelTask(first.ID))
	third, err := store.ClaimNext("w2", "tok2", []types.TaskClass{types.ClassLight}, cap, nil)
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.Equal(t, "b", third.ID)
}

func TestUpdateByTokenRejectsStaleClaim(t *testing.T) {
	store := newTestStore(t)
	task := newTask("t1", types.PriorityNormal, types.ClassLight)
	require.NoError(t, store.SubmitTask(task))

	claimed, err := store.ClaimNext("w1", "tok1", []types.TaskClass{types.ClassLight}, nil, nil)
	require.NoError(t, err)

	stolen := *claimed
	stolen.WorkerID = "w2"
	stolen.ClaimToken = "tok2"
	err = store.UpdateByToken(&stolen)
	assert.ErrorIs(t, err, ErrStaleClaim)

	claimed.LastOutputTail = []byte("ok")
	assert.NoError(t, store.UpdateByToken(claimed))
}

func TestHeartbeatRejectsStaleClaim(t *testing.T) {
	store := newTestStore(t)
	task := newTask("t1", types.PriorityNormal, types.ClassLight)
	require.NoError(t, store.SubmitTask(task))
	claimed, err := store.ClaimNext("w1", "tok1", []types.TaskClass{types.ClassLight}, nil, nil)
	require.NoError(t, err)

	assert.NoError(t, store.Heartbeat(claimed.ID, "w1", "tok1", time.Now()))
	assert.ErrorIs(t, store.Heartbeat(claimed.ID, "w1", "wrong-token", time.Now()), ErrStaleClaim)
}

func TestTransitionEnforcesFromSet(t *testing.T) {
	store := newTestStore(t)
	task := newTask("t1", types.PriorityNormal, types.ClassLight)
	require.NoError(t, store.SubmitTask(task))

	err := store.Transition("t1", []types.TaskState{types.StateProcessing}, types.StateCompleted, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	err = store.Transition("t1", []types.TaskState{types.StatePending}, types.StateCancelled, func(t *types.Task) {
		t.FailureKind = types.FailureCancelled
	})
	require.NoError(t, err)

	got, err := store.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, types.StateCancelled, got.State)
	assert.Equal(t, types.FailureCancelled, got.FailureKind)
}

func TestSweepStaleClaimsReleasesHungTasks(t *testing.T) {
	store := newTestStore(t)
	task := newTask("t1", types.PriorityNormal, types.ClassLight)
	require.NoError(t, store.SubmitTask(task))
	claimed, err := store.ClaimNext("w1", "tok1", []types.TaskClass{types.ClassLight}, nil, nil)
	require.NoError(t, err)

	stale := time.Now().Add(-time.Minute)
	require.NoError(t, store.Heartbeat(claimed.ID, "w1", "tok1", stale))

	released, err := store.SweepStaleClaims(time.Now().Add(-30 * time.Second))
	require.NoError(t, err)
	require.Len(t, released, 1)
	assert.Equal(t, types.StateRetrying, released[0].State)
	assert.Equal(t, types.FailureProcessHang, released[0].FailureKind)
	assert.Empty(t, released[0].WorkerID)
}

func TestPruneTerminalDeletesOldTasksOnly(t *testing.T) {
	store := newTestStore(t)
	oldDone := newTask("old", types.PriorityNormal, types.ClassLight)
	oldDone.State = types.StateCompleted
	oldDone.UpdatedAt = time.Now().Add(-48 * time.Hour)
	recentDone := newTask("recent", types.PriorityNormal, types.ClassLight)
	recentDone.State = types.StateCompleted
	recentDone.UpdatedAt = time.Now()

	require.NoError(t, store.SubmitTask(oldDone))
	require.NoError(t, store.SubmitTask(recentDone))

	n, err := store.PruneTerminal(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.GetTask("old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetTask("recent")
	assert.NoError(t, err)
}

func TestRateLimitStateDefaultsAvailable(t *testing.T) {
	store := newTestStore(t)
	rl, err := store.GetRateLimitState()
	require.NoError(t, err)
	assert.True(t, rl.Available)

	rl.Available = false
	rl.Reason = "usage cap"
	require.NoError(t, store.PutRateLimitState(rl))

	got, err := store.GetRateLimitState()
	require.NoError(t, err)
	assert.False(t, got.Available)
	assert.Equal(t, "usage cap", got.Reason)
}

func TestSecurityFindingsScopedByTask(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.PutSecurityFinding(&types.SecurityFinding{ID: "f1", TaskID: "t1", Kind: "api_key", Severity: "blocked"}))
	require.NoError(t, store.PutSecurityFinding(&types.SecurityFinding{ID: "f2", TaskID: "t1", Kind: "email", Severity: "info"}))
	require.NoError(t, store.PutSecurityFinding(&types.SecurityFinding{ID: "f3", TaskID: "t2", Kind: "api_key", Severity: "blocked"}))

	found, err := store.ListSecurityFindingsByTask("t1")
	require.NoError(t, err)
	assert.Len(t, found, 2)
}
