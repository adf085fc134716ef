// Package orchestrator assembles the Store, Rate-Limit Arbiter, Worker
// Pool and Recovery Loop into the supervisor daemon: it owns the public
// task lifecycle operations (Submit, Cancel, Pause, Resume, Unblock) and
// is the sole place that disposes of a worker's proposed Outcome into the
// task's next state.
package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/conductor/pkg/clock"
	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/metrics"
	"github.com/cuemby/conductor/pkg/ratelimit"
	"github.com/cuemby/conductor/pkg/recovery"
	"github.com/cuemby/conductor/pkg/storage"
	"github.com/cuemby/conductor/pkg/types"
	"github.com/cuemby/conductor/pkg/worker"
)

// defaultMaxAttempts is used for a Submit request that doesn't specify one.
const defaultMaxAttempts = 3

var nonTerminalStates = []types.TaskState{
	types.StatePending,
	types.StateProcessing,
	types.StatePaused,
	types.StateWaitingUnban,
	types.StateRetrying,
	types.StateNeedsHumanReview,
}

// Orchestrator couples the Store, Arbiter, Worker Pool and Recovery Loop:
// it is the only component that performs the state machine's terminal and
// near-terminal transitions, deciding retry-vs-exhausted-vs-failed from a
// worker's proposed Outcome.
type Orchestrator struct {
	store    storage.Store
	arbiter  *ratelimit.Arbiter
	pool     *worker.Pool
	recovery *recovery.Loop
	clk      clock.Clock
	logger   zerolog.Logger

	alertLogPath string
	alertMu      sync.Mutex
	alertFile    *os.File

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs an Orchestrator. alertLogPath may be empty, in which case
// terminal-transition alerts are logged but not appended to a file.
func New(store storage.Store, arbiter *ratelimit.Arbiter, pool *worker.Pool, recoveryLoop *recovery.Loop, clk clock.Clock, alertLogPath string) *Orchestrator {
	return &Orchestrator{
		store:        store,
		arbiter:      arbiter,
		pool:         pool,
		recovery:     recoveryLoop,
		clk:          clk,
		logger:       log.WithComponent("orchestrator"),
		alertLogPath: alertLogPath,
		stopCh:       make(chan struct{}),
	}
}

// Start opens the alert log (if configured) and launches the worker pool,
// the recovery loop, and the outcome-disposal loop.
func (o *Orchestrator) Start() error {
	if o.alertLogPath != "" {
		f, err := os.OpenFile(o.alertLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("orchestrator: opening alert log: %w", err)
		}
		o.alertFile = f
	}

	o.pool.Start()
	o.recovery.Start()

	o.wg.Add(1)
	go o.drainOutcomes()

	o.logger.Info().Msg("orchestrator started")
	return nil
}

// Stop signals the outcome-disposal loop to exit, stops the worker pool
// and then the recovery loop, waits for the disposal loop to return, and
// closes the alert log. An Outcome that is still queued or reported after
// the signal is not disposed of, so its task is left in processing.
func (o *Orchestrator) Stop() {
	close(o.stopCh)
	o.pool.Stop()
	o.recovery.Stop()
	o.wg.Wait()

	if o.alertFile != nil {
		o.alertFile.Close()
	}
}

func (o *Orchestrator) drainOutcomes() {
	defer o.wg.Done()
	for {
		select {
		case outcome := <-o.pool.Outcomes():
			o.dispose(outcome)
		case <-o.stopCh:
			return
		}
	}
}

// dispose applies the state machine to a worker's proposed Outcome. Apart
// from the operator's Cancel and Pause and the recovery loop's release of
// stale claims to retrying, it is the only path out of processing.
func (o *Orchestrator) dispose(outcome worker.Outcome) {
	task, err := o.store.GetTask(outcome.TaskID)
	if err != nil {
		o.logger.Error().Err(err).Str("task_id", outcome.TaskID).Msg("loading task for outcome disposal failed")
		return
	}
	o.observeRunMetrics(task)

	switch outcome.Kind {
	case worker.OutcomeCompleted:
		applied := o.transitionTerminal(task.ID, types.StateCompleted, func(t *types.Task) {
			now := o.clk.Now()
			t.EndedAt = &now
			t.WorkerID = ""
			t.ClaimToken = ""
		})
		if applied {
			metrics.TasksCompletedTotal.Inc()
		}

	case worker.OutcomeNeedsReview:
		o.transition(task.ID, types.StateNeedsHumanReview, func(t *types.Task) {
			t.WorkerID = ""
			t.ClaimToken = ""
		})

	case worker.OutcomeRateLimited:
		o.transition(task.ID, types.StateWaitingUnban, func(t *types.Task) {
			t.FailureKind = outcome.FailureKind
			t.WorkerID = ""
			t.ClaimToken = ""
		})

	case worker.OutcomeFailed:
		o.disposeFailure(task, outcome)
	}
}

func (o *Orchestrator) disposeFailure(task *types.Task, outcome worker.Outcome) {
	kind := outcome.FailureKind
	exhausted := task.AttemptCount >= task.MaxAttempts
	to := types.StateRetrying
	if exhausted || !kind.Retriable() {
		to = types.StateFailed
		if exhausted {
			kind = types.FailureExhausted
		}
	}

	if to == types.StateFailed {
		applied := o.transitionTerminal(task.ID, to, func(t *types.Task) {
			now := o.clk.Now()
			t.FailureKind = kind
			t.EndedAt = &now
			t.WorkerID = ""
			t.ClaimToken = ""
		})
		if applied {
			metrics.TasksFailedTotal.WithLabelValues(string(kind)).Inc()
		}
		return
	}

	o.transition(task.ID, to, func(t *types.Task) {
		t.FailureKind = kind
		t.WorkerID = ""
		t.ClaimToken = ""
	})
}

// transition is a thin wrapper around store.Transition from processing,
// logging failures; it does not treat an invalid transition as fatal,
// since a concurrent cancel or recovery-loop release can legitimately have
// moved the task out of processing first. It reports whether the
// transition was applied.
func (o *Orchestrator) transition(taskID string, to types.TaskState, mutate func(*types.Task)) bool {
	err := o.store.Transition(taskID, []types.TaskState{types.StateProcessing}, to, mutate)
	if err != nil && err != storage.ErrInvalidTransition {
		o.logger.Error().Err(err).Str("task_id", taskID).Str("to", string(to)).Msg("task transition failed")
	}
	return err == nil
}

// transitionTerminal applies a terminal transition and, only if it was
// applied, appends the alert line. It reports whether it was applied.
func (o *Orchestrator) transitionTerminal(taskID string, to types.TaskState, mutate func(*types.Task)) bool {
	if !o.transition(taskID, to, mutate) {
		return false
	}
	o.appendAlert(taskID, to)
	return true
}

func (o *Orchestrator) observeRunMetrics(task *types.Task) {
	if task.StartedAt == nil {
		return
	}
	now := o.clk.Now()
	metrics.TaskRunDuration.WithLabelValues(string(task.Class)).Observe(now.Sub(*task.StartedAt).Seconds())
	if task.AttemptCount == 1 {
		metrics.TaskDispatchLatency.Observe(task.StartedAt.Sub(task.CreatedAt).Seconds())
	}
}

type alertRecord struct {
	Time   time.Time       `json:"time"`
	TaskID string          `json:"task_id"`
	State  types.TaskState `json:"state"`
}

// appendAlert writes one JSON line per terminal transition to the alert
// log, if configured.
func (o *Orchestrator) appendAlert(taskID string, state types.TaskState) {
	if o.alertFile == nil {
		return
	}
	rec := alertRecord{Time: o.clk.Now(), TaskID: taskID, State: state}
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	line = append(line, '\n')

	o.alertMu.Lock()
	defer o.alertMu.Unlock()
	if _, err := o.alertFile.Write(line); err != nil {
		o.logger.Error().Err(err).Msg("writing alert log entry failed")
	}
}

// SubmitRequest is the validated input to Submit.
type SubmitRequest struct {
	Name        string
	Description string
	Command     string
	Class       types.TaskClass
	Priority    types.Priority
	MaxAttempts int
	DedupKey    string
	WorkingDir  string
	Labels      map[string]string
}

// Validate reports whether req is acceptable to Submit, without side
// effects; pkg/api uses it to answer a validation error with 422 before
// calling Submit, which cmd/taskctl then maps to exit 2 (a 503 from a
// store failure maps to exit 3).
func (r SubmitRequest) Validate() error {
	return r.validate()
}

func (r SubmitRequest) validate() error {
	if r.Command == "" {
		return fmt.Errorf("orchestrator: command is required")
	}
	switch r.Class {
	case "", types.ClassLight, types.ClassMedium, types.ClassHeavy:
	default:
		return fmt.Errorf("orchestrator: unknown task class %q", r.Class)
	}
	switch r.Priority {
	case "", types.PriorityLow, types.PriorityNormal, types.PriorityHigh, types.PriorityUrgent:
	default:
		return fmt.Errorf("orchestrator: unknown priority %q", r.Priority)
	}
	return nil
}

// Submit validates req, assigns it an ID, and inserts it as pending. If
// req.DedupKey matches an already-active task, that task is returned
// instead and no new row is created - submission is idempotent on the
// dedup key.
func (o *Orchestrator) Submit(req SubmitRequest) (*types.Task, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	class := req.Class
	if class == "" {
		class = types.ClassMedium
	}
	priority := req.Priority
	if priority == "" {
		priority = types.PriorityNormal
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	now := o.clk.Now()
	task := &types.Task{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		Command:     req.Command,
		Class:       class,
		Priority:    priority,
		State:       types.StatePending,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
		Labels:      req.Labels,
		DedupKey:    req.DedupKey,
		WorkingDir:  req.WorkingDir,
	}

	err := o.store.SubmitTask(task)
	if err == storage.ErrDuplicateDedupKey {
		existing, findErr := o.store.FindByDedupKey(req.DedupKey)
		if findErr != nil {
			return nil, fmt.Errorf("orchestrator: resolving duplicate dedup key: %w", findErr)
		}
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("orchestrator: submitting task: %w", err)
	}

	metrics.TasksSubmittedTotal.WithLabelValues(string(class), string(priority)).Inc()
	o.logger.Info().Str("task_id", task.ID).Str("class", string(class)).Msg("task submitted")
	return task, nil
}

// Cancel transitions a non-terminal task to cancelled. If it was
// processing, the owning worker's subprocess is signalled to stop.
func (o *Orchestrator) Cancel(id string) error {
	task, err := o.store.GetTask(id)
	if err != nil {
		return err
	}
	if task.State.Terminal() {
		return fmt.Errorf("orchestrator: task %s is already terminal (%s)", id, task.State)
	}

	wasProcessing := task.State == types.StateProcessing
	err = o.store.Transition(id, nonTerminalStates, types.StateCancelled, func(t *types.Task) {
		now := o.clk.Now()
		t.EndedAt = &now
		t.FailureKind = types.FailureCancelled
		t.WorkerID = ""
		t.ClaimToken = ""
	})
	if err != nil {
		return err
	}
	o.appendAlert(id, types.StateCancelled)

	if wasProcessing {
		o.pool.RequestCancel(id)
	}
	o.logger.Info().Str("task_id", id).Msg("task cancelled")
	return nil
}

// Unblock moves a task an operator has reviewed from needs_human_review
// back to pending.
func (o *Orchestrator) Unblock(id string) error {
	err := o.store.Transition(id, []types.TaskState{types.StateNeedsHumanReview}, types.StatePending, nil)
	if err != nil {
		return err
	}
	o.logger.Info().Str("task_id", id).Msg("task unblocked by operator")
	return nil
}

// Pause moves a pending or processing task to paused, signalling the
// owning worker to stop its subprocess if it was running. The attempt is
// not counted as a failure: Resume puts the task straight back to pending.
func (o *Orchestrator) Pause(id string) error {
	task, err := o.store.GetTask(id)
	if err != nil {
		return err
	}
	from := []types.TaskState{types.StatePending, types.StateProcessing}
	err = o.store.Transition(id, from, types.StatePaused, func(t *types.Task) {
		t.WorkerID = ""
		t.ClaimToken = ""
	})
	if err != nil {
		return err
	}
	if task.State == types.StateProcessing {
		o.pool.RequestCancel(id)
	}
	o.logger.Info().Str("task_id", id).Msg("task paused by operator")
	return nil
}

// Resume moves a paused task back to pending so it re-enters dispatch.
func (o *Orchestrator) Resume(id string) error {
	err := o.store.Transition(id, []types.TaskState{types.StatePaused}, types.StatePending, nil)
	if err != nil {
		return err
	}
	o.logger.Info().Str("task_id", id).Msg("task resumed by operator")
	return nil
}

// ForceResumeRateLimit is the operator override that clears the Arbiter's
// unavailability immediately, regardless of resume_at.
func (o *Orchestrator) ForceResumeRateLimit() error {
	return o.arbiter.ForceResume()
}

// GetTask returns a single task by ID.
func (o *Orchestrator) GetTask(id string) (*types.Task, error) {
	return o.store.GetTask(id)
}

// ListTasks returns tasks, optionally filtered to the given states.
func (o *Orchestrator) ListTasks(states ...types.TaskState) ([]*types.Task, error) {
	if len(states) == 0 {
		return o.store.ListTasks()
	}
	return o.store.ListTasksByState(states...)
}
