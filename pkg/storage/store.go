package storage

import (
	"time"

	"github.com/cuemby/conductor/pkg/types"
)

// Store defines the durable state interface backing the orchestration core.
// A single BoltStore implementation backs it; the interface exists so the
// orchestrator, worker pool and recovery loop can be tested against an
// in-memory fake without touching disk.
type Store interface {
	// Tasks
	SubmitTask(task *types.Task) error
	GetTask(id string) (*types.Task, error)
	ListTasks() ([]*types.Task, error)
	ListTasksByState(states ...types.TaskState) ([]*types.Task, error)
	FindByDedupKey(dedupKey string) (*types.Task, error)

	// ClaimNext atomically selects the highest-priority eligible task from
	// classes (in creation order within a priority band), marks it
	// processing under (workerID, claimToken), and returns it. classConcurrency
	// caps how many tasks of a given class may be processing at once; a class
	// absent from the map (or mapped to <=0) is uncapped. requiredLabels, if
	// non-empty, restricts eligibility to tasks whose own Labels contain
	// every key/value pair in it - part of Claim's (class, labels)
	// predicate. It returns (nil, nil) when no task is eligible, including
	// when every candidate's class is already at its concurrency cap.
	ClaimNext(workerID, claimToken string, classes []types.TaskClass, classConcurrency map[types.TaskClass]int, requiredLabels map[string]string) (*types.Task, error)

	// UpdateByToken persists task only if task.WorkerID/ClaimToken still
	// match the stored claim; otherwise it returns ErrStaleClaim.
	UpdateByToken(task *types.Task) error

	// Transition moves the task to a new state iff its current state is
	// one of from (or from is empty), invoking mutate under the same
	// write transaction so callers can adjust other fields atomically.
	Transition(id string, from []types.TaskState, to types.TaskState, mutate func(*types.Task)) error

	Heartbeat(id, workerID, claimToken string, at time.Time) error

	// SweepStaleClaims returns (and releases to retrying, with failure_kind
	// process_hang and the claim cleared) every processing task whose
	// heartbeat is older than deadline.
	SweepStaleClaims(deadline time.Time) ([]*types.Task, error)

	CancelTask(id string) error

	// PruneTerminal deletes terminal tasks last updated before cutoff and
	// reports how many were removed.
	PruneTerminal(cutoff time.Time) (int, error)

	// Workers
	PutWorker(w *types.Worker) error
	GetWorker(id string) (*types.Worker, error)
	ListWorkers() ([]*types.Worker, error)
	DeleteWorker(id string) error

	// Rate limit
	GetRateLimitState() (*types.RateLimitState, error)
	PutRateLimitState(s *types.RateLimitState) error

	// Security findings
	PutSecurityFinding(f *types.SecurityFinding) error
	ListSecurityFindingsByTask(taskID string) ([]*types.SecurityFinding, error)

	Close() error
}
