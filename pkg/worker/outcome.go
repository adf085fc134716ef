package worker

import "github.com/cuemby/conductor/pkg/types"

// OutcomeKind tags what a worker proposes happened to a task attempt. The
// worker never decides the task's next state itself beyond releasing its
// own claim; final disposition belongs to the orchestrator.
type OutcomeKind string

const (
	OutcomeCompleted   OutcomeKind = "completed"
	OutcomeFailed      OutcomeKind = "failed"
	OutcomeNeedsReview OutcomeKind = "needs_review"
	OutcomeRateLimited OutcomeKind = "rate_limited"
)

// Outcome is what a worker sends back after handling one claimed task. It
// carries no behavior, only facts, so the orchestrator can apply the state
// machine without calling back into the worker that produced it.
type Outcome struct {
	TaskID      string
	WorkerID    string
	Kind        OutcomeKind
	FailureKind types.FailureKind
	Err         error
}
