package storage

import "errors"

var (
	// ErrNotFound is returned when a lookup by ID finds nothing.
	ErrNotFound = errors.New("storage: not found")

	// ErrStaleClaim is returned by UpdateByToken and Heartbeat when the
	// caller's (worker_id, claim_token) no longer matches the stored
	// claim, i.e. the task was reassigned out from under the caller.
	ErrStaleClaim = errors.New("storage: stale claim")

	// ErrInvalidTransition is returned by Transition when the task's
	// current state is not in the caller's from set.
	ErrInvalidTransition = errors.New("storage: invalid state transition")

	// ErrDuplicateDedupKey is returned by SubmitTask when an active task
	// already exists with the same dedup key.
	ErrDuplicateDedupKey = errors.New("storage: duplicate dedup key")
)
