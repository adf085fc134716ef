/*
Package orchestrator is the supervisor: it wires the Store, the Arbiter,
a worker.Pool and a recovery.Loop together and owns every operator-facing
task operation (Submit, Cancel, Pause, Resume, Unblock).

A worker only ever proposes what happened to a task - an Outcome sent on
Pool.Outcomes() - and leaves the task's row in processing, still under its
own claim_token. dispose() is the only place that decides the task's next
state:

	OutcomeCompleted    ──► completed (terminal)
	OutcomeNeedsReview  ──► needs_human_review
	OutcomeRateLimited  ──► waiting_unban
	OutcomeFailed       ──► retrying, or failed (terminal) if the attempt
	                        budget is exhausted or the failure kind doesn't
	                        retry

Cancel and Pause reach into a running task a different way: they
transition the Store directly (so the operator sees the new state
immediately, without waiting for the worker's current attempt to return),
then tell the pool to SIGTERM the subprocess if one is running. A worker's
outcome that arrives afterward for the same task finds it already out of
processing and its own Transition call is rejected harmlessly - the
operator's action always wins the race.

Every terminal transition appends one line to the alert log, if
configured, via appendAlert.
*/
package orchestrator
