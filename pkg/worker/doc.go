/*
Package worker implements the worker pool that executes claimed tasks by
running the agent CLI as a subprocess and reporting what happened.

A Pool supervises a fixed number of independent worker goroutines. Each
worker repeats the same cycle until told to stop:

	heartbeat (worker liveness row)
	     │
	     ▼
	Arbiter.Available()? ──No──► sleep until resume_at, retry
	     │ Yes
	     ▼
	Store.ClaimNext(workerID, classes)
	     │
	     ▼
	Gate.ScanCommand(cmd) ──Blocked/NeedsReview──► needs_human_review, release claim
	     │ Allowed
	     ▼
	BuildResumePayload(task)   (class-specific: none / tail lines / chunk marker)
	     │
	     ▼
	agentproc.Runner.Spawn(ctx, command)
	     │
	     ├─ onOutput(chunk) ──► Gate.MaskOutput ──► Arbiter.Scan ──► rate-limit hit?
	     │                                      │                        │
	     │                                      └─ over max_output_size_bytes?
	     │                                                              │
	     │                                 Stop subprocess, waiting_unban / failure_kind=resource
	     ▼
	exit=0 ──► propose Outcome{Completed}
	exit≠0 ──► security.Classify(stderr tail) ──► propose Outcome{Failed, kind}
	timeout ──► propose Outcome{Failed, kind=timeout}

A worker never decides a task's next state. It persists the fields its
attempt produced (output tail, resume blob, security verdict) while the
claim is still live, then sends an Outcome on the pool's shared channel and
leaves the task in processing, still under its own claim_token - the
orchestrator disposes of the Outcome by running the actual Transition
(retrying, failed, completed, waiting_unban, needs_human_review), clearing
worker_id/claim_token as part of that same call. This keeps there from
ever being a window where the task looks unclaimed but isn't actually done.

# Resume payloads

Light tasks carry no resume state: a retry re-runs the original command.
Medium tasks prepend the last 500 lines (outputTailLines in resume.go) of
the previous attempt's output as context; the output_tail_lines config key
does not change that number. Heavy tasks freeze an ordered chunk list from
the task's description on first execution (see resume.go); each retry
resumes from the first chunk not yet marked done, and the agent CLI is
expected to emit "CHUNK_DONE:<id>" markers as it finishes each one.

# Claim fencing

ClaimNext hands a worker a claim_token. The worker's own writes for that
task (claim heartbeats and UpdateByToken) are rejected by the store unless
they still present that token, so a worker that lost its claim to a
recovery sweep cannot overwrite the task; the pool logs the rejected write
and still reports its Outcome. The orchestrator's disposal of that Outcome
is a Transition fenced on the task still being in processing, not on the
token.
*/
package worker
