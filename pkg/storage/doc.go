/*
Package storage provides BoltDB-backed state persistence for the task queue.

BoltStore implements Store using bbolt as the underlying database, giving
ACID transactions over tasks, workers, rate-limit state and security
findings. All values are serialized as JSON and stored in separate
buckets:

	tasks              (Task ID)
	workers             (Worker ID)
	rate_limit          (fixed key "singleton")
	security_findings   ("<task ID>/<finding ID>")

# Concurrency

bbolt permits exactly one writer transaction at a time; every Store method
that needs read-then-write atomicity (ClaimNext, UpdateByToken,
Transition, Heartbeat, SweepStaleClaims) runs as a single db.Update
closure, so the closure boundary is the serialization point rather than an
in-process mutex. Reads use db.View and may run concurrently with each
other but not with a writer.

# Claim fencing

A task carries worker_id and claim_token once it leaves pending. Every
mutation a worker makes to a claimed task goes through UpdateByToken or
Heartbeat, both of which compare the caller's pair against the stored
claim before writing. A stale writer - one whose claim was reassigned by
SweepStaleClaims after a missed heartbeat deadline - gets ErrStaleClaim
instead of silently overwriting a newer worker's progress.
*/
package storage
