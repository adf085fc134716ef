/*
Package recovery implements the single supervised sweep loop that keeps
the Store's view of the world honest against reality: dead workers,
orphaned claims, disk pressure, and elapsed backoffs.

Each tick of Loop.run calls Sweep, which performs, in order:

 1. Release stale claims - any processing task whose heartbeat has gone
    quiet for DeadMultiple*HeartbeatInterval is un-claimed via the store's
    own SweepStaleClaims, which rotates its claim token out from under a
    worker that may eventually check back in (fenced, not raced).
 2. Reap dead workers - worker rows past the same deadline are deleted;
    their tasks were already released in step 1.
 3. Disk pressure - statfs the data directory; below the configured
    floor, the LowDisk flag is set and an out-of-cycle terminal-task prune
    runs immediately. The worker pool does not read LowDisk; claiming
    continues.
 4. Rate-limit probe - give the Arbiter a chance to flip back to
    available once resume_at has elapsed.
 5. Retry eligibility - retrying tasks whose attempt-indexed backoff has
    elapsed move back to pending.
 6. Retention prune - terminal tasks older than the retention grace
    period are deleted. This and step 3's emergency prune are the only
    places tasks are ever deleted.

Every transition the loop makes goes through the store's compare-and-set
Transition or SweepStaleClaims, both fenced on current state, so a sweep
racing a live worker's own update can never clobber progress: the worker's
write wins if it lands first, the loop's release wins if the worker is
truly gone.
*/
package recovery
