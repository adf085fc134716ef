/*
Package ratelimit implements the Rate-Limit Arbiter.

The Arbiter is the single source of truth for whether the Worker Pool may
claim new work against the agent CLI. It watches captured subprocess
output for known rate-limit phrasing (Scan), and when a worker mid-task
reports a hit (RecordHit), the Arbiter computes a
resume_at from a consecutive-hit-indexed backoff schedule and persists the
new state through Store so it survives a daemon restart.

	┌──────────────── RATE-LIMIT ARBITER ────────────────┐
	│                                                      │
	│   worker output ──▶ Scan ──▶ RecordHit              │
	│                                  │                   │
	│                                  ▼                   │
	│                     RateLimitState{available=false,  │
	│                       resume_at, consecutive_hits}   │
	│                                  │                   │
	│                     Broker.Publish(EventHit,         │
	│                       EventUnavailable)              │
	│                                                      │
	│   recovery loop ──▶ Probe() ──▶ (past resume_at?)    │
	│                                  │                   │
	│                                  ▼                   │
	│                     available=true,                  │
	│                     Broker.Publish(EventAvailable)   │
	└──────────────────────────────────────────────────────┘

Every state change is published on a Broker (pkg/ratelimit/events.go, the
same buffered-channel fan-out idiom used elsewhere for pub-sub) for any
subscriber. Nothing in this module subscribes; the Worker Pool calls
Available before each claim.

An operator can always override the schedule via ForceResume, backing
`taskctl force-resume-rate-limit`.
*/
package ratelimit
