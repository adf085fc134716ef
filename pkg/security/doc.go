/*
Package security implements the Security Gate: command classification
before dispatch and output masking after it.

# Architecture

	┌─────────────────────── SECURITY GATE ────────────────────────┐
	│                                                                │
	│   task.Command                         worker stdout/stderr   │
	│        │                                       │               │
	│        ▼                                       ▼               │
	│  ┌────────────┐                         ┌──────────────┐      │
	│  │ScanCommand │                         │  MaskOutput  │      │
	│  │            │                         │              │      │
	│  │ blocked    │                         │ regexp-based │      │
	│  │ patterns   │                         │ redaction    │      │
	│  │ (always-on)│                         │              │      │
	│  │            │                         │              │      │
	│  │ review     │                         │              │      │
	│  │ patterns   │                         │              │      │
	│  │ (config)   │                         │              │      │
	│  └─────┬──────┘                         └──────┬───────┘      │
	│        │                                       │               │
	│        ▼                                       ▼               │
	│  allowed / needs_review / blocked      masked bytes +          │
	│  + []SecurityFinding                    []SecurityFinding      │
	└────────────────────────────────────────────────────────────────┘

# Command classification

The Worker Pool runs ScanCommand on a claimed task before it spawns any
subprocess. A blocked match (destructive filesystem operations,
disk-device writes, fork bombs) takes priority over review matches:
ScanCommand returns VerdictBlocked with that single finding. The pool
handles blocked and needs_review the same way: it records the verdict on
the task and proposes OutcomeNeedsReview, so the task moves to
needs_human_review without being run, and an operator decides whether to
unblock it.

# Output masking

MaskOutput runs on every chunk of captured agent output before it is
written to last_output_tail or forwarded to the log sink. Matches are
replaced in place with "[REDACTED:<kind>:***<last4>]", where <last4> is
the match's last four characters; the SecurityFinding persisted
for each match carries only the masked placeholder, never the original
substring, so a secret that leaked into output once is not duplicated
into the audit trail.

# Non-goals

This package does not encrypt anything at rest or in transit, and it is
not a sandbox: it cannot stop a command from running, only decide
whether to let the Worker Pool start it. Cryptographic enforcement and
process isolation are explicitly out of scope.
*/
package security
