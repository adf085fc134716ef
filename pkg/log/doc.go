/*
Package log provides structured logging for the orchestration core using
zerolog.

# Architecture

	┌──────────────────── STRUCTURED LOGGING ──────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │              Logger (zerolog.Logger)         │          │
	│  │  - Global instance, initialized once         │          │
	│  │  - JSON or console output                    │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Contextual child loggers           │          │
	│  │  - WithComponent("orchestrator")             │          │
	│  │  - WithTaskID("task-abc123")                 │          │
	│  │  - WithWorkerID("worker-3")                  │          │
	│  └──────────────────────────────────────────────┘          │
	└────────────────────────────────────────────────────────────┘

# Initialization

	import "github.com/cuemby/conductor/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

# Usage

	log.Info("daemon starting")

	orchLog := log.WithComponent("orchestrator")
	orchLog.Info().Str("task_id", "t-1").Msg("task dispatched")

	taskLog := log.WithTaskID("t-1")
	taskLog.Warn().Int("attempt", 2).Msg("heartbeat missed")

# Output formats

JSON (production):

	{"level":"info","component":"worker","task_id":"t-1","time":"2026-07-30T10:30:00Z","message":"task completed"}

Console (development, cfg.JSONOutput=false):

	2026-07-30T10:30:00Z INF task completed component=worker task_id=t-1

# Conventions

  - component identifies the emitting package: orchestrator, worker,
    ratelimit, security, recovery, storage.
  - task_id and worker_id are attached via WithTaskID/WithWorkerID rather
    than repeated at every call site.
  - Log level follows severity, not verbosity: Info for normal state
    transitions, Warn for retriable failures, Error for operator-actionable
    conditions (security_block, exhausted).
*/
package log
