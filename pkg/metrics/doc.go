/*
Package metrics provides Prometheus metrics collection and exposition for
the orchestration core.

# Metric groups

  - conductor_tasks_*: queue depth by state, submission/completion/failure
    counters, dispatch latency, per-class run duration.
  - conductor_workers_*: pool size and busy count.
  - conductor_rate_limit_*: arbiter availability gauge and hit counter.
  - conductor_security_findings_total: gate findings by severity.
  - conductor_recovery_*: recovery loop sweep and release counters.

Collector polls the Store on an interval for the gauges that reflect
current state rather than point-in-time events (queue depth, worker
count, rate-limit availability); counters and histograms are incremented
inline by the component that observes the event.

# HTTP exposition

Handler returns the standard promhttp handler for mounting at /metrics.
HealthHandler, ReadyHandler and LivenessHandler expose a small
component-registry-backed health model independent of Prometheus: any
component can RegisterComponent/UpdateComponent its health, and readiness
additionally requires the store, orchestrator and agentproc components to
report healthy.

	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())

# Timing helper

	timer := metrics.NewTimer()
	// ... do work ...
	timer.ObserveDuration(metrics.TaskDispatchLatency)
*/
package metrics
