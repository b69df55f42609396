/*
Package metrics defines BuildNet's Prometheus metrics.

All metrics are registered at init and exposed through Handler, which the
API server mounts at /metrics. Names use the buildnet_ prefix and group by
subsystem:

  - ledger: entries written, highest sequence, write latency, verification
    errors, writer lease failures
  - resources: registered workers by type and status, heartbeats received
  - sessions: live sessions, timeout evictions
  - builds: completions by status, wall-clock duration, bundle outcomes
  - watcher: debounced change batches by impact
  - backend: durable operation counts and latency by operation
  - tracker: live dashboard subscribers, incremental broadcasts
  - api: request counts by method and status, request latency

Components update these vectors directly; there is no polling collector.
*/
package metrics
