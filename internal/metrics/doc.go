// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Stream transport states, reconnects and dropped frames by reason
//   - Sequence gaps and resyncs per symbol
//   - Snapshot fetch results and latency
//   - Session token rotations and keepalive failures
//   - Sink buffer overflows and writer flushes
package metrics
