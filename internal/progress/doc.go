// Package progress carries session events from the orchestrator to its
// observers. Emitters never block: events are buffered, batched on a
// background goroutine and fanned out to sinks (structured logs, Prometheus,
// the durable event store).
package progress
