// Package sinks implements progress consumers: structured logging, Prometheus
// collectors and the durable session event store.
package sinks
