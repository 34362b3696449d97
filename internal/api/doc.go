// Package api hosts the HTTP server, middleware, and REST handlers for
// collaborators and operators. Notable routes:
//   - POST /v1/sessions to request data for a target and year.
//   - GET /v1/sessions/{id} plus cancel, resume, events and paths.
//   - GET /v1/patterns and the review and confidence admin actions.
//   - GET /v1/jobs/dead-letters for jobs that exhausted their retries.
//   - GET /healthz, /readyz and /metrics for probes and Prometheus.
package api
