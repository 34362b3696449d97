// Package crawler defines the domain model and the small ports shared by the
// orchestrator subsystems: patterns, sessions, jobs, extraction candidates and
// the fetch, storage and notification interfaces they depend on.
package crawler
