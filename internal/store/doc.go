// Package store defines the persistence port for session event history.
// Implementations live in internal/storage; this package must not import
// database drivers or concrete clients.
package store
