package store

import (
	"context"
	"time"
)

// SessionEvent is one persisted entry of a session's event history.
type SessionEvent struct {
	// Seq orders events within a session; assigned by the repository.
	Seq       int64     `json:"seq"`
	SessionID string    `json:"session_id"`
	JobID     string    `json:"job_id,omitempty"`
	Kind      string    `json:"kind"`
	FromState string    `json:"from_state,omitempty"`
	ToState   string    `json:"to_state,omitempty"`
	Progress  float64   `json:"progress"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}

// SessionEventRepository persists session event history. Events are
// append-only and listed in the order they were appended.
type SessionEventRepository interface {
	AppendEvents(ctx context.Context, events []SessionEvent) error
	ListEvents(ctx context.Context, sessionID string, limit int) ([]SessionEvent, error)
}
