package postgres

import (
	"context"
	"fmt"
	"math"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/store"
)

// EventStore persists session event history.
type EventStore struct {
	db DB
}

// NewEventStore constructs an EventStore.
func NewEventStore(db DB) *EventStore {
	return &EventStore{db: db}
}

// AppendEvents writes a batch in one transaction. Sequence numbers come from
// the table's identity column.
func (s *EventStore) AppendEvents(ctx context.Context, events []store.SessionEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append events: %w", err)
	}
	defer rollback(ctx, tx)
	for _, evt := range events {
		if _, err := tx.Exec(ctx, `INSERT INTO session_events (
	session_id, job_id, kind, from_state, to_state, progress, message, at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			evt.SessionID, evt.JobID, evt.Kind, evt.FromState, evt.ToState, evt.Progress, evt.Message, evt.At,
		); err != nil {
			return fmt.Errorf("insert session event: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit session events: %w", err)
	}
	return nil
}

// ListEvents returns the most recent limit events of a session, oldest first.
// A non-positive limit returns the full history.
func (s *EventStore) ListEvents(ctx context.Context, sessionID string, limit int) ([]store.SessionEvent, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := s.db.Query(ctx, `SELECT seq, session_id, job_id, kind, from_state, to_state, progress, message, at
FROM (
	SELECT * FROM session_events WHERE session_id = $1 ORDER BY seq DESC LIMIT $2
) recent
ORDER BY seq`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list session events: %w", err)
	}
	defer rows.Close()
	var out []store.SessionEvent
	for rows.Next() {
		var evt store.SessionEvent
		if err := rows.Scan(&evt.Seq, &evt.SessionID, &evt.JobID, &evt.Kind, &evt.FromState,
			&evt.ToState, &evt.Progress, &evt.Message, &evt.At); err != nil {
			return nil, fmt.Errorf("scan session event: %w", err)
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list session events: %w", err)
	}
	return out, nil
}
