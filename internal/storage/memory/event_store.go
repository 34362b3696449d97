package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/store"
)

// EventStore keeps session event history per session.
type EventStore struct {
	mu     sync.RWMutex
	seq    int64
	events map[string][]store.SessionEvent
}

// NewEventStore constructs an EventStore.
func NewEventStore() *EventStore {
	return &EventStore{events: make(map[string][]store.SessionEvent)}
}

// AppendEvents assigns sequence numbers and appends the batch.
func (s *EventStore) AppendEvents(_ context.Context, events []store.SessionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range events {
		s.seq++
		evt.Seq = s.seq
		s.events[evt.SessionID] = append(s.events[evt.SessionID], evt)
	}
	return nil
}

// ListEvents returns the most recent limit events of a session, oldest first.
// A non-positive limit returns the full history.
func (s *EventStore) ListEvents(_ context.Context, sessionID string, limit int) ([]store.SessionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.events[sessionID]
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return append([]store.SessionEvent(nil), history...), nil
}
