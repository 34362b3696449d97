package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
)

// SessionStore keeps sessions in memory and enforces one active session per
// (target, year, data type) through a claims index.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]crawler.CrawlSession
	claims   map[string]string
}

// NewSessionStore constructs a SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]crawler.CrawlSession),
		claims:   make(map[string]string),
	}
}

// CreateSession stores a new session and claims its triples atomically.
func (s *SessionStore) CreateSession(_ context.Context, session crawler.CrawlSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	for _, dt := range session.DataTypes {
		if owner, ok := s.claims[claimKey(session.TargetKey, session.Year, dt)]; ok {
			return fmt.Errorf("%w: %s", crawler.ErrActiveSession, owner)
		}
	}
	for _, dt := range session.DataTypes {
		s.claims[claimKey(session.TargetKey, session.Year, dt)] = session.ID
	}
	s.sessions[session.ID] = cloneSession(session)
	return nil
}

// GetSession fetches a session by ID.
func (s *SessionStore) GetSession(_ context.Context, id string) (crawler.CrawlSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return crawler.CrawlSession{}, fmt.Errorf("session %s: %w", id, crawler.ErrNotFound)
	}
	return cloneSession(session), nil
}

// UpdateSession replaces a session. Reaching a terminal state releases its
// claims so a later request starts a fresh session.
func (s *SessionStore) UpdateSession(_ context.Context, session crawler.CrawlSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; !ok {
		return fmt.Errorf("session %s: %w", session.ID, crawler.ErrNotFound)
	}
	s.sessions[session.ID] = cloneSession(session)
	if session.State.IsTerminal() {
		for _, dt := range session.DataTypes {
			key := claimKey(session.TargetKey, session.Year, dt)
			if s.claims[key] == session.ID {
				delete(s.claims, key)
			}
		}
	}
	return nil
}

// FindActive returns the session holding the claim for a triple.
func (s *SessionStore) FindActive(
	_ context.Context,
	targetKey string,
	year int,
	dataType crawler.DataType,
) (crawler.CrawlSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.claims[claimKey(targetKey, year, dataType)]
	if !ok {
		return crawler.CrawlSession{}, fmt.Errorf("active session: %w", crawler.ErrNotFound)
	}
	return cloneSession(s.sessions[id]), nil
}

// LatestTerminal returns the most recently finished session for a triple.
func (s *SessionStore) LatestTerminal(
	_ context.Context,
	targetKey string,
	year int,
	dataType crawler.DataType,
) (crawler.CrawlSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  crawler.CrawlSession
		found bool
	)
	for _, session := range s.sessions {
		if session.TargetKey != targetKey || session.Year != year || !session.State.IsTerminal() {
			continue
		}
		if !slices.Contains(session.DataTypes, dataType) {
			continue
		}
		if !found || session.UpdatedAt.After(best.UpdatedAt) {
			best = session
			found = true
		}
	}
	if !found {
		return crawler.CrawlSession{}, fmt.Errorf("terminal session: %w", crawler.ErrNotFound)
	}
	return cloneSession(best), nil
}

// ListSessions returns sessions in the given states, newest first.
func (s *SessionStore) ListSessions(
	_ context.Context,
	states []crawler.SessionState,
	limit int,
) ([]crawler.CrawlSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.CrawlSession
	for _, session := range s.sessions {
		if len(states) > 0 && !slices.Contains(states, session.State) {
			continue
		}
		out = append(out, cloneSession(session))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func claimKey(target string, year int, dt crawler.DataType) string {
	return fmt.Sprintf("%s|%d|%s", target, year, dt)
}

func cloneSession(src crawler.CrawlSession) crawler.CrawlSession {
	cp := src
	cp.DataTypes = slices.Clone(src.DataTypes)
	cp.Tried = slices.Clone(src.Tried)
	cp.Exhausted = slices.Clone(src.Exhausted)
	if src.Attempts != nil {
		cp.Attempts = make(map[crawler.DataType]int, len(src.Attempts))
		for k, v := range src.Attempts {
			cp.Attempts[k] = v
		}
	}
	if src.Results != nil {
		cp.Results = make(map[crawler.DataType]crawler.SessionResult, len(src.Results))
		for k, v := range src.Results {
			cp.Results[k] = v
		}
	}
	return cp
}
