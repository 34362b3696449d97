package scheduler

import (
	"context"
	"sync"
)

// DomainSlots tracks in-flight jobs per domain. Acquire must be atomic: it
// either takes a slot below limit or reports false without side effects.
type DomainSlots interface {
	Acquire(ctx context.Context, domain string, limit int) (bool, error)
	Release(ctx context.Context, domain string) error
}

// LocalSlots is the in-process DomainSlots used when no Redis is configured.
type LocalSlots struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewLocalSlots returns an empty slot table.
func NewLocalSlots() *LocalSlots {
	return &LocalSlots{counts: make(map[string]int)}
}

// Acquire takes a slot for domain if fewer than limit are held.
func (s *LocalSlots) Acquire(_ context.Context, domain string, limit int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > 0 && s.counts[domain] >= limit {
		return false, nil
	}
	s.counts[domain]++
	return true, nil
}

// Release returns a slot for domain.
func (s *LocalSlots) Release(_ context.Context, domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts[domain] <= 1 {
		delete(s.counts, domain)
		return nil
	}
	s.counts[domain]--
	return nil
}

// InFlight returns the held slot count for domain.
func (s *LocalSlots) InFlight(domain string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[domain]
}
