package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
)

// PathStore is an append-only log of crawl paths.
type PathStore struct {
	mu      sync.RWMutex
	records []crawler.CrawlPathRecord
}

// NewPathStore constructs a PathStore.
func NewPathStore() *PathStore {
	return &PathStore{}
}

// AppendPath appends a record.
func (s *PathStore) AppendPath(_ context.Context, record crawler.CrawlPathRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record.Steps = slices.Clone(record.Steps)
	record.Methods = slices.Clone(record.Methods)
	s.records = append(s.records, record)
	return nil
}

// ListPaths returns a session's records in append order.
func (s *PathStore) ListPaths(_ context.Context, sessionID string) ([]crawler.CrawlPathRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.CrawlPathRecord
	for _, r := range s.records {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out, nil
}
