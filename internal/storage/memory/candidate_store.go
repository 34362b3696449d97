package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
)

// CandidateStore keeps one candidate per (content hash, method).
type CandidateStore struct {
	mu         sync.RWMutex
	candidates map[string]crawler.ExtractionCandidate
}

// NewCandidateStore constructs a CandidateStore.
func NewCandidateStore() *CandidateStore {
	return &CandidateStore{candidates: make(map[string]crawler.ExtractionCandidate)}
}

// PutCandidate stores c, or keeps the existing record when its confidence is
// at least as high. A more confident duplicate replaces the payload but keeps
// the first record's ID and provenance. The stored record is returned.
func (s *CandidateStore) PutCandidate(
	_ context.Context,
	c crawler.ExtractionCandidate,
) (crawler.ExtractionCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := c.DedupKey()
	existing, ok := s.candidates[key]
	if ok && existing.Confidence >= c.Confidence {
		return existing, nil
	}
	if ok {
		existing.FinalURL = c.FinalURL
		existing.Payload = c.Payload
		existing.Confidence = c.Confidence
		existing.BlobURI = c.BlobURI
		c = existing
	}
	s.candidates[key] = c
	return c, nil
}

// ListCandidates returns candidates first stored by a session.
func (s *CandidateStore) ListCandidates(_ context.Context, sessionID string) ([]crawler.ExtractionCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.ExtractionCandidate
	for _, c := range s.candidates {
		if sessionID == "" || c.SessionID == sessionID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})
	return out, nil
}
