package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
)

// PatternStore keeps patterns in memory. ApplyOutcome holds the write lock for
// the whole increment-then-recompute step.
type PatternStore struct {
	mu       sync.RWMutex
	patterns map[string]*crawler.Pattern
	byKey    map[string]string
	idGen    crawler.IDGenerator
}

// NewPatternStore constructs a PatternStore.
func NewPatternStore(idGen crawler.IDGenerator) *PatternStore {
	return &PatternStore{
		patterns: make(map[string]*crawler.Pattern),
		byKey:    make(map[string]string),
		idGen:    idGen,
	}
}

// ApplyOutcome creates the pattern on first use and records outcome.
func (s *PatternStore) ApplyOutcome(
	_ context.Context,
	key crawler.PatternKey,
	outcome crawler.Outcome,
) (crawler.Pattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := patternKey(key.TargetKey, key.Definition.Type, key.Signature)
	id, ok := s.byKey[k]
	if !ok {
		newID, err := s.idGen.NewID()
		if err != nil {
			return crawler.Pattern{}, fmt.Errorf("generate pattern id: %w", err)
		}
		id = newID
		s.byKey[k] = id
		s.patterns[id] = &crawler.Pattern{
			ID:          id,
			TargetKey:   key.TargetKey,
			Type:        key.Definition.Type,
			Signature:   key.Signature,
			Definition:  key.Definition,
			Confidence:  crawler.Confidence(0, 0),
			ReviewState: crawler.ReviewUnreviewed,
			CreatedAt:   outcome.At,
		}
	}
	p := s.patterns[id]
	at := outcome.At
	if outcome.Success {
		total := time.Duration(p.SuccessCount)*p.AvgSuccessLatency + outcome.Latency
		p.SuccessCount++
		p.AvgSuccessLatency = total / time.Duration(p.SuccessCount)
		p.LastSuccessAt = &at
	} else {
		p.FailureCount++
		p.LastFailureAt = &at
	}
	p.Confidence = crawler.EffectiveConfidence(p.SuccessCount, p.FailureCount, p.ConfidenceOverride)
	p.UpdatedAt = at
	return *p, nil
}

// GetPattern fetches a pattern by ID.
func (s *PatternStore) GetPattern(_ context.Context, id string) (crawler.Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patterns[id]
	if !ok {
		return crawler.Pattern{}, fmt.Errorf("pattern %s: %w", id, crawler.ErrNotFound)
	}
	return *p, nil
}

// ListPatterns returns a target's patterns ordered by creation.
func (s *PatternStore) ListPatterns(_ context.Context, targetKey string) ([]crawler.Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.Pattern
	for _, p := range s.patterns {
		if targetKey == "" || p.TargetKey == targetKey {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// SetReview applies an admin decision and optional confidence override.
func (s *PatternStore) SetReview(
	_ context.Context,
	id string,
	state crawler.ReviewState,
	notes string,
	override *float64,
	at time.Time,
) (crawler.Pattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patterns[id]
	if !ok {
		return crawler.Pattern{}, fmt.Errorf("pattern %s: %w", id, crawler.ErrNotFound)
	}
	p.ReviewState = state
	p.ReviewNotes = notes
	if override != nil {
		v := *override
		p.ConfidenceOverride = &v
	}
	p.Confidence = crawler.EffectiveConfidence(p.SuccessCount, p.FailureCount, p.ConfidenceOverride)
	p.UpdatedAt = at
	return *p, nil
}

// TypeStats sums outcomes per pattern type across all targets.
func (s *PatternStore) TypeStats(_ context.Context) ([]crawler.TypeStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agg := make(map[crawler.PatternType]*crawler.TypeStats)
	for _, p := range s.patterns {
		st, ok := agg[p.Type]
		if !ok {
			st = &crawler.TypeStats{Type: p.Type}
			agg[p.Type] = st
		}
		st.Successes += p.SuccessCount
		st.Failures += p.FailureCount
	}
	out := make([]crawler.TypeStats, 0, len(agg))
	for _, st := range agg {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

func patternKey(target string, t crawler.PatternType, signature string) string {
	return target + "|" + string(t) + "|" + signature
}
