// Package pattern owns learned crawl patterns: recording outcomes, admin
// review, the default strategy catalogue and strategy selection.
package pattern

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/hash/sha256"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/metrics"
)

// Store is the service in front of a crawler.PatternStore repository.
type Store struct {
	repo   crawler.PatternStore
	clock  crawler.Clock
	logger *zap.Logger
}

// NewStore wires a Store.
func NewStore(repo crawler.PatternStore, clock crawler.Clock, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{repo: repo, clock: clock, logger: logger}
}

// RecordOutcome counts one success or failure of def for targetKey. The
// pattern row is created on first use. Confidence is recomputed by the
// repository in the same atomic step as the counter increment.
func (s *Store) RecordOutcome(
	ctx context.Context,
	targetKey string,
	def crawler.StrategyDefinition,
	success bool,
	latency time.Duration,
) (crawler.Pattern, error) {
	if targetKey == "" {
		return crawler.Pattern{}, crawler.Malformed("target key is required")
	}
	sig, err := sha256.Signature(def)
	if err != nil {
		return crawler.Pattern{}, err
	}
	if latency < 0 {
		latency = 0
	}
	p, err := s.repo.ApplyOutcome(ctx, crawler.PatternKey{
		TargetKey:  targetKey,
		Signature:  sig,
		Definition: def,
	}, crawler.Outcome{Success: success, Latency: latency, At: s.clock.Now()})
	if err != nil {
		return crawler.Pattern{}, fmt.Errorf("apply pattern outcome: %w", err)
	}
	metrics.ObservePatternOutcome(string(def.Type), success)
	s.logger.Debug("pattern outcome recorded",
		zap.String("pattern_id", p.ID),
		zap.String("target_key", targetKey),
		zap.String("pattern_type", string(p.Type)),
		zap.Bool("success", success),
		zap.Float64("confidence", p.Confidence),
	)
	return p, nil
}

// Review applies an admin decision. Only Verified and Rejected are accepted.
func (s *Store) Review(
	ctx context.Context,
	id string,
	decision crawler.ReviewState,
	notes string,
) (crawler.Pattern, error) {
	if _, err := crawler.ParseReviewDecision(string(decision)); err != nil {
		return crawler.Pattern{}, err
	}
	p, err := s.repo.SetReview(ctx, id, decision, notes, nil, s.clock.Now())
	if err != nil {
		return crawler.Pattern{}, fmt.Errorf("review pattern: %w", err)
	}
	s.logger.Info("pattern reviewed",
		zap.String("pattern_id", id),
		zap.String("decision", string(decision)),
	)
	return p, nil
}

// Override pins a pattern's confidence. An override also marks the pattern
// Verified.
func (s *Store) Override(ctx context.Context, id string, confidence float64, notes string) (crawler.Pattern, error) {
	if math.IsNaN(confidence) || confidence < 0 || confidence > 1 {
		return crawler.Pattern{}, crawler.Malformed("confidence must be within [0,1]")
	}
	p, err := s.repo.SetReview(ctx, id, crawler.ReviewVerified, notes, &confidence, s.clock.Now())
	if err != nil {
		return crawler.Pattern{}, fmt.Errorf("override pattern confidence: %w", err)
	}
	s.logger.Info("pattern confidence overridden",
		zap.String("pattern_id", id),
		zap.Float64("confidence", confidence),
	)
	return p, nil
}

// Get returns one pattern.
func (s *Store) Get(ctx context.Context, id string) (crawler.Pattern, error) {
	p, err := s.repo.GetPattern(ctx, id)
	if err != nil {
		return crawler.Pattern{}, fmt.Errorf("get pattern: %w", err)
	}
	return p, nil
}

// List returns a target's patterns. An empty target lists all patterns.
func (s *Store) List(ctx context.Context, targetKey string) ([]crawler.Pattern, error) {
	patterns, err := s.repo.ListPatterns(ctx, targetKey)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	return patterns, nil
}

// TypeStats returns global outcome counts per pattern type.
func (s *Store) TypeStats(ctx context.Context) ([]crawler.TypeStats, error) {
	stats, err := s.repo.TypeStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("pattern type stats: %w", err)
	}
	return stats, nil
}
