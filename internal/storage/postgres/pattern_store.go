package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
)

const patternColumns = `id, target_key, pattern_type, signature, definition, confidence,
	success_count, failure_count, avg_success_latency_us, last_success_at, last_failure_at,
	review_state, review_notes, confidence_override, created_at, updated_at`

// applyOutcomeSQL increments the counters and recomputes confidence in one
// statement, so concurrent outcomes for the same pattern never lose updates.
const applyOutcomeSQL = `
INSERT INTO patterns (
	id, target_key, pattern_type, signature, definition, confidence,
	success_count, failure_count, avg_success_latency_us, last_success_at, last_failure_at,
	review_state, review_notes, created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'unreviewed', '', $12, $12
)
ON CONFLICT (target_key, pattern_type, signature) DO UPDATE SET
	success_count = patterns.success_count + EXCLUDED.success_count,
	failure_count = patterns.failure_count + EXCLUDED.failure_count,
	avg_success_latency_us = CASE
		WHEN EXCLUDED.success_count > 0 THEN
			(patterns.avg_success_latency_us * patterns.success_count + EXCLUDED.avg_success_latency_us)
				/ (patterns.success_count + 1)
		ELSE patterns.avg_success_latency_us
	END,
	last_success_at = COALESCE(EXCLUDED.last_success_at, patterns.last_success_at),
	last_failure_at = COALESCE(EXCLUDED.last_failure_at, patterns.last_failure_at),
	confidence = COALESCE(
		patterns.confidence_override,
		(patterns.success_count + EXCLUDED.success_count + 1)::double precision
			/ (patterns.success_count + EXCLUDED.success_count + patterns.failure_count + EXCLUDED.failure_count + 2)
	),
	updated_at = EXCLUDED.updated_at
RETURNING ` + patternColumns

// PatternStore persists patterns.
type PatternStore struct {
	db  DB
	ids crawler.IDGenerator
}

// NewPatternStore constructs a PatternStore. ids allocates the ID of a
// pattern's first row; later outcomes keep it.
func NewPatternStore(db DB, ids crawler.IDGenerator) *PatternStore {
	return &PatternStore{db: db, ids: ids}
}

// ApplyOutcome creates the pattern on first use and records outcome.
func (s *PatternStore) ApplyOutcome(
	ctx context.Context,
	key crawler.PatternKey,
	outcome crawler.Outcome,
) (crawler.Pattern, error) {
	def, err := json.Marshal(key.Definition)
	if err != nil {
		return crawler.Pattern{}, fmt.Errorf("marshal definition: %w", err)
	}
	id, err := s.ids.NewID()
	if err != nil {
		return crawler.Pattern{}, fmt.Errorf("generate pattern id: %w", err)
	}
	var (
		successes, failures int64
		latency             int64
		lastSuccess         *time.Time
		lastFailure         *time.Time
	)
	at := outcome.At.UTC()
	if outcome.Success {
		successes = 1
		latency = outcome.Latency.Microseconds()
		lastSuccess = &at
	} else {
		failures = 1
		lastFailure = &at
	}
	row := s.db.QueryRow(ctx, applyOutcomeSQL,
		id,
		key.TargetKey,
		string(key.Definition.Type),
		key.Signature,
		def,
		crawler.Confidence(successes, failures),
		successes,
		failures,
		latency,
		lastSuccess,
		lastFailure,
		at,
	)
	p, err := scanPattern(row)
	if err != nil {
		return crawler.Pattern{}, fmt.Errorf("apply pattern outcome: %w", err)
	}
	return p, nil
}

// GetPattern fetches a pattern by ID.
func (s *PatternStore) GetPattern(ctx context.Context, id string) (crawler.Pattern, error) {
	p, err := scanPattern(s.db.QueryRow(ctx, `SELECT `+patternColumns+` FROM patterns WHERE id = $1`, id))
	if noRows(err) {
		return crawler.Pattern{}, fmt.Errorf("pattern %s: %w", id, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Pattern{}, fmt.Errorf("get pattern: %w", err)
	}
	return p, nil
}

// ListPatterns returns a target's patterns ordered by creation. An empty
// target lists every pattern.
func (s *PatternStore) ListPatterns(ctx context.Context, targetKey string) ([]crawler.Pattern, error) {
	rows, err := s.db.Query(ctx, `SELECT `+patternColumns+` FROM patterns
WHERE ($1 = '' OR target_key = $1)
ORDER BY created_at, id`, targetKey)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	defer rows.Close()
	var out []crawler.Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	return out, nil
}

// SetReview applies an admin decision and optional confidence override. A nil
// override keeps any earlier override.
func (s *PatternStore) SetReview(
	ctx context.Context,
	id string,
	state crawler.ReviewState,
	notes string,
	override *float64,
	at time.Time,
) (crawler.Pattern, error) {
	if override != nil {
		v := crawler.ClampUnit(*override)
		override = &v
	}
	row := s.db.QueryRow(ctx, `
UPDATE patterns SET
	review_state = $2,
	review_notes = $3,
	confidence_override = COALESCE($4, confidence_override),
	confidence = COALESCE($4, confidence_override,
		(success_count + 1)::double precision / (success_count + failure_count + 2)),
	updated_at = $5
WHERE id = $1
RETURNING `+patternColumns, id, string(state), notes, override, at.UTC())
	p, err := scanPattern(row)
	if noRows(err) {
		return crawler.Pattern{}, fmt.Errorf("pattern %s: %w", id, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Pattern{}, fmt.Errorf("set pattern review: %w", err)
	}
	return p, nil
}

// TypeStats sums outcomes per pattern type across all targets.
func (s *PatternStore) TypeStats(ctx context.Context) ([]crawler.TypeStats, error) {
	rows, err := s.db.Query(ctx, `
SELECT pattern_type, COALESCE(SUM(success_count), 0)::bigint, COALESCE(SUM(failure_count), 0)::bigint
FROM patterns
GROUP BY pattern_type
ORDER BY pattern_type`)
	if err != nil {
		return nil, fmt.Errorf("pattern type stats: %w", err)
	}
	defer rows.Close()
	var out []crawler.TypeStats
	for rows.Next() {
		var (
			typ string
			st  crawler.TypeStats
		)
		if err := rows.Scan(&typ, &st.Successes, &st.Failures); err != nil {
			return nil, fmt.Errorf("scan type stats: %w", err)
		}
		st.Type = crawler.PatternType(typ)
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pattern type stats: %w", err)
	}
	return out, nil
}

func scanPattern(row pgx.Row) (crawler.Pattern, error) {
	var (
		p           crawler.Pattern
		typ, review string
		def         []byte
		latencyUS   int64
	)
	err := row.Scan(
		&p.ID,
		&p.TargetKey,
		&typ,
		&p.Signature,
		&def,
		&p.Confidence,
		&p.SuccessCount,
		&p.FailureCount,
		&latencyUS,
		&p.LastSuccessAt,
		&p.LastFailureAt,
		&review,
		&p.ReviewNotes,
		&p.ConfidenceOverride,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return crawler.Pattern{}, err
	}
	if err := json.Unmarshal(def, &p.Definition); err != nil {
		return crawler.Pattern{}, fmt.Errorf("decode definition: %w", err)
	}
	p.Type = crawler.PatternType(typ)
	p.ReviewState = crawler.ReviewState(review)
	p.AvgSuccessLatency = time.Duration(latencyUS) * time.Microsecond
	return p, nil
}
