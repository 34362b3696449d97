package postgres

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
)

type fixedIDs struct{ id string }

func (f fixedIDs) NewID() (string, error) { return f.id, nil }

var patternCols = []string{
	"id", "target_key", "pattern_type", "signature", "definition", "confidence",
	"success_count", "failure_count", "avg_success_latency_us", "last_success_at", "last_failure_at",
	"review_state", "review_notes", "confidence_override", "created_at", "updated_at",
}

func patternRow(t *testing.T, success, failure int64, confidence float64, override *float64) *pgxmock.Rows {
	t.Helper()
	def, err := json.Marshal(crawler.StrategyDefinition{
		Type:        crawler.PatternURL,
		DataType:    crawler.DataTypeNetzentgelte,
		URLTemplate: "https://example.org/{year}.pdf",
	})
	require.NoError(t, err)
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	return pgxmock.NewRows(patternCols).AddRow(
		"p1", "netze-bw", "url", "url:abc", def, confidence,
		success, failure, int64(1500000), &at, nil,
		"unreviewed", "", override, at, at,
	)
}

func TestPatternStoreApplyOutcome(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO patterns")).
		WithArgs("p1", "netze-bw", "url", "url:abc", pgxmock.AnyArg(), 2.0/3.0,
			int64(1), int64(0), int64(1500000), pgxmock.AnyArg(), pgxmock.AnyArg(), at).
		WillReturnRows(patternRow(t, 1, 0, 2.0/3.0, nil))

	store := NewPatternStore(mock, fixedIDs{id: "p1"})
	p, err := store.ApplyOutcome(context.Background(), crawler.PatternKey{
		TargetKey: "netze-bw",
		Signature: "url:abc",
		Definition: crawler.StrategyDefinition{
			Type:        crawler.PatternURL,
			DataType:    crawler.DataTypeNetzentgelte,
			URLTemplate: "https://example.org/{year}.pdf",
		},
	}, crawler.Outcome{Success: true, Latency: 1500 * time.Millisecond, At: at})
	require.NoError(t, err)

	assert.Equal(t, "p1", p.ID)
	assert.Equal(t, crawler.PatternURL, p.Type)
	assert.Equal(t, crawler.ReviewUnreviewed, p.ReviewState)
	assert.Equal(t, 1500*time.Millisecond, p.AvgSuccessLatency)
	assert.Equal(t, "https://example.org/{year}.pdf", p.Definition.URLTemplate)
	assert.InDelta(t, 2.0/3.0, p.Confidence, 1e-9)
	require.NotNil(t, p.LastSuccessAt)
	assert.Nil(t, p.LastFailureAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPatternStoreGetMissing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM patterns WHERE id = $1")).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err = NewPatternStore(mock, fixedIDs{}).GetPattern(context.Background(), "missing")
	assert.ErrorIs(t, err, crawler.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPatternStoreListPatterns(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM patterns")).
		WithArgs("netze-bw").
		WillReturnRows(patternRow(t, 3, 1, 0.6667, nil))

	patterns, err := NewPatternStore(mock, fixedIDs{}).ListPatterns(context.Background(), "netze-bw")
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, int64(4), patterns[0].Attempts())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPatternStoreSetReviewClampsOverride(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	at := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	one := 1.0
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE patterns SET")).
		WithArgs("p1", "verified", "checked by hand", &one, at).
		WillReturnRows(patternRow(t, 1, 0, 1.0, &one))

	over := 1.7
	p, err := NewPatternStore(mock, fixedIDs{}).
		SetReview(context.Background(), "p1", crawler.ReviewVerified, "checked by hand", &over, at)
	require.NoError(t, err)
	require.NotNil(t, p.ConfidenceOverride)
	assert.InDelta(t, 1.0, *p.ConfidenceOverride, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPatternStoreSetReviewMissing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE patterns SET")).WillReturnError(pgx.ErrNoRows)

	_, err = NewPatternStore(mock, fixedIDs{}).
		SetReview(context.Background(), "nope", crawler.ReviewRejected, "", nil, time.Now())
	assert.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestPatternStoreTypeStats(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("GROUP BY pattern_type")).
		WillReturnRows(pgxmock.NewRows([]string{"pattern_type", "successes", "failures"}).
			AddRow("content", int64(2), int64(5)).
			AddRow("url", int64(9), int64(1)))

	stats, err := NewPatternStore(mock, fixedIDs{}).TypeStats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, crawler.PatternURL, stats[1].Type)
	assert.Equal(t, int64(9), stats[1].Successes)
	assert.NoError(t, mock.ExpectationsWereMet())
}
