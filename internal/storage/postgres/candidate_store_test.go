package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
)

var candidateCols = []string{
	"id", "session_id", "job_id", "source_url", "final_url", "content_hash", "method",
	"payload", "confidence", "blob_uri", "created_at",
}

func candidateRow(id string, confidence float64) *pgxmock.Rows {
	at := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	return pgxmock.NewRows(candidateCols).AddRow(
		id, "s1", "j1", "https://netze-bw.de/entgelte", "https://netze-bw.de/entgelte.pdf", "abc", "table",
		[]byte(`{"kind":"hlzf","hlzf":{}}`), confidence, "", at,
	)
}

func testCandidate(confidence float64) crawler.ExtractionCandidate {
	return crawler.ExtractionCandidate{
		ID:          "c2",
		SessionID:   "s1",
		JobID:       "j1",
		ContentHash: "abc",
		Method:      crawler.MethodTable,
		Payload:     crawler.NewHLZFPayload(crawler.HLZFPayload{}),
		Confidence:  confidence,
	}
}

func TestCandidateStorePutInsertsOrUpgrades(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE candidates.confidence < EXCLUDED.confidence")).
		WillReturnRows(candidateRow("c2", 0.9))

	stored, err := NewCandidateStore(mock).PutCandidate(context.Background(), testCandidate(0.9))
	require.NoError(t, err)
	assert.Equal(t, "c2", stored.ID)
	assert.Equal(t, crawler.DataTypeHLZF, stored.Payload.Kind)
	assert.Equal(t, crawler.MethodTable, stored.Method)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCandidateStoreUpgradeLeavesProvenanceColumns(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	upsert := regexp.MustCompile(`(?s)DO UPDATE SET(.*)WHERE candidates\.confidence`)
	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (content_hash, method, data_type) DO UPDATE SET")).
		WillReturnRows(candidateRow("c1", 0.9))

	later := testCandidate(0.9)
	later.SessionID = "s2"
	later.JobID = "j2"
	stored, err := NewCandidateStore(mock).PutCandidate(context.Background(), later)
	require.NoError(t, err)
	assert.Equal(t, "c1", stored.ID)
	assert.Equal(t, "s1", stored.SessionID)
	assert.Equal(t, "j1", stored.JobID)
	assert.NoError(t, mock.ExpectationsWereMet())

	set := upsert.FindStringSubmatch(putCandidateSQL)
	require.Len(t, set, 2)
	for _, col := range []string{"session_id", "job_id", "source_url", "id ="} {
		assert.NotContains(t, set[1], col)
	}
}

func TestCandidateStorePutKeepsHigherConfidence(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO candidates")).WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE content_hash = $1 AND method = $2 AND data_type = $3")).
		WithArgs("abc", "table", "hlzf").
		WillReturnRows(candidateRow("c1", 0.95))

	stored, err := NewCandidateStore(mock).PutCandidate(context.Background(), testCandidate(0.4))
	require.NoError(t, err)
	assert.Equal(t, "c1", stored.ID)
	assert.InDelta(t, 0.95, stored.Confidence, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCandidateStoreList(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY confidence DESC")).
		WithArgs("s1").
		WillReturnRows(candidateRow("c1", 0.8))

	out, err := NewCandidateStore(mock).ListCandidates(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.NotNil(t, out[0].Payload.HLZF)
	assert.NoError(t, mock.ExpectationsWereMet())
}
