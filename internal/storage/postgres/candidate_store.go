package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
)

const candidateColumns = `id, session_id, job_id, source_url, final_url, content_hash, method,
	payload, confidence, blob_uri, created_at`

const putCandidateSQL = `INSERT INTO candidates (
	id, session_id, job_id, source_url, final_url, content_hash, method, data_type,
	payload, confidence, blob_uri, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (content_hash, method, data_type) DO UPDATE SET
	final_url = EXCLUDED.final_url,
	payload = EXCLUDED.payload,
	confidence = EXCLUDED.confidence,
	blob_uri = EXCLUDED.blob_uri
WHERE candidates.confidence < EXCLUDED.confidence
RETURNING ` + candidateColumns

// CandidateStore persists extraction candidates, one row per content hash,
// method and data type.
type CandidateStore struct {
	db DB
}

// NewCandidateStore constructs a CandidateStore.
func NewCandidateStore(db DB) *CandidateStore {
	return &CandidateStore{db: db}
}

// PutCandidate stores c, or keeps the existing record when its confidence is
// at least as high. An upgrade never rewrites the row's ID, session, job or
// source URL. The stored record is returned.
func (s *CandidateStore) PutCandidate(ctx context.Context, c crawler.ExtractionCandidate) (crawler.ExtractionCandidate, error) {
	payload, err := json.Marshal(c.Payload)
	if err != nil {
		return crawler.ExtractionCandidate{}, fmt.Errorf("marshal payload: %w", err)
	}
	stored, err := scanCandidate(s.db.QueryRow(ctx, putCandidateSQL,
		c.ID,
		c.SessionID,
		c.JobID,
		c.SourceURL,
		c.FinalURL,
		c.ContentHash,
		string(c.Method),
		string(c.Payload.Kind),
		payload,
		c.Confidence,
		c.BlobURI,
		c.CreatedAt,
	))
	if err == nil {
		return stored, nil
	}
	if !noRows(err) {
		return crawler.ExtractionCandidate{}, fmt.Errorf("put candidate: %w", err)
	}
	// The existing row won; return it.
	stored, err = scanCandidate(s.db.QueryRow(ctx, `SELECT `+candidateColumns+` FROM candidates
WHERE content_hash = $1 AND method = $2 AND data_type = $3`,
		c.ContentHash, string(c.Method), string(c.Payload.Kind)))
	if err != nil {
		return crawler.ExtractionCandidate{}, fmt.Errorf("get existing candidate: %w", err)
	}
	return stored, nil
}

// ListCandidates returns a session's candidates, most confident first. An
// empty session ID lists every candidate.
func (s *CandidateStore) ListCandidates(ctx context.Context, sessionID string) ([]crawler.ExtractionCandidate, error) {
	rows, err := s.db.Query(ctx, `SELECT `+candidateColumns+` FROM candidates
WHERE ($1 = '' OR session_id = $1)
ORDER BY confidence DESC, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	defer rows.Close()
	var out []crawler.ExtractionCandidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	return out, nil
}

func scanCandidate(row pgx.Row) (crawler.ExtractionCandidate, error) {
	var (
		c       crawler.ExtractionCandidate
		method  string
		payload []byte
	)
	err := row.Scan(
		&c.ID,
		&c.SessionID,
		&c.JobID,
		&c.SourceURL,
		&c.FinalURL,
		&c.ContentHash,
		&method,
		&payload,
		&c.Confidence,
		&c.BlobURI,
		&c.CreatedAt,
	)
	if err != nil {
		return crawler.ExtractionCandidate{}, err
	}
	if err := json.Unmarshal(payload, &c.Payload); err != nil {
		return crawler.ExtractionCandidate{}, fmt.Errorf("decode payload: %w", err)
	}
	c.Method = crawler.ExtractionMethod(method)
	return c, nil
}
