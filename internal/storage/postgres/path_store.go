package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
)

// PathStore appends crawl path records. Rows are never updated.
type PathStore struct {
	db DB
}

// NewPathStore constructs a PathStore.
func NewPathStore(db DB) *PathStore {
	return &PathStore{db: db}
}

// AppendPath inserts one record.
func (s *PathStore) AppendPath(ctx context.Context, record crawler.CrawlPathRecord) error {
	steps, err := json.Marshal(record.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	var quality []byte
	if record.Quality != nil {
		if quality, err = json.Marshal(record.Quality); err != nil {
			return fmt.Errorf("marshal quality: %w", err)
		}
	}
	var methods []byte
	if len(record.Methods) > 0 {
		if methods, err = json.Marshal(record.Methods); err != nil {
			return fmt.Errorf("marshal methods: %w", err)
		}
	}
	_, err = s.db.Exec(ctx, `INSERT INTO crawl_paths (
	id, session_id, job_id, pattern_id, signature, steps, outcome, content_hash, quality,
	total_time_ms, max_depth, confidence, methods, recorded_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		record.ID,
		record.SessionID,
		record.JobID,
		record.PatternID,
		record.Signature,
		steps,
		record.Outcome,
		record.ContentHash,
		quality,
		record.TotalTime.Milliseconds(),
		record.MaxDepth,
		record.Confidence,
		methods,
		record.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("append crawl path: %w", err)
	}
	return nil
}

// ListPaths returns a session's records in the order they were recorded.
func (s *PathStore) ListPaths(ctx context.Context, sessionID string) ([]crawler.CrawlPathRecord, error) {
	rows, err := s.db.Query(ctx, `SELECT id, session_id, job_id, pattern_id, signature, steps, outcome,
	content_hash, quality, total_time_ms, max_depth, confidence, methods, recorded_at
FROM crawl_paths
WHERE session_id = $1
ORDER BY recorded_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list crawl paths: %w", err)
	}
	defer rows.Close()
	var out []crawler.CrawlPathRecord
	for rows.Next() {
		var (
			rec                     crawler.CrawlPathRecord
			steps, quality, methods []byte
			totalMS                 int64
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.JobID, &rec.PatternID, &rec.Signature,
			&steps, &rec.Outcome, &rec.ContentHash, &quality,
			&totalMS, &rec.MaxDepth, &rec.Confidence, &methods, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan crawl path: %w", err)
		}
		if err := json.Unmarshal(steps, &rec.Steps); err != nil {
			return nil, fmt.Errorf("decode steps: %w", err)
		}
		if len(quality) > 0 {
			rec.Quality = &crawler.QualityScore{}
			if err := json.Unmarshal(quality, rec.Quality); err != nil {
				return nil, fmt.Errorf("decode quality: %w", err)
			}
		}
		if len(methods) > 0 {
			if err := json.Unmarshal(methods, &rec.Methods); err != nil {
				return nil, fmt.Errorf("decode methods: %w", err)
			}
		}
		rec.TotalTime = time.Duration(totalMS) * time.Millisecond
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list crawl paths: %w", err)
	}
	return out, nil
}
