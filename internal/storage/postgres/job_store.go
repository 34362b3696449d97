package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
)

const jobColumns = `id, session_id, pattern_id, target_key, year, data_type, domain, strategy,
	signature, explore, priority, retry_count, max_retries, scheduled_for, status, leased_by,
	lease_expires_at, last_error, created_at, updated_at`

// JobStore persists scheduler state.
type JobStore struct {
	db DB
}

// NewJobStore constructs a JobStore.
func NewJobStore(db DB) *JobStore {
	return &JobStore{db: db}
}

// SaveJob inserts a job or overwrites its mutable scheduling fields.
func (s *JobStore) SaveJob(ctx context.Context, job crawler.CrawlJob) error {
	strategy, err := json.Marshal(job.Strategy)
	if err != nil {
		return fmt.Errorf("marshal strategy: %w", err)
	}
	_, err = s.db.Exec(ctx, `INSERT INTO jobs (`+jobColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
ON CONFLICT (id) DO UPDATE SET
	priority = EXCLUDED.priority,
	retry_count = EXCLUDED.retry_count,
	scheduled_for = EXCLUDED.scheduled_for,
	status = EXCLUDED.status,
	leased_by = EXCLUDED.leased_by,
	lease_expires_at = EXCLUDED.lease_expires_at,
	last_error = EXCLUDED.last_error,
	updated_at = EXCLUDED.updated_at`,
		job.ID,
		job.SessionID,
		job.PatternID,
		job.TargetKey,
		job.Year,
		string(job.DataType),
		job.Domain,
		strategy,
		job.Signature,
		job.Explore,
		job.Priority,
		job.RetryCount,
		job.MaxRetries,
		job.ScheduledFor,
		string(job.Status),
		job.LeasedBy,
		job.LeaseExpiresAt,
		job.LastError,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, id string) (crawler.CrawlJob, error) {
	job, err := scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if noRows(err) {
		return crawler.CrawlJob{}, fmt.Errorf("job %s: %w", id, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListPendingJobs returns queued and leased jobs that are not archived.
func (s *JobStore) ListPendingJobs(ctx context.Context) ([]crawler.CrawlJob, error) {
	return s.list(ctx, `SELECT `+jobColumns+` FROM jobs
WHERE archived_at IS NULL AND status IN ('queued', 'leased')
ORDER BY scheduled_for, id`)
}

// ListDeadLetters returns dead-lettered jobs, newest first.
func (s *JobStore) ListDeadLetters(ctx context.Context, limit int) ([]crawler.CrawlJob, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	return s.list(ctx, `SELECT `+jobColumns+` FROM jobs
WHERE status = 'dead_letter'
ORDER BY updated_at DESC
LIMIT $1`, limit)
}

// ArchiveSessionJobs marks every job of the session archived; queued jobs
// become failed.
func (s *JobStore) ArchiveSessionJobs(ctx context.Context, sessionID string, at time.Time) error {
	_, err := s.db.Exec(ctx, `UPDATE jobs SET
	status = CASE WHEN status = 'queued' THEN 'failed' ELSE status END,
	last_error = CASE WHEN status = 'queued' THEN 'session finished' ELSE last_error END,
	updated_at = CASE WHEN status = 'queued' THEN $2 ELSE updated_at END,
	archived_at = $2
WHERE session_id = $1 AND archived_at IS NULL`, sessionID, at)
	if err != nil {
		return fmt.Errorf("archive session jobs: %w", err)
	}
	return nil
}

func (s *JobStore) list(ctx context.Context, query string, args ...any) ([]crawler.CrawlJob, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []crawler.CrawlJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

func scanJob(row pgx.Row) (crawler.CrawlJob, error) {
	var (
		j                crawler.CrawlJob
		dataType, status string
		strategy         []byte
	)
	err := row.Scan(
		&j.ID,
		&j.SessionID,
		&j.PatternID,
		&j.TargetKey,
		&j.Year,
		&dataType,
		&j.Domain,
		&strategy,
		&j.Signature,
		&j.Explore,
		&j.Priority,
		&j.RetryCount,
		&j.MaxRetries,
		&j.ScheduledFor,
		&status,
		&j.LeasedBy,
		&j.LeaseExpiresAt,
		&j.LastError,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
	if err != nil {
		return crawler.CrawlJob{}, err
	}
	if err := json.Unmarshal(strategy, &j.Strategy); err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("decode strategy: %w", err)
	}
	j.DataType = crawler.DataType(dataType)
	j.Status = crawler.JobStatus(status)
	return j, nil
}
