// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
)

type storedJob struct {
	job        crawler.CrawlJob
	archivedAt *time.Time
}

// JobStore keeps crawl jobs in a map guarded by a RWMutex.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]storedJob
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]storedJob)}
}

// SaveJob inserts or replaces a job.
func (s *JobStore) SaveJob(_ context.Context, job crawler.CrawlJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.jobs[job.ID]
	s.jobs[job.ID] = storedJob{job: job, archivedAt: prev.archivedAt}
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, id string) (crawler.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.jobs[id]
	if !ok {
		return crawler.CrawlJob{}, fmt.Errorf("job %s: %w", id, crawler.ErrNotFound)
	}
	return stored.job, nil
}

// ListPendingJobs returns queued and leased jobs that are not archived.
func (s *JobStore) ListPendingJobs(_ context.Context) ([]crawler.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.CrawlJob
	for _, stored := range s.jobs {
		if stored.archivedAt != nil {
			continue
		}
		if stored.job.Status == crawler.JobQueued || stored.job.Status == crawler.JobLeased {
			out = append(out, stored.job)
		}
	}
	sortJobs(out)
	return out, nil
}

// ListDeadLetters returns dead-lettered jobs, newest first.
func (s *JobStore) ListDeadLetters(_ context.Context, limit int) ([]crawler.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.CrawlJob
	for _, stored := range s.jobs {
		if stored.job.Status == crawler.JobDeadLetter {
			out = append(out, stored.job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ArchiveSessionJobs marks every job of the session archived; queued jobs
// become failed.
func (s *JobStore) ArchiveSessionJobs(_ context.Context, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, stored := range s.jobs {
		if stored.job.SessionID != sessionID || stored.archivedAt != nil {
			continue
		}
		if stored.job.Status == crawler.JobQueued {
			stored.job.Status = crawler.JobFailed
			stored.job.LastError = "session finished"
			stored.job.UpdatedAt = at
		}
		ts := at
		stored.archivedAt = &ts
		s.jobs[id] = stored
	}
	return nil
}

func sortJobs(jobs []crawler.CrawlJob) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].ScheduledFor.Equal(jobs[j].ScheduledFor) {
			return jobs[i].ScheduledFor.Before(jobs[j].ScheduledFor)
		}
		return jobs[i].ID < jobs[j].ID
	})
}
