// Package scheduler implements the persisted, tiered crawl job queue with
// leases, retries, dead letters and per-domain concurrency caps.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/metrics"
)

// Config controls scheduler behavior.
type Config struct {
	MaxRetries   int
	LeaseTimeout time.Duration
	PerDomainMax int
	// AgingAfter promotes a waiting job one tier per elapsed interval.
	// Zero disables aging, in which case high-priority load can starve lower
	// tiers indefinitely.
	AgingAfter time.Duration
}

// Result describes what Fail did with a job.
type Result string

// Fail results.
const (
	ResultRetried      Result = "retried"
	ResultDeadLettered Result = "dead_lettered"
)

// FailOutcome is returned by Fail.
type FailOutcome struct {
	Result Result
	Delay  time.Duration
	Job    crawler.CrawlJob
}

// DefaultRetries asks Enqueue to use the configured retry budget. Zero is a
// real budget: the job dead-letters on its first failure.
const DefaultRetries = -1

// Stats is a point-in-time view of the queue.
type Stats struct {
	Queued map[string]int `json:"queued"`
	Leased int            `json:"leased"`
	Held   int            `json:"held"`
}

type entry struct {
	job   crawler.CrawlJob
	seq   uint64
	tier  Tier
	since time.Time
}

// Scheduler owns job leasing for one orchestrator process. All state changes
// are written to the JobStore before the in-memory index is touched, so a
// restart can rebuild the queue with Recover.
type Scheduler struct {
	cfg      Config
	store    crawler.JobStore
	slots    DomainSlots
	backoff  *Backoff
	clock    crawler.Clock
	reviewer crawler.Reviewer
	logger   *zap.Logger

	mu           sync.Mutex
	tiers        [tierCount][]*entry
	leased       map[string]*entry
	held         map[string][]*entry
	heldSessions map[string]bool
	seq          uint64
	wake         chan struct{}
}

// New constructs a Scheduler.
func New(
	store crawler.JobStore,
	slots DomainSlots,
	backoff *Backoff,
	clock crawler.Clock,
	reviewer crawler.Reviewer,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if slots == nil {
		slots = NewLocalSlots()
	}
	if backoff == nil {
		backoff = NewBackoff(0, 0, 0)
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = 5 * time.Minute
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Scheduler{
		cfg:          cfg,
		store:        store,
		slots:        slots,
		backoff:      backoff,
		clock:        clock,
		reviewer:     reviewer,
		logger:       logger,
		leased:       make(map[string]*entry),
		held:         make(map[string][]*entry),
		heldSessions: make(map[string]bool),
		wake:         make(chan struct{}),
	}
}

// Enqueue persists a job in queued state and makes it leasable once its
// ScheduledFor time has passed.
func (s *Scheduler) Enqueue(ctx context.Context, job crawler.CrawlJob) (crawler.CrawlJob, error) {
	if job.ID == "" || job.SessionID == "" {
		return crawler.CrawlJob{}, crawler.Malformed("job id and session id are required")
	}
	if !ValidPriority(job.Priority) {
		return crawler.CrawlJob{}, crawler.Malformed("priority %d outside %d-%d", job.Priority, MinPriority, MaxPriority)
	}
	now := s.clock.Now()
	if job.MaxRetries < 0 {
		job.MaxRetries = s.cfg.MaxRetries
	}
	if job.ScheduledFor.IsZero() {
		job.ScheduledFor = now
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.Status = crawler.JobQueued
	job.LeasedBy = ""
	job.LeaseExpiresAt = nil
	job.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.SaveJob(ctx, job); err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("persist queued job: %w", err)
	}
	s.insertLocked(job, now)
	s.logger.Debug("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("session_id", job.SessionID),
		zap.String("tier", TierFor(job.Priority).String()),
		zap.Time("scheduled_for", job.ScheduledFor),
	)
	return job, nil
}

// Lease hands the next eligible job to workerID. Tiers drain high before
// normal before low, and within a tier jobs are ordered by ScheduledFor. When
// domain is set only jobs for that domain are considered, and nothing is
// returned if the domain is already at its concurrency cap. The bool result is
// false when no job is eligible.
//
// The domain slot is taken without holding the queue lock, so the picked job
// is checked again afterwards and the slot handed back if another worker got
// there first.
func (s *Scheduler) Lease(ctx context.Context, workerID, domain string) (crawler.CrawlJob, bool, error) {
	capped := make(map[string]bool)
	for {
		s.mu.Lock()
		now := s.clock.Now()
		s.promoteAgedLocked(now)
		picked, pickedDomain := s.pickLocked(now, domain, capped)
		s.mu.Unlock()
		if picked == nil {
			return crawler.CrawlJob{}, false, nil
		}

		ok, err := s.slots.Acquire(ctx, pickedDomain, s.cfg.PerDomainMax)
		if err != nil {
			return crawler.CrawlJob{}, false, fmt.Errorf("acquire domain slot: %w", err)
		}
		if !ok {
			if domain != "" {
				return crawler.CrawlJob{}, false, nil
			}
			capped[pickedDomain] = true
			continue
		}

		s.mu.Lock()
		tier, idx, found := s.indexLocked(picked)
		if !found {
			s.mu.Unlock()
			s.releaseSlot(ctx, pickedDomain)
			continue
		}
		job, err := s.leaseLocked(ctx, tier, idx, workerID, s.clock.Now())
		s.mu.Unlock()
		if err != nil {
			s.releaseSlot(ctx, pickedDomain)
			return crawler.CrawlJob{}, false, err
		}
		return job, true, nil
	}
}

// pickLocked returns the first due entry whose domain is not known to be
// capped, together with that domain.
func (s *Scheduler) pickLocked(now time.Time, domain string, capped map[string]bool) (*entry, string) {
	for t := range s.tiers {
		for _, e := range s.tiers[t] {
			if e.job.ScheduledFor.After(now) {
				break
			}
			if domain != "" && e.job.Domain != domain {
				continue
			}
			if capped[e.job.Domain] {
				continue
			}
			return e, e.job.Domain
		}
	}
	return nil, ""
}

func (s *Scheduler) indexLocked(target *entry) (Tier, int, bool) {
	for t := range s.tiers {
		for i, e := range s.tiers[t] {
			if e == target {
				return Tier(t), i, true
			}
		}
	}
	return 0, 0, false
}

// LeaseWait behaves like Lease but blocks up to wait for an eligible job,
// waking on enqueues and on the next scheduled retry rather than polling.
func (s *Scheduler) LeaseWait(
	ctx context.Context,
	workerID, domain string,
	wait time.Duration,
) (crawler.CrawlJob, bool, error) {
	deadline := time.Now().Add(wait)
	for {
		job, ok, err := s.Lease(ctx, workerID, domain)
		if err != nil || ok {
			return job, ok, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return crawler.CrawlJob{}, false, nil
		}
		s.mu.Lock()
		wake := s.wake
		if next, has := s.nextDueLocked(s.clock.Now()); has {
			if until := next.Sub(s.clock.Now()); until < remaining {
				remaining = until
			}
		}
		s.mu.Unlock()
		if remaining < time.Millisecond {
			remaining = time.Millisecond
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return crawler.CrawlJob{}, false, fmt.Errorf("lease wait canceled: %w", ctx.Err())
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Complete marks a leased job done. workerID must still hold the lease.
func (s *Scheduler) Complete(ctx context.Context, jobID, workerID string) (crawler.CrawlJob, error) {
	return s.resolve(ctx, jobID, workerID, crawler.JobDone, "")
}

// Discard marks a leased job failed without retrying it. Used when an attempt
// finished but its strategy produced nothing usable, so the session rotates to
// a different job instead.
func (s *Scheduler) Discard(ctx context.Context, jobID, workerID, reason string) (crawler.CrawlJob, error) {
	return s.resolve(ctx, jobID, workerID, crawler.JobFailed, reason)
}

func (s *Scheduler) resolve(
	ctx context.Context,
	jobID, workerID string,
	status crawler.JobStatus,
	reason string,
) (crawler.CrawlJob, error) {
	s.mu.Lock()
	e, err := s.leasedLocked(jobID, workerID)
	if err != nil {
		s.mu.Unlock()
		return crawler.CrawlJob{}, err
	}
	job := e.job
	job.Status = status
	job.LastError = reason
	job.LeaseExpiresAt = nil
	job.UpdatedAt = s.clock.Now()
	if err := s.store.SaveJob(ctx, job); err != nil {
		s.mu.Unlock()
		return crawler.CrawlJob{}, fmt.Errorf("persist %s job: %w", status, err)
	}
	delete(s.leased, jobID)
	s.mu.Unlock()

	s.releaseSlot(ctx, job.Domain)
	metrics.ObserveJobResult(string(status))
	return job, nil
}

// Fail records a transient failure of a leased job. The job is requeued with
// backoff until it has been retried MaxRetries times; the next failure moves it
// to the dead letter state and reports it to the reviewer.
func (s *Scheduler) Fail(ctx context.Context, jobID, workerID, reason string) (FailOutcome, error) {
	s.mu.Lock()
	e, err := s.leasedLocked(jobID, workerID)
	if err != nil {
		s.mu.Unlock()
		return FailOutcome{}, err
	}
	now := s.clock.Now()
	job := e.job
	job.LastError = reason
	job.LeasedBy = ""
	job.LeaseExpiresAt = nil
	job.UpdatedAt = now

	if job.RetryCount >= job.MaxRetries {
		job.Status = crawler.JobDeadLetter
		if err := s.store.SaveJob(ctx, job); err != nil {
			s.mu.Unlock()
			return FailOutcome{}, fmt.Errorf("persist dead letter: %w", err)
		}
		delete(s.leased, jobID)
		s.mu.Unlock()
		s.releaseSlot(ctx, job.Domain)

		metrics.ObserveJobResult(string(crawler.JobDeadLetter))
		s.logger.Warn("job dead-lettered",
			zap.String("job_id", job.ID),
			zap.String("session_id", job.SessionID),
			zap.Int("retry_count", job.RetryCount),
			zap.String("error", reason),
		)
		if s.reviewer != nil {
			if err := s.reviewer.ReportDeadLetter(ctx, job); err != nil {
				s.logger.Error("report dead letter failed", zap.String("job_id", job.ID), zap.Error(err))
			}
		}
		return FailOutcome{Result: ResultDeadLettered, Job: job}, nil
	}

	delay := s.backoff.Delay(job.RetryCount)
	job.RetryCount++
	job.Status = crawler.JobQueued
	job.ScheduledFor = now.Add(delay)
	if err := s.store.SaveJob(ctx, job); err != nil {
		s.mu.Unlock()
		return FailOutcome{}, fmt.Errorf("persist retry: %w", err)
	}
	delete(s.leased, jobID)
	s.insertLocked(job, now)
	s.mu.Unlock()

	s.releaseSlot(ctx, job.Domain)
	metrics.ObserveJobResult("retried")
	s.logger.Info("job scheduled for retry",
		zap.String("job_id", job.ID),
		zap.Int("retry_count", job.RetryCount),
		zap.Duration("delay", delay),
		zap.String("error", reason),
	)
	return FailOutcome{Result: ResultRetried, Delay: delay, Job: job}, nil
}

// Requeue returns a leased job to the queue without counting a failure. The
// job keeps its place in line.
func (s *Scheduler) Requeue(ctx context.Context, jobID, workerID, reason string) (crawler.CrawlJob, error) {
	s.mu.Lock()
	e, err := s.leasedLocked(jobID, workerID)
	if err != nil {
		s.mu.Unlock()
		return crawler.CrawlJob{}, err
	}
	now := s.clock.Now()
	job := e.job
	job.Status = crawler.JobQueued
	job.LeasedBy = ""
	job.LeaseExpiresAt = nil
	job.LastError = reason
	job.UpdatedAt = now
	if err := s.store.SaveJob(ctx, job); err != nil {
		s.mu.Unlock()
		return crawler.CrawlJob{}, fmt.Errorf("persist requeue: %w", err)
	}
	delete(s.leased, jobID)
	s.insertLocked(job, now)
	s.mu.Unlock()

	s.releaseSlot(ctx, job.Domain)
	metrics.ObserveJobResult("requeued")
	return job, nil
}

// leasedLocked returns the lease of jobID when workerID still holds it. A
// lease that expired and went to another worker yields ErrStaleLease.
func (s *Scheduler) leasedLocked(jobID, workerID string) (*entry, error) {
	e, ok := s.leased[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", crawler.ErrJobNotLeased, jobID)
	}
	if e.job.LeasedBy != workerID {
		return nil, fmt.Errorf("%w: %s held by %q, not %q", crawler.ErrStaleLease, jobID, e.job.LeasedBy, workerID)
	}
	return e, nil
}

// HoldSession stops queued jobs of a paused session from being leased.
func (s *Scheduler) HoldSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heldSessions[sessionID] = true
	for t := range s.tiers {
		kept := s.tiers[t][:0]
		for _, e := range s.tiers[t] {
			if e.job.SessionID == sessionID {
				s.held[sessionID] = append(s.held[sessionID], e)
				continue
			}
			kept = append(kept, e)
		}
		s.tiers[t] = kept
	}
	s.publishDepthLocked()
}

// ReleaseSession makes a held session's jobs leasable again.
func (s *Scheduler) ReleaseSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.heldSessions, sessionID)
	for _, e := range s.held[sessionID] {
		s.placeLocked(e)
	}
	delete(s.held, sessionID)
	s.publishDepthLocked()
	s.broadcastLocked()
}

// ArchiveSession drops every queued job of a finished session.
func (s *Scheduler) ArchiveSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.ArchiveSessionJobs(ctx, sessionID, s.clock.Now()); err != nil {
		return fmt.Errorf("archive session jobs: %w", err)
	}
	delete(s.held, sessionID)
	delete(s.heldSessions, sessionID)
	for t := range s.tiers {
		kept := s.tiers[t][:0]
		for _, e := range s.tiers[t] {
			if e.job.SessionID != sessionID {
				kept = append(kept, e)
			}
		}
		s.tiers[t] = kept
	}
	s.publishDepthLocked()
	return nil
}

// Reap returns jobs whose lease expired to the queue. A lease only expires
// when its worker died or hung, so the job is not charged a retry.
func (s *Scheduler) Reap(ctx context.Context) (int, error) {
	var freed []string
	defer func() {
		for _, domain := range freed {
			s.releaseSlot(ctx, domain)
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for id, e := range s.leased {
		if e.job.LeaseExpiresAt == nil || e.job.LeaseExpiresAt.After(now) {
			continue
		}
		job := e.job
		job.Status = crawler.JobQueued
		job.LeasedBy = ""
		job.LeaseExpiresAt = nil
		job.LastError = "lease expired"
		job.UpdatedAt = now
		if err := s.store.SaveJob(ctx, job); err != nil {
			return len(freed), fmt.Errorf("persist reaped job: %w", err)
		}
		delete(s.leased, id)
		s.insertLocked(job, now)
		freed = append(freed, job.Domain)
		metrics.ObserveJobResult("lease_expired")
		s.logger.Warn("lease expired, job requeued", zap.String("job_id", id), zap.String("session_id", job.SessionID))
	}
	return len(freed), nil
}

// Recover loads persisted queued and leased jobs into the in-memory index.
// Jobs that were leased by a previous process are requeued and the domain
// slots their leases held are handed back. isHeld reports sessions that are
// paused.
func (s *Scheduler) Recover(ctx context.Context, isHeld func(sessionID string) bool) (int, error) {
	jobs, err := s.store.ListPendingJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending jobs: %w", err)
	}
	var freed []string
	defer func() {
		for _, domain := range freed {
			s.releaseSlot(ctx, domain)
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for _, job := range jobs {
		if job.Status == crawler.JobLeased {
			job.Status = crawler.JobQueued
			job.LeasedBy = ""
			job.LeaseExpiresAt = nil
			job.UpdatedAt = now
			if err := s.store.SaveJob(ctx, job); err != nil {
				return 0, fmt.Errorf("persist recovered job: %w", err)
			}
			freed = append(freed, job.Domain)
		}
		if isHeld != nil && isHeld(job.SessionID) {
			s.heldSessions[job.SessionID] = true
		}
		s.insertLocked(job, now)
	}
	if len(freed) > 0 {
		s.logger.Info("recovered leased jobs", zap.Int("count", len(freed)))
	}
	return len(jobs), nil
}

// Stats returns queue depth per tier plus leased and held counts.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Queued: make(map[string]int, tierCount), Leased: len(s.leased)}
	for t := range s.tiers {
		st.Queued[Tier(t).String()] = len(s.tiers[t])
	}
	for _, entries := range s.held {
		st.Held += len(entries)
	}
	return st
}

// Position returns how many queued jobs will be offered before the first job
// of sessionID, in drain order. ok is false when the session has no queued job.
func (s *Scheduler) Position(sessionID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ahead := 0
	for t := range s.tiers {
		for _, e := range s.tiers[t] {
			if e.job.SessionID == sessionID {
				return ahead, true
			}
			ahead++
		}
	}
	return 0, false
}

// Outstanding counts the queued, held and leased jobs of sessionID.
func (s *Scheduler) Outstanding(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.held[sessionID])
	for t := range s.tiers {
		for _, e := range s.tiers[t] {
			if e.job.SessionID == sessionID {
				n++
			}
		}
	}
	for _, e := range s.leased {
		if e.job.SessionID == sessionID {
			n++
		}
	}
	return n
}

// DeadLetters lists dead-lettered jobs from the store.
func (s *Scheduler) DeadLetters(ctx context.Context, limit int) ([]crawler.CrawlJob, error) {
	jobs, err := s.store.ListDeadLetters(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return jobs, nil
}

func (s *Scheduler) leaseLocked(
	ctx context.Context,
	tier Tier,
	idx int,
	workerID string,
	now time.Time,
) (crawler.CrawlJob, error) {
	e := s.tiers[tier][idx]
	job := e.job
	expires := now.Add(s.cfg.LeaseTimeout)
	job.Status = crawler.JobLeased
	job.LeasedBy = workerID
	job.LeaseExpiresAt = &expires
	job.UpdatedAt = now
	if err := s.store.SaveJob(ctx, job); err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("persist lease: %w", err)
	}
	s.tiers[tier] = append(s.tiers[tier][:idx], s.tiers[tier][idx+1:]...)
	e.job = job
	s.leased[job.ID] = e
	metrics.ObserveJobLeased(tier.String())
	s.publishDepthLocked()
	return job, nil
}

func (s *Scheduler) insertLocked(job crawler.CrawlJob, now time.Time) {
	s.seq++
	e := &entry{job: job, seq: s.seq, tier: TierFor(job.Priority), since: now}
	if s.heldSessions[job.SessionID] {
		s.held[job.SessionID] = append(s.held[job.SessionID], e)
		return
	}
	s.placeLocked(e)
	s.publishDepthLocked()
	s.broadcastLocked()
}

func (s *Scheduler) placeLocked(e *entry) {
	list := s.tiers[e.tier]
	idx := sort.Search(len(list), func(i int) bool {
		return before(e, list[i])
	})
	list = append(list, nil)
	copy(list[idx+1:], list[idx:])
	list[idx] = e
	s.tiers[e.tier] = list
}

func before(a, b *entry) bool {
	if !a.job.ScheduledFor.Equal(b.job.ScheduledFor) {
		return a.job.ScheduledFor.Before(b.job.ScheduledFor)
	}
	return a.seq < b.seq
}

func (s *Scheduler) promoteAgedLocked(now time.Time) {
	if s.cfg.AgingAfter <= 0 {
		return
	}
	for t := TierNormal; t < tierCount; t++ {
		kept := s.tiers[t][:0]
		var promoted []*entry
		for _, e := range s.tiers[t] {
			waitStart := e.since
			if e.job.ScheduledFor.After(waitStart) {
				waitStart = e.job.ScheduledFor
			}
			if now.Sub(waitStart) >= s.cfg.AgingAfter {
				promoted = append(promoted, e)
				continue
			}
			kept = append(kept, e)
		}
		s.tiers[t] = kept
		for _, e := range promoted {
			e.tier = t - 1
			e.since = now
			s.placeLocked(e)
		}
	}
}

// nextDueLocked returns the earliest ScheduledFor still in the future. Jobs
// already due but blocked by a domain cap are woken by slot releases instead.
func (s *Scheduler) nextDueLocked(now time.Time) (time.Time, bool) {
	var next time.Time
	found := false
	for t := range s.tiers {
		list := s.tiers[t]
		idx := sort.Search(len(list), func(i int) bool {
			return list[i].job.ScheduledFor.After(now)
		})
		if idx == len(list) {
			continue
		}
		due := list[idx].job.ScheduledFor
		if !found || due.Before(next) {
			next = due
			found = true
		}
	}
	return next, found
}

func (s *Scheduler) broadcastLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

func (s *Scheduler) publishDepthLocked() {
	for t := range s.tiers {
		metrics.SetQueueDepth(Tier(t).String(), len(s.tiers[t]))
	}
}

// releaseSlot must be called without s.mu held.
func (s *Scheduler) releaseSlot(ctx context.Context, domain string) {
	if err := s.slots.Release(context.WithoutCancel(ctx), domain); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("release domain slot failed", zap.String("domain", domain), zap.Error(err))
	}
	s.mu.Lock()
	s.broadcastLocked()
	s.mu.Unlock()
}
