// Package orchestrator is the facade collaborators use: session intake,
// status, pause and resume, pattern review, and the read-only views over
// events, crawl paths and dead letters.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/session"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/store"
)

const (
	defaultJobEstimate = 45 * time.Second
	defaultListLimit   = 100
	maxListLimit       = 1000
)

// Sessions is the session tracker.
type Sessions interface {
	Submit(ctx context.Context, req session.SubmitRequest) (session.SubmitResult, error)
	Get(ctx context.Context, id string) (crawler.CrawlSession, error)
	List(ctx context.Context, states []crawler.SessionState, limit int) ([]crawler.CrawlSession, error)
	Pause(ctx context.Context, id, reason string) (crawler.CrawlSession, error)
	Resume(ctx context.Context, id string) (crawler.CrawlSession, error)
}

// Queue is the part of the scheduler the facade reads.
type Queue interface {
	Position(sessionID string) (int, bool)
	Outstanding(sessionID string) int
	DeadLetters(ctx context.Context, limit int) ([]crawler.CrawlJob, error)
	Recover(ctx context.Context, isHeld func(sessionID string) bool) (int, error)
}

// Planner starts and reconciles sessions.
type Planner interface {
	Start(ctx context.Context, sessionID string) error
	Reconcile(ctx context.Context, sessionID string) error
}

// Patterns is the pattern store.
type Patterns interface {
	Review(ctx context.Context, id string, decision crawler.ReviewState, notes string) (crawler.Pattern, error)
	Override(ctx context.Context, id string, confidence float64, notes string) (crawler.Pattern, error)
	List(ctx context.Context, targetKey string) ([]crawler.Pattern, error)
}

// Targets resolves target keys.
type Targets interface {
	Resolve(key string) (crawler.Target, error)
}

// Config tunes the queue-start estimate.
type Config struct {
	Workers     int
	JobEstimate time.Duration
}

// Deps are the facade's collaborators.
type Deps struct {
	Sessions Sessions
	Queue    Queue
	Planner  Planner
	Patterns Patterns
	Targets  Targets
	Events   store.SessionEventRepository
	Paths    crawler.PathStore
	Clock    crawler.Clock
	Logger   *zap.Logger
}

// Status is a session snapshot with its place in the queue.
type Status struct {
	Session         crawler.CrawlSession `json:"session"`
	OutstandingJobs int                  `json:"outstanding_jobs"`
	QueuePosition   *int                 `json:"queue_position,omitempty"`
	EstimatedStart  *time.Time           `json:"estimated_start,omitempty"`
}

// Orchestrator wires intake and administration over the scheduler, the
// session tracker and the pattern store.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New constructs an Orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.JobEstimate <= 0 {
		cfg.JobEstimate = defaultJobEstimate
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, deps: deps, logger: logger}
}

// Submit opens a session for the request or attaches to the active one. An
// unknown target is rejected before anything is persisted or enqueued.
func (o *Orchestrator) Submit(ctx context.Context, req session.SubmitRequest) (session.SubmitResult, error) {
	if _, err := o.deps.Targets.Resolve(req.TargetKey); err != nil {
		return session.SubmitResult{}, err
	}
	if len(req.DataTypes) == 0 {
		req.DataTypes = crawler.AllDataTypes()
	}
	res, err := o.deps.Sessions.Submit(ctx, req)
	if err != nil {
		return session.SubmitResult{}, err
	}
	if !res.Created {
		o.logger.Info("request attached to active session",
			zap.String("target_key", req.TargetKey),
			zap.Int("year", req.Year),
			zap.Strings("sessions", res.Attached),
		)
		return res, nil
	}
	if err := o.deps.Planner.Start(ctx, res.Session.ID); err != nil {
		return res, fmt.Errorf("start session: %w", err)
	}
	if s, err := o.deps.Sessions.Get(ctx, res.Session.ID); err == nil {
		res.Session = s
	}
	return res, nil
}

// Status returns a session snapshot. Queue position and estimated start are
// set while the session has queued jobs.
func (o *Orchestrator) Status(ctx context.Context, id string) (Status, error) {
	s, err := o.deps.Sessions.Get(ctx, id)
	if err != nil {
		return Status{}, err
	}
	st := Status{Session: s, OutstandingJobs: o.deps.Queue.Outstanding(id)}
	if s.State.IsTerminal() {
		return st, nil
	}
	if pos, ok := o.deps.Queue.Position(id); ok {
		start := o.deps.Clock.Now().Add(time.Duration(pos/o.cfg.Workers) * o.cfg.JobEstimate)
		st.QueuePosition = &pos
		st.EstimatedStart = &start
	}
	return st, nil
}

// Cancel pauses a session. In-flight jobs stop at their next network call
// and are not counted against their strategy.
func (o *Orchestrator) Cancel(ctx context.Context, id, reason string) (crawler.CrawlSession, error) {
	if reason == "" {
		reason = "canceled"
	}
	return o.deps.Sessions.Pause(ctx, id, reason)
}

// Resume returns a paused session to where it left off. A session whose last
// job settled while it was paused is planned again.
func (o *Orchestrator) Resume(ctx context.Context, id string) (crawler.CrawlSession, error) {
	s, err := o.deps.Sessions.Resume(ctx, id)
	if err != nil {
		return s, err
	}
	if o.deps.Queue.Outstanding(id) > 0 {
		return s, nil
	}
	if err := o.deps.Planner.Reconcile(ctx, id); err != nil {
		return s, fmt.Errorf("reconcile session: %w", err)
	}
	return o.deps.Sessions.Get(ctx, id)
}

// Recover reloads persisted jobs into the scheduler and replans active
// sessions that were left without work by a previous process.
func (o *Orchestrator) Recover(ctx context.Context) error {
	paused := map[string]bool{}
	held, err := o.deps.Sessions.List(ctx, []crawler.SessionState{crawler.SessionPaused}, maxListLimit)
	if err != nil {
		return fmt.Errorf("list paused sessions: %w", err)
	}
	for _, s := range held {
		paused[s.ID] = true
	}
	n, err := o.deps.Queue.Recover(ctx, func(id string) bool { return paused[id] })
	if err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	active, err := o.deps.Sessions.List(ctx, []crawler.SessionState{
		crawler.SessionQueued,
		crawler.SessionInitializing,
		crawler.SessionSearching,
		crawler.SessionCrawling,
		crawler.SessionExtracting,
	}, maxListLimit)
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}
	replanned := 0
	for _, s := range active {
		if o.deps.Queue.Outstanding(s.ID) > 0 {
			continue
		}
		if err := o.deps.Planner.Reconcile(ctx, s.ID); err != nil {
			o.logger.Warn("reconcile session failed", zap.String("session_id", s.ID), zap.Error(err))
			continue
		}
		replanned++
	}
	o.logger.Info("scheduler recovered", zap.Int("jobs", n), zap.Int("replanned_sessions", replanned))
	return nil
}

// ReviewPattern records an admin decision on a pattern.
func (o *Orchestrator) ReviewPattern(ctx context.Context, id string, decision crawler.ReviewState, notes string) (crawler.Pattern, error) {
	return o.deps.Patterns.Review(ctx, id, decision, notes)
}

// OverrideConfidence pins a pattern's confidence.
func (o *Orchestrator) OverrideConfidence(ctx context.Context, id string, confidence float64, notes string) (crawler.Pattern, error) {
	return o.deps.Patterns.Override(ctx, id, confidence, notes)
}

// Patterns lists learned patterns, optionally for one target.
func (o *Orchestrator) Patterns(ctx context.Context, targetKey string) ([]crawler.Pattern, error) {
	if targetKey != "" {
		if _, err := o.deps.Targets.Resolve(targetKey); err != nil {
			return nil, err
		}
	}
	return o.deps.Patterns.List(ctx, targetKey)
}

// Events returns a session's event history.
func (o *Orchestrator) Events(ctx context.Context, id string, limit int) ([]store.SessionEvent, error) {
	if _, err := o.deps.Sessions.Get(ctx, id); err != nil {
		return nil, err
	}
	if o.deps.Events == nil {
		return []store.SessionEvent{}, nil
	}
	events, err := o.deps.Events.ListEvents(ctx, id, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list session events: %w", err)
	}
	return events, nil
}

// Paths returns the crawl path records of a session.
func (o *Orchestrator) Paths(ctx context.Context, id string) ([]crawler.CrawlPathRecord, error) {
	if _, err := o.deps.Sessions.Get(ctx, id); err != nil {
		return nil, err
	}
	paths, err := o.deps.Paths.ListPaths(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list crawl paths: %w", err)
	}
	return paths, nil
}

// DeadLetters lists jobs that exhausted their retries.
func (o *Orchestrator) DeadLetters(ctx context.Context, limit int) ([]crawler.CrawlJob, error) {
	return o.deps.Queue.DeadLetters(ctx, clampLimit(limit))
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	default:
		return limit
	}
}
