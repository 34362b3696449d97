// Package session owns CrawlSession records: request intake with per-triple
// dedup, the state machine, progress, pause and resume, and per-type results.
package session

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/progress"
)

const (
	minYear       = 2000
	maxYear       = 2100
	lockStripes   = 64
	createRetries = 3
)

// Queue is the part of the scheduler the tracker drives: paused sessions are
// held, finished sessions are archived.
type Queue interface {
	HoldSession(sessionID string)
	ReleaseSession(sessionID string)
	ArchiveSession(ctx context.Context, sessionID string) error
}

// SubmitRequest asks for data about one target and year.
type SubmitRequest struct {
	TargetKey string
	Year      int
	DataTypes []crawler.DataType
	Priority  int
	CreatedBy string
}

// SubmitResult reports what Submit did. Session is the session that answers
// the request: a new one when Created, otherwise the active session the caller
// was attached to. Attached lists every existing session that gained a watcher.
type SubmitResult struct {
	Session  crawler.CrawlSession
	Created  bool
	Attached []string
}

// Tracker is the single writer of session records. Updates to one session are
// serialized; different sessions never share a lock.
type Tracker struct {
	store  crawler.SessionStore
	queue  Queue
	ids    crawler.IDGenerator
	clock  crawler.Clock
	events progress.Emitter
	logger *zap.Logger

	intake sync.Mutex
	locks  [lockStripes]sync.Mutex
}

// NewTracker constructs a Tracker.
func NewTracker(
	store crawler.SessionStore,
	queue Queue,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	events progress.Emitter,
	logger *zap.Logger,
) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if events == nil {
		events = progress.Discard{}
	}
	return &Tracker{
		store:  store,
		queue:  queue,
		ids:    ids,
		clock:  clock,
		events: events,
		logger: logger,
	}
}

// Submit creates a session for the requested triples, or attaches the caller
// to the active sessions that already cover them. Only uncovered data types go
// into a new session, which links the last finished session of the same
// triple as its parent.
func (t *Tracker) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	dataTypes, err := validateSubmit(req)
	if err != nil {
		return SubmitResult{}, err
	}
	t.intake.Lock()
	defer t.intake.Unlock()

	for attempt := 0; ; attempt++ {
		res, err := t.submitOnce(ctx, req, dataTypes)
		if errors.Is(err, crawler.ErrActiveSession) && attempt < createRetries {
			continue
		}
		return res, err
	}
}

func (t *Tracker) submitOnce(ctx context.Context, req SubmitRequest, dataTypes []crawler.DataType) (SubmitResult, error) {
	var (
		active    []crawler.CrawlSession
		uncovered []crawler.DataType
	)
	for _, dt := range dataTypes {
		existing, err := t.store.FindActive(ctx, req.TargetKey, req.Year, dt)
		switch {
		case err == nil:
			if !slices.ContainsFunc(active, func(s crawler.CrawlSession) bool { return s.ID == existing.ID }) {
				active = append(active, existing)
			}
		case errors.Is(err, crawler.ErrNotFound):
			uncovered = append(uncovered, dt)
		default:
			return SubmitResult{}, fmt.Errorf("find active session: %w", err)
		}
	}

	var res SubmitResult
	for _, existing := range active {
		attached, err := t.update(ctx, existing.ID, func(s *crawler.CrawlSession) error {
			s.Watchers++
			return nil
		})
		if err != nil {
			return SubmitResult{}, fmt.Errorf("attach watcher: %w", err)
		}
		res.Attached = append(res.Attached, attached.ID)
		if res.Session.ID == "" {
			res.Session = attached
		}
		t.logger.Info("request attached to active session",
			zap.String("session_id", attached.ID),
			zap.String("target_key", req.TargetKey),
			zap.Int("watchers", attached.Watchers),
		)
	}
	if len(uncovered) == 0 {
		return res, nil
	}

	id, err := t.ids.NewID()
	if err != nil {
		return SubmitResult{}, fmt.Errorf("generate session id: %w", err)
	}
	now := t.clock.Now()
	session := crawler.CrawlSession{
		ID:           id,
		TargetKey:    req.TargetKey,
		Year:         req.Year,
		DataTypes:    uncovered,
		State:        crawler.SessionQueued,
		Priority:     req.Priority,
		CurrentPhase: string(crawler.SessionQueued),
		CreatedBy:    req.CreatedBy,
		Attempts:     make(map[crawler.DataType]int),
		Results:      make(map[crawler.DataType]crawler.SessionResult),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	parent, err := t.latestTerminal(ctx, req.TargetKey, req.Year, uncovered)
	if err != nil {
		return SubmitResult{}, err
	}
	session.ParentSessionID = parent
	if err := t.store.CreateSession(ctx, session); err != nil {
		return SubmitResult{}, fmt.Errorf("create session: %w", err)
	}
	t.emit(progress.Event{
		SessionID: session.ID,
		TS:        now,
		Kind:      progress.KindNote,
		Message:   fmt.Sprintf("session created for %s %d %v", req.TargetKey, req.Year, uncovered),
	})
	t.logger.Info("session created",
		zap.String("session_id", session.ID),
		zap.String("target_key", req.TargetKey),
		zap.Int("year", req.Year),
		zap.String("parent_session_id", parent),
	)
	res.Session = session
	res.Created = true
	return res, nil
}

func (t *Tracker) latestTerminal(ctx context.Context, target string, year int, dataTypes []crawler.DataType) (string, error) {
	var latest crawler.CrawlSession
	for _, dt := range dataTypes {
		prev, err := t.store.LatestTerminal(ctx, target, year, dt)
		if errors.Is(err, crawler.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("find previous session: %w", err)
		}
		if latest.ID == "" || prev.UpdatedAt.After(latest.UpdatedAt) {
			latest = prev
		}
	}
	return latest.ID, nil
}

// Get returns a session snapshot.
func (t *Tracker) Get(ctx context.Context, id string) (crawler.CrawlSession, error) {
	session, err := t.store.GetSession(ctx, id)
	if err != nil {
		return crawler.CrawlSession{}, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// List returns sessions in the given states, newest first.
func (t *Tracker) List(ctx context.Context, states []crawler.SessionState, limit int) ([]crawler.CrawlSession, error) {
	sessions, err := t.store.ListSessions(ctx, states, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// Transition moves a session to state to. Moving to the current state is a
// no-op. Progress never decreases. Terminal states record FinishedAt and
// archive the session's remaining jobs.
func (t *Tracker) Transition(ctx context.Context, id string, to crawler.SessionState, note string) (crawler.CrawlSession, error) {
	if to == crawler.SessionPaused {
		return t.Pause(ctx, id, note)
	}
	var from crawler.SessionState
	session, err := t.update(ctx, id, func(s *crawler.CrawlSession) error {
		from = s.State
		if s.State == to {
			return errNoChange
		}
		if err := ValidateTransition(s.State, to); err != nil {
			return err
		}
		if s.State == crawler.SessionPaused && to != crawler.SessionFailed {
			return fmt.Errorf("%w: paused sessions resume through Resume", crawler.ErrInvalidTransition)
		}
		t.apply(s, to)
		if to.IsTerminal() {
			s.Error = note
		}
		return nil
	})
	if err != nil {
		return session, err
	}
	if from == to {
		return session, nil
	}
	t.emit(progress.Transition(id, from, to, session.Progress, session.UpdatedAt).WithMessage(note))
	if to.IsTerminal() {
		if t.queue != nil {
			if err := t.queue.ArchiveSession(ctx, id); err != nil {
				t.logger.Error("archive session jobs failed", zap.String("session_id", id), zap.Error(err))
			}
		}
		t.logger.Info("session finished",
			zap.String("session_id", id),
			zap.String("state", string(to)),
			zap.String("note", note),
		)
	}
	return session, nil
}

// Advance moves a running session into phase unless it is already there,
// passing through Initializing when the session is still queued. Workers call
// it at the start of each step; a paused session yields ErrSessionPaused so the
// caller stops at its suspension point.
func (t *Tracker) Advance(ctx context.Context, id string, phase crawler.SessionState) (crawler.CrawlSession, error) {
	var hops [][2]crawler.SessionState
	session, err := t.update(ctx, id, func(s *crawler.CrawlSession) error {
		switch {
		case s.State == crawler.SessionPaused:
			return crawler.ErrSessionPaused
		case s.State.IsTerminal():
			return fmt.Errorf("%w: %s", crawler.ErrTerminalSession, s.State)
		case s.State == phase:
			return errNoChange
		case phase.IsTerminal() || phase == crawler.SessionPaused:
			return fmt.Errorf("%w: advance to %s", crawler.ErrInvalidTransition, phase)
		}
		if s.State == crawler.SessionQueued && phase != crawler.SessionInitializing {
			hops = append(hops, [2]crawler.SessionState{s.State, crawler.SessionInitializing})
			t.apply(s, crawler.SessionInitializing)
		}
		if err := ValidateTransition(s.State, phase); err != nil {
			return err
		}
		hops = append(hops, [2]crawler.SessionState{s.State, phase})
		t.apply(s, phase)
		return nil
	})
	if err != nil {
		return session, err
	}
	for _, hop := range hops {
		t.emit(progress.Transition(id, hop[0], hop[1], session.Progress, session.UpdatedAt))
	}
	return session, nil
}

// SetProgress raises the progress percentage and current phase label. Lower
// values are ignored.
func (t *Tracker) SetProgress(ctx context.Context, id string, pct float64, phase string) (crawler.CrawlSession, error) {
	pct = clampPercent(pct)
	changed := false
	session, err := t.update(ctx, id, func(s *crawler.CrawlSession) error {
		if s.State.IsTerminal() {
			return fmt.Errorf("%w: %s", crawler.ErrTerminalSession, s.State)
		}
		if pct <= s.Progress && (phase == "" || phase == s.CurrentPhase) {
			return errNoChange
		}
		if pct > s.Progress {
			s.Progress = pct
		}
		if phase != "" {
			s.CurrentPhase = phase
		}
		changed = true
		return nil
	})
	if err != nil || !changed {
		return session, err
	}
	t.emit(progress.Event{
		SessionID: id,
		TS:        session.UpdatedAt,
		Kind:      progress.KindProgress,
		Progress:  session.Progress,
		Message:   session.CurrentPhase,
	})
	return session, nil
}

// Pause suspends a session. Its queued jobs stop being leased and in-flight
// jobs observe the pause at their next suspension point. Pausing a paused
// session is a no-op.
func (t *Tracker) Pause(ctx context.Context, id, reason string) (crawler.CrawlSession, error) {
	var from crawler.SessionState
	session, err := t.update(ctx, id, func(s *crawler.CrawlSession) error {
		from = s.State
		if s.State == crawler.SessionPaused {
			return errNoChange
		}
		if err := ValidateTransition(s.State, crawler.SessionPaused); err != nil {
			return err
		}
		s.PausedFrom = s.State
		s.State = crawler.SessionPaused
		s.CurrentPhase = string(crawler.SessionPaused)
		return nil
	})
	if err != nil || from == crawler.SessionPaused {
		return session, err
	}
	if t.queue != nil {
		t.queue.HoldSession(id)
	}
	t.emit(progress.Transition(id, from, crawler.SessionPaused, session.Progress, session.UpdatedAt).WithMessage(reason))
	t.logger.Info("session paused", zap.String("session_id", id), zap.String("from", string(from)), zap.String("reason", reason))
	return session, nil
}

// Resume returns a paused session to the state it paused from. Progress is
// reset to that state's floor.
func (t *Tracker) Resume(ctx context.Context, id string) (crawler.CrawlSession, error) {
	var to crawler.SessionState
	session, err := t.update(ctx, id, func(s *crawler.CrawlSession) error {
		if s.State != crawler.SessionPaused {
			return fmt.Errorf("%w: session is %s, not paused", crawler.ErrInvalidTransition, s.State)
		}
		to = s.PausedFrom
		if to == "" {
			to = crawler.SessionQueued
		}
		if err := ValidateTransition(crawler.SessionPaused, to); err != nil {
			return err
		}
		s.State = to
		s.PausedFrom = ""
		s.CurrentPhase = string(to)
		s.Progress = phaseProgress[to]
		return nil
	})
	if err != nil {
		return session, err
	}
	if t.queue != nil {
		t.queue.ReleaseSession(id)
	}
	t.emit(progress.Transition(id, crawler.SessionPaused, to, session.Progress, session.UpdatedAt).WithMessage("resumed"))
	return session, nil
}

// Paused reports whether the session is currently paused. It is the check
// workers run after every network call.
func (t *Tracker) Paused(ctx context.Context, id string) (bool, error) {
	session, err := t.store.GetSession(ctx, id)
	if err != nil {
		return false, fmt.Errorf("get session: %w", err)
	}
	return session.State == crawler.SessionPaused, nil
}

// RecordAttempt notes that signature was tried for dt.
func (t *Tracker) RecordAttempt(ctx context.Context, id string, dt crawler.DataType, signature string) (crawler.CrawlSession, error) {
	return t.update(ctx, id, func(s *crawler.CrawlSession) error {
		if s.Attempts == nil {
			s.Attempts = make(map[crawler.DataType]int)
		}
		s.Attempts[dt]++
		if signature != "" && !slices.Contains(s.Tried, signature) {
			s.Tried = append(s.Tried, signature)
		}
		return nil
	})
}

// MarkExhausted notes that no strategy is left for dt.
func (t *Tracker) MarkExhausted(ctx context.Context, id string, dt crawler.DataType) (crawler.CrawlSession, error) {
	return t.update(ctx, id, func(s *crawler.CrawlSession) error {
		if slices.Contains(s.Exhausted, dt) {
			return errNoChange
		}
		s.Exhausted = append(s.Exhausted, dt)
		return nil
	})
}

// RecordResult keeps the best result per data type: a passing result beats a
// failing one, otherwise the higher overall score wins.
func (t *Tracker) RecordResult(ctx context.Context, id string, dt crawler.DataType, result crawler.SessionResult) (crawler.CrawlSession, error) {
	return t.update(ctx, id, func(s *crawler.CrawlSession) error {
		if s.State.IsTerminal() {
			return fmt.Errorf("%w: %s", crawler.ErrTerminalSession, s.State)
		}
		if s.Results == nil {
			s.Results = make(map[crawler.DataType]crawler.SessionResult)
		}
		if prev, ok := s.Results[dt]; ok && !better(result, prev) {
			return errNoChange
		}
		s.Results[dt] = result
		return nil
	})
}

func better(a, b crawler.SessionResult) bool {
	if a.Passed != b.Passed {
		return a.Passed
	}
	return a.Quality.Overall > b.Quality.Overall
}

var errNoChange = errors.New("no change")

// update applies fn to the stored session under the session's stripe lock and
// persists the result. fn returning errNoChange skips the write.
func (t *Tracker) update(ctx context.Context, id string, fn func(*crawler.CrawlSession) error) (crawler.CrawlSession, error) {
	mu := &t.locks[stripe(id)]
	mu.Lock()
	defer mu.Unlock()
	session, err := t.store.GetSession(ctx, id)
	if err != nil {
		return crawler.CrawlSession{}, fmt.Errorf("get session: %w", err)
	}
	if err := fn(&session); err != nil {
		if errors.Is(err, errNoChange) {
			return session, nil
		}
		return session, err
	}
	session.UpdatedAt = t.clock.Now()
	if err := t.store.UpdateSession(ctx, session); err != nil {
		return crawler.CrawlSession{}, fmt.Errorf("update session: %w", err)
	}
	return session, nil
}

func (t *Tracker) apply(s *crawler.CrawlSession, to crawler.SessionState) {
	s.State = to
	s.CurrentPhase = string(to)
	if floor := phaseProgress[to]; floor > s.Progress {
		s.Progress = floor
	}
	if to.IsTerminal() {
		now := t.clock.Now()
		s.FinishedAt = &now
		s.PausedFrom = ""
	}
}

func (t *Tracker) emit(evt progress.Event) {
	t.events.Emit(evt)
}

func stripe(id string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return h.Sum32() % lockStripes
}

func clampPercent(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

func validateSubmit(req SubmitRequest) ([]crawler.DataType, error) {
	if req.TargetKey == "" {
		return nil, crawler.Malformed("target_key is required")
	}
	if req.Year < minYear || req.Year > maxYear {
		return nil, crawler.Malformed("year %d outside %d-%d", req.Year, minYear, maxYear)
	}
	if req.Priority < 1 || req.Priority > 10 {
		return nil, crawler.Malformed("priority %d outside 1-10", req.Priority)
	}
	if len(req.DataTypes) == 0 {
		return nil, crawler.Malformed("at least one data type is required")
	}
	out := make([]crawler.DataType, 0, len(req.DataTypes))
	for _, dt := range req.DataTypes {
		parsed, err := crawler.ParseDataType(string(dt))
		if err != nil {
			return nil, err
		}
		if !slices.Contains(out, parsed) {
			out = append(out, parsed)
		}
	}
	return out, nil
}
