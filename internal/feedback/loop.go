// Package feedback closes the loop after every job attempt: it records pattern
// outcomes, keeps the crawl path and candidates, settles the job with the
// scheduler, rotates to the next strategy and finishes sessions.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/pattern"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/progress"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/scheduler"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/target"
)

const defaultMaxAttempts = 8

// Jobs is the scheduler surface used to settle and create jobs.
type Jobs interface {
	Enqueue(ctx context.Context, job crawler.CrawlJob) (crawler.CrawlJob, error)
	Complete(ctx context.Context, jobID, workerID string) (crawler.CrawlJob, error)
	Discard(ctx context.Context, jobID, workerID, reason string) (crawler.CrawlJob, error)
	Fail(ctx context.Context, jobID, workerID, reason string) (scheduler.FailOutcome, error)
	Requeue(ctx context.Context, jobID, workerID, reason string) (crawler.CrawlJob, error)
}

// Sessions is the session tracker surface.
type Sessions interface {
	Get(ctx context.Context, id string) (crawler.CrawlSession, error)
	Paused(ctx context.Context, id string) (bool, error)
	RecordAttempt(ctx context.Context, id string, dt crawler.DataType, signature string) (crawler.CrawlSession, error)
	RecordResult(ctx context.Context, id string, dt crawler.DataType, result crawler.SessionResult) (crawler.CrawlSession, error)
	MarkExhausted(ctx context.Context, id string, dt crawler.DataType) (crawler.CrawlSession, error)
	Transition(ctx context.Context, id string, to crawler.SessionState, note string) (crawler.CrawlSession, error)
	SetProgress(ctx context.Context, id string, pct float64, phase string) (crawler.CrawlSession, error)
}

// Patterns is the pattern store surface.
type Patterns interface {
	RecordOutcome(ctx context.Context, targetKey string, def crawler.StrategyDefinition, success bool, latency time.Duration) (crawler.Pattern, error)
	List(ctx context.Context, targetKey string) ([]crawler.Pattern, error)
	TypeStats(ctx context.Context) ([]crawler.TypeStats, error)
}

// Selector picks the next strategy.
type Selector interface {
	Select(in pattern.Input) (pattern.Strategy, bool)
}

// Targets resolves target keys.
type Targets interface {
	Resolve(key string) (crawler.Target, error)
}

// Config tunes the loop.
type Config struct {
	MaxAttemptsPerType int
}

// Deps are the loop's collaborators. Candidates, Paths and Reviewer may be nil.
type Deps struct {
	Jobs       Jobs
	Sessions   Sessions
	Patterns   Patterns
	Selector   Selector
	Targets    Targets
	Candidates crawler.CandidateStore
	Paths      crawler.PathStore
	Reviewer   crawler.Reviewer
	IDs        crawler.IDGenerator
	Clock      crawler.Clock
	Events     progress.Emitter
	Logger     *zap.Logger
}

// Scored is an extraction candidate with its quality verdict and the
// definition that reached its document.
type Scored struct {
	Candidate crawler.ExtractionCandidate
	Quality   crawler.QualityScore
	Passed    bool
	Refined   crawler.StrategyDefinition
}

// Attempt is the finished execution of one leased job. Job must be the
// leased copy so its LeasedBy identifies the worker settling it.
type Attempt struct {
	Job        crawler.CrawlJob
	Steps      []crawler.PathStep
	Candidates []Scored
	Err        error
	Latency    time.Duration
}

// Loop applies attempt outcomes.
type Loop struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	events progress.Emitter
}

// New builds a Loop.
func New(cfg Config, deps Deps) *Loop {
	if cfg.MaxAttemptsPerType <= 0 {
		cfg.MaxAttemptsPerType = defaultMaxAttempts
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := deps.Events
	if events == nil {
		events = progress.Discard{}
	}
	return &Loop{cfg: cfg, deps: deps, logger: logger, events: events}
}

// Start plans the first job for every pending data type of a new session.
func (l *Loop) Start(ctx context.Context, sessionID string) error {
	session, err := l.deps.Sessions.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	for _, dt := range session.Pending() {
		if err := l.Plan(ctx, sessionID, dt); err != nil {
			return err
		}
	}
	return nil
}

// Reconcile brings a session with no outstanding job back in line: it is
// finished when every data type is resolved, otherwise its pending types are
// planned again. Used after a resume.
func (l *Loop) Reconcile(ctx context.Context, sessionID string) error {
	session, err := l.deps.Sessions.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if session.State.IsTerminal() {
		return nil
	}
	for _, dt := range session.DataTypes {
		if !session.Resolved(dt) {
			return l.Start(ctx, sessionID)
		}
	}
	return l.finishIfResolved(ctx, sessionID)
}

// Plan selects the next strategy for dt and enqueues a job for it. When no
// strategy is left the data type is marked exhausted and the session may
// finish.
func (l *Loop) Plan(ctx context.Context, sessionID string, dt crawler.DataType) error {
	session, err := l.deps.Sessions.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if session.State.IsTerminal() || session.Resolved(dt) {
		return nil
	}
	tgt, err := l.deps.Targets.Resolve(session.TargetKey)
	if err != nil {
		_, terr := l.deps.Sessions.Transition(ctx, sessionID, crawler.SessionFailed, err.Error())
		return errors.Join(err, terr)
	}

	strategy, ok := l.next(ctx, session, dt)
	if !ok {
		return l.exhaust(ctx, sessionID, dt)
	}
	if _, err := l.deps.Sessions.RecordAttempt(ctx, sessionID, dt, strategy.Signature); err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	id, err := l.deps.IDs.NewID()
	if err != nil {
		return fmt.Errorf("generate job id: %w", err)
	}
	job, err := l.deps.Jobs.Enqueue(ctx, crawler.CrawlJob{
		ID:         id,
		SessionID:  sessionID,
		PatternID:  strategy.PatternID,
		TargetKey:  session.TargetKey,
		Year:       session.Year,
		DataType:   dt,
		Domain:     target.Domain(tgt),
		Strategy:   strategy.Definition,
		Signature:  strategy.Signature,
		Explore:    strategy.Explore,
		Priority:   session.Priority,
		MaxRetries: scheduler.DefaultRetries,
	})
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	l.logger.Info("job planned",
		zap.String("session_id", sessionID),
		zap.String("job_id", job.ID),
		zap.String("data_type", string(dt)),
		zap.String("pattern_type", string(strategy.Definition.Type)),
		zap.String("pattern_id", strategy.PatternID),
		zap.Bool("explore", strategy.Explore),
	)
	return nil
}

func (l *Loop) next(ctx context.Context, session crawler.CrawlSession, dt crawler.DataType) (pattern.Strategy, bool) {
	if session.Attempts[dt] >= l.cfg.MaxAttemptsPerType {
		return pattern.Strategy{}, false
	}
	patterns, err := l.deps.Patterns.List(ctx, session.TargetKey)
	if err != nil {
		l.logger.Warn("list patterns failed, using defaults", zap.String("target_key", session.TargetKey), zap.Error(err))
	}
	stats, err := l.deps.Patterns.TypeStats(ctx)
	if err != nil {
		l.logger.Warn("pattern type stats failed", zap.Error(err))
	}
	return l.deps.Selector.Select(pattern.Input{
		DataType:  dt,
		Patterns:  patterns,
		Tried:     session.Tried,
		TypeStats: stats,
	})
}

// Record settles one attempt. Bookkeeping runs detached from the job's
// deadline so a timed out attempt is still recorded. A failed attempt of a
// session that was paused while it ran is put back in the queue and not held
// against its strategy.
func (l *Loop) Record(ctx context.Context, a Attempt) error {
	ctx = context.WithoutCancel(ctx)
	job := a.Job
	a.Candidates = l.storeCandidates(ctx, a.Candidates)
	best := bestOf(a.Candidates)

	err := a.Err
	if err == nil && best == nil {
		err = crawler.ErrNoCandidate
	}
	if err == nil && !best.Passed {
		err = fmt.Errorf("%w: %.2f", crawler.ErrQualityBelow, best.Quality.Overall)
	}
	kind := crawler.ClassifyError(err)
	if countsAgainstStrategy(kind) && l.paused(ctx, job.SessionID) {
		err = fmt.Errorf("%w: %w", crawler.ErrSessionPaused, err)
		kind = crawler.KindCanceled
	}
	l.appendPath(ctx, a, best, outcomeLabel(err, kind))

	switch {
	case kind == "":
		return l.succeed(ctx, a, best)
	case errors.Is(err, crawler.ErrTerminalSession):
		if _, derr := l.deps.Jobs.Discard(ctx, job.ID, job.LeasedBy, err.Error()); derr != nil && !errors.Is(derr, crawler.ErrJobNotLeased) {
			return fmt.Errorf("discard job: %w", derr)
		}
		return nil
	case kind == crawler.KindCanceled:
		if _, rerr := l.deps.Jobs.Requeue(ctx, job.ID, job.LeasedBy, err.Error()); rerr != nil {
			if errors.Is(rerr, crawler.ErrJobNotLeased) {
				l.logger.Warn("requeuing job whose lease was lost", zap.String("job_id", job.ID), zap.Error(rerr))
				return nil
			}
			return fmt.Errorf("requeue canceled job: %w", rerr)
		}
		l.logger.Info("job returned to queue", zap.String("job_id", job.ID), zap.String("session_id", job.SessionID), zap.Error(err))
		return nil
	case kind == crawler.KindFatal:
		if _, derr := l.deps.Jobs.Discard(ctx, job.ID, job.LeasedBy, err.Error()); derr != nil && !errors.Is(derr, crawler.ErrJobNotLeased) {
			return fmt.Errorf("discard job: %w", derr)
		}
		l.jobEvent(progress.KindJobFailed, job, err.Error())
		_, terr := l.deps.Sessions.Transition(ctx, job.SessionID, crawler.SessionFailed, err.Error())
		return terr
	case kind == crawler.KindTransient:
		return l.retry(ctx, a, err)
	default:
		return l.rotate(ctx, a, best, err)
	}
}

func (l *Loop) succeed(ctx context.Context, a Attempt, best *Scored) error {
	job := a.Job
	if _, err := l.deps.Jobs.Complete(ctx, job.ID, job.LeasedBy); err != nil {
		if !errors.Is(err, crawler.ErrJobNotLeased) {
			return fmt.Errorf("complete job: %w", err)
		}
		l.logger.Warn("completing job whose lease was lost", zap.String("job_id", job.ID))
	}
	l.learn(ctx, job, best.Refined, true, a.Latency)
	if _, err := l.deps.Sessions.RecordResult(ctx, job.SessionID, job.DataType, result(best)); err != nil {
		return fmt.Errorf("record result: %w", err)
	}
	l.jobEvent(progress.KindJobDone, job, fmt.Sprintf("quality %.2f from %s", best.Quality.Overall, best.Candidate.SourceURL))
	return l.finishIfResolved(ctx, job.SessionID)
}

func (l *Loop) retry(ctx context.Context, a Attempt, cause error) error {
	job := a.Job
	outcome, err := l.deps.Jobs.Fail(ctx, job.ID, job.LeasedBy, cause.Error())
	if err != nil {
		if errors.Is(err, crawler.ErrJobNotLeased) {
			l.logger.Warn("failing job whose lease was lost", zap.String("job_id", job.ID), zap.Error(cause))
			return nil
		}
		return fmt.Errorf("fail job: %w", err)
	}
	if outcome.Result == scheduler.ResultRetried {
		l.jobEvent(progress.KindJobFailed, outcome.Job, fmt.Sprintf("retry %d in %s: %v", outcome.Job.RetryCount, outcome.Delay, cause))
		return nil
	}
	l.jobEvent(progress.KindDeadLetter, outcome.Job, cause.Error())
	l.learn(ctx, job, job.Strategy, false, a.Latency)
	return l.Plan(ctx, job.SessionID, job.DataType)
}

func (l *Loop) rotate(ctx context.Context, a Attempt, best *Scored, cause error) error {
	job := a.Job
	if _, err := l.deps.Jobs.Discard(ctx, job.ID, job.LeasedBy, cause.Error()); err != nil {
		if errors.Is(err, crawler.ErrJobNotLeased) {
			// Whoever holds the job now settles it and plans the next one.
			l.logger.Warn("discarding job whose lease was lost", zap.String("job_id", job.ID), zap.Error(cause))
			return nil
		}
		return fmt.Errorf("discard job: %w", err)
	}
	l.learn(ctx, job, job.Strategy, false, a.Latency)
	if best != nil {
		if _, err := l.deps.Sessions.RecordResult(ctx, job.SessionID, job.DataType, result(best)); err != nil && !errors.Is(err, crawler.ErrTerminalSession) {
			return fmt.Errorf("record result: %w", err)
		}
	}
	l.jobEvent(progress.KindJobFailed, job, cause.Error())
	return l.Plan(ctx, job.SessionID, job.DataType)
}

// paused reports whether the session was paused after the job was leased.
// A failed lookup counts as not paused.
func (l *Loop) paused(ctx context.Context, sessionID string) bool {
	paused, err := l.deps.Sessions.Paused(ctx, sessionID)
	if err != nil {
		l.logger.Warn("pause check failed", zap.String("session_id", sessionID), zap.Error(err))
		return false
	}
	return paused
}

func countsAgainstStrategy(kind crawler.ErrorKind) bool {
	switch kind {
	case crawler.KindTransient, crawler.KindExtraction, crawler.KindQuality:
		return true
	default:
		return false
	}
}

func (l *Loop) learn(ctx context.Context, job crawler.CrawlJob, def crawler.StrategyDefinition, success bool, latency time.Duration) {
	if def.Type == "" {
		def = job.Strategy
	}
	if def.DataType == "" {
		def.DataType = job.DataType
	}
	if _, err := l.deps.Patterns.RecordOutcome(ctx, job.TargetKey, def, success, latency); err != nil {
		l.logger.Error("record pattern outcome failed",
			zap.String("job_id", job.ID),
			zap.String("target_key", job.TargetKey),
			zap.Bool("success", success),
			zap.Error(err),
		)
	}
}

func (l *Loop) exhaust(ctx context.Context, sessionID string, dt crawler.DataType) error {
	if _, err := l.deps.Sessions.MarkExhausted(ctx, sessionID, dt); err != nil {
		return fmt.Errorf("mark exhausted: %w", err)
	}
	l.logger.Info("strategies exhausted", zap.String("session_id", sessionID), zap.String("data_type", string(dt)))
	return l.finishIfResolved(ctx, sessionID)
}

// finishIfResolved ends the session once every data type is satisfied or
// exhausted. Completed needs every type satisfied; otherwise LowConfidence when
// an unsatisfied type produced candidates, and Failed when none did.
func (l *Loop) finishIfResolved(ctx context.Context, sessionID string) error {
	session, err := l.deps.Sessions.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if session.State.IsTerminal() {
		return nil
	}
	resolved := 0
	for _, dt := range session.DataTypes {
		if session.Resolved(dt) {
			resolved++
		}
	}
	if resolved < len(session.DataTypes) {
		pct := 70 + 25*float64(resolved)/float64(len(session.DataTypes))
		if _, err := l.deps.Sessions.SetProgress(ctx, sessionID, pct, ""); err != nil && !errors.Is(err, crawler.ErrTerminalSession) {
			l.logger.Warn("set progress failed", zap.String("session_id", sessionID), zap.Error(err))
		}
		return nil
	}

	to, note := verdict(session)
	final, err := l.deps.Sessions.Transition(ctx, sessionID, to, note)
	if err != nil {
		if errors.Is(err, crawler.ErrTerminalSession) || errors.Is(err, crawler.ErrInvalidTransition) {
			l.logger.Info("session not finished", zap.String("session_id", sessionID), zap.Error(err))
			return nil
		}
		return fmt.Errorf("finish session: %w", err)
	}
	if to == crawler.SessionLowConfidence && l.deps.Reviewer != nil {
		if err := l.deps.Reviewer.ReportLowConfidence(ctx, final); err != nil {
			l.logger.Error("report low confidence session failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	return nil
}

func verdict(s crawler.CrawlSession) (crawler.SessionState, string) {
	var weak, missing []crawler.DataType
	for _, dt := range s.DataTypes {
		if s.Satisfied(dt) {
			continue
		}
		if _, ok := s.Results[dt]; ok {
			weak = append(weak, dt)
		} else {
			missing = append(missing, dt)
		}
	}
	switch {
	case len(weak) == 0 && len(missing) == 0:
		return crawler.SessionCompleted, "all data types satisfied"
	case len(weak) > 0:
		return crawler.SessionLowConfidence, fmt.Sprintf("below quality threshold: %v; no candidate: %v", weak, missing)
	default:
		return crawler.SessionFailed, fmt.Sprintf("strategies exhausted without candidate: %v", missing)
	}
}

// storeCandidates persists every candidate and returns scored with each ID
// replaced by the ID of the stored record, which is the earlier record's when
// the store deduplicated.
func (l *Loop) storeCandidates(ctx context.Context, scored []Scored) []Scored {
	if l.deps.Candidates == nil {
		return scored
	}
	out := make([]Scored, len(scored))
	for i, s := range scored {
		stored, err := l.deps.Candidates.PutCandidate(ctx, s.Candidate)
		if err != nil {
			l.logger.Error("store candidate failed",
				zap.String("session_id", s.Candidate.SessionID),
				zap.String("job_id", s.Candidate.JobID),
				zap.Error(err),
			)
		} else {
			s.Candidate.ID = stored.ID
		}
		out[i] = s
	}
	return out
}

func (l *Loop) appendPath(ctx context.Context, a Attempt, best *Scored, outcome string) {
	if l.deps.Paths == nil {
		return
	}
	id, err := l.deps.IDs.NewID()
	if err != nil {
		l.logger.Error("generate path id", zap.Error(err))
		return
	}
	rec := crawler.CrawlPathRecord{
		ID:         id,
		SessionID:  a.Job.SessionID,
		JobID:      a.Job.ID,
		PatternID:  a.Job.PatternID,
		Signature:  a.Job.Signature,
		Steps:      a.Steps,
		Outcome:    outcome,
		TotalTime:  a.Latency,
		RecordedAt: l.deps.Clock.Now(),
	}
	for _, st := range a.Steps {
		rec.MaxDepth = max(rec.MaxDepth, st.Depth)
	}
	if best != nil {
		q := best.Quality
		rec.ContentHash = best.Candidate.ContentHash
		rec.Quality = &q
	}
	for _, s := range a.Candidates {
		if !s.Passed {
			continue
		}
		rec.Confidence = max(rec.Confidence, s.Candidate.Confidence)
		if !slices.Contains(rec.Methods, s.Candidate.Method) {
			rec.Methods = append(rec.Methods, s.Candidate.Method)
		}
	}
	if err := l.deps.Paths.AppendPath(ctx, rec); err != nil {
		l.logger.Error("append crawl path failed", zap.String("job_id", a.Job.ID), zap.Error(err))
	}
}

func (l *Loop) jobEvent(kind progress.Kind, job crawler.CrawlJob, msg string) {
	l.events.Emit(progress.JobEvent(kind, job, msg, l.deps.Clock.Now()))
}

// bestOf prefers passing candidates, then higher overall quality, then higher
// extraction confidence.
func bestOf(scored []Scored) *Scored {
	var best *Scored
	for i := range scored {
		s := &scored[i]
		switch {
		case best == nil:
			best = s
		case s.Passed != best.Passed:
			if s.Passed {
				best = s
			}
		case s.Quality.Overall != best.Quality.Overall:
			if s.Quality.Overall > best.Quality.Overall {
				best = s
			}
		case s.Candidate.Confidence > best.Candidate.Confidence:
			best = s
		}
	}
	return best
}

func result(s *Scored) crawler.SessionResult {
	return crawler.SessionResult{
		CandidateID: s.Candidate.ID,
		ContentHash: s.Candidate.ContentHash,
		Method:      s.Candidate.Method,
		SourceURL:   s.Candidate.SourceURL,
		Quality:     s.Quality,
		Passed:      s.Passed,
		Payload:     s.Candidate.Payload,
	}
}

func outcomeLabel(err error, kind crawler.ErrorKind) string {
	switch {
	case err == nil:
		return "success"
	case kind == crawler.KindCanceled:
		return string(kind)
	case errors.Is(err, crawler.ErrQualityBelow):
		return "quality_failed"
	case errors.Is(err, crawler.ErrNoCandidate):
		return "no_candidate"
	default:
		return string(kind)
	}
}
