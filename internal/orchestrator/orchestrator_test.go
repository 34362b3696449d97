package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/clock"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/feedback"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/pattern"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/scheduler"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/session"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/storage/memory"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/store"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/target"
)

type nopReviewer struct{}

func (nopReviewer) ReportDeadLetter(context.Context, crawler.CrawlJob) error        { return nil }
func (nopReviewer) ReportLowConfidence(context.Context, crawler.CrawlSession) error { return nil }

type countingPlanner struct {
	inner      Planner
	reconciled []string
}

func (p *countingPlanner) Start(ctx context.Context, id string) error {
	return p.inner.Start(ctx, id)
}

func (p *countingPlanner) Reconcile(ctx context.Context, id string) error {
	p.reconciled = append(p.reconciled, id)
	return p.inner.Reconcile(ctx, id)
}

type fixture struct {
	orch     *Orchestrator
	sched    *scheduler.Scheduler
	jobs     *memory.JobStore
	tracker  *session.Tracker
	planner  *countingPlanner
	events   *memory.EventStore
	paths    *memory.PathStore
	patterns *pattern.Store
	clock    *clock.Manual
	deps     Deps
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC))
	ids := uuid.New()
	jobs := memory.NewJobStore()
	sched := scheduler.New(jobs, scheduler.NewLocalSlots(), scheduler.NewBackoff(time.Second, time.Minute, 3),
		clk, nopReviewer{}, scheduler.Config{MaxRetries: 2, LeaseTimeout: time.Minute, PerDomainMax: 2}, nil)
	sessions := memory.NewSessionStore()
	tracker := session.NewTracker(sessions, sched, ids, clk, nil, nil)
	patterns := pattern.NewStore(memory.NewPatternStore(ids), clk, nil)
	registry, err := target.NewRegistry(map[string]crawler.Target{
		"netze-bw": {Name: "Netze BW", Website: "https://www.netze-bw.de"},
		"westnetz": {Name: "Westnetz", Website: "https://www.westnetz.de"},
	})
	require.NoError(t, err)
	paths := memory.NewPathStore()
	loop := feedback.New(feedback.Config{}, feedback.Deps{
		Jobs:       sched,
		Sessions:   tracker,
		Patterns:   patterns,
		Selector:   pattern.NewSelector(0, 1),
		Targets:    registry,
		Candidates: memory.NewCandidateStore(),
		Paths:      paths,
		Reviewer:   nopReviewer{},
		IDs:        ids,
		Clock:      clk,
	})
	planner := &countingPlanner{inner: loop}
	f := fixture{
		sched:    sched,
		jobs:     jobs,
		tracker:  tracker,
		planner:  planner,
		events:   memory.NewEventStore(),
		paths:    paths,
		patterns: patterns,
		clock:    clk,
	}
	f.deps = Deps{
		Sessions: tracker,
		Queue:    sched,
		Planner:  planner,
		Patterns: patterns,
		Targets:  registry,
		Events:   f.events,
		Paths:    paths,
		Clock:    clk,
	}
	f.orch = New(Config{Workers: 2, JobEstimate: time.Minute}, f.deps)
	return f
}

func (f fixture) submit(t *testing.T, key string, priority int) session.SubmitResult {
	t.Helper()
	res, err := f.orch.Submit(context.Background(), session.SubmitRequest{TargetKey: key, Year: 2025, Priority: priority, CreatedBy: "test"})
	require.NoError(t, err)
	return res
}

func TestSubmitRejectsUnknownTarget(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.orch.Submit(context.Background(), session.SubmitRequest{TargetKey: "nowhere", Year: 2025, Priority: 5})
	require.ErrorIs(t, err, crawler.ErrTargetNotFound)
	assert.Equal(t, crawler.KindFatal, crawler.ClassifyError(err))
	assert.Zero(t, f.sched.Stats().Queued["high"]+f.sched.Stats().Queued["normal"]+f.sched.Stats().Queued["low"])
}

func TestSubmitPlansEveryDataTypeAndAttachesDuplicates(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	first := f.submit(t, "netze-bw", 5)
	require.True(t, first.Created)
	assert.Equal(t, crawler.AllDataTypes(), first.Session.DataTypes)
	assert.Equal(t, len(crawler.AllDataTypes()), f.sched.Outstanding(first.Session.ID))

	second := f.submit(t, "netze-bw", 9)
	assert.False(t, second.Created)
	assert.Equal(t, first.Session.ID, second.Session.ID)
	assert.Equal(t, len(crawler.AllDataTypes()), f.sched.Outstanding(first.Session.ID))
}

func TestStatusReportsQueuePositionAndEstimate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	ahead := f.submit(t, "westnetz", 9)
	behind := f.submit(t, "netze-bw", 2)

	st, err := f.orch.Status(context.Background(), ahead.Session.ID)
	require.NoError(t, err)
	require.NotNil(t, st.QueuePosition)
	assert.Zero(t, *st.QueuePosition)

	st, err = f.orch.Status(context.Background(), behind.Session.ID)
	require.NoError(t, err)
	require.NotNil(t, st.QueuePosition)
	assert.Equal(t, 2, *st.QueuePosition)
	require.NotNil(t, st.EstimatedStart)
	assert.Equal(t, f.clock.Now().Add(time.Minute), *st.EstimatedStart)
	assert.Equal(t, 2, st.OutstandingJobs)

	_, err = f.orch.Status(context.Background(), "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestCancelHoldsJobsAndResumeReleasesThem(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	res := f.submit(t, "netze-bw", 5)

	paused, err := f.orch.Cancel(ctx, res.Session.ID, "")
	require.NoError(t, err)
	assert.Equal(t, crawler.SessionPaused, paused.State)

	st, err := f.orch.Status(ctx, res.Session.ID)
	require.NoError(t, err)
	assert.Nil(t, st.QueuePosition)
	_, ok, err := f.sched.Lease(ctx, "w1", "")
	require.NoError(t, err)
	assert.False(t, ok)

	resumed, err := f.orch.Resume(ctx, res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, crawler.SessionQueued, resumed.State)
	assert.Empty(t, f.planner.reconciled)

	_, ok, err = f.sched.Lease(ctx, "w1", "")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestResumeReplansSessionWithoutJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	res := f.submit(t, "netze-bw", 5)

	_, err := f.orch.Cancel(ctx, res.Session.ID, "operator")
	require.NoError(t, err)
	require.NoError(t, f.sched.ArchiveSession(ctx, res.Session.ID))
	require.Zero(t, f.sched.Outstanding(res.Session.ID))

	_, err = f.orch.Resume(ctx, res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{res.Session.ID}, f.planner.reconciled)
	assert.Positive(t, f.sched.Outstanding(res.Session.ID))
}

func TestResumeRejectsActiveSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	res := f.submit(t, "netze-bw", 5)

	_, err := f.orch.Resume(context.Background(), res.Session.ID)
	require.ErrorIs(t, err, crawler.ErrInvalidTransition)
}

func TestRecoverReloadsJobsIntoFreshScheduler(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	res := f.submit(t, "netze-bw", 5)

	fresh := scheduler.New(f.jobs, scheduler.NewLocalSlots(), scheduler.NewBackoff(time.Second, time.Minute, 3),
		f.clock, nopReviewer{}, scheduler.Config{MaxRetries: 2, LeaseTimeout: time.Minute, PerDomainMax: 2}, nil)
	deps := f.deps
	deps.Queue = fresh
	orch := New(Config{}, deps)

	require.NoError(t, orch.Recover(ctx))
	assert.Equal(t, len(crawler.AllDataTypes()), fresh.Outstanding(res.Session.ID))
	assert.Empty(t, f.planner.reconciled)
}

func TestEventsAndPathsRequireKnownSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	res := f.submit(t, "netze-bw", 5)

	require.NoError(t, f.events.AppendEvents(ctx, []store.SessionEvent{
		{SessionID: res.Session.ID, Kind: "transition", ToState: "queued", At: f.clock.Now()},
		{SessionID: res.Session.ID, Kind: "job_enqueued", At: f.clock.Now()},
	}))
	events, err := f.orch.Events(ctx, res.Session.ID, 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	paths, err := f.orch.Paths(ctx, res.Session.ID)
	require.NoError(t, err)
	assert.Empty(t, paths)

	_, err = f.orch.Events(ctx, "missing", 10)
	require.ErrorIs(t, err, crawler.ErrNotFound)
	_, err = f.orch.Paths(ctx, "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestPatternAdministration(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.patterns.RecordOutcome(ctx, "netze-bw", crawler.StrategyDefinition{
		Type:        crawler.PatternURL,
		DataType:    crawler.DataTypeNetzentgelte,
		URLTemplate: "https://www.netze-bw.de/preisblatt_{year}.pdf",
	}, true, time.Second)
	require.NoError(t, err)

	reviewed, err := f.orch.ReviewPattern(ctx, p.ID, crawler.ReviewVerified, "checked")
	require.NoError(t, err)
	assert.Equal(t, crawler.ReviewVerified, reviewed.ReviewState)

	_, err = f.orch.ReviewPattern(ctx, p.ID, crawler.ReviewUnreviewed, "")
	require.ErrorIs(t, err, crawler.ErrMalformedRequest)

	pinned, err := f.orch.OverrideConfidence(ctx, p.ID, 0.95, "known good")
	require.NoError(t, err)
	require.NotNil(t, pinned.ConfidenceOverride)
	assert.InDelta(t, 0.95, *pinned.ConfidenceOverride, 1e-9)

	list, err := f.orch.Patterns(ctx, "netze-bw")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = f.orch.Patterns(ctx, "nowhere")
	require.ErrorIs(t, err, crawler.ErrTargetNotFound)
}

func TestClampLimit(t *testing.T) {
	t.Parallel()
	assert.Equal(t, defaultListLimit, clampLimit(0))
	assert.Equal(t, 25, clampLimit(25))
	assert.Equal(t, maxListLimit, clampLimit(maxListLimit+1))
}
