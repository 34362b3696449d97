package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/clock"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/session"
)

type countingReaper struct {
	calls atomic.Int32
	n     int
	err   error
}

func (r *countingReaper) Reap(context.Context) (int, error) {
	r.calls.Add(1)
	return r.n, r.err
}

type blockingRunner struct {
	started chan struct{}
	stopped atomic.Bool
}

func (r *blockingRunner) Run(ctx context.Context) {
	r.started <- struct{}{}
	<-ctx.Done()
	r.stopped.Store(true)
}

type recordingSubmitter struct {
	mu   sync.Mutex
	reqs []session.SubmitRequest
	fail string
}

func (s *recordingSubmitter) Submit(_ context.Context, req session.SubmitRequest) (session.SubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	if req.TargetKey == s.fail {
		return session.SubmitResult{}, errors.New("store unavailable")
	}
	return session.SubmitResult{Created: req.TargetKey != "attached"}, nil
}

type staticTargets []crawler.Target

func (t staticTargets) All() []crawler.Target { return t }

func TestNewValidatesAutoCrawl(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, Deps{})
	require.Error(t, err)

	_, err = New(Config{AutoCrawl: AutoCrawlConfig{Schedule: "not a cron"}}, nil, Deps{Reaper: &countingReaper{}})
	require.Error(t, err)

	_, err = New(Config{AutoCrawl: AutoCrawlConfig{Schedule: "0 3 * * 1"}}, nil, Deps{Reaper: &countingReaper{}})
	require.Error(t, err)

	d, err := New(Config{}, nil, Deps{Reaper: &countingReaper{}})
	require.NoError(t, err)
	assert.Equal(t, defaultReapInterval, d.cfg.ReapInterval)
	assert.Equal(t, defaultAutoPriority, d.cfg.AutoCrawl.Priority)
}

func TestRunStartsWorkersAndStopsOnCancel(t *testing.T) {
	t.Parallel()

	runners := []*blockingRunner{{started: make(chan struct{}, 1)}, {started: make(chan struct{}, 1)}}
	d, err := New(Config{}, []Runner{runners[0], runners[1]}, Deps{Reaper: &countingReaper{}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	for _, r := range runners {
		select {
		case <-r.started:
		case <-time.After(time.Second):
			t.Fatal("worker did not start")
		}
	}
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
	for _, r := range runners {
		assert.True(t, r.stopped.Load())
	}
}

func TestRunReapsOnInterval(t *testing.T) {
	t.Parallel()

	reaper := &countingReaper{n: 1}
	d, err := New(Config{ReapInterval: time.Second}, nil, Deps{Reaper: reaper})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return reaper.calls.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestReapSurvivesErrors(t *testing.T) {
	t.Parallel()

	d, err := New(Config{}, nil, Deps{Reaper: &countingReaper{err: errors.New("boom")}})
	require.NoError(t, err)
	assert.Zero(t, d.reap(context.Background()))

	d, err = New(Config{}, nil, Deps{Reaper: &countingReaper{n: 3}})
	require.NoError(t, err)
	assert.Equal(t, 3, d.reap(context.Background()))
}

func TestAutoCrawlSubmitsEveryTargetForOffsetYear(t *testing.T) {
	t.Parallel()

	sub := &recordingSubmitter{fail: "broken"}
	d, err := New(Config{AutoCrawl: AutoCrawlConfig{Schedule: "0 3 * * 1", YearOffset: 1}}, nil, Deps{
		Reaper:    &countingReaper{},
		Submitter: sub,
		Targets: staticTargets{
			{Key: "netze-bw"},
			{Key: "broken"},
			{Key: "attached"},
			{Key: "westnetz"},
		},
		Clock: clock.NewManual(time.Date(2026, 10, 18, 3, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, d.autoCrawl(context.Background()))
	require.Len(t, sub.reqs, 4)
	for _, req := range sub.reqs {
		assert.Equal(t, 2027, req.Year)
		assert.Equal(t, defaultAutoPriority, req.Priority)
		assert.Equal(t, crawler.AllDataTypes(), req.DataTypes)
		assert.Equal(t, "auto-crawl", req.CreatedBy)
	}
}
