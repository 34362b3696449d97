package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/clock"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/extraction"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/extraction/extractiontest"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/feedback"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/navigate"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/pattern"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/quality"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/scheduler"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/session"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/storage/memory"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/target"
)

type nopReviewer struct{}

func (nopReviewer) ReportDeadLetter(context.Context, crawler.CrawlJob) error        { return nil }
func (nopReviewer) ReportLowConfidence(context.Context, crawler.CrawlSession) error { return nil }

// notifyingRecorder signals after the wrapped recorder settled an attempt.
type notifyingRecorder struct {
	inner Recorder
	done  chan error
}

func (r notifyingRecorder) Record(ctx context.Context, a feedback.Attempt) error {
	err := r.inner.Record(ctx, a)
	r.done <- err
	return err
}

func TestRunSettlesPDFAttemptThroughFeedback(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC))
	ids := uuid.New()
	jobs := memory.NewJobStore()
	sched := scheduler.New(jobs, scheduler.NewLocalSlots(), scheduler.NewBackoff(time.Second, time.Minute, 3),
		clk, nopReviewer{}, scheduler.Config{MaxRetries: 1, LeaseTimeout: time.Minute, PerDomainMax: 2}, nil)
	tracker := session.NewTracker(memory.NewSessionStore(), sched, ids, clk, nil, nil)
	patterns := pattern.NewStore(memory.NewPatternStore(ids), clk, nil)
	registry, err := target.NewRegistry(map[string]crawler.Target{
		"netze-bw": {Name: "Netze BW", Website: "https://www.netze-bw.de"},
	})
	require.NoError(t, err)
	paths := memory.NewPathStore()
	candidates := memory.NewCandidateStore()
	loop := feedback.New(feedback.Config{}, feedback.Deps{
		Jobs:       sched,
		Sessions:   tracker,
		Patterns:   patterns,
		Selector:   pattern.NewSelector(0, 1),
		Targets:    registry,
		Candidates: candidates,
		Paths:      paths,
		Reviewer:   nopReviewer{},
		IDs:        ids,
		Clock:      clk,
	})

	ctx := context.Background()
	res, err := tracker.Submit(ctx, session.SubmitRequest{
		TargetKey: "netze-bw",
		Year:      2024,
		DataTypes: []crawler.DataType{crawler.DataTypeNetzentgelte},
		Priority:  5,
		CreatedBy: "test",
	})
	require.NoError(t, err)
	require.NoError(t, loop.Start(ctx, res.Session.ID))

	pdfURL := "https://www.netze-bw.de/preisblatt_2024.pdf"
	steps := []crawler.PathStep{{Action: "fetch", URL: pdfURL, StatusCode: 200}}
	executor := &fakeExecutor{res: navigate.Result{
		Documents: []navigate.Fetched{{
			Document: crawler.Document{
				SourceURL:   pdfURL,
				FinalURL:    pdfURL,
				ContentType: "application/pdf",
				Body:        extractiontest.PDF(extractiontest.Preisblatt(2024)...),
				Hash:        "pdf-2024",
			},
			Refined: crawler.StrategyDefinition{
				Type:        crawler.PatternURL,
				DataType:    crawler.DataTypeNetzentgelte,
				URLTemplate: "https://www.netze-bw.de/preisblatt_{year}.pdf",
			},
		}},
		Steps: steps,
	}}
	recorder := notifyingRecorder{inner: loop, done: make(chan error, 1)}
	blobs := &fakeBlobs{}
	w := New(Config{ID: "w1", LeaseWait: 10 * time.Millisecond, BlobPrefix: "raw"}, Deps{
		Leaser:    sched,
		Sessions:  tracker,
		Targets:   registry,
		Executor:  executor,
		Extractor: extraction.New(extraction.Config{ConfidenceFloor: 0.3}, ids, clk, nil),
		Evaluator: quality.New(quality.Config{Weights: quality.DefaultWeights(), Threshold: 0.7}),
		Recorder:  recorder,
		Blobs:     blobs,
	})

	runCtx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	go func() {
		w.Run(runCtx)
		close(stopped)
	}()
	select {
	case err := <-recorder.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("attempt was not recorded")
	}
	cancel()
	<-stopped

	got, err := tracker.Get(ctx, res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, crawler.SessionCompleted, got.State)
	result := got.Results[crawler.DataTypeNetzentgelte]
	assert.True(t, result.Passed)

	stored, err := candidates.ListCandidates(ctx, res.Session.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	cand := stored[0]
	assert.Equal(t, result.CandidateID, cand.ID)
	assert.Equal(t, crawler.MethodDocument, cand.Method)
	require.Len(t, blobs.paths, 1)
	assert.Equal(t, "mem://"+blobs.paths[0], cand.BlobURI)
	ns := cand.Payload.Netzentgelte.Levels[crawler.LevelNS]
	require.NotNil(t, ns.Arbeit)
	assert.InDelta(t, 5.94, *ns.Arbeit, 1e-9)

	assert.Zero(t, sched.Outstanding(res.Session.ID))

	learned, err := patterns.List(ctx, "netze-bw")
	require.NoError(t, err)
	require.Len(t, learned, 1)
	assert.Equal(t, "https://www.netze-bw.de/preisblatt_{year}.pdf", learned[0].Definition.URLTemplate)

	recorded, err := paths.ListPaths(ctx, res.Session.ID)
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, "success", recorded[0].Outcome)
	assert.Equal(t, steps, recorded[0].Steps)
	assert.Equal(t, []crawler.ExtractionMethod{crawler.MethodDocument}, recorded[0].Methods)
}
