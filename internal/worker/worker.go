// Package worker implements the job execution loop: lease, execute the
// strategy, store raw documents, extract, score and hand the attempt to the
// feedback loop.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/feedback"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/hash/sha256"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/metrics"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/navigate"
)

const (
	defaultLeaseWait  = 5 * time.Second
	defaultJobTimeout = 3 * time.Minute
	leaseErrorBackoff = time.Second
)

// Config controls Worker behavior.
type Config struct {
	ID         string
	LeaseWait  time.Duration
	JobTimeout time.Duration
	BlobPrefix string
}

// Leaser hands out jobs.
type Leaser interface {
	LeaseWait(ctx context.Context, workerID, domain string, wait time.Duration) (crawler.CrawlJob, bool, error)
}

// Sessions moves sessions through their phases.
type Sessions interface {
	Advance(ctx context.Context, id string, phase crawler.SessionState) (crawler.CrawlSession, error)
}

// Executor runs a strategy.
type Executor interface {
	Execute(ctx context.Context, req navigate.Request) (navigate.Result, error)
}

// Extractor turns documents into candidates.
type Extractor interface {
	Extract(ctx context.Context, doc crawler.Document, dataTypes []crawler.DataType) ([]crawler.ExtractionCandidate, error)
}

// Evaluator scores candidates.
type Evaluator interface {
	Evaluate(candidate crawler.ExtractionCandidate, dataType crawler.DataType) crawler.QualityScore
	Passes(score crawler.QualityScore) bool
}

// Recorder settles finished attempts.
type Recorder interface {
	Record(ctx context.Context, a feedback.Attempt) error
}

// Targets resolves target keys.
type Targets interface {
	Resolve(key string) (crawler.Target, error)
}

// Deps are the worker's collaborators. Blobs may be nil.
type Deps struct {
	Leaser    Leaser
	Sessions  Sessions
	Targets   Targets
	Executor  Executor
	Extractor Extractor
	Evaluator Evaluator
	Recorder  Recorder
	Blobs     crawler.BlobStore
	Logger    *zap.Logger
}

// Worker executes leased jobs one at a time.
type Worker struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New constructs a Worker.
func New(cfg Config, deps Deps) *Worker {
	if cfg.LeaseWait <= 0 {
		cfg.LeaseWait = defaultLeaseWait
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{cfg: cfg, deps: deps, logger: logger.With(zap.String("worker_id", cfg.ID))}
}

// Run blocks, leasing and processing jobs until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, ok, err := w.deps.Leaser.LeaseWait(ctx, w.cfg.ID, "", w.cfg.LeaseWait)
		if ctx.Err() != nil {
			if ok {
				w.handBack(ctx, job)
			}
			return
		}
		if err != nil {
			w.logger.Error("lease failed", zap.Error(err))
			sleep(ctx, leaseErrorBackoff)
			continue
		}
		if !ok {
			continue
		}
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job crawler.CrawlJob) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	ctx, span := otel.Tracer("dnocrawler/worker").Start(ctx, "job.attempt")
	defer span.End()
	span.SetAttributes(
		attribute.String("job_id", job.ID),
		attribute.String("session_id", job.SessionID),
		attribute.String("target_key", job.TargetKey),
		attribute.String("data_type", string(job.DataType)),
		attribute.String("pattern_type", string(job.Strategy.Type)),
		attribute.Int("retry_count", job.RetryCount),
	)

	w.logger.Info("job started",
		zap.String("job_id", job.ID),
		zap.String("session_id", job.SessionID),
		zap.String("target_key", job.TargetKey),
		zap.String("data_type", string(job.DataType)),
		zap.String("pattern_type", string(job.Strategy.Type)),
	)
	start := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	attempt := w.attempt(jobCtx, job)
	cancel()
	attempt.Latency = time.Since(start)

	if attempt.Err != nil {
		span.RecordError(attempt.Err)
		span.SetStatus(codes.Error, attempt.Err.Error())
	}
	span.SetAttributes(attribute.Int("candidates", len(attempt.Candidates)))

	// The job is settled even when the worker is shutting down.
	if err := w.deps.Recorder.Record(context.WithoutCancel(ctx), attempt); err != nil {
		w.logger.Error("record attempt failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	w.logger.Info("job finished",
		zap.String("job_id", job.ID),
		zap.String("session_id", job.SessionID),
		zap.Duration("latency", attempt.Latency),
		zap.Int("candidates", len(attempt.Candidates)),
		zap.String("error_kind", string(crawler.ClassifyError(attempt.Err))),
	)
}

// handBack returns a job leased while the worker was stopping. It is
// recorded as canceled so the feedback loop requeues it without charging a
// retry.
func (w *Worker) handBack(ctx context.Context, job crawler.CrawlJob) {
	attempt := feedback.Attempt{Job: job, Err: fmt.Errorf("worker %s stopping: %w", w.cfg.ID, context.Canceled)}
	if err := w.deps.Recorder.Record(context.WithoutCancel(ctx), attempt); err != nil {
		w.logger.Error("hand back job failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	w.logger.Info("job handed back", zap.String("job_id", job.ID))
}

func (w *Worker) attempt(ctx context.Context, job crawler.CrawlJob) feedback.Attempt {
	a := feedback.Attempt{Job: job}
	tgt, err := w.deps.Targets.Resolve(job.TargetKey)
	if err != nil {
		a.Err = err
		return a
	}
	if _, err := w.deps.Sessions.Advance(ctx, job.SessionID, phaseFor(job.Strategy)); err != nil {
		a.Err = err
		return a
	}

	res, err := w.deps.Executor.Execute(ctx, navigate.Request{
		SessionID:  job.SessionID,
		Target:     tgt,
		Year:       job.Year,
		Definition: job.Strategy,
	})
	a.Steps = res.Steps
	if err != nil {
		kind := crawler.ClassifyError(err)
		if len(res.Documents) == 0 || kind == crawler.KindCanceled || ctx.Err() != nil {
			a.Err = err
			return a
		}
		w.logger.Warn("strategy partially failed, extracting what was fetched",
			zap.String("job_id", job.ID),
			zap.Int("documents", len(res.Documents)),
			zap.Error(err),
		)
	}

	if _, err := w.deps.Sessions.Advance(ctx, job.SessionID, crawler.SessionExtracting); err != nil {
		a.Err = err
		return a
	}
	for _, fetched := range res.Documents {
		scored, err := w.extract(ctx, job, fetched)
		if err != nil {
			a.Err = err
			return a
		}
		a.Candidates = append(a.Candidates, scored...)
	}
	return a
}

func (w *Worker) extract(ctx context.Context, job crawler.CrawlJob, fetched navigate.Fetched) ([]feedback.Scored, error) {
	doc := fetched.Document
	doc.BlobURI = w.storeRaw(ctx, job, doc)

	candidates, err := w.deps.Extractor.Extract(ctx, doc, []crawler.DataType{job.DataType})
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", doc.FinalURL, err)
	}
	out := make([]feedback.Scored, 0, len(candidates))
	for _, c := range candidates {
		c.SessionID = job.SessionID
		c.JobID = job.ID
		if c.BlobURI == "" {
			c.BlobURI = doc.BlobURI
		}
		score := w.deps.Evaluator.Evaluate(c, job.DataType)
		out = append(out, feedback.Scored{
			Candidate: c,
			Quality:   score,
			Passed:    w.deps.Evaluator.Passes(score),
			Refined:   fetched.Refined,
		})
	}
	return out, nil
}

// storeRaw writes the document to the content-addressed blob store. A failed
// write is logged; extraction still runs on the in-memory copy.
func (w *Worker) storeRaw(ctx context.Context, job crawler.CrawlJob, doc crawler.Document) string {
	if w.deps.Blobs == nil || doc.Hash == "" {
		return ""
	}
	path := sha256.BlobPath(w.cfg.BlobPrefix, doc.Hash, extensionFor(doc.ContentType))
	uri, err := w.deps.Blobs.PutObject(ctx, path, doc.ContentType, bytes.NewReader(doc.Body))
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			w.logger.Warn("store raw document failed", zap.String("job_id", job.ID), zap.String("url", doc.FinalURL), zap.Error(err))
		}
		return ""
	}
	return uri
}

// phaseFor maps a strategy to the session phase it starts in: search driven
// strategies search first, the rest crawl the target website.
func phaseFor(def crawler.StrategyDefinition) crawler.SessionState {
	switch {
	case def.Type == crawler.PatternContent:
		return crawler.SessionSearching
	case def.Type == crawler.PatternURL && def.URLTemplate == "":
		return crawler.SessionSearching
	default:
		return crawler.SessionCrawling
	}
}

func extensionFor(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch {
	case strings.Contains(mt, "pdf"):
		return ".pdf"
	case strings.Contains(mt, "spreadsheetml"):
		return ".xlsx"
	case strings.Contains(mt, "ms-excel"):
		return ".xls"
	case strings.Contains(mt, "html"):
		return ".html"
	case strings.Contains(mt, "csv"):
		return ".csv"
	case strings.HasPrefix(mt, "text/"):
		return ".txt"
	default:
		return ".bin"
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
