// Package dispatcher runs the worker pool and the periodic maintenance
// entries: the lease reaper and scheduled auto-crawls.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/clock"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/session"
)

const (
	defaultReapInterval = 30 * time.Second
	defaultAutoPriority = 2
)

// Runner is a long-running worker.
type Runner interface {
	Run(ctx context.Context)
}

// Reaper returns expired leases to the queue.
type Reaper interface {
	Reap(ctx context.Context) (int, error)
}

// Submitter starts sessions.
type Submitter interface {
	Submit(ctx context.Context, req session.SubmitRequest) (session.SubmitResult, error)
}

// Targets lists the registered targets.
type Targets interface {
	All() []crawler.Target
}

// AutoCrawlConfig schedules recurring submissions for every target. An empty
// Schedule disables auto-crawl.
type AutoCrawlConfig struct {
	Schedule   string
	Priority   int
	YearOffset int
}

// Config controls the dispatcher.
type Config struct {
	ReapInterval time.Duration
	AutoCrawl    AutoCrawlConfig
}

// Deps are the dispatcher's collaborators. Submitter and Targets are only
// required when auto-crawl is scheduled.
type Deps struct {
	Reaper    Reaper
	Submitter Submitter
	Targets   Targets
	Clock     crawler.Clock
	Logger    *zap.Logger
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	cfg     Config
	runners []Runner
	deps    Deps
	logger  *zap.Logger
}

// New validates the configuration and creates a Dispatcher.
func New(cfg Config, runners []Runner, deps Deps) (*Dispatcher, error) {
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = defaultReapInterval
	}
	if cfg.AutoCrawl.Priority <= 0 {
		cfg.AutoCrawl.Priority = defaultAutoPriority
	}
	if deps.Reaper == nil {
		return nil, fmt.Errorf("dispatcher requires a reaper")
	}
	if cfg.AutoCrawl.Schedule != "" {
		if _, err := cron.ParseStandard(cfg.AutoCrawl.Schedule); err != nil {
			return nil, fmt.Errorf("parse auto crawl schedule: %w", err)
		}
		if deps.Submitter == nil || deps.Targets == nil {
			return nil, fmt.Errorf("auto crawl requires a submitter and targets")
		}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	return &Dispatcher{cfg: cfg, runners: runners, deps: deps, logger: deps.Logger}, nil
}

// Run starts all workers and the cron entries and blocks until the context
// finishes. In-flight jobs and cron runs are allowed to finish.
func (d *Dispatcher) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithLogger(cronLogger{d.logger.Sugar()}),
		cron.WithChain(cron.Recover(cronLogger{d.logger.Sugar()}), cron.SkipIfStillRunning(cronLogger{d.logger.Sugar()})),
	)
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", d.cfg.ReapInterval), func() { d.reap(ctx) }); err != nil {
		return fmt.Errorf("schedule reaper: %w", err)
	}
	if d.cfg.AutoCrawl.Schedule != "" {
		if _, err := c.AddFunc(d.cfg.AutoCrawl.Schedule, func() { d.autoCrawl(ctx) }); err != nil {
			return fmt.Errorf("schedule auto crawl: %w", err)
		}
	}
	c.Start()
	d.logger.Info("dispatcher started",
		zap.Int("workers", len(d.runners)),
		zap.Duration("reap_interval", d.cfg.ReapInterval),
		zap.String("auto_crawl", d.cfg.AutoCrawl.Schedule),
	)

	var wg sync.WaitGroup
	for _, r := range d.runners {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(r)
	}
	<-ctx.Done()
	<-c.Stop().Done()
	wg.Wait()
	d.logger.Info("dispatcher stopped")
	return nil
}

func (d *Dispatcher) reap(ctx context.Context) int {
	n, err := d.deps.Reaper.Reap(ctx)
	if err != nil {
		d.logger.Error("reap expired leases failed", zap.Error(err))
		return 0
	}
	if n > 0 {
		d.logger.Info("expired leases returned to queue", zap.Int("jobs", n))
	}
	return n
}

// autoCrawl submits every registered target for the configured year. It
// returns how many new sessions were created.
func (d *Dispatcher) autoCrawl(ctx context.Context) int {
	year := d.deps.Clock.Now().Year() + d.cfg.AutoCrawl.YearOffset
	created := 0
	for _, tgt := range d.deps.Targets.All() {
		if ctx.Err() != nil {
			break
		}
		res, err := d.deps.Submitter.Submit(ctx, session.SubmitRequest{
			TargetKey: tgt.Key,
			Year:      year,
			DataTypes: crawler.AllDataTypes(),
			Priority:  d.cfg.AutoCrawl.Priority,
			CreatedBy: "auto-crawl",
		})
		if err != nil {
			d.logger.Warn("auto crawl submit failed", zap.String("target_key", tgt.Key), zap.Int("year", year), zap.Error(err))
			continue
		}
		if res.Created {
			created++
		}
	}
	d.logger.Info("auto crawl submitted", zap.Int("year", year), zap.Int("created", created))
	return created
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
