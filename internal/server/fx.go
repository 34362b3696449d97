// Package server wires the orchestrator's dependencies and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/api"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/clock"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/config"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/dispatcher"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/extraction"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/feedback"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/fetcher"
	collyfetcher "github.com/JakeFAU/dno-crawl-orchestrator/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/dno-crawl-orchestrator/internal/fetcher/headless"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/hash/sha256"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/headless/detector"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/logging"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/metrics"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/navigate"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/pattern"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/policy/ratelimit"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/policy/simple"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/progress"
	progresssinks "github.com/JakeFAU/dno-crawl-orchestrator/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/dno-crawl-orchestrator/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/dno-crawl-orchestrator/internal/publisher/pubsub"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/quality"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/review"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/scheduler"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/search"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/session"
	gcsstorage "github.com/JakeFAU/dno-crawl-orchestrator/internal/storage/gcs"
	localstorage "github.com/JakeFAU/dno-crawl-orchestrator/internal/storage/local"
	memorystorage "github.com/JakeFAU/dno-crawl-orchestrator/internal/storage/memory"
	pgstore "github.com/JakeFAU/dno-crawl-orchestrator/internal/storage/postgres"
	redisstore "github.com/JakeFAU/dno-crawl-orchestrator/internal/storage/redis"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/store"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/target"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/telemetry"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	apiServer   *api.Server
	dispatch    *dispatcher.Dispatcher
	progressHub *progress.Hub
	orch        *orchestrator.Orchestrator

	pool            *pgxpool.Pool
	redisClient     *goredis.Client
	storage         *storage.Client
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	browser         *headlessfetcher.Fetcher
	tracerShutdown  func(context.Context) error
}

// repositories is the persistence layer the rest of the graph is built on.
type repositories struct {
	jobs       crawler.JobStore
	sessions   crawler.SessionStore
	patterns   crawler.PatternStore
	candidates crawler.CandidateStore
	paths      crawler.PathStore
	events     store.SessionEventRepository
}

// redisPinger adapts go-redis to the readiness probe.
type redisPinger struct {
	client *goredis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Build creates the application's dependencies. On error everything already
// opened is closed again.
func Build(ctx context.Context, cfg config.Config) (_ *App, err error) {
	logger, err := logging.NewWithOptions(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		Service:     cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = app.Close(context.WithoutCancel(ctx))
		}
	}()

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Exporter:    cfg.Telemetry.Exporter,
		ProjectID:   cfg.Telemetry.ProjectID,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown
	metrics.Init()

	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.Bool("postgres", cfg.DB.DSN != ""),
		zap.Bool("redis", cfg.Redis.Addr != ""),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Int("workers", cfg.Workers.Concurrency),
		zap.Int("targets", len(cfg.Targets)),
	)

	ids := uuid.New()
	clk := clock.New()

	repos, err := setupRepositories(ctx, app, ids)
	if err != nil {
		return nil, err
	}
	slots, err := setupSlots(ctx, app)
	if err != nil {
		return nil, err
	}
	blobs, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}
	reviewer, err := setupReviewer(ctx, app, clk)
	if err != nil {
		return nil, err
	}
	hub, err := setupProgress(ctx, app, repos.events)
	if err != nil {
		return nil, err
	}
	app.progressHub = hub

	registry, err := target.NewRegistry(cfg.Targets)
	if err != nil {
		return nil, fmt.Errorf("target registry: %w", err)
	}

	queue := scheduler.New(
		repos.jobs,
		slots,
		scheduler.NewBackoff(cfg.Scheduler.BackoffBase, cfg.Scheduler.BackoffMax, cfg.Scheduler.BackoffSeed),
		clk,
		reviewer,
		scheduler.Config{
			MaxRetries:   cfg.Scheduler.MaxRetries,
			LeaseTimeout: cfg.Scheduler.LeaseTimeout,
			PerDomainMax: cfg.Scheduler.PerDomainMax,
			AgingAfter:   cfg.Scheduler.AgingAfter,
		},
		logger.Named("scheduler"),
	)
	tracker := session.NewTracker(repos.sessions, queue, ids, clk, hub, logger.Named("session"))
	patterns := pattern.NewStore(repos.patterns, clk, logger.Named("pattern"))

	loop := feedback.New(
		feedback.Config{MaxAttemptsPerType: cfg.Session.MaxAttemptsPerType},
		feedback.Deps{
			Jobs:       queue,
			Sessions:   tracker,
			Patterns:   patterns,
			Selector:   pattern.NewSelector(cfg.Selector.Epsilon, cfg.Selector.Seed),
			Targets:    registry,
			Candidates: repos.candidates,
			Paths:      repos.paths,
			Reviewer:   reviewer,
			IDs:        ids,
			Clock:      clk,
			Events:     hub,
			Logger:     logger.Named("feedback"),
		},
	)

	executor, err := setupExecutor(app, tracker)
	if err != nil {
		return nil, err
	}
	extractor := extraction.New(
		extraction.Config{ConfidenceFloor: cfg.Extraction.ConfidenceFloor},
		ids, clk, logger.Named("extraction"),
	)
	evaluator := quality.New(quality.Config{
		Weights: quality.Weights{
			Completeness: cfg.Quality.Weights.Completeness,
			Accuracy:     cfg.Quality.Weights.Accuracy,
			Consistency:  cfg.Quality.Weights.Consistency,
		},
		Threshold: cfg.Quality.Threshold,
	})

	runners := make([]dispatcher.Runner, 0, cfg.Workers.Concurrency)
	for i := 0; i < cfg.Workers.Concurrency; i++ {
		runners = append(runners, worker.New(
			worker.Config{
				ID:         fmt.Sprintf("worker-%d", i),
				LeaseWait:  cfg.Scheduler.LeaseWait,
				JobTimeout: cfg.Scheduler.JobTimeout,
				BlobPrefix: cfg.Storage.Prefix,
			},
			worker.Deps{
				Leaser:    queue,
				Sessions:  tracker,
				Targets:   registry,
				Executor:  executor,
				Extractor: extractor,
				Evaluator: evaluator,
				Recorder:  loop,
				Blobs:     blobs,
				Logger:    logger.Named("worker"),
			},
		))
	}

	app.orch = orchestrator.New(
		orchestrator.Config{
			Workers:     cfg.Workers.Concurrency,
			JobEstimate: cfg.Scheduler.JobEstimate,
		},
		orchestrator.Deps{
			Sessions: tracker,
			Queue:    queue,
			Planner:  loop,
			Patterns: patterns,
			Targets:  registry,
			Events:   repos.events,
			Paths:    repos.paths,
			Clock:    clk,
			Logger:   logger.Named("orchestrator"),
		},
	)

	app.dispatch, err = dispatcher.New(
		dispatcher.Config{
			ReapInterval: cfg.Scheduler.ReapInterval,
			AutoCrawl: dispatcher.AutoCrawlConfig{
				Schedule:   cfg.AutoCrawl.Schedule,
				Priority:   cfg.AutoCrawl.Priority,
				YearOffset: cfg.AutoCrawl.YearOffset,
			},
		},
		runners,
		dispatcher.Deps{
			Reaper:    queue,
			Submitter: app.orch,
			Targets:   registry,
			Clock:     clk,
			Logger:    logger.Named("dispatcher"),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("dispatcher init failed: %w", err)
	}

	ready := map[string]api.Pinger{}
	if app.pool != nil {
		ready["postgres"] = app.pool
	}
	if app.redisClient != nil {
		ready["redis"] = redisPinger{client: app.redisClient}
	}
	app.apiServer = api.NewServer(app.orch, api.Config{
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
		RequestTimeout: cfg.Server.RequestTimeout,
		Ready:          ready,
	}, logger.Named("api"))

	logger.Info("application dependencies built")
	return app, nil
}

func setupRepositories(ctx context.Context, app *App, ids crawler.IDGenerator) (repositories, error) {
	cfg := app.cfg.DB
	if cfg.DSN == "" {
		app.logger.Warn("db.dsn not set; sessions, jobs and patterns are kept in memory")
		return repositories{
			jobs:       memorystorage.NewJobStore(),
			sessions:   memorystorage.NewSessionStore(),
			patterns:   memorystorage.NewPatternStore(ids),
			candidates: memorystorage.NewCandidateStore(),
			paths:      memorystorage.NewPathStore(),
			events:     memorystorage.NewEventStore(),
		}, nil
	}

	if cfg.AutoMigrate {
		if err := migrateUp(cfg.DSN, app.logger); err != nil {
			return repositories{}, err
		}
	}
	pool, err := pgstore.Open(ctx, pgstore.Config{
		DSN:             cfg.DSN,
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: cfg.MaxConnLifetime,
	})
	if err != nil {
		return repositories{}, err
	}
	app.pool = pool
	stores := pgstore.NewStores(pool, ids)
	app.logger.Info("postgres connected")
	return repositories{
		jobs:       stores.Jobs,
		sessions:   stores.Sessions,
		patterns:   stores.Patterns,
		candidates: stores.Candidates,
		paths:      stores.Paths,
		events:     stores.Events,
	}, nil
}

func migrateUp(dsn string, logger *zap.Logger) error {
	m, err := pgstore.NewMigrator(dsn, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := m.Close(); cerr != nil {
			logger.Warn("close migrator failed", zap.Error(cerr))
		}
	}()
	if err := m.Up(); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func setupSlots(ctx context.Context, app *App) (scheduler.DomainSlots, error) {
	cfg := app.cfg.Redis
	if cfg.Addr == "" {
		return scheduler.NewLocalSlots(), nil
	}
	rcfg := redisstore.Config{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		Prefix:   cfg.Prefix,
		SlotTTL:  cfg.SlotTTL,
	}
	client, err := redisstore.NewClient(ctx, rcfg)
	if err != nil {
		return nil, err
	}
	app.redisClient = client
	app.logger.Info("redis domain slots enabled", zap.String("addr", cfg.Addr))
	return redisstore.NewSlots(client, rcfg), nil
}

func setupStorage(ctx context.Context, app *App) (crawler.BlobStore, error) {
	cfg := app.cfg.Storage
	switch cfg.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		// The worker already prefixes object paths.
		return gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.GCSBucket})
	case "local":
		return localstorage.New(localstorage.Config{BaseDir: cfg.LocalDir})
	default:
		app.logger.Warn("raw documents are kept in memory only")
		return memorystorage.NewBlobStore(), nil
	}
}

func setupReviewer(ctx context.Context, app *App, clk crawler.Clock) (*review.Notifier, error) {
	cfg := app.cfg.PubSub
	var pub crawler.Publisher
	if cfg.ProjectID == "" {
		app.logger.Warn("pubsub.project_id not set; review notices stay in process")
		pub = memorypublisher.New()
	} else {
		client, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		app.pubsubClient = client
		p, err := gcppublisher.New(client)
		if err != nil {
			return nil, err
		}
		app.pubsubPublisher = p
		pub = p
	}
	topic := cfg.ReviewTopic
	if topic == "" {
		topic = "dno-review"
	}
	return review.NewNotifier(pub, topic, clk, app.logger.Named("review"))
}

func setupProgress(ctx context.Context, app *App, events store.SessionEventRepository) (*progress.Hub, error) {
	cfg := app.cfg.Progress
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("progress metrics: %w", err)
	}
	sinks := []progress.Sink{promSink, progresssinks.NewStoreSink(events, app.logger.Named("progress"))}
	if cfg.LogEvents {
		sinks = append(sinks, progresssinks.NewLogSink(app.logger.Named("progress")))
	}
	return progress.NewHub(progress.Config{
		BufferSize:     cfg.BufferSize,
		MaxBatchEvents: cfg.MaxBatchEvents,
		MaxBatchWait:   cfg.MaxBatchWait,
		SinkTimeout:    cfg.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("progress"),
	}, sinks...), nil
}

func setupExecutor(app *App, pause navigate.PauseChecker) (*navigate.Executor, error) {
	cfg := app.cfg
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Crawler.RPS,
		DefaultBurst: cfg.Crawler.Burst,
		MaxCooldown:  cfg.Crawler.MaxCooldown,
	})
	policy := simple.New(simple.Config{
		BlockedDomains:    cfg.Policy.BlockedDomains,
		NoHeadlessDomains: cfg.Policy.NoHeadlessDomains,
	})

	deps := fetcher.Deps{
		Probe: collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.Crawler.UserAgent,
			RespectRobots: cfg.Crawler.RespectRobots,
			Timeout:       cfg.Crawler.Timeout,
			MaxBodyBytes:  cfg.Crawler.MaxBodyBytes,
		}),
		Robots: fetcher.NewRobotsGuard(cfg.Crawler.RespectRobots, cfg.Crawler.UserAgent, nil, app.logger.Named("robots")),
		Pacer:  limiter,
		Policy: policy,
		Logger: app.logger.Named("fetcher"),
	}
	if cfg.Headless.Enabled {
		browser, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Crawler.UserAgent,
			NavigationTimeout: cfg.Headless.NavTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("headless init failed: %w", err)
		}
		app.browser = browser
		deps.Headless = browser
		deps.Detector = detector.NewHeuristic(cfg.Headless.PromotionThreshold)
	}
	client, err := fetcher.NewClient(deps)
	if err != nil {
		return nil, err
	}

	var searcher crawler.Searcher
	if cfg.Search.Endpoint != "" {
		sc, err := search.New(search.Config{
			Endpoint:        cfg.Search.Endpoint,
			Format:          cfg.Search.Format,
			QueryParam:      cfg.Search.QueryParam,
			ResultSelector:  cfg.Search.ResultSelector,
			ResultContainer: cfg.Search.ResultContainer,
			SnippetSelector: cfg.Search.SnippetSelector,
			MinScore:        cfg.Search.MinScore,
			UserAgent:       cfg.Crawler.UserAgent,
			Timeout:         cfg.Crawler.Timeout,
		}, limiter, policy, app.logger.Named("search"))
		if err != nil {
			return nil, err
		}
		searcher = sc
	} else {
		app.logger.Warn("search.endpoint not set; search strategies are skipped")
	}

	return navigate.NewExecutor(navigate.Config{
		MaxDepth:      cfg.Crawler.MaxNavDepth,
		MaxPages:      cfg.Crawler.MaxNavPages,
		SearchResults: cfg.Search.Results,
		MaxDocuments:  cfg.Crawler.MaxDocuments,
	}, client, searcher, sha256.New(), pause, app.logger.Named("navigate")), nil
}

// Run recovers unfinished work, then serves HTTP and runs the worker pool
// until ctx is canceled or a signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.orch.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.dispatch.Run(gctx)
	})
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.Close(closeCtx))
}

// Close releases every resource Build opened. It is safe on a partially
// built App.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.browser != nil {
		a.browser.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
