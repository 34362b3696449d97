// Package config loads and validates orchestrator configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig              `mapstructure:"server"`
	Auth       AuthConfig                `mapstructure:"auth"`
	Logging    LoggingConfig             `mapstructure:"logging"`
	Telemetry  TelemetryConfig           `mapstructure:"telemetry"`
	Scheduler  SchedulerConfig           `mapstructure:"scheduler"`
	Selector   SelectorConfig            `mapstructure:"selector"`
	Extraction ExtractionConfig          `mapstructure:"extraction"`
	Quality    QualityConfig             `mapstructure:"quality"`
	Session    SessionConfig             `mapstructure:"session"`
	Workers    WorkersConfig             `mapstructure:"workers"`
	Crawler    CrawlerConfig             `mapstructure:"crawler"`
	Search     SearchConfig              `mapstructure:"search"`
	Headless   HeadlessConfig            `mapstructure:"headless"`
	Policy     PolicyConfig              `mapstructure:"policy"`
	Progress   ProgressConfig            `mapstructure:"progress"`
	Storage    StorageConfig             `mapstructure:"storage"`
	DB         DBConfig                  `mapstructure:"db"`
	Redis      RedisConfig               `mapstructure:"redis"`
	PubSub     PubSubConfig              `mapstructure:"pubsub"`
	AutoCrawl  AutoCrawlConfig           `mapstructure:"auto_crawl"`
	Targets    map[string]crawler.Target `mapstructure:"targets"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig selects the zap preset and minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig selects the trace exporter. "none" keeps spans in process.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	Exporter    string  `mapstructure:"exporter"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// SchedulerConfig tunes leasing, retries and backoff.
type SchedulerConfig struct {
	MaxRetries   int           `mapstructure:"max_retries"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffMax   time.Duration `mapstructure:"backoff_max"`
	BackoffSeed  uint64        `mapstructure:"backoff_seed"`
	LeaseTimeout time.Duration `mapstructure:"lease_timeout"`
	ReapInterval time.Duration `mapstructure:"reap_interval"`
	JobTimeout   time.Duration `mapstructure:"job_timeout"`
	PerDomainMax int           `mapstructure:"per_domain_max"`
	AgingAfter   time.Duration `mapstructure:"aging_after"`
	LeaseWait    time.Duration `mapstructure:"lease_wait"`
	JobEstimate  time.Duration `mapstructure:"job_estimate"`
}

// SelectorConfig tunes exploration. Seed 0 seeds from the clock.
type SelectorConfig struct {
	Epsilon float64 `mapstructure:"epsilon"`
	Seed    uint64  `mapstructure:"seed"`
}

// ExtractionConfig drops weak candidates early.
type ExtractionConfig struct {
	ConfidenceFloor float64 `mapstructure:"confidence_floor"`
}

// QualityConfig sets the pass threshold and score weights.
type QualityConfig struct {
	Threshold float64        `mapstructure:"threshold"`
	Weights   QualityWeights `mapstructure:"weights"`
}

// QualityWeights weight the three quality dimensions.
type QualityWeights struct {
	Completeness float64 `mapstructure:"completeness"`
	Accuracy     float64 `mapstructure:"accuracy"`
	Consistency  float64 `mapstructure:"consistency"`
}

// SessionConfig bounds how many strategies a session tries per data type.
type SessionConfig struct {
	MaxAttemptsPerType int `mapstructure:"max_attempts_per_type"`
}

// WorkersConfig sizes the worker pool.
type WorkersConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// CrawlerConfig governs fetching and navigation.
type CrawlerConfig struct {
	UserAgent     string        `mapstructure:"user_agent"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	RPS           float64       `mapstructure:"rps"`
	Burst         int           `mapstructure:"burst"`
	MaxCooldown   time.Duration `mapstructure:"max_cooldown"`
	MaxBodyBytes  int           `mapstructure:"max_body_bytes"`
	MaxNavDepth   int           `mapstructure:"max_nav_depth"`
	MaxNavPages   int           `mapstructure:"max_nav_pages"`
	MaxDocuments  int           `mapstructure:"max_documents"`
}

// SearchConfig points at the search backend. An empty endpoint disables
// search-driven strategies.
type SearchConfig struct {
	Endpoint        string  `mapstructure:"endpoint"`
	Format          string  `mapstructure:"format"`
	QueryParam      string  `mapstructure:"query_param"`
	ResultSelector  string  `mapstructure:"result_selector"`
	ResultContainer string  `mapstructure:"result_container"`
	SnippetSelector string  `mapstructure:"snippet_selector"`
	MinScore        float64 `mapstructure:"min_score"`
	Results         int     `mapstructure:"results"`
}

// HeadlessConfig configures browser rendering of client-side pages.
type HeadlessConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	MaxParallel        int           `mapstructure:"max_parallel"`
	NavTimeout         time.Duration `mapstructure:"nav_timeout"`
	PromotionThreshold int           `mapstructure:"promotion_threshold"`
}

// PolicyConfig lists hosts that are never fetched or never rendered.
type PolicyConfig struct {
	BlockedDomains    []string `mapstructure:"blocked_domains"`
	NoHeadlessDomains []string `mapstructure:"no_headless_domains"`
}

// ProgressConfig sizes the session event hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	LogEvents      bool          `mapstructure:"log_events"`
}

// StorageConfig selects the raw document store.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to Postgres. An empty DSN keeps all state in
// memory.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig enables shared domain slots. An empty address keeps slots in
// process.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	SlotTTL  time.Duration `mapstructure:"slot_ttl"`
}

// PubSubConfig routes review notices. Without a project they are kept in
// memory and only logged.
type PubSubConfig struct {
	ProjectID   string `mapstructure:"project_id"`
	ReviewTopic string `mapstructure:"review_topic"`
}

// AutoCrawlConfig schedules periodic submissions for every target.
type AutoCrawlConfig struct {
	Schedule   string `mapstructure:"schedule"`
	Priority   int    `mapstructure:"priority"`
	YearOffset int    `mapstructure:"year_offset"`
}

// Load builds a Config from disk and environment. Environment variables use
// the DNOCRAWLER prefix, e.g. DNOCRAWLER_DB_DSN.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DNOCRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalizeTargets()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "dno-crawl-orchestrator")
	v.SetDefault("telemetry.exporter", "none")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.sample_ratio", 0.1)

	v.SetDefault("scheduler.max_retries", 3)
	v.SetDefault("scheduler.backoff_base", 2*time.Second)
	v.SetDefault("scheduler.backoff_max", 5*time.Minute)
	v.SetDefault("scheduler.backoff_seed", 0)
	v.SetDefault("scheduler.lease_timeout", 5*time.Minute)
	v.SetDefault("scheduler.reap_interval", 30*time.Second)
	v.SetDefault("scheduler.job_timeout", 3*time.Minute)
	v.SetDefault("scheduler.per_domain_max", 2)
	v.SetDefault("scheduler.aging_after", 0)
	v.SetDefault("scheduler.lease_wait", 5*time.Second)
	v.SetDefault("scheduler.job_estimate", 45*time.Second)

	v.SetDefault("selector.epsilon", 0.1)
	v.SetDefault("selector.seed", 0)
	v.SetDefault("extraction.confidence_floor", 0.3)
	v.SetDefault("quality.threshold", 0.7)
	v.SetDefault("quality.weights.completeness", 0.5)
	v.SetDefault("quality.weights.accuracy", 0.3)
	v.SetDefault("quality.weights.consistency", 0.2)
	v.SetDefault("session.max_attempts_per_type", 8)
	v.SetDefault("workers.concurrency", 4)

	v.SetDefault("crawler.user_agent", "dno-crawler/1.0 (+https://github.com/JakeFAU/dno-crawl-orchestrator)")
	v.SetDefault("crawler.timeout", 30*time.Second)
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.rps", 0.5)
	v.SetDefault("crawler.burst", 1)
	v.SetDefault("crawler.max_cooldown", 2*time.Minute)
	v.SetDefault("crawler.max_body_bytes", 25<<20)
	v.SetDefault("crawler.max_nav_depth", 2)
	v.SetDefault("crawler.max_nav_pages", 12)
	v.SetDefault("crawler.max_documents", 8)

	v.SetDefault("search.endpoint", "")
	v.SetDefault("search.format", "searxng")
	v.SetDefault("search.query_param", "q")
	v.SetDefault("search.result_selector", "")
	v.SetDefault("search.result_container", "")
	v.SetDefault("search.snippet_selector", "")
	v.SetDefault("search.min_score", 0)
	v.SetDefault("search.results", 5)

	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", 25*time.Second)
	v.SetDefault("headless.promotion_threshold", 512)
	v.SetDefault("policy.blocked_domains", []string{})
	v.SetDefault("policy.no_headless_domains", []string{})

	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 64)
	v.SetDefault("progress.max_batch_wait", 500*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 5*time.Second)
	v.SetDefault("progress.log_events", true)

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.local_dir", "./data/raw")
	v.SetDefault("storage.prefix", "raw")

	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("db.auto_migrate", false)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "dno:slots:")
	v.SetDefault("redis.slot_ttl", 10*time.Minute)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.review_topic", "dno-review")

	v.SetDefault("auto_crawl.schedule", "")
	v.SetDefault("auto_crawl.priority", 2)
	v.SetDefault("auto_crawl.year_offset", 0)
}

// normalizeTargets fills each target's Key from its map key. Viper lowercases
// map keys, which matches the registry's lookup rules.
func (c *Config) normalizeTargets() {
	for key, t := range c.Targets {
		t.Key = key
		c.Targets[key] = t
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port <= 65535, "server.port must be between 1 and 65535")
	check(!c.Auth.Enabled || c.Auth.APIKey != "", "auth.api_key is required when auth.enabled is true")
	check(validLevel(c.Logging.Level), "logging.level must be one of debug, info, warn, error")
	check(oneOf(c.Telemetry.Exporter, "none", "gcp"), "telemetry.exporter must be none or gcp")
	check(c.Telemetry.SampleRatio >= 0 && c.Telemetry.SampleRatio <= 1, "telemetry.sample_ratio must be in [0,1]")

	check(c.Scheduler.MaxRetries >= 0, "scheduler.max_retries must be >= 0")
	check(c.Scheduler.BackoffBase > 0, "scheduler.backoff_base must be > 0")
	check(c.Scheduler.BackoffMax >= c.Scheduler.BackoffBase, "scheduler.backoff_max must be >= scheduler.backoff_base")
	check(c.Scheduler.LeaseTimeout > 0, "scheduler.lease_timeout must be > 0")
	check(c.Scheduler.ReapInterval > 0, "scheduler.reap_interval must be > 0")
	check(c.Scheduler.JobTimeout > 0, "scheduler.job_timeout must be > 0")
	check(c.Scheduler.JobTimeout <= c.Scheduler.LeaseTimeout, "scheduler.job_timeout must not exceed scheduler.lease_timeout")
	check(c.Scheduler.PerDomainMax > 0, "scheduler.per_domain_max must be > 0")
	check(c.Scheduler.AgingAfter >= 0, "scheduler.aging_after must be >= 0")

	check(c.Selector.Epsilon >= 0 && c.Selector.Epsilon <= 1, "selector.epsilon must be in [0,1]")
	check(c.Extraction.ConfidenceFloor >= 0 && c.Extraction.ConfidenceFloor <= 1, "extraction.confidence_floor must be in [0,1]")
	check(c.Quality.Threshold > 0 && c.Quality.Threshold <= 1, "quality.threshold must be in (0,1]")
	w := c.Quality.Weights
	check(w.Completeness >= 0 && w.Accuracy >= 0 && w.Consistency >= 0 && w.Completeness+w.Accuracy+w.Consistency > 0,
		"quality.weights must be non-negative with a positive sum")
	check(c.Session.MaxAttemptsPerType > 0, "session.max_attempts_per_type must be > 0")
	check(c.Workers.Concurrency > 0, "workers.concurrency must be > 0")

	check(c.Crawler.UserAgent != "", "crawler.user_agent is required")
	check(c.Crawler.Timeout > 0, "crawler.timeout must be > 0")
	check(c.Crawler.RPS >= 0, "crawler.rps must be >= 0")
	check(oneOf(c.Search.Format, "searxng", "html"), "search.format must be searxng or html")
	check(c.Search.Format != "html" || c.Search.Endpoint == "" || c.Search.ResultSelector != "",
		"search.result_selector is required for the html format")
	check(!c.Headless.Enabled || c.Headless.MaxParallel > 0, "headless.max_parallel must be > 0 when headless is enabled")

	switch c.Storage.Backend {
	case "memory":
	case "local":
		check(c.Storage.LocalDir != "", "storage.local_dir is required for the local backend")
	case "gcs":
		check(c.Storage.GCSBucket != "", "storage.gcs_bucket is required for the gcs backend")
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q must be memory, local or gcs", c.Storage.Backend))
	}
	check(c.DB.MaxConns >= 0 && c.DB.MinConns >= 0 && (c.DB.MaxConns == 0 || c.DB.MinConns <= c.DB.MaxConns),
		"db.min_conns must be between 0 and db.max_conns")
	check(c.DB.DSN != "" || !c.DB.AutoMigrate, "db.auto_migrate needs db.dsn")
	check(c.PubSub.ProjectID == "" || c.PubSub.ReviewTopic != "", "pubsub.review_topic is required with pubsub.project_id")

	if c.AutoCrawl.Schedule != "" {
		if _, err := cron.ParseStandard(c.AutoCrawl.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("auto_crawl.schedule: %w", err))
		}
		check(c.AutoCrawl.Priority >= 1 && c.AutoCrawl.Priority <= 10, "auto_crawl.priority must be between 1 and 10")
		check(len(c.Targets) > 0, "auto_crawl.schedule needs at least one target")
	}
	for key, t := range c.Targets {
		check(t.Website != "", fmt.Sprintf("targets.%s.website is required", key))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func validLevel(level string) bool {
	return oneOf(strings.ToLower(level), "debug", "info", "warn", "error")
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}
