package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Scheduler.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.BackoffBase)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.BackoffMax)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.LeaseTimeout)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.ReapInterval)
	assert.Equal(t, 3*time.Minute, cfg.Scheduler.JobTimeout)
	assert.Equal(t, 2, cfg.Scheduler.PerDomainMax)
	assert.Zero(t, cfg.Scheduler.AgingAfter)
	assert.InDelta(t, 0.1, cfg.Selector.Epsilon, 1e-9)
	assert.InDelta(t, 0.3, cfg.Extraction.ConfidenceFloor, 1e-9)
	assert.InDelta(t, 0.7, cfg.Quality.Threshold, 1e-9)
	assert.InDelta(t, 0.5, cfg.Quality.Weights.Completeness, 1e-9)
	assert.Equal(t, 8, cfg.Session.MaxAttemptsPerType)
	assert.Equal(t, 4, cfg.Workers.Concurrency)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.True(t, cfg.Crawler.RespectRobots)
	assert.Empty(t, cfg.DB.DSN)
	assert.Empty(t, cfg.Redis.Addr)
}

func TestLoadWithFileOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
scheduler:
  max_retries: 5
  backoff_base: 1s
  backoff_max: 1m
  per_domain_max: 1
  aging_after: 10m
selector:
  epsilon: 0.25
  seed: 42
storage:
  backend: local
  local_dir: /tmp/dno
redis:
  addr: localhost:6379
auto_crawl:
  schedule: "0 3 * * 1"
  priority: 3
  year_offset: 1
targets:
  Netze-BW:
    name: Netze BW GmbH
    website: https://www.netze-bw.de
    aliases: [netzebw]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "secret", cfg.Auth.APIKey)
	assert.Equal(t, 5, cfg.Scheduler.MaxRetries)
	assert.Equal(t, time.Second, cfg.Scheduler.BackoffBase)
	assert.Equal(t, 10*time.Minute, cfg.Scheduler.AgingAfter)
	assert.Equal(t, uint64(42), cfg.Selector.Seed)
	assert.Equal(t, "/tmp/dno", cfg.Storage.LocalDir)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 1, cfg.AutoCrawl.YearOffset)

	require.Contains(t, cfg.Targets, "netze-bw")
	target := cfg.Targets["netze-bw"]
	assert.Equal(t, "netze-bw", target.Key)
	assert.Equal(t, "Netze BW GmbH", target.Name)
	assert.Equal(t, []string{"netzebw"}, target.Aliases)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DNOCRAWLER_SERVER_PORT", "7070")
	t.Setenv("DNOCRAWLER_DB_DSN", "postgres://u:p@db/dno")
	t.Setenv("DNOCRAWLER_SCHEDULER_LEASE_TIMEOUT", "10m")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "postgres://u:p@db/dno", cfg.DB.DSN)
	assert.Equal(t, 10*time.Minute, cfg.Scheduler.LeaseTimeout)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadSettings(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	cases := map[string]func(*Config){
		"port":            func(c *Config) { c.Server.Port = 0 },
		"api key":         func(c *Config) { c.Auth.Enabled = true },
		"log level":       func(c *Config) { c.Logging.Level = "loud" },
		"backoff order":   func(c *Config) { c.Scheduler.BackoffMax = time.Millisecond },
		"job vs lease":    func(c *Config) { c.Scheduler.JobTimeout = time.Hour },
		"epsilon":         func(c *Config) { c.Selector.Epsilon = 1.5 },
		"threshold":       func(c *Config) { c.Quality.Threshold = 0 },
		"weights":         func(c *Config) { c.Quality.Weights = QualityWeights{} },
		"workers":         func(c *Config) { c.Workers.Concurrency = 0 },
		"storage backend": func(c *Config) { c.Storage.Backend = "s3" },
		"gcs bucket":      func(c *Config) { c.Storage.Backend = "gcs" },
		"auto migrate":    func(c *Config) { c.DB.AutoMigrate = true },
		"cron":            func(c *Config) { c.AutoCrawl.Schedule = "every tuesday" },
		"search html":     func(c *Config) { c.Search.Endpoint = "https://s.example"; c.Search.Format = "html" },
		"target website": func(c *Config) {
			c.Targets = map[string]crawler.Target{"x": {Key: "x"}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base
			cfg.Targets = nil
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Server.Port = -1
	cfg.Workers.Concurrency = 0

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "workers.concurrency")
}
