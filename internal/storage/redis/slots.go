// Package redis shares per-domain concurrency slots between orchestrator
// replicas.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Config holds connection settings and the slot key layout.
type Config struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	SlotTTL  time.Duration `mapstructure:"slot_ttl"`
}

// ErrEmptyAddr is returned when no Redis address is configured.
var ErrEmptyAddr = errors.New("redis.addr is required")

const pingTimeout = 5 * time.Second

// NewClient connects and pings Redis.
func NewClient(ctx context.Context, cfg Config) (*goredis.Client, error) {
	if cfg.Addr == "" {
		return nil, ErrEmptyAddr
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// acquireScript increments the counter only while it is below the limit. The
// TTL is refreshed on every acquire so counters of crashed replicas expire.
var acquireScript = goredis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if limit > 0 and n >= limit then
  return 0
end
redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

var releaseScript = goredis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n <= 1 then
  redis.call('DEL', KEYS[1])
  return 0
end
return redis.call('DECR', KEYS[1])
`)

// Slots implements scheduler.DomainSlots on Redis counters.
type Slots struct {
	client goredis.Scripter
	prefix string
	ttl    time.Duration
}

// NewSlots wraps client. Prefix defaults to "dno:slots:" and the TTL to ten
// minutes.
func NewSlots(client goredis.Scripter, cfg Config) *Slots {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "dno:slots:"
	}
	ttl := cfg.SlotTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Slots{client: client, prefix: prefix, ttl: ttl}
}

// Acquire takes a slot for domain if fewer than limit are held. A
// non-positive limit never refuses.
func (s *Slots) Acquire(ctx context.Context, domain string, limit int) (bool, error) {
	n, err := acquireScript.Run(ctx, s.client, []string{s.key(domain)}, limit, s.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("acquire slot %s: %w", domain, err)
	}
	return n == 1, nil
}

// Release returns a slot for domain.
func (s *Slots) Release(ctx context.Context, domain string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.key(domain)}).Err(); err != nil {
		return fmt.Errorf("release slot %s: %w", domain, err)
	}
	return nil
}

func (s *Slots) key(domain string) string {
	return s.prefix + domain
}
