// Package ratelimit paces requests per domain so crawls stay polite toward
// DNO websites and the search endpoint.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/metrics"
)

// Config holds rate limiter configuration. A non-positive RPS disables pacing.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	// MaxCooldown caps how long a Retry-After or 429 can pause a domain.
	MaxCooldown time.Duration
}

type domainState struct {
	limiter       *rate.Limiter
	cooldownUntil time.Time
}

// Limiter manages one token bucket per domain plus an optional cooldown set
// after the domain signalled overload.
type Limiter struct {
	cfg   Config
	rate  rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	domains map[string]*domainState
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = 2 * time.Minute
	}
	return &Limiter{
		cfg:     cfg,
		rate:    r,
		burst:   burst,
		now:     time.Now,
		domains: make(map[string]*domainState),
	}
}

// Wait blocks until rawURL's domain may be contacted again.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	domain := crawler.Domain(rawURL)
	if domain == "" {
		domain = "unknown"
	}
	start := l.now()
	l.mu.Lock()
	state := l.stateLocked(domain)
	cooldown := state.cooldownUntil.Sub(start)
	l.mu.Unlock()

	if cooldown > 0 {
		timer := time.NewTimer(cooldown)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("domain cooldown wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
	if err := state.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(domain, waited)
	}
	return nil
}

// Cooldown pauses a domain for d, bounded by MaxCooldown. Callers use it after
// a 429 or 503 response.
func (l *Limiter) Cooldown(rawURL string, d time.Duration) {
	if d <= 0 {
		return
	}
	if d > l.cfg.MaxCooldown {
		d = l.cfg.MaxCooldown
	}
	domain := crawler.Domain(rawURL)
	l.mu.Lock()
	defer l.mu.Unlock()
	state := l.stateLocked(domain)
	if until := l.now().Add(d); until.After(state.cooldownUntil) {
		state.cooldownUntil = until
	}
}

func (l *Limiter) stateLocked(domain string) *domainState {
	state, ok := l.domains[domain]
	if !ok {
		state = &domainState{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.domains[domain] = state
	}
	return state
}
