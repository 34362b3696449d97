package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

const maxRobotsBytes = 512 << 10

var robotsRetryBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// RobotsGuard answers robots.txt questions for fetches that bypass the probe
// collector, such as headless renders. Files are cached per host. A host whose
// robots.txt cannot be read because of repeated TLS or network timeouts is
// treated as allow-all.
type RobotsGuard struct {
	client    *http.Client
	userAgent string
	respect   bool
	logger    *zap.Logger

	mu    sync.Mutex
	cache map[string]*robotstxt.RobotsData
}

// NewRobotsGuard builds a guard. With respect=false every URL is allowed.
func NewRobotsGuard(respect bool, userAgent string, client *http.Client, logger *zap.Logger) *RobotsGuard {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RobotsGuard{
		client:    client,
		userAgent: userAgent,
		respect:   respect,
		logger:    logger,
		cache:     make(map[string]*robotstxt.RobotsData),
	}
}

// Allowed reports whether rawURL may be fetched.
func (g *RobotsGuard) Allowed(ctx context.Context, rawURL string) bool {
	if g == nil || !g.respect {
		return true
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return false
	}
	data, err := g.load(ctx, parsed)
	if err != nil {
		g.logger.Warn("robots.txt unavailable, allowing fetch", zap.String("host", parsed.Host), zap.Error(err))
		return true
	}
	return data.TestAgent(parsed.EscapedPath(), g.userAgent)
}

func (g *RobotsGuard) load(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	host := strings.ToLower(parsed.Host)
	g.mu.Lock()
	cached, ok := g.cache[host]
	g.mu.Unlock()
	if ok {
		return cached, nil
	}

	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	status, body, err := g.fetchWithRetry(ctx, robotsURL.String())
	var data *robotstxt.RobotsData
	switch {
	case err != nil && isTransientNetError(err):
		// Persistently unreachable robots.txt counts as no restrictions.
		data, err = robotstxt.FromStatusAndBytes(http.StatusNotFound, nil)
	case err != nil:
		return nil, err
	default:
		data, err = robotstxt.FromStatusAndBytes(status, body)
	}
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}
	g.mu.Lock()
	g.cache[host] = data
	g.mu.Unlock()
	return data, nil
}

func (g *RobotsGuard) fetchWithRetry(ctx context.Context, robotsURL string) (int, []byte, error) {
	var lastErr error
	for attempt := 0; attempt <= len(robotsRetryBackoff); attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, robotsRetryBackoff[attempt-1]); err != nil {
				return 0, nil, err
			}
		}
		status, body, err := g.fetch(ctx, robotsURL)
		if err == nil {
			return status, body, nil
		}
		if !isTransientNetError(err) {
			return 0, nil, err
		}
		lastErr = err
	}
	return 0, nil, lastErr
}

func (g *RobotsGuard) fetch(ctx context.Context, robotsURL string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("new robots request: %w", err)
	}
	if g.userAgent != "" {
		req.Header.Set("User-Agent", g.userAgent)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			g.logger.Debug("close robots body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("read robots.txt: %w", err)
	}
	return resp.StatusCode, body, nil
}

func isTransientNetError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("robots retry wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
