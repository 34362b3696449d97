package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/metrics"
)

const defaultCooldown = 30 * time.Second

// Pacer delays requests per domain.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
	Cooldown(rawURL string, d time.Duration)
}

// Policy gates fetches and headless promotion.
type Policy interface {
	AllowFetch(rawURL string) bool
	AllowHeadless(rawURL string, statusCode int) bool
}

// RobotsChecker answers robots.txt questions for headless renders.
type RobotsChecker interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// Deps are the collaborators of a Client. Headless and Detector may be nil,
// which disables promotion.
type Deps struct {
	Probe    crawler.Fetcher
	Headless crawler.Fetcher
	Detector crawler.HeadlessDetector
	Robots   RobotsChecker
	Pacer    Pacer
	Policy   Policy
	Logger   *zap.Logger
}

// Client fetches a URL politely: pace, probe, then render in a browser when
// the probe looks like a JavaScript shell.
type Client struct {
	deps   Deps
	logger *zap.Logger
}

// NewClient builds a Client. Probe is required.
func NewClient(deps Deps) (*Client, error) {
	if deps.Probe == nil {
		return nil, errors.New("fetcher: probe fetcher is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{deps: deps, logger: logger}, nil
}

// Fetch implements crawler.Fetcher.
func (c *Client) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	ctx, span := otel.Tracer("dnocrawler/fetcher").Start(ctx, "fetch")
	defer span.End()
	span.SetAttributes(attribute.String("url", req.URL), attribute.String("session_id", req.SessionID))

	resp, err := c.fetch(ctx, req)
	span.SetAttributes(
		attribute.Int("status_code", resp.StatusCode),
		attribute.Bool("headless", resp.UsedHeadless),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return resp, err
}

func (c *Client) fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	if c.deps.Policy != nil && !c.deps.Policy.AllowFetch(req.URL) {
		return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", req.URL, crawler.ErrBlockedHost)
	}
	if err := c.wait(ctx, req.URL); err != nil {
		return crawler.FetchResponse{}, err
	}

	if req.UseHeadless && c.deps.Headless != nil {
		return c.render(ctx, req, 0)
	}

	resp, err := c.deps.Probe.Fetch(ctx, req)
	metrics.ObserveFetch(req.URL, resp.StatusCode, len(resp.Body), false)
	if err != nil {
		c.noteOverload(req.URL, resp)
		return resp, err
	}
	if !c.shouldPromote(ctx, req.URL, resp) {
		return resp, nil
	}

	c.logger.Debug("promoting to headless render", zap.String("url", req.URL), zap.Int("probe_bytes", len(resp.Body)))
	rendered, rerr := c.render(ctx, req, resp.StatusCode)
	if rerr != nil {
		if ctx.Err() != nil {
			return crawler.FetchResponse{}, rerr
		}
		c.logger.Warn("headless render failed, keeping probe body", zap.String("url", req.URL), zap.Error(rerr))
		return resp, nil
	}
	return rendered, nil
}

func (c *Client) render(ctx context.Context, req crawler.FetchRequest, probeStatus int) (crawler.FetchResponse, error) {
	if c.deps.Robots != nil && !c.deps.Robots.Allowed(ctx, req.URL) {
		return crawler.FetchResponse{}, fmt.Errorf("render %s: %w", req.URL, crawler.ErrRobotsDisallowed)
	}
	if probeStatus > 0 {
		if err := c.wait(ctx, req.URL); err != nil {
			return crawler.FetchResponse{}, err
		}
	}
	req.UseHeadless = true
	resp, err := c.deps.Headless.Fetch(ctx, req)
	metrics.ObserveFetch(req.URL, resp.StatusCode, len(resp.Body), true)
	if err != nil {
		c.noteOverload(req.URL, resp)
		return resp, err
	}
	resp.UsedHeadless = true
	return resp, nil
}

func (c *Client) shouldPromote(ctx context.Context, rawURL string, resp crawler.FetchResponse) bool {
	if c.deps.Headless == nil || c.deps.Detector == nil || ctx.Err() != nil {
		return false
	}
	if c.deps.Policy != nil && !c.deps.Policy.AllowHeadless(rawURL, resp.StatusCode) {
		return false
	}
	return c.deps.Detector.ShouldPromote(resp)
}

func (c *Client) wait(ctx context.Context, rawURL string) error {
	if c.deps.Pacer == nil {
		return nil
	}
	if err := c.deps.Pacer.Wait(ctx, rawURL); err != nil {
		return fmt.Errorf("pace %s: %w", rawURL, err)
	}
	return nil
}

func (c *Client) noteOverload(rawURL string, resp crawler.FetchResponse) {
	if c.deps.Pacer == nil {
		return
	}
	if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusServiceUnavailable {
		return
	}
	wait := RetryAfter(resp.Headers, time.Now())
	if wait <= 0 {
		wait = defaultCooldown
	}
	c.logger.Info("domain overloaded, cooling down",
		zap.String("domain", crawler.Domain(rawURL)),
		zap.Int("status_code", resp.StatusCode),
		zap.Duration("cooldown", wait),
	)
	c.deps.Pacer.Cooldown(rawURL, wait)
}

// RetryAfter parses a Retry-After header given in seconds or as an HTTP date.
// It returns zero when the header is missing or unparsable.
func RetryAfter(h http.Header, now time.Time) time.Duration {
	if h == nil {
		return 0
	}
	raw := strings.TrimSpace(h.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
