// Package collyfetcher implements the plain HTTP probe fetch with gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
)

const (
	defaultTimeout      = 20 * time.Second
	defaultMaxBodyBytes = 32 << 20
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxBodyBytes caps downloads; tariff PDFs are rarely above a few MB.
	MaxBodyBytes int
}

// Fetcher implements crawler.Fetcher with a Colly collector. Each call runs on
// a clone so callbacks never leak between requests while the transport and
// robots cache are shared.
type Fetcher struct {
	base *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	opts := []colly.CollectorOption{colly.AllowURLRevisit()}
	if cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(cfg.UserAgent))
	}
	c := colly.NewCollector(opts...)
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	c.MaxBodySize = cfg.MaxBodyBytes
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = defaultMaxBodyBytes
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c.SetRequestTimeout(timeout)
	c.WithTransport(newHTTPTransport())
	return &Fetcher{base: c}
}

// Fetch performs one GET. Non-2xx responses are returned together with a
// *crawler.StatusError; network failures are transient.
func (f *Fetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	if err := ctx.Err(); err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("probe fetch canceled: %w", err)
	}
	c := f.base.Clone()
	var (
		resp    crawler.FetchResponse
		respErr error
	)
	start := time.Now()
	c.OnRequest(func(r *colly.Request) {
		for key, values := range req.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})
	c.OnResponse(func(r *colly.Response) {
		resp = toResponse(r, start)
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			resp = toResponse(r, start)
			respErr = &crawler.StatusError{URL: resp.URL, StatusCode: r.StatusCode}
			return
		}
		respErr = crawler.Transient("probe fetch", err)
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Visit(req.URL)
	}()
	select {
	case <-ctx.Done():
		return crawler.FetchResponse{}, fmt.Errorf("probe fetch canceled: %w", ctx.Err())
	case err := <-done:
		switch {
		case errors.Is(err, colly.ErrRobotsTxtBlocked):
			return crawler.FetchResponse{}, fmt.Errorf("%w: %s", crawler.ErrRobotsDisallowed, req.URL)
		case respErr != nil:
			return resp, respErr
		case err != nil:
			return crawler.FetchResponse{}, crawler.Transient("probe fetch", err)
		}
	}
	return resp, nil
}

func toResponse(r *colly.Response, start time.Time) crawler.FetchResponse {
	var headers http.Header
	if r.Headers != nil {
		headers = r.Headers.Clone()
	}
	return crawler.FetchResponse{
		URL:         r.Request.URL.String(),
		StatusCode:  r.StatusCode,
		ContentType: headers.Get("Content-Type"),
		Headers:     headers,
		Body:        append([]byte(nil), r.Body...),
		Duration:    time.Since(start),
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
}
