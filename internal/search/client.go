// Package search queries a web search engine for candidate tariff pages. Two
// response formats are supported: SearXNG JSON and plain HTML result pages
// read with CSS selectors.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
)

// Response formats.
const (
	FormatSearXNG = "searxng"
	FormatHTML    = "html"
)

const (
	defaultLimit   = 10
	defaultTimeout = 15 * time.Second
)

// Config describes the search endpoint.
type Config struct {
	Endpoint   string
	Format     string
	QueryParam string
	// ResultSelector picks result anchors in HTML mode; SnippetSelector is
	// resolved relative to each anchor's closest ResultContainer.
	ResultSelector  string
	ResultContainer string
	SnippetSelector string
	// MinScore drops SearXNG results scored at or below it.
	MinScore  float64
	UserAgent string
	Timeout   time.Duration
}

// Pacer delays requests to the search endpoint.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
}

// HostFilter rejects result hosts that are never worth fetching.
type HostFilter interface {
	AllowFetch(rawURL string) bool
}

// Client implements crawler.Searcher.
type Client struct {
	cfg    Config
	base   *colly.Collector
	pacer  Pacer
	filter HostFilter
	logger *zap.Logger
}

// New builds a Client. pacer and filter may be nil.
func New(cfg Config, pacer Pacer, filter HostFilter, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("search: endpoint is required")
	}
	if _, err := url.ParseRequestURI(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("parse search endpoint: %w", err)
	}
	switch cfg.Format {
	case "":
		cfg.Format = FormatSearXNG
	case FormatSearXNG, FormatHTML:
	default:
		return nil, fmt.Errorf("search: unknown format %q", cfg.Format)
	}
	if cfg.QueryParam == "" {
		cfg.QueryParam = "q"
	}
	if cfg.Format == FormatHTML && cfg.ResultSelector == "" {
		cfg.ResultSelector = "a.result__a"
		if cfg.ResultContainer == "" {
			cfg.ResultContainer = ".result"
		}
		if cfg.SnippetSelector == "" {
			cfg.SnippetSelector = ".result__snippet"
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []colly.CollectorOption{colly.AllowURLRevisit()}
	if cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(cfg.UserAgent))
	}
	c := colly.NewCollector(opts...)
	c.IgnoreRobotsTxt = true
	c.SetRequestTimeout(cfg.Timeout)

	return &Client{cfg: cfg, base: c, pacer: pacer, filter: filter, logger: logger}, nil
}

// Search returns up to limit ranked results for query.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]crawler.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, crawler.Malformed("empty search query")
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	requestURL, err := c.requestURL(query)
	if err != nil {
		return nil, err
	}
	if c.pacer != nil {
		if err := c.pacer.Wait(ctx, requestURL); err != nil {
			return nil, fmt.Errorf("pace search: %w", err)
		}
	}

	body, err := c.get(ctx, requestURL)
	if err != nil {
		return nil, err
	}

	var results []crawler.SearchResult
	if c.cfg.Format == FormatHTML {
		results, err = c.parseHTML(body)
	} else {
		results, err = c.parseSearXNG(body)
	}
	if err != nil {
		return nil, err
	}
	results = c.rank(results, limit)
	c.logger.Debug("search completed", zap.String("query", query), zap.Int("results", len(results)))
	return results, nil
}

func (c *Client) requestURL(query string) (string, error) {
	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse search endpoint: %w", err)
	}
	q := u.Query()
	q.Set(c.cfg.QueryParam, query)
	if c.cfg.Format == FormatSearXNG {
		q.Set("format", "json")
		q.Set("categories", "general")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) get(ctx context.Context, requestURL string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	collector := c.base.Clone()
	var (
		body     []byte
		status   int
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			fetchErr = &crawler.StatusError{URL: requestURL, StatusCode: r.StatusCode}
			return
		}
		fetchErr = crawler.Transient("search", err)
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Request(http.MethodGet, requestURL, nil, nil, http.Header{"Accept": []string{"application/json, text/html"}})
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("search: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return nil, fetchErr
		}
		if err != nil {
			return nil, crawler.Transient("search", err)
		}
	}
	if status != http.StatusOK {
		return nil, &crawler.StatusError{URL: requestURL, StatusCode: status}
	}
	return body, nil
}

type searxngResponse struct {
	Results []struct {
		URL     string  `json:"url"`
		Title   string  `json:"title"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

func (c *Client) parseSearXNG(body []byte) ([]crawler.SearchResult, error) {
	var decoded searxngResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, crawler.Transient("decode search response", err)
	}
	out := make([]crawler.SearchResult, 0, len(decoded.Results))
	for _, r := range decoded.Results {
		if c.cfg.MinScore > 0 && r.Score <= c.cfg.MinScore {
			continue
		}
		out = append(out, crawler.SearchResult{URL: r.URL, Title: strings.TrimSpace(r.Title), Snippet: strings.TrimSpace(r.Content)})
	}
	return out, nil
}

func (c *Client) parseHTML(body []byte) ([]crawler.SearchResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse search page: %w", err)
	}
	base, _ := url.Parse(c.cfg.Endpoint)
	var out []crawler.SearchResult
	doc.Find(c.cfg.ResultSelector).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		target := decodeRedirect(base, href)
		if target == "" {
			return
		}
		result := crawler.SearchResult{URL: target, Title: strings.TrimSpace(s.Text())}
		if c.cfg.ResultContainer != "" && c.cfg.SnippetSelector != "" {
			result.Snippet = strings.TrimSpace(s.Closest(c.cfg.ResultContainer).Find(c.cfg.SnippetSelector).First().Text())
		}
		out = append(out, result)
	})
	return out, nil
}

// rank drops unusable, duplicate and filtered URLs and assigns 1-based ranks.
func (c *Client) rank(results []crawler.SearchResult, limit int) []crawler.SearchResult {
	seen := make(map[string]struct{}, len(results))
	out := make([]crawler.SearchResult, 0, min(limit, len(results)))
	for _, r := range results {
		normalized, err := crawler.NormalizeURL(r.URL)
		if err != nil || !strings.HasPrefix(normalized, "http") || crawler.Domain(normalized) == "" {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		if c.filter != nil && !c.filter.AllowFetch(normalized) {
			continue
		}
		seen[normalized] = struct{}{}
		r.URL = normalized
		r.Rank = len(out) + 1
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out
}

// decodeRedirect resolves href against the search page and unwraps redirect
// links of the form /l/?uddg=<target>. Other links back into the search
// engine (paging, settings) are dropped.
func decodeRedirect(base *url.URL, href string) string {
	resolved, ok := crawler.ResolveURL(base.String(), href)
	if !ok {
		return ""
	}
	u, err := url.Parse(resolved)
	if err != nil {
		return ""
	}
	if target := u.Query().Get("uddg"); target != "" {
		if t, err := url.Parse(target); err == nil && (t.Scheme == "http" || t.Scheme == "https") {
			return t.String()
		}
		return ""
	}
	if sameSite(u.Hostname(), base.Hostname()) {
		return ""
	}
	return resolved
}

func sameSite(a, b string) bool {
	a, b = strings.ToLower(a), strings.ToLower(b)
	return a == b || strings.HasSuffix(a, "."+b) || strings.HasSuffix(b, "."+a)
}
