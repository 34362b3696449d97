// Package navigate executes strategy definitions against a DNO website and
// the search engine, producing the raw documents handed to extraction.
package navigate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
)

const (
	defaultMaxDepth      = 2
	defaultMaxPages      = 12
	defaultSearchResults = 5
	defaultMaxDocuments  = 6
	urlSearchFallbacks   = 3
)

// PauseChecker reports whether a session was paused or canceled.
type PauseChecker interface {
	Paused(ctx context.Context, sessionID string) (bool, error)
}

// Config bounds the work done for one strategy.
type Config struct {
	MaxDepth      int
	MaxPages      int
	SearchResults int
	MaxDocuments  int
}

// Request is one strategy execution.
type Request struct {
	SessionID  string
	Target     crawler.Target
	Year       int
	Definition crawler.StrategyDefinition
}

// Fetched is a document together with the definition that would reach it
// directly next time.
type Fetched struct {
	Document crawler.Document
	Refined  crawler.StrategyDefinition
}

// Result is everything an execution produced.
type Result struct {
	Documents []Fetched
	Steps     []crawler.PathStep
}

// Executor runs strategies.
type Executor struct {
	cfg      Config
	fetcher  crawler.Fetcher
	searcher crawler.Searcher
	hasher   crawler.Hasher
	pause    PauseChecker
	logger   *zap.Logger
}

// NewExecutor builds an Executor. searcher may be nil, which makes search
// driven strategies fail as extraction failures.
func NewExecutor(
	cfg Config,
	fetcher crawler.Fetcher,
	searcher crawler.Searcher,
	hasher crawler.Hasher,
	pause PauseChecker,
	logger *zap.Logger,
) *Executor {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = defaultMaxDepth
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	if cfg.SearchResults <= 0 {
		cfg.SearchResults = defaultSearchResults
	}
	if cfg.MaxDocuments <= 0 {
		cfg.MaxDocuments = defaultMaxDocuments
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{cfg: cfg, fetcher: fetcher, searcher: searcher, hasher: hasher, pause: pause, logger: logger}
}

// errNoSearcher is returned for search driven strategies without a searcher.
var errNoSearcher = errors.New("no search engine configured")

// run carries the state of one execution.
type run struct {
	*Executor
	req    Request
	result Result
	pages  int
	depth  int
}

// response is a fetch result together with the URL the strategy asked for,
// which differs from URL after a redirect.
type response struct {
	crawler.FetchResponse
	requested string
}

// Execute runs req.Definition. Failures of secondary fetches are recorded as
// path steps and skipped; a failure of the entry point (search or start page)
// is returned. ErrSessionPaused is returned as soon as the session is paused.
func (e *Executor) Execute(ctx context.Context, req Request) (Result, error) {
	r := &run{Executor: e, req: req}
	var err error
	switch req.Definition.Type {
	case crawler.PatternURL:
		err = r.direct(ctx)
	case crawler.PatternContent:
		err = r.content(ctx)
	case crawler.PatternNavigation:
		err = r.navigation(ctx)
	case crawler.PatternFileNaming:
		err = r.fileNaming(ctx)
	case crawler.PatternStructural:
		err = r.structural(ctx)
	default:
		err = crawler.Malformed("unknown pattern type %q", req.Definition.Type)
	}
	return r.result, err
}

func (r *run) direct(ctx context.Context) error {
	def := r.req.Definition
	if def.URLTemplate != "" {
		resp, err := r.fetch(ctx, "fetch", r.expand(def.URLTemplate))
		if err != nil {
			return err
		}
		r.keep(resp, def)
		return nil
	}
	results, err := r.search(ctx, def.SearchQuery, urlSearchFallbacks)
	if err != nil {
		return err
	}
	for _, hit := range results {
		resp, err := r.fetch(ctx, "fetch", hit.URL)
		if err != nil {
			if stop(ctx, err) {
				return err
			}
			continue
		}
		refined := def
		refined.SearchQuery = ""
		refined.URLTemplate = templateYear(hit.URL, r.req.Year)
		r.keep(resp, refined)
		return nil
	}
	return nil
}

func (r *run) content(ctx context.Context) error {
	results, err := r.search(ctx, r.req.Definition.SearchQuery, r.cfg.SearchResults)
	if err != nil {
		return err
	}
	for _, hit := range results {
		if r.full() {
			break
		}
		resp, err := r.fetch(ctx, "fetch", hit.URL)
		if err != nil {
			if stop(ctx, err) {
				return err
			}
			continue
		}
		r.keep(resp, r.req.Definition)
	}
	return nil
}

func (r *run) navigation(ctx context.Context) error {
	def := r.req.Definition
	return r.crawl(ctx, func(page response, links []link) []link {
		var files []link
		for _, l := range links {
			if l.file && l.score > 0 {
				files = append(files, l)
			}
		}
		if isDocument(page.FetchResponse) || textScore(page.Body, def.LinkKeywords) > 0 {
			refined := def
			refined.URLTemplate = templateYear(page.URL, r.req.Year)
			refined.MaxDepth = 0
			r.keep(page, refined)
		}
		return files
	}, func(file response, parent string) {
		refined := def
		refined.URLTemplate = templateYear(parent, r.req.Year)
		refined.MaxDepth = 1
		r.keep(file, refined)
	})
}

func (r *run) fileNaming(ctx context.Context) error {
	def := r.req.Definition
	pattern, err := regexp.Compile(strings.ReplaceAll(def.FilePattern, "{year}", strconv.Itoa(r.req.Year)))
	if err != nil || def.FilePattern == "" {
		return crawler.Malformed("invalid file pattern %q", def.FilePattern)
	}
	return r.crawl(ctx, func(_ response, links []link) []link {
		var files []link
		for _, l := range links {
			if pattern.MatchString(crawler.FileName(l.url)) {
				files = append(files, l)
			}
		}
		return files
	}, func(file response, parent string) {
		refined := def
		refined.URLTemplate = templateYear(parent, r.req.Year)
		refined.MaxDepth = 0
		r.keep(file, refined)
	})
}

func (r *run) structural(ctx context.Context) error {
	def := r.req.Definition
	if strings.TrimSpace(def.Selector) == "" {
		return crawler.Malformed("structural strategy needs a selector")
	}
	return r.crawl(ctx, func(page response, _ []link) []link {
		body, ok := selectFragment(page.Body, def.Selector)
		if !ok || textScore(body, def.LinkKeywords) == 0 && !strings.Contains(string(body), strconv.Itoa(r.req.Year)) {
			return nil
		}
		fragment := page
		fragment.Body = body
		refined := def
		refined.URLTemplate = templateYear(page.URL, r.req.Year)
		refined.MaxDepth = 0
		r.keep(fragment, refined)
		return nil
	}, nil)
}

// crawl walks the site breadth first from the strategy's start page, following
// links that score against the keywords. visit inspects each HTML page and
// returns file links to download; download receives each file and the page
// that linked it.
func (r *run) crawl(
	ctx context.Context,
	visit func(page response, links []link) []link,
	download func(file response, parent string),
) error {
	def := r.req.Definition
	maxDepth := def.MaxDepth
	if maxDepth < 0 || maxDepth > r.cfg.MaxDepth {
		maxDepth = r.cfg.MaxDepth
	}
	start := r.req.Target.Website
	if def.URLTemplate != "" {
		start = r.expand(def.URLTemplate)
	}
	if start == "" {
		return fmt.Errorf("navigate %s: %w", r.req.Target.Key, crawler.ErrTargetNotFound)
	}
	site := crawler.Domain(start)

	type node struct {
		url   string
		depth int
	}
	queue := []node{{url: start}}
	seen := map[string]struct{}{normalize(start): {}}
	first := true
	for len(queue) > 0 && !r.full() && r.pages < r.cfg.MaxPages {
		n := queue[0]
		queue = queue[1:]

		r.depth = n.depth
		page, err := r.fetch(ctx, "fetch", n.url)
		if err != nil {
			if first || stop(ctx, err) {
				return err
			}
			continue
		}
		first = false
		if isDocument(page.FetchResponse) {
			if download != nil {
				download(page, n.url)
			} else {
				visit(page, nil)
			}
			continue
		}

		links := discoverLinks(page.URL, page.Body, def.LinkKeywords, r.req.Year)
		for _, file := range visit(page, links) {
			if r.full() || r.pages >= r.cfg.MaxPages {
				break
			}
			if _, dup := seen[normalize(file.url)]; dup {
				continue
			}
			seen[normalize(file.url)] = struct{}{}
			r.depth = n.depth + 1
			resp, err := r.fetch(ctx, "download", file.url)
			if err != nil {
				if stop(ctx, err) {
					return err
				}
				continue
			}
			if download != nil {
				download(resp, page.URL)
			}
		}
		if n.depth >= maxDepth {
			continue
		}
		for _, l := range links {
			if l.file || l.score == 0 || crawler.Domain(l.url) != site {
				continue
			}
			key := normalize(l.url)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			queue = append(queue, node{url: l.url, depth: n.depth + 1})
		}
	}
	return nil
}

func (r *run) search(ctx context.Context, template string, limit int) ([]crawler.SearchResult, error) {
	if r.searcher == nil {
		return nil, fmt.Errorf("search: %w", errors.Join(errNoSearcher, crawler.ErrNoCandidate))
	}
	query := r.expand(template)
	start := time.Now()
	results, err := r.searcher.Search(ctx, query, limit)
	r.step(crawler.PathStep{Action: "search", URL: query, Duration: time.Since(start), Note: note(err, len(results))})
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	if err := r.checkPause(ctx); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *run) fetch(ctx context.Context, action, rawURL string) (response, error) {
	r.pages++
	start := time.Now()
	resp, err := r.fetcher.Fetch(ctx, crawler.FetchRequest{SessionID: r.req.SessionID, URL: rawURL})
	step := crawler.PathStep{
		Action:     action,
		URL:        rawURL,
		Depth:      r.depth,
		StatusCode: resp.StatusCode,
		Duration:   time.Since(start),
	}
	if err != nil {
		step.Note = err.Error()
	} else if resp.URL != "" && resp.URL != rawURL {
		step.Note = "redirected to " + resp.URL
	}
	r.step(step)
	if perr := r.checkPause(ctx); perr != nil {
		return response{}, perr
	}
	if err != nil {
		return response{}, err
	}
	if resp.URL == "" {
		resp.URL = rawURL
	}
	return response{FetchResponse: resp, requested: rawURL}, nil
}

func (r *run) checkPause(ctx context.Context) error {
	if r.pause == nil {
		return nil
	}
	paused, err := r.pause.Paused(ctx, r.req.SessionID)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("check pause: %w", ctx.Err())
		}
		r.logger.Warn("pause check failed", zap.String("session_id", r.req.SessionID), zap.Error(err))
		return nil
	}
	if paused {
		return crawler.ErrSessionPaused
	}
	return nil
}

func (r *run) keep(resp response, refined crawler.StrategyDefinition) {
	if len(resp.Body) == 0 || r.full() {
		return
	}
	digest, err := r.hasher.Hash(resp.Body)
	if err != nil {
		r.logger.Warn("hash document", zap.String("url", resp.URL), zap.Error(err))
		return
	}
	for _, f := range r.result.Documents {
		if f.Document.Hash == digest {
			return
		}
	}
	contentType := resp.ContentType
	if contentType == "" && resp.Headers != nil {
		contentType = resp.Headers.Get("Content-Type")
	}
	if contentType == "" {
		contentType = http.DetectContentType(resp.Body)
	}
	r.result.Documents = append(r.result.Documents, Fetched{
		Document: crawler.Document{
			SourceURL:   resp.requested,
			FinalURL:    resp.URL,
			ContentType: contentType,
			Body:        resp.Body,
			Hash:        digest,
		},
		Refined: refined,
	})
}

func (r *run) full() bool {
	return len(r.result.Documents) >= r.cfg.MaxDocuments
}

func (r *run) step(s crawler.PathStep) {
	r.result.Steps = append(r.result.Steps, s)
}

func (r *run) expand(template string) string {
	return Expand(template, r.req.Target, r.req.Year, r.req.Definition.DataType)
}

// Expand substitutes {target}, {year} and {data_type} in a template.
func Expand(template string, target crawler.Target, year int, dataType crawler.DataType) string {
	name := target.Name
	if name == "" {
		name = target.Key
	}
	return strings.NewReplacer(
		"{target}", name,
		"{year}", strconv.Itoa(year),
		"{data_type}", string(dataType),
	).Replace(template)
}

// templateYear turns a concrete URL back into a template by replacing the
// year with {year}.
func templateYear(rawURL string, year int) string {
	return strings.ReplaceAll(rawURL, strconv.Itoa(year), "{year}")
}

func stop(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, crawler.ErrSessionPaused)
}

func note(err error, n int) string {
	if err != nil {
		return err.Error()
	}
	return strconv.Itoa(n) + " results"
}

func isDocument(resp crawler.FetchResponse) bool {
	ct := strings.ToLower(resp.ContentType)
	switch {
	case strings.Contains(ct, "pdf"), strings.Contains(ct, "spreadsheet"), strings.Contains(ct, "ms-excel"):
		return true
	case strings.Contains(ct, "html"):
		return false
	}
	return bytes.HasPrefix(resp.Body, []byte("%PDF-")) || isFileURL(resp.URL)
}
