package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/session"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/store"
)

type fakeService struct {
	submitted   []session.SubmitRequest
	created     bool
	submitErr   error
	sessions    map[string]crawler.CrawlSession
	canceled    []string
	resumeErr   error
	reviewed    map[string]crawler.ReviewState
	overridden  map[string]float64
	patterns    []crawler.Pattern
	deadLimit   int
	eventsLimit int
}

func newFakeService() *fakeService {
	return &fakeService{
		created: true,
		sessions: map[string]crawler.CrawlSession{
			"sess-1": {ID: "sess-1", TargetKey: "netze-bw", Year: 2025, State: crawler.SessionCrawling},
		},
		reviewed:   map[string]crawler.ReviewState{},
		overridden: map[string]float64{},
	}
}

func (f *fakeService) get(id string) (crawler.CrawlSession, error) {
	s, ok := f.sessions[id]
	if !ok {
		return crawler.CrawlSession{}, fmt.Errorf("session %s: %w", id, crawler.ErrNotFound)
	}
	return s, nil
}

func (f *fakeService) Submit(_ context.Context, req session.SubmitRequest) (session.SubmitResult, error) {
	f.submitted = append(f.submitted, req)
	if f.submitErr != nil {
		return session.SubmitResult{}, f.submitErr
	}
	return session.SubmitResult{
		Session: crawler.CrawlSession{ID: "sess-new", TargetKey: req.TargetKey, Year: req.Year, DataTypes: req.DataTypes},
		Created: f.created,
	}, nil
}

func (f *fakeService) Status(_ context.Context, id string) (orchestrator.Status, error) {
	s, err := f.get(id)
	if err != nil {
		return orchestrator.Status{}, err
	}
	pos := 3
	return orchestrator.Status{Session: s, OutstandingJobs: 2, QueuePosition: &pos}, nil
}

func (f *fakeService) Cancel(_ context.Context, id, reason string) (crawler.CrawlSession, error) {
	s, err := f.get(id)
	if err != nil {
		return s, err
	}
	f.canceled = append(f.canceled, reason)
	s.State = crawler.SessionPaused
	return s, nil
}

func (f *fakeService) Resume(_ context.Context, id string) (crawler.CrawlSession, error) {
	if f.resumeErr != nil {
		return crawler.CrawlSession{}, f.resumeErr
	}
	return f.get(id)
}

func (f *fakeService) Events(_ context.Context, id string, limit int) ([]store.SessionEvent, error) {
	if _, err := f.get(id); err != nil {
		return nil, err
	}
	f.eventsLimit = limit
	return []store.SessionEvent{{Seq: 1, SessionID: id, Kind: "transition", ToState: "queued"}}, nil
}

func (f *fakeService) Paths(_ context.Context, id string) ([]crawler.CrawlPathRecord, error) {
	if _, err := f.get(id); err != nil {
		return nil, err
	}
	return []crawler.CrawlPathRecord{{ID: "p1", SessionID: id, Outcome: "success"}}, nil
}

func (f *fakeService) Patterns(_ context.Context, targetKey string) ([]crawler.Pattern, error) {
	if targetKey == "nowhere" {
		return nil, crawler.ErrTargetNotFound
	}
	return f.patterns, nil
}

func (f *fakeService) ReviewPattern(_ context.Context, id string, decision crawler.ReviewState, _ string) (crawler.Pattern, error) {
	f.reviewed[id] = decision
	return crawler.Pattern{ID: id, ReviewState: decision}, nil
}

func (f *fakeService) OverrideConfidence(_ context.Context, id string, confidence float64, _ string) (crawler.Pattern, error) {
	if confidence > 1 {
		return crawler.Pattern{}, crawler.Malformed("confidence must be within [0,1]")
	}
	f.overridden[id] = confidence
	return crawler.Pattern{ID: id, ConfidenceOverride: &confidence}, nil
}

func (f *fakeService) DeadLetters(_ context.Context, limit int) ([]crawler.CrawlJob, error) {
	f.deadLimit = limit
	return []crawler.CrawlJob{{ID: "job-dead", Status: crawler.JobDeadLetter}}, nil
}

type pingFunc func(context.Context) error

func (p pingFunc) Ping(ctx context.Context) error { return p(ctx) }

func do(t *testing.T, h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func TestSubmitSessionCreatesAndDefaults(t *testing.T) {
	t.Parallel()
	svc := newFakeService()
	h := NewServer(svc, Config{}, nil).Handler()

	rec := do(t, h, http.MethodPost, "/v1/sessions", `{"target_key":" Netze-BW ","year":2025,"data_types":["HLZF"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp submitResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "sess-new", resp.SessionID)
	assert.True(t, resp.Created)
	require.Len(t, svc.submitted, 1)
	got := svc.submitted[0]
	assert.Equal(t, "netze-bw", got.TargetKey)
	assert.Equal(t, 5, got.Priority)
	assert.Equal(t, "api", got.CreatedBy)
	assert.Equal(t, []crawler.DataType{crawler.DataTypeHLZF}, got.DataTypes)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestSubmitSessionAttachedReturnsOK(t *testing.T) {
	t.Parallel()
	svc := newFakeService()
	svc.created = false
	h := NewServer(svc, Config{}, nil).Handler()

	rec := do(t, h, http.MethodPost, "/v1/sessions", `{"target_key":"netze-bw","year":2025,"priority":9}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 9, svc.submitted[0].Priority)
}

func TestSubmitSessionErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{name: "invalid json", body: `{"target_key":`, status: http.StatusBadRequest},
		{name: "unknown field", body: `{"target":"x"}`, status: http.StatusBadRequest},
		{name: "unknown data type", body: `{"target_key":"netze-bw","year":2025,"data_types":["gas"]}`, status: http.StatusBadRequest},
		{name: "unknown target", body: `{"target_key":"nowhere","year":2025}`, err: fmt.Errorf("resolve: %w", crawler.ErrTargetNotFound), status: http.StatusNotFound},
		{name: "malformed", body: `{"target_key":"netze-bw","year":1900}`, err: crawler.Malformed("year 1900 outside 2000-2100"), status: http.StatusBadRequest},
		{name: "store failure", body: `{"target_key":"netze-bw","year":2025}`, err: errors.New("connection refused"), status: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			svc := newFakeService()
			svc.submitErr = tc.err
			rec := do(t, NewServer(svc, Config{}, nil).Handler(), http.MethodPost, "/v1/sessions", tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			if tc.status == http.StatusInternalServerError {
				assert.NotContains(t, rec.Body.String(), "connection refused")
			}
		})
	}
}

func TestGetSessionStatus(t *testing.T) {
	t.Parallel()
	h := NewServer(newFakeService(), Config{}, nil).Handler()

	rec := do(t, h, http.MethodGet, "/v1/sessions/sess-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st orchestrator.Status
	decodeBody(t, rec, &st)
	assert.Equal(t, "sess-1", st.Session.ID)
	require.NotNil(t, st.QueuePosition)
	assert.Equal(t, 3, *st.QueuePosition)

	rec = do(t, h, http.MethodGet, "/v1/sessions/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelAndResume(t *testing.T) {
	t.Parallel()
	svc := newFakeService()
	h := NewServer(svc, Config{}, nil).Handler()

	rec := do(t, h, http.MethodPost, "/v1/sessions/sess-1/cancel", `{"reason":"operator"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"operator"}, svc.canceled)

	rec = do(t, h, http.MethodPost, "/v1/sessions/sess-1/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"operator", ""}, svc.canceled)

	rec = do(t, h, http.MethodPost, "/v1/sessions/sess-1/resume", "")
	require.Equal(t, http.StatusOK, rec.Code)

	svc.resumeErr = fmt.Errorf("%w: session is crawling, not paused", crawler.ErrInvalidTransition)
	rec = do(t, h, http.MethodPost, "/v1/sessions/sess-1/resume", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSessionEventsAndPaths(t *testing.T) {
	t.Parallel()
	svc := newFakeService()
	h := NewServer(svc, Config{}, nil).Handler()

	rec := do(t, h, http.MethodGet, "/v1/sessions/sess-1/events?limit=20", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 20, svc.eventsLimit)
	var events struct {
		Events []store.SessionEvent `json:"events"`
	}
	decodeBody(t, rec, &events)
	assert.Len(t, events.Events, 1)

	rec = do(t, h, http.MethodGet, "/v1/sessions/sess-1/events?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/sessions/sess-1/paths", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"outcome":"success"`)

	rec = do(t, h, http.MethodGet, "/v1/sessions/missing/paths", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPatternRoutes(t *testing.T) {
	t.Parallel()
	svc := newFakeService()
	svc.patterns = []crawler.Pattern{{ID: "pat-1", TargetKey: "netze-bw"}}
	h := NewServer(svc, Config{}, nil).Handler()

	rec := do(t, h, http.MethodGet, "/v1/patterns?target_key=netze-bw", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pat-1")

	rec = do(t, h, http.MethodGet, "/v1/patterns?target_key=nowhere", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/patterns/pat-1/review", `{"decision":"Verified","notes":"ok"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, crawler.ReviewVerified, svc.reviewed["pat-1"])

	rec = do(t, h, http.MethodPost, "/v1/patterns/pat-1/review", `{"decision":"maybe"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/patterns/pat-1/confidence", `{"confidence":0.9}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 0.9, svc.overridden["pat-1"], 1e-9)

	rec = do(t, h, http.MethodPost, "/v1/patterns/pat-1/confidence", `{"notes":"missing"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/patterns/pat-1/confidence", `{"confidence":1.5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeadLetters(t *testing.T) {
	t.Parallel()
	svc := newFakeService()
	h := NewServer(svc, Config{}, nil).Handler()

	rec := do(t, h, http.MethodGet, "/v1/jobs/dead-letters", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, svc.deadLimit)
	assert.Contains(t, rec.Body.String(), "job-dead")
}

func TestAPIKeyGuardsV1Only(t *testing.T) {
	t.Parallel()
	h := NewServer(newFakeService(), Config{AuthEnabled: true, APIKey: "secret"}, nil).Handler()

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/v1/sessions/sess-1", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/v1/sessions/sess-1", "", "X-API-Key", "wrong").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/sessions/sess-1", "", "X-API-Key", "secret").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "").Code)
}

func TestReadyzReportsFailingDependencies(t *testing.T) {
	t.Parallel()

	ok := NewServer(newFakeService(), Config{Ready: map[string]Pinger{
		"postgres": pingFunc(func(context.Context) error { return nil }),
	}}, nil).Handler()
	assert.Equal(t, http.StatusOK, do(t, ok, http.MethodGet, "/readyz", "").Code)

	down := NewServer(newFakeService(), Config{Ready: map[string]Pinger{
		"postgres": pingFunc(func(context.Context) error { return nil }),
		"redis":    pingFunc(func(context.Context) error { return errors.New("dial tcp: refused") }),
	}}, nil).Handler()
	rec := do(t, down, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "redis")
	assert.NotContains(t, rec.Body.String(), "postgres")
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	h := NewServer(newFakeService(), Config{}, nil).Handler()

	do(t, h, http.MethodGet, "/healthz", "")
	rec := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestStatusFor(t *testing.T) {
	t.Parallel()
	assert.Equal(t, http.StatusConflict, statusFor(crawler.ErrTerminalSession))
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(context.DeadlineExceeded))
	assert.Equal(t, http.StatusNotFound, statusFor(fmt.Errorf("get: %w", crawler.ErrNotFound)))
}
