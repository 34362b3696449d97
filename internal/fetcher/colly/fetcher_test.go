package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "User-agent: *\nDisallow: /intern")
	})
	mux.HandleFunc("/netzentgelte", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<html><body>trace=%s</body></html>", r.Header.Get("X-Trace"))
	})
	mux.HandleFunc("/intern/preise", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "secret")
	})
	mux.HandleFunc("/busy", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchReturnsBodyAndContentType(t *testing.T) {
	t.Parallel()
	srv := newServer(t)
	f := New(Config{UserAgent: "dnocrawler-test", Timeout: 5 * time.Second})

	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{
		URL:     srv.URL + "/netzentgelte",
		Headers: http.Header{"X-Trace": {"abc"}},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.ContentType, "text/html")
	require.Contains(t, string(resp.Body), "trace=abc")
	require.False(t, resp.UsedHeadless)
}

func TestFetchSurfacesStatusErrors(t *testing.T) {
	t.Parallel()
	srv := newServer(t)
	f := New(Config{Timeout: 5 * time.Second})

	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/missing"})
	var se *crawler.StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusNotFound, se.StatusCode)
	require.Equal(t, crawler.KindExtraction, crawler.ClassifyError(err))

	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/busy"})
	require.Error(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, crawler.KindTransient, crawler.ClassifyError(err))
}

func TestFetchRespectsRobots(t *testing.T) {
	t.Parallel()
	srv := newServer(t)

	polite := New(Config{RespectRobots: true, Timeout: 5 * time.Second})
	_, err := polite.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/intern/preise"})
	require.ErrorIs(t, err, crawler.ErrRobotsDisallowed)

	rude := New(Config{RespectRobots: false, Timeout: 5 * time.Second})
	resp, err := rude.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/intern/preise"})
	require.NoError(t, err)
	require.Equal(t, "secret", string(resp.Body))
}

func TestFetchHonorsCanceledContext(t *testing.T) {
	t.Parallel()
	srv := newServer(t)
	f := New(Config{Timeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL + "/netzentgelte"})
	require.ErrorIs(t, err, context.Canceled)
}
