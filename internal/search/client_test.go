package search

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/policy/simple"
)

const searxngBody = `{"results":[
 {"url":"https://www.netze-bw.de/netzentgelte#top","title":" Netzentgelte 2025 ","content":"Preisblatt","score":3.2},
 {"url":"https://www.netze-bw.de/netzentgelte","title":"duplicate","score":2.5},
 {"url":"https://www.facebook.com/netzebw","title":"social","score":2.0},
 {"url":"https://example.org/weak","title":"weak","score":0.4},
 {"url":"mailto:info@netze-bw.de","title":"mail","score":5}
]}`

func TestSearchSearXNG(t *testing.T) {
	t.Parallel()

	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(searxngBody))
	}))
	defer srv.Close()

	filter := simple.New(simple.Config{BlockedDomains: []string{"*.facebook.com"}})
	client, err := New(Config{Endpoint: srv.URL + "/search", MinScore: 1.0}, nil, filter, nil)
	require.NoError(t, err)

	results, err := client.Search(context.Background(), "Netze BW Netzentgelte 2025", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, crawler.SearchResult{Rank: 1, URL: "https://www.netze-bw.de/netzentgelte", Title: "Netzentgelte 2025", Snippet: "Preisblatt"}, results[0])
	assert.Equal(t, "Netze BW Netzentgelte 2025", gotQuery.Get("q"))
	assert.Equal(t, "json", gotQuery.Get("format"))
}

const htmlBody = `<html><body>
<div class="result"><a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fwww.ewe-netz.de%2Fpreisblatt.pdf&rut=abc">Preisblatt EWE</a>
  <a class="result__snippet">Netzentgelte Strom 2025</a></div>
<div class="result"><a class="result__a" href="https://www.avacon-netz.de/hlzf">HLZF Avacon</a></div>
<div class="result"><a class="result__a" href="/html/?q=next">Next page</a></div>
</body></html>`

func TestSearchHTMLDecodesRedirects(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(htmlBody))
	}))
	defer srv.Close()

	client, err := New(Config{Endpoint: srv.URL + "/html/", Format: FormatHTML}, nil, nil, nil)
	require.NoError(t, err)

	results, err := client.Search(context.Background(), "preisblatt", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "https://www.ewe-netz.de/preisblatt.pdf", results[0].URL)
	assert.Equal(t, "Preisblatt EWE", results[0].Title)
	assert.Equal(t, "Netzentgelte Strom 2025", results[0].Snippet)
	assert.Equal(t, 2, results[1].Rank)
	assert.Equal(t, "https://www.avacon-netz.de/hlzf", results[1].URL)
}

func TestSearchLimit(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"results":[{"url":"https://a.example/1"},{"url":"https://b.example/2"},{"url":"https://c.example/3"}]}`))
	}))
	defer srv.Close()

	client, err := New(Config{Endpoint: srv.URL}, nil, nil, nil)
	require.NoError(t, err)

	results, err := client.Search(context.Background(), "x", 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestSearchStatusErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client, err := New(Config{Endpoint: srv.URL}, nil, nil, nil)
	require.NoError(t, err)

	_, err = client.Search(context.Background(), "x", 2)
	require.Error(t, err)
	assert.Equal(t, crawler.KindTransient, crawler.ClassifyError(err))
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	t.Parallel()

	client, err := New(Config{Endpoint: "http://127.0.0.1:1/search"}, nil, nil, nil)
	require.NoError(t, err)
	_, err = client.Search(context.Background(), "  ", 2)
	require.ErrorIs(t, err, crawler.ErrMalformedRequest)
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, nil, nil)
	require.Error(t, err)
	_, err = New(Config{Endpoint: "http://x", Format: "xml"}, nil, nil, nil)
	require.Error(t, err)
}
