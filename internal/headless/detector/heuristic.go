// Package detector decides when a probe response must be re-fetched with a
// headless browser.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
)

const defaultMinTextBytes = 512

// Heuristic promotes HTML pages that look like client-rendered shells.
type Heuristic struct {
	// MinTextBytes is the visible text below which a script-heavy page is
	// treated as a shell.
	MinTextBytes int
}

// NewHeuristic creates a new detector.
func NewHeuristic(minTextBytes int) *Heuristic {
	if minTextBytes <= 0 {
		minTextBytes = defaultMinTextBytes
	}
	return &Heuristic{MinTextBytes: minTextBytes}
}

var shellMarkers = [][]byte{
	[]byte(`id="__next"`),
	[]byte(`id="root"></div>`),
	[]byte(`id="app"></div>`),
	[]byte("data-reactroot"),
	[]byte("ng-version="),
}

var noscriptHints = []string{
	"javascript aktivieren",
	"javascript einschalten",
	"enable javascript",
}

// ShouldPromote reports whether resp needs a browser render. Documents such
// as PDFs and spreadsheets are never promoted.
func (h *Heuristic) ShouldPromote(resp crawler.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK || !isHTML(resp) {
		return false
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return true
	}
	for _, marker := range shellMarkers {
		if bytes.Contains(resp.Body, marker) {
			return true
		}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return false
	}
	noscript := strings.ToLower(doc.Find("noscript").Text())
	for _, hint := range noscriptHints {
		if strings.Contains(noscript, hint) {
			return true
		}
	}
	scripts := len(doc.Find("script").Text())
	doc.Find("script, style, noscript").Remove()
	visible := len(strings.Join(strings.Fields(doc.Find("body").Text()), " "))
	return visible < h.MinTextBytes && scripts > visible
}

func isHTML(resp crawler.FetchResponse) bool {
	ct := strings.ToLower(resp.ContentType)
	if ct != "" {
		return strings.Contains(ct, "html")
	}
	return strings.Contains(strings.ToLower(http.DetectContentType(resp.Body)), "html")
}
