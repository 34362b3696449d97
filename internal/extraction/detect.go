package extraction

import (
	"bytes"
	"net/http"
	"path"
	"strings"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
)

func mediaType(doc crawler.Document) string {
	ct := strings.ToLower(doc.ContentType)
	if ct == "" && len(doc.Body) > 0 {
		ct = strings.ToLower(http.DetectContentType(doc.Body))
	}
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}

func extension(doc crawler.Document) string {
	u := doc.FinalURL
	if u == "" {
		u = doc.SourceURL
	}
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return strings.ToLower(path.Ext(u))
}

func isHTML(doc crawler.Document) bool {
	mt := mediaType(doc)
	return strings.Contains(mt, "html") || (mt == "text/plain" && bytes.Contains(bytes.ToLower(doc.Body[:min(len(doc.Body), 512)]), []byte("<html")))
}

func isPDF(doc crawler.Document) bool {
	return mediaType(doc) == "application/pdf" || bytes.HasPrefix(doc.Body, []byte("%PDF-"))
}

func isSpreadsheet(doc crawler.Document) bool {
	mt := mediaType(doc)
	if strings.Contains(mt, "spreadsheetml") || strings.Contains(mt, "ms-excel") {
		return true
	}
	return extension(doc) == ".xlsx" && bytes.HasPrefix(doc.Body, []byte("PK\x03\x04"))
}

func isPlainText(doc crawler.Document) bool {
	mt := mediaType(doc)
	return mt == "text/plain" || mt == "text/csv"
}
