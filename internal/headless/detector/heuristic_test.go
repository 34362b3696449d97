package detector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
)

func htmlResp(body string) crawler.FetchResponse {
	return crawler.FetchResponse{StatusCode: 200, ContentType: "text/html", Body: []byte(body)}
}

func TestShouldPromote(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0)
	richText := "<html><body><h1>Netzentgelte 2024</h1><p>" + strings.Repeat("Preisblatt Arbeitspreis ", 60) + "</p></body></html>"
	scriptShell := `<html><body><div class="x"></div><script>` + strings.Repeat("var a=1;", 200) + `</script></body></html>`

	cases := []struct {
		name string
		resp crawler.FetchResponse
		want bool
	}{
		{"empty html", htmlResp("   "), true},
		{"react root", htmlResp(`<html><body><div id="root"></div><script src="/app.js"></script></body></html>`), true},
		{"noscript hint", htmlResp(`<html><body><noscript>Bitte JavaScript aktivieren</noscript><p>x</p></body></html>`), true},
		{"script heavy shell", htmlResp(scriptShell), true},
		{"rich static page", htmlResp(richText), false},
		{"pdf", crawler.FetchResponse{StatusCode: 200, ContentType: "application/pdf", Body: []byte("%PDF-1.7")}, false},
		{"not found", crawler.FetchResponse{StatusCode: 404, ContentType: "text/html"}, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, h.ShouldPromote(tc.resp), tc.name)
	}
}
