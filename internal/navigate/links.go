package navigate

import (
	"bytes"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
)

var fileExtensions = map[string]struct{}{
	".pdf":  {},
	".xlsx": {},
	".xls":  {},
	".csv":  {},
}

var umlauts = strings.NewReplacer("ä", "ae", "ö", "oe", "ü", "ue", "ß", "ss")

type link struct {
	url   string
	text  string
	score int
	file  bool
}

// discoverLinks returns the page's http(s) links ordered by keyword score.
// A link scores one point per keyword found in its text or URL and one more
// when it mentions the requested year.
func discoverLinks(base string, body []byte, keywords []string, year int) []link {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	yearText := strconv.Itoa(year)
	seen := make(map[string]struct{})
	var out []link
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		abs, ok := crawler.ResolveURL(base, href)
		if !ok {
			return
		}
		key := normalize(abs)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}

		text := strings.Join(strings.Fields(s.Text()), " ")
		if title, ok := s.Attr("title"); ok {
			text += " " + title
		}
		haystack := fold(text + " " + decoded(abs))
		l := link{url: abs, text: text, file: isFileURL(abs)}
		for _, kw := range keywords {
			if kw = fold(kw); kw != "" && strings.Contains(haystack, kw) {
				l.score++
			}
		}
		if l.score > 0 && strings.Contains(haystack, yearText) {
			l.score++
		}
		out = append(out, l)
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}

// textScore counts keywords present in the visible text of an HTML body.
func textScore(body []byte, keywords []string) int {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return 0
	}
	doc.Find("script, style, noscript").Remove()
	text := fold(doc.Text())
	score := 0
	for _, kw := range keywords {
		if kw = fold(kw); kw != "" && strings.Contains(text, kw) {
			score++
		}
	}
	return score
}

// selectFragment wraps the outer HTML of every node matching selector into a
// minimal document.
func selectFragment(body []byte, selector string) ([]byte, bool) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, false
	}
	matches := doc.Find(selector)
	if matches.Length() == 0 {
		return nil, false
	}
	var buf bytes.Buffer
	buf.WriteString("<html><body>")
	matches.Each(func(_ int, s *goquery.Selection) {
		if html, err := goquery.OuterHtml(s); err == nil {
			buf.WriteString(html)
		}
	})
	buf.WriteString("</body></html>")
	return buf.Bytes(), true
}

func isFileURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	_, ok := fileExtensions[strings.ToLower(path.Ext(u.Path))]
	return ok
}

func normalize(rawURL string) string {
	n, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return rawURL
	}
	return strings.TrimSuffix(n, "/")
}

func decoded(rawURL string) string {
	if u, err := url.PathUnescape(rawURL); err == nil {
		return u
	}
	return rawURL
}

func fold(s string) string {
	return umlauts.Replace(strings.ToLower(s))
}
