package extraction

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
)

// pdfcpu otherwise writes its configuration below the user's config dir.
var disableConfigDir sync.Once

// DocumentMethod reads text lines from PDF content streams.
type DocumentMethod struct{}

// Name implements Method.
func (DocumentMethod) Name() crawler.ExtractionMethod { return crawler.MethodDocument }

// Confidence implements Method.
func (DocumentMethod) Confidence() float64 { return 0.7 }

// Applies implements Method.
func (DocumentMethod) Applies(doc crawler.Document) bool { return isPDF(doc) }

// Tables implements Method. Each page becomes a table of one-cell rows, one
// per text line.
func (DocumentMethod) Tables(ctx context.Context, doc crawler.Document) ([]Table, error) {
	disableConfigDir.Do(api.DisableConfigDir)
	conf := model.NewDefaultConfiguration()
	pdf, err := api.ReadValidateAndOptimize(bytes.NewReader(doc.Body), conf)
	if err != nil {
		return nil, fmt.Errorf("read pdf: %w", err)
	}
	var tables []Table
	for pageNr := 1; pageNr <= pdf.PageCount; pageNr++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := pdfcpu.ExtractPageContent(pdf, pageNr)
		if err != nil || r == nil {
			continue
		}
		data, err := io.ReadAll(r)
		if err != nil {
			continue
		}
		t := Table{Context: fmt.Sprintf("page %d", pageNr)}
		for _, line := range streamLines(data) {
			t.Rows = append(t.Rows, []string{line})
		}
		if len(t.Rows) > 0 {
			tables = append(tables, t)
		}
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("no text content in pdf")
	}
	return tables, nil
}

var pdfString = regexp.MustCompile(`\(((?:\\.|[^\\)])*)\)`)

// streamLines reconstructs text lines from a page content stream. Text shown
// between positioning operators that move to a new line is joined with
// spaces; a line break is emitted on T*, ', ", Td/TD with a vertical offset
// and at the end of each text object.
func streamLines(data []byte) []string {
	var (
		lines []string
		cur   bytes.Buffer
	)
	flush := func() {
		if line := cleanText(cur.String()); line != "" {
			lines = append(lines, line)
		}
		cur.Reset()
	}
	for _, raw := range bytes.Split(data, []byte{'\n'}) {
		line := bytes.TrimSpace(raw)
		switch {
		case len(line) == 0:
			continue
		case bytes.Equal(line, []byte("ET")), bytes.Equal(line, []byte("T*")):
			flush()
		case bytes.HasSuffix(line, []byte("Td")), bytes.HasSuffix(line, []byte("TD")):
			fields := bytes.Fields(line)
			if len(fields) >= 3 && !bytes.Equal(fields[len(fields)-2], []byte("0")) {
				flush()
			} else if cur.Len() > 0 {
				cur.WriteByte(' ')
			}
		case bytes.HasSuffix(line, []byte("Tj")), bytes.HasSuffix(line, []byte("TJ")):
			for _, m := range pdfString.FindAllSubmatch(line, -1) {
				cur.WriteString(decodePDFString(m[1]))
			}
		case bytes.HasSuffix(line, []byte("'")), bytes.HasSuffix(line, []byte("\"")):
			flush()
			for _, m := range pdfString.FindAllSubmatch(line, -1) {
				cur.WriteString(decodePDFString(m[1]))
			}
		}
	}
	flush()
	return lines
}

// decodePDFString resolves escapes in a literal string. Bytes are read as
// Latin-1, which matches WinAnsi for the umlauts in German tariff sheets.
func decodePDFString(raw []byte) string {
	var b bytes.Buffer
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c != '\\' || i+1 >= len(raw) {
			b.WriteRune(rune(c))
			continue
		}
		i++
		switch raw[i] {
		case 'n', 'r', 't':
			b.WriteByte(' ')
		case '(', ')', '\\':
			b.WriteByte(raw[i])
		default:
			if raw[i] < '0' || raw[i] > '7' {
				b.WriteByte(raw[i])
				continue
			}
			val := 0
			for n := 0; n < 3 && i < len(raw) && raw[i] >= '0' && raw[i] <= '7'; n++ {
				val = val*8 + int(raw[i]-'0')
				i++
			}
			i--
			b.WriteRune(rune(byte(val)))
		}
	}
	return b.String()
}
