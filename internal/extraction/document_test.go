package extraction

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/extraction/extractiontest"
)

func pdfDoc(body []byte) crawler.Document {
	return crawler.Document{
		SourceURL:   "https://www.netze-bw.de/preisblatt_2024.pdf",
		FinalURL:    "https://www.netze-bw.de/preisblatt_2024.pdf",
		ContentType: "application/pdf",
		Body:        body,
		Hash:        "pdf-1",
	}
}

func TestDocumentMethodReadsPageLines(t *testing.T) {
	t.Parallel()

	doc := pdfDoc(extractiontest.PDF("Netzentgelte 2024", "Hochspannung 58,21 1,26", "Preise (netto)"))
	require.True(t, DocumentMethod{}.Applies(doc))

	tables, err := DocumentMethod{}.Tables(context.Background(), doc)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, "page 1", tables[0].Context)
	assert.Equal(t, [][]string{{"Netzentgelte 2024"}, {"Hochspannung 58,21 1,26"}, {"Preise (netto)"}}, tables[0].Rows)
}

func TestDocumentMethodRejectsBrokenPDF(t *testing.T) {
	t.Parallel()

	_, err := DocumentMethod{}.Tables(context.Background(), pdfDoc([]byte("%PDF-1.4\nnot really a pdf")))
	assert.Error(t, err)
}

func TestExtractPreisblattPDF(t *testing.T) {
	t.Parallel()

	doc := pdfDoc(extractiontest.PDF(extractiontest.Preisblatt(2024)...))
	cands, err := newPipeline(0.3).Extract(context.Background(), doc, []crawler.DataType{crawler.DataTypeNetzentgelte})
	require.NoError(t, err)
	require.Len(t, cands, 1)
	c := cands[0]
	assert.Equal(t, crawler.MethodDocument, c.Method)
	assert.InDelta(t, 0.7, c.Confidence, 1e-9)
	assert.Equal(t, "https://www.netze-bw.de/preisblatt_2024.pdf", c.SourceURL)

	levels := c.Payload.Netzentgelte.Levels
	require.Len(t, levels, 5)
	hs := levels[crawler.LevelHS]
	require.NotNil(t, hs.Leistung)
	require.NotNil(t, hs.Arbeit)
	assert.InDelta(t, 58.21, *hs.Leistung, 1e-9)
	assert.InDelta(t, 1.26, *hs.Arbeit, 1e-9)
	msns := levels[crawler.LevelMSNS]
	require.NotNil(t, msns.Leistung)
	assert.InDelta(t, 124.02, *msns.Leistung, 1e-9)
}
