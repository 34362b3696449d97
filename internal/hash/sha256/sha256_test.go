package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
)

func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)
	require.Equal(t, got, Sum([]byte("hello world")))
}

func TestSignatureIgnoresKeywordOrderAndCase(t *testing.T) {
	t.Parallel()

	a := crawler.StrategyDefinition{
		Type:         crawler.PatternNavigation,
		DataType:     crawler.DataTypeNetzentgelte,
		LinkKeywords: []string{"Preisblatt", "netzentgelte"},
		SearchQuery:  "Netze BW  Netzentgelte {year}",
	}
	b := a
	b.LinkKeywords = []string{"netzentgelte", "preisblatt", "PREISBLATT"}
	b.SearchQuery = "netze bw netzentgelte {year}"

	sigA, err := Signature(a)
	require.NoError(t, err)
	sigB, err := Signature(b)
	require.NoError(t, err)
	require.Equal(t, sigA, sigB)

	b.Type = crawler.PatternFileNaming
	sigC, err := Signature(b)
	require.NoError(t, err)
	require.NotEqual(t, sigA, sigC)
}

func TestBlobPath(t *testing.T) {
	t.Parallel()

	require.Equal(t, "raw/ab/abcdef.pdf", BlobPath("/raw/", "abcdef", ".pdf"))
	require.Equal(t, "ab/abcdef", BlobPath("", "abcdef", ""))
}
