package crawler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	got, err := NormalizeURL("HTTPS://Www.Netze-BW.de:443/netzentgelte?b=2&a=1#top")
	require.NoError(t, err)
	assert.Equal(t, "https://www.netze-bw.de/netzentgelte?a=1&b=2", got)
}

func TestDomain(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "netze-bw.de", Domain("https://www.netze-bw.de/x"))
	assert.Equal(t, "netze-bw.de", Domain("netze-bw.de"))
	assert.Equal(t, "", Domain(""))
}

func TestResolveURL(t *testing.T) {
	t.Parallel()

	got, ok := ResolveURL("https://example.de/netz/index.html", "../dokumente/preisblatt.pdf#page=2")
	require.True(t, ok)
	assert.Equal(t, "https://example.de/dokumente/preisblatt.pdf", got)

	_, ok = ResolveURL("https://example.de/", "mailto:info@example.de")
	assert.False(t, ok)
	_, ok = ResolveURL("https://example.de/", "#anchor")
	assert.False(t, ok)
}

func TestFileName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Preisblatt 2024.pdf", FileName("https://example.de/docs/Preisblatt%202024.pdf?v=1"))
	assert.Equal(t, "", FileName("https://example.de/"))
}
