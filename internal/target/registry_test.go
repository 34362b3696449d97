package target

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
)

func TestRegistryLookup(t *testing.T) {
	t.Parallel()

	reg, err := NewRegistry(map[string]crawler.Target{
		"Netze-BW": {Name: "Netze BW", Website: "www.netze-bw.de"},
		"ewe":      {Key: "ewe-netz", Name: "EWE Netz", Website: "https://www.ewe-netz.de"},
	})
	require.NoError(t, err)

	got, ok := reg.Lookup(" netze-bw ")
	require.True(t, ok)
	assert.Equal(t, "https://www.netze-bw.de", got.Website)
	assert.Equal(t, "netze-bw.de", Domain(got))

	_, ok = reg.Lookup("ewe")
	assert.False(t, ok)
	_, err = reg.Resolve("unknown")
	require.ErrorIs(t, err, crawler.ErrTargetNotFound)

	all := reg.All()
	require.Len(t, all, 2)
	assert.Equal(t, "ewe-netz", all[0].Key)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	t.Parallel()

	_, err := NewRegistry(map[string]crawler.Target{
		"a": {Key: "same"},
		"b": {Key: "SAME"},
	})
	require.Error(t, err)
}

func TestDomainFallsBackToKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "stadtwerke-x", Domain(crawler.Target{Key: "stadtwerke-x"}))
}
