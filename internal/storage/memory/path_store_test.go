package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
)

func TestPathStoreKeepsAttemptMetrics(t *testing.T) {
	t.Parallel()
	s := NewPathStore()
	ctx := context.Background()

	methods := []crawler.ExtractionMethod{crawler.MethodTable, crawler.MethodDocument}
	steps := []crawler.PathStep{{Action: "fetch", URL: "https://a", Depth: 1, StatusCode: 200}}
	require.NoError(t, s.AppendPath(ctx, crawler.CrawlPathRecord{
		ID:         "r1",
		SessionID:  "s1",
		JobID:      "j1",
		Steps:      steps,
		Outcome:    "success",
		TotalTime:  3 * time.Second,
		MaxDepth:   1,
		Confidence: 0.85,
		Methods:    methods,
	}))
	require.NoError(t, s.AppendPath(ctx, crawler.CrawlPathRecord{ID: "r2", SessionID: "other"}))
	methods[0] = crawler.MethodText
	steps[0].URL = "https://b"

	got, err := s.ListPaths(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 3*time.Second, got[0].TotalTime)
	assert.Equal(t, 1, got[0].MaxDepth)
	assert.InDelta(t, 0.85, got[0].Confidence, 1e-9)
	assert.Equal(t, []crawler.ExtractionMethod{crawler.MethodTable, crawler.MethodDocument}, got[0].Methods)
	assert.Equal(t, "https://a", got[0].Steps[0].URL)
}
