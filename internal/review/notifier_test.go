package review

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/clock"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/publisher/memory"
)

func newNotifier(t *testing.T) (*Notifier, *memory.Publisher) {
	t.Helper()
	pub := memory.New()
	n, err := NewNotifier(pub, "dno-review", clock.NewManual(time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)), nil)
	require.NoError(t, err)
	return n, pub
}

func TestNewNotifierValidates(t *testing.T) {
	t.Parallel()

	_, err := NewNotifier(nil, "t", clock.New(), nil)
	assert.Error(t, err)
	_, err = NewNotifier(memory.New(), "", clock.New(), nil)
	assert.Error(t, err)
}

func TestReportDeadLetter(t *testing.T) {
	t.Parallel()

	n, pub := newNotifier(t)
	err := n.ReportDeadLetter(context.Background(), crawler.CrawlJob{
		ID:         "j1",
		SessionID:  "s1",
		TargetKey:  "netze-bw",
		Year:       2024,
		DataType:   crawler.DataTypeHLZF,
		Signature:  "url:abc",
		RetryCount: 3,
		LastError:  "fetch: 503",
	})
	require.NoError(t, err)

	msgs := pub.Messages("dno-review")
	require.Len(t, msgs, 1)
	var got Notice
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.Equal(t, KindDeadLetter, got.Kind)
	assert.Equal(t, "j1", got.JobID)
	assert.Equal(t, 3, got.Retries)
	assert.Equal(t, []crawler.DataType{crawler.DataTypeHLZF}, got.DataTypes)
	assert.Equal(t, time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC), got.At)
}

func TestReportLowConfidenceSortsBestResults(t *testing.T) {
	t.Parallel()

	n, pub := newNotifier(t)
	err := n.ReportLowConfidence(context.Background(), crawler.CrawlSession{
		ID:        "s1",
		TargetKey: "westnetz",
		Year:      2025,
		DataTypes: []crawler.DataType{crawler.DataTypeNetzentgelte, crawler.DataTypeHLZF},
		Results: map[crawler.DataType]crawler.SessionResult{
			crawler.DataTypeNetzentgelte: {CandidateID: "c2", Quality: crawler.QualityScore{Overall: 0.55, Issues: []string{"ns.arbeit missing"}}},
			crawler.DataTypeHLZF:         {CandidateID: "c1", Quality: crawler.QualityScore{Overall: 0.4}},
		},
	})
	require.NoError(t, err)

	var got Notice
	require.NoError(t, json.Unmarshal(pub.Messages("")[0].Data, &got))
	assert.Equal(t, KindLowConfidence, got.Kind)
	require.Len(t, got.Best, 2)
	assert.Equal(t, crawler.DataTypeHLZF, got.Best[0].DataType)
	assert.Equal(t, []string{"ns.arbeit missing"}, got.Best[1].Issues)
}

func TestReportWrapsPublishErrors(t *testing.T) {
	t.Parallel()

	n, pub := newNotifier(t)
	pub.FailWith(errors.New("unavailable"))
	err := n.ReportDeadLetter(context.Background(), crawler.CrawlJob{ID: "j1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dead_letter")
}
