package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
)

func TestSessionStoreClaims(t *testing.T) {
	t.Parallel()

	store := NewSessionStore()
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	first := crawler.CrawlSession{
		ID:        "s1",
		TargetKey: "netze-bw",
		Year:      2024,
		DataTypes: []crawler.DataType{crawler.DataTypeNetzentgelte, crawler.DataTypeHLZF},
		State:     crawler.SessionQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.CreateSession(ctx, first))

	dup := first
	dup.ID = "s2"
	dup.DataTypes = []crawler.DataType{crawler.DataTypeHLZF}
	err := store.CreateSession(ctx, dup)
	require.ErrorIs(t, err, crawler.ErrActiveSession)

	active, err := store.FindActive(ctx, "netze-bw", 2024, crawler.DataTypeHLZF)
	require.NoError(t, err)
	assert.Equal(t, "s1", active.ID)

	first.State = crawler.SessionCompleted
	first.UpdatedAt = now.Add(time.Minute)
	require.NoError(t, store.UpdateSession(ctx, first))

	_, err = store.FindActive(ctx, "netze-bw", 2024, crawler.DataTypeHLZF)
	assert.ErrorIs(t, err, crawler.ErrNotFound)

	require.NoError(t, store.CreateSession(ctx, dup))
	last, err := store.LatestTerminal(ctx, "netze-bw", 2024, crawler.DataTypeHLZF)
	require.NoError(t, err)
	assert.Equal(t, "s1", last.ID)
}

func TestSessionStoreReturnsCopies(t *testing.T) {
	t.Parallel()

	store := NewSessionStore()
	ctx := context.Background()
	require.NoError(t, store.CreateSession(ctx, crawler.CrawlSession{
		ID:        "s1",
		DataTypes: []crawler.DataType{crawler.DataTypeHLZF},
		Attempts:  map[crawler.DataType]int{crawler.DataTypeHLZF: 1},
	}))

	got, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	got.Attempts[crawler.DataTypeHLZF] = 9

	again, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, again.Attempts[crawler.DataTypeHLZF])

	list, err := store.ListSessions(ctx, []crawler.SessionState{crawler.SessionCompleted}, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}
