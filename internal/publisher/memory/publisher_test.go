package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherRecordsJSON(t *testing.T) {
	t.Parallel()

	pub := New()
	ctx := context.Background()
	id, err := pub.Publish(ctx, "review", map[string]string{"job_id": "j1"})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id)
	_, err = pub.Publish(ctx, "other", "x")
	require.NoError(t, err)

	review := pub.Messages("review")
	require.Len(t, review, 1)
	assert.JSONEq(t, `{"job_id":"j1"}`, string(review[0].Data))
	assert.Len(t, pub.Messages(""), 2)

	review[0].Topic = "changed"
	assert.Equal(t, "review", pub.Messages("review")[0].Topic)
}

func TestPublisherFailWith(t *testing.T) {
	t.Parallel()

	pub := New()
	pub.FailWith(errors.New("unavailable"))
	_, err := pub.Publish(context.Background(), "review", 1)
	require.Error(t, err)
	assert.Empty(t, pub.Messages(""))

	pub.FailWith(nil)
	_, err = pub.Publish(context.Background(), "review", 1)
	assert.NoError(t, err)

	_, err = pub.Publish(context.Background(), "review", func() {})
	assert.Error(t, err)
}
