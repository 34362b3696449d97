package pubsub_test

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	publisher "github.com/JakeFAU/dno-crawl-orchestrator/internal/publisher/pubsub"
)

func newFakeClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "dno-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func TestPublisherPublishesJSON(t *testing.T) {
	client, srv := newFakeClient(t)
	ctx := context.Background()
	_, err := client.CreateTopic(ctx, "dno-review")
	require.NoError(t, err)

	pub, err := publisher.New(client)
	require.NoError(t, err)
	defer pub.Close()

	id, err := pub.Publish(ctx, "dno-review", map[string]string{"kind": "dead_letter", "job_id": "j1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var got map[string]string
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.Equal(t, "j1", got["job_id"])
}

func TestPublisherMissingTopic(t *testing.T) {
	client, _ := newFakeClient(t)
	pub, err := publisher.New(client)
	require.NoError(t, err)
	defer pub.Close()

	_, err = pub.Publish(context.Background(), "does-not-exist", "x")
	assert.Error(t, err)

	_, err = pub.Publish(context.Background(), "", "x")
	assert.Error(t, err)
}

func TestNewRequiresClient(t *testing.T) {
	_, err := publisher.New(nil)
	assert.Error(t, err)
}
