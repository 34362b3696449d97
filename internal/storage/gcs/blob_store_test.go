package gcs_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/storage/gcs"
)

func newStore(t *testing.T, handler http.HandlerFunc, cfg gcs.Config) *gcs.BlobStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	store, err := gcs.New(client, cfg)
	require.NoError(t, err)
	return store
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := gcs.New(nil, gcs.Config{Bucket: "b"})
	assert.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close() //nolint:errcheck
	_, err = gcs.New(client, gcs.Config{})
	assert.Error(t, err)
}

func TestPutObjectUploadsWithPrefix(t *testing.T) {
	var (
		gotName  string
		gotMatch string
		gotBody  string
	)
	store := newStore(t, func(w http.ResponseWriter, r *http.Request) {
		gotName = r.URL.Query().Get("name")
		gotMatch = r.URL.Query().Get("ifGenerationMatch")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		_, _ = io.WriteString(w, `{"name":"`+gotName+`","bucket":"dno-raw"}`)
	}, gcs.Config{Bucket: "dno-raw", Prefix: "/raw/"})

	uri, err := store.PutObject(context.Background(), "ab/abcdef.pdf", "application/pdf", bytes.NewReader([]byte("%PDF-1.7")))
	require.NoError(t, err)
	assert.Equal(t, "gs://dno-raw/raw/ab/abcdef.pdf", uri)
	assert.Equal(t, "raw/ab/abcdef.pdf", gotName)
	assert.Equal(t, "0", gotMatch)
	assert.Contains(t, gotBody, "%PDF-1.7")
}

func TestPutObjectTreatsExistingObjectAsStored(t *testing.T) {
	store := newStore(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPreconditionFailed)
		_, _ = io.WriteString(w, `{"error":{"code":412,"message":"conditionNotMet"}}`)
	}, gcs.Config{Bucket: "dno-raw"})

	uri, err := store.PutObject(context.Background(), "ab/abcdef.pdf", "application/pdf", bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	assert.Equal(t, "gs://dno-raw/ab/abcdef.pdf", uri)
}

func TestPutObjectSurfacesServerErrors(t *testing.T) {
	store := newStore(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"error":{"code":403,"message":"denied"}}`)
	}, gcs.Config{Bucket: "dno-raw"})

	_, err := store.PutObject(context.Background(), "ab/abcdef.pdf", "", bytes.NewReader([]byte("x")))
	assert.Error(t, err)

	_, err = store.PutObject(context.Background(), " ", "", bytes.NewReader(nil))
	assert.Error(t, err)
}
