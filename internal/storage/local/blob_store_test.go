package local_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/storage/local"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("read failed") }

func TestNewValidatesBaseDir(t *testing.T) {
	t.Run("creates missing dir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "raw", "docs")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("empty", func(t *testing.T) {
		_, err := local.New(local.Config{BaseDir: "  "})
		assert.Error(t, err)
	})

	t.Run("file instead of dir", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "blob")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutObjectWritesContentAddressedFile(t *testing.T) {
	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	uri, err := store.PutObject(ctx, "raw/ab/abcdef.pdf", "application/pdf", bytes.NewReader([]byte("%PDF-1.7")))
	require.NoError(t, err)
	assert.Equal(t, "file://"+filepath.Join(dir, "raw/ab/abcdef.pdf"), uri)

	// #nosec G304 -- reads from the test's temp dir.
	got, err := os.ReadFile(filepath.Join(dir, "raw/ab/abcdef.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7", string(got))

	again, err := store.PutObject(ctx, "raw/ab/abcdef.pdf", "application/pdf", failingReader{})
	require.NoError(t, err, "existing object must not be rewritten")
	assert.Equal(t, uri, again)
}

func TestPutObjectRejectsBadPaths(t *testing.T) {
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "", "", bytes.NewReader(nil))
	assert.Error(t, err)
	_, err = store.PutObject(context.Background(), "../outside.txt", "", bytes.NewReader(nil))
	assert.Error(t, err)
}

func TestPutObjectLeavesNoPartialFile(t *testing.T) {
	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "raw/x.html", "text/html", failingReader{})
	require.Error(t, err)
	entries, err := os.ReadDir(filepath.Join(dir, "raw"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}
