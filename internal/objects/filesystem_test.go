package objects

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilesystemObjectStorePutGet(t *testing.T) {
	store := NewFilesystemObjectStore(t.TempDir())
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "jobs/j1/results.zip", strings.NewReader("artifact bytes"), "application/zip"))

	rc, err := store.Get(ctx, "jobs/j1/results.zip")
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "artifact bytes", string(data))
}

func TestFilesystemObjectStoreGetMissing(t *testing.T) {
	store := NewFilesystemObjectStore(t.TempDir())
	_, err := store.Get(context.Background(), "jobs/missing/results.zip")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemObjectStoreExistsAndDelete(t *testing.T) {
	store := NewFilesystemObjectStore(t.TempDir())
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "k", strings.NewReader("v"), ""))

	exists, err := store.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, store.Delete(ctx, "k"))
	exists, err = store.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)
}
