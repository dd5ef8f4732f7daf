package objects

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryObjectStorePutGet(t *testing.T) {
	store := NewMemoryObjectStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "jobs/j1/project.zip", strings.NewReader("payload"), "application/zip"))

	rc, err := store.Get(ctx, "jobs/j1/project.zip")
	require.NoError(t, err)
	defer rc.Close()

	exists, err := store.Exists(ctx, "jobs/j1/project.zip")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, 1, store.Size())
}

func TestMemoryObjectStoreGetMissingKey(t *testing.T) {
	store := NewMemoryObjectStore()
	_, err := store.Get(context.Background(), "jobs/missing/project.zip")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryObjectStoreDelete(t *testing.T) {
	store := NewMemoryObjectStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "k", strings.NewReader("v"), ""))

	require.NoError(t, store.Delete(ctx, "k"))
	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, store.Delete(ctx, "k"), ErrNotFound)
}

func TestMemoryObjectStoreRejectsPathTraversal(t *testing.T) {
	store := NewMemoryObjectStore()
	err := store.Put(context.Background(), "jobs/../../etc/passwd", strings.NewReader("x"), "")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestMemoryObjectStoreListByPrefix(t *testing.T) {
	store := NewMemoryObjectStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "jobs/j1/project.zip", strings.NewReader("a"), ""))
	require.NoError(t, store.Put(ctx, "jobs/j1/results.zip", strings.NewReader("b"), ""))
	require.NoError(t, store.Put(ctx, "jobs/j2/project.zip", strings.NewReader("c"), ""))

	infos, err := store.List(ctx, "jobs/j1/")
	require.NoError(t, err)
	assert.Len(t, infos, 2)
}
