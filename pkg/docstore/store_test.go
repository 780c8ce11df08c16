package docstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regtrace/regtrace/pkg/errkind"
)

func TestFileStore_PutIsIdempotent(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte("annual report 2026")
	h1, err := store.Put(ctx, data)
	require.NoError(t, err)
	h2, err := store.Put(ctx, data)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Equal(t, HashBytes(data), h1)
	assert.Len(t, h1, 64)
}

func TestFileStore_GetRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte("scope 1 emissions: 1,234 tCO2e")
	h, err := store.Put(ctx, data)
	require.NoError(t, err)

	got, err := store.Get(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestFileStore_GetUnknownHashIsNotFound(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	missing := HashBytes([]byte("never stored"))
	_, err = store.Get(context.Background(), missing)
	require.Error(t, err)
	assert.Equal(t, errkind.NotFound, errkind.KindOf(err))
}

func TestFileStore_InvalidHashRejected(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "not-a-hash")
	require.Error(t, err)
	assert.Equal(t, errkind.Validation, errkind.KindOf(err))
}

func TestFileStore_CorruptedBlobFailsIntegrity(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	h, err := store.Put(ctx, []byte("original bytes"))
	require.NoError(t, err)

	// Tamper with the blob behind the store's back.
	require.NoError(t, os.WriteFile(filepath.Join(dir, h+".blob"), []byte("tampered"), 0o644))

	_, err = store.Get(ctx, h)
	require.Error(t, err)
	assert.Equal(t, errkind.Integrity, errkind.KindOf(err))

	var classified *errkind.Error
	assert.True(t, errors.As(err, &classified))
}

func TestFileStore_Exists(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	h, err := store.Put(ctx, []byte("payload"))
	require.NoError(t, err)

	ok, err := store.Exists(ctx, h)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Exists(ctx, HashBytes([]byte("absent")))
	require.NoError(t, err)
	assert.False(t, ok)
}
