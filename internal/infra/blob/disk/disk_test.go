package disk

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/filesift/internal/domain/triage"
)

const testKey = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	content := []byte("archive bytes")
	require.NoError(t, store.Put(ctx, testKey, bytes.NewReader(content), int64(len(content))))

	rc, err := store.Get(ctx, testKey)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, content, got)
}

func TestStoreShardsByDigestPrefix(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	store, err := NewStore(root)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, testKey, strings.NewReader("x"), 1))

	_, err = os.Stat(filepath.Join(root, testKey[:2], testKey))
	assert.NoError(t, err)
}

func TestStoreGetMissingBlob(t *testing.T) {
	t.Parallel()

	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(context.Background(), testKey)
	assert.ErrorIs(t, err, triage.ErrBlobNotFound)
}

func TestStoreDeleteIsIdempotent(t *testing.T) {
	t.Parallel()

	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, testKey, strings.NewReader("x"), 1))
	require.NoError(t, store.Delete(ctx, testKey))
	require.NoError(t, store.Delete(ctx, testKey))

	_, err = store.Get(ctx, testKey)
	assert.ErrorIs(t, err, triage.ErrBlobNotFound)
}

func TestStorePutSizeMismatch(t *testing.T) {
	t.Parallel()

	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	err = store.Put(context.Background(), testKey, strings.NewReader("abc"), 99)
	assert.Error(t, err)

	// The failed write must not leave a partial blob behind.
	_, err = store.Get(context.Background(), testKey)
	assert.ErrorIs(t, err, triage.ErrBlobNotFound)
}

func TestStoreRejectsTraversalKeys(t *testing.T) {
	t.Parallel()

	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, key := range []string{"", "ab", "../../etc/passwd", "aa/bb", "aa\\bb", "a.b.c"} {
		assert.Error(t, store.Put(ctx, key, strings.NewReader("x"), 1), "key %q", key)
	}
}
