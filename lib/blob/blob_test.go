package blob

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rockenbf/oxen/lib/hash"
	"github.com/rockenbf/oxen/lib/oxerr"
)

func TestPutReadRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())
	content := []byte("Hello World")
	h := hash.Bytes(content)

	assert.False(t, store.Has(h))
	require.NoError(t, store.Put(h, bytes.NewReader(content)))
	assert.True(t, store.Has(h))

	data, err := store.Read(h)
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestPutIsIdempotent(t *testing.T) {
	store := NewStore(t.TempDir())
	content := []byte("stable")
	h := hash.Bytes(content)

	require.NoError(t, store.Put(h, bytes.NewReader(content)))
	// A second put with a different reader is skipped, not rewritten.
	require.NoError(t, store.Put(h, bytes.NewReader([]byte("ignored"))))

	data, err := store.Read(h)
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestShardedLayout(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root)
	h, err := hash.Parse("ab0000000000000000000000000000cd")
	require.NoError(t, err)

	expected := filepath.Join(root, "ab", "0000000000000000000000000000cd", "data")
	assert.Equal(t, expected, store.Path(h))
}

func TestReadMissingBlob(t *testing.T) {
	store := NewStore(t.TempDir())
	_, err := store.Read(hash.Bytes([]byte("never stored")))
	assert.True(t, oxerr.IsKind(err, oxerr.NotFound))
}

func TestPutFileAndCopyTo(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "versions"))

	src := filepath.Join(dir, "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0644))
	h, err := hash.File(src)
	require.NoError(t, err)

	require.NoError(t, store.PutFile(h, src))

	dst := filepath.Join(dir, "work", "restored.txt")
	require.NoError(t, store.CopyTo(h, dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}
