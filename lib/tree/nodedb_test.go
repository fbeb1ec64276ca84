package tree

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rockenbf/oxen/lib/hash"
	"github.com/rockenbf/oxen/lib/oxerr"
)

func TestNodeDBWriteRead(t *testing.T) {
	nodesRoot := t.TempDir()
	parent := hash.Bytes([]byte("parent"))

	readme := &FileNode{Hash: hash.Bytes([]byte("readme")), Name: "README.md"}
	license := &FileNode{Hash: hash.Bytes([]byte("license")), Name: "LICENSE"}

	writer, err := OpenNodeDBWriter(nodesRoot, parent)
	require.NoError(t, err)
	require.NoError(t, writer.AddChild(readme))
	require.NoError(t, writer.AddChild(license))
	assert.Equal(t, uint64(2), writer.Size())
	require.NoError(t, writer.Close())

	reader, err := OpenNodeDBReader(nodesRoot, parent)
	require.NoError(t, err)
	defer reader.Close()

	assert.Equal(t, uint64(2), reader.Size())

	node, err := reader.Get(readme.Hash)
	require.NoError(t, err)
	assert.Equal(t, readme, node)

	node, err = reader.Get(license.Hash)
	require.NoError(t, err)
	assert.Equal(t, license, node)

	// Insertion order is preserved.
	nodes, err := reader.List()
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "README.md", NodeName(nodes[0]))
	assert.Equal(t, "LICENSE", NodeName(nodes[1]))
}

func TestNodeDBGetMissingHash(t *testing.T) {
	nodesRoot := t.TempDir()
	parent := hash.Bytes([]byte("parent"))

	writer, err := OpenNodeDBWriter(nodesRoot, parent)
	require.NoError(t, err)
	require.NoError(t, writer.AddChild(&VNode{Hash: hash.Bytes([]byte("v"))}))
	require.NoError(t, writer.Close())

	reader, err := OpenNodeDBReader(nodesRoot, parent)
	require.NoError(t, err)
	defer reader.Close()

	_, err = reader.Get(hash.Bytes([]byte("other")))
	assert.True(t, oxerr.IsKind(err, oxerr.NotFound))
}

func TestNodeDBMissingIsAbsent(t *testing.T) {
	nodesRoot := t.TempDir()
	parent := hash.Bytes([]byte("nothing here"))

	assert.False(t, NodeDBExists(nodesRoot, parent))
	_, err := OpenNodeDBReader(nodesRoot, parent)
	assert.True(t, oxerr.IsKind(err, oxerr.NotFound))
}

func TestNodeDBUnfinishedWriteIsInvisible(t *testing.T) {
	nodesRoot := t.TempDir()
	parent := hash.Bytes([]byte("parent"))

	writer, err := OpenNodeDBWriter(nodesRoot, parent)
	require.NoError(t, err)
	require.NoError(t, writer.AddChild(&VNode{Hash: hash.Bytes([]byte("v"))}))

	// Not closed yet: the db must not be visible.
	assert.False(t, NodeDBExists(nodesRoot, parent))
	writer.Abort()
	assert.False(t, NodeDBExists(nodesRoot, parent))
}

func TestNodeDBTornLookupTreatedAsAbsent(t *testing.T) {
	nodesRoot := t.TempDir()
	parent := hash.Bytes([]byte("parent"))

	writer, err := OpenNodeDBWriter(nodesRoot, parent)
	require.NoError(t, err)
	require.NoError(t, writer.AddChild(&VNode{Hash: hash.Bytes([]byte("v"))}))
	require.NoError(t, writer.Close())

	// Corrupt the count header so it claims more records than exist.
	lookupPath := filepath.Join(NodeDBPath(nodesRoot, parent), "lookup")
	data, err := os.ReadFile(lookupPath)
	require.NoError(t, err)
	binary.LittleEndian.PutUint64(data[0:8], 100)
	require.NoError(t, os.WriteFile(lookupPath, data, 0644))

	assert.False(t, NodeDBExists(nodesRoot, parent))
	_, err = OpenNodeDBReader(nodesRoot, parent)
	assert.True(t, oxerr.IsKind(err, oxerr.NotFound))
}

func TestNodeDBRewriteIdenticalContent(t *testing.T) {
	nodesRoot := t.TempDir()
	parent := hash.Bytes([]byte("parent"))
	child := &FileNode{Hash: hash.Bytes([]byte("child")), Name: "a.txt"}

	for i := 0; i < 2; i++ {
		writer, err := OpenNodeDBWriter(nodesRoot, parent)
		require.NoError(t, err)
		require.NoError(t, writer.AddChild(child))
		require.NoError(t, writer.Close())
	}

	reader, err := OpenNodeDBReader(nodesRoot, parent)
	require.NoError(t, err)
	defer reader.Close()
	assert.Equal(t, uint64(1), reader.Size())
}

func TestNodeDBMap(t *testing.T) {
	nodesRoot := t.TempDir()
	parent := hash.Bytes([]byte("parent"))

	children := []*FileNode{
		{Hash: hash.Bytes([]byte("a")), Name: "a.txt"},
		{Hash: hash.Bytes([]byte("b")), Name: "b.txt"},
		{Hash: hash.Bytes([]byte("c")), Name: "c.txt"},
	}
	writer, err := OpenNodeDBWriter(nodesRoot, parent)
	require.NoError(t, err)
	for _, child := range children {
		require.NoError(t, writer.AddChild(child))
	}
	require.NoError(t, writer.Close())

	reader, err := OpenNodeDBReader(nodesRoot, parent)
	require.NoError(t, err)
	defer reader.Close()

	nodes, err := reader.Map()
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	for _, child := range children {
		assert.Equal(t, child, nodes[child.Hash])
	}
}
