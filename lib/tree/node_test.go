package tree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rockenbf/oxen/lib/hash"
	"github.com/rockenbf/oxen/lib/oxerr"
)

func TestSerializeRoundTripCommit(t *testing.T) {
	commit := &CommitNode{
		Hash:         hash.Bytes([]byte("commit")),
		ParentHashes: []hash.Hash{hash.Bytes([]byte("parent"))},
		Message:      "first",
		Author:       "x",
		Email:        "x@y",
		Timestamp:    1704067200,
		RootDirHash:  hash.Bytes([]byte("root")),
	}

	data, err := Serialize(commit)
	require.NoError(t, err)
	assert.Equal(t, byte(KindCommit), data[0])

	node, err := Deserialize(data)
	require.NoError(t, err)
	assert.Equal(t, commit, node)
}

func TestSerializeRoundTripFile(t *testing.T) {
	file := &FileNode{
		Hash:         hash.Bytes([]byte("content")),
		Name:         "data.csv",
		CombinedHash: hash.Bytes([]byte("combined")),
		MetadataHash: hash.Bytes([]byte("meta")),
		NumBytes:     42,
		ChunkType:    ChunkTypeSingleFile,
		Storage:      StorageTypeDisk,
		ChunkHashes:  []hash.Hash{hash.Bytes([]byte("content"))},
		DataType:     DataTypeTabular,
		MimeType:     "text/csv",
		Extension:    "csv",
		Metadata:     []byte(`{"fields":["a","b"]}`),
	}

	data, err := Serialize(file)
	require.NoError(t, err)

	node, err := Deserialize(data)
	require.NoError(t, err)
	assert.Equal(t, file, node)
}

func TestSerializeIsStable(t *testing.T) {
	dir := &DirNode{
		Hash:           hash.Bytes([]byte("dir")),
		Name:           "images",
		NumBytes:       1024,
		DataTypeCounts: map[string]uint64{"image": 3},
		DataTypeSizes:  map[string]uint64{"image": 1024},
	}
	a, err := Serialize(dir)
	require.NoError(t, err)
	b, err := Serialize(dir)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDeserializeRejectsBadRecords(t *testing.T) {
	_, err := Deserialize(nil)
	assert.True(t, oxerr.IsKind(err, oxerr.Corrupt))

	_, err = Deserialize([]byte{0xff, 0x00, 0x01})
	assert.True(t, oxerr.IsKind(err, oxerr.Corrupt))
}

func TestNodeName(t *testing.T) {
	assert.Equal(t, "a.txt", NodeName(&FileNode{Name: "a.txt"}))
	assert.Equal(t, "sub", NodeName(&DirNode{Name: "sub"}))
	assert.Equal(t, "", NodeName(&VNode{}))
	assert.Equal(t, "", NodeName(&CommitNode{}))
}
