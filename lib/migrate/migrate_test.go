package migrate

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/deroproject/graviton"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rockenbf/oxen/lib/blob"
	"github.com/rockenbf/oxen/lib/hash"
	"github.com/rockenbf/oxen/lib/index"
	"github.com/rockenbf/oxen/lib/repo"
	"github.com/rockenbf/oxen/lib/tree"
)

// legacyFixture builds a minimal legacy object store: one commit whose root
// dir holds a.txt and sub/b.csv behind legacy vnode fan-out objects.
type legacyFixture struct {
	repo       *repo.LocalRepository
	commitHash hash.Hash
	rootHash   hash.Hash
	aHash      hash.Hash
	bHash      hash.Hash
}

func buildLegacyFixture(t *testing.T) *legacyFixture {
	t.Helper()
	r, err := repo.Init(t.TempDir())
	require.NoError(t, err)

	aContent := []byte("plain text payload")
	bContent := []byte("x,y\n1,2\n3,4\n")

	f := &legacyFixture{
		repo:       r,
		commitHash: hash.Bytes([]byte("legacy commit 1")),
		rootHash:   hash.Bytes([]byte("legacy root dir")),
		aHash:      hash.Bytes(aContent),
		bHash:      hash.Bytes(bContent),
	}
	subHash := hash.Bytes([]byte("legacy sub dir"))
	rootVNodeHash := hash.Bytes([]byte("legacy root vnode"))
	subVNodeHash := hash.Bytes([]byte("legacy sub vnode"))

	// File payloads in the version store.
	blobs := blob.NewStore(r.VersionsPath())
	require.NoError(t, blobs.Put(f.aHash, bytes.NewReader(aContent)))
	require.NoError(t, blobs.Put(f.bHash, bytes.NewReader(bContent)))

	// The legacy flat object databases.
	store, err := graviton.NewDiskStore(filepath.Join(r.HiddenPath(), "objects"))
	require.NoError(t, err)
	snapshot, err := store.LoadSnapshot(0)
	require.NoError(t, err)

	putInto := func(tr *graviton.Tree, key string, value interface{}) {
		data, err := jsoniter.Marshal(value)
		require.NoError(t, err)
		require.NoError(t, tr.Put([]byte(key), data))
	}

	commitsTree, err := snapshot.GetTree("commits")
	require.NoError(t, err)
	putInto(commitsTree, f.commitHash.String(), legacyCommit{
		ID:        f.commitHash.String(),
		Message:   "legacy first",
		Author:    "x",
		Email:     "x@y",
		Timestamp: 1600000000,
	})

	dirsTree, err := snapshot.GetTree("dirs")
	require.NoError(t, err)
	putInto(dirsTree, f.rootHash.String(), legacyObject{Children: []legacyChild{
		{Type: "vnode", Path: "", Hash: rootVNodeHash.String()},
	}})
	putInto(dirsTree, subHash.String(), legacyObject{Children: []legacyChild{
		{Type: "vnode", Path: "", Hash: subVNodeHash.String()},
	}})

	vnodesTree, err := snapshot.GetTree("vnodes")
	require.NoError(t, err)
	putInto(vnodesTree, rootVNodeHash.String(), legacyObject{Children: []legacyChild{
		{Type: "file", Path: "a.txt", Hash: f.aHash.String()},
		{Type: "dir", Path: "sub", Hash: subHash.String()},
		{Type: "schema", Path: "b.csv", Hash: hash.Bytes([]byte("legacy schema")).String()},
	}})
	putInto(vnodesTree, subVNodeHash.String(), legacyObject{Children: []legacyChild{
		{Type: "file", Path: "b.csv", Hash: f.bHash.String()},
	}})

	filesTree, err := snapshot.GetTree("files")
	require.NoError(t, err)
	putInto(filesTree, f.aHash.String(), legacyFile{
		NumBytes: uint64(len(aContent)), LastModifiedS: 1600000000,
	})
	putInto(filesTree, f.bHash.String(), legacyFile{
		NumBytes: uint64(len(bContent)), LastModifiedS: 1600000000,
	})

	dirHashesTree, err := snapshot.GetTree("dir_hashes")
	require.NoError(t, err)
	putInto(dirHashesTree, f.commitHash.String()+"/", f.rootHash.String())
	putInto(dirHashesTree, f.commitHash.String()+"/sub", subHash.String())

	_, err = graviton.Commit(commitsTree, dirsTree, vnodesTree, filesTree, dirHashesTree)
	require.NoError(t, err)

	return f
}

func TestMigrationRewritesTree(t *testing.T) {
	f := buildLegacyFixture(t)
	require.NoError(t, Run(f.repo))

	treeReader := tree.New(f.repo.TreeNodesPath())

	// The commit node keeps its legacy hash and points at the legacy root.
	commit, err := treeReader.ReadCommit(f.commitHash)
	require.NoError(t, err)
	assert.Equal(t, "legacy first", commit.Message)
	assert.Equal(t, f.rootHash, commit.RootDirHash)
	assert.Empty(t, commit.ParentHashes)

	// Files resolve through the rebucketed vnodes.
	node, err := treeReader.Resolve(f.commitHash, "a.txt", nil)
	require.NoError(t, err)
	aFile, ok := node.(*tree.FileNode)
	require.True(t, ok)
	assert.Equal(t, f.aHash, aFile.Hash)
	assert.Equal(t, tree.DataTypeText, aFile.DataType)
	assert.Equal(t, tree.ChunkTypeChunked, aFile.ChunkType)
	assert.NotEmpty(t, aFile.ChunkHashes)

	node, err = treeReader.Resolve(f.commitHash, "sub/b.csv", nil)
	require.NoError(t, err)
	bFile, ok := node.(*tree.FileNode)
	require.True(t, ok)
	assert.Equal(t, tree.DataTypeTabular, bFile.DataType)
	assert.NotEmpty(t, bFile.Metadata)
	assert.NotEqual(t, bFile.Hash, bFile.CombinedHash)

	// The legacy schema child was dropped: the root lists only the file
	// and the subdir.
	entries, err := treeReader.ListDir(f.rootHash)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, tree.NodeName(entry))
	}
	assert.ElementsMatch(t, []string{"a.txt", "sub"}, names)

	// Chunk leaves reassemble to the original payload.
	chunks, err := treeReader.Children(aFile.Hash)
	require.NoError(t, err)
	var reassembled []byte
	for _, h := range aFile.ChunkHashes {
		for _, chunkNode := range chunks {
			if chunk, ok := chunkNode.(*tree.FileChunkNode); ok && chunk.Hash == h {
				reassembled = append(reassembled, chunk.Data...)
			}
		}
	}
	assert.Equal(t, []byte("plain text payload"), reassembled)

	// The dir_hashes index was rebuilt for the commit.
	dirHashes, err := index.OpenDirHashes(f.repo, f.commitHash)
	require.NoError(t, err)
	defer dirHashes.Close()
	rootHash, ok := dirHashes.Get("")
	require.True(t, ok)
	assert.Equal(t, f.rootHash, rootHash)

	// The repo version was bumped.
	reopened, err := repo.Open(f.repo.Path)
	require.NoError(t, err)
	assert.Equal(t, repo.MinVersion, reopened.Config.MinVersion)
}

func TestMigrationIsIdempotent(t *testing.T) {
	f := buildLegacyFixture(t)
	require.NoError(t, Run(f.repo))
	require.NoError(t, Run(f.repo))

	treeReader := tree.New(f.repo.TreeNodesPath())
	_, err := treeReader.Resolve(f.commitHash, "sub/b.csv", nil)
	assert.NoError(t, err)
}

func TestNumVNodesMatchesCommitPipeline(t *testing.T) {
	// Migration rebuckets with the same formula the commit pipeline uses.
	assert.Equal(t, uint64(1), index.NumVNodes(10_000))
	assert.Equal(t, uint64(2), index.NumVNodes(10_001))
}
