package index_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rockenbf/oxen/lib/diff"
	"github.com/rockenbf/oxen/lib/index"
	"github.com/rockenbf/oxen/lib/oxerr"
	"github.com/rockenbf/oxen/lib/repo"
	"github.com/rockenbf/oxen/lib/tree"
)

func newTestRepo(t *testing.T) *repo.LocalRepository {
	t.Helper()
	r, err := repo.Init(t.TempDir())
	require.NoError(t, err)
	return r
}

func writeFile(t *testing.T, r *repo.LocalRepository, relPath, content string) string {
	t.Helper()
	full := filepath.Join(r.Path, filepath.FromSlash(relPath))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0644))
	return full
}

func stageAll(t *testing.T, r *repo.LocalRepository, paths ...string) {
	t.Helper()
	stager, err := index.NewStager(r)
	require.NoError(t, err)
	defer stager.Close()
	for _, path := range paths {
		require.NoError(t, stager.Add(path))
	}
}

var testOpts = index.CommitOptions{
	Author:    "x",
	Email:     "x@y",
	Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
}

func commitAll(t *testing.T, r *repo.LocalRepository, message string) *tree.CommitNode {
	t.Helper()
	opts := testOpts
	opts.Message = message
	commit, err := index.CommitWithOptions(r, opts)
	require.NoError(t, err)
	return commit
}

// Init, add one file, commit: the branch ref exists, HEAD is attached, the
// tree lists exactly the one file, and status is clean.
func TestInitAddCommit(t *testing.T) {
	r := newTestRepo(t)
	writeFile(t, r, "hello.txt", "Hello World")
	stageAll(t, r, filepath.Join(r.Path, "hello.txt"))
	commit := commitAll(t, r, "first")

	// refs/branches/main holds the new commit hash
	refs := index.NewRefs(r)
	branchCommit, err := refs.GetBranchCommit(repo.DefaultBranch)
	require.NoError(t, err)
	assert.Equal(t, commit.Hash, branchCommit)

	// HEAD is attached to main
	headData, err := os.ReadFile(r.HeadPath())
	require.NoError(t, err)
	assert.Equal(t, "ref: main\n", string(headData))

	// The tree lists exactly hello.txt
	treeReader := tree.New(r.TreeNodesPath())
	entries, err := treeReader.ListDir(commit.RootDirHash)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "hello.txt", tree.NodeName(entries[0]))

	// status is clean
	status, err := diff.Status(r, "")
	require.NoError(t, err)
	assert.True(t, status.IsClean())
}

// Identical working trees committed with identical identity and timestamp
// produce identical root dir hashes and commit hashes.
func TestDeterministicHashing(t *testing.T) {
	var roots []*tree.CommitNode
	for i := 0; i < 2; i++ {
		r := newTestRepo(t)
		writeFile(t, r, "a.txt", "A")
		writeFile(t, r, "b.txt", "B")
		writeFile(t, r, "c.txt", "C")
		stageAll(t, r, r.Path)
		roots = append(roots, commitAll(t, r, "m"))
	}

	assert.Equal(t, roots[0].RootDirHash, roots[1].RootDirHash)
	assert.Equal(t, roots[0].Hash, roots[1].Hash)
}

// Staging order does not change the tree: add files in different orders and
// get the same dir hash.
func TestBucketDeterminism(t *testing.T) {
	paths := []string{"a.txt", "b.txt", "c.txt", "d.txt", "e.txt"}

	makeRepo := func(order []string) *tree.CommitNode {
		r := newTestRepo(t)
		for _, p := range paths {
			writeFile(t, r, p, "content of "+p)
		}
		stager, err := index.NewStager(r)
		require.NoError(t, err)
		defer stager.Close()
		for _, p := range order {
			require.NoError(t, stager.Add(filepath.Join(r.Path, p)))
		}
		return commitAll(t, r, "m")
	}

	forward := makeRepo([]string{"a.txt", "b.txt", "c.txt", "d.txt", "e.txt"})
	reversed := makeRepo([]string{"e.txt", "d.txt", "c.txt", "b.txt", "a.txt"})
	assert.Equal(t, forward.RootDirHash, reversed.RootDirHash)
}

func TestEmptyCommitFails(t *testing.T) {
	r := newTestRepo(t)
	_, err := index.CommitWithOptions(r, index.CommitOptions{Message: "nothing"})
	assert.True(t, oxerr.IsKind(err, oxerr.Staging))
}

func TestSecondCommitReferencesParent(t *testing.T) {
	r := newTestRepo(t)
	writeFile(t, r, "a.txt", "one")
	stageAll(t, r, r.Path)
	first := commitAll(t, r, "first")
	assert.Empty(t, first.ParentHashes)

	writeFile(t, r, "a.txt", "two")
	stageAll(t, r, r.Path)
	second := commitAll(t, r, "second")
	require.Len(t, second.ParentHashes, 1)
	assert.Equal(t, first.Hash, second.ParentHashes[0])
}

// Unmodified files carry over into the next commit by reference.
func TestUnchangedFilesCarryOver(t *testing.T) {
	r := newTestRepo(t)
	writeFile(t, r, "keep.txt", "stable")
	writeFile(t, r, "change.txt", "v1")
	stageAll(t, r, r.Path)
	first := commitAll(t, r, "first")

	writeFile(t, r, "change.txt", "v2")
	stageAll(t, r, r.Path)
	second := commitAll(t, r, "second")
	assert.NotEqual(t, first.RootDirHash, second.RootDirHash)

	treeReader := tree.New(r.TreeNodesPath())
	node, err := treeReader.Resolve(second.Hash, "keep.txt", nil)
	require.NoError(t, err)
	file, ok := node.(*tree.FileNode)
	require.True(t, ok)
	assert.Equal(t, "keep.txt", file.Name)

	// The kept file's last commit is still the first commit.
	assert.Equal(t, first.Hash, file.LastCommitHash)
}

func TestRemovalDropsFileFromTree(t *testing.T) {
	r := newTestRepo(t)
	writeFile(t, r, "a.txt", "A")
	writeFile(t, r, "b.txt", "B")
	stageAll(t, r, r.Path)
	commitAll(t, r, "first")

	stager, err := index.NewStager(r)
	require.NoError(t, err)
	require.NoError(t, stager.Rm(filepath.Join(r.Path, "b.txt")))
	stager.Close()
	require.NoError(t, os.Remove(filepath.Join(r.Path, "b.txt")))

	second := commitAll(t, r, "drop b")

	treeReader := tree.New(r.TreeNodesPath())
	_, err = treeReader.Resolve(second.Hash, "b.txt", nil)
	assert.True(t, oxerr.IsKind(err, oxerr.NotFound))

	_, err = treeReader.Resolve(second.Hash, "a.txt", nil)
	assert.NoError(t, err)
}

// Round trip: commit, check out the parent, check out the new commit again,
// and the working tree is restored byte for byte.
func TestCheckoutRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	writeFile(t, r, "data/a.txt", "alpha")
	writeFile(t, r, "data/b.txt", "beta")
	stageAll(t, r, r.Path)
	first := commitAll(t, r, "first")

	writeFile(t, r, "data/a.txt", "alpha v2")
	writeFile(t, r, "c.txt", "gamma")
	stageAll(t, r, r.Path)
	second := commitAll(t, r, "second")

	require.NoError(t, index.Checkout(r, first.Hash.String()))
	data, err := os.ReadFile(filepath.Join(r.Path, "data", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))
	_, err = os.Stat(filepath.Join(r.Path, "c.txt"))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, index.Checkout(r, second.Hash.String()))
	data, err = os.ReadFile(filepath.Join(r.Path, "data", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha v2", string(data))
	data, err = os.ReadFile(filepath.Join(r.Path, "c.txt"))
	require.NoError(t, err)
	assert.Equal(t, "gamma", string(data))
}

func TestDirHashesIndexMatchesTree(t *testing.T) {
	r := newTestRepo(t)
	writeFile(t, r, "a/b/deep.txt", "deep")
	writeFile(t, r, "top.txt", "top")
	stageAll(t, r, r.Path)
	commit := commitAll(t, r, "nested")

	dirHashes, err := index.OpenDirHashes(r, commit.Hash)
	require.NoError(t, err)
	defer dirHashes.Close()

	all, err := dirHashes.All()
	require.NoError(t, err)
	assert.Len(t, all, 3) // "", "a", "a/b"

	rootHash, ok := dirHashes.Get("")
	require.True(t, ok)
	assert.Equal(t, commit.RootDirHash, rootHash)

	// Every entry matches the dir node reachable from the root.
	treeReader := tree.New(r.TreeNodesPath())
	for dirPath, dirHash := range all {
		node, err := treeReader.Resolve(commit.Hash, dirPath, nil)
		require.NoError(t, err)
		assert.Equal(t, dirHash, node.MerkleHash(), "path %q", dirPath)
	}
}

// The vnode count doubles when a directory crosses the 10k bucket target.
func TestNumVNodesBoundaries(t *testing.T) {
	assert.Equal(t, uint64(1), index.NumVNodes(1))
	assert.Equal(t, uint64(1), index.NumVNodes(9_999))
	assert.Equal(t, uint64(1), index.NumVNodes(10_000))
	assert.Equal(t, uint64(2), index.NumVNodes(10_001))
	assert.Equal(t, uint64(2), index.NumVNodes(20_000))
	assert.Equal(t, uint64(4), index.NumVNodes(20_001))
	assert.Equal(t, uint64(4), index.NumVNodes(40_000))
	assert.Equal(t, uint64(8), index.NumVNodes(40_001))
}

// Bucket boundary end to end: 10,001 one-byte files split into two vnodes,
// and a second repo with the same contents gets the same root hash.
func TestVNodeBucketBoundary(t *testing.T) {
	if testing.Short() {
		t.Skip("10k file tree is slow; run without -short")
	}

	buildRepo := func() (*repo.LocalRepository, *tree.CommitNode) {
		r := newTestRepo(t)
		for i := 0; i <= 10_000; i++ {
			writeFile(t, r, fmt.Sprintf("file_%05d", i), "x")
		}
		stageAll(t, r, r.Path)
		return r, commitAll(t, r, "big dir")
	}

	r1, commit1 := buildRepo()
	treeReader := tree.New(r1.TreeNodesPath())
	vnodes, err := treeReader.DirVNodes(commit1.RootDirHash)
	require.NoError(t, err)
	assert.Len(t, vnodes, 2)
	for _, vnode := range vnodes {
		children, err := treeReader.Children(vnode.Hash)
		require.NoError(t, err)
		assert.NotEmpty(t, children)
	}

	_, commit2 := buildRepo()
	assert.Equal(t, commit1.RootDirHash, commit2.RootDirHash)
}
