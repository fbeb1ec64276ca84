package merge_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rockenbf/oxen/lib/index"
	"github.com/rockenbf/oxen/lib/merge"
	"github.com/rockenbf/oxen/lib/repo"
	"github.com/rockenbf/oxen/lib/tree"
)

var mergeClock = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func nextTimestamp() time.Time {
	mergeClock = mergeClock.Add(time.Second)
	return mergeClock
}

func newTestRepo(t *testing.T) *repo.LocalRepository {
	t.Helper()
	r, err := repo.Init(t.TempDir())
	require.NoError(t, err)
	return r
}

func writeFile(t *testing.T, r *repo.LocalRepository, relPath, content string) {
	t.Helper()
	full := filepath.Join(r.Path, filepath.FromSlash(relPath))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0644))
}

func commitAll(t *testing.T, r *repo.LocalRepository, message string) *tree.CommitNode {
	t.Helper()
	stager, err := index.NewStager(r)
	require.NoError(t, err)
	require.NoError(t, stager.Add(r.Path))
	stager.Close()

	commit, err := index.CommitWithOptions(r, index.CommitOptions{
		Message:   message,
		Author:    "x",
		Email:     "x@y",
		Timestamp: nextTimestamp(),
	})
	require.NoError(t, err)
	return commit
}

// setupDivergent builds: base commit with x=1, y=2; branch A (checked out)
// and branch B diverging from it.
func setupDivergent(t *testing.T) *repo.LocalRepository {
	r := newTestRepo(t)
	writeFile(t, r, "x", "1")
	writeFile(t, r, "y", "2")
	commitAll(t, r, "base")

	refs := index.NewRefs(r)
	head, err := refs.GetHead()
	require.NoError(t, err)
	require.NoError(t, refs.CreateBranch("A", head.Commit))
	require.NoError(t, refs.CreateBranch("B", head.Commit))
	return r
}

// Clean 3-way merge: A changes only x, B changes only y; merging B into A
// yields x=10, y=20 and a merge commit with both tips as parents.
func TestMergeClean(t *testing.T) {
	r := setupDivergent(t)

	require.NoError(t, index.Checkout(r, "A"))
	writeFile(t, r, "x", "10")
	aTip := commitAll(t, r, "change x")

	require.NoError(t, index.Checkout(r, "B"))
	writeFile(t, r, "y", "20")
	bTip := commitAll(t, r, "change y")

	require.NoError(t, index.Checkout(r, "A"))
	result, err := merge.Merge(r, "B")
	require.NoError(t, err)
	require.Empty(t, result.Conflicts)
	require.NotNil(t, result.Commit)

	// Working tree has both changes.
	x, err := os.ReadFile(filepath.Join(r.Path, "x"))
	require.NoError(t, err)
	assert.Equal(t, "10", string(x))
	y, err := os.ReadFile(filepath.Join(r.Path, "y"))
	require.NoError(t, err)
	assert.Equal(t, "20", string(y))

	// The merge commit's parents are the two tips.
	assert.ElementsMatch(t,
		[]string{aTip.Hash.String(), bTip.Hash.String()},
		[]string{result.Commit.ParentHashes[0].String(), result.Commit.ParentHashes[1].String()})

	// A advanced to the merge commit.
	refs := index.NewRefs(r)
	aCommit, err := refs.GetBranchCommit("A")
	require.NoError(t, err)
	assert.Equal(t, result.Commit.Hash, aCommit)
}

// Conflicting 3-way merge: both branches change x differently. One conflict
// is reported with all three hashes, and refs stay where they were.
func TestMergeConflict(t *testing.T) {
	r := setupDivergent(t)

	require.NoError(t, index.Checkout(r, "A"))
	writeFile(t, r, "x", "10")
	aTip := commitAll(t, r, "x to 10")

	require.NoError(t, index.Checkout(r, "B"))
	writeFile(t, r, "x", "11")
	commitAll(t, r, "x to 11")

	require.NoError(t, index.Checkout(r, "A"))
	result, err := merge.Merge(r, "B")
	require.NoError(t, err)
	require.Len(t, result.Conflicts, 1)
	assert.Nil(t, result.Commit)

	conflict := result.Conflicts[0]
	assert.Equal(t, "x", conflict.Path)
	assert.False(t, conflict.BaseHash.IsZero())
	assert.False(t, conflict.HeadHash.IsZero())
	assert.False(t, conflict.MergeHash.IsZero())
	assert.NotEqual(t, conflict.HeadHash, conflict.MergeHash)

	// The conflict is persisted for status to report.
	store, err := merge.OpenConflictStore(r)
	require.NoError(t, err)
	defer store.Close()
	stored, err := store.List()
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "x", stored[0].Path)

	// Refs are unchanged.
	refs := index.NewRefs(r)
	aCommit, err := refs.GetBranchCommit("A")
	require.NoError(t, err)
	assert.Equal(t, aTip.Hash, aCommit)
}

func TestMergeFastForward(t *testing.T) {
	r := setupDivergent(t)

	require.NoError(t, index.Checkout(r, "B"))
	writeFile(t, r, "y", "20")
	bTip := commitAll(t, r, "ahead")

	require.NoError(t, index.Checkout(r, "A"))
	result, err := merge.Merge(r, "B")
	require.NoError(t, err)
	assert.True(t, result.FastForward)

	refs := index.NewRefs(r)
	aCommit, err := refs.GetBranchCommit("A")
	require.NoError(t, err)
	assert.Equal(t, bTip.Hash, aCommit)

	y, err := os.ReadFile(filepath.Join(r.Path, "y"))
	require.NoError(t, err)
	assert.Equal(t, "20", string(y))
}

func TestMergeUpToDate(t *testing.T) {
	r := setupDivergent(t)

	require.NoError(t, index.Checkout(r, "A"))
	writeFile(t, r, "x", "10")
	commitAll(t, r, "ahead of B")

	result, err := merge.Merge(r, "B")
	require.NoError(t, err)
	assert.True(t, result.UpToDate)
}
