package diff_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rockenbf/oxen/lib/diff"
	"github.com/rockenbf/oxen/lib/hash"
	"github.com/rockenbf/oxen/lib/index"
	"github.com/rockenbf/oxen/lib/repo"
	"github.com/rockenbf/oxen/lib/tree"
)

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
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return commit
}

func TestDiffCommits(t *testing.T) {
	r := newTestRepo(t)
	writeFile(t, r, "kept.txt", "same")
	writeFile(t, r, "changed.txt", "v1")
	writeFile(t, r, "dropped.txt", "bye")
	first := commitAll(t, r, "first")

	writeFile(t, r, "changed.txt", "v2")
	writeFile(t, r, "added.txt", "new")
	require.NoError(t, os.Remove(filepath.Join(r.Path, "dropped.txt")))
	stager, err := index.NewStager(r)
	require.NoError(t, err)
	require.NoError(t, stager.Add(r.Path))
	require.NoError(t, stager.Add(filepath.Join(r.Path, "dropped.txt")))
	stager.Close()
	second, err := index.CommitWithOptions(r, index.CommitOptions{
		Message: "second", Author: "x", Email: "x@y",
		Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	result, err := diff.Commits(r, first.Hash, second.Hash, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"added.txt"}, result.Files(diff.StatusAdded))
	assert.Equal(t, []string{"dropped.txt"}, result.Files(diff.StatusRemoved))
	assert.Equal(t, []string{"changed.txt"}, result.Files(diff.StatusModified))
}

// diff(a,b) equals diff(b,a) with added and removed swapped.
func TestDiffSymmetry(t *testing.T) {
	r := newTestRepo(t)
	writeFile(t, r, "one.txt", "1")
	first := commitAll(t, r, "first")

	writeFile(t, r, "two.txt", "2")
	writeFile(t, r, "one.txt", "1 again")
	second := commitAll(t, r, "second")

	forward, err := diff.Commits(r, first.Hash, second.Hash, "")
	require.NoError(t, err)
	backward, err := diff.Commits(r, second.Hash, first.Hash, "")
	require.NoError(t, err)

	assert.Equal(t, forward.Files(diff.StatusAdded), backward.Files(diff.StatusRemoved))
	assert.Equal(t, forward.Files(diff.StatusRemoved), backward.Files(diff.StatusAdded))
	assert.Equal(t, forward.Files(diff.StatusModified), backward.Files(diff.StatusModified))
}

// Identical subtrees short-circuit: a diff against the same commit is empty.
func TestDiffIdenticalCommits(t *testing.T) {
	r := newTestRepo(t)
	writeFile(t, r, "a/b/c.txt", "deep")
	commit := commitAll(t, r, "only")

	result, err := diff.Commits(r, commit.Hash, commit.Hash, "")
	require.NoError(t, err)
	assert.Empty(t, result.Entries)
}

func TestDiffAgainstEmptyTree(t *testing.T) {
	r := newTestRepo(t)
	writeFile(t, r, "a.txt", "A")
	commit := commitAll(t, r, "first")

	result, err := diff.Commits(r, hash.Zero, commit.Hash, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, result.Files(diff.StatusAdded))
}

func TestStatusLifecycle(t *testing.T) {
	r := newTestRepo(t)
	writeFile(t, r, "tracked.txt", "v1")
	commitAll(t, r, "first")

	// Clean right after committing.
	status, err := diff.Status(r, "")
	require.NoError(t, err)
	assert.True(t, status.IsClean())

	// Unstaged modification.
	writeFile(t, r, "tracked.txt", "v2")
	status, err = diff.Status(r, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"tracked.txt"}, status.Modified)

	// Untracked file.
	writeFile(t, r, "new.txt", "new")
	status, err = diff.Status(r, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"new.txt"}, status.Untracked)

	// Staging moves them into the staged bucket.
	stager, err := index.NewStager(r)
	require.NoError(t, err)
	require.NoError(t, stager.Add(r.Path))
	stager.Close()
	status, err = diff.Status(r, "")
	require.NoError(t, err)
	assert.Len(t, status.Staged, 2)
	assert.Empty(t, status.Modified)
	assert.Empty(t, status.Untracked)

	// A tracked file gone from disk reports as removed.
	require.NoError(t, os.Remove(filepath.Join(r.Path, "tracked.txt")))
	stager, err = index.NewStager(r)
	require.NoError(t, err)
	require.NoError(t, stager.Unstage(filepath.Join(r.Path, "tracked.txt")))
	stager.Close()
	status, err = diff.Status(r, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"tracked.txt"}, status.Removed)
}
