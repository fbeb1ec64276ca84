package index_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rockenbf/oxen/lib/hash"
	"github.com/rockenbf/oxen/lib/index"
	"github.com/rockenbf/oxen/lib/oxerr"
	"github.com/rockenbf/oxen/lib/repo"
)

func TestRefsBranchLifecycle(t *testing.T) {
	r := newTestRepo(t)
	writeFile(t, r, "a.txt", "A")
	stageAll(t, r, r.Path)
	commit := commitAll(t, r, "first")

	refs := index.NewRefs(r)

	require.NoError(t, refs.CreateBranch("feature", commit.Hash))
	assert.True(t, refs.HasBranch("feature"))

	// Creating the same branch again fails.
	err := refs.CreateBranch("feature", commit.Hash)
	assert.True(t, oxerr.IsKind(err, oxerr.AlreadyExists))

	names, err := refs.ListBranches()
	require.NoError(t, err)
	assert.Equal(t, []string{"feature", "main"}, names)

	require.NoError(t, refs.DeleteBranch("feature"))
	assert.False(t, refs.HasBranch("feature"))

	err = refs.DeleteBranch("feature")
	assert.True(t, oxerr.IsKind(err, oxerr.NotFound))
}

func TestRefsRefuseDeleteCurrentBranch(t *testing.T) {
	r := newTestRepo(t)
	writeFile(t, r, "a.txt", "A")
	stageAll(t, r, r.Path)
	commitAll(t, r, "first")

	refs := index.NewRefs(r)
	err := refs.DeleteBranch(repo.DefaultBranch)
	assert.Error(t, err)
}

func TestRefsRefuseUnknownCommit(t *testing.T) {
	r := newTestRepo(t)
	writeFile(t, r, "a.txt", "A")
	stageAll(t, r, r.Path)
	commitAll(t, r, "first")

	refs := index.NewRefs(r)
	err := refs.SetBranchCommit(repo.DefaultBranch, hash.Bytes([]byte("nowhere")))
	assert.True(t, oxerr.IsKind(err, oxerr.NotFound))
}

func TestRefsCompareAndSwap(t *testing.T) {
	r := newTestRepo(t)
	writeFile(t, r, "a.txt", "A")
	stageAll(t, r, r.Path)
	first := commitAll(t, r, "first")

	writeFile(t, r, "a.txt", "B")
	stageAll(t, r, r.Path)
	second := commitAll(t, r, "second")

	refs := index.NewRefs(r)
	require.NoError(t, refs.CreateBranch("cas", first.Hash))

	// Wrong expected value loses.
	err := refs.CompareAndSwapBranch("cas", second.Hash, first.Hash)
	assert.True(t, oxerr.IsKind(err, oxerr.Conflict))

	// Right expected value wins.
	require.NoError(t, refs.CompareAndSwapBranch("cas", first.Hash, second.Hash))
	got, err := refs.GetBranchCommit("cas")
	require.NoError(t, err)
	assert.Equal(t, second.Hash, got)

	// Creation CAS expects the zero hash.
	err = refs.CompareAndSwapBranch("fresh", first.Hash, second.Hash)
	assert.True(t, oxerr.IsKind(err, oxerr.Conflict))
	require.NoError(t, refs.CompareAndSwapBranch("fresh", hash.Zero, second.Hash))
}

func TestDetachedHead(t *testing.T) {
	r := newTestRepo(t)
	writeFile(t, r, "a.txt", "A")
	stageAll(t, r, r.Path)
	commit := commitAll(t, r, "first")

	require.NoError(t, index.Checkout(r, commit.Hash.String()))

	refs := index.NewRefs(r)
	head, err := refs.GetHead()
	require.NoError(t, err)
	assert.True(t, head.Detached())
	assert.Equal(t, commit.Hash, head.Commit)

	require.NoError(t, index.Checkout(r, repo.DefaultBranch))
	head, err = refs.GetHead()
	require.NoError(t, err)
	assert.Equal(t, repo.DefaultBranch, head.Branch)
}

func TestInvalidBranchNames(t *testing.T) {
	r := newTestRepo(t)
	writeFile(t, r, "a.txt", "A")
	stageAll(t, r, r.Path)
	commit := commitAll(t, r, "first")

	refs := index.NewRefs(r)
	for _, name := range []string{"", "a/b", ".hidden", "has space"} {
		err := refs.CreateBranch(name, commit.Hash)
		assert.True(t, oxerr.IsKind(err, oxerr.InvalidInput), "name %q", name)
	}
}
