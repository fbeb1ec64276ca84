package repo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rockenbf/oxen/lib/oxerr"
)

func TestInitCreatesLayout(t *testing.T) {
	dir := t.TempDir()
	r, err := Init(dir)
	require.NoError(t, err)

	for _, sub := range []string{
		"refs/branches", "staging", "tree/nodes", "versions", "history", "merge",
	} {
		info, err := os.Stat(filepath.Join(dir, HiddenDir, sub))
		require.NoError(t, err, sub)
		assert.True(t, info.IsDir())
	}

	head, err := os.ReadFile(r.HeadPath())
	require.NoError(t, err)
	assert.Equal(t, "ref: main\n", string(head))

	assert.NotEmpty(t, r.Config.RepoID)
	assert.Equal(t, MinVersion, r.Config.MinVersion)
	assert.Equal(t, "rows-ordered", r.Config.TabularHash)
}

func TestInitTwiceFails(t *testing.T) {
	dir := t.TempDir()
	_, err := Init(dir)
	require.NoError(t, err)

	_, err = Init(dir)
	assert.True(t, oxerr.IsKind(err, oxerr.AlreadyExists))
}

func TestOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	created, err := Init(dir)
	require.NoError(t, err)

	opened, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, created.Config.RepoID, opened.Config.RepoID)
}

func TestOpenMissingRepo(t *testing.T) {
	_, err := Open(t.TempDir())
	assert.True(t, oxerr.IsKind(err, oxerr.NotFound))
}

func TestFindWalksUpward(t *testing.T) {
	dir := t.TempDir()
	_, err := Init(dir)
	require.NoError(t, err)

	nested := filepath.Join(dir, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0755))

	found, err := Find(nested)
	require.NoError(t, err)
	assert.Equal(t, dir, found.Path)
}

func TestRemotes(t *testing.T) {
	dir := t.TempDir()
	r, err := Init(dir)
	require.NoError(t, err)

	_, err = r.GetRemote("origin")
	assert.True(t, oxerr.IsKind(err, oxerr.NotFound))

	require.NoError(t, r.SetRemote("origin", "http://localhost:3000/repos/ox/data"))

	// Survives reopen.
	reopened, err := Open(dir)
	require.NoError(t, err)
	rmt, err := reopened.GetRemote("origin")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000/repos/ox/data", rmt.URL)

	// A single remote resolves without naming it.
	rmt, err = reopened.GetRemote("")
	require.NoError(t, err)
	assert.Equal(t, "origin", rmt.Name)

	// Re-setting replaces the url.
	require.NoError(t, reopened.SetRemote("origin", "http://other/repos/ox/data"))
	rmt, err = reopened.GetRemote("origin")
	require.NoError(t, err)
	assert.Equal(t, "http://other/repos/ox/data", rmt.URL)
}

func TestLock(t *testing.T) {
	dir := t.TempDir()
	r, err := Init(dir)
	require.NoError(t, err)

	lock, err := LockRepo(r, 0)
	require.NoError(t, err)

	// A second writer times out while the lock is held.
	_, err = LockRepo(r, 0)
	assert.True(t, oxerr.IsKind(err, oxerr.Timeout))

	require.NoError(t, lock.Unlock())
	second, err := LockRepo(r, 0)
	require.NoError(t, err)
	require.NoError(t, second.Unlock())

	// Unlocking twice is safe.
	require.NoError(t, second.Unlock())
}
