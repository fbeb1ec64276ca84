package index

import (
	"os"
	"path/filepath"

	bboltdb "github.com/rockenbf/oxen/lib/database/bbolt"
	"github.com/rockenbf/oxen/lib/hash"
	"github.com/rockenbf/oxen/lib/oxerr"
	"github.com/rockenbf/oxen/lib/repo"
	"github.com/rockenbf/oxen/lib/tree"
)

const (
	dirHashesFile   = "db"
	dirHashesBucket = "dir_hashes"
)

// DirHashes is the per-commit index from directory path to dir node hash.
// It keeps (commit, path) resolution off the O(depth) walk on the hot path
// and travels with the commit on push/pull.
type DirHashes struct {
	db *bboltdb.Database
}

func dirHashesDBPath(r *repo.LocalRepository, commit hash.Hash) string {
	return filepath.Join(r.DirHashesPath(commit.String()), dirHashesFile)
}

// OpenDirHashesWriter creates or replaces the dir_hashes store for a commit.
func OpenDirHashesWriter(r *repo.LocalRepository, commit hash.Hash) (*DirHashes, error) {
	path := dirHashesDBPath(r, commit)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, oxerr.Wrap(oxerr.Io, err, "could not create dir_hashes dir")
	}
	db, err := bboltdb.CreateDatabase(path)
	if err != nil {
		return nil, oxerr.Wrap(oxerr.Io, err, "could not open dir_hashes db")
	}
	if err := db.CreateBucket(dirHashesBucket); err != nil {
		db.Close()
		return nil, oxerr.Wrap(oxerr.Io, err, "could not create dir_hashes bucket")
	}
	return &DirHashes{db: db}, nil
}

// OpenDirHashes opens the dir_hashes store for a commit, or NotFound when
// the commit has none locally.
func OpenDirHashes(r *repo.LocalRepository, commit hash.Hash) (*DirHashes, error) {
	path := dirHashesDBPath(r, commit)
	if _, err := os.Stat(path); err != nil {
		return nil, oxerr.Newf(oxerr.NotFound, "no dir_hashes for commit %s", commit)
	}
	db, err := bboltdb.CreateDatabase(path)
	if err != nil {
		return nil, oxerr.Wrap(oxerr.Io, err, "could not open dir_hashes db")
	}
	return &DirHashes{db: db}, nil
}

func (d *DirHashes) Close() error {
	return d.db.Close()
}

// rootKey stores the root path "": bbolt rejects zero-length keys, and no
// repo-relative dir path is "/".
const rootKey = "/"

func dirHashKey(dirPath string) string {
	if dirPath == "" {
		return rootKey
	}
	return dirPath
}

// Put records the dir hash for a path ("" is the root).
func (d *DirHashes) Put(dirPath string, h hash.Hash) error {
	return d.db.UpdateValue(dirHashesBucket, dirHashKey(dirPath), []byte(h.String()))
}

// Get returns the dir hash for a path.
func (d *DirHashes) Get(dirPath string) (hash.Hash, bool) {
	value, err := d.db.GetValue(dirHashesBucket, dirHashKey(dirPath))
	if err != nil || value == nil {
		return hash.Zero, false
	}
	h, err := hash.Parse(string(value))
	if err != nil {
		return hash.Zero, false
	}
	return h, true
}

// Resolver adapts the store to the tree reader's hot path lookup.
func (d *DirHashes) Resolver() tree.DirHashResolver {
	return d.Get
}

// All returns every path to dir hash mapping.
func (d *DirHashes) All() (map[string]hash.Hash, error) {
	result := make(map[string]hash.Hash)
	err := d.db.ForEach(dirHashesBucket, func(key, value []byte) error {
		h, err := hash.Parse(string(value))
		if err != nil {
			return oxerr.Wrapf(oxerr.Corrupt, err, "bad dir hash for %q", string(key))
		}
		path := string(key)
		if path == rootKey {
			path = ""
		}
		result[path] = h
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
