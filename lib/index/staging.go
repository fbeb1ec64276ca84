package index

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fxamacker/cbor/v2"

	bboltdb "github.com/rockenbf/oxen/lib/database/bbolt"
	"github.com/rockenbf/oxen/lib/hash"
	"github.com/rockenbf/oxen/lib/logging"
	"github.com/rockenbf/oxen/lib/oxerr"
	"github.com/rockenbf/oxen/lib/repo"
	"github.com/rockenbf/oxen/lib/tabular"
	"github.com/rockenbf/oxen/lib/tree"
)

const (
	stagingFile   = "staged.db"
	stagingBucket = "staged"
)

// StagedStatus is the kind of pending change recorded for a path.
type StagedStatus uint8

const (
	StatusAdded StagedStatus = iota
	StatusModified
	StatusRemoved
)

func (s StagedStatus) String() string {
	switch s {
	case StatusAdded:
		return "added"
	case StatusModified:
		return "modified"
	case StatusRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// StagedEntry is one pending addition, modification, or removal. Hashes are
// computed when the path is staged.
type StagedEntry struct {
	Status         StagedStatus `cbor:"1,keyasint"`
	Hash           hash.Hash    `cbor:"2,keyasint"`
	MetadataHash   hash.Hash    `cbor:"3,keyasint,omitempty"`
	Metadata       []byte       `cbor:"4,keyasint,omitempty"`
	NumBytes       uint64       `cbor:"5,keyasint"`
	DataType       string       `cbor:"6,keyasint"`
	MimeType       string       `cbor:"7,keyasint"`
	Extension      string       `cbor:"8,keyasint"`
	LastModifiedS  int64        `cbor:"9,keyasint"`
	LastModifiedNs int64        `cbor:"10,keyasint"`
}

// StagedEntryWithPath pairs an entry with its repo-relative path.
type StagedEntryWithPath struct {
	Path  string
	Entry StagedEntry
}

// Stager records pending changes in a bbolt store that survives process
// restarts. Its writes do not take the repo write lock.
type Stager struct {
	repo   *repo.LocalRepository
	db     *bboltdb.Database
	tree   *tree.Tree
	refs   *Refs
	ignore *IgnoreMatcher
}

// NewStager opens the staging store for a repo.
func NewStager(r *repo.LocalRepository) (*Stager, error) {
	db, err := bboltdb.CreateDatabase(filepath.Join(r.StagingPath(), stagingFile))
	if err != nil {
		return nil, oxerr.Wrap(oxerr.Io, err, "could not open staging db")
	}
	if err := db.CreateBucket(stagingBucket); err != nil {
		db.Close()
		return nil, oxerr.Wrap(oxerr.Io, err, "could not create staging bucket")
	}

	s := &Stager{
		repo: r,
		db:   db,
		tree: tree.New(r.TreeNodesPath()),
		refs: NewRefs(r),
	}
	s.ignore = NewIgnoreMatcher(r.Path)
	return s, nil
}

func (s *Stager) Close() error {
	return s.db.Close()
}

// relPath normalizes a user path to forward-slash repo-relative form.
func (s *Stager) relPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", oxerr.Wrap(oxerr.InvalidInput, err, "invalid path")
	}
	rel, err := filepath.Rel(s.repo.Path, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", oxerr.Newf(oxerr.InvalidInput, "path %q is outside the repository", path)
	}
	return filepath.ToSlash(rel), nil
}

// headFile resolves a path in the HEAD tree, if any.
func (s *Stager) headFile(relPath string) (*tree.FileNode, bool) {
	head, err := s.refs.GetHead()
	if err != nil || head.Commit.IsZero() {
		return nil, false
	}

	var resolver tree.DirHashResolver
	if dirHashes, err := OpenDirHashes(s.repo, head.Commit); err == nil {
		defer dirHashes.Close()
		resolver = dirHashes.Resolver()
	}

	node, err := s.tree.Resolve(head.Commit, relPath, resolver)
	if err != nil {
		return nil, false
	}
	file, ok := node.(*tree.FileNode)
	return file, ok
}

// Add stages a file or directory. Directories recurse, honoring the ignore
// list. Files identical to HEAD are skipped.
func (s *Stager) Add(path string) error {
	relPath, err := s.relPath(path)
	if err != nil {
		return err
	}

	full := filepath.Join(s.repo.Path, filepath.FromSlash(relPath))
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			// Staging a path that only exists in HEAD stages a removal.
			if _, inHead := s.headFile(relPath); inHead {
				return s.stageRemoved(relPath)
			}
			return oxerr.Newf(oxerr.NotFound, "path %q does not exist", path)
		}
		return oxerr.Wrapf(oxerr.Io, err, "could not stat %q", path)
	}

	if info.IsDir() {
		return filepath.Walk(full, func(walkPath string, walkInfo os.FileInfo, walkErr error) error {
			if walkErr != nil {
				return oxerr.Wrapf(oxerr.Io, walkErr, "could not walk %q", walkPath)
			}
			rel, err := s.relPath(walkPath)
			if err != nil {
				return err
			}
			if s.ignore.Ignored(rel) {
				if walkInfo.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if walkInfo.Mode().IsRegular() {
				return s.stageFile(rel, walkPath, walkInfo)
			}
			return nil
		})
	}

	if s.ignore.Ignored(relPath) {
		return nil
	}
	return s.stageFile(relPath, full, info)
}

func (s *Stager) stageFile(relPath, fullPath string, info os.FileInfo) error {
	dataType, mimeType, err := tabular.DetectType(fullPath)
	if err != nil {
		return err
	}

	var contentHash hash.Hash
	var metaHash hash.Hash
	var metadata []byte
	if dataType == tree.DataTypeTabular {
		contentHash, err = tabular.HashRows(fullPath)
		if err != nil {
			return err
		}
		metadata, metaHash, err = tabular.Metadata(fullPath)
		if err != nil {
			return err
		}
	} else {
		contentHash, err = hash.File(fullPath)
		if err != nil {
			return err
		}
	}

	status := StatusAdded
	if headNode, inHead := s.headFile(relPath); inHead {
		if headNode.Hash == contentHash && headNode.MetadataHash == metaHash {
			// Unchanged from HEAD; drop any stale staged entry.
			return s.db.DeleteValue(stagingBucket, relPath)
		}
		status = StatusModified
	}

	mtime := info.ModTime()
	entry := StagedEntry{
		Status:         status,
		Hash:           contentHash,
		MetadataHash:   metaHash,
		Metadata:       metadata,
		NumBytes:       uint64(info.Size()),
		DataType:       dataType,
		MimeType:       mimeType,
		Extension:      strings.TrimPrefix(filepath.Ext(relPath), "."),
		LastModifiedS:  mtime.Unix(),
		LastModifiedNs: int64(mtime.Nanosecond()),
	}

	logging.Debugf("staging %s %s (%s)", entry.Status, relPath, contentHash)
	return s.putEntry(relPath, entry)
}

func (s *Stager) stageRemoved(relPath string) error {
	return s.putEntry(relPath, StagedEntry{Status: StatusRemoved})
}

func (s *Stager) putEntry(relPath string, entry StagedEntry) error {
	data, err := cbor.Marshal(&entry)
	if err != nil {
		return oxerr.Wrap(oxerr.InvalidInput, err, "could not serialize staged entry")
	}
	return s.db.UpdateValue(stagingBucket, relPath, data)
}

// Rm stages the removal of a path that exists in HEAD.
func (s *Stager) Rm(path string) error {
	relPath, err := s.relPath(path)
	if err != nil {
		return err
	}
	if _, inHead := s.headFile(relPath); !inHead {
		return oxerr.Newf(oxerr.NotFound, "path %q is not tracked", path)
	}
	return s.stageRemoved(relPath)
}

// Unstage discards the pending change for a path.
func (s *Stager) Unstage(path string) error {
	relPath, err := s.relPath(path)
	if err != nil {
		return err
	}
	return s.db.DeleteValue(stagingBucket, relPath)
}

// List returns all staged entries sorted by path.
func (s *Stager) List() ([]StagedEntryWithPath, error) {
	var entries []StagedEntryWithPath
	err := s.db.ForEach(stagingBucket, func(key, value []byte) error {
		var entry StagedEntry
		if err := cbor.Unmarshal(value, &entry); err != nil {
			return oxerr.Wrapf(oxerr.Corrupt, err, "bad staged entry for %q", string(key))
		}
		entries = append(entries, StagedEntryWithPath{Path: string(key), Entry: entry})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// IsEmpty reports whether anything is staged.
func (s *Stager) IsEmpty() (bool, error) {
	count, err := s.db.Count(stagingBucket)
	if err != nil {
		return false, oxerr.Wrap(oxerr.Io, err, "could not count staged entries")
	}
	return count == 0, nil
}

// Clear drops every staged entry.
func (s *Stager) Clear() error {
	return s.db.ClearBucket(stagingBucket)
}
