package merge

import (
	"path/filepath"
	"sort"

	"github.com/fxamacker/cbor/v2"

	"github.com/rockenbf/oxen/lib/blob"
	bboltdb "github.com/rockenbf/oxen/lib/database/bbolt"
	"github.com/rockenbf/oxen/lib/hash"
	"github.com/rockenbf/oxen/lib/index"
	"github.com/rockenbf/oxen/lib/logging"
	"github.com/rockenbf/oxen/lib/oxerr"
	"github.com/rockenbf/oxen/lib/repo"
	"github.com/rockenbf/oxen/lib/tree"
)

const (
	conflictsFile   = "conflicts.db"
	conflictsBucket = "conflicts"
)

// Conflict is one path where base, head, and merge all disagree.
type Conflict struct {
	Path      string    `cbor:"1,keyasint" json:"path"`
	BaseHash  hash.Hash `cbor:"2,keyasint" json:"base_hash"`
	HeadHash  hash.Hash `cbor:"3,keyasint" json:"head_hash"`
	MergeHash hash.Hash `cbor:"4,keyasint" json:"merge_hash"`
}

// Result reports what a merge produced.
type Result struct {
	Commit    *tree.CommitNode
	Conflicts []Conflict
	// FastForward is set when head was simply advanced to the merge tip.
	FastForward bool
	UpToDate    bool
}

// Merge merges branchName into the current branch. Clean merges produce a
// merge commit with both tips as parents; conflicts are persisted to the
// conflict store and leave refs unchanged.
func Merge(r *repo.LocalRepository, branchName string) (*Result, error) {
	refs := index.NewRefs(r)
	head, err := refs.GetHead()
	if err != nil {
		return nil, err
	}
	if head.Detached() {
		return nil, oxerr.New(oxerr.InvalidInput, "cannot merge onto a detached HEAD")
	}
	if head.Commit.IsZero() {
		return nil, oxerr.New(oxerr.NotFound, "no commits yet")
	}

	mergeCommit, err := refs.GetBranchCommit(branchName)
	if err != nil {
		return nil, err
	}

	commits := index.NewCommits(r)
	if ok, err := commits.IsAncestor(mergeCommit, head.Commit); err != nil {
		return nil, err
	} else if ok {
		return &Result{UpToDate: true}, nil
	}

	// Fast-forward when head is behind the merge tip.
	if ok, err := commits.IsAncestor(head.Commit, mergeCommit); err != nil {
		return nil, err
	} else if ok {
		if err := index.RestoreWorkingTree(r, mergeCommit); err != nil {
			return nil, err
		}
		if err := refs.SetBranchCommit(head.Branch, mergeCommit); err != nil {
			return nil, err
		}
		return &Result{FastForward: true}, nil
	}

	base, err := commits.MergeBase(head.Commit, mergeCommit)
	if err != nil {
		return nil, err
	}

	entries, conflicts, err := mergeTrees(r, base.Hash, head.Commit, mergeCommit)
	if err != nil {
		return nil, err
	}

	if len(conflicts) > 0 {
		store, err := OpenConflictStore(r)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		if err := store.Replace(conflicts); err != nil {
			return nil, err
		}
		logging.Warnf("merge of %q produced %d conflicts", branchName, len(conflicts))
		return &Result{Conflicts: conflicts}, nil
	}

	commit, err := writeMergeCommit(r, head, mergeCommit, branchName, entries)
	if err != nil {
		return nil, err
	}
	return &Result{Commit: commit}, nil
}

// mergedEntry is one path's resolution in a clean merge.
type mergedEntry struct {
	path string
	node *tree.FileNode
}

// mergeTrees walks the base, head, and merge trees in parallel by path.
func mergeTrees(r *repo.LocalRepository, baseCommit, headCommit, mergeCommit hash.Hash) ([]mergedEntry, []Conflict, error) {
	t := tree.New(r.TreeNodesPath())

	baseFiles, err := commitFiles(t, baseCommit)
	if err != nil {
		return nil, nil, err
	}
	headFiles, err := commitFiles(t, headCommit)
	if err != nil {
		return nil, nil, err
	}
	mergeFiles, err := commitFiles(t, mergeCommit)
	if err != nil {
		return nil, nil, err
	}

	paths := make(map[string]bool)
	for p := range baseFiles {
		paths[p] = true
	}
	for p := range headFiles {
		paths[p] = true
	}
	for p := range mergeFiles {
		paths[p] = true
	}

	var entries []mergedEntry
	var conflicts []Conflict
	for path := range paths {
		baseNode := baseFiles[path]
		headNode := headFiles[path]
		mergeNode := mergeFiles[path]

		baseHash := fileHash(baseNode)
		headHash := fileHash(headNode)
		mergeHash := fileHash(mergeNode)

		switch {
		case headHash == mergeHash:
			// Same on both sides, deletions included.
			if headNode != nil {
				entries = append(entries, mergedEntry{path: path, node: headNode})
			}
		case mergeHash == baseHash:
			// Only head moved; keep head.
			if headNode != nil {
				entries = append(entries, mergedEntry{path: path, node: headNode})
			}
		case headHash == baseHash:
			// Only merge moved; fast-forward to merge.
			if mergeNode != nil {
				entries = append(entries, mergedEntry{path: path, node: mergeNode})
			}
		default:
			conflicts = append(conflicts, Conflict{
				Path:      path,
				BaseHash:  baseHash,
				HeadHash:  headHash,
				MergeHash: mergeHash,
			})
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].path < entries[j].path })
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Path < conflicts[j].Path })
	return entries, conflicts, nil
}

func commitFiles(t *tree.Tree, commitHash hash.Hash) (map[string]*tree.FileNode, error) {
	commit, err := t.ReadCommit(commitHash)
	if err != nil {
		return nil, err
	}
	files, _, err := t.ListFilesAndDirs(commit.RootDirHash, "")
	if err != nil {
		return nil, err
	}
	nodes := make(map[string]*tree.FileNode, len(files))
	for _, f := range files {
		nodes[f.Path] = f.Node
	}
	return nodes, nil
}

// fileHash is the zero hash for an absent file so set comparisons handle
// additions and deletions uniformly.
func fileHash(node *tree.FileNode) hash.Hash {
	if node == nil {
		return hash.Zero
	}
	return node.CombinedHash
}

// writeMergeCommit stages the merged entries over a working tree restored
// to the merged state and commits with both parents.
func writeMergeCommit(r *repo.LocalRepository, head index.Head, mergeCommit hash.Hash, branchName string, entries []mergedEntry) (*tree.CommitNode, error) {
	blobs := blob.NewStore(r.VersionsPath())

	// Materialize the merged tree in the working dir first so the commit
	// matches what the user sees.
	t := tree.New(r.TreeNodesPath())
	headFiles, err := commitFiles(t, head.Commit)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]bool, len(entries))
	for _, e := range entries {
		merged[e.path] = true
		full := filepath.Join(r.Path, filepath.FromSlash(e.path))
		if headNode, ok := headFiles[e.path]; ok && headNode.CombinedHash == e.node.CombinedHash {
			continue
		}
		if err := blobs.CopyTo(e.node.Hash, full); err != nil {
			return nil, err
		}
	}

	stager, err := index.NewStager(r)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if headNode, ok := headFiles[e.path]; ok && headNode.CombinedHash == e.node.CombinedHash {
			continue
		}
		if err := stager.Add(filepath.Join(r.Path, filepath.FromSlash(e.path))); err != nil {
			stager.Close()
			return nil, err
		}
	}
	for path := range headFiles {
		if !merged[path] {
			if err := stager.Rm(filepath.Join(r.Path, filepath.FromSlash(path))); err != nil {
				stager.Close()
				return nil, err
			}
		}
	}
	// The commit pipeline reopens the staging store; release it first.
	if err := stager.Close(); err != nil {
		return nil, err
	}

	commit, err := index.CommitMerge(r, "Merge branch '"+branchName+"'", mergeCommit)
	if err != nil {
		return nil, err
	}
	return commit, nil
}

// ConflictStore persists unresolved merge conflicts under .oxen/merge.
type ConflictStore struct {
	db *bboltdb.Database
}

func OpenConflictStore(r *repo.LocalRepository) (*ConflictStore, error) {
	db, err := bboltdb.CreateDatabase(filepath.Join(r.MergePath(), conflictsFile))
	if err != nil {
		return nil, oxerr.Wrap(oxerr.Io, err, "could not open conflict store")
	}
	if err := db.CreateBucket(conflictsBucket); err != nil {
		db.Close()
		return nil, oxerr.Wrap(oxerr.Io, err, "could not create conflict bucket")
	}
	return &ConflictStore{db: db}, nil
}

func (c *ConflictStore) Close() error {
	return c.db.Close()
}

// Replace swaps the stored conflicts for a new set.
func (c *ConflictStore) Replace(conflicts []Conflict) error {
	if err := c.db.ClearBucket(conflictsBucket); err != nil {
		return err
	}
	for _, conflict := range conflicts {
		data, err := cbor.Marshal(&conflict)
		if err != nil {
			return oxerr.Wrap(oxerr.InvalidInput, err, "could not serialize conflict")
		}
		if err := c.db.UpdateValue(conflictsBucket, conflict.Path, data); err != nil {
			return err
		}
	}
	return nil
}

// List returns the stored conflicts sorted by path.
func (c *ConflictStore) List() ([]Conflict, error) {
	var conflicts []Conflict
	err := c.db.ForEach(conflictsBucket, func(key, value []byte) error {
		var conflict Conflict
		if err := cbor.Unmarshal(value, &conflict); err != nil {
			return oxerr.Wrapf(oxerr.Corrupt, err, "bad conflict entry for %q", string(key))
		}
		conflicts = append(conflicts, conflict)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conflicts, nil
}

// Clear drops all stored conflicts.
func (c *ConflictStore) Clear() error {
	return c.db.ClearBucket(conflictsBucket)
}
