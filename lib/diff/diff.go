package diff

import (
	"sort"

	"github.com/rockenbf/oxen/lib/hash"
	"github.com/rockenbf/oxen/lib/repo"
	"github.com/rockenbf/oxen/lib/tree"
)

// EntryStatus classifies one differing path.
type EntryStatus string

const (
	StatusAdded    EntryStatus = "added"
	StatusRemoved  EntryStatus = "removed"
	StatusModified EntryStatus = "modified"
)

// Entry is one changed file or directory between two trees.
type Entry struct {
	Path   string      `json:"path"`
	Status EntryStatus `json:"status"`
	IsDir  bool        `json:"is_dir"`
}

// Result groups the differing entries of a tree comparison.
type Result struct {
	Entries []Entry `json:"entries"`
}

func (r *Result) add(path string, status EntryStatus, isDir bool) {
	r.Entries = append(r.Entries, Entry{Path: path, Status: status, IsDir: isDir})
}

// Files filters the result down to file entries with the given status.
func (r *Result) Files(status EntryStatus) []string {
	var paths []string
	for _, e := range r.Entries {
		if !e.IsDir && e.Status == status {
			paths = append(paths, e.Path)
		}
	}
	return paths
}

// Commits compares the subtrees of two commits under path (empty for the
// whole tree). Identical dir hashes short-circuit whole subtrees.
func Commits(r *repo.LocalRepository, commitA, commitB hash.Hash, path string) (*Result, error) {
	t := tree.New(r.TreeNodesPath())

	dirA, err := resolveDirHash(t, commitA, path)
	if err != nil {
		return nil, err
	}
	dirB, err := resolveDirHash(t, commitB, path)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	if err := diffDirs(t, dirA, dirB, path, result); err != nil {
		return nil, err
	}
	sort.Slice(result.Entries, func(i, j int) bool {
		return result.Entries[i].Path < result.Entries[j].Path
	})
	return result, nil
}

// resolveDirHash maps (commit, dir path) to the dir node hash; a zero
// commit or missing path yields the zero hash, treated as an empty tree.
func resolveDirHash(t *tree.Tree, commit hash.Hash, path string) (hash.Hash, error) {
	if commit.IsZero() {
		return hash.Zero, nil
	}
	node, err := t.Resolve(commit, path, nil)
	if err != nil {
		return hash.Zero, nil
	}
	dir, ok := node.(*tree.DirNode)
	if !ok {
		return hash.Zero, nil
	}
	return dir.Hash, nil
}

func diffDirs(t *tree.Tree, dirA, dirB hash.Hash, path string, result *Result) error {
	if dirA == dirB {
		return nil
	}

	childrenA, err := dirChildren(t, dirA)
	if err != nil {
		return err
	}
	childrenB, err := dirChildren(t, dirB)
	if err != nil {
		return err
	}

	names := make(map[string]bool, len(childrenA)+len(childrenB))
	for name := range childrenA {
		names[name] = true
	}
	for name := range childrenB {
		names[name] = true
	}

	for name := range names {
		childPath := joinPath(path, name)
		a, inA := childrenA[name]
		b, inB := childrenB[name]

		switch {
		case inA && !inB:
			if err := markSubtree(t, a, childPath, StatusRemoved, result); err != nil {
				return err
			}
		case !inA && inB:
			if err := markSubtree(t, b, childPath, StatusAdded, result); err != nil {
				return err
			}
		default:
			dirNodeA, isDirA := a.(*tree.DirNode)
			dirNodeB, isDirB := b.(*tree.DirNode)
			if isDirA && isDirB {
				if dirNodeA.Hash != dirNodeB.Hash {
					result.add(childPath, StatusModified, true)
					if err := diffDirs(t, dirNodeA.Hash, dirNodeB.Hash, childPath, result); err != nil {
						return err
					}
				}
				continue
			}
			if isDirA != isDirB {
				// A file replaced a dir or vice versa.
				if err := markSubtree(t, a, childPath, StatusRemoved, result); err != nil {
					return err
				}
				if err := markSubtree(t, b, childPath, StatusAdded, result); err != nil {
					return err
				}
				continue
			}
			fileA, okA := a.(*tree.FileNode)
			fileB, okB := b.(*tree.FileNode)
			if okA && okB && fileA.CombinedHash != fileB.CombinedHash {
				result.add(childPath, StatusModified, false)
			}
		}
	}
	return nil
}

// dirChildren maps a dir's direct children by name. The zero hash is the
// empty tree.
func dirChildren(t *tree.Tree, dirHash hash.Hash) (map[string]tree.Node, error) {
	if dirHash.IsZero() {
		return nil, nil
	}
	entries, err := t.ListDir(dirHash)
	if err != nil {
		return nil, err
	}
	children := make(map[string]tree.Node, len(entries))
	for _, entry := range entries {
		if name := tree.NodeName(entry); name != "" {
			children[name] = entry
		}
	}
	return children, nil
}

// markSubtree records a node and, for dirs, every descendant with one
// status.
func markSubtree(t *tree.Tree, node tree.Node, path string, status EntryStatus, result *Result) error {
	switch n := node.(type) {
	case *tree.FileNode:
		result.add(path, status, false)
	case *tree.DirNode:
		result.add(path, status, true)
		files, dirs, err := t.ListFilesAndDirs(n.Hash, path)
		if err != nil {
			return err
		}
		for _, d := range dirs {
			result.add(d.Path, status, true)
		}
		for _, f := range files {
			result.add(f.Path, status, false)
		}
	}
	return nil
}

func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}
