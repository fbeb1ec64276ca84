package diff

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rockenbf/oxen/lib/hash"
	"github.com/rockenbf/oxen/lib/index"
	"github.com/rockenbf/oxen/lib/oxerr"
	"github.com/rockenbf/oxen/lib/repo"
	"github.com/rockenbf/oxen/lib/tabular"
	"github.com/rockenbf/oxen/lib/tree"
)

// WorkingStatus is the state of the working tree relative to HEAD and the
// staging area.
type WorkingStatus struct {
	Staged    []index.StagedEntryWithPath
	Modified  []string
	Removed   []string
	Untracked []string
}

// IsClean reports a fully committed working tree.
func (s *WorkingStatus) IsClean() bool {
	return len(s.Staged) == 0 && len(s.Modified) == 0 &&
		len(s.Removed) == 0 && len(s.Untracked) == 0
}

// Status compares the working tree under subPath ("" for the whole repo)
// against HEAD and the staging area.
func Status(r *repo.LocalRepository, subPath string) (*WorkingStatus, error) {
	stager, err := index.NewStager(r)
	if err != nil {
		return nil, err
	}
	defer stager.Close()

	staged, err := stager.List()
	if err != nil {
		return nil, err
	}
	stagedPaths := make(map[string]bool, len(staged))
	for _, s := range staged {
		stagedPaths[s.Path] = true
	}

	headFiles, err := headFileNodes(r)
	if err != nil {
		return nil, err
	}

	status := &WorkingStatus{}
	for _, s := range staged {
		if underPath(s.Path, subPath) {
			status.Staged = append(status.Staged, s)
		}
	}

	// Walk the working tree for untracked and unstaged modifications.
	onDisk := make(map[string]bool)
	root := filepath.Join(r.Path, filepath.FromSlash(subPath))
	ignore := index.NewIgnoreMatcher(r.Path)
	err = filepath.Walk(root, func(walkPath string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil
			}
			return oxerr.Wrapf(oxerr.Io, walkErr, "could not walk %q", walkPath)
		}
		rel, relErr := filepath.Rel(r.Path, walkPath)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if ignore.Ignored(rel) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		onDisk[rel] = true
		if stagedPaths[rel] {
			return nil
		}

		headNode, tracked := headFiles[rel]
		if !tracked {
			status.Untracked = append(status.Untracked, rel)
			return nil
		}
		changed, err := fileChanged(walkPath, headNode)
		if err != nil {
			return err
		}
		if changed {
			status.Modified = append(status.Modified, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Tracked files gone from disk and not staged as removed.
	for path := range headFiles {
		if !underPath(path, subPath) {
			continue
		}
		if !onDisk[path] && !stagedPaths[path] {
			status.Removed = append(status.Removed, path)
		}
	}

	sort.Strings(status.Modified)
	sort.Strings(status.Removed)
	sort.Strings(status.Untracked)
	return status, nil
}

func headFileNodes(r *repo.LocalRepository) (map[string]*tree.FileNode, error) {
	refs := index.NewRefs(r)
	head, err := refs.GetHead()
	if err != nil || head.Commit.IsZero() {
		return nil, nil
	}

	t := tree.New(r.TreeNodesPath())
	commit, err := t.ReadCommit(head.Commit)
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

// fileChanged compares a working file against its HEAD node, sizes first so
// a non-tabular file whose size changed is reported without rehashing.
func fileChanged(fullPath string, node *tree.FileNode) (bool, error) {
	info, err := os.Stat(fullPath)
	if err != nil {
		return true, nil
	}
	if node.DataType != tree.DataTypeTabular && uint64(info.Size()) != node.NumBytes {
		return true, nil
	}

	var current hash.Hash
	if node.DataType == tree.DataTypeTabular {
		current, err = tabular.HashRows(fullPath)
	} else {
		current, err = hash.File(fullPath)
	}
	if err != nil {
		return false, err
	}
	return current != node.Hash, nil
}

func underPath(path, subPath string) bool {
	if subPath == "" || subPath == "." {
		return true
	}
	return path == subPath || strings.HasPrefix(path, subPath+"/")
}
