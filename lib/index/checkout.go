package index

import (
	"os"
	"path/filepath"
	"time"

	"github.com/rockenbf/oxen/lib/blob"
	"github.com/rockenbf/oxen/lib/hash"
	"github.com/rockenbf/oxen/lib/logging"
	"github.com/rockenbf/oxen/lib/oxerr"
	"github.com/rockenbf/oxen/lib/repo"
	"github.com/rockenbf/oxen/lib/tree"
)

// Checkout switches the working tree to a branch or commit. Refuses to run
// over staged changes so nothing pending is silently lost.
func Checkout(r *repo.LocalRepository, target string) error {
	lock, err := repo.LockRepo(r, 10*time.Second)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	stager, err := NewStager(r)
	if err != nil {
		return err
	}
	defer stager.Close()
	empty, err := stager.IsEmpty()
	if err != nil {
		return err
	}
	if !empty {
		return oxerr.New(oxerr.Staging, "staged changes present; commit or unstage them first")
	}

	refs := NewRefs(r)

	var targetCommit hash.Hash
	attachBranch := ""
	if refs.HasBranch(target) {
		targetCommit, err = refs.GetBranchCommit(target)
		if err != nil {
			return err
		}
		attachBranch = target
	} else {
		targetCommit, err = hash.Parse(target)
		if err != nil {
			return oxerr.Newf(oxerr.NotFound, "no branch or commit %q", target)
		}
	}

	if err := RestoreWorkingTree(r, targetCommit); err != nil {
		return err
	}

	if attachBranch != "" {
		return refs.SetHeadBranch(attachBranch)
	}
	return refs.SetHeadDetached(targetCommit)
}

// RestoreWorkingTree materializes a commit's files, removing files tracked
// by the current HEAD that the target no longer has. Untracked files stay.
func RestoreWorkingTree(r *repo.LocalRepository, target hash.Hash) error {
	t := tree.New(r.TreeNodesPath())
	blobs := blob.NewStore(r.VersionsPath())

	commit, err := t.ReadCommit(target)
	if err != nil {
		return err
	}
	files, _, err := t.ListFilesAndDirs(commit.RootDirHash, "")
	if err != nil {
		return err
	}
	targetFiles := make(map[string]*tree.FileNode, len(files))
	for _, f := range files {
		targetFiles[f.Path] = f.Node
	}

	// Files tracked now but absent from the target get removed.
	refs := NewRefs(r)
	head, err := refs.GetHead()
	if err == nil && !head.Commit.IsZero() && head.Commit != target {
		if headCommit, err := t.ReadCommit(head.Commit); err == nil {
			headFiles, _, err := t.ListFilesAndDirs(headCommit.RootDirHash, "")
			if err != nil {
				return err
			}
			for _, f := range headFiles {
				if _, keep := targetFiles[f.Path]; keep {
					continue
				}
				full := filepath.Join(r.Path, filepath.FromSlash(f.Path))
				if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
					return oxerr.Wrapf(oxerr.Io, err, "could not remove %s", f.Path)
				}
				removeEmptyParents(r.Path, filepath.Dir(full))
			}
		}
	}

	for path, node := range targetFiles {
		full := filepath.Join(r.Path, filepath.FromSlash(path))
		// Skip files already at the right content.
		if current, err := hash.File(full); err == nil && current == node.Hash {
			continue
		}
		if err := blobs.CopyTo(node.Hash, full); err != nil {
			return err
		}
		logging.Debugf("restored %s (%s)", path, node.Hash)
	}
	return nil
}

// removeEmptyParents prunes now-empty directories up to the repo root.
func removeEmptyParents(root, dir string) {
	for dir != root && len(dir) > len(root) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
