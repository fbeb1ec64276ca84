package index

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rockenbf/oxen/lib/hash"
	"github.com/rockenbf/oxen/lib/oxerr"
	"github.com/rockenbf/oxen/lib/repo"
	"github.com/rockenbf/oxen/lib/tree"
)

const headRefPrefix = "ref: "

// Refs manages HEAD and the branch pointers under refs/branches. Branch
// files hold one commit hash in hex; HEAD holds either "ref: <branch>" or a
// raw commit hash when detached.
type Refs struct {
	repo *repo.LocalRepository
	tree *tree.Tree
}

func NewRefs(r *repo.LocalRepository) *Refs {
	return &Refs{repo: r, tree: tree.New(r.TreeNodesPath())}
}

// Head describes where HEAD currently points.
type Head struct {
	// Branch is set when HEAD is attached.
	Branch string
	// Commit is the resolved commit hash; zero before the first commit.
	Commit hash.Hash
}

func (h Head) Detached() bool {
	return h.Branch == ""
}

// GetHead reads and resolves HEAD.
func (r *Refs) GetHead() (Head, error) {
	data, err := os.ReadFile(r.repo.HeadPath())
	if err != nil {
		return Head{}, oxerr.Wrap(oxerr.Io, err, "could not read HEAD")
	}

	content := strings.TrimSpace(string(data))
	if strings.HasPrefix(content, headRefPrefix) {
		branch := strings.TrimPrefix(content, headRefPrefix)
		commit, err := r.GetBranchCommit(branch)
		if err != nil && !oxerr.IsKind(err, oxerr.NotFound) {
			return Head{}, err
		}
		return Head{Branch: branch, Commit: commit}, nil
	}

	commit, err := hash.Parse(content)
	if err != nil {
		return Head{}, oxerr.Wrap(oxerr.Corrupt, err, "HEAD contains an invalid hash")
	}
	return Head{Commit: commit}, nil
}

// SetHeadBranch attaches HEAD to a branch.
func (r *Refs) SetHeadBranch(branch string) error {
	return r.writeHead(headRefPrefix + branch)
}

// SetHeadDetached points HEAD at a raw commit.
func (r *Refs) SetHeadDetached(commit hash.Hash) error {
	return r.writeHead(commit.String())
}

func (r *Refs) writeHead(content string) error {
	if err := os.WriteFile(r.repo.HeadPath(), []byte(content+"\n"), 0644); err != nil {
		return oxerr.Wrap(oxerr.Io, err, "could not write HEAD")
	}
	return nil
}

func (r *Refs) branchPath(name string) string {
	return filepath.Join(r.repo.BranchesPath(), name)
}

// HasBranch reports whether a branch ref exists.
func (r *Refs) HasBranch(name string) bool {
	_, err := os.Stat(r.branchPath(name))
	return err == nil
}

// GetBranchCommit reads a branch's commit hash.
func (r *Refs) GetBranchCommit(name string) (hash.Hash, error) {
	data, err := os.ReadFile(r.branchPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return hash.Zero, oxerr.Newf(oxerr.NotFound, "branch %q does not exist", name)
		}
		return hash.Zero, oxerr.Wrapf(oxerr.Io, err, "could not read branch %q", name)
	}
	commit, err := hash.Parse(strings.TrimSpace(string(data)))
	if err != nil {
		return hash.Zero, oxerr.Wrapf(oxerr.Corrupt, err, "branch %q contains an invalid hash", name)
	}
	return commit, nil
}

// CreateBranch creates a new branch pointing at a commit.
func (r *Refs) CreateBranch(name string, commit hash.Hash) error {
	if err := validBranchName(name); err != nil {
		return err
	}
	if r.HasBranch(name) {
		return oxerr.Newf(oxerr.AlreadyExists, "branch %q already exists", name)
	}
	return r.setBranch(name, commit)
}

// SetBranchCommit advances a branch. Refuses to point at a commit that is
// not persisted locally.
func (r *Refs) SetBranchCommit(name string, commit hash.Hash) error {
	if err := validBranchName(name); err != nil {
		return err
	}
	if !r.tree.HasNode(commit) {
		return oxerr.Newf(oxerr.NotFound, "commit %s is not present locally", commit)
	}
	return r.setBranch(name, commit)
}

// CompareAndSwapBranch advances a branch only if it still points at the
// expected prior hash (zero for branch creation). Lost races surface as
// Conflict.
func (r *Refs) CompareAndSwapBranch(name string, expected, next hash.Hash) error {
	if err := validBranchName(name); err != nil {
		return err
	}

	lock, err := r.lockBranch(name)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	current := hash.Zero
	if r.HasBranch(name) {
		current, err = r.GetBranchCommit(name)
		if err != nil {
			return err
		}
	}
	if current != expected {
		return oxerr.Newf(oxerr.Conflict, "branch %q moved: expected %s, found %s", name, expected, current)
	}
	if !r.tree.HasNode(next) {
		return oxerr.Newf(oxerr.NotFound, "commit %s is not present locally", next)
	}
	return r.setBranch(name, next)
}

func (r *Refs) setBranch(name string, commit hash.Hash) error {
	path := r.branchPath(name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return oxerr.Wrap(oxerr.Io, err, "could not create refs dir")
	}
	if err := os.WriteFile(path, []byte(commit.String()+"\n"), 0644); err != nil {
		return oxerr.Wrapf(oxerr.Io, err, "could not write branch %q", name)
	}
	return nil
}

// ListBranches returns branch names sorted alphabetically.
func (r *Refs) ListBranches() ([]string, error) {
	entries, err := os.ReadDir(r.repo.BranchesPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, oxerr.Wrap(oxerr.Io, err, "could not list branches")
	}

	var names []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && !strings.HasSuffix(entry.Name(), ".lock") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// DeleteBranch removes a branch ref. Refuses to delete the checked-out
// branch.
func (r *Refs) DeleteBranch(name string) error {
	head, err := r.GetHead()
	if err != nil {
		return err
	}
	if head.Branch == name {
		return oxerr.Newf(oxerr.InvalidInput, "cannot delete the current branch %q", name)
	}
	if !r.HasBranch(name) {
		return oxerr.Newf(oxerr.NotFound, "branch %q does not exist", name)
	}
	if err := os.Remove(r.branchPath(name)); err != nil {
		return oxerr.Wrapf(oxerr.Io, err, "could not delete branch %q", name)
	}
	return nil
}

// branchLock is a per-branch file lock backing compare-and-swap updates.
type branchLock struct {
	path string
}

func (r *Refs) lockBranch(name string) (*branchLock, error) {
	path := r.branchPath(name) + ".lock"
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, oxerr.Wrap(oxerr.Io, err, "could not create refs dir")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			f.Close()
			return &branchLock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, oxerr.Wrap(oxerr.Io, err, "could not create branch lock")
		}
		if time.Now().After(deadline) {
			return nil, oxerr.Newf(oxerr.Timeout, "branch %q is locked", name)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (l *branchLock) Unlock() {
	os.Remove(l.path)
}

func validBranchName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\ \t\n") || strings.HasPrefix(name, ".") {
		return oxerr.Newf(oxerr.InvalidInput, "invalid branch name %q", name)
	}
	return nil
}
