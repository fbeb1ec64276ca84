package index

import (
	"sort"

	"github.com/rockenbf/oxen/lib/hash"
	"github.com/rockenbf/oxen/lib/oxerr"
	"github.com/rockenbf/oxen/lib/repo"
	"github.com/rockenbf/oxen/lib/tree"
)

// Commits reads commit history out of the local node store. Ancestry
// traversal uses explicit work-lists keyed by hash; history never recurses
// across commits.
type Commits struct {
	tree *tree.Tree
}

func NewCommits(r *repo.LocalRepository) *Commits {
	return &Commits{tree: tree.New(r.TreeNodesPath())}
}

// HeadCommit resolves the HEAD commit node, or NotFound before the first
// commit.
func HeadCommit(r *repo.LocalRepository) (*tree.CommitNode, error) {
	head, err := NewRefs(r).GetHead()
	if err != nil {
		return nil, err
	}
	if head.Commit.IsZero() {
		return nil, oxerr.New(oxerr.NotFound, "no commits yet")
	}
	return NewCommits(r).Get(head.Commit)
}

// Get loads one commit by hash.
func (c *Commits) Get(h hash.Hash) (*tree.CommitNode, error) {
	return c.tree.ReadCommit(h)
}

// Log lists every commit reachable from tip, newest first.
func (c *Commits) Log(tip hash.Hash) ([]*tree.CommitNode, error) {
	seen := make(map[hash.Hash]bool)
	work := []hash.Hash{tip}
	var commits []*tree.CommitNode

	for len(work) > 0 {
		cur := work[0]
		work = work[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true

		commit, err := c.Get(cur)
		if err != nil {
			return nil, err
		}
		commits = append(commits, commit)
		work = append(work, commit.ParentHashes...)
	}

	sort.Slice(commits, func(i, j int) bool {
		if commits[i].Timestamp != commits[j].Timestamp {
			return commits[i].Timestamp > commits[j].Timestamp
		}
		return commits[i].Hash.Compare(commits[j].Hash) > 0
	})
	return commits, nil
}

// ReachableFrom collects the hashes of every commit reachable from tip,
// stopping at commits missing locally (partial clones).
func (c *Commits) ReachableFrom(tip hash.Hash) (map[hash.Hash]bool, error) {
	seen := make(map[hash.Hash]bool)
	work := []hash.Hash{tip}

	for len(work) > 0 {
		cur := work[0]
		work = work[1:]
		if seen[cur] {
			continue
		}
		commit, err := c.Get(cur)
		if err != nil {
			if oxerr.IsKind(err, oxerr.NotFound) {
				continue
			}
			return nil, err
		}
		seen[cur] = true
		work = append(work, commit.ParentHashes...)
	}
	return seen, nil
}

// IsAncestor reports whether ancestor is reachable from descendant.
func (c *Commits) IsAncestor(ancestor, descendant hash.Hash) (bool, error) {
	if ancestor == descendant {
		return true, nil
	}
	reachable, err := c.ReachableFrom(descendant)
	if err != nil {
		return false, err
	}
	return reachable[ancestor], nil
}

// MissingFrom lists the commits reachable from tip but not from exclude
// (zero for none), oldest first: the unit of work for a push.
func (c *Commits) MissingFrom(tip, exclude hash.Hash) ([]*tree.CommitNode, error) {
	excluded := make(map[hash.Hash]bool)
	if !exclude.IsZero() {
		var err error
		excluded, err = c.ReachableFrom(exclude)
		if err != nil {
			return nil, err
		}
	}

	seen := make(map[hash.Hash]bool)
	work := []hash.Hash{tip}
	var missing []*tree.CommitNode
	for len(work) > 0 {
		cur := work[0]
		work = work[1:]
		if seen[cur] || excluded[cur] {
			continue
		}
		seen[cur] = true

		commit, err := c.Get(cur)
		if err != nil {
			return nil, err
		}
		missing = append(missing, commit)
		work = append(work, commit.ParentHashes...)
	}

	sort.Slice(missing, func(i, j int) bool {
		if missing[i].Timestamp != missing[j].Timestamp {
			return missing[i].Timestamp < missing[j].Timestamp
		}
		return missing[i].Hash.Compare(missing[j].Hash) < 0
	})
	return missing, nil
}

// MergeBase finds the lowest common ancestor of two commits: the reachable
// intersection member closest to the tips by timestamp.
func (c *Commits) MergeBase(a, b hash.Hash) (*tree.CommitNode, error) {
	fromA, err := c.ReachableFrom(a)
	if err != nil {
		return nil, err
	}
	fromB, err := c.ReachableFrom(b)
	if err != nil {
		return nil, err
	}

	var base *tree.CommitNode
	for h := range fromA {
		if !fromB[h] {
			continue
		}
		commit, err := c.Get(h)
		if err != nil {
			return nil, err
		}
		if base == nil || commit.Timestamp > base.Timestamp {
			base = commit
		}
	}
	if base == nil {
		return nil, oxerr.Newf(oxerr.NotFound, "no common ancestor between %s and %s", a, b)
	}
	return base, nil
}
