package remote

import (
	"context"
	"sync/atomic"

	"github.com/rockenbf/oxen/lib/blob"
	"github.com/rockenbf/oxen/lib/hash"
	"github.com/rockenbf/oxen/lib/index"
	"github.com/rockenbf/oxen/lib/logging"
	"github.com/rockenbf/oxen/lib/oxerr"
	"github.com/rockenbf/oxen/lib/repo"
	"github.com/rockenbf/oxen/lib/tree"
)

// PullStats counts what a pull or fetch transferred.
type PullStats struct {
	CommitsFetched  int
	NodesDownloaded uint64
	BlobsDownloaded uint64
	UpToDate        bool
}

// Fetch downloads a remote branch's commits and node dbs without touching
// the working tree. Blobs come down too when materialize is set (pull).
func Fetch(ctx context.Context, r *repo.LocalRepository, remoteName, branchName string, materialize bool) (*PullStats, error) {
	rmt, err := r.GetRemote(remoteName)
	if err != nil {
		return nil, err
	}
	client, err := NewClient(rmt.URL)
	if err != nil {
		return nil, err
	}

	remoteTip, ok, err := client.GetBranch(ctx, branchName)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, oxerr.Newf(oxerr.NotFound, "remote has no branch %q", branchName)
	}

	refs := index.NewRefs(r)
	localTip := hash.Zero
	if refs.HasBranch(branchName) {
		localTip, err = refs.GetBranchCommit(branchName)
		if err != nil {
			return nil, err
		}
	}
	if localTip == remoteTip {
		return &PullStats{UpToDate: true}, nil
	}

	t := tree.New(r.TreeNodesPath())
	commits := index.NewCommits(r)

	// Remote already behind us: nothing to download.
	if !localTip.IsZero() && t.HasNode(remoteTip) {
		if ok, err := commits.IsAncestor(remoteTip, localTip); err == nil && ok {
			logging.Infof("branch %q is ahead of the remote", branchName)
			return &PullStats{UpToDate: true}, nil
		}
	}

	puller := &puller{
		repo:   r,
		client: client,
		tree:   t,
		blobs:  blob.NewStore(r.VersionsPath()),
	}

	// Walk the remote history backward from the tip until ancestors are
	// present locally, then sync those commits oldest first.
	missing, err := puller.missingCommits(ctx, remoteTip)
	if err != nil {
		return nil, err
	}

	stats := &PullStats{}
	for i := len(missing) - 1; i >= 0; i-- {
		commit := missing[i]
		if err := puller.syncCommit(ctx, commit, materialize); err != nil {
			return stats, err
		}
		stats.CommitsFetched++
		index.MarkSynced(r, commit.Hash)
		logging.Infof("fetched commit %s", commit.Hash)
	}

	// Only fast-forward the local branch; a diverged local head must merge.
	if !localTip.IsZero() {
		ok, err := commits.IsAncestor(localTip, remoteTip)
		if err != nil {
			return stats, err
		}
		if !ok {
			return stats, oxerr.Newf(oxerr.Conflict,
				"local branch %q has diverged from the remote; merge required", branchName)
		}
	}

	// Every required node is local; publish the new head.
	if refs.HasBranch(branchName) {
		if err := refs.SetBranchCommit(branchName, remoteTip); err != nil {
			return stats, err
		}
	} else if err := refs.CreateBranch(branchName, remoteTip); err != nil {
		return stats, err
	}

	stats.NodesDownloaded = puller.nodesDownloaded.Load()
	stats.BlobsDownloaded = puller.blobsDownloaded.Load()
	return stats, nil
}

// Pull fetches a branch, advances it, and restores the working tree when
// the branch is checked out.
func Pull(ctx context.Context, r *repo.LocalRepository, remoteName, branchName string) (*PullStats, error) {
	stats, err := Fetch(ctx, r, remoteName, branchName, true)
	if err != nil {
		return stats, err
	}
	if stats.UpToDate {
		return stats, nil
	}

	refs := index.NewRefs(r)
	head, err := refs.GetHead()
	if err != nil {
		return stats, err
	}
	if head.Branch == branchName {
		tip, err := refs.GetBranchCommit(branchName)
		if err != nil {
			return stats, err
		}
		if err := index.RestoreWorkingTree(r, tip); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

type puller struct {
	repo   *repo.LocalRepository
	client *Client
	tree   *tree.Tree
	blobs  *blob.Store

	nodesDownloaded atomic.Uint64
	blobsDownloaded atomic.Uint64
}

// missingCommits walks backward from the remote tip, downloading commit
// node dbs until it reaches commits already present and marked synced,
// newest first.
func (p *puller) missingCommits(ctx context.Context, tip hash.Hash) ([]*tree.CommitNode, error) {
	var missing []*tree.CommitNode
	seen := make(map[hash.Hash]bool)
	work := []hash.Hash{tip}

	for len(work) > 0 {
		cur := work[0]
		work = work[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true

		alreadySynced := p.tree.HasNode(cur) && index.IsSynced(p.repo, cur)
		if !p.tree.HasNode(cur) {
			if err := withRetry(ctx, "download commit "+cur.String(), func() error {
				return p.client.GetNode(ctx, cur, p.tree.NodesRoot())
			}); err != nil {
				return nil, err
			}
			p.nodesDownloaded.Add(1)
		}

		commit, err := p.tree.ReadCommit(cur)
		if err != nil {
			return nil, err
		}
		if !alreadySynced {
			missing = append(missing, commit)
			work = append(work, commit.ParentHashes...)
		}
	}
	return missing, nil
}

// syncCommit downloads the node dbs of one commit top-down, its dir_hashes
// store, and optionally every blob its tree references.
func (p *puller) syncCommit(ctx context.Context, commit *tree.CommitNode, materialize bool) error {
	// Node dbs, commit -> dir -> vnode, fetched on demand as the local
	// walk discovers missing ones.
	work := []hash.Hash{commit.RootDirHash}
	seen := map[hash.Hash]bool{}
	for len(work) > 0 {
		cur := work[0]
		work = work[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true

		if !p.tree.HasNode(cur) {
			if err := withRetry(ctx, "download node "+cur.String(), func() error {
				return p.client.GetNode(ctx, cur, p.tree.NodesRoot())
			}); err != nil {
				if oxerr.IsKind(err, oxerr.NotFound) {
					// Files without chunk dbs have no node db.
					continue
				}
				return err
			}
			p.nodesDownloaded.Add(1)
		}

		children, err := p.tree.Children(cur)
		if err != nil {
			return err
		}
		for _, child := range children {
			switch node := child.(type) {
			case *tree.DirNode:
				work = append(work, node.Hash)
			case *tree.VNode:
				work = append(work, node.Hash)
			case *tree.FileNode:
				if node.ChunkType == tree.ChunkTypeChunked {
					work = append(work, node.Hash)
				}
			}
		}
	}

	if err := withRetry(ctx, "download dir_hashes", func() error {
		return p.client.GetDirHashes(ctx, commit.Hash, p.repo.HistoryPath())
	}); err != nil && !oxerr.IsKind(err, oxerr.NotFound) {
		return err
	}

	if !materialize {
		return nil
	}

	// Blobs for every file in the commit's tree, bounded by the pool.
	files, _, err := p.tree.ListFilesAndDirs(commit.RootDirHash, "")
	if err != nil {
		return err
	}
	pool := newWorkerPool(ctx, maxUploadWorkers)
	for _, f := range files {
		node := f.Node
		if p.blobs.Has(node.Hash) {
			continue
		}
		pool.Go(func(taskCtx context.Context) error {
			return withRetry(taskCtx, "download blob "+node.Hash.String(), func() error {
				src, err := p.client.GetBlob(taskCtx, node.Hash)
				if err != nil {
					return err
				}
				defer src.Close()
				if err := p.blobs.Put(node.Hash, src); err != nil {
					return err
				}
				p.blobsDownloaded.Add(1)
				return nil
			})
		})
	}
	return pool.Wait()
}
