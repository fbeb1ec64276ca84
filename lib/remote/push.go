package remote

import (
	"context"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/rockenbf/oxen/lib/blob"
	"github.com/rockenbf/oxen/lib/hash"
	"github.com/rockenbf/oxen/lib/index"
	"github.com/rockenbf/oxen/lib/logging"
	"github.com/rockenbf/oxen/lib/oxerr"
	"github.com/rockenbf/oxen/lib/repo"
	"github.com/rockenbf/oxen/lib/tree"
)

// PushStats counts what a push actually transferred, mostly so idempotence
// is observable.
type PushStats struct {
	CommitsPushed  int
	NodesUploaded  uint64
	BlobsUploaded  uint64
	BranchAdvanced bool
}

// Push sends a branch to a remote. Commits upload oldest first; within one
// commit every missing node db and blob is uploaded and acknowledged before
// the remote branch compare-and-swaps forward, so a failure at any point
// leaves the remote consistent and the push safe to retry.
func Push(ctx context.Context, r *repo.LocalRepository, remoteName, branchName string) (*PushStats, error) {
	refs := index.NewRefs(r)
	if branchName == "" {
		head, err := refs.GetHead()
		if err != nil {
			return nil, err
		}
		if head.Detached() {
			return nil, oxerr.New(oxerr.InvalidInput, "cannot push a detached HEAD")
		}
		branchName = head.Branch
	}
	localTip, err := refs.GetBranchCommit(branchName)
	if err != nil {
		return nil, err
	}

	rmt, err := r.GetRemote(remoteName)
	if err != nil {
		return nil, err
	}
	client, err := NewClient(rmt.URL)
	if err != nil {
		return nil, err
	}
	if err := client.CreateRepo(ctx); err != nil {
		return nil, err
	}

	remoteTip, _, err := client.GetBranch(ctx, branchName)
	if err != nil {
		return nil, err
	}
	if remoteTip == localTip {
		logging.Infof("branch %q already up to date", branchName)
		return &PushStats{}, nil
	}

	commits := index.NewCommits(r)

	// Refuse non-fast-forward pushes: advancing per-commit CAS from an
	// unknown remote tip would rewind the branch.
	if !remoteTip.IsZero() {
		ok, err := commits.IsAncestor(remoteTip, localTip)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, oxerr.Newf(oxerr.Conflict,
				"remote branch %q has commits not present locally; pull first", branchName)
		}
	}

	missing, err := commits.MissingFrom(localTip, remoteTip)
	if err != nil {
		return nil, err
	}

	pusher := &pusher{
		repo:      r,
		client:    client,
		tree:      tree.New(r.TreeNodesPath()),
		blobs:     blob.NewStore(r.VersionsPath()),
		seenNodes: xsync.NewMapOf[hash.Hash, bool](),
		seenBlobs: xsync.NewMapOf[hash.Hash, bool](),
	}

	stats := &PushStats{}
	expected := remoteTip
	for _, commit := range missing {
		if err := pusher.pushCommit(ctx, commit); err != nil {
			return stats, oxerr.Wrapf(oxerr.KindOf(err), err, "push of commit %s failed", commit.Hash)
		}
		// Everything for this commit is acknowledged; only now move the
		// branch.
		if err := client.SetBranch(ctx, branchName, expected, commit.Hash); err != nil {
			return stats, err
		}
		expected = commit.Hash
		stats.CommitsPushed++
		stats.BranchAdvanced = true
		index.MarkSynced(r, commit.Hash)
		logging.Infof("pushed commit %s", commit.Hash)
	}

	stats.NodesUploaded = pusher.nodesUploaded.Load()
	stats.BlobsUploaded = pusher.blobsUploaded.Load()
	return stats, nil
}

type pusher struct {
	repo   *repo.LocalRepository
	client *Client
	tree   *tree.Tree
	blobs  *blob.Store

	seenNodes *xsync.MapOf[hash.Hash, bool]
	seenBlobs *xsync.MapOf[hash.Hash, bool]

	nodesUploaded atomic.Uint64
	blobsUploaded atomic.Uint64
}

// pushCommit walks one commit's subtree and uploads every node db and blob
// the remote lacks, bounded by the worker pool.
func (p *pusher) pushCommit(ctx context.Context, commit *tree.CommitNode) error {
	var nodeHashes []hash.Hash
	var vnodeHashes []hash.Hash
	err := p.tree.WalkNodeDBs(commit.Hash, func(h hash.Hash) error {
		nodeHashes = append(nodeHashes, h)
		if node, err := p.tree.ReadNode(h); err == nil {
			if _, ok := node.(*tree.VNode); ok {
				vnodeHashes = append(vnodeHashes, h)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Nodes first so the remote can answer missing_file_hashes from them.
	pool := newWorkerPool(ctx, maxUploadWorkers)
	for _, h := range nodeHashes {
		nodeHash := h
		if _, done := p.seenNodes.Load(nodeHash); done {
			continue
		}
		pool.Go(func(taskCtx context.Context) error {
			return withRetry(taskCtx, "upload node "+nodeHash.String(), func() error {
				has, err := p.client.HasNode(taskCtx, nodeHash)
				if err != nil {
					return err
				}
				if !has {
					if err := p.client.PutNode(taskCtx, nodeHash, p.tree.NodesRoot()); err != nil {
						return err
					}
					p.nodesUploaded.Add(1)
				}
				p.seenNodes.Store(nodeHash, true)
				return nil
			})
		})
	}
	if err := pool.Wait(); err != nil {
		return err
	}

	if err := withRetry(ctx, "upload dir_hashes", func() error {
		return p.client.PutDirHashes(ctx, commit.Hash, p.repo.HistoryPath())
	}); err != nil {
		return err
	}

	// Blobs the remote reports missing under each vnode.
	pool = newWorkerPool(ctx, maxUploadWorkers)
	for _, h := range vnodeHashes {
		vnodeHash := h
		pool.Go(func(taskCtx context.Context) error {
			missing, err := p.client.MissingFileHashes(taskCtx, vnodeHash)
			if err != nil {
				return err
			}
			for _, blobHash := range missing {
				if _, done := p.seenBlobs.Load(blobHash); done {
					continue
				}
				blobHash := blobHash
				if err := withRetry(taskCtx, "upload blob "+blobHash.String(), func() error {
					src, err := p.blobs.Open(blobHash)
					if err != nil {
						return err
					}
					defer src.Close()
					if err := p.client.PutBlob(taskCtx, blobHash, src); err != nil {
						return err
					}
					p.blobsUploaded.Add(1)
					p.seenBlobs.Store(blobHash, true)
					return nil
				}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return pool.Wait()
}
