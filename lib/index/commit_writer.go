package index

import (
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rockenbf/oxen/lib/blob"
	"github.com/rockenbf/oxen/lib/config"
	"github.com/rockenbf/oxen/lib/hash"
	"github.com/rockenbf/oxen/lib/logging"
	"github.com/rockenbf/oxen/lib/oxerr"
	"github.com/rockenbf/oxen/lib/repo"
	"github.com/rockenbf/oxen/lib/tree"
)

// vnodeTargetChildren is the bucket size the vnode count is derived from:
// N = max(1, 2^ceil(log2(children/10000))). Keeps any one node db around
// 10k entries while the vnode count stays logarithmic in dir size.
const vnodeTargetChildren = 10_000

// CommitOptions carries the author identity and timestamp for a commit.
// A zero Timestamp is filled from the wall clock; Author and Email are used
// as given (Commit and CommitMerge fill them from the user config).
type CommitOptions struct {
	Message   string
	Author    string
	Email     string
	Timestamp time.Time
	// ExtraParents adds parents beyond HEAD; merge commits carry the
	// merged tip here.
	ExtraParents []hash.Hash
}

// Commit runs the commit pipeline with identity from the user config.
func Commit(r *repo.LocalRepository, message string) (*tree.CommitNode, error) {
	cfg, err := config.GetUserConfig()
	if err != nil {
		return nil, err
	}
	return CommitWithOptions(r, CommitOptions{
		Message: message,
		Author:  cfg.Name,
		Email:   cfg.Email,
	})
}

// CommitMerge commits the staging area as a merge commit with an extra
// parent.
func CommitMerge(r *repo.LocalRepository, message string, extraParent hash.Hash) (*tree.CommitNode, error) {
	cfg, err := config.GetUserConfig()
	if err != nil {
		return nil, err
	}
	return CommitWithOptions(r, CommitOptions{
		Message:      message,
		Author:       cfg.Name,
		Email:        cfg.Email,
		ExtraParents: []hash.Hash{extraParent},
	})
}

// CommitWithOptions builds a new merkle subtree from the staging area,
// links it to the current HEAD, and advances the branch ref. Any failure
// before the ref advance leaves refs unchanged; the partial subtree is an
// orphan that later commits may reuse by content.
func CommitWithOptions(r *repo.LocalRepository, opts CommitOptions) (*tree.CommitNode, error) {
	lock, err := repo.LockRepo(r, 10*time.Second)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	stager, err := NewStager(r)
	if err != nil {
		return nil, err
	}
	defer stager.Close()

	empty, err := stager.IsEmpty()
	if err != nil {
		return nil, err
	}
	if empty {
		return nil, oxerr.New(oxerr.Staging, "nothing staged to commit")
	}
	staged, err := stager.List()
	if err != nil {
		return nil, err
	}

	if opts.Timestamp.IsZero() {
		opts.Timestamp = time.Now().UTC()
	}

	refs := NewRefs(r)
	head, err := refs.GetHead()
	if err != nil {
		return nil, err
	}

	builder := newCommitBuilder(r, opts)
	if err := builder.loadHeadFiles(head.Commit); err != nil {
		return nil, err
	}
	builder.applyStaged(staged)

	commit, err := builder.build(head.Commit)
	if err != nil {
		return nil, err
	}

	if err := builder.write(commit); err != nil {
		return nil, err
	}

	// The subtree is durable; advancing the ref publishes it.
	if head.Detached() && !head.Commit.IsZero() {
		if err := refs.SetHeadDetached(commit.Hash); err != nil {
			return nil, err
		}
	} else {
		branch := head.Branch
		if branch == "" {
			branch = repo.DefaultBranch
		}
		if !refs.HasBranch(branch) {
			if err := refs.CreateBranch(branch, commit.Hash); err != nil {
				return nil, err
			}
		} else if err := refs.SetBranchCommit(branch, commit.Hash); err != nil {
			return nil, err
		}
	}

	if err := stager.Clear(); err != nil {
		return nil, err
	}

	logging.Infof("committed %s %q", commit.Hash, opts.Message)
	return commit, nil
}

// fileEntry is one file in the tree being built.
type fileEntry struct {
	path    string
	node    *tree.FileNode
	changed bool
}

// dirBuild is one directory's computed state.
type dirBuild struct {
	path    string
	node    *tree.DirNode
	vnodes  []vnodeBuild
	changed bool
}

type vnodeBuild struct {
	hash     hash.Hash
	children []childRef
}

// childRef is a direct child of a dir: either a subdir or a file.
type childRef struct {
	name string
	// contribution is the hash the child feeds into its vnode's hash:
	// a dir's hash, or a file's combined hash so metadata edits reparent.
	contribution hash.Hash
	// bucket is the hash the child buckets by (invariant: child.hash mod N).
	bucket hash.Hash
	dir    *tree.DirNode
	file   *tree.FileNode
}

type commitBuilder struct {
	repo  *repo.LocalRepository
	tree  *tree.Tree
	blobs *blob.Store
	opts  CommitOptions

	files map[string]*fileEntry
	dirs  map[string]*dirBuild
}

func newCommitBuilder(r *repo.LocalRepository, opts CommitOptions) *commitBuilder {
	return &commitBuilder{
		repo:  r,
		tree:  tree.New(r.TreeNodesPath()),
		blobs: blob.NewStore(r.VersionsPath()),
		opts:  opts,
		files: make(map[string]*fileEntry),
		dirs:  make(map[string]*dirBuild),
	}
}

// loadHeadFiles copies the HEAD tree's files so unmodified entries carry
// over by reference, never rehash.
func (b *commitBuilder) loadHeadFiles(headCommit hash.Hash) error {
	if headCommit.IsZero() {
		return nil
	}
	commit, err := b.tree.ReadCommit(headCommit)
	if err != nil {
		return err
	}
	files, _, err := b.tree.ListFilesAndDirs(commit.RootDirHash, "")
	if err != nil {
		return err
	}
	for _, f := range files {
		node := *f.Node
		b.files[f.Path] = &fileEntry{path: f.Path, node: &node}
	}
	return nil
}

// applyStaged merges the staged entries over the HEAD files.
func (b *commitBuilder) applyStaged(staged []StagedEntryWithPath) {
	for _, s := range staged {
		if s.Entry.Status == StatusRemoved {
			delete(b.files, s.Path)
			continue
		}
		entry := s.Entry
		b.files[s.Path] = &fileEntry{
			path:    s.Path,
			changed: true,
			node: &tree.FileNode{
				Hash:           entry.Hash,
				Name:           lastComponent(s.Path),
				CombinedHash:   hash.Combined(entry.Hash, entry.MetadataHash),
				MetadataHash:   entry.MetadataHash,
				Metadata:       entry.Metadata,
				NumBytes:       entry.NumBytes,
				ChunkType:      tree.ChunkTypeSingleFile,
				Storage:        tree.StorageTypeDisk,
				LastModifiedS:  entry.LastModifiedS,
				LastModifiedNs: entry.LastModifiedNs,
				ChunkHashes:    []hash.Hash{entry.Hash},
				DataType:       entry.DataType,
				MimeType:       entry.MimeType,
				Extension:      entry.Extension,
			},
		}
	}
}

// build computes every dir and vnode hash bottom-up, then the commit node.
func (b *commitBuilder) build(headCommit hash.Hash) (*tree.CommitNode, error) {
	if len(b.files) == 0 {
		return nil, oxerr.New(oxerr.Staging, "commit would produce an empty tree")
	}

	// Every ancestor dir of every file exists, up to the root "".
	dirSet := map[string]bool{"": true}
	for path := range b.files {
		for dir := parentDir(path); dir != ""; dir = parentDir(dir) {
			dirSet[dir] = true
		}
	}

	// Deepest dirs first so children are computed before parents.
	dirPaths := make([]string, 0, len(dirSet))
	for dir := range dirSet {
		dirPaths = append(dirPaths, dir)
	}
	sort.Slice(dirPaths, func(i, j int) bool {
		di, dj := pathDepth(dirPaths[i]), pathDepth(dirPaths[j])
		if di != dj {
			return di > dj
		}
		return dirPaths[i] < dirPaths[j]
	})

	for _, dirPath := range dirPaths {
		if err := b.buildDir(dirPath, dirSet); err != nil {
			return nil, err
		}
	}

	root := b.dirs[""]
	parents := append(parentHashes(headCommit), b.opts.ExtraParents...)
	commitHash := computeCommitHash(parents, root.node.Hash, b.opts)

	// last_commit_hash is metadata, outside every content hash, so it can
	// be stamped after the commit hash exists.
	for _, f := range b.files {
		if f.changed {
			f.node.LastCommitHash = commitHash
		}
	}
	for _, d := range b.dirs {
		if d.changed {
			d.node.LastCommitHash = commitHash
			d.node.LastModifiedS = b.opts.Timestamp.Unix()
			d.node.LastModifiedNs = int64(b.opts.Timestamp.Nanosecond())
		}
	}

	return &tree.CommitNode{
		Hash:         commitHash,
		ParentHashes: parents,
		Message:      b.opts.Message,
		Author:       b.opts.Author,
		Email:        b.opts.Email,
		Timestamp:    b.opts.Timestamp.Unix(),
		RootDirHash:  root.node.Hash,
	}, nil
}

func parentHashes(headCommit hash.Hash) []hash.Hash {
	if headCommit.IsZero() {
		return nil
	}
	return []hash.Hash{headCommit}
}

// buildDir computes one dir's hash, aggregates, and vnode layout from its
// direct children. Subdirs are already built.
func (b *commitBuilder) buildDir(dirPath string, dirSet map[string]bool) error {
	var children []childRef

	for path, f := range b.files {
		if parentDir(path) == dirPath {
			children = append(children, childRef{
				name:         f.node.Name,
				contribution: f.node.CombinedHash,
				bucket:       f.node.Hash,
				file:         f.node,
			})
		}
	}
	for path := range dirSet {
		if path != "" && parentDir(path) == dirPath {
			sub := b.dirs[path]
			children = append(children, childRef{
				name:         sub.node.Name,
				contribution: sub.node.Hash,
				bucket:       sub.node.Hash,
				dir:          sub.node,
			})
		}
	}

	// The dir hash covers the content of every descendant file, keyed by
	// path relative to this dir so identical subtrees dedup.
	descendants := b.descendantFiles(dirPath)
	dirHasher := hash.NewHasher()
	var numBytes uint64
	var lastModS, lastModNs int64
	typeCounts := make(map[string]uint64)
	typeSizes := make(map[string]uint64)
	for _, f := range descendants {
		rel := relUnder(dirPath, f.path)
		dirHasher.WriteString(rel)
		dirHasher.WriteHash(f.node.CombinedHash)
		numBytes += f.node.NumBytes
		typeCounts[f.node.DataType]++
		typeSizes[f.node.DataType] += f.node.NumBytes
		if f.node.LastModifiedS > lastModS ||
			(f.node.LastModifiedS == lastModS && f.node.LastModifiedNs > lastModNs) {
			lastModS, lastModNs = f.node.LastModifiedS, f.node.LastModifiedNs
		}
	}
	dirHash := dirHasher.Sum()

	// Unchanged subtrees keep their old node, aggregates included. The
	// name is per-location, not part of the content hash, so an identical
	// subtree reused under a different name gets this dir's name.
	if b.tree.HasNode(dirHash) {
		if existing, err := b.tree.ReadDir(dirHash); err == nil {
			reused := *existing
			reused.Name = lastComponent(dirPath)
			b.dirs[dirPath] = &dirBuild{
				path:    dirPath,
				node:    &reused,
				vnodes:  bucketChildren(dirPath, children),
				changed: false,
			}
			return nil
		}
	}

	node := &tree.DirNode{
		Hash:           dirHash,
		Name:           lastComponent(dirPath),
		NumBytes:       numBytes,
		LastModifiedS:  lastModS,
		LastModifiedNs: lastModNs,
		DataTypeCounts: typeCounts,
		DataTypeSizes:  typeSizes,
	}

	b.dirs[dirPath] = &dirBuild{
		path:    dirPath,
		node:    node,
		vnodes:  bucketChildren(dirPath, children),
		changed: true,
	}
	return nil
}

// descendantFiles lists every file under a dir, sorted by path.
func (b *commitBuilder) descendantFiles(dirPath string) []*fileEntry {
	var result []*fileEntry
	prefix := dirPath
	if prefix != "" {
		prefix += "/"
	}
	for path, f := range b.files {
		if strings.HasPrefix(path, prefix) {
			result = append(result, f)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].path < result[j].path })
	return result
}

// NumVNodes computes the vnode count for a child count:
// max(1, 2^ceil(log2(children/10000))). Exactly 10000 children fit one
// vnode; 10001 spill to two.
func NumVNodes(children int) uint64 {
	if children <= vnodeTargetChildren {
		return 1
	}
	n := uint64(1)
	// ceil(children / 10000) rounded up to a power of two
	need := uint64((children + vnodeTargetChildren - 1) / vnodeTargetChildren)
	for n < need {
		n <<= 1
	}
	return n
}

// bucketChildren places each child in bucket (child.hash mod N), sorts each
// bucket by path, and hashes each vnode over the parent dir path and the
// sorted child contributions.
func bucketChildren(dirPath string, children []childRef) []vnodeBuild {
	n := NumVNodes(len(children))
	buckets := make([][]childRef, n)
	for _, child := range children {
		idx := child.bucket.Mod(n)
		buckets[idx] = append(buckets[idx], child)
	}

	vnodes := make([]vnodeBuild, 0, n)
	for _, bucket := range buckets {
		if len(bucket) == 0 {
			continue
		}
		sort.Slice(bucket, func(i, j int) bool { return bucket[i].name < bucket[j].name })
		hasher := hash.NewHasher()
		hasher.WriteString(dirPath)
		for _, child := range bucket {
			hasher.WriteHash(child.contribution)
		}
		vnodes = append(vnodes, vnodeBuild{hash: hasher.Sum(), children: bucket})
	}
	return vnodes
}

// computeCommitHash hashes the sorted parents, root dir hash, and commit
// metadata.
func computeCommitHash(parents []hash.Hash, rootDir hash.Hash, opts CommitOptions) hash.Hash {
	sorted := make([]hash.Hash, len(parents))
	copy(sorted, parents)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Compare(sorted[j]) < 0 })

	hasher := hash.NewHasher()
	for _, parent := range sorted {
		hasher.WriteHash(parent)
	}
	hasher.WriteHash(rootDir)
	hasher.WriteString(opts.Message)
	hasher.WriteString(opts.Author)
	hasher.WriteString(opts.Email)
	var ts [8]byte
	putInt64LE(ts[:], opts.Timestamp.Unix())
	hasher.Write(ts[:])
	return hasher.Sum()
}

func putInt64LE(buf []byte, v int64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}

// write persists the subtree: vnode dbs, then dir dbs, then the commit db,
// blobs, and the dir_hashes index. Node dbs that already exist are reused
// untouched.
func (b *commitBuilder) write(commit *tree.CommitNode) error {
	nodesRoot := b.repo.TreeNodesPath()

	// Deepest dirs first keeps writes topologically ordered, leaves before
	// parents.
	dirPaths := make([]string, 0, len(b.dirs))
	for path := range b.dirs {
		dirPaths = append(dirPaths, path)
	}
	sort.Slice(dirPaths, func(i, j int) bool {
		di, dj := pathDepth(dirPaths[i]), pathDepth(dirPaths[j])
		if di != dj {
			return di > dj
		}
		return dirPaths[i] < dirPaths[j]
	})

	for _, dirPath := range dirPaths {
		d := b.dirs[dirPath]

		for _, vnode := range d.vnodes {
			if tree.NodeDBExists(nodesRoot, vnode.hash) {
				continue
			}
			db, err := tree.OpenNodeDBWriter(nodesRoot, vnode.hash)
			if err != nil {
				return err
			}
			if err := db.AddChild(&tree.VNode{Hash: vnode.hash}); err != nil {
				db.Abort()
				return err
			}
			for _, child := range vnode.children {
				var node tree.Node
				if child.dir != nil {
					node = child.dir
				} else {
					node = child.file
				}
				if err := db.AddChild(node); err != nil {
					db.Abort()
					return err
				}
			}
			if err := db.Close(); err != nil {
				return err
			}
		}

		if tree.NodeDBExists(nodesRoot, d.node.Hash) {
			continue
		}
		db, err := tree.OpenNodeDBWriter(nodesRoot, d.node.Hash)
		if err != nil {
			return err
		}
		if err := db.AddChild(d.node); err != nil {
			db.Abort()
			return err
		}
		for _, vnode := range d.vnodes {
			if err := db.AddChild(&tree.VNode{Hash: vnode.hash}); err != nil {
				db.Abort()
				return err
			}
		}
		if err := db.Close(); err != nil {
			return err
		}
	}

	// Commit node db: the commit's own record plus its sole child, the
	// root dir.
	commitDB, err := tree.OpenNodeDBWriter(nodesRoot, commit.Hash)
	if err != nil {
		return err
	}
	if err := commitDB.AddChild(commit); err != nil {
		commitDB.Abort()
		return err
	}
	if err := commitDB.AddChild(b.dirs[""].node); err != nil {
		commitDB.Abort()
		return err
	}
	if err := commitDB.Close(); err != nil {
		return err
	}

	// File payloads into the content-addressed blob store.
	for _, f := range b.files {
		if !f.changed {
			continue
		}
		src := filepath.Join(b.repo.Path, filepath.FromSlash(f.path))
		if err := b.blobs.PutFile(f.node.Hash, src); err != nil {
			return err
		}
	}

	// The dir_hashes index for the new commit.
	dirHashes, err := OpenDirHashesWriter(b.repo, commit.Hash)
	if err != nil {
		return err
	}
	defer dirHashes.Close()
	for path, d := range b.dirs {
		if err := dirHashes.Put(path, d.node.Hash); err != nil {
			return err
		}
	}

	return nil
}

func parentDir(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

func lastComponent(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}

func pathDepth(path string) int {
	if path == "" {
		return 0
	}
	return strings.Count(path, "/") + 1
}

func relUnder(dirPath, path string) string {
	if dirPath == "" {
		return path
	}
	return strings.TrimPrefix(path, dirPath+"/")
}
