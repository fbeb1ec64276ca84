package tree

import (
	"sort"
	"strings"

	"github.com/rockenbf/oxen/lib/hash"
	"github.com/rockenbf/oxen/lib/oxerr"
)

// Tree reads the merkle DAG out of a sharded node db root.
//
// Every node db holds the parent's own record keyed by its own hash plus one
// record per immediate child, so any node can be loaded knowing only its
// hash. Commits parent the root dir, dirs parent vnodes, vnodes parent dirs,
// files, and schemas, and chunked files parent their chunks.
type Tree struct {
	nodesRoot string
}

func New(nodesRoot string) *Tree {
	return &Tree{nodesRoot: nodesRoot}
}

func (t *Tree) NodesRoot() string {
	return t.nodesRoot
}

// HasNode reports whether a complete node db exists for the hash.
func (t *Tree) HasNode(h hash.Hash) bool {
	return NodeDBExists(t.nodesRoot, h)
}

// ReadNode loads a node's own record from its node db.
func (t *Tree) ReadNode(h hash.Hash) (Node, error) {
	db, err := OpenNodeDBReader(t.nodesRoot, h)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return db.Get(h)
}

// ReadCommit loads a commit node by hash.
func (t *Tree) ReadCommit(h hash.Hash) (*CommitNode, error) {
	node, err := t.ReadNode(h)
	if err != nil {
		return nil, err
	}
	commit, ok := node.(*CommitNode)
	if !ok {
		return nil, oxerr.Newf(oxerr.Corrupt, "node %s is not a commit", h)
	}
	return commit, nil
}

// ReadDir loads a dir node by hash.
func (t *Tree) ReadDir(h hash.Hash) (*DirNode, error) {
	node, err := t.ReadNode(h)
	if err != nil {
		return nil, err
	}
	dir, ok := node.(*DirNode)
	if !ok {
		return nil, oxerr.Newf(oxerr.Corrupt, "node %s is not a dir", h)
	}
	return dir, nil
}

// Children lists a parent's child records, excluding the parent's own.
func (t *Tree) Children(parent hash.Hash) ([]Node, error) {
	db, err := OpenNodeDBReader(t.nodesRoot, parent)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	all, err := db.List()
	if err != nil {
		return nil, err
	}
	children := make([]Node, 0, len(all))
	for _, node := range all {
		if node.MerkleHash() == parent {
			continue
		}
		children = append(children, node)
	}
	return children, nil
}

// DirVNodes lists the vnodes of a directory.
func (t *Tree) DirVNodes(dirHash hash.Hash) ([]*VNode, error) {
	children, err := t.Children(dirHash)
	if err != nil {
		return nil, err
	}
	vnodes := make([]*VNode, 0, len(children))
	for _, child := range children {
		vnode, ok := child.(*VNode)
		if !ok {
			return nil, oxerr.Newf(oxerr.Corrupt, "dir %s has non-vnode child %s", dirHash, child.MerkleHash())
		}
		vnodes = append(vnodes, vnode)
	}
	return vnodes, nil
}

// ListDir flattens a directory's vnode children, ordered by name.
func (t *Tree) ListDir(dirHash hash.Hash) ([]Node, error) {
	vnodes, err := t.DirVNodes(dirHash)
	if err != nil {
		return nil, err
	}

	var entries []Node
	for _, vnode := range vnodes {
		children, err := t.Children(vnode.Hash)
		if err != nil {
			return nil, err
		}
		entries = append(entries, children...)
	}

	sort.Slice(entries, func(i, j int) bool {
		return NodeName(entries[i]) < NodeName(entries[j])
	})
	return entries, nil
}

// childByName scans a directory's vnodes for the child with the given name.
// The cold path enumerates every bucket; when the child's hash is already
// known the caller can skip straight to its vnode.
func (t *Tree) childByName(dirHash hash.Hash, name string) (Node, error) {
	vnodes, err := t.DirVNodes(dirHash)
	if err != nil {
		return nil, err
	}
	for _, vnode := range vnodes {
		children, err := t.Children(vnode.Hash)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if NodeName(child) == name {
				return child, nil
			}
		}
	}
	return nil, oxerr.Newf(oxerr.NotFound, "no entry named %q", name)
}

// DirHashResolver maps a directory path to its dir node hash, typically
// backed by the per-commit dir_hashes index. Returning false falls back to
// walking from the root.
type DirHashResolver func(dirPath string) (hash.Hash, bool)

// Resolve finds the node for (commit, path). The empty path resolves to the
// root dir. A dir_hashes resolver short-circuits the walk to the parent dir.
func (t *Tree) Resolve(commitHash hash.Hash, path string, dirHashes DirHashResolver) (Node, error) {
	commit, err := t.ReadCommit(commitHash)
	if err != nil {
		return nil, err
	}

	path = strings.Trim(path, "/")
	if path == "" {
		return t.ReadNode(commit.RootDirHash)
	}

	// Hot path: the parent dir's hash comes straight out of the index.
	parentPath, name := splitPath(path)
	if dirHashes != nil {
		if dirHash, ok := dirHashes(path); ok {
			return t.ReadNode(dirHash)
		}
		if parentHash, ok := dirHashes(parentPath); ok {
			return t.childByName(parentHash, name)
		}
	}

	// Cold path: walk component by component from the root.
	current := commit.RootDirHash
	components := strings.Split(path, "/")
	for i, component := range components {
		child, err := t.childByName(current, component)
		if err != nil {
			return nil, err
		}
		if i == len(components)-1 {
			return child, nil
		}
		dir, ok := child.(*DirNode)
		if !ok {
			return nil, oxerr.Newf(oxerr.NotFound, "%q is not a directory", strings.Join(components[:i+1], "/"))
		}
		current = dir.Hash
	}
	return nil, oxerr.Newf(oxerr.NotFound, "no entry at %q", path)
}

func splitPath(path string) (parent, name string) {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return "", path
	}
	return path[:idx], path[idx+1:]
}

// FileEntry is a file node together with its repo-relative path.
type FileEntry struct {
	Path string
	Node *FileNode
}

// DirEntry is a dir node together with its repo-relative path.
type DirEntry struct {
	Path string
	Node *DirNode
}

// ListFilesAndDirs walks the whole subtree under a dir hash and returns
// every file and dir with their paths.
func (t *Tree) ListFilesAndDirs(dirHash hash.Hash, dirPath string) ([]FileEntry, []DirEntry, error) {
	var files []FileEntry
	var dirs []DirEntry

	type frame struct {
		hash hash.Hash
		path string
	}
	work := []frame{{hash: dirHash, path: dirPath}}

	for len(work) > 0 {
		cur := work[len(work)-1]
		work = work[:len(work)-1]

		entries, err := t.ListDir(cur.hash)
		if err != nil {
			return nil, nil, err
		}
		for _, entry := range entries {
			childPath := joinPath(cur.path, NodeName(entry))
			switch node := entry.(type) {
			case *DirNode:
				dirs = append(dirs, DirEntry{Path: childPath, Node: node})
				work = append(work, frame{hash: node.Hash, path: childPath})
			case *FileNode:
				files = append(files, FileEntry{Path: childPath, Node: node})
			}
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Path < dirs[j].Path })
	return files, dirs, nil
}

func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

// WalkNodeDBs visits the hash of every node db reachable from start, in
// topological order from the root down: commit, dirs, vnodes, chunked files.
func (t *Tree) WalkNodeDBs(start hash.Hash, fn func(h hash.Hash) error) error {
	seen := make(map[hash.Hash]bool)
	work := []hash.Hash{start}

	for len(work) > 0 {
		cur := work[0]
		work = work[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true

		if !t.HasNode(cur) {
			// Files without chunk dbs and schema leaves have no db of
			// their own.
			continue
		}
		if err := fn(cur); err != nil {
			return err
		}

		children, err := t.Children(cur)
		if err != nil {
			return err
		}
		for _, child := range children {
			switch node := child.(type) {
			case *DirNode:
				work = append(work, node.Hash)
			case *VNode:
				work = append(work, node.Hash)
			case *FileNode:
				if node.ChunkType == ChunkTypeChunked {
					work = append(work, node.Hash)
				}
			}
		}
	}
	return nil
}

// FileHashesUnderVNode lists the content hashes of the file children of one
// vnode, the unit the sync protocol reconciles blobs over.
func (t *Tree) FileHashesUnderVNode(vnodeHash hash.Hash) ([]hash.Hash, error) {
	children, err := t.Children(vnodeHash)
	if err != nil {
		return nil, err
	}
	var hashes []hash.Hash
	for _, child := range children {
		if file, ok := child.(*FileNode); ok {
			hashes = append(hashes, file.Hash)
		}
	}
	return hashes, nil
}
