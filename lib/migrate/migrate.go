package migrate

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/deroproject/graviton"
	jsoniter "github.com/json-iterator/go"

	"github.com/rockenbf/oxen/lib/blob"
	"github.com/rockenbf/oxen/lib/hash"
	"github.com/rockenbf/oxen/lib/index"
	"github.com/rockenbf/oxen/lib/logging"
	"github.com/rockenbf/oxen/lib/oxerr"
	"github.com/rockenbf/oxen/lib/repo"
	"github.com/rockenbf/oxen/lib/tabular"
	"github.com/rockenbf/oxen/lib/tree"
)

// The legacy layout kept dirs, files, and vnodes in flat kv trees of one
// graviton store under .oxen/objects, with a dir_hashes tree mapping
// (commit, path) to dir hashes. Migration rewrites each commit into the
// sharded node db layout: children flattened out of the legacy vnodes,
// rebucketed with the current algorithm, new vnode hashes, file nodes
// enriched with sniffed types and chunk leaves. Legacy commit and dir
// hashes are preserved so refs stay valid. Not reversible.

const (
	legacyObjectsDir = "objects"

	legacyCommitsTree   = "commits"
	legacyDirsTree      = "dirs"
	legacyVNodesTree    = "vnodes"
	legacyFilesTree     = "files"
	legacyDirHashesTree = "dir_hashes"

	// migrationChunkSize matches the chunking the legacy pack path used.
	migrationChunkSize = 16 * 1024
)

// legacyCommit is the json value stored in the legacy commits tree.
type legacyCommit struct {
	ID        string   `json:"id"`
	ParentIDs []string `json:"parent_ids"`
	Message   string   `json:"message"`
	Author    string   `json:"author"`
	Email     string   `json:"email"`
	Timestamp int64    `json:"timestamp"`
}

// legacyChild is one entry in a legacy dir or vnode object.
type legacyChild struct {
	Type string `json:"type"`
	Path string `json:"path"`
	Hash string `json:"hash"`
}

type legacyObject struct {
	Children []legacyChild `json:"children"`
}

// legacyFile is the json value stored in the legacy files tree.
type legacyFile struct {
	NumBytes       uint64 `json:"num_bytes"`
	LastModifiedS  int64  `json:"last_modified_seconds"`
	LastModifiedNs int64  `json:"last_modified_nanoseconds"`
}

// legacyStore reads the flat object databases.
type legacyStore struct {
	snapshot *graviton.Snapshot
}

func openLegacyStore(r *repo.LocalRepository) (*legacyStore, error) {
	path := filepath.Join(r.HiddenPath(), legacyObjectsDir)
	store, err := graviton.NewDiskStore(path)
	if err != nil {
		return nil, oxerr.Wrap(oxerr.Io, err, "could not open legacy object store")
	}
	snapshot, err := store.LoadSnapshot(0)
	if err != nil {
		return nil, oxerr.Wrap(oxerr.Corrupt, err, "could not load legacy snapshot")
	}
	return &legacyStore{snapshot: snapshot}, nil
}

func (l *legacyStore) get(treeName, key string, out interface{}) error {
	t, err := l.snapshot.GetTree(treeName)
	if err != nil {
		return oxerr.Wrapf(oxerr.Corrupt, err, "could not open legacy tree %q", treeName)
	}
	value, err := t.Get([]byte(key))
	if err != nil {
		return oxerr.Newf(oxerr.NotFound, "legacy %s object %q not found", treeName, key)
	}
	if err := jsoniter.Unmarshal(value, out); err != nil {
		return oxerr.Wrapf(oxerr.Corrupt, err, "bad legacy %s object %q", treeName, key)
	}
	return nil
}

// listCommits enumerates the legacy commits tree.
func (l *legacyStore) listCommits() ([]legacyCommit, error) {
	t, err := l.snapshot.GetTree(legacyCommitsTree)
	if err != nil {
		return nil, oxerr.Wrap(oxerr.Corrupt, err, "could not open legacy commits tree")
	}

	var commits []legacyCommit
	cursor := t.Cursor()
	for _, value, err := cursor.First(); err == nil; _, value, err = cursor.Next() {
		var commit legacyCommit
		if err := jsoniter.Unmarshal(value, &commit); err != nil {
			return nil, oxerr.Wrap(oxerr.Corrupt, err, "bad legacy commit object")
		}
		commits = append(commits, commit)
	}
	return commits, nil
}

// Run migrates every legacy commit into the sharded merkle layout, oldest
// first, then records the new minimum repo version. Idempotent per commit:
// commits whose tree already exists are skipped.
func Run(r *repo.LocalRepository) error {
	legacy, err := openLegacyStore(r)
	if err != nil {
		return err
	}

	commits, err := legacy.listCommits()
	if err != nil {
		return err
	}
	sort.Slice(commits, func(i, j int) bool {
		if commits[i].Timestamp != commits[j].Timestamp {
			return commits[i].Timestamp < commits[j].Timestamp
		}
		return commits[i].ID < commits[j].ID
	})
	logging.Infof("migrating %d commits", len(commits))

	m := &migrator{
		repo:   r,
		legacy: legacy,
		tree:   tree.New(r.TreeNodesPath()),
		blobs:  blob.NewStore(r.VersionsPath()),
	}
	for _, commit := range commits {
		if err := m.migrateCommit(commit); err != nil {
			return oxerr.Wrapf(oxerr.KindOf(err), err, "migration of commit %s failed", commit.ID)
		}
	}

	r.Config.MinVersion = repo.MinVersion
	return r.SaveConfig()
}

type migrator struct {
	repo   *repo.LocalRepository
	legacy *legacyStore
	tree   *tree.Tree
	blobs  *blob.Store
}

func (m *migrator) migrateCommit(legacy legacyCommit) error {
	commitHash, err := hash.Parse(legacy.ID)
	if err != nil {
		return oxerr.Wrapf(oxerr.Corrupt, err, "bad legacy commit id %q", legacy.ID)
	}
	if m.tree.HasNode(commitHash) {
		logging.Debugf("commit %s already migrated", legacy.ID)
		return nil
	}

	// Root dir hash out of the legacy dir_hashes tree.
	var rootHex string
	if err := m.legacy.get(legacyDirHashesTree, legacy.ID+"/", &rootHex); err != nil {
		return err
	}
	rootHash, err := hash.Parse(strings.Trim(rootHex, `"`))
	if err != nil {
		return err
	}

	dirHashes, err := index.OpenDirHashesWriter(m.repo, commitHash)
	if err != nil {
		return err
	}
	defer dirHashes.Close()

	if err := m.migrateDir("", rootHash, commitHash, dirHashes); err != nil {
		return err
	}

	parents := make([]hash.Hash, 0, len(legacy.ParentIDs))
	for _, parent := range legacy.ParentIDs {
		parentHash, err := hash.Parse(parent)
		if err != nil {
			return err
		}
		parents = append(parents, parentHash)
	}

	node := &tree.CommitNode{
		Hash:         commitHash,
		ParentHashes: parents,
		Message:      legacy.Message,
		Author:       legacy.Author,
		Email:        legacy.Email,
		Timestamp:    legacy.Timestamp,
		RootDirHash:  rootHash,
	}
	rootDir, err := m.tree.ReadDir(rootHash)
	if err != nil {
		return err
	}

	db, err := tree.OpenNodeDBWriter(m.repo.TreeNodesPath(), commitHash)
	if err != nil {
		return err
	}
	if err := db.AddChild(node); err != nil {
		db.Abort()
		return err
	}
	if err := db.AddChild(rootDir); err != nil {
		db.Abort()
		return err
	}
	if err := db.Close(); err != nil {
		return err
	}

	logging.Infof("migrated commit %s", legacy.ID)
	return nil
}

// migratedChild is a flattened legacy child ready for rebucketing.
type migratedChild struct {
	name string
	node tree.Node
}

// migrateDir flattens a legacy dir's vnode children, drops legacy schema
// children, rebuckets with the current algorithm, and writes the node dbs.
func (m *migrator) migrateDir(dirPath string, dirHash hash.Hash, commitHash hash.Hash, dirHashes *index.DirHashes) error {
	if err := dirHashes.Put(dirPath, dirHash); err != nil {
		return err
	}
	if m.tree.HasNode(dirHash) {
		// Shared subtree already migrated by an earlier commit.
		return nil
	}

	var dirObj legacyObject
	if err := m.legacy.get(legacyDirsTree, dirHash.String(), &dirObj); err != nil {
		return err
	}

	// Flatten the legacy vnode fan-out into one child list.
	var flat []legacyChild
	for _, child := range dirObj.Children {
		if child.Type != "vnode" {
			flat = append(flat, child)
			continue
		}
		var vnodeObj legacyObject
		if err := m.legacy.get(legacyVNodesTree, child.Hash, &vnodeObj); err != nil {
			return err
		}
		flat = append(flat, vnodeObj.Children...)
	}

	var children []migratedChild
	var aggregate dirAggregate
	for _, child := range flat {
		switch child.Type {
		case "schema":
			// The schema child kind does not survive migration; schema
			// metadata folds into the file nodes.
			continue
		case "dir":
			childHash, err := hash.Parse(child.Hash)
			if err != nil {
				return err
			}
			childPath := joinPath(dirPath, child.Path)
			if err := m.migrateDir(childPath, childHash, commitHash, dirHashes); err != nil {
				return err
			}
			childDir, err := m.tree.ReadDir(childHash)
			if err != nil {
				return err
			}
			aggregate.addDir(childDir)
			children = append(children, migratedChild{name: child.Path, node: childDir})
		case "file":
			fileNode, err := m.migrateFile(child, commitHash)
			if err != nil {
				return err
			}
			aggregate.addFile(fileNode)
			children = append(children, migratedChild{name: child.Path, node: fileNode})
		default:
			return oxerr.Newf(oxerr.Corrupt, "unknown legacy child type %q", child.Type)
		}
	}

	// Rebucket with the current algorithm; the new vnode hashes differ
	// from the legacy ones.
	n := index.NumVNodes(len(children))
	buckets := make([][]migratedChild, n)
	for _, child := range children {
		idx := child.node.MerkleHash().Mod(n)
		buckets[idx] = append(buckets[idx], child)
	}

	var vnodes []*tree.VNode
	for _, bucket := range buckets {
		if len(bucket) == 0 {
			continue
		}
		sort.Slice(bucket, func(i, j int) bool { return bucket[i].name < bucket[j].name })
		hasher := hash.NewHasher()
		hasher.WriteString(dirPath)
		for _, child := range bucket {
			hasher.WriteHash(contributionOf(child.node))
		}
		vnode := &tree.VNode{Hash: hasher.Sum()}
		vnodes = append(vnodes, vnode)

		if tree.NodeDBExists(m.repo.TreeNodesPath(), vnode.Hash) {
			continue
		}
		db, err := tree.OpenNodeDBWriter(m.repo.TreeNodesPath(), vnode.Hash)
		if err != nil {
			return err
		}
		if err := db.AddChild(vnode); err != nil {
			db.Abort()
			return err
		}
		for _, child := range bucket {
			if err := db.AddChild(child.node); err != nil {
				db.Abort()
				return err
			}
		}
		if err := db.Close(); err != nil {
			return err
		}
	}

	dirNode := aggregate.toDirNode(dirHash, lastComponent(dirPath), commitHash)
	db, err := tree.OpenNodeDBWriter(m.repo.TreeNodesPath(), dirHash)
	if err != nil {
		return err
	}
	if err := db.AddChild(dirNode); err != nil {
		db.Abort()
		return err
	}
	for _, vnode := range vnodes {
		if err := db.AddChild(vnode); err != nil {
			db.Abort()
			return err
		}
	}
	return db.Close()
}

// migrateFile builds a full file node from a legacy file object: type and
// mime sniffed from the version-path contents, schema metadata attached for
// tabular files, contents chunked into leaf nodes.
func (m *migrator) migrateFile(child legacyChild, commitHash hash.Hash) (*tree.FileNode, error) {
	fileHash, err := hash.Parse(child.Hash)
	if err != nil {
		return nil, err
	}

	var legacyNode legacyFile
	if err := m.legacy.get(legacyFilesTree, child.Hash, &legacyNode); err != nil {
		return nil, err
	}

	// The version path has no extension, so tabular detection goes by the
	// file's own name; everything else is sniffed from the stored bytes.
	versionPath := m.blobs.Path(fileHash)
	var dataType, mimeType string
	if tabular.IsTabular(child.Path) {
		dataType = tree.DataTypeTabular
		mimeType = "text/csv"
	} else if sniffedType, sniffedMime, err := tabular.DetectType(versionPath); err == nil {
		dataType, mimeType = sniffedType, sniffedMime
	} else {
		// Version contents may not be downloaded.
		dataType, mimeType = tree.DataTypeBinary, "application/octet-stream"
	}

	var metadata []byte
	metaHash := hash.Zero
	if dataType == tree.DataTypeTabular {
		if data, h, err := tabular.MetadataAs(versionPath, child.Path); err == nil {
			metadata, metaHash = data, h
		}
	}

	chunkHashes, err := m.writeChunks(fileHash)
	if err != nil {
		return nil, err
	}
	chunkType := tree.ChunkTypeChunked
	if len(chunkHashes) == 0 {
		// No payload on disk; reference the whole file as one chunk.
		chunkType = tree.ChunkTypeSingleFile
		chunkHashes = []hash.Hash{fileHash}
	}

	return &tree.FileNode{
		Hash:           fileHash,
		Name:           child.Path,
		CombinedHash:   hash.Combined(fileHash, metaHash),
		MetadataHash:   metaHash,
		Metadata:       metadata,
		NumBytes:       legacyNode.NumBytes,
		ChunkType:      chunkType,
		Storage:        tree.StorageTypeDisk,
		LastCommitHash: commitHash,
		LastModifiedS:  legacyNode.LastModifiedS,
		LastModifiedNs: legacyNode.LastModifiedNs,
		ChunkHashes:    chunkHashes,
		DataType:       dataType,
		MimeType:       mimeType,
		Extension:      strings.TrimPrefix(filepath.Ext(child.Path), "."),
	}, nil
}

// writeChunks splits a file's payload into 16 KiB chunk leaves under the
// file's own node db. Returns nil when the payload is not local.
func (m *migrator) writeChunks(fileHash hash.Hash) ([]hash.Hash, error) {
	data, err := m.blobs.Read(fileHash)
	if err != nil {
		if oxerr.IsKind(err, oxerr.NotFound) {
			return nil, nil
		}
		return nil, err
	}
	if tree.NodeDBExists(m.repo.TreeNodesPath(), fileHash) {
		// Chunks already written by an earlier commit's migration.
		db, err := tree.OpenNodeDBReader(m.repo.TreeNodesPath(), fileHash)
		if err == nil {
			defer db.Close()
			var hashes []hash.Hash
			children, err := db.List()
			if err != nil {
				return nil, err
			}
			for _, child := range children {
				if chunk, ok := child.(*tree.FileChunkNode); ok {
					hashes = append(hashes, chunk.Hash)
				}
			}
			return hashes, nil
		}
	}

	db, err := tree.OpenNodeDBWriter(m.repo.TreeNodesPath(), fileHash)
	if err != nil {
		return nil, err
	}
	var hashes []hash.Hash
	for offset := 0; offset < len(data); offset += migrationChunkSize {
		end := offset + migrationChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := &tree.FileChunkNode{
			Hash: hash.Bytes(data[offset:end]),
			Data: data[offset:end],
		}
		if err := db.AddChild(chunk); err != nil {
			db.Abort()
			return nil, err
		}
		hashes = append(hashes, chunk.Hash)
	}
	if err := db.Close(); err != nil {
		return nil, err
	}
	return hashes, nil
}

// dirAggregate accumulates the bottom-up dir metadata.
type dirAggregate struct {
	numBytes   uint64
	lastModS   int64
	lastModNs  int64
	typeCounts map[string]uint64
	typeSizes  map[string]uint64
}

func (a *dirAggregate) init() {
	if a.typeCounts == nil {
		a.typeCounts = make(map[string]uint64)
		a.typeSizes = make(map[string]uint64)
	}
}

func (a *dirAggregate) addFile(node *tree.FileNode) {
	a.init()
	a.numBytes += node.NumBytes
	a.typeCounts[node.DataType]++
	a.typeSizes[node.DataType] += node.NumBytes
	if node.LastModifiedS > a.lastModS ||
		(node.LastModifiedS == a.lastModS && node.LastModifiedNs > a.lastModNs) {
		a.lastModS, a.lastModNs = node.LastModifiedS, node.LastModifiedNs
	}
}

func (a *dirAggregate) addDir(node *tree.DirNode) {
	a.init()
	a.numBytes += node.NumBytes
	for dataType, count := range node.DataTypeCounts {
		a.typeCounts[dataType] += count
	}
	for dataType, size := range node.DataTypeSizes {
		a.typeSizes[dataType] += size
	}
	if node.LastModifiedS > a.lastModS ||
		(node.LastModifiedS == a.lastModS && node.LastModifiedNs > a.lastModNs) {
		a.lastModS, a.lastModNs = node.LastModifiedS, node.LastModifiedNs
	}
}

func (a *dirAggregate) toDirNode(dirHash hash.Hash, name string, commitHash hash.Hash) *tree.DirNode {
	a.init()
	return &tree.DirNode{
		Hash:           dirHash,
		Name:           name,
		NumBytes:       a.numBytes,
		LastCommitHash: commitHash,
		LastModifiedS:  a.lastModS,
		LastModifiedNs: a.lastModNs,
		DataTypeCounts: a.typeCounts,
		DataTypeSizes:  a.typeSizes,
	}
}

// contributionOf is the hash a child feeds into its vnode: combined hash
// for files, plain hash otherwise.
func contributionOf(node tree.Node) hash.Hash {
	if file, ok := node.(*tree.FileNode); ok {
		return file.CombinedHash
	}
	return node.MerkleHash()
}

func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

func lastComponent(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}
