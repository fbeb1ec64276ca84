package tree

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/rockenbf/oxen/lib/hash"
	"github.com/rockenbf/oxen/lib/oxerr"
)

// A NodeDB holds the immediate children of one parent node (commit, dir, or
// vnode) in two files:
//
//	data    concatenated serialized child records
//	lookup  u64 count, then count * { u128 hash, u64 offset, u64 length }
//
// all little-endian. Rocks-style kv stores were too slow to open per vnode;
// a packed array loads in one read.
const (
	dataFileName   = "data"
	lookupFileName = "lookup"
	lookupHdrSize  = 8
	lookupRecSize  = 16 + 8 + 8
)

// NodeDBPath returns the sharded directory for a parent hash:
// <nodesRoot>/<hash[0:2]>/<hash[2:]>
func NodeDBPath(nodesRoot string, parent hash.Hash) string {
	hex := parent.String()
	return filepath.Join(nodesRoot, hex[0:2], hex[2:])
}

// NodeDBExists reports whether a complete NodeDB is present for the parent.
// Partially written dbs (missing lookup, short lookup) count as absent.
func NodeDBExists(nodesRoot string, parent hash.Hash) bool {
	db, err := OpenNodeDBReader(nodesRoot, parent)
	if err != nil {
		return false
	}
	db.Close()
	return true
}

// NodeDBWriter appends child records for one parent. Writes become visible
// only after Close flushes, fsyncs, and renames the temp dir into place.
type NodeDBWriter struct {
	finalDir string
	tmpDir   string

	dataFile   *os.File
	lookupFile *os.File
	count      uint64
	dataOffset uint64
	order      []hash.Hash
}

// OpenNodeDBWriter creates a fresh NodeDB for the parent hash. The previous
// db, if any, is left untouched until the rename on Close.
func OpenNodeDBWriter(nodesRoot string, parent hash.Hash) (*NodeDBWriter, error) {
	finalDir := NodeDBPath(nodesRoot, parent)
	tmpDir := finalDir + ".tmp"

	if err := os.MkdirAll(filepath.Dir(finalDir), 0755); err != nil {
		return nil, oxerr.Wrap(oxerr.Io, err, "could not create node db parent dir")
	}
	if err := os.RemoveAll(tmpDir); err != nil {
		return nil, oxerr.Wrap(oxerr.Io, err, "could not clear node db temp dir")
	}
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return nil, oxerr.Wrap(oxerr.Io, err, "could not create node db temp dir")
	}

	dataFile, err := os.Create(filepath.Join(tmpDir, dataFileName))
	if err != nil {
		return nil, oxerr.Wrap(oxerr.Io, err, "could not create node db data file")
	}
	lookupFile, err := os.Create(filepath.Join(tmpDir, lookupFileName))
	if err != nil {
		dataFile.Close()
		return nil, oxerr.Wrap(oxerr.Io, err, "could not create node db lookup file")
	}

	// Count header placeholder, rewritten on Close once the count is known.
	var hdr [lookupHdrSize]byte
	if _, err := lookupFile.Write(hdr[:]); err != nil {
		dataFile.Close()
		lookupFile.Close()
		return nil, oxerr.Wrap(oxerr.Io, err, "could not write node db lookup header")
	}

	return &NodeDBWriter{
		finalDir:   finalDir,
		tmpDir:     tmpDir,
		dataFile:   dataFile,
		lookupFile: lookupFile,
	}, nil
}

// AddChild serializes and appends one child node.
func (w *NodeDBWriter) AddChild(n Node) error {
	data, err := Serialize(n)
	if err != nil {
		return err
	}
	return w.AddRaw(n.MerkleHash(), data)
}

// AddRaw appends an already-serialized child record.
func (w *NodeDBWriter) AddRaw(childHash hash.Hash, data []byte) error {
	if w.dataFile == nil {
		return oxerr.New(oxerr.Io, "node db writer is closed")
	}

	var rec [lookupRecSize]byte
	le := childHash.LittleEndian()
	copy(rec[0:16], le[:])
	binary.LittleEndian.PutUint64(rec[16:24], w.dataOffset)
	binary.LittleEndian.PutUint64(rec[24:32], uint64(len(data)))

	if _, err := w.lookupFile.Write(rec[:]); err != nil {
		return oxerr.Wrap(oxerr.Io, err, "could not write node db lookup record")
	}
	if _, err := w.dataFile.Write(data); err != nil {
		return oxerr.Wrap(oxerr.Io, err, "could not write node db data")
	}

	w.dataOffset += uint64(len(data))
	w.count++
	w.order = append(w.order, childHash)
	return nil
}

// Size is the number of children written so far.
func (w *NodeDBWriter) Size() uint64 {
	return w.count
}

// Close finalizes the count header, fsyncs both files, and renames the temp
// dir into place. Until it returns, readers see either the old db or none.
func (w *NodeDBWriter) Close() error {
	if w.dataFile == nil {
		return oxerr.New(oxerr.Io, "node db writer already closed")
	}

	var hdr [lookupHdrSize]byte
	binary.LittleEndian.PutUint64(hdr[:], w.count)
	if _, err := w.lookupFile.WriteAt(hdr[:], 0); err != nil {
		return oxerr.Wrap(oxerr.Io, err, "could not finalize node db lookup header")
	}

	for _, f := range []*os.File{w.dataFile, w.lookupFile} {
		if err := f.Sync(); err != nil {
			f.Close()
			return oxerr.Wrap(oxerr.Io, err, "could not sync node db file")
		}
		if err := f.Close(); err != nil {
			return oxerr.Wrap(oxerr.Io, err, "could not close node db file")
		}
	}
	w.dataFile = nil
	w.lookupFile = nil

	if err := os.RemoveAll(w.finalDir); err != nil {
		return oxerr.Wrap(oxerr.Io, err, "could not replace node db")
	}
	if err := os.Rename(w.tmpDir, w.finalDir); err != nil {
		return oxerr.Wrap(oxerr.Io, err, "could not move node db into place")
	}
	return nil
}

// Abort discards an unfinished write.
func (w *NodeDBWriter) Abort() {
	if w.dataFile != nil {
		w.dataFile.Close()
		w.dataFile = nil
	}
	if w.lookupFile != nil {
		w.lookupFile.Close()
		w.lookupFile = nil
	}
	os.RemoveAll(w.tmpDir)
}

type lookupEntry struct {
	offset uint64
	length uint64
}

// NodeDBReader reads one parent's children. The lookup table is loaded fully
// at open; gets are a single seek+read.
type NodeDBReader struct {
	dataFile *os.File
	offsets  map[hash.Hash]lookupEntry
	order    []hash.Hash
}

// OpenNodeDBReader opens the NodeDB for a parent hash. A missing or
// incomplete db surfaces as NotFound so callers treat it as absent.
func OpenNodeDBReader(nodesRoot string, parent hash.Hash) (*NodeDBReader, error) {
	dir := NodeDBPath(nodesRoot, parent)

	lookupData, err := os.ReadFile(filepath.Join(dir, lookupFileName))
	if err != nil {
		return nil, oxerr.Newf(oxerr.NotFound, "no node db for %s", parent)
	}
	if len(lookupData) < lookupHdrSize {
		return nil, oxerr.Newf(oxerr.NotFound, "incomplete node db for %s", parent)
	}

	count := binary.LittleEndian.Uint64(lookupData[0:lookupHdrSize])
	if uint64(len(lookupData)-lookupHdrSize) < count*lookupRecSize {
		// Count header exceeds the number of complete records: a torn
		// write. Treated as absent, not corrupt.
		return nil, oxerr.Newf(oxerr.NotFound, "incomplete node db for %s", parent)
	}

	offsets := make(map[hash.Hash]lookupEntry, count)
	order := make([]hash.Hash, 0, count)
	pos := lookupHdrSize
	for i := uint64(0); i < count; i++ {
		var le [16]byte
		copy(le[:], lookupData[pos:pos+16])
		childHash := hash.FromLittleEndian(le)
		entry := lookupEntry{
			offset: binary.LittleEndian.Uint64(lookupData[pos+16 : pos+24]),
			length: binary.LittleEndian.Uint64(lookupData[pos+24 : pos+32]),
		}
		offsets[childHash] = entry
		order = append(order, childHash)
		pos += lookupRecSize
	}

	dataFile, err := os.Open(filepath.Join(dir, dataFileName))
	if err != nil {
		return nil, oxerr.Newf(oxerr.NotFound, "no node db data for %s", parent)
	}

	return &NodeDBReader{dataFile: dataFile, offsets: offsets, order: order}, nil
}

func (r *NodeDBReader) Close() error {
	if r.dataFile != nil {
		err := r.dataFile.Close()
		r.dataFile = nil
		return err
	}
	return nil
}

// Size is the child count.
func (r *NodeDBReader) Size() uint64 {
	return uint64(len(r.order))
}

// GetRaw returns the serialized record for a child hash.
func (r *NodeDBReader) GetRaw(childHash hash.Hash) ([]byte, error) {
	entry, ok := r.offsets[childHash]
	if !ok {
		return nil, oxerr.Newf(oxerr.NotFound, "hash %s not in node db", childHash)
	}
	data := make([]byte, entry.length)
	if _, err := r.dataFile.ReadAt(data, int64(entry.offset)); err != nil {
		return nil, oxerr.Wrapf(oxerr.Corrupt, err, "could not read node db record for %s", childHash)
	}
	return data, nil
}

// Get deserializes the child node for a hash.
func (r *NodeDBReader) Get(childHash hash.Hash) (Node, error) {
	data, err := r.GetRaw(childHash)
	if err != nil {
		return nil, err
	}
	return Deserialize(data)
}

// List yields all children in insertion order.
func (r *NodeDBReader) List() ([]Node, error) {
	nodes := make([]Node, 0, len(r.order))
	for _, h := range r.order {
		node, err := r.Get(h)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// Map loads the full data file once and decodes every child keyed by hash.
func (r *NodeDBReader) Map() (map[hash.Hash]Node, error) {
	if _, err := r.dataFile.Seek(0, io.SeekStart); err != nil {
		return nil, oxerr.Wrap(oxerr.Io, err, "could not seek node db data")
	}
	fileData, err := io.ReadAll(r.dataFile)
	if err != nil {
		return nil, oxerr.Wrap(oxerr.Io, err, "could not read node db data")
	}

	// Decode in offset order so one pass over fileData suffices.
	hashes := make([]hash.Hash, len(r.order))
	copy(hashes, r.order)
	sort.Slice(hashes, func(i, j int) bool {
		return r.offsets[hashes[i]].offset < r.offsets[hashes[j]].offset
	})

	nodes := make(map[hash.Hash]Node, len(hashes))
	for _, h := range hashes {
		entry := r.offsets[h]
		if entry.offset+entry.length > uint64(len(fileData)) {
			return nil, oxerr.Newf(oxerr.Corrupt, "node db record for %s out of bounds", h)
		}
		node, err := Deserialize(fileData[entry.offset : entry.offset+entry.length])
		if err != nil {
			return nil, err
		}
		nodes[h] = node
	}
	return nodes, nil
}
