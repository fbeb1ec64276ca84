package tree

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/rockenbf/oxen/lib/hash"
	"github.com/rockenbf/oxen/lib/oxerr"
)

// NodeKind is the single-byte discriminator prepended to every serialized
// node record.
type NodeKind uint8

const (
	KindCommit NodeKind = iota
	KindDir
	KindVNode
	KindFile
	KindFileChunk
	KindSchema
)

func (k NodeKind) String() string {
	switch k {
	case KindCommit:
		return "commit"
	case KindDir:
		return "dir"
	case KindVNode:
		return "vnode"
	case KindFile:
		return "file"
	case KindFileChunk:
		return "file_chunk"
	case KindSchema:
		return "schema"
	default:
		return "unknown"
	}
}

// ChunkType says whether a file's contents live in one blob or in
// FileChunk leaves.
type ChunkType uint8

const (
	ChunkTypeSingleFile ChunkType = iota
	ChunkTypeChunked
)

// StorageType says where a file's payload bytes live.
type StorageType uint8

const (
	StorageTypeDisk StorageType = iota
)

// Data types recognized for files. Stored as strings so new types do not
// break old readers.
const (
	DataTypeText    = "text"
	DataTypeTabular = "tabular"
	DataTypeImage   = "image"
	DataTypeVideo   = "video"
	DataTypeAudio   = "audio"
	DataTypeBinary  = "binary"
)

// Node is one typed member of the merkle DAG.
type Node interface {
	Kind() NodeKind
	MerkleHash() hash.Hash
}

// CommitNode is the root of one snapshot, pointing at the root dir and the
// parent commits.
type CommitNode struct {
	Hash         hash.Hash   `cbor:"1,keyasint"`
	ParentHashes []hash.Hash `cbor:"2,keyasint"`
	Message      string      `cbor:"3,keyasint"`
	Author       string      `cbor:"4,keyasint"`
	Email        string      `cbor:"5,keyasint"`
	Timestamp    int64       `cbor:"6,keyasint"`
	RootDirHash  hash.Hash   `cbor:"7,keyasint"`
}

func (n *CommitNode) Kind() NodeKind        { return KindCommit }
func (n *CommitNode) MerkleHash() hash.Hash { return n.Hash }

// DirNode is a directory. Its hash depends on the content of all descendant
// files; the aggregate metadata does not feed the hash.
type DirNode struct {
	Hash           hash.Hash         `cbor:"1,keyasint"`
	Name           string            `cbor:"2,keyasint"`
	NumBytes       uint64            `cbor:"3,keyasint"`
	LastCommitHash hash.Hash         `cbor:"4,keyasint"`
	LastModifiedS  int64             `cbor:"5,keyasint"`
	LastModifiedNs int64             `cbor:"6,keyasint"`
	DataTypeCounts map[string]uint64 `cbor:"7,keyasint"`
	DataTypeSizes  map[string]uint64 `cbor:"8,keyasint"`
}

func (n *DirNode) Kind() NodeKind        { return KindDir }
func (n *DirNode) MerkleHash() hash.Hash { return n.Hash }

// VNode is a synthetic fan-out node between a dir and its children.
type VNode struct {
	Hash hash.Hash `cbor:"1,keyasint"`
}

func (n *VNode) Kind() NodeKind        { return KindVNode }
func (n *VNode) MerkleHash() hash.Hash { return n.Hash }

// FileNode is a leaf for one file. Hash is the content hash of the file's
// bytes (row-hashed for tabular files); CombinedHash folds in the metadata
// hash so metadata edits reparent the file.
type FileNode struct {
	Hash           hash.Hash   `cbor:"1,keyasint"`
	Name           string      `cbor:"2,keyasint"`
	CombinedHash   hash.Hash   `cbor:"3,keyasint"`
	MetadataHash   hash.Hash   `cbor:"4,keyasint,omitempty"`
	NumBytes       uint64      `cbor:"5,keyasint"`
	ChunkType      ChunkType   `cbor:"6,keyasint"`
	Storage        StorageType `cbor:"7,keyasint"`
	LastCommitHash hash.Hash   `cbor:"8,keyasint"`
	LastModifiedS  int64       `cbor:"9,keyasint"`
	LastModifiedNs int64       `cbor:"10,keyasint"`
	ChunkHashes    []hash.Hash `cbor:"11,keyasint"`
	DataType       string      `cbor:"12,keyasint"`
	MimeType       string      `cbor:"13,keyasint"`
	Extension      string      `cbor:"14,keyasint"`
	Metadata       []byte      `cbor:"15,keyasint,omitempty"`
}

func (n *FileNode) Kind() NodeKind        { return KindFile }
func (n *FileNode) MerkleHash() hash.Hash { return n.Hash }

// FileChunkNode is a leaf of a chunked file.
type FileChunkNode struct {
	Hash hash.Hash `cbor:"1,keyasint"`
	Data []byte    `cbor:"2,keyasint"`
}

func (n *FileChunkNode) Kind() NodeKind        { return KindFileChunk }
func (n *FileChunkNode) MerkleHash() hash.Hash { return n.Hash }

// SchemaNode is a leaf pointer to tabular schema metadata. New commits fold
// schema metadata into FileNode.Metadata; the kind stays readable for trees
// written before that change.
type SchemaNode struct {
	Hash hash.Hash `cbor:"1,keyasint"`
	Name string    `cbor:"2,keyasint"`
}

func (n *SchemaNode) Kind() NodeKind        { return KindSchema }
func (n *SchemaNode) MerkleHash() hash.Hash { return n.Hash }

// Serialize encodes a node as its kind byte followed by the cbor payload.
func Serialize(n Node) ([]byte, error) {
	payload, err := cbor.Marshal(n)
	if err != nil {
		return nil, oxerr.Wrapf(oxerr.InvalidInput, err, "could not serialize %s node", n.Kind())
	}
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, byte(n.Kind()))
	buf = append(buf, payload...)
	return buf, nil
}

// Deserialize decodes a node record written by Serialize.
func Deserialize(data []byte) (Node, error) {
	if len(data) < 2 {
		return nil, oxerr.New(oxerr.Corrupt, "node record too short")
	}
	kind := NodeKind(data[0])
	payload := data[1:]

	var node Node
	switch kind {
	case KindCommit:
		node = &CommitNode{}
	case KindDir:
		node = &DirNode{}
	case KindVNode:
		node = &VNode{}
	case KindFile:
		node = &FileNode{}
	case KindFileChunk:
		node = &FileChunkNode{}
	case KindSchema:
		node = &SchemaNode{}
	default:
		return nil, oxerr.Newf(oxerr.Corrupt, "unknown node kind %d", data[0])
	}

	if err := cbor.Unmarshal(payload, node); err != nil {
		return nil, oxerr.Wrapf(oxerr.Corrupt, err, "could not deserialize %s node", kind)
	}
	return node, nil
}

// NodeName returns the path component a node contributes, empty for nodes
// that have no name of their own.
func NodeName(n Node) string {
	switch node := n.(type) {
	case *DirNode:
		return node.Name
	case *FileNode:
		return node.Name
	case *SchemaNode:
		return node.Name
	default:
		return ""
	}
}

func (n *CommitNode) String() string {
	return fmt.Sprintf("CommitNode(%s, %q)", n.Hash, n.Message)
}

func (n *DirNode) String() string {
	return fmt.Sprintf("DirNode(%s, %q)", n.Hash, n.Name)
}

func (n *FileNode) String() string {
	return fmt.Sprintf("FileNode(%s, %q)", n.Hash, n.Name)
}
