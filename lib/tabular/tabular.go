package tabular

import (
	"bufio"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	jsoniter "github.com/json-iterator/go"

	"github.com/rockenbf/oxen/lib/hash"
	"github.com/rockenbf/oxen/lib/oxerr"
	"github.com/rockenbf/oxen/lib/tree"
)

// Tabular files hash over their rows rather than raw bytes. The rule is
// order-preserving over rows and format-sensitive: a csv and a parquet of
// the same logical content hash differently. Recorded per-repo in the
// config as tabular_hash: rows-ordered.

var tabularExtensions = map[string]bool{
	".csv":    true,
	".tsv":    true,
	".jsonl":  true,
	".ndjson": true,
}

// IsTabular decides by extension whether a path is treated as row data.
func IsTabular(path string) bool {
	return tabularExtensions[strings.ToLower(filepath.Ext(path))]
}

// DetectType sniffs a file's data type and mime type from its contents and
// extension.
func DetectType(path string) (dataType string, mimeType string, err error) {
	ext := strings.ToLower(filepath.Ext(path))
	if tabularExtensions[ext] {
		switch ext {
		case ".csv":
			return tree.DataTypeTabular, "text/csv", nil
		case ".tsv":
			return tree.DataTypeTabular, "text/tab-separated-values", nil
		default:
			return tree.DataTypeTabular, "application/x-ndjson", nil
		}
	}

	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return "", "", oxerr.Wrapf(oxerr.Io, err, "could not sniff %s", path)
	}

	mime := mtype.String()
	switch {
	case strings.HasPrefix(mime, "text/"):
		return tree.DataTypeText, mime, nil
	case strings.HasPrefix(mime, "image/"):
		return tree.DataTypeImage, mime, nil
	case strings.HasPrefix(mime, "video/"):
		return tree.DataTypeVideo, mime, nil
	case strings.HasPrefix(mime, "audio/"):
		return tree.DataTypeAudio, mime, nil
	default:
		return tree.DataTypeBinary, mime, nil
	}
}

// HashRows hashes a tabular file as the stream of per-row digests. Rows
// keep their physical order; the row terminator is excluded so trailing
// newline differences do not change the hash.
func HashRows(path string) (hash.Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return hash.Zero, oxerr.Wrapf(oxerr.Io, err, "could not open %s", path)
	}
	defer f.Close()

	hasher := hash.NewHasher()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)
	for scanner.Scan() {
		rowHash := hash.Bytes(scanner.Bytes())
		hasher.WriteHash(rowHash)
	}
	if err := scanner.Err(); err != nil {
		return hash.Zero, oxerr.Wrapf(oxerr.Io, err, "could not read %s", path)
	}
	return hasher.Sum(), nil
}

// Schema describes the columns of a tabular file.
type Schema struct {
	Fields []string `json:"fields"`
}

// Summary is the storage-level view of a tabular file used by `oxen df`.
type Summary struct {
	Path     string `json:"path"`
	NumRows  uint64 `json:"num_rows"`
	NumBytes uint64 `json:"num_bytes"`
	Schema   Schema `json:"schema"`
}

// ReadSchema extracts the column names of a tabular file: the csv/tsv
// header row, or the keys of the first jsonl object.
func ReadSchema(path string) (*Schema, error) {
	return ReadSchemaAs(path, path)
}

// ReadSchemaAs reads the schema of path, treating it like a file named
// likeName. Version-store payloads carry no extension of their own.
func ReadSchemaAs(path, likeName string) (*Schema, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, oxerr.Wrapf(oxerr.Io, err, "could not open %s", path)
	}
	defer f.Close()

	ext := strings.ToLower(filepath.Ext(likeName))
	switch ext {
	case ".csv", ".tsv":
		reader := csv.NewReader(f)
		if ext == ".tsv" {
			reader.Comma = '\t'
		}
		header, err := reader.Read()
		if err == io.EOF {
			return &Schema{}, nil
		}
		if err != nil {
			return nil, oxerr.Wrapf(oxerr.InvalidInput, err, "could not parse header of %s", path)
		}
		return &Schema{Fields: header}, nil
	default:
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)
		if !scanner.Scan() {
			return &Schema{}, scanner.Err()
		}
		var row map[string]jsoniter.RawMessage
		if err := jsoniter.Unmarshal(scanner.Bytes(), &row); err != nil {
			return nil, oxerr.Wrapf(oxerr.InvalidInput, err, "could not parse first row of %s", path)
		}
		schema := &Schema{Fields: make([]string, 0, len(row))}
		for field := range row {
			schema.Fields = append(schema.Fields, field)
		}
		return schema, nil
	}
}

// Metadata serializes the schema as the file node's metadata payload and
// returns it with its hash, folded into the file's combined hash.
func Metadata(path string) (data []byte, metaHash hash.Hash, err error) {
	return MetadataAs(path, path)
}

// MetadataAs is Metadata for a payload stored under a different name.
func MetadataAs(path, likeName string) (data []byte, metaHash hash.Hash, err error) {
	schema, err := ReadSchemaAs(path, likeName)
	if err != nil {
		return nil, hash.Zero, err
	}
	data, err = jsoniter.Marshal(schema)
	if err != nil {
		return nil, hash.Zero, oxerr.Wrap(oxerr.InvalidInput, err, "could not serialize schema")
	}
	return data, hash.Bytes(data), nil
}

// Summarize counts rows and bytes for `oxen df`.
func Summarize(path string) (*Summary, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, oxerr.Wrapf(oxerr.Io, err, "could not stat %s", path)
	}
	schema, err := ReadSchema(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, oxerr.Wrapf(oxerr.Io, err, "could not open %s", path)
	}
	defer f.Close()

	var rows uint64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)
	for scanner.Scan() {
		rows++
	}
	if err := scanner.Err(); err != nil {
		return nil, oxerr.Wrapf(oxerr.Io, err, "could not read %s", path)
	}

	// The header row is not data.
	ext := strings.ToLower(filepath.Ext(path))
	if (ext == ".csv" || ext == ".tsv") && rows > 0 {
		rows--
	}

	return &Summary{
		Path:     path,
		NumRows:  rows,
		NumBytes: uint64(info.Size()),
		Schema:   *schema,
	}, nil
}
