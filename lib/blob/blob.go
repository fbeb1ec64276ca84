package blob

import (
	"io"
	"os"
	"path/filepath"

	"github.com/rockenbf/oxen/lib/hash"
	"github.com/rockenbf/oxen/lib/oxerr"
)

// Store is the append-only content-addressed file payload store rooted at a
// repo's versions dir. Payload for a hash lives at
// <root>/<hash[0:2]>/<hash[2:]>/data. Records are written once; a hash that
// is already present is never rewritten.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

// Path returns the payload path for a content hash.
func (s *Store) Path(h hash.Hash) string {
	hex := h.String()
	return filepath.Join(s.root, hex[0:2], hex[2:], "data")
}

// Has reports whether the payload for a hash is present.
func (s *Store) Has(h hash.Hash) bool {
	info, err := os.Stat(s.Path(h))
	return err == nil && info.Mode().IsRegular()
}

// Put stores payload bytes from a reader. Skips the write when the hash is
// already present. Writes go to a temp file and rename into place so
// concurrent readers never observe a torn blob.
func (s *Store) Put(h hash.Hash, r io.Reader) error {
	dst := s.Path(h)
	if s.Has(h) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return oxerr.Wrap(oxerr.Io, err, "could not create blob dir")
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".data-*")
	if err != nil {
		return oxerr.Wrap(oxerr.Io, err, "could not create blob temp file")
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return oxerr.Wrap(oxerr.Io, err, "could not write blob")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return oxerr.Wrap(oxerr.Io, err, "could not sync blob")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return oxerr.Wrap(oxerr.Io, err, "could not close blob temp file")
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return oxerr.Wrap(oxerr.Io, err, "could not move blob into place")
	}
	return nil
}

// PutFile stores a file from the working tree.
func (s *Store) PutFile(h hash.Hash, srcPath string) error {
	if s.Has(h) {
		return nil
	}
	f, err := os.Open(srcPath)
	if err != nil {
		return oxerr.Wrapf(oxerr.Io, err, "could not open %s", srcPath)
	}
	defer f.Close()
	return s.Put(h, f)
}

// Open returns a reader over a payload.
func (s *Store) Open(h hash.Hash) (io.ReadCloser, error) {
	f, err := os.Open(s.Path(h))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, oxerr.Newf(oxerr.NotFound, "no blob for %s", h)
		}
		return nil, oxerr.Wrapf(oxerr.Io, err, "could not open blob %s", h)
	}
	return f, nil
}

// Read returns the full payload bytes for a hash.
func (s *Store) Read(h hash.Hash) ([]byte, error) {
	f, err := s.Open(h)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, oxerr.Wrapf(oxerr.Io, err, "could not read blob %s", h)
	}
	return data, nil
}

// CopyTo materializes a payload at a working tree path.
func (s *Store) CopyTo(h hash.Hash, dstPath string) error {
	src, err := s.Open(h)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return oxerr.Wrap(oxerr.Io, err, "could not create working dir")
	}
	dst, err := os.Create(dstPath)
	if err != nil {
		return oxerr.Wrapf(oxerr.Io, err, "could not create %s", dstPath)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return oxerr.Wrapf(oxerr.Io, err, "could not write %s", dstPath)
	}
	return nil
}
