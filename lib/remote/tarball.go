package remote

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"

	"github.com/rockenbf/oxen/lib/hash"
	"github.com/rockenbf/oxen/lib/oxerr"
)

// TarballWriter streams directories into one gzipped tar. Paths are kept
// relative to the root each directory was added from, so tree tarballs
// unpack verbatim into a receiving store's tree/nodes layout.
type TarballWriter struct {
	gz *gzip.Writer
	tw *tar.Writer
}

func NewTarballWriter(w io.Writer) *TarballWriter {
	gz := gzip.NewWriter(w)
	return &TarballWriter{gz: gz, tw: tar.NewWriter(gz)}
}

// AddNodeDB appends one node db directory with its sharded path.
func (t *TarballWriter) AddNodeDB(nodesRoot string, h hash.Hash) error {
	hex := h.String()
	return t.AddDir(nodesRoot, filepath.Join(hex[0:2], hex[2:]))
}

// AddDir appends every regular file under root/sub, named relative to root.
func (t *TarballWriter) AddDir(root, sub string) error {
	base := filepath.Join(root, sub)
	err := filepath.Walk(base, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := t.tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(t.tw, f)
		return err
	})
	if err != nil {
		return oxerr.Wrapf(oxerr.Io, err, "could not pack %s", sub)
	}
	return nil
}

// Close finishes both the tar and gzip streams.
func (t *TarballWriter) Close() error {
	if err := t.tw.Close(); err != nil {
		return oxerr.Wrap(oxerr.Io, err, "could not finish tar")
	}
	if err := t.gz.Close(); err != nil {
		return oxerr.Wrap(oxerr.Io, err, "could not finish gzip")
	}
	return nil
}
