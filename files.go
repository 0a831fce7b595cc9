package temprepo

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/bzip2"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"
)

var (
	gzipMagic  = []byte{0x1f, 0x8b}
	bzip2Magic = []byte("BZh")
	zstdMagic  = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// closeWithLog closes an io.Closer and logs any error with the given context
func closeWithLog(logger log.FieldLogger, c io.Closer, context string) {
	if err := c.Close(); err != nil {
		logger.Warnf("Error closing %s: %v", context, err)
	}
}

// decompressor detects the compression of a tar stream by its magic bytes.
// Uncompressed input is returned as is.
func decompressor(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	switch {
	case bytes.HasPrefix(magic, gzipMagic):
		return gzip.NewReader(br)
	case bytes.HasPrefix(magic, bzip2Magic):
		return io.NopCloser(bzip2.NewReader(br)), nil
	case bytes.HasPrefix(magic, zstdMagic):
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	default:
		return io.NopCloser(br), nil
	}
}

// archiveReader tags read failures of member content as format errors so they
// can be told apart from write failures on the destination
type archiveReader struct {
	r    io.Reader
	path string
}

func (a archiveReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, &ArchiveFormatError{Path: a.path, Err: err}
	}
	return n, err
}

// walkArchive calls fn for every member of the tarball at path, in archive order
func walkArchive(logger log.FieldLogger, path string, fn func(hdr *tar.Header, r io.Reader) error) error {
	file, err := os.Open(path)
	if err != nil {
		return &ArchiveFormatError{Path: path, Err: err}
	}
	defer closeWithLog(logger, file, "tarball")

	stream, err := decompressor(file)
	if err != nil {
		return &ArchiveFormatError{Path: path, Err: err}
	}
	defer closeWithLog(logger, stream, "decompressor")

	tr := tar.NewReader(stream)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if errors.Is(err, tar.ErrInsecurePath) && hdr != nil {
			return &UnsafeArchiveError{Member: hdr.Name, Reason: "is not a local path"}
		}
		if err != nil {
			return &ArchiveFormatError{Path: path, Err: err}
		}
		if err := fn(hdr, archiveReader{r: tr, path: path}); err != nil {
			return err
		}
	}
}

// removeAll deletes path recursively, first granting the owner write access
// to every directory so read-only trees from archives can be removed
func removeAll(path string) error {
	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if info, err := d.Info(); err == nil {
				_ = os.Chmod(p, info.Mode().Perm()|0o700)
			}
		}
		return nil
	})
	return os.RemoveAll(path)
}
