package temprepo

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
)

// validateArchive checks every member of the tarball before anything is
// extracted. A member is unsafe when its destination, or the target of a link
// member, resolves outside root.
func validateArchive(logger log.FieldLogger, archivePath, root string) error {
	members := 0
	err := walkArchive(logger, archivePath, func(hdr *tar.Header, _ io.Reader) error {
		members++
		return validateMember(root, hdr)
	})
	if err != nil {
		return err
	}
	if members == 0 {
		return &ArchiveFormatError{Path: archivePath, Err: fmt.Errorf("archive contains no members")}
	}
	return nil
}

func validateMember(root string, hdr *tar.Header) error {
	if isAbsoluteMemberName(hdr.Name) {
		return &UnsafeArchiveError{Member: hdr.Name, Reason: "is an absolute path"}
	}
	target := memberDestination(root, hdr.Name)
	if err := validatePathContainment(root, target); err != nil {
		return &UnsafeArchiveError{Member: hdr.Name, Reason: "resolves outside the extraction directory"}
	}

	switch hdr.Typeflag {
	case tar.TypeSymlink:
		if isAbsoluteMemberName(hdr.Linkname) {
			return &UnsafeArchiveError{Member: hdr.Name, Reason: fmt.Sprintf("links to absolute path %q", hdr.Linkname)}
		}
		linked := filepath.Join(filepath.Dir(target), filepath.FromSlash(hdr.Linkname))
		if err := validatePathContainment(root, linked); err != nil {
			return &UnsafeArchiveError{Member: hdr.Name, Reason: fmt.Sprintf("links outside the extraction directory to %q", hdr.Linkname)}
		}
	case tar.TypeLink:
		if isAbsoluteMemberName(hdr.Linkname) {
			return &UnsafeArchiveError{Member: hdr.Name, Reason: fmt.Sprintf("links to absolute path %q", hdr.Linkname)}
		}
		if err := validatePathContainment(root, memberDestination(root, hdr.Linkname)); err != nil {
			return &UnsafeArchiveError{Member: hdr.Name, Reason: fmt.Sprintf("links outside the extraction directory to %q", hdr.Linkname)}
		}
	}
	return nil
}

type dirAttributes struct {
	path    string
	mode    os.FileMode
	modTime time.Time
}

// extractor writes validated tar members below root. Ownership recorded in
// the archive is never applied.
type extractor struct {
	root    string
	logger  log.FieldLogger
	maxSize int64

	written int64
	members int
	dirs    []dirAttributes
}

// extractArchive extracts all members of archivePath into root and returns the number of members written
func extractArchive(logger log.FieldLogger, archivePath, root string, maxSize int64) (int, error) {
	x := &extractor{root: root, logger: logger, maxSize: maxSize}
	if err := walkArchive(logger, archivePath, x.extractMember); err != nil {
		return x.members, err
	}
	if err := x.finishDirs(); err != nil {
		return x.members, err
	}
	return x.members, nil
}

func (x *extractor) extractMember(hdr *tar.Header, r io.Reader) error {
	target := memberDestination(x.root, hdr.Name)
	if target == x.root {
		return nil
	}
	if err := x.prepareParent(hdr.Name, target); err != nil {
		return err
	}

	mode := hdr.FileInfo().Mode().Perm()
	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := x.extractDir(target); err != nil {
			return err
		}
		x.dirs = append(x.dirs, dirAttributes{path: target, mode: mode, modTime: hdr.ModTime})
	case tar.TypeReg:
		if err := x.extractFile(hdr, target, mode, r); err != nil {
			return err
		}
	case tar.TypeSymlink:
		if err := removeExisting(target); err != nil {
			return err
		}
		if err := os.Symlink(filepath.FromSlash(hdr.Linkname), target); err != nil {
			return err
		}
		if err := linkWithin(x.root, target); err != nil {
			return &UnsafeArchiveError{Member: hdr.Name, Reason: fmt.Sprintf("links through a symlink outside the extraction directory to %q", hdr.Linkname)}
		}
	case tar.TypeLink:
		source := memberDestination(x.root, hdr.Linkname)
		if err := resolvedWithin(x.root, source); err != nil {
			return &UnsafeArchiveError{Member: hdr.Name, Reason: fmt.Sprintf("links through a symlink outside the extraction directory to %q", hdr.Linkname)}
		}
		if err := removeExisting(target); err != nil {
			return err
		}
		if err := os.Link(source, target); err != nil {
			return err
		}
	default:
		x.logger.WithField("member", hdr.Name).Debugf("skipping unsupported tar entry type %q", hdr.Typeflag)
		return nil
	}
	x.members++
	return nil
}

// prepareParent creates the parent directories of target after making sure
// no symlink extracted earlier redirects them outside root
func (x *extractor) prepareParent(name, target string) error {
	parent := filepath.Dir(target)
	if err := resolvedWithin(x.root, parent); err != nil {
		return &UnsafeArchiveError{Member: name, Reason: "is written through a symlink outside the extraction directory"}
	}
	return os.MkdirAll(parent, 0o755)
}

func (x *extractor) extractDir(target string) error {
	info, err := os.Lstat(target)
	if err == nil && info.IsDir() {
		return nil
	}
	if err := removeExisting(target); err != nil {
		return err
	}
	return os.Mkdir(target, 0o755)
}

func (x *extractor) extractFile(hdr *tar.Header, target string, mode os.FileMode, r io.Reader) error {
	x.written += hdr.Size
	if x.maxSize > 0 && x.written > x.maxSize {
		return &ArchiveFormatError{Path: hdr.Name, Err: fmt.Errorf("extracted size exceeds limit of %d bytes", x.maxSize)}
	}
	if err := removeExisting(target); err != nil {
		return err
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode|0o200)
	if err != nil {
		return err
	}
	if _, err := io.CopyN(out, r, hdr.Size); err != nil {
		closeWithLog(x.logger, out, "extracted file")
		if err == io.EOF {
			return &ArchiveFormatError{Path: hdr.Name, Err: io.ErrUnexpectedEOF}
		}
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Chmod(target, mode); err != nil {
		return err
	}
	return os.Chtimes(target, hdr.ModTime, hdr.ModTime)
}

// finishDirs applies directory modes and times once their content is written, deepest first
func (x *extractor) finishDirs() error {
	for i := len(x.dirs) - 1; i >= 0; i-- {
		d := x.dirs[i]
		if err := os.Chmod(d.path, d.mode); err != nil {
			return err
		}
		if err := os.Chtimes(d.path, d.modTime, d.modTime); err != nil {
			return err
		}
	}
	return nil
}

// removeExisting deletes a non-directory entry at path so that a later
// member replaces it instead of writing through it
func removeExisting(path string) error {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return nil
	}
	return os.Remove(path)
}
