package temprepo

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPathTraversal is wrapped by UnsafeArchiveError
	ErrPathTraversal = errors.New("attempted path traversal in tar file")
	// ErrUnexpectedLayout is wrapped by LayoutError
	ErrUnexpectedLayout = errors.New("archive does not contain a single top-level directory")
	// ErrAlreadyOpen is returned when Open is called more than once on the same repository
	ErrAlreadyOpen = errors.New("temporary repository already opened")
)

// TransportError reports a failed tarball download
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("failed to retrieve tarball %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ArchiveFormatError reports content that could not be read as a tar archive
type ArchiveFormatError struct {
	Path string
	Err  error
}

func (e *ArchiveFormatError) Error() string {
	return fmt.Sprintf("invalid tar archive %s: %v", e.Path, e.Err)
}

func (e *ArchiveFormatError) Unwrap() error { return e.Err }

// UnsafeArchiveError reports an archive member that would be written outside the scratch directory.
// Nothing is extracted when it is returned.
type UnsafeArchiveError struct {
	Member string
	Reason string
}

func (e *UnsafeArchiveError) Error() string {
	return fmt.Sprintf("%v: member %q %s", ErrPathTraversal, e.Member, e.Reason)
}

func (e *UnsafeArchiveError) Unwrap() error { return ErrPathTraversal }

// LayoutError reports an extracted tree without exactly one wrapping directory
type LayoutError struct {
	Dir     string
	Entries []string
}

func (e *LayoutError) Error() string {
	if len(e.Entries) == 0 {
		return fmt.Sprintf("%v: %s is empty", ErrUnexpectedLayout, e.Dir)
	}
	return fmt.Sprintf("%v: found [%s]", ErrUnexpectedLayout, strings.Join(e.Entries, ", "))
}

func (e *LayoutError) Unwrap() error { return ErrUnexpectedLayout }

// errorKind returns the metrics label for err
func errorKind(err error) string {
	var (
		transportErr *TransportError
		formatErr    *ArchiveFormatError
		unsafeErr    *UnsafeArchiveError
		layoutErr    *LayoutError
	)
	switch {
	case errors.As(err, &transportErr):
		return "transport"
	case errors.As(err, &formatErr):
		return "archive_format"
	case errors.As(err, &unsafeErr):
		return "unsafe_archive"
	case errors.As(err, &layoutErr):
		return "layout"
	default:
		return "filesystem"
	}
}
