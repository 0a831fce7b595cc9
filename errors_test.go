package temprepo

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: &TransportError{URL: "http://example.com/a.tar.gz", Err: io.ErrUnexpectedEOF}, want: "transport"},
		{err: &ArchiveFormatError{Path: "a.tar.gz", Err: io.ErrUnexpectedEOF}, want: "archive_format"},
		{err: &UnsafeArchiveError{Member: "../a", Reason: "escapes"}, want: "unsafe_archive"},
		{err: &LayoutError{Dir: "/tmp/x"}, want: "layout"},
		{err: fmt.Errorf("wrapped: %w", &LayoutError{Dir: "/tmp/x"}), want: "layout"},
		{err: errors.New("disk full"), want: "filesystem"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, errorKind(tt.err), tt.err.Error())
	}
}

func TestErrorUnwrap(t *testing.T) {
	transportErr := &TransportError{URL: "http://example.com", Err: io.ErrUnexpectedEOF}
	assert.ErrorIs(t, transportErr, io.ErrUnexpectedEOF)
	assert.Contains(t, transportErr.Error(), "http://example.com")

	assert.ErrorIs(t, &UnsafeArchiveError{Member: "../a"}, ErrPathTraversal)
	assert.ErrorIs(t, &LayoutError{Dir: "/tmp/x", Entries: []string{"a", "b"}}, ErrUnexpectedLayout)
	assert.Contains(t, (&LayoutError{Dir: "/tmp/x", Entries: []string{"a", "b"}}).Error(), "a, b")
	assert.Contains(t, (&LayoutError{Dir: "/tmp/x"}).Error(), "is empty")
}
