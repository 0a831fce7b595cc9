// Package temprepo provides a scoped, temporary local checkout of a
// repository distributed as a tarball.
//
// The tarball is downloaded into a fresh scratch directory, validated against
// path traversal, extracted, and the single wrapping directory that source
// hosts put around the content is flattened away. Closing the repository
// removes the scratch directory and everything in it.
package temprepo

import (
	"context"
	"fmt"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
)

// TemporaryRepository is a local checkout of a tarball that lives until Close is called
type TemporaryRepository struct {
	tarballURL string
	opts       []Option

	mu     sync.Mutex
	logger log.FieldLogger
	dir    string
	opened bool
}

// New creates a temporary repository for the tarball at tarballURL. Nothing is
// fetched until Open is called.
func New(tarballURL string, opts ...Option) *TemporaryRepository {
	return &TemporaryRepository{
		tarballURL: tarballURL,
		opts:       opts,
		logger:     discardLogger(),
	}
}

// URL returns the tarball location
func (r *TemporaryRepository) URL() string {
	return r.tarballURL
}

// Dir returns the checkout directory, or an empty string when the repository is not open
func (r *TemporaryRepository) Dir() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dir
}

// Open downloads and extracts the tarball and returns the absolute path of the
// checkout. On failure everything created so far has already been removed.
// A repository can be opened only once.
func (r *TemporaryRepository) Open(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.opened {
		return "", ErrAlreadyOpen
	}
	r.opened = true

	o, err := newOptions(r.opts...)
	if err != nil {
		return "", err
	}
	r.logger = o.logger

	dir, err := r.open(ctx, o)
	recordCheckout(err)
	return dir, err
}

func (r *TemporaryRepository) open(ctx context.Context, o options) (string, error) {
	scratch, err := os.MkdirTemp(o.tempDir, "temprepo-*")
	if err != nil {
		return "", fmt.Errorf("failed to create scratch directory: %w", err)
	}

	root, err := canonicalDir(scratch)
	if err != nil {
		if rmErr := removeAll(scratch); rmErr != nil {
			o.logger.Warnf("Failed to remove scratch directory: %s", rmErr)
		}
		return "", fmt.Errorf("failed to resolve scratch directory: %w", err)
	}
	r.dir = root

	if err := populate(ctx, o, r.tarballURL, root); err != nil {
		if rmErr := r.remove(); rmErr != nil {
			o.logger.Warnf("Failed to remove scratch directory: %s", rmErr)
		}
		return "", err
	}
	return root, nil
}

// populate runs the download, validation, extraction and flattening steps inside root
func populate(ctx context.Context, o options, tarballURL, root string) error {
	archivePath := archiveFilename(root)
	size, err := downloadFile(ctx, o, tarballURL, archivePath)
	if err != nil {
		return err
	}
	o.logger.WithFields(log.Fields{"url": tarballURL, "path": archivePath, "bytes": size}).Info("retrieved tarball")

	if err := validateArchive(o.logger, archivePath, root); err != nil {
		return err
	}
	members, err := extractArchive(o.logger, archivePath, root, o.maxSize)
	if err != nil {
		return err
	}

	if err := os.Remove(archivePath); err != nil {
		return fmt.Errorf("failed to remove downloaded tarball: %w", err)
	}

	if err := flattenDir(o.logger, root, o.strictLayout); err != nil {
		return err
	}
	if err := verifyLinks(root); err != nil {
		return err
	}
	o.logger.WithFields(log.Fields{"dir": root, "members": members}).Info("extracted tarball")
	return nil
}

// Close removes the checkout directory. It is safe to call more than once, and
// before or after a failed Open.
func (r *TemporaryRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remove()
}

func (r *TemporaryRepository) remove() error {
	if r.dir == "" {
		return nil
	}
	dir := r.dir
	r.dir = ""
	if err := removeAll(dir); err != nil {
		return fmt.Errorf("failed to remove temporary repository %s: %w", dir, err)
	}
	r.logger.WithField("dir", dir).Debug("removed temporary repository")
	return nil
}

// Checkout opens a temporary repository for tarballURL, calls fn with its
// directory and removes the directory when fn returns or panics. The error of
// fn is returned unchanged.
func Checkout(ctx context.Context, tarballURL string, fn func(dir string) error, opts ...Option) (err error) {
	repo := New(tarballURL, opts...)
	dir, err := repo.Open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	return fn(dir)
}
