package temprepo

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// flattenDir moves the content of the single top-level directory of root one
// level up and removes the emptied directory. When root does not hold exactly
// one directory a LayoutError is returned in strict mode, otherwise root is
// left untouched.
func flattenDir(logger log.FieldLogger, root string, strict bool) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}

	if len(entries) != 1 || !entries[0].IsDir() {
		names := make([]string, len(entries))
		for i, entry := range entries {
			names[i] = entry.Name()
		}
		if strict {
			return &LayoutError{Dir: root, Entries: names}
		}
		logger.WithField("entries", names).Info("tarball has no single wrapping directory, keeping layout")
		return nil
	}

	// The wrapper is renamed first so a child carrying the same name can take its place
	inner := filepath.Join(root, entries[0].Name())
	staging := filepath.Join(root, fmt.Sprintf(".temprepo-%s", uuid.New()))
	if err := os.Rename(inner, staging); err != nil {
		return fmt.Errorf("failed to move wrapping directory: %w", err)
	}
	if err := os.Chmod(staging, 0o700); err != nil {
		return err
	}

	children, err := os.ReadDir(staging)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := moveEntry(filepath.Join(staging, child.Name()), filepath.Join(root, child.Name())); err != nil {
			return fmt.Errorf("failed to move %s out of wrapping directory: %w", child.Name(), err)
		}
	}

	if err := os.Remove(staging); err != nil {
		return fmt.Errorf("failed to remove wrapping directory: %w", err)
	}
	logger.WithFields(log.Fields{"dir": root, "wrapper": entries[0].Name()}).Debug("flattened wrapping directory")
	return nil
}

// moveEntry renames src to dst. A directory needs owner write access to be
// moved to a new parent, so read-only directories get it for the duration of
// the rename.
func moveEntry(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	mode := info.Mode().Perm()
	if !info.IsDir() || mode&0o200 != 0 {
		return os.Rename(src, dst)
	}

	if err := os.Chmod(src, mode|0o200); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err != nil {
		return err
	}
	return os.Chmod(dst, mode)
}
