package temprepo

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// maxLinkHops matches the Linux MAXSYMLINKS limit
const maxLinkHops = 40

var errTooManyLinks = errors.New("too many levels of symbolic links")

// canonicalDir returns the absolute, symlink free form of dir
func canonicalDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// validatePathContainment ensures fullPath stays within basePath.
// Paths are compared segment by segment so /tmp/abc does not contain /tmp/abcdef.
func validatePathContainment(basePath, fullPath string) error {
	cleanBase := filepath.Clean(basePath)
	cleanFull := filepath.Clean(fullPath)

	rel, err := filepath.Rel(cleanBase, cleanFull)
	if err != nil {
		return fmt.Errorf("path traversal detected: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("path traversal detected: path escapes base directory")
	}
	return nil
}

// isAbsoluteMemberName reports whether a tar member name is rooted.
// Tar names always use forward slashes regardless of the host OS.
func isAbsoluteMemberName(name string) bool {
	return strings.HasPrefix(name, "/") || filepath.IsAbs(filepath.FromSlash(name))
}

// memberDestination joins a tar member name to root
func memberDestination(root, name string) string {
	return filepath.Join(root, filepath.FromSlash(name))
}

// resolvedWithin ensures that the real location of path, following any
// symlinks already present on disk, is inside root. Components of path that
// do not exist yet are ignored since they are going to be created as plain
// directories.
func resolvedWithin(root, path string) error {
	existing := path
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		existing = parent
	}

	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return err
	}
	return validatePathContainment(root, resolved)
}

// followLinks resolves target relative to dir the way the kernel would,
// expanding every symlink found on disk along the way. Components that do not
// exist yet are joined lexically. dir must not contain symlinks.
func followLinks(dir, target string) (string, error) {
	current := dir
	pending := splitPath(target)
	if filepath.IsAbs(target) {
		current = filepath.VolumeName(target) + string(filepath.Separator)
	}

	hops := 0
	for len(pending) > 0 {
		part := pending[0]
		pending = pending[1:]

		switch part {
		case "", ".":
			continue
		case "..":
			current = filepath.Dir(current)
			continue
		}

		next := filepath.Join(current, part)
		info, err := os.Lstat(next)
		if errors.Is(err, fs.ErrNotExist) {
			current = next
			continue
		}
		if err != nil {
			return "", err
		}
		if info.Mode()&fs.ModeSymlink == 0 {
			current = next
			continue
		}

		hops++
		if hops > maxLinkHops {
			return "", errTooManyLinks
		}
		link, err := os.Readlink(next)
		if err != nil {
			return "", err
		}
		if filepath.IsAbs(link) {
			current = filepath.VolumeName(link) + string(filepath.Separator)
		}
		pending = append(splitPath(link), pending...)
	}
	return current, nil
}

func splitPath(path string) []string {
	path = strings.TrimPrefix(path, filepath.VolumeName(path))
	return strings.Split(path, string(filepath.Separator))
}

// linkWithin reports an error when the symlink at path resolves outside root
func linkWithin(root, path string) error {
	dir, err := filepath.EvalSymlinks(filepath.Dir(path))
	if err != nil {
		return err
	}
	link, err := os.Readlink(path)
	if err != nil {
		return err
	}
	resolved, err := followLinks(dir, link)
	if err != nil {
		return err
	}
	return validatePathContainment(root, resolved)
}

// verifyLinks walks root and makes sure every symlink in it still resolves
// inside root. Moving entries, as flattening does, changes where relative
// links point.
func verifyLinks(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		if err := linkWithin(root, path); err != nil {
			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				rel = path
			}
			return &UnsafeArchiveError{Member: filepath.ToSlash(rel), Reason: "is a symlink resolving outside the extraction directory"}
		}
		return nil
	})
}
