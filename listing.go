package temprepo

import (
	"io/fs"
	"path/filepath"
)

// FileEntry describes one entry of a checked out repository
type FileEntry struct {
	Path  string      `json:"path"`
	Size  int64       `json:"size"`
	Mode  fs.FileMode `json:"mode"`
	IsDir bool        `json:"is_dir"`
}

// ListFiles returns every entry below dir with slash separated paths relative to dir, in lexical order
func ListFiles(dir string) ([]FileEntry, error) {
	var entries []FileEntry
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		entry := FileEntry{
			Path:  filepath.ToSlash(relPath),
			Mode:  info.Mode(),
			IsDir: d.IsDir(),
		}
		if info.Mode().IsRegular() {
			entry.Size = info.Size()
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
