package localfs

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// FileEntry represents a file or directory in the local filesystem.
type FileEntry struct {
	Path    string    // Full path to the file
	Name    string    // Base name of the file
	IsDir   bool      // True if this is a directory
	Regular bool      // True for regular files
	ModTime time.Time // Last modification time
}

// Options filters hidden entries and reports unreadable ones.
type Options struct {
	// IncludeHidden includes hidden files and directories.
	// Default is false (hidden items excluded, hidden directories not entered).
	IncludeHidden bool

	// OnError is called for entries that cannot be read. They are skipped.
	OnError func(path string, err error)
}

func (o Options) skip(path string, err error) {
	if o.OnError != nil {
		o.OnError(path, err)
	}
}

// ListFiles returns the regular files directly inside dir, sorted by name.
func ListFiles(dir string, opts Options) ([]FileEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	result := make([]FileEntry, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if !opts.IncludeHidden && IsHiddenName(name) {
			continue
		}
		if !entry.Type().IsRegular() {
			continue
		}

		path := filepath.Join(dir, name)
		info, err := entry.Info()
		if err != nil {
			opts.skip(path, err)
			continue
		}

		result = append(result, FileEntry{
			Path:    path,
			Name:    name,
			Regular: true,
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// WalkFunc is the callback signature for Walk.
// Return filepath.SkipDir to skip a directory, or any other error to stop walking.
type WalkFunc func(entry FileEntry) error

// Walk traverses the tree below root depth-first, directories before their
// contents. root itself is always visited even when its name is hidden, and
// an error reading root is returned. Errors below root go to opts.OnError.
func Walk(root string, opts Options, fn WalkFunc) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			opts.skip(path, err)
			return nil
		}

		if path != root && !opts.IncludeHidden && IsHiddenName(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		entry := FileEntry{
			Path:    path,
			Name:    d.Name(),
			IsDir:   d.IsDir(),
			Regular: d.Type().IsRegular(),
		}
		if entry.Regular {
			info, err := d.Info()
			if err != nil {
				opts.skip(path, err)
				return nil
			}
			entry.ModTime = info.ModTime()
		}

		return fn(entry)
	})
}
