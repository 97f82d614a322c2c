package localfs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestIsHidden(t *testing.T) {
	tests := []struct {
		path     string
		expected bool
	}{
		{".hidden", true},
		{".thumbnails", true},
		{"visible.png", false},
		{"normal", false},
		{"/path/to/.hidden", true},
		{"/path/to/visible.png", false},
		{"../.hidden", true},
		{"../visible.png", false},
		{"..", false}, // Special case: parent dir reference
		{".", false},  // Special case: current dir reference
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			result := IsHidden(tt.path)
			if result != tt.expected {
				t.Errorf("IsHidden(%q) = %v, want %v", tt.path, result, tt.expected)
			}
		})
	}
}

// makeTree creates:
//
//	root/
//	  b.png
//	  a.png
//	  .hidden.png
//	  subdir/
//	    c.png
//	  .cache/
//	    d.png
func makeTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, dir := range []string{"subdir", ".cache"} {
		if err := os.Mkdir(filepath.Join(root, dir), 0755); err != nil {
			t.Fatal(err)
		}
	}
	for _, f := range []string{"b.png", "a.png", ".hidden.png", "subdir/c.png", ".cache/d.png"} {
		if err := os.WriteFile(filepath.Join(root, f), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestListFiles(t *testing.T) {
	root := makeTree(t)

	t.Run("exclude hidden", func(t *testing.T) {
		entries, err := ListFiles(root, Options{})
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 2 {
			t.Fatalf("got %d entries, want 2", len(entries))
		}
		if entries[0].Name != "a.png" || entries[1].Name != "b.png" {
			t.Errorf("expected sorted [a.png b.png], got [%s %s]", entries[0].Name, entries[1].Name)
		}
		if entries[0].Path != filepath.Join(root, "a.png") {
			t.Errorf("entry has Path=%q", entries[0].Path)
		}
		if entries[0].ModTime.IsZero() {
			t.Error("expected modification time to be set")
		}
	})

	t.Run("include hidden", func(t *testing.T) {
		entries, err := ListFiles(root, Options{IncludeHidden: true})
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 3 {
			t.Errorf("got %d entries, want 3", len(entries))
		}
	})

	t.Run("nonexistent directory", func(t *testing.T) {
		if _, err := ListFiles(filepath.Join(root, "missing"), Options{}); err == nil {
			t.Error("expected error for nonexistent directory")
		}
	})
}

func TestWalk(t *testing.T) {
	root := makeTree(t)

	collect := func(opts Options, skipSubdirs bool) (dirs, files []string) {
		err := Walk(root, opts, func(e FileEntry) error {
			rel, _ := filepath.Rel(root, e.Path)
			if e.IsDir {
				dirs = append(dirs, rel)
				if skipSubdirs && e.Path != root {
					return filepath.SkipDir
				}
				return nil
			}
			files = append(files, rel)
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		return dirs, files
	}

	dirs, files := collect(Options{}, false)
	if len(dirs) != 2 || len(files) != 3 {
		t.Errorf("exclude hidden: got dirs %v files %v", dirs, files)
	}

	dirs, files = collect(Options{IncludeHidden: true}, false)
	if len(dirs) != 3 || len(files) != 5 {
		t.Errorf("include hidden: got dirs %v files %v", dirs, files)
	}

	dirs, files = collect(Options{}, true)
	if len(dirs) != 2 || len(files) != 2 {
		t.Errorf("skip subdirs: got dirs %v files %v", dirs, files)
	}
}

func TestWalkHiddenRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), ".photos")
	if err := os.Mkdir(root, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "a.png"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	count := 0
	err := Walk(root, Options{}, func(e FileEntry) error {
		if e.Regular {
			count++
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("expected hidden root to be walked, got %d files", count)
	}
}

func TestWalkMissingRoot(t *testing.T) {
	err := Walk(filepath.Join(t.TempDir(), "missing"), Options{}, func(FileEntry) error { return nil })
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}
