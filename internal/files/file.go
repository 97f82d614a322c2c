// Package files holds the local file-state objects that thumbnail results are
// applied to, and the bounded cache used to find them again by URI.
package files

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
)

// ThumbState is the thumbnail state of a file.
type ThumbState int

const (
	ThumbNone    ThumbState = iota // No thumbnail known, or generation failed
	ThumbLoading                   // Requested from the thumbnail service
	ThumbReady                     // Thumbnail exists in the cache directory
)

func (s ThumbState) String() string {
	switch s {
	case ThumbNone:
		return "none"
	case ThumbLoading:
		return "loading"
	case ThumbReady:
		return "ready"
	default:
		return "unknown"
	}
}

// StateObserver is notified after a file's thumbnail state changed.
type StateObserver func(f *File, oldState, newState ThumbState)

// File is a locally represented file that may be thumbnailed.
// Thread-safe: use the provided methods.
type File struct {
	uri         string
	path        string // Local path, empty for non-file URIs
	contentType string // Empty if unknown

	mu       sync.RWMutex
	state    ThumbState
	observer StateObserver
}

// NewFile creates a file object for an arbitrary URI.
func NewFile(uri, contentType string) *File {
	f := &File{
		uri:         uri,
		contentType: normalizeContentType(contentType),
	}
	if u, err := url.Parse(uri); err == nil && u.Scheme == "file" {
		f.path = u.Path
	}
	return f
}

// URI returns the file's URI.
func (f *File) URI() string { return f.uri }

// Path returns the local path, or "" for non-local URIs.
func (f *File) Path() string { return f.path }

// ContentType returns the MIME type, or "" when unknown.
func (f *File) ContentType() string { return f.contentType }

// HasURIScheme reports whether the file's URI uses the given scheme (case-insensitive).
func (f *File) HasURIScheme(scheme string) bool {
	s, _, ok := strings.Cut(f.uri, ":")
	if !ok {
		return false
	}
	return strings.EqualFold(s, scheme)
}

// ThumbState returns the current thumbnail state.
func (f *File) ThumbState() ThumbState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

// SetThumbState updates the thumbnail state and notifies the observer if it changed.
// The observer runs outside the file lock.
func (f *File) SetThumbState(state ThumbState) {
	f.mu.Lock()
	old := f.state
	f.state = state
	observer := f.observer
	f.mu.Unlock()

	if old != state && observer != nil {
		observer(f, old, state)
	}
}

func (f *File) setObserver(fn StateObserver) {
	f.mu.Lock()
	f.observer = fn
	f.mu.Unlock()
}

// String implements fmt.Stringer.
func (f *File) String() string {
	return fmt.Sprintf("%s [%s]", f.uri, f.ThumbState())
}

// FileURI converts a local path into an absolute file:// URI.
func FileURI(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	return u.String(), nil
}
