package files

import (
	"fmt"
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const (
	octetStream = "application/octet-stream"
	textPlain   = "text/plain"
	inodePrefix = "inode/"
)

// DetectContentType sniffs the MIME type of a local file.
// Directories and other non-regular files are reported as inode types.
func DetectContentType(path string) (string, error) {
	m, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to detect content type of %s: %w", path, err)
	}
	return normalizeContentType(m.String()), nil
}

// ContentTypeIsA reports whether contentType is equal to, or a sub-type of, super.
//
// Besides plain equality and "major/*" wildcards, the mimetype detection tree is
// walked upwards (image/svg+xml -> text/xml -> text/plain, ...). As with the
// shared-mime-info database, every text type is a text/plain and every
// non-inode type is an application/octet-stream.
func ContentTypeIsA(contentType, super string) bool {
	ct := normalizeContentType(contentType)
	sup := normalizeContentType(super)
	if ct == "" || sup == "" {
		return false
	}
	if ct == sup {
		return true
	}

	if major, ok := strings.CutSuffix(sup, "/*"); ok {
		return strings.HasPrefix(ct, major+"/")
	}

	for m := mimetype.Lookup(ct); m != nil; m = m.Parent() {
		if m.Is(sup) {
			return true
		}
	}

	if sup == textPlain && strings.HasPrefix(ct, "text/") {
		return true
	}
	if sup == octetStream && !strings.HasPrefix(ct, inodePrefix) {
		return true
	}
	return false
}

// normalizeContentType lowercases a MIME type and strips its parameters.
func normalizeContentType(contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return ""
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		return mediaType
	}
	base, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}
