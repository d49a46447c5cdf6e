// Package filestore keeps uploaded image bytes addressed by their content id.
package filestore

import (
	"errors"
	"io"
	"regexp"
)

var (
	ErrInvalidID = errors.New("invalid file id")

	idRegex = regexp.MustCompile(`^[0-9a-f]{16,128}$`)
)

// FileStore stores and retrieves immutable files by content id.
type FileStore interface {
	// Save stores the content under id. Saving an id that already exists is
	// a no-op. The file becomes visible to Open only once fully written.
	Save(r io.Reader, id string) error

	// Open returns the content stored under id. A missing file yields an
	// error wrapping models.ErrNotFound.
	Open(id string) (io.ReadCloser, error)

	Has(id string) bool
}

// ValidID reports whether id is a lowercase hex content id.
func ValidID(id string) bool {
	return idRegex.MatchString(id)
}
