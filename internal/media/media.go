// ABOUTME: Media helpers shared by uploads and ingestion
// ABOUTME: Classifies references that still need video ingestion

package media

import (
	"errors"
	"path/filepath"
	"strings"
)

var (
	// ErrEmptyUpload is returned when an upload has no content.
	ErrEmptyUpload = errors.New("upload is empty")
	// ErrMissingFilename is returned when an upload has no filename.
	ErrMissingFilename = errors.New("upload filename is required")
	// ErrSourceMissing is returned when the file to ingest does not exist.
	ErrSourceMissing = errors.New("source file not found")
)

var rawExtensions = map[string]bool{
	".mp4":  true,
	".avi":  true,
	".mov":  true,
	".mkv":  true,
	".webm": true,
}

// IsRawMedia reports whether ref points at an unprocessed video container
// that must be ingested before an agent can work on it.
func IsRawMedia(ref string) bool {
	return rawExtensions[strings.ToLower(filepath.Ext(ref))]
}
