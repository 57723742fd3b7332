// ABOUTME: Disk-backed storage for files uploaded through the chat surfaces
// ABOUTME: Each upload gets a collision-free name that keeps the original extension

package media

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// UploadStore writes uploaded content under a single directory.
type UploadStore struct {
	dir    string
	logger *slog.Logger
}

// NewUploadStore creates the directory if needed.
func NewUploadStore(dir string, logger *slog.Logger) (*UploadStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving uploads dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("creating uploads dir: %w", err)
	}
	return &UploadStore{
		dir:    abs,
		logger: logger.With("component", "uploads"),
	}, nil
}

// Dir returns the absolute upload directory.
func (u *UploadStore) Dir() string {
	return u.dir
}

// Save writes content to <dir>/<uuid><ext> and returns the absolute path.
func (u *UploadStore) Save(filename string, content []byte) (string, error) {
	base := filepath.Base(strings.TrimSpace(filename))
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "", ErrMissingFilename
	}
	if len(content) == 0 {
		return "", ErrEmptyUpload
	}

	ext := strings.ToLower(filepath.Ext(base))
	if ext == "" {
		ext = ".bin"
	}
	target := filepath.Join(u.dir, uuid.New().String()+ext)

	if err := os.WriteFile(target, content, 0644); err != nil {
		return "", fmt.Errorf("writing upload: %w", err)
	}

	u.logger.Info("upload saved", "filename", base, "path", target, "bytes", len(content))
	return target, nil
}
