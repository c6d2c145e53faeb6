// Package artifact stores large browser outputs outside the sandbox.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidKey is returned for keys that escape the store root
var ErrInvalidKey = errors.New("invalid artifact key")

// Store persists artifacts by key
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Key builds {organizationId}/browser/{sessionId}/{timestamp}_{random}_{filename}
func Key(organizationID, sessionID, filename string, now time.Time) string {
	random := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	return path.Join(
		segment(organizationID),
		"browser",
		segment(sessionID),
		fmt.Sprintf("%d_%s_%s", now.UnixMilli(), random, segment(filename)),
	)
}

// URL returns the retrieval URL for key
func URL(baseURL, key string) string {
	return strings.TrimRight(baseURL, "/") + "/artifacts/" + key
}

func segment(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || s == "." || s == ".." {
		return "unknown"
	}
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
}

// FileStore keeps artifacts on the local filesystem
type FileStore struct {
	root string
}

// NewFileStore creates root if needed
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &FileStore{root: root}, nil
}

// Put writes data under key. The content type is not stored; it is detected
// again when the artifact is served.
func (s *FileStore) Put(ctx context.Context, key string, data []byte, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}

	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	return os.Rename(tmp, target)
}

// Open returns the artifact stored under key
func (s *FileStore) Open(key string) (*os.File, error) {
	target, err := s.path(key)
	if err != nil {
		return nil, err
	}
	return os.Open(target)
}

func (s *FileStore) path(key string) (string, error) {
	clean := path.Clean("/" + key)
	if key == "" || clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}
