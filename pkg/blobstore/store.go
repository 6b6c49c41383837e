// Package blobstore provides write-once keyed object storage used for the
// mandate archive.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned by Get for missing keys.
var ErrNotFound = errors.New("blobstore: not found")

// Store persists immutable objects. PutIfAbsent never overwrites; created
// reports whether this call wrote the object.
type Store interface {
	PutIfAbsent(ctx context.Context, key string, data []byte) (created bool, err error)
	Get(ctx context.Context, key string) ([]byte, error)
	// URI returns a stable reference for key.
	URI(key string) string
}

// FileStore is a filesystem-backed Store.
type FileStore struct {
	baseDir string
}

// NewFileStore creates the base directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: 0755 is intentional for the archive directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure archive dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if strings.Contains(key, "..") || clean == "/" {
		return "", fmt.Errorf("blobstore: invalid key %q", key)
	}
	return filepath.Join(s.baseDir, clean), nil
}

func (s *FileStore) PutIfAbsent(_ context.Context, key string, data []byte) (bool, error) {
	path, err := s.path(key)
	if err != nil {
		return false, err
	}
	//nolint:gosec // G301: see NewFileStore
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, fmt.Errorf("blobstore: mkdir: %w", err)
	}

	// Write to a temp file, then link into place; Link fails if the
	// destination exists, which gives write-once semantics.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return false, fmt.Errorf("blobstore: temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return false, fmt.Errorf("blobstore: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("blobstore: close: %w", err)
	}

	if err := os.Link(tmpPath, path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("blobstore: commit: %w", err)
	}
	return true, nil
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is confined to baseDir
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *FileStore) URI(key string) string {
	return "file://" + filepath.ToSlash(filepath.Join(s.baseDir, key))
}
