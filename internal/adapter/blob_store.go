package adapter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// BlobStore stores immutable content-addressed blobs. Upload is idempotent:
// re-uploading an existing path is a no-op that returns the same public URL.
type BlobStore interface {
	Upload(ctx context.Context, data []byte, path, contentType string) (publicURL string, err error)
	Exists(ctx context.Context, path string) (bool, error)
}

// FSBlobStore persists blobs under a directory and serves them from a public
// base URL. Image paths are content-addressed so collisions are identical.
type FSBlobStore struct {
	dir     string
	baseURL string
}

// NewFSBlobStore creates a filesystem blob store rooted at dir
func NewFSBlobStore(dir, baseURL string) (*FSBlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob dir: %w", err)
	}
	return &FSBlobStore{dir: dir, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

func (s *FSBlobStore) publicURL(path string) string {
	return s.baseURL + "/" + strings.TrimPrefix(path, "/")
}

// Upload writes the blob unless it already exists
func (s *FSBlobStore) Upload(ctx context.Context, data []byte, path, contentType string) (string, error) {
	full := filepath.Join(s.dir, filepath.FromSlash(path))

	if _, err := os.Stat(full); err == nil {
		return s.publicURL(path), nil
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("failed to create blob subdir: %w", err)
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		return "", fmt.Errorf("failed to finalize blob: %w", err)
	}
	return s.publicURL(path), nil
}

// Exists reports whether a blob is already stored at path
func (s *FSBlobStore) Exists(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(filepath.Join(s.dir, filepath.FromSlash(path)))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// MemBlobStore is an in-memory blob store for tests
type MemBlobStore struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	baseURL string
}

// NewMemBlobStore creates an in-memory blob store
func NewMemBlobStore(baseURL string) *MemBlobStore {
	return &MemBlobStore{
		blobs:   make(map[string][]byte),
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

// Upload stores the blob unless the path is already present
func (s *MemBlobStore) Upload(ctx context.Context, data []byte, path, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[path]; !ok {
		s.blobs[path] = data
	}
	return s.baseURL + "/" + strings.TrimPrefix(path, "/"), nil
}

// Exists reports whether a blob is stored at path
func (s *MemBlobStore) Exists(ctx context.Context, path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[path]
	return ok, nil
}

// Len returns the number of stored blobs
func (s *MemBlobStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}
