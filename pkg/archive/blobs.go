// Package archive keeps batch manifests so inclusion proofs can be served
// after the aggregator has discarded a window.
package archive

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotFound is returned for a key with no stored manifest.
var ErrNotFound = errors.New("archive: not found")

// Blobs is write-once key/value storage. Keys are lowercase hex digests.
type Blobs interface {
	// Put stores data under key. Writing an existing key is a no-op.
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

func validKey(key string) error {
	if len(key) != 64 {
		return fmt.Errorf("archive: invalid key length %d", len(key))
	}
	if _, err := hex.DecodeString(key); err != nil {
		return fmt.Errorf("archive: invalid key hex: %w", err)
	}
	return nil
}

// FileBlobs is a filesystem-backed Blobs.
type FileBlobs struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileBlobs stores manifests under baseDir.
func NewFileBlobs(baseDir string) (*FileBlobs, error) {
	//nolint:gosec // G301: manifests are not secret
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure archive dir: %w", err)
	}
	return &FileBlobs{baseDir: baseDir}, nil
}

func (s *FileBlobs) path(key string) string {
	return filepath.Join(s.baseDir, key+".json")
}

func (s *FileBlobs) Put(_ context.Context, key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(key)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	tmp := path + ".tmp"
	//nolint:gosec // G306: manifests are not secret
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit manifest: %w", err)
	}
	return nil
}

func (s *FileBlobs) Get(_ context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(key)) //nolint:gosec // key validated as hex
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *FileBlobs) Exists(_ context.Context, key string) (bool, error) {
	if err := validKey(key); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(s.path(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}
