package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrArchiveObjectNotFound is returned when a snapshot payload is missing
// from the archive even though a metadata record points at it.
var ErrArchiveObjectNotFound = errors.New("archive object not found")

// ArchiveStore holds the snapshot payloads themselves. The metadata
// repository records which key belongs to which backup.
type ArchiveStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// MemoryArchive is an in-memory ArchiveStore for tests and development.
type MemoryArchive struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{objects: make(map[string][]byte)}
}

func (a *MemoryArchive) Put(_ context.Context, key string, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	a.objects[key] = buf
	return nil
}

func (a *MemoryArchive) Get(_ context.Context, key string) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	data, ok := a.objects[key]
	if !ok {
		return nil, ErrArchiveObjectNotFound
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return buf, nil
}

func (a *MemoryArchive) Delete(_ context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.objects, key)
	return nil
}

// FileArchive stores snapshots as files under a base directory. Keys are
// slash-separated paths; anything escaping the base directory is rejected.
type FileArchive struct {
	baseDir string
}

func NewFileArchive(baseDir string) (*FileArchive, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("file archive: create base dir: %w", err)
	}
	return &FileArchive{baseDir: baseDir}, nil
}

func (a *FileArchive) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("file archive: invalid key %q", key)
	}
	return filepath.Join(a.baseDir, clean), nil
}

func (a *FileArchive) Put(_ context.Context, key string, data []byte) error {
	p, err := a.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return fmt.Errorf("file archive: create dir: %w", err)
	}
	// Write to a temp file first so a crash never leaves a truncated snapshot.
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("file archive: write: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("file archive: rename: %w", err)
	}
	return nil
}

func (a *FileArchive) Get(_ context.Context, key string) ([]byte, error) {
	p, err := a.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, ErrArchiveObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("file archive: read: %w", err)
	}
	return data, nil
}

func (a *FileArchive) Delete(_ context.Context, key string) error {
	p, err := a.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("file archive: delete: %w", err)
	}
	return nil
}
