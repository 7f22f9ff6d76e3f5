// Package filestore abstracts the durable file-content store the
// collaboration engine loads baselines from and flushes edits to. The
// engine treats it as a black box: in-memory state stays authoritative for
// live editing and writes are fire-and-forget.
package filestore

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by Read when no content exists for the path.
var ErrNotFound = errors.New("filestore: file not found")

// File is a stored file's content plus its store-side revision.
type File struct {
	Path    string
	Content string
	Version int64
}

// Store reads and writes file content by path.
type Store interface {
	Read(ctx context.Context, path string) (File, error)
	Write(ctx context.Context, path, content string) error
}

// MemoryStore is an in-process Store for tests and single-node setups.
type MemoryStore struct {
	mu    sync.RWMutex
	files map[string]File
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{files: make(map[string]File)}
}

// Read returns the stored file or ErrNotFound.
func (s *MemoryStore) Read(_ context.Context, path string) (File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[path]
	if !ok {
		return File{}, ErrNotFound
	}
	return f, nil
}

// Write stores content under path, bumping the revision.
func (s *MemoryStore) Write(_ context.Context, path, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.files[path]
	f.Path = path
	f.Content = content
	f.Version++
	s.files[path] = f
	return nil
}
