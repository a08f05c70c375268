package blob

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// MemoryStore is an in-memory Store for tests and dev mode.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]memoryBlob
}

type memoryBlob struct {
	data        []byte
	contentType string
}

// NewMemoryStore creates an empty in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string]memoryBlob)}
}

func (s *MemoryStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	cp := make([]byte, len(data))
	copy(cp, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = memoryBlob{data: cp, contentType: contentType}
	return nil
}

func (s *MemoryStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	b, ok := s.blobs[key]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b.data)), nil
}

func (s *MemoryStore) Stat(ctx context.Context, key string) (Info, error) {
	s.mu.RLock()
	b, ok := s.blobs[key]
	s.mu.RUnlock()

	if !ok {
		return Info{}, ErrNotFound
	}
	return Info{Key: key, Size: int64(len(b.data)), ContentType: b.contentType}, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// Len returns the number of stored blobs. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
