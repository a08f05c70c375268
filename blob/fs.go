package blob

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FSStore is a filesystem-backed blob store. Each blob is a file under the
// root directory; content type is kept in a sidecar ".meta" file because a
// plain filesystem has no object metadata.
type FSStore struct {
	root string
	pool *readerPool

	mu sync.Mutex // serializes Put/Delete for the same key
}

// FSConfig configures an FSStore.
type FSConfig struct {
	Root           string
	MaxFileHandles int
}

type sidecarMeta struct {
	ContentType string `json:"content_type"`
}

// NewFSStore creates a filesystem blob store rooted at cfg.Root.
func NewFSStore(cfg FSConfig) (*FSStore, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("blob root directory is required")
	}
	if err := os.MkdirAll(cfg.Root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &FSStore{
		root: cfg.Root,
		pool: newReaderPool(cfg.MaxFileHandles),
	}, nil
}

// filePath maps a blob key to a path under the root. Keys contain only
// path-safe characters (base64url and fixed literals) so the key's slashes
// become directories directly.
func (s *FSStore) filePath(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

func (s *FSStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	path, err := s.filePath(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}

	// Write to a temp file and rename so readers never see a partial blob.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}

	meta, _ := json.Marshal(sidecarMeta{ContentType: contentType})
	if err := os.WriteFile(path+".meta", meta, 0644); err != nil {
		return err
	}
	return nil
}

func (s *FSStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := s.filePath(key)
	if err != nil {
		return nil, err
	}

	file, err := s.pool.acquire(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		file.Close()
		return nil, err
	}
	return &pooledReader{file: file, path: path, pool: s.pool}, nil
}

func (s *FSStore) Stat(ctx context.Context, key string) (Info, error) {
	path, err := s.filePath(key)
	if err != nil {
		return Info{}, err
	}

	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, ErrNotFound
		}
		return Info{}, err
	}

	info := Info{Key: key, Size: fi.Size()}
	if raw, err := os.ReadFile(path + ".meta"); err == nil {
		var sc sidecarMeta
		if json.Unmarshal(raw, &sc) == nil {
			info.ContentType = sc.ContentType
		}
	}
	return info, nil
}

func (s *FSStore) Delete(ctx context.Context, key string) error {
	path, err := s.filePath(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pool.remove(path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	os.Remove(path + ".meta")
	return nil
}

func (s *FSStore) Close() error {
	return s.pool.closeAll()
}

// pooledReader returns the handle to the pool on Close instead of closing
// it, so the next read of the same segment skips the open.
type pooledReader struct {
	file *os.File
	path string
	pool *readerPool
}

func (r *pooledReader) Read(p []byte) (int, error) {
	return r.file.Read(p)
}

func (r *pooledReader) Close() error {
	r.pool.release(r.path, r.file)
	return nil
}
