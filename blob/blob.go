// Package blob abstracts the object store that holds rotated stream
// segments. Keys are opaque strings, values are write-once: a key is never
// overwritten because rotation always assigns a fresh segment sequence.
package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a blob does not exist.
var ErrNotFound = errors.New("blob not found")

// Info describes a stored blob.
type Info struct {
	Key         string
	Size        int64
	ContentType string
}

// Store is the object store contract used for rotated segments.
type Store interface {
	// Put stores a blob under key with the given content type as metadata.
	// Keys are write-once; Put over an existing key replaces it but the
	// engine never does that.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Open returns a streaming reader for the blob. The caller must close
	// it. Returns ErrNotFound if the key does not exist.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Stat returns blob metadata without opening it.
	Stat(ctx context.Context, key string) (Info, error)

	// Delete removes a blob. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}
