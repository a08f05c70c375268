package blob

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
)

func testStoreRoundTrip(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if err := store.Put(ctx, "a/b/seg-0", []byte("payload"), "application/json"); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	rc, err := store.Open(ctx, "a/b/seg-0")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("read %q, want %q", data, "payload")
	}

	info, err := store.Stat(ctx, "a/b/seg-0")
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Size != int64(len("payload")) {
		t.Errorf("size = %d, want %d", info.Size, len("payload"))
	}
	if info.ContentType != "application/json" {
		t.Errorf("content type = %q", info.ContentType)
	}

	if _, err := store.Open(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("open missing = %v, want ErrNotFound", err)
	}
	if _, err := store.Stat(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("stat missing = %v, want ErrNotFound", err)
	}

	if err := store.Delete(ctx, "a/b/seg-0"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := store.Open(ctx, "a/b/seg-0"); !errors.Is(err, ErrNotFound) {
		t.Errorf("open after delete = %v, want ErrNotFound", err)
	}

	// Deleting a missing key is not an error.
	if err := store.Delete(ctx, "a/b/seg-0"); err != nil {
		t.Errorf("second delete = %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	testStoreRoundTrip(t, store)
	if store.Len() != 0 {
		t.Errorf("len after delete = %d, want 0", store.Len())
	}
}

func TestFSStore(t *testing.T) {
	dir, err := os.MkdirTemp("", "blob-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	store, err := NewFSStore(FSConfig{Root: dir, MaxFileHandles: 4})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	testStoreRoundTrip(t, store)
}

func TestFSStorePersistsAcrossReopen(t *testing.T) {
	dir, err := os.MkdirTemp("", "blob-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	ctx := context.Background()

	store, err := NewFSStore(FSConfig{Root: dir, MaxFileHandles: 4})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, "s/seg-1", []byte("abc"), "application/octet-stream"); err != nil {
		t.Fatal(err)
	}
	store.Close()

	reopened, err := NewFSStore(FSConfig{Root: dir, MaxFileHandles: 4})
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	info, err := reopened.Stat(ctx, "s/seg-1")
	if err != nil {
		t.Fatalf("stat after reopen: %v", err)
	}
	if info.Size != 3 || info.ContentType != "application/octet-stream" {
		t.Errorf("info after reopen = %+v", info)
	}
}

func TestFSStoreHandlePool(t *testing.T) {
	dir, err := os.MkdirTemp("", "blob-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	ctx := context.Background()

	store, err := NewFSStore(FSConfig{Root: dir, MaxFileHandles: 2})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	keys := []string{"k/0", "k/1", "k/2", "k/3", "k/4"}
	for _, k := range keys {
		if err := store.Put(ctx, k, []byte(k), "text/plain"); err != nil {
			t.Fatal(err)
		}
	}

	// Repeated opens beyond the pool cap must keep working; eviction is
	// invisible to callers.
	for round := 0; round < 3; round++ {
		for _, k := range keys {
			rc, err := store.Open(ctx, k)
			if err != nil {
				t.Fatalf("open %s: %v", k, err)
			}
			data, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				t.Fatalf("read %s: %v", k, err)
			}
			if string(data) != k {
				t.Errorf("read %s = %q", k, data)
			}
		}
	}
}
