package blob

import (
	"container/list"
	"os"
	"sync"
)

// readerPool manages a pool of read file handles with LRU eviction so hot
// segment reads do not reopen the same file per request.
type readerPool struct {
	mu      sync.Mutex
	maxSize int
	files   map[string]*poolEntry
	lru     *list.List // front = most recently used
}

type poolEntry struct {
	path    string
	file    *os.File
	element *list.Element
}

func newReaderPool(maxSize int) *readerPool {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &readerPool{
		maxSize: maxSize,
		files:   make(map[string]*poolEntry),
		lru:     list.New(),
	}
}

// acquire returns an open handle for path, removing it from the pool. The
// caller returns it with release or closes it. Handing the handle out
// exclusively keeps concurrent readers from sharing a seek position.
func (p *readerPool) acquire(path string) (*os.File, error) {
	p.mu.Lock()
	if entry, ok := p.files[path]; ok {
		p.lru.Remove(entry.element)
		delete(p.files, path)
		p.mu.Unlock()
		return entry.file, nil
	}
	p.mu.Unlock()

	return os.Open(path)
}

// release puts a handle back into the pool, evicting the least recently
// used entry when full.
func (p *readerPool) release(path string, file *os.File) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.files[path]; ok {
		// Another handle for the same path came back first.
		file.Close()
		return
	}

	p.evictIfNeeded()

	entry := &poolEntry{path: path, file: file}
	entry.element = p.lru.PushFront(entry)
	p.files[path] = entry
}

// remove drops any pooled handle for path.
func (p *readerPool) remove(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.files[path]
	if !ok {
		return
	}
	p.lru.Remove(entry.element)
	delete(p.files, path)
	entry.file.Close()
}

// closeAll closes every pooled handle.
func (p *readerPool) closeAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for path, entry := range p.files {
		if err := entry.file.Close(); err != nil {
			lastErr = err
		}
		delete(p.files, path)
	}
	p.lru.Init()
	return lastErr
}

// size returns the number of pooled handles.
func (p *readerPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.files)
}

// evictIfNeeded evicts the least recently used entry when full.
// Must be called with the lock held.
func (p *readerPool) evictIfNeeded() {
	if len(p.files) < p.maxSize {
		return
	}

	elem := p.lru.Back()
	if elem == nil {
		return
	}

	entry := elem.Value.(*poolEntry)
	p.lru.Remove(elem)
	delete(p.files, entry.path)
	entry.file.Close()
}
