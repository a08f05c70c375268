package stream

import (
	"sync"
	"time"
)

// WakeKind tells a suspended reader why it was woken.
type WakeKind int

const (
	WakeAppend WakeKind = iota
	WakeClosed
	WakeDeleted
)

// Waiter is a passive record for a suspended long-poll or SSE reader. The
// engine never blocks on a waiter; the HTTP layer selects on C against its
// own deadline and the request context.
type Waiter struct {
	ID       uint64
	Expected uint64 // position the reader is waiting at
	Cursor   string
	Deadline time.Time
	C        chan WakeKind
}

// waiterTable holds the in-memory waiter sets per stream key. Registration
// and wake for one stream are serialized by the stream's actor; the lock
// only guards the cross-stream map.
type waiterTable struct {
	mu      sync.Mutex
	nextID  uint64
	waiters map[string][]*Waiter // FIFO per stream key
}

func newWaiterTable() *waiterTable {
	return &waiterTable{waiters: make(map[string][]*Waiter)}
}

// register adds a waiter at the back of the stream's FIFO queue.
func (t *waiterTable) register(streamKey string, expected uint64, cursor string, deadline time.Time) *Waiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	w := &Waiter{
		ID:       t.nextID,
		Expected: expected,
		Cursor:   cursor,
		Deadline: deadline,
		C:        make(chan WakeKind, 1),
	}
	t.waiters[streamKey] = append(t.waiters[streamKey], w)
	return w
}

// deregister removes a waiter by id. Safe to call after a wake.
func (t *waiterTable) deregister(streamKey string, id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ws := t.waiters[streamKey]
	for i, w := range ws {
		if w.ID == id {
			t.waiters[streamKey] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(t.waiters[streamKey]) == 0 {
		delete(t.waiters, streamKey)
	}
}

// wakeAppend offers the append to every waiter whose expected position now
// has data, in FIFO order. Woken waiters are deregistered before their
// channel fires so a waiter never sees the same append twice.
func (t *waiterTable) wakeAppend(streamKey string, newTail uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ws := t.waiters[streamKey]
	var keep []*Waiter
	for _, w := range ws {
		if w.Expected < newTail {
			w.C <- WakeAppend
		} else {
			keep = append(keep, w)
		}
	}
	if len(keep) == 0 {
		delete(t.waiters, streamKey)
	} else {
		t.waiters[streamKey] = keep
	}
}

// wakeAll wakes every waiter with the given kind (close or delete) and
// clears the queue.
func (t *waiterTable) wakeAll(streamKey string, kind WakeKind) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, w := range t.waiters[streamKey] {
		w.C <- kind
	}
	delete(t.waiters, streamKey)
}

// count returns the number of registered waiters for a stream. Test helper.
func (t *waiterTable) count(streamKey string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters[streamKey])
}
