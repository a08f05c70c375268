// Package actor provides per-key serialized execution: one mailbox and one
// worker goroutine per active key. Handlers submitted for the same key run
// one at a time in arrival order; different keys run concurrently. Idle
// workers spin down after an inactivity window.
package actor

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned when the system has been shut down.
var ErrClosed = errors.New("actor system closed")

// DefaultIdleTimeout is how long a worker lingers with an empty mailbox
// before spinning down.
const DefaultIdleTimeout = 2 * time.Minute

// defaultMailboxSize bounds the queue per key; submitters block when it is
// full, which is the system's back-pressure.
const defaultMailboxSize = 256

// System dispatches tasks to per-key workers.
type System struct {
	mu      sync.Mutex
	mailbox map[string]*worker
	idle    time.Duration
	closed  bool
	wg      sync.WaitGroup
}

type worker struct {
	tasks chan task
}

type task struct {
	fn   func()
	done chan struct{}
}

// NewSystem creates an actor system. idleTimeout <= 0 uses the default.
func NewSystem(idleTimeout time.Duration) *System {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &System{
		mailbox: make(map[string]*worker),
		idle:    idleTimeout,
	}
}

// Do runs fn on key's worker and waits for it to finish. Within one key,
// functions execute in submission order without interleaving. If ctx is
// cancelled before fn has been picked up, Do returns the context error and
// fn still runs when its turn comes; completed work is never rolled back.
func (s *System) Do(ctx context.Context, key string, fn func()) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	w, ok := s.mailbox[key]
	if !ok {
		w = &worker{tasks: make(chan task, defaultMailboxSize)}
		s.mailbox[key] = w
		s.wg.Add(1)
		go s.run(key, w)
	}
	s.mu.Unlock()

	t := task{fn: fn, done: make(chan struct{})}
	select {
	case w.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *System) run(key string, w *worker) {
	defer s.wg.Done()

	timer := time.NewTimer(s.idle)
	defer timer.Stop()

	for {
		select {
		case t := <-w.tasks:
			t.fn()
			close(t.done)
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(s.idle)
		case <-timer.C:
			// Spin down, but re-check the mailbox under the lock so a
			// task submitted between the timeout and the delete is not
			// stranded.
			s.mu.Lock()
			select {
			case t := <-w.tasks:
				s.mu.Unlock()
				t.fn()
				close(t.done)
				timer.Reset(s.idle)
				continue
			default:
			}
			if !s.closed {
				delete(s.mailbox, key)
			}
			s.mu.Unlock()
			return
		}
	}
}

// Active returns the number of live workers.
func (s *System) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mailbox)
}

// Close drains all workers and prevents further submissions.
func (s *System) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	workers := make([]*worker, 0, len(s.mailbox))
	for _, w := range s.mailbox {
		workers = append(workers, w)
	}
	s.mailbox = make(map[string]*worker)
	s.mu.Unlock()

	// Drain pending tasks so no submitter is left waiting.
	for _, w := range workers {
		for {
			select {
			case t := <-w.tasks:
				t.fn()
				close(t.done)
				continue
			default:
			}
			break
		}
	}
}
