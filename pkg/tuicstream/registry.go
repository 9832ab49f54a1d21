// Package tuicstream implements the per-connection stream registry
// (spec.md §4.7): a scoped counter of live half-streams and datagram
// processors that connection teardown waits to drain before force-closing
// stragglers.
package tuicstream

import (
	"context"
	"sync"
)

// Registry counts in-flight stream handlers for one QUIC connection.
// Acquire at the start of a handler and release on every exit path,
// including panic, so the count precisely reflects live work.
type Registry struct {
	mu   sync.Mutex
	n    int
	wait []chan struct{}
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{}
}

// Acquire registers one live handler and returns a release function. The
// typical call shape is:
//
//	release := reg.Acquire()
//	defer release()
func (r *Registry) Acquire() func() {
	r.mu.Lock()
	r.n++
	r.mu.Unlock()

	var released bool
	return func() {
		if released {
			return
		}
		released = true
		r.mu.Lock()
		r.n--
		n := r.n
		waiters := r.wait
		if n == 0 {
			r.wait = nil
		}
		r.mu.Unlock()

		if n == 0 {
			for _, w := range waiters {
				close(w)
			}
		}
	}
}

// Len reports the number of currently-registered live handlers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Drain blocks until the registry count reaches zero or ctx is done,
// whichever happens first. It returns ctx.Err() on timeout/cancellation,
// or nil once drained. Connection teardown calls Drain with a bounded
// grace-period context, then force-closes any remaining streams on
// timeout (spec.md §4.7).
func (r *Registry) Drain(ctx context.Context) error {
	r.mu.Lock()
	if r.n == 0 {
		r.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	r.wait = append(r.wait, done)
	r.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
