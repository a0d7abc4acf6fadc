// Package notify provides the broadcast wakeup primitive used to signal
// "something happened" to any number of waiters, without carrying a
// payload — reload completions, watcher activity, and the like.
package notify

import (
	"context"
	"sync"
)

// Signal wakes every current waiter each time Notify is called. A
// waiter grabs the current channel via C (or blocks in Wait) and is
// released when that channel closes; later waiters get a fresh channel
// and wait for the next Notify.
type Signal struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewSignal creates a ready-to-use Signal.
func NewSignal() *Signal { return &Signal{ch: make(chan struct{})} }

// Notify wakes all current waiters.
func (s *Signal) Notify() {
	s.mu.Lock()
	close(s.ch)
	s.ch = make(chan struct{})
	s.mu.Unlock()
}

// C returns a channel closed on the next Notify call. Re-call C after
// each wakeup to wait for the one after that.
func (s *Signal) C() <-chan struct{} {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	return ch
}

// Wait blocks until the next Notify or until ctx is done, returning
// ctx.Err() in the latter case.
func (s *Signal) Wait(ctx context.Context) error {
	select {
	case <-s.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
