package latch

import (
	"context"
	"errors"
	"sync"
)

// ErrRejected is the fallback rejection cause when Reject is called with nil.
var ErrRejected = errors.New("latch rejected")

// Latch is a single-settlement future. It resolves or rejects exactly once;
// later settlement attempts are no-ops and never change the settled outcome.
// Any number of waiters may Get the same outcome, including waiters that
// arrive after settlement.
type Latch[T any] struct {
	mu      sync.Mutex
	done    chan struct{}
	value   T
	err     error
	settled bool
}

func New[T any]() *Latch[T] {
	return &Latch[T]{done: make(chan struct{})}
}

// Resolve settles the latch with a value. Returns false if the latch was
// already settled.
func (l *Latch[T]) Resolve(v T) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.settled {
		return false
	}
	l.value = v
	l.settled = true
	close(l.done)
	return true
}

// Reject settles the latch with an error. Returns false if the latch was
// already settled.
func (l *Latch[T]) Reject(err error) bool {
	if err == nil {
		err = ErrRejected
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.settled {
		return false
	}
	l.err = err
	l.settled = true
	close(l.done)
	return true
}

// Get blocks until the latch settles or ctx is done, and replays the settled
// outcome to every caller.
func (l *Latch[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-l.done:
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.value, l.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done returns a channel closed on settlement.
func (l *Latch[T]) Done() <-chan struct{} {
	return l.done
}

func (l *Latch[T]) Settled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.settled
}
