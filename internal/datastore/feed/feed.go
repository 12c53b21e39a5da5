// Package feed carries the per-subscription delivery machinery shared by the
// store implementations.
package feed

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/syncwell/dualstore/internal/datastore"
)

// Sub delivers change events to one listener in enqueue order. Delivery runs
// on a dedicated pump goroutine so the owning store never blocks on a slow
// listener and the listener is never re-entered concurrently.
type Sub struct {
	name     string
	listener datastore.SnapshotListener
	onErr    datastore.ErrorListener
	detach   func(*Sub)

	mu     sync.Mutex
	queue  []*datastore.ChangeEvent
	batch  int
	closed bool

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewSub creates a subscription. detach is called once on Unsubscribe so the
// owning store can drop it from its registry; it may be nil. The caller must
// start Pump on its own goroutine after enqueueing any replay events.
func NewSub(name string, listener datastore.SnapshotListener, onErr datastore.ErrorListener, detach func(*Sub)) *Sub {
	return &Sub{
		name:     name,
		listener: listener,
		onErr:    onErr,
		detach:   detach,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// NextBatch returns the batch number for the next streaming event. Batch 0 is
// reserved for the initial replay.
func (sub *Sub) NextBatch() int {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.batch++
	return sub.batch
}

func (sub *Sub) Enqueue(ev *datastore.ChangeEvent) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.queue = append(sub.queue, ev)
	sub.mu.Unlock()

	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *Sub) Pump() {
	for {
		select {
		case <-sub.done:
			return
		case <-sub.wake:
		}
		for {
			sub.mu.Lock()
			if len(sub.queue) == 0 {
				sub.mu.Unlock()
				break
			}
			ev := sub.queue[0]
			sub.queue = sub.queue[1:]
			sub.mu.Unlock()
			sub.deliver(ev)
		}
	}
}

func (sub *Sub) deliver(ev *datastore.ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("snapshot listener panic: %v", r)
			slog.Error("change feed", "feed", sub.name, "error", err)
			if sub.onErr != nil {
				sub.onErr(err)
			}
		}
	}()
	sub.listener(ev)
}

func (sub *Sub) Close() {
	sub.closeOnce.Do(func() {
		sub.mu.Lock()
		sub.closed = true
		sub.queue = nil
		sub.mu.Unlock()
		close(sub.done)
	})
}

func (sub *Sub) Unsubscribe() {
	if sub.detach != nil {
		sub.detach(sub)
	}
	sub.Close()
}
