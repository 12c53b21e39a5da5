package sync

import (
	"fmt"
	"log/slog"
	stdsync "sync"

	"github.com/syncwell/dualstore/internal/datastore"
)

// DocSyncEvent reports one document brought up to date on a destination
// store, either by startup reconciliation or by ongoing streaming sync.
type DocSyncEvent struct {
	Ref         datastore.DocumentRef
	Destination datastore.StoreID
}

// FileSyncEvent reports one out-of-band file replicated to a destination.
type FileSyncEvent struct {
	Backend     datastore.FileBackend
	Name        string
	Destination datastore.StoreID
}

// Dispatcher is an append-only listener registry. Listeners live for the
// engine's lifetime; there is no removal path. A panicking listener is
// logged and reported, never unsubscribed.
type Dispatcher[E any] struct {
	mu    stdsync.RWMutex
	name  string
	sinks []sink[E]
	onErr datastore.ErrorListener
}

type sink[E any] struct {
	fn    func(E)
	onErr datastore.ErrorListener
}

func NewDispatcher[E any](name string, onErr datastore.ErrorListener) *Dispatcher[E] {
	return &Dispatcher[E]{name: name, onErr: onErr}
}

func (d *Dispatcher[E]) Subscribe(fn func(E)) {
	d.SubscribeWith(fn, nil)
}

// SubscribeWith registers a listener with its own error listener. Failures
// delivering to this listener go there instead of the dispatcher-level one.
func (d *Dispatcher[E]) SubscribeWith(fn func(E), onErr datastore.ErrorListener) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, sink[E]{fn: fn, onErr: onErr})
}

func (d *Dispatcher[E]) Notify(e E) {
	d.mu.RLock()
	sinks := d.sinks
	d.mu.RUnlock()

	for _, s := range sinks {
		d.notifyOne(s, e)
	}
}

func (d *Dispatcher[E]) notifyOne(s sink[E], e E) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%s listener panic: %v", d.name, r)
			slog.Error("dispatch", "dispatcher", d.name, "error", err)
			onErr := s.onErr
			if onErr == nil {
				onErr = d.onErr
			}
			if onErr != nil {
				onErr(err)
			}
		}
	}()
	s.fn(e)
}
