package diskstore

import (
	"log/slog"
	"sync"
	"time"

	"github.com/rjeczalik/notify"
)

const (
	defaultIgnoreWindow    = time.Second
	defaultDebounceTimeout = 50 * time.Millisecond
	rawEventBuffer         = 64
)

// docWatcher watches the document directory for out-of-band filesystem
// changes. Paths the store is about to touch itself are registered through
// IgnoreOnce so the store's own writes do not come back as change events.
// Events are debounced per path: on linux a single logical write shows up as
// a burst of inotify WRITE events until the file is fully written.
type docWatcher struct {
	dir      string
	raw      chan notify.EventInfo
	out      chan string
	debounce time.Duration

	ignoreMu sync.Mutex
	ignore   map[string]time.Time

	timerMu sync.Mutex
	timers  map[string]*time.Timer

	done chan struct{}
	wg   sync.WaitGroup
}

func newDocWatcher(dir string) *docWatcher {
	return &docWatcher{
		dir:      dir,
		debounce: defaultDebounceTimeout,
		ignore:   make(map[string]time.Time),
		timers:   make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}
}

func (w *docWatcher) start() error {
	w.raw = make(chan notify.EventInfo, rawEventBuffer)
	w.out = make(chan string, rawEventBuffer)

	recursive := w.dir + "/..."
	if err := notify.Watch(recursive, w.raw, notify.Write|notify.Remove|notify.Rename); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.filterEvents()
	return nil
}

func (w *docWatcher) stop() {
	close(w.done)
	if w.raw != nil {
		notify.Stop(w.raw)
	}
	w.wg.Wait()
}

// events yields debounced, non-ignored paths. The channel is never closed;
// consumers select on their own stop signal.
func (w *docWatcher) events() <-chan string {
	return w.out
}

// ignoreOnce suppresses the next event for path within the default window.
func (w *docWatcher) ignoreOnce(path string) {
	w.ignoreMu.Lock()
	defer w.ignoreMu.Unlock()
	w.ignore[path] = time.Now().Add(defaultIgnoreWindow)
}

func (w *docWatcher) consumeIgnore(path string) bool {
	w.ignoreMu.Lock()
	defer w.ignoreMu.Unlock()

	expiry, ok := w.ignore[path]
	if !ok {
		return false
	}
	delete(w.ignore, path)
	return time.Now().Before(expiry)
}

func (w *docWatcher) filterEvents() {
	defer func() {
		w.timerMu.Lock()
		for _, timer := range w.timers {
			timer.Stop()
		}
		w.timers = make(map[string]*time.Timer)
		w.timerMu.Unlock()

		w.wg.Done()
	}()

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.raw:
			if !ok {
				return
			}
			w.debouncePath(ev.Path())
		}
	}
}

func (w *docWatcher) debouncePath(path string) {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if timer, ok := w.timers[path]; ok {
		timer.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.flush(path)
	})
}

func (w *docWatcher) flush(path string) {
	w.timerMu.Lock()
	delete(w.timers, path)
	w.timerMu.Unlock()

	if w.consumeIgnore(path) {
		slog.Debug("doc watcher ignore", "path", path)
		return
	}

	select {
	case <-w.done:
	default:
		select {
		case w.out <- path:
		default:
			slog.Warn("doc watcher dropped", "reason", "channel full", "path", path)
		}
	}
}
