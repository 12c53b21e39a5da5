// Package diskstore is the filesystem-backed local document store. Documents
// live as JSON files under the data directory, revision bookkeeping lives in
// a sqlite sidecar, and a filesystem watcher turns out-of-band edits into
// change-feed events.
package diskstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofrs/flock"

	"github.com/syncwell/dualstore/internal/datastore"
	"github.com/syncwell/dualstore/internal/datastore/feed"
	"github.com/syncwell/dualstore/internal/mutation"
	"github.com/syncwell/dualstore/internal/utils"
)

const (
	docSuffix       = ".json"
	replayChunkSize = 64
)

type Store struct {
	id   datastore.StoreID
	root string

	docsDir  string
	filesDir string

	meta    *metaStore
	lock    *flock.Flock
	watcher *docWatcher
	onErr   datastore.ErrorListener

	mu      sync.Mutex
	subs    []*feed.Sub
	stopped bool
	running bool

	loopDone chan struct{}
}

// New creates a disk store rooted at dir. The directory is created on Init.
func New(id datastore.StoreID, dir string) *Store {
	return &Store{
		id:      id,
		root:    dir,
		stopped: true,
	}
}

func (s *Store) ID() datastore.StoreID {
	return s.id
}

// Init prepares the data directory, takes an exclusive lock on it, opens the
// revision sidecar and starts the filesystem watcher. A directory already
// locked by another process is an error, not a wait.
func (s *Store) Init(ctx context.Context, onErr datastore.ErrorListener) error {
	root, err := utils.ResolvePath(s.root)
	if err != nil {
		return fmt.Errorf("resolve data dir: %w", err)
	}
	s.root = root
	s.docsDir = filepath.Join(root, "docs")
	s.filesDir = filepath.Join(root, "files")

	for _, dir := range []string{root, s.docsDir, s.filesDir} {
		if err := utils.EnsureDir(dir); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	s.lock = flock.New(filepath.Join(root, ".lock"))
	locked, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock data dir: %w", err)
	}
	if !locked {
		return fmt.Errorf("data dir %s is already in use", root)
	}

	meta, err := openMetaStore(filepath.Join(root, "meta.db"))
	if err != nil {
		s.lock.Unlock()
		return err
	}

	watcher := newDocWatcher(s.docsDir)
	if err := watcher.start(); err != nil {
		meta.close()
		s.lock.Unlock()
		return fmt.Errorf("start doc watcher: %w", err)
	}

	s.mu.Lock()
	s.meta = meta
	s.watcher = watcher
	s.onErr = onErr
	s.stopped = false
	s.running = true
	s.loopDone = make(chan struct{})
	s.mu.Unlock()

	go s.watchLoop()

	slog.Info("diskstore init", "store", s.id, "dir", root)
	return nil
}

func (s *Store) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.running = false
	subs := s.subs
	s.subs = nil
	loopDone := s.loopDone
	s.mu.Unlock()

	s.watcher.stop()
	<-loopDone

	for _, sub := range subs {
		sub.Close()
	}

	var errs []error
	if err := s.meta.close(); err != nil {
		errs = append(errs, fmt.Errorf("close doc meta: %w", err))
	}
	if err := s.lock.Unlock(); err != nil {
		errs = append(errs, fmt.Errorf("unlock data dir: %w", err))
	}
	slog.Info("diskstore stopped", "store", s.id)
	return errors.Join(errs...)
}

func (s *Store) Read(ctx context.Context, fingerprint string) (*datastore.Doc, error) {
	data, err := os.ReadFile(s.docPath(fingerprint))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", fingerprint, err)
	}

	var doc datastore.Doc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", fingerprint, err)
	}
	return &doc, nil
}

// Write persists doc atomically. The handle's written point settles once the
// document file is in place; committed settles once the revision sidecar
// reflects it too.
func (s *Store) Write(ctx context.Context, doc *datastore.Doc, h *datastore.WriteHandle) error {
	if doc == nil || doc.Fingerprint == "" {
		return rejectWith(h, errors.New("write requires a document with a fingerprint"))
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return rejectWith(h, datastore.ErrStoreStopped)
	}
	s.mu.Unlock()

	cp := *doc
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	if cp.Nonce == "" {
		cp.Nonce = datastore.NewNonce()
	}

	data, err := json.Marshal(&cp)
	if err != nil {
		return rejectWith(h, fmt.Errorf("encode %s: %w", cp.Fingerprint, err))
	}

	prev, err := s.meta.get(cp.Fingerprint)
	if err != nil {
		return rejectWith(h, err)
	}

	path := s.docPath(cp.Fingerprint)
	s.watcher.ignoreOnce(path)
	if err := utils.WriteFileAtomic(path, data, 0o644); err != nil {
		return rejectWith(h, fmt.Errorf("write %s: %w", cp.Fingerprint, err))
	}
	if h != nil {
		h.Written.Resolve(cp.Ref())
	}

	if err := s.meta.upsert(cp.Entry()); err != nil {
		if h != nil {
			h.Committed.Reject(err)
		}
		return err
	}
	if h != nil {
		h.Committed.Resolve(cp.Ref())
	}

	mutType := datastore.MutationCreated
	if prev != nil {
		mutType = datastore.MutationUpdated
	}
	s.broadcast(&datastore.DocMutation{
		Fingerprint: cp.Fingerprint,
		Type:        mutType,
		Entry:       cp.Entry(),
		Payload:     s.payloadReader(cp.Fingerprint),
	})
	return nil
}

// Delete removes the document file and its sidecar row. Deleting a document
// that does not exist is a silent no-op.
func (s *Store) Delete(ctx context.Context, ref datastore.DocumentRef, h *datastore.WriteHandle) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return rejectWith(h, datastore.ErrStoreStopped)
	}
	s.mu.Unlock()

	path := s.docPath(ref.Fingerprint)
	if !utils.FileExists(path) {
		if h != nil {
			h.Resolve(ref)
		}
		return nil
	}

	s.watcher.ignoreOnce(path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return rejectWith(h, fmt.Errorf("delete %s: %w", ref.Fingerprint, err))
	}
	if h != nil {
		h.Written.Resolve(ref)
	}

	if err := s.meta.remove(ref.Fingerprint); err != nil {
		if h != nil {
			h.Committed.Reject(err)
		}
		return err
	}
	if h != nil {
		h.Committed.Resolve(ref)
	}

	s.broadcast(&datastore.DocMutation{
		Fingerprint: ref.Fingerprint,
		Type:        datastore.MutationDeleted,
		Entry: &datastore.DocEntry{
			Fingerprint: ref.Fingerprint,
			UpdatedAt:   time.Now(),
			Nonce:       datastore.NewNonce(),
		},
	})
	return nil
}

func (s *Store) ListDocumentRefs(ctx context.Context) ([]datastore.DocumentRef, error) {
	entries, err := s.meta.all()
	if err != nil {
		return nil, err
	}
	refs := make([]datastore.DocumentRef, 0, len(entries))
	for _, entry := range entries {
		refs = append(refs, datastore.DocumentRef{Fingerprint: entry.Fingerprint})
	}
	return refs, nil
}

func (s *Store) WriteFile(ctx context.Context, backend datastore.FileBackend, name string, data []byte) error {
	return utils.WriteFileAtomic(s.filePath(backend, name), data, 0o644)
}

func (s *Store) GetFile(ctx context.Context, backend datastore.FileBackend, name string) ([]byte, error) {
	data, err := os.ReadFile(s.filePath(backend, name))
	if err != nil {
		return nil, fmt.Errorf("read file %s/%s: %w", backend, name, err)
	}
	return data, nil
}

func (s *Store) DeleteFile(ctx context.Context, backend datastore.FileBackend, name string) error {
	if err := os.Remove(s.filePath(backend, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete file %s/%s: %w", backend, name, err)
	}
	return nil
}

// Snapshot registers a change-feed listener. The sidecar's document set is
// replayed as chunked batch-0 events ending with a terminated marker, then
// live mutations stream with per-subscription batch numbers starting at 1.
func (s *Store) Snapshot(listener datastore.SnapshotListener, onErr datastore.ErrorListener) (datastore.Subscription, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, datastore.ErrStoreStopped
	}
	s.mu.Unlock()

	entries, err := s.meta.all()
	if err != nil {
		return nil, err
	}

	sub := feed.NewSub("diskstore:"+string(s.id), listener, onErr, s.removeSub)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, datastore.ErrStoreStopped
	}
	for _, ev := range s.replayEvents(entries) {
		sub.Enqueue(ev)
	}
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	go sub.Pump()
	return sub, nil
}

func (s *Store) replayEvents(entries []*datastore.DocEntry) []*datastore.ChangeEvent {
	var muts []*datastore.DocMutation
	for _, entry := range entries {
		muts = append(muts, &datastore.DocMutation{
			Fingerprint: entry.Fingerprint,
			Type:        datastore.MutationCreated,
			Entry:       entry,
			Payload:     s.payloadReader(entry.Fingerprint),
		})
	}

	var events []*datastore.ChangeEvent
	for start := 0; start < len(muts); start += replayChunkSize {
		end := min(start+replayChunkSize, len(muts))
		events = append(events, &datastore.ChangeEvent{
			Batch:       0,
			Consistency: mutation.ConsistencyCommitted,
			Origin:      s.id,
			Mutations:   muts[start:end],
		})
	}
	if len(events) == 0 {
		events = append(events, &datastore.ChangeEvent{
			Batch:       0,
			Consistency: mutation.ConsistencyCommitted,
			Origin:      s.id,
		})
	}
	events[len(events)-1].Terminated = true
	return events
}

// watchLoop turns debounced filesystem events into change-feed broadcasts.
func (s *Store) watchLoop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.watcher.done:
			return
		case path := <-s.watcher.events():
			s.handleFSEvent(path)
		}
	}
}

// handleFSEvent reconciles one externally changed path against the sidecar
// and broadcasts the resulting mutation. Unparseable files are skipped; a
// half-written file produces another event once its writer finishes.
func (s *Store) handleFSEvent(path string) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".tmp-") || !strings.HasSuffix(base, docSuffix) {
		return
	}
	fingerprint, err := url.PathUnescape(strings.TrimSuffix(base, docSuffix))
	if err != nil {
		slog.Debug("diskstore skip foreign file", "path", path)
		return
	}

	prev, err := s.meta.get(fingerprint)
	if err != nil {
		s.reportError(err)
		return
	}

	if !utils.FileExists(path) {
		if prev == nil {
			return
		}
		if err := s.meta.remove(fingerprint); err != nil {
			s.reportError(err)
			return
		}
		slog.Debug("diskstore external delete", "fingerprint", fingerprint)
		s.broadcast(&datastore.DocMutation{
			Fingerprint: fingerprint,
			Type:        datastore.MutationDeleted,
			Entry: &datastore.DocEntry{
				Fingerprint: fingerprint,
				UpdatedAt:   time.Now(),
				Nonce:       datastore.NewNonce(),
			},
		})
		return
	}

	doc, err := s.Read(context.Background(), fingerprint)
	if err != nil || doc == nil {
		slog.Warn("diskstore unreadable doc", "path", path, "error", err)
		return
	}
	// an external editor rarely stamps a revision; fall back to the file's
	// mtime so repeated events for an unchanged file stay quiet
	if doc.UpdatedAt.IsZero() {
		if info, err := os.Stat(path); err == nil {
			doc.UpdatedAt = info.ModTime()
		} else {
			doc.UpdatedAt = time.Now()
		}
	}
	if !doc.Entry().NewerThan(prev) {
		return
	}

	if err := s.meta.upsert(doc.Entry()); err != nil {
		s.reportError(err)
		return
	}

	mutType := datastore.MutationCreated
	if prev != nil {
		mutType = datastore.MutationUpdated
	}
	slog.Debug("diskstore external change", "fingerprint", fingerprint, "type", mutType)
	s.broadcast(&datastore.DocMutation{
		Fingerprint: fingerprint,
		Type:        mutType,
		Entry:       doc.Entry(),
		Payload:     s.payloadReader(fingerprint),
	})
}

func (s *Store) broadcast(mut *datastore.DocMutation) {
	s.mu.Lock()
	subs := append([]*feed.Sub(nil), s.subs...)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Enqueue(&datastore.ChangeEvent{
			Batch:       sub.NextBatch(),
			Consistency: mutation.ConsistencyCommitted,
			Origin:      s.id,
			Mutations:   []*datastore.DocMutation{mut},
		})
	}
}

func (s *Store) removeSub(target *feed.Sub) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub == target {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

// payloadReader defers loading document content until a consumer asks for it.
func (s *Store) payloadReader(fingerprint string) func() (*datastore.Doc, error) {
	return func() (*datastore.Doc, error) {
		return s.Read(context.Background(), fingerprint)
	}
}

func (s *Store) docPath(fingerprint string) string {
	return filepath.Join(s.docsDir, url.PathEscape(fingerprint)+docSuffix)
}

func (s *Store) filePath(backend datastore.FileBackend, name string) string {
	return filepath.Join(s.filesDir, string(backend), filepath.Clean("/"+name))
}

func (s *Store) reportError(err error) {
	slog.Error("diskstore", "store", s.id, "error", err)
	if s.onErr != nil {
		s.onErr(err)
	}
}

func rejectWith(h *datastore.WriteHandle, err error) error {
	if h != nil {
		h.Reject(err)
	}
	return err
}
