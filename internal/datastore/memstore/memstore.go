// Package memstore is a map-backed datastore.Store with a full change-feed
// implementation. It backs tests and local development; the disk and couch
// stores carry the same contract against real storage.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/syncwell/dualstore/internal/datastore"
	"github.com/syncwell/dualstore/internal/datastore/feed"
	"github.com/syncwell/dualstore/internal/mutation"
)

const replayChunkSize = 64

type Store struct {
	id datastore.StoreID

	mu      sync.RWMutex
	docs    map[string]*datastore.Doc
	files   map[datastore.FileBackend]map[string][]byte
	subs    []*feed.Sub
	stopped bool

	// fault injection hooks for tests
	failWrites  error
	failDeletes error
}

func New(id datastore.StoreID) *Store {
	return &Store{
		id:    id,
		docs:  make(map[string]*datastore.Doc),
		files: make(map[datastore.FileBackend]map[string][]byte),
	}
}

// FailWrites makes every subsequent Write fail with err. Pass nil to heal.
func (s *Store) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = err
}

// FailDeletes makes every subsequent Delete fail with err. Pass nil to heal.
func (s *Store) FailDeletes(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDeletes = err
}

func (s *Store) ID() datastore.StoreID {
	return s.id
}

func (s *Store) Init(ctx context.Context, onErr datastore.ErrorListener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = false
	return nil
}

func (s *Store) Stop(ctx context.Context) error {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.stopped = true
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

func (s *Store) Read(ctx context.Context, fingerprint string) (*datastore.Doc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[fingerprint]
	if !ok {
		return nil, nil
	}
	return cloneDoc(doc), nil
}

func (s *Store) Write(ctx context.Context, doc *datastore.Doc, h *datastore.WriteHandle) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return rejectWith(h, datastore.ErrStoreStopped)
	}
	if err := s.failWrites; err != nil {
		s.mu.Unlock()
		return rejectWith(h, err)
	}

	cp := cloneDoc(doc)
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	if cp.Nonce == "" {
		cp.Nonce = datastore.NewNonce()
	}

	mutType := datastore.MutationCreated
	if _, exists := s.docs[cp.Fingerprint]; exists {
		mutType = datastore.MutationUpdated
	}
	s.docs[cp.Fingerprint] = cp
	subs := append([]*feed.Sub(nil), s.subs...)
	s.mu.Unlock()

	if h != nil {
		h.Resolve(cp.Ref())
	}

	payload := cloneDoc(cp)
	s.broadcast(subs, &datastore.DocMutation{
		Fingerprint: cp.Fingerprint,
		Type:        mutType,
		Entry:       cp.Entry(),
		Payload: func() (*datastore.Doc, error) {
			return cloneDoc(payload), nil
		},
	})
	return nil
}

func (s *Store) Delete(ctx context.Context, ref datastore.DocumentRef, h *datastore.WriteHandle) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return rejectWith(h, datastore.ErrStoreStopped)
	}
	if err := s.failDeletes; err != nil {
		s.mu.Unlock()
		return rejectWith(h, err)
	}

	if _, exists := s.docs[ref.Fingerprint]; !exists {
		s.mu.Unlock()
		if h != nil {
			h.Resolve(ref)
		}
		return nil
	}
	delete(s.docs, ref.Fingerprint)
	subs := append([]*feed.Sub(nil), s.subs...)
	s.mu.Unlock()

	if h != nil {
		h.Resolve(ref)
	}

	s.broadcast(subs, &datastore.DocMutation{
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
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs := make([]datastore.DocumentRef, 0, len(s.docs))
	for fp := range s.docs {
		refs = append(refs, datastore.DocumentRef{Fingerprint: fp})
	}
	return refs, nil
}

func (s *Store) WriteFile(ctx context.Context, backend datastore.FileBackend, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return datastore.ErrStoreStopped
	}
	if s.files[backend] == nil {
		s.files[backend] = make(map[string][]byte)
	}
	s.files[backend][name] = append([]byte(nil), data...)
	return nil
}

func (s *Store) GetFile(ctx context.Context, backend datastore.FileBackend, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.files[backend][name]
	if !ok {
		return nil, fmt.Errorf("file %s/%s not found", backend, name)
	}
	return append([]byte(nil), data...), nil
}

func (s *Store) DeleteFile(ctx context.Context, backend datastore.FileBackend, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files[backend], name)
	return nil
}

// Snapshot registers a change-feed listener. The store's existing documents
// are replayed as chunked batch-0 events ending with a terminated marker,
// then live mutations stream with per-subscription batch numbers starting
// at 1. An empty store still replays a single terminated batch-0 event.
func (s *Store) Snapshot(listener datastore.SnapshotListener, onErr datastore.ErrorListener) (datastore.Subscription, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, datastore.ErrStoreStopped
	}

	sub := feed.NewSub("memstore:"+string(s.id), listener, onErr, s.removeSub)
	for _, ev := range s.replayEventsLocked() {
		sub.Enqueue(ev)
	}
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	go sub.Pump()
	return sub, nil
}

// replayEventsLocked builds the batch-0 snapshot events. Caller holds s.mu.
func (s *Store) replayEventsLocked() []*datastore.ChangeEvent {
	var muts []*datastore.DocMutation
	for _, doc := range s.docs {
		payload := cloneDoc(doc)
		muts = append(muts, &datastore.DocMutation{
			Fingerprint: doc.Fingerprint,
			Type:        datastore.MutationCreated,
			Entry:       doc.Entry(),
			Payload: func() (*datastore.Doc, error) {
				return cloneDoc(payload), nil
			},
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

func (s *Store) broadcast(subs []*feed.Sub, mut *datastore.DocMutation) {
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

func rejectWith(h *datastore.WriteHandle, err error) error {
	if h != nil {
		h.Reject(err)
	}
	return err
}

func cloneDoc(d *datastore.Doc) *datastore.Doc {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Data = append([]byte(nil), d.Data...)
	return &cp
}
