package sync

import (
	stdsync "sync"

	"github.com/syncwell/dualstore/internal/datastore"
	"github.com/syncwell/dualstore/internal/latch"
	"github.com/syncwell/dualstore/internal/mutation"
)

// sessionPhase tracks where a snapshot session is in the startup handshake.
type sessionPhase string

const (
	phaseAwaitingLocalInitial sessionPhase = "awaiting_local_initial"
	phaseAwaitingCloudInitial sessionPhase = "awaiting_cloud_initial"
	phaseReconciling          sessionPhase = "reconciling"
	phaseStreaming            sessionPhase = "streaming"
)

// initialSnapshot accumulates one store's batch-0 replay into a SyncDocMap.
// It settles its latch only when a committed terminated batch-0 event has
// been seen AND the in-flight counter has drained to zero, which guards
// against out-of-order completion of concurrently processed events within
// the batch.
type initialSnapshot struct {
	mu         stdsync.Mutex
	pending    int
	terminated bool
	docs       datastore.SyncDocMap
	done       *latch.Latch[datastore.SyncDocMap]
}

func newInitialSnapshot() *initialSnapshot {
	return &initialSnapshot{
		docs: make(datastore.SyncDocMap),
		done: latch.New[datastore.SyncDocMap](),
	}
}

// begin marks one batch-0 event as in flight.
func (s *initialSnapshot) begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending++
}

// absorb folds one mutation into the accumulated document map.
func (s *initialSnapshot) absorb(mut *datastore.DocMutation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mut.Type == datastore.MutationDeleted {
		delete(s.docs, mut.Fingerprint)
		return
	}
	s.docs[mut.Fingerprint] = mut.Entry
}

// finish marks one in-flight event done; terminal reports whether the event
// was a committed terminated batch-0 marker.
func (s *initialSnapshot) finish(terminal bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending--
	if terminal {
		s.terminated = true
	}
	if s.terminated && s.pending == 0 {
		s.done.Resolve(s.docs)
	}
}

func (s *initialSnapshot) completed() bool {
	return s.done.Settled()
}

// snapshotSession is one subscription against the engine's unified feed. The
// primary session (created by Start) runs global reconciliation; secondary
// sessions against an already-synchronized engine skip straight to
// streaming.
type snapshotSession struct {
	id       int64
	engine   *Engine
	listener datastore.SnapshotListener
	onErr    datastore.ErrorListener
	primary  bool

	local *initialSnapshot
	cloud *initialSnapshot

	mu        stdsync.Mutex
	streaming bool
	buffered  []*datastore.ChangeEvent

	// processMu serializes streaming delivery so buffered events drain
	// before any live event is handled
	processMu stdsync.Mutex

	subs []datastore.Subscription
}

func newSnapshotSession(id int64, e *Engine, listener datastore.SnapshotListener, onErr datastore.ErrorListener, primary bool) *snapshotSession {
	return &snapshotSession{
		id:       id,
		engine:   e,
		listener: listener,
		onErr:    onErr,
		primary:  primary,
		local:    newInitialSnapshot(),
		cloud:    newInitialSnapshot(),
	}
}

func (s *snapshotSession) phase() sessionPhase {
	if !s.local.completed() {
		return phaseAwaitingLocalInitial
	}
	if !s.cloud.completed() {
		return phaseAwaitingCloudInitial
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streaming {
		return phaseStreaming
	}
	return phaseReconciling
}

func (s *snapshotSession) sideFor(origin datastore.StoreID) *initialSnapshot {
	if origin == datastore.StoreCloud {
		return s.cloud
	}
	return s.local
}

// handleEvent routes one raw feed event. Batch-0 events are accumulated and
// never forwarded; later events buffer until streaming begins, then flow
// through dedup and ongoing sync.
func (s *snapshotSession) handleEvent(ev *datastore.ChangeEvent) {
	side := s.sideFor(ev.Origin)
	if ev.Batch == 0 && !side.completed() {
		side.begin()
		for _, mut := range ev.Mutations {
			side.absorb(mut)
		}
		side.finish(ev.Terminated && ev.Consistency == mutation.ConsistencyCommitted)
		return
	}

	s.mu.Lock()
	if !s.streaming {
		s.buffered = append(s.buffered, ev)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.processMu.Lock()
	defer s.processMu.Unlock()
	s.engine.handleStreamEvent(s, ev)
}

// beginStreaming drains events buffered during reconciliation and opens the
// live path. Events that raced into the buffer are delivered first.
func (s *snapshotSession) beginStreaming() {
	s.processMu.Lock()
	defer s.processMu.Unlock()

	s.mu.Lock()
	buffered := s.buffered
	s.buffered = nil
	s.streaming = true
	s.mu.Unlock()

	for _, ev := range buffered {
		s.engine.handleStreamEvent(s, ev)
	}
}

func (s *snapshotSession) forward(ev *datastore.ChangeEvent) {
	if s.listener != nil {
		s.listener(ev)
	}
}

func (s *snapshotSession) Unsubscribe() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil
}
