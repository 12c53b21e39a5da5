// Package sync implements the dual-datastore synchronization engine: one
// logical document store backed by a local store (authoritative for reads)
// and a cloud store (replication target and source), kept convergent under
// concurrent local edits and incoming remote changes without blocking
// callers on cloud latency.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/syncwell/dualstore/internal/datastore"
	"github.com/syncwell/dualstore/internal/mutation"
)

var (
	ErrAlreadyStarted = errors.New("sync engine already started")
	ErrNotStarted     = errors.New("sync engine not started")
)

// Config wires an Engine. Local and Cloud are required; everything else has
// a default.
type Config struct {
	Local datastore.Store
	Cloud datastore.Store

	// IndexPath is the comparison index database path. Defaults to
	// ":memory:".
	IndexPath string

	// Consistency selects which completion point Write waits for.
	// Defaults to written. Under committed, a stalled cloud leg can block
	// callers indefinitely.
	Consistency mutation.Consistency

	// Transfer overrides the default last-writer-wins transfer engine.
	Transfer Transfer

	// OnError receives failures that do not surface through a handle.
	OnError datastore.ErrorListener

	// ShutdownHook runs to completion before feeds are torn down.
	ShutdownHook func(context.Context) error
}

// Engine is the synchronization orchestrator. It owns the comparison index
// and the event dispatchers for its lifetime; the two stores are owned by
// whoever constructed them.
type Engine struct {
	local datastore.Store
	cloud datastore.Store

	index    *ComparisonIndex
	dedup    *Deduplicator
	transfer Transfer
	level    mutation.Consistency

	onErr        datastore.ErrorListener
	shutdownHook func(context.Context) error

	docSync  *Dispatcher[*DocSyncEvent]
	fileSync *Dispatcher[*FileSyncEvent]
	rawFeed  *Dispatcher[*datastore.ChangeEvent]

	sessionSeq   atomic.Int64
	synchronized atomic.Bool
	runCtx       context.Context

	mu      stdsync.Mutex
	primary *snapshotSession
	started bool
}

func New(cfg Config) (*Engine, error) {
	if cfg.Local == nil || cfg.Cloud == nil {
		return nil, errors.New("sync engine requires a local and a cloud store")
	}

	level := cfg.Consistency
	if level == "" {
		level = mutation.ConsistencyWritten
	}
	if level != mutation.ConsistencyWritten && level != mutation.ConsistencyCommitted {
		return nil, fmt.Errorf("unknown consistency level %q", level)
	}

	indexPath := cfg.IndexPath
	if indexPath == "" {
		indexPath = ":memory:"
	}
	index, err := NewComparisonIndex(indexPath)
	if err != nil {
		return nil, err
	}

	onErr := cfg.OnError
	if onErr == nil {
		onErr = func(err error) {
			slog.Error("sync engine", "error", err)
		}
	}

	transfer := cfg.Transfer
	if transfer == nil {
		transfer = NewTransferEngine(index)
	}

	return &Engine{
		local:        cfg.Local,
		cloud:        cfg.Cloud,
		index:        index,
		dedup:        NewDeduplicator(index),
		transfer:     transfer,
		level:        level,
		onErr:        onErr,
		shutdownHook: cfg.ShutdownHook,
		docSync:      NewDispatcher[*DocSyncEvent]("doc-sync", onErr),
		fileSync:     NewDispatcher[*FileSyncEvent]("file-sync", onErr),
		rawFeed:      NewDispatcher[*datastore.ChangeEvent]("snapshot", onErr),
	}, nil
}

// Start initializes both stores, subscribes the primary snapshot session to
// both change feeds, runs startup reconciliation once both batch-0 replays
// have terminated, and opens the streaming path. It returns only after
// reconciliation completes; a store that never terminates its batch-0 replay
// blocks Start indefinitely.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.started = true
	e.mu.Unlock()

	slog.Info("sync engine start", "consistency", e.level)
	e.runCtx = ctx

	if err := e.index.Open(); err != nil {
		return err
	}

	g, initCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.local.Init(initCtx, e.reportError)
	})
	g.Go(func() error {
		return e.cloud.Init(initCtx, e.reportError)
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("init stores: %w", err)
	}

	sess := newSnapshotSession(e.sessionSeq.Add(1), e, nil, e.reportError, true)
	localSub, err := e.local.Snapshot(sess.handleEvent, e.reportError)
	if err != nil {
		return fmt.Errorf("subscribe local feed: %w", err)
	}
	sess.subs = append(sess.subs, localSub)

	cloudSub, err := e.cloud.Snapshot(sess.handleEvent, e.reportError)
	if err != nil {
		localSub.Unsubscribe()
		return fmt.Errorf("subscribe cloud feed: %w", err)
	}
	sess.subs = append(sess.subs, cloudSub)

	localDocs, err := sess.local.done.Get(ctx)
	if err != nil {
		return fmt.Errorf("await local initial snapshot: %w", err)
	}
	cloudDocs, err := sess.cloud.done.Get(ctx)
	if err != nil {
		return fmt.Errorf("await cloud initial snapshot: %w", err)
	}

	slog.Info("reconcile", "session", sess.id, "phase", sess.phase(), "localDocs", len(localDocs), "cloudDocs", len(cloudDocs))
	if err := e.transfer.SynchronizeOrigins(ctx,
		&Origin{Store: e.local, Docs: localDocs},
		&Origin{Store: e.cloud, Docs: cloudDocs},
		e.notifyDocSync,
	); err != nil {
		// local stays usable when the cloud leg is unreachable; the
		// streaming path retries convergence change by change
		slog.Error("startup reconciliation", "error", err)
		e.reportError(err)
	}

	e.synchronized.Store(true)
	sess.beginStreaming()

	e.mu.Lock()
	e.primary = sess
	e.mu.Unlock()

	slog.Info("sync engine streaming", "session", sess.id)
	return nil
}

// Stop runs the shutdown hook to completion, tears down the feed
// subscriptions, then stops both stores. In-progress reconciliation is not
// cancelled mid-flight.
func (e *Engine) Stop(ctx context.Context) error {
	slog.Info("sync engine stop")

	var errs []error
	if e.shutdownHook != nil {
		if err := e.shutdownHook(ctx); err != nil {
			slog.Error("shutdown hook", "error", err)
			errs = append(errs, err)
		}
	}

	e.mu.Lock()
	primary := e.primary
	e.primary = nil
	started := e.started
	e.started = false
	e.mu.Unlock()

	if primary != nil {
		primary.Unsubscribe()
	}
	if started {
		if err := e.local.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop local store: %w", err))
		}
		if err := e.cloud.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop cloud store: %w", err))
		}
		if err := e.index.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Snapshot registers a listener on the engine's unified change feed. The
// listener observes only post-reconciliation, deduplicated events; it never
// double-observes a suppressed one. Subscriptions created against an
// already-synchronized engine skip the startup handshake entirely.
func (e *Engine) Snapshot(listener datastore.SnapshotListener, onErr datastore.ErrorListener) (datastore.Subscription, error) {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return nil, ErrNotStarted
	}

	id := e.sessionSeq.Add(1)
	slog.Debug("snapshot subscribe", "session", id, "synchronized", e.synchronized.Load())
	e.rawFeed.SubscribeWith(listener, onErr)
	return noopSubscription{}, nil
}

// OnDocSync registers a listener for document synchronization progress.
func (e *Engine) OnDocSync(fn func(*DocSyncEvent)) {
	e.docSync.Subscribe(fn)
}

// OnFileSync registers a listener for file synchronization progress.
func (e *Engine) OnFileSync(fn func(*FileSyncEvent)) {
	e.fileSync.Subscribe(fn)
}

// Synchronized reports whether startup reconciliation has completed.
func (e *Engine) Synchronized() bool {
	return e.synchronized.Load()
}

func (e *Engine) reportError(err error) {
	if err == nil {
		return
	}
	e.onErr(err)
}

func (e *Engine) notifyDocSync(ev *DocSyncEvent) {
	e.docSync.Notify(ev)
}

// recordMarker updates the comparison index after a successful mutation.
// Best effort: the caller's operation already succeeded, so a failed index
// update is logged and retried once, never surfaced.
func (e *Engine) recordMarker(entry *datastore.DocEntry) {
	if err := e.index.Record(entry); err != nil {
		slog.Error("comparison index update", "fingerprint", entry.Fingerprint, "error", err)
		if err := e.index.Record(entry); err != nil {
			slog.Error("comparison index update retry", "fingerprint", entry.Fingerprint, "error", err)
		}
	}
}

// recordTombstone marks a fingerprint as deleted so that the deletion events
// the stores emit for it read as echoes. Best effort, like recordMarker.
func (e *Engine) recordTombstone(entry *datastore.DocEntry) {
	if err := e.index.RecordTombstone(entry); err != nil {
		slog.Error("comparison index tombstone", "fingerprint", entry.Fingerprint, "error", err)
		if err := e.index.RecordTombstone(entry); err != nil {
			slog.Error("comparison index tombstone retry", "fingerprint", entry.Fingerprint, "error", err)
		}
	}
}

type noopSubscription struct{}

func (noopSubscription) Unsubscribe() {}
