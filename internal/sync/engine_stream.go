package sync

import (
	"log/slog"
	"time"

	"github.com/syncwell/dualstore/internal/datastore"
	"github.com/syncwell/dualstore/internal/mutation"
)

// handleStreamEvent processes one post-reconciliation event in a fixed
// order: dedup first, then ongoing-sync handling, then forwarding to the
// unified feed, so a listener never misses a non-suppressed event and never
// observes a suppressed one.
func (e *Engine) handleStreamEvent(sess *snapshotSession, ev *datastore.ChangeEvent) {
	filtered := e.dedup.Filter(ev)
	if filtered == nil {
		return
	}

	if filtered.Consistency == mutation.ConsistencyCommitted {
		for _, mut := range filtered.Mutations {
			e.handleStreamMutation(filtered.Origin, mut)
		}
	}

	sess.forward(filtered)
	e.rawFeed.Notify(filtered)
}

// handleStreamMutation replicates one streamed mutation to the counterpart
// store. Creates and updates run a targeted single-document transfer;
// deletions apply directly since there is no payload to move. Failures are
// logged and reported, never fatal: the next change or an explicit
// SynchronizeDocs converges the pair.
func (e *Engine) handleStreamMutation(origin datastore.StoreID, mut *datastore.DocMutation) {
	src, dst := e.storesFor(origin)

	switch mut.Type {
	case datastore.MutationCreated, datastore.MutationUpdated:
		docs := datastore.SyncDocMap{mut.Fingerprint: mut.Entry}
		err := e.transfer.Transfer(e.runCtx,
			&Origin{Store: src, Docs: docs},
			&Origin{Store: dst},
			[]string{mut.Fingerprint},
			e.notifyDocSync,
		)
		if err != nil {
			slog.Error("ongoing sync transfer", "fingerprint", mut.Fingerprint, "dest", dst.ID(), "error", err)
			e.reportError(err)
		}

	case datastore.MutationDeleted:
		entry := mut.Entry
		if entry == nil {
			entry = &datastore.DocEntry{
				Fingerprint: mut.Fingerprint,
				UpdatedAt:   time.Now(),
				Nonce:       datastore.NewNonce(),
			}
		}
		// tombstone first: the counterpart mints its own marker for the
		// deletion, so only the flag makes its event read as an echo
		e.recordTombstone(entry)
		if err := dst.Delete(e.runCtx, datastore.DocumentRef{Fingerprint: mut.Fingerprint}, nil); err != nil {
			slog.Error("ongoing sync delete", "fingerprint", mut.Fingerprint, "dest", dst.ID(), "error", err)
			e.reportError(err)
			return
		}
		e.notifyDocSync(&DocSyncEvent{
			Ref:         datastore.DocumentRef{Fingerprint: mut.Fingerprint},
			Destination: dst.ID(),
		})

	default:
		slog.Debug("unhandled mutation type", "type", mut.Type, "fingerprint", mut.Fingerprint)
	}
}

// storesFor maps an event origin to its (source, counterpart) store pair.
func (e *Engine) storesFor(origin datastore.StoreID) (src, dst datastore.Store) {
	if origin == e.cloud.ID() {
		return e.cloud, e.local
	}
	return e.local, e.cloud
}
