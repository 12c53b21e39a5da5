package sync

import (
	"log/slog"

	"github.com/syncwell/dualstore/internal/datastore"
)

// Deduplicator filters change events against the comparison index so that
// stale or self-originated mutations are not redelivered. Without it, a
// local write replicated to the cloud would come back on the cloud feed and
// re-trigger a local "sync", looping forever.
type Deduplicator struct {
	index *ComparisonIndex
}

func NewDeduplicator(index *ComparisonIndex) *Deduplicator {
	return &Deduplicator{index: index}
}

// Filter returns the event with suppressed mutations removed, or nil when
// nothing survives. Terminated batch markers always pass through, even when
// every mutation was suppressed, so batch bookkeeping never deadlocks.
func (d *Deduplicator) Filter(ev *datastore.ChangeEvent) *datastore.ChangeEvent {
	if ev == nil {
		return nil
	}

	kept := make([]*datastore.DocMutation, 0, len(ev.Mutations))
	for _, mut := range ev.Mutations {
		if !d.suppress(mut) {
			kept = append(kept, mut)
			continue
		}
		slog.Debug("dedup suppress",
			"origin", ev.Origin,
			"fingerprint", mut.Fingerprint,
			"type", mut.Type,
		)
	}

	if len(kept) == 0 && !ev.Terminated {
		return nil
	}

	out := *ev
	out.Mutations = kept
	return &out
}

// suppress reports whether a mutation is an echo or stale. Deletions are
// judged against the tombstone state: every store mints a fresh marker for
// its own deletion event, so marker comparison alone cannot recognize a
// replicated deletion coming back on the counterpart feed.
func (d *Deduplicator) suppress(mut *datastore.DocMutation) bool {
	if mut.Type == datastore.MutationDeleted && d.index.IsTombstone(mut.Fingerprint) {
		return true
	}
	return !d.index.IsNewer(mut.Entry)
}
