package sync

import (
	"context"
	"fmt"
	"log/slog"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/syncwell/dualstore/internal/datastore"
)

const transferParallelism = 4

// Origin is one side of a reconciliation: a store plus the document map
// describing what that store currently holds.
type Origin struct {
	Store datastore.Store
	Docs  datastore.SyncDocMap
}

// ProgressListener observes documents as they land on a destination store.
type ProgressListener func(*DocSyncEvent)

// Transfer computes and applies the copies needed to bring two origins into
// a convergent state. The engine ships a last-writer-wins implementation;
// collaborators may substitute their own.
type Transfer interface {
	ToSyncDocMap(ctx context.Context, store datastore.Store, refs []datastore.DocumentRef) (datastore.SyncDocMap, error)
	SynchronizeOrigins(ctx context.Context, a, b *Origin, progress ProgressListener) error
	Transfer(ctx context.Context, src, dst *Origin, fingerprints []string, progress ProgressListener) error
}

type transferEngine struct {
	index    *ComparisonIndex
	parallel int
}

// NewTransferEngine returns the default last-writer-wins transfer engine.
// Applied transfers are recorded in the comparison index so the destination
// store's resulting change event is recognized as an echo.
func NewTransferEngine(index *ComparisonIndex) Transfer {
	return &transferEngine{
		index:    index,
		parallel: transferParallelism,
	}
}

func (t *transferEngine) ToSyncDocMap(ctx context.Context, store datastore.Store, refs []datastore.DocumentRef) (datastore.SyncDocMap, error) {
	docs := make(datastore.SyncDocMap, len(refs))
	for _, ref := range refs {
		doc, err := store.Read(ctx, ref.Fingerprint)
		if err != nil {
			return nil, fmt.Errorf("read %s from %s: %w", ref.Fingerprint, store.ID(), err)
		}
		if doc == nil {
			continue
		}
		docs[ref.Fingerprint] = doc.Entry()
	}
	return docs, nil
}

// SynchronizeOrigins walks the union of both document maps and schedules a
// directed transfer for every fingerprint where one side is newer or the
// other side is missing. Equal markers are a no-op.
func (t *transferEngine) SynchronizeOrigins(ctx context.Context, a, b *Origin, progress ProgressListener) error {
	union := mapset.NewThreadUnsafeSet[string]()
	for fp := range a.Docs {
		union.Add(fp)
	}
	for fp := range b.Docs {
		union.Add(fp)
	}

	var toB, toA []string
	for fp := range union.Iter() {
		entryA := a.Docs[fp]
		entryB := b.Docs[fp]
		switch {
		case entryA.NewerThan(entryB):
			toB = append(toB, fp)
		case entryB.NewerThan(entryA):
			toA = append(toA, fp)
		}
	}

	slog.Info("synchronize origins",
		"originA", a.Store.ID(), "originB", b.Store.ID(),
		"total", union.Cardinality(),
		"toB", len(toB), "toA", len(toA),
	)

	if err := t.Transfer(ctx, a, b, toB, progress); err != nil {
		return err
	}
	return t.Transfer(ctx, b, a, toA, progress)
}

func (t *transferEngine) Transfer(ctx context.Context, src, dst *Origin, fingerprints []string, progress ProgressListener) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(t.parallel)

	for _, fp := range fingerprints {
		g.Go(func() error {
			return t.transferOne(ctx, src, dst, fp, progress)
		})
	}
	return g.Wait()
}

func (t *transferEngine) transferOne(ctx context.Context, src, dst *Origin, fingerprint string, progress ProgressListener) error {
	doc, err := src.Store.Read(ctx, fingerprint)
	if err != nil {
		return fmt.Errorf("read %s from %s: %w", fingerprint, src.Store.ID(), err)
	}
	if doc == nil {
		// vanished between the map build and the copy
		slog.Debug("transfer skip missing", "fingerprint", fingerprint, "src", src.Store.ID())
		return nil
	}

	// record first: the destination's change event for this write must
	// already look like an echo when it reaches the deduplicator
	if err := t.index.Record(doc.Entry()); err != nil {
		slog.Error("transfer index record", "fingerprint", fingerprint, "error", err)
	}

	h := datastore.NewWriteHandle()
	if err := dst.Store.Write(ctx, doc, h); err != nil {
		return fmt.Errorf("write %s to %s: %w", fingerprint, dst.Store.ID(), err)
	}
	if _, err := h.Written.Get(ctx); err != nil {
		return fmt.Errorf("write %s to %s: %w", fingerprint, dst.Store.ID(), err)
	}

	slog.Debug("transfer",
		"fingerprint", fingerprint,
		"dest", dst.Store.ID(),
		"size", humanize.Bytes(uint64(len(doc.Data))),
	)
	if progress != nil {
		progress(&DocSyncEvent{
			Ref:         doc.Ref(),
			Destination: dst.Store.ID(),
		})
	}
	return nil
}
