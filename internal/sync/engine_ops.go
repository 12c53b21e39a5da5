package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/syncwell/dualstore/internal/datastore"
	"github.com/syncwell/dualstore/internal/mutation"
)

// Write replicates doc to the cloud store and then applies it to the local
// store, gated on the cloud leg's written signal. Under the written policy a
// cloud failure is logged and the caller's operation still resolves once
// local settles; under the committed policy the cloud leg is required.
//
// The handle may be nil; callers that pass one may return immediately and
// await it later.
func (e *Engine) Write(ctx context.Context, doc *datastore.Doc, h *datastore.WriteHandle) error {
	if doc == nil || doc.Fingerprint == "" {
		return errors.New("write requires a document with a fingerprint")
	}
	if h == nil {
		h = datastore.NewWriteHandle()
	}

	// the engine mints the revision identity so both stores share one
	// marker and the cloud echo is recognizable
	cp := *doc
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	if cp.Nonce == "" {
		cp.Nonce = datastore.NewNonce()
	}

	remoteOp := e.cloudWriteOp(&cp)
	localOp := func(ctx context.Context, lh *datastore.WriteHandle) error {
		return e.local.Write(ctx, &cp, lh)
	}

	if _, err := mutation.ExecuteBatched(ctx, h, remoteOp, localOp, e.level); err != nil {
		return fmt.Errorf("write %s: %w", cp.Fingerprint, err)
	}

	// the local feed event for this write can outrun the marker; the
	// dedup then lets one echo through and the redundant transfer is a
	// convergent no-op
	e.recordMarker(cp.Entry())
	return nil
}

// cloudWriteOp builds the remote leg for Write. Under the written policy the
// leg swallows cloud failures: it logs them and force-resolves its handle so
// the local leg proceeds and the merged handle never rejects.
func (e *Engine) cloudWriteOp(doc *datastore.Doc) mutation.Op[datastore.DocumentRef] {
	return func(ctx context.Context, rh *datastore.WriteHandle) error {
		if e.level == mutation.ConsistencyCommitted {
			return e.cloud.Write(ctx, doc, rh)
		}

		inner := datastore.NewWriteHandle()
		if err := e.cloud.Write(ctx, doc, inner); err != nil {
			slog.Error("cloud write", "fingerprint", doc.Fingerprint, "error", err)
			rh.Resolve(doc.Ref())
			return nil
		}
		go func() {
			if _, err := inner.Written.Get(ctx); err != nil {
				slog.Error("cloud write", "fingerprint", doc.Fingerprint, "error", err)
			}
			rh.Resolve(doc.Ref())
		}()
		return nil
	}
}

// Delete removes ref from both stores. The cloud deletion is awaited before
// the local one starts: a failed cloud delete after a successful local
// delete would orphan cloud state with no local record left to retry from,
// so a cloud failure aborts the whole operation.
func (e *Engine) Delete(ctx context.Context, ref datastore.DocumentRef, h *datastore.WriteHandle) error {
	if h == nil {
		h = datastore.NewWriteHandle()
	}

	ch := datastore.NewWriteHandle()
	if err := e.cloud.Delete(ctx, ref, ch); err != nil {
		h.Reject(err)
		return fmt.Errorf("cloud delete %s: %w", ref.Fingerprint, err)
	}
	if _, err := ch.Await(ctx, e.level); err != nil {
		h.Reject(err)
		return fmt.Errorf("cloud delete %s: %w", ref.Fingerprint, err)
	}

	lh := datastore.NewWriteHandle()
	if err := e.local.Delete(ctx, ref, lh); err != nil {
		h.Reject(err)
		return fmt.Errorf("local delete %s: %w", ref.Fingerprint, err)
	}
	mutation.Pipe(ctx, lh, h, func(r datastore.DocumentRef) (datastore.DocumentRef, error) {
		return r, nil
	})
	if _, err := lh.Await(ctx, e.level); err != nil {
		return fmt.Errorf("local delete %s: %w", ref.Fingerprint, err)
	}

	e.recordTombstone(&datastore.DocEntry{
		Fingerprint: ref.Fingerprint,
		UpdatedAt:   time.Now(),
		Nonce:       datastore.NewNonce(),
	})
	return nil
}

// Read serves from the local store only; the cloud is never consulted on the
// read path.
func (e *Engine) Read(ctx context.Context, fingerprint string) (*datastore.Doc, error) {
	return e.local.Read(ctx, fingerprint)
}

// ListDocumentRefs lists the local store's documents.
func (e *Engine) ListDocumentRefs(ctx context.Context) ([]datastore.DocumentRef, error) {
	return e.local.ListDocumentRefs(ctx)
}

// WriteFile stores a file locally and replicates it to the cloud in the
// background, cloud failures logged and non-fatal.
func (e *Engine) WriteFile(ctx context.Context, backend datastore.FileBackend, name string, data []byte) error {
	cloudCtx := e.runCtx
	if cloudCtx == nil {
		cloudCtx = context.Background()
	}
	go func() {
		if err := e.cloud.WriteFile(cloudCtx, backend, name, data); err != nil {
			slog.Error("cloud write file", "backend", backend, "name", name, "error", err)
			return
		}
		e.fileSync.Notify(&FileSyncEvent{Backend: backend, Name: name, Destination: e.cloud.ID()})
	}()

	if err := e.local.WriteFile(ctx, backend, name, data); err != nil {
		return fmt.Errorf("local write file %s/%s: %w", backend, name, err)
	}
	e.fileSync.Notify(&FileSyncEvent{Backend: backend, Name: name, Destination: e.local.ID()})
	return nil
}

// GetFile serves from the local store only.
func (e *Engine) GetFile(ctx context.Context, backend datastore.FileBackend, name string) ([]byte, error) {
	return e.local.GetFile(ctx, backend, name)
}

// DeleteFile awaits the cloud deletion before deleting locally: the cloud
// side is the one more likely to need cleanup of out-of-band storage, and a
// cloud failure must abort the operation while a local record still exists.
func (e *Engine) DeleteFile(ctx context.Context, backend datastore.FileBackend, name string) error {
	if err := e.cloud.DeleteFile(ctx, backend, name); err != nil {
		return fmt.Errorf("cloud delete file %s/%s: %w", backend, name, err)
	}
	if err := e.local.DeleteFile(ctx, backend, name); err != nil {
		return fmt.Errorf("local delete file %s/%s: %w", backend, name, err)
	}
	return nil
}

// SynchronizeDocs runs one reconciliation pass scoped to the named
// fingerprints, independent of the passive streaming path. Documents outside
// the set are untouched.
func (e *Engine) SynchronizeDocs(ctx context.Context, fingerprints ...string) error {
	if len(fingerprints) == 0 {
		return nil
	}

	refs := make([]datastore.DocumentRef, 0, len(fingerprints))
	for _, fp := range fingerprints {
		refs = append(refs, datastore.DocumentRef{Fingerprint: fp})
	}

	localDocs, err := e.transfer.ToSyncDocMap(ctx, e.local, refs)
	if err != nil {
		return fmt.Errorf("build local doc map: %w", err)
	}
	cloudDocs, err := e.transfer.ToSyncDocMap(ctx, e.cloud, refs)
	if err != nil {
		return fmt.Errorf("build cloud doc map: %w", err)
	}

	return e.transfer.SynchronizeOrigins(ctx,
		&Origin{Store: e.local, Docs: localDocs},
		&Origin{Store: e.cloud, Docs: cloudDocs},
		e.notifyDocSync,
	)
}
