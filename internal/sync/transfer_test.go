package sync

import (
	"sync"
	"testing"
	"time"

	"github.com/syncwell/dualstore/internal/datastore"
	"github.com/syncwell/dualstore/internal/datastore/memstore"
)

func seedDoc(t *testing.T, store *memstore.Store, fingerprint string, updatedAt time.Time) *datastore.Doc {
	t.Helper()
	doc := &datastore.Doc{
		Fingerprint: fingerprint,
		Data:        []byte("payload-" + fingerprint),
		UpdatedAt:   updatedAt,
		Nonce:       datastore.NewNonce(),
	}
	h := datastore.NewWriteHandle()
	if err := store.Write(t.Context(), doc, h); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Written.Get(t.Context()); err != nil {
		t.Fatal(err)
	}
	return doc
}

func originFor(t *testing.T, tr Transfer, store *memstore.Store) *Origin {
	t.Helper()
	refs, err := store.ListDocumentRefs(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	docs, err := tr.ToSyncDocMap(t.Context(), store, refs)
	if err != nil {
		t.Fatal(err)
	}
	return &Origin{Store: store, Docs: docs}
}

func TestToSyncDocMap_SkipsMissingDocs(t *testing.T) {
	idx := openIndex(t, ":memory:")
	tr := NewTransferEngine(idx)
	store := memstore.New(datastore.StoreLocal)
	seedDoc(t, store, "present", time.Now())

	docs, err := tr.ToSyncDocMap(t.Context(), store, []datastore.DocumentRef{
		{Fingerprint: "present"},
		{Fingerprint: "absent"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(docs))
	}
	if _, ok := docs["present"]; !ok {
		t.Fatal("present doc missing from map")
	}
}

func TestSynchronizeOrigins_BothDirections(t *testing.T) {
	idx := openIndex(t, ":memory:")
	tr := NewTransferEngine(idx)

	local := memstore.New(datastore.StoreLocal)
	cloud := memstore.New(datastore.StoreCloud)

	now := time.Now()
	onlyLocal := seedDoc(t, local, "only-local", now)
	onlyCloud := seedDoc(t, cloud, "only-cloud", now)

	// both hold "shared"; the cloud copy is newer
	seedDoc(t, local, "shared", now.Add(-time.Hour))
	newerShared := seedDoc(t, cloud, "shared", now)

	var mu sync.Mutex
	var progressed []string
	err := tr.SynchronizeOrigins(t.Context(),
		originFor(t, tr, local), originFor(t, tr, cloud),
		func(ev *DocSyncEvent) {
			mu.Lock()
			defer mu.Unlock()
			progressed = append(progressed, ev.Ref.Fingerprint)
		},
	)
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []struct {
		store *memstore.Store
		doc   *datastore.Doc
	}{
		{cloud, onlyLocal},
		{local, onlyCloud},
		{local, newerShared},
	} {
		got, err := want.store.Read(t.Context(), want.doc.Fingerprint)
		if err != nil {
			t.Fatal(err)
		}
		if got == nil {
			t.Fatalf("%s missing on %s", want.doc.Fingerprint, want.store.ID())
		}
		if got.Nonce != want.doc.Nonce {
			t.Fatalf("%s on %s has nonce %s, want %s", want.doc.Fingerprint, want.store.ID(), got.Nonce, want.doc.Nonce)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(progressed) != 3 {
		t.Fatalf("expected 3 progress events, got %d: %v", len(progressed), progressed)
	}
}

func TestSynchronizeOrigins_RecordsTransfersAsEchoes(t *testing.T) {
	idx := openIndex(t, ":memory:")
	tr := NewTransferEngine(idx)

	local := memstore.New(datastore.StoreLocal)
	cloud := memstore.New(datastore.StoreCloud)
	doc := seedDoc(t, local, "doc", time.Now())

	err := tr.SynchronizeOrigins(t.Context(),
		originFor(t, tr, local), originFor(t, tr, cloud), nil)
	if err != nil {
		t.Fatal(err)
	}

	// the destination's change event for the applied transfer must read
	// as an echo
	if idx.IsNewer(doc.Entry()) {
		t.Fatal("transferred revision not recorded in comparison index")
	}
}

func TestTransfer_SkipsVanishedDoc(t *testing.T) {
	idx := openIndex(t, ":memory:")
	tr := NewTransferEngine(idx)

	local := memstore.New(datastore.StoreLocal)
	cloud := memstore.New(datastore.StoreCloud)

	src := &Origin{Store: local, Docs: datastore.SyncDocMap{
		"gone": {Fingerprint: "gone", UpdatedAt: time.Now()},
	}}
	if err := tr.Transfer(t.Context(), src, &Origin{Store: cloud}, []string{"gone"}, nil); err != nil {
		t.Fatal(err)
	}

	got, err := cloud.Read(t.Context(), "gone")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("vanished doc materialized on destination: %+v", got)
	}
}
