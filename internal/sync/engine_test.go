package sync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/syncwell/dualstore/internal/datastore"
	"github.com/syncwell/dualstore/internal/datastore/memstore"
	"github.com/syncwell/dualstore/internal/mutation"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

type engineFixture struct {
	local  *memstore.Store
	cloud  *memstore.Store
	engine *Engine
}

func newFixture(t *testing.T, cfg Config) *engineFixture {
	t.Helper()
	f := &engineFixture{
		local: memstore.New(datastore.StoreLocal),
		cloud: memstore.New(datastore.StoreCloud),
	}
	cfg.Local = f.local
	cfg.Cloud = f.cloud
	e, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	f.engine = e
	return f
}

func (f *engineFixture) start(t *testing.T) {
	t.Helper()
	if err := f.engine.Start(t.Context()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := f.engine.Stop(t.Context()); err != nil {
			t.Log("stop:", err)
		}
	})
}

func TestEngine_ReadYourWrite(t *testing.T) {
	f := newFixture(t, Config{})
	f.start(t)

	doc := &datastore.Doc{Fingerprint: "doc1", Data: []byte("hello")}
	if err := f.engine.Write(t.Context(), doc, nil); err != nil {
		t.Fatal(err)
	}

	got, err := f.engine.Read(t.Context(), "doc1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || string(got.Data) != "hello" {
		t.Fatalf("read after write: %+v", got)
	}
	if got.Nonce == "" || got.UpdatedAt.IsZero() {
		t.Fatalf("revision marker not minted: %+v", got)
	}
}

func TestEngine_ReadMissingDoc(t *testing.T) {
	f := newFixture(t, Config{})
	f.start(t)

	got, err := f.engine.Read(t.Context(), "nope")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing doc, got %+v", got)
	}
}

func TestEngine_WriteSurvivesCloudFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.start(t)
	f.cloud.FailWrites(errors.New("cloud unreachable"))

	h := datastore.NewWriteHandle()
	doc := &datastore.Doc{Fingerprint: "doc1", Data: []byte("hello")}
	if err := f.engine.Write(t.Context(), doc, h); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Written.Get(t.Context()); err != nil {
		t.Fatalf("handle rejected on cloud failure: %v", err)
	}

	got, err := f.engine.Read(t.Context(), "doc1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("local write lost")
	}
}

func TestEngine_CommittedPolicyRequiresCloud(t *testing.T) {
	f := newFixture(t, Config{Consistency: mutation.ConsistencyCommitted})
	f.start(t)
	f.cloud.FailWrites(errors.New("cloud unreachable"))

	doc := &datastore.Doc{Fingerprint: "doc1", Data: []byte("hello")}
	if err := f.engine.Write(t.Context(), doc, nil); err == nil {
		t.Fatal("expected committed write to fail with the cloud down")
	}
}

func TestEngine_DeleteAbortsOnCloudFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.start(t)

	doc := &datastore.Doc{Fingerprint: "doc1", Data: []byte("hello")}
	if err := f.engine.Write(t.Context(), doc, nil); err != nil {
		t.Fatal(err)
	}

	f.cloud.FailDeletes(errors.New("cloud unreachable"))

	h := datastore.NewWriteHandle()
	err := f.engine.Delete(t.Context(), datastore.DocumentRef{Fingerprint: "doc1"}, h)
	if err == nil {
		t.Fatal("expected delete to fail with the cloud down")
	}
	if _, herr := h.Written.Get(t.Context()); herr == nil {
		t.Fatal("handle resolved despite failed delete")
	}

	// the local copy must survive so the deletion can be retried
	got, err := f.engine.Read(t.Context(), "doc1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("local copy removed after aborted delete")
	}
}

func TestEngine_DeleteRemovesBothStores(t *testing.T) {
	f := newFixture(t, Config{})
	f.start(t)

	doc := &datastore.Doc{Fingerprint: "doc1", Data: []byte("hello")}
	if err := f.engine.Write(t.Context(), doc, nil); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.Delete(t.Context(), datastore.DocumentRef{Fingerprint: "doc1"}, nil); err != nil {
		t.Fatal(err)
	}

	got, err := f.engine.Read(t.Context(), "doc1")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("doc still readable after delete")
	}
	cloudDoc, err := f.cloud.Read(t.Context(), "doc1")
	if err != nil {
		t.Fatal(err)
	}
	if cloudDoc != nil {
		t.Fatal("doc still on cloud after delete")
	}
}

func TestEngine_StartReconcilesDisjointStores(t *testing.T) {
	f := newFixture(t, Config{})

	now := time.Now()
	seedDoc(t, f.local, "only-local", now)
	seedDoc(t, f.cloud, "only-cloud", now)

	f.start(t)

	for _, fp := range []string{"only-local", "only-cloud"} {
		localDoc, err := f.local.Read(t.Context(), fp)
		if err != nil {
			t.Fatal(err)
		}
		cloudDoc, err := f.cloud.Read(t.Context(), fp)
		if err != nil {
			t.Fatal(err)
		}
		if localDoc == nil || cloudDoc == nil {
			t.Fatalf("%s not present on both stores after start", fp)
		}
	}
	if !f.engine.Synchronized() {
		t.Fatal("engine not marked synchronized after start")
	}
}

func TestEngine_StartWithEmptyStores(t *testing.T) {
	f := newFixture(t, Config{})
	f.start(t)
	if !f.engine.Synchronized() {
		t.Fatal("empty stores should reconcile trivially")
	}
}

func TestEngine_StartTwice(t *testing.T) {
	f := newFixture(t, Config{})
	f.start(t)
	if err := f.engine.Start(t.Context()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestEngine_SnapshotBeforeStart(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.engine.Snapshot(func(*datastore.ChangeEvent) {}, nil)
	if !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}

func TestEngine_CloudChangeSyncsToLocalWithoutEcho(t *testing.T) {
	f := newFixture(t, Config{})
	f.start(t)

	var mu sync.Mutex
	var observed []*datastore.ChangeEvent
	_, err := f.engine.Snapshot(func(ev *datastore.ChangeEvent) {
		mu.Lock()
		defer mu.Unlock()
		observed = append(observed, ev)
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	// a change lands on the cloud out of band
	doc := seedDoc(t, f.cloud, "remote-doc", time.Now())

	waitFor(t, func() bool {
		got, err := f.local.Read(t.Context(), "remote-doc")
		return err == nil && got != nil && got.Nonce == doc.Nonce
	}, "cloud change never replicated to local")

	// the local store's event for the applied transfer is an echo; give
	// it time to arrive, then check it was suppressed
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	count := 0
	for _, ev := range observed {
		for _, mut := range ev.Mutations {
			if mut.Fingerprint == "remote-doc" {
				count++
			}
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 observed event for remote-doc, got %d", count)
	}
}

func TestEngine_ReplicatedDeleteIsNotEchoed(t *testing.T) {
	f := newFixture(t, Config{})
	f.start(t)

	doc := &datastore.Doc{Fingerprint: "doc1", Data: []byte("payload")}
	if err := f.engine.Write(t.Context(), doc, nil); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var observed []*datastore.ChangeEvent
	_, err := f.engine.Snapshot(func(ev *datastore.ChangeEvent) {
		mu.Lock()
		defer mu.Unlock()
		observed = append(observed, ev)
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	// the document is deleted on the cloud out of band
	if err := f.cloud.Delete(t.Context(), datastore.DocumentRef{Fingerprint: "doc1"}, nil); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		got, err := f.local.Read(t.Context(), "doc1")
		return err == nil && got == nil
	}, "cloud deletion never replicated to local")

	// the local store mints its own marker for the replicated deletion;
	// give its event time to arrive, then check it was suppressed
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	count := 0
	for _, ev := range observed {
		for _, mut := range ev.Mutations {
			if mut.Fingerprint == "doc1" && mut.Type == datastore.MutationDeleted {
				count++
			}
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 observed delete event for doc1, got %d", count)
	}
}

func TestEngine_LocalDeleteOnCloudReplicates(t *testing.T) {
	f := newFixture(t, Config{})
	f.start(t)

	doc := &datastore.Doc{Fingerprint: "doc1", Data: []byte("hello")}
	if err := f.engine.Write(t.Context(), doc, nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		got, err := f.cloud.Read(t.Context(), "doc1")
		return err == nil && got != nil
	}, "write never reached the cloud")

	// the doc disappears on the cloud out of band
	if err := f.cloud.Delete(t.Context(), datastore.DocumentRef{Fingerprint: "doc1"}, nil); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		got, err := f.local.Read(t.Context(), "doc1")
		return err == nil && got == nil
	}, "cloud deletion never replicated to local")
}

func TestEngine_SynchronizeDocsIsScoped(t *testing.T) {
	f := newFixture(t, Config{})

	now := time.Now()
	seedDoc(t, f.local, "f1", now)
	seedDoc(t, f.cloud, "f2", now)
	seedDoc(t, f.local, "f3", now)

	// no Start: only the index is needed for a manual pass
	if err := f.engine.index.Open(); err != nil {
		t.Fatal(err)
	}
	defer f.engine.index.Close()

	if err := f.engine.SynchronizeDocs(t.Context(), "f1", "f2"); err != nil {
		t.Fatal(err)
	}

	for _, check := range []struct {
		store *memstore.Store
		fp    string
		want  bool
	}{
		{f.cloud, "f1", true},
		{f.local, "f2", true},
		{f.cloud, "f3", false},
	} {
		got, err := check.store.Read(t.Context(), check.fp)
		if err != nil {
			t.Fatal(err)
		}
		if (got != nil) != check.want {
			t.Fatalf("%s on %s: present=%v, want %v", check.fp, check.store.ID(), got != nil, check.want)
		}
	}
}

func TestEngine_IndexUpdateFailureIsNonFatal(t *testing.T) {
	// no Start: the index stays closed, so every marker update fails
	f := newFixture(t, Config{})

	doc := &datastore.Doc{Fingerprint: "doc1", Data: []byte("hello")}
	if err := f.engine.Write(t.Context(), doc, nil); err != nil {
		t.Fatalf("write failed on index bookkeeping: %v", err)
	}

	got, err := f.engine.Read(t.Context(), "doc1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("write lost")
	}

	// the deduplicator errs on the side of delivery when the index is
	// unreadable
	if !f.engine.index.IsNewer(got.Entry()) {
		t.Fatal("event suppressed on broken index read")
	}
}

func TestEngine_FileOperations(t *testing.T) {
	f := newFixture(t, Config{})
	f.start(t)

	data := []byte("blob")
	if err := f.engine.WriteFile(t.Context(), datastore.FileBackendStash, "a.bin", data); err != nil {
		t.Fatal(err)
	}

	got, err := f.engine.GetFile(t.Context(), datastore.FileBackendStash, "a.bin")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "blob" {
		t.Fatalf("file roundtrip: %q", got)
	}

	// the cloud leg is asynchronous
	waitFor(t, func() bool {
		cloudData, err := f.cloud.GetFile(t.Context(), datastore.FileBackendStash, "a.bin")
		return err == nil && string(cloudData) == "blob"
	}, "file never replicated to cloud")

	if err := f.engine.DeleteFile(t.Context(), datastore.FileBackendStash, "a.bin"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.GetFile(t.Context(), datastore.FileBackendStash, "a.bin"); err == nil {
		t.Fatal("file readable after delete")
	}
}

func TestEngine_ShutdownHookRunsOnStop(t *testing.T) {
	ran := false
	f := newFixture(t, Config{
		ShutdownHook: func(ctx context.Context) error {
			ran = true
			return nil
		},
	})
	if err := f.engine.Start(t.Context()); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.Stop(t.Context()); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatal("shutdown hook never ran")
	}
}

func TestEngine_SnapshotErrorsRouteToSubscriber(t *testing.T) {
	f := newFixture(t, Config{})
	f.start(t)

	var mu sync.Mutex
	var errs []error
	_, err := f.engine.Snapshot(func(*datastore.ChangeEvent) {
		panic("listener bug")
	}, func(err error) {
		mu.Lock()
		defer mu.Unlock()
		errs = append(errs, err)
	})
	if err != nil {
		t.Fatal(err)
	}

	seedDoc(t, f.cloud, "remote-doc", time.Now())

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) > 0
	}, "subscriber error listener never notified")
}
