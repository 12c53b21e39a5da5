// Package datastore defines the storage-topology-agnostic surface shared by
// the local and cloud document stores and by the sync engine that coordinates
// them.
package datastore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/syncwell/dualstore/internal/mutation"
)

// StoreID identifies which physical store an event or transfer refers to.
type StoreID string

const (
	StoreLocal StoreID = "local"
	StoreCloud StoreID = "cloud"
)

var (
	ErrStoreStopped = errors.New("store stopped")
)

// DocumentRef identifies one logical document, independent of where it is
// physically stored.
type DocumentRef struct {
	Fingerprint string
}

// DocEntry is one store's record of a document: its last-modified marker and
// an optional stable identity token minted on each revision.
type DocEntry struct {
	Fingerprint string    `db:"fingerprint" json:"fingerprint"`
	UpdatedAt   time.Time `json:"updated_at"`
	Nonce       string    `json:"nonce,omitempty"`
}

// NewerThan reports whether e is a strictly newer revision than other. A nil
// other means the document is unknown on that side. Matching nonces identify
// the same revision regardless of clock skew.
func (e *DocEntry) NewerThan(other *DocEntry) bool {
	if e == nil {
		return false
	}
	if other == nil {
		return true
	}
	if e.Nonce != "" && e.Nonce == other.Nonce {
		return false
	}
	return e.UpdatedAt.After(other.UpdatedAt)
}

// SyncDocMap maps fingerprint to one store's record of that document. Built
// fresh per reconciliation pass.
type SyncDocMap map[string]*DocEntry

// Doc is a document payload plus its revision marker.
type Doc struct {
	Fingerprint string    `json:"fingerprint"`
	Data        []byte    `json:"data"`
	UpdatedAt   time.Time `json:"updated_at"`
	Nonce       string    `json:"nonce,omitempty"`
}

func (d *Doc) Ref() DocumentRef {
	return DocumentRef{Fingerprint: d.Fingerprint}
}

func (d *Doc) Entry() *DocEntry {
	return &DocEntry{
		Fingerprint: d.Fingerprint,
		UpdatedAt:   d.UpdatedAt,
		Nonce:       d.Nonce,
	}
}

// NewNonce mints a stable identity token for one document revision.
func NewNonce() string {
	return uuid.NewString()
}

type MutationType string

const (
	MutationCreated MutationType = "created"
	MutationUpdated MutationType = "updated"
	MutationDeleted MutationType = "deleted"
)

// DocMutation is one document-level change inside a ChangeEvent. Payload is
// resolved lazily so deleted documents never load content; it is nil for
// deletions.
type DocMutation struct {
	Fingerprint string
	Type        MutationType
	Entry       *DocEntry
	Payload     func() (*Doc, error)
}

// ChangeEvent is one delivery from a store's change feed. A batch groups
// events emitted together during a feed's replay; batch 0 is the initial
// snapshot of the store's pre-existing document set, and Terminated marks the
// last event of a batch. A store with zero documents still emits a terminated
// batch-0 event with no mutations.
type ChangeEvent struct {
	Batch       int
	Consistency mutation.Consistency
	Origin      StoreID
	Terminated  bool
	Mutations   []*DocMutation
}

// SnapshotListener receives change events in feed-delivery order. Listeners
// for one subscription are never invoked concurrently.
type SnapshotListener func(*ChangeEvent)

// ErrorListener receives failures that do not surface through a mutation
// handle, such as feed delivery errors.
type ErrorListener func(error)

// Subscription is a live change-feed registration.
type Subscription interface {
	Unsubscribe()
}

// FileBackend names an out-of-band file storage area within a store.
type FileBackend string

const (
	FileBackendStash FileBackend = "stash"
	FileBackendImage FileBackend = "image"
)

// WriteHandle tracks one document write or delete through its written and
// committed completion points.
type WriteHandle = mutation.Handle[DocumentRef]

func NewWriteHandle() *WriteHandle {
	return mutation.NewHandle[DocumentRef]()
}

// Store is one physical backing document repository. Write and Delete settle
// the supplied handle, when non-nil, as the operation progresses; they also
// report hard failures through their return value for callers that do not
// hold a handle.
type Store interface {
	ID() StoreID
	Init(ctx context.Context, onErr ErrorListener) error
	Stop(ctx context.Context) error

	Read(ctx context.Context, fingerprint string) (*Doc, error)
	Write(ctx context.Context, doc *Doc, h *WriteHandle) error
	Delete(ctx context.Context, ref DocumentRef, h *WriteHandle) error
	ListDocumentRefs(ctx context.Context) ([]DocumentRef, error)

	WriteFile(ctx context.Context, backend FileBackend, name string, data []byte) error
	GetFile(ctx context.Context, backend FileBackend, name string) ([]byte, error)
	DeleteFile(ctx context.Context, backend FileBackend, name string) error

	Snapshot(listener SnapshotListener, onErr ErrorListener) (Subscription, error)
}
