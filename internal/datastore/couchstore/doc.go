package couchstore

import (
	"strings"
	"time"

	"github.com/syncwell/dualstore/internal/datastore"
)

const (
	docPrefix  = "doc:"
	filePrefix = "file:"

	// endKeySuffix is the conventional high key for CouchDB prefix ranges.
	endKeySuffix = "￰"
)

// couchDoc is the CouchDB shape of both documents and out-of-band files,
// discriminated by ID prefix. Data marshals as base64 through encoding/json
// semantics.
type couchDoc struct {
	ID  string `json:"_id"`
	Rev string `json:"_rev,omitempty"`

	Fingerprint string    `json:"fingerprint,omitempty"`
	Data        []byte    `json:"data,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
	Nonce       string    `json:"nonce,omitempty"`

	Backend string `json:"backend,omitempty"`
	Name    string `json:"name,omitempty"`
}

func newCouchDoc(doc *datastore.Doc) *couchDoc {
	return &couchDoc{
		ID:          docID(doc.Fingerprint),
		Fingerprint: doc.Fingerprint,
		Data:        doc.Data,
		UpdatedAt:   doc.UpdatedAt,
		Nonce:       doc.Nonce,
	}
}

func newFileDoc(backend datastore.FileBackend, name string, data []byte) *couchDoc {
	return &couchDoc{
		ID:        fileID(backend, name),
		Data:      data,
		UpdatedAt: time.Now(),
		Backend:   string(backend),
		Name:      name,
	}
}

func (cd *couchDoc) doc() *datastore.Doc {
	fingerprint := cd.Fingerprint
	if fingerprint == "" {
		fingerprint = fingerprintFromID(cd.ID)
	}
	return &datastore.Doc{
		Fingerprint: fingerprint,
		Data:        cd.Data,
		UpdatedAt:   cd.UpdatedAt,
		Nonce:       cd.Nonce,
	}
}

func docID(fingerprint string) string {
	return docPrefix + fingerprint
}

func fileID(backend datastore.FileBackend, name string) string {
	return filePrefix + string(backend) + "/" + name
}

func isDocID(id string) bool {
	return strings.HasPrefix(id, docPrefix)
}

func fingerprintFromID(id string) string {
	return strings.TrimPrefix(id, docPrefix)
}
