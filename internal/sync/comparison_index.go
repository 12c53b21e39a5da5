package sync

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmoiron/sqlx"

	"github.com/syncwell/dualstore/internal/datastore"
	"github.com/syncwell/dualstore/internal/db"
)

const indexSchema = `
CREATE TABLE IF NOT EXISTS comparison_index (
    fingerprint TEXT PRIMARY KEY,
    updated_at TEXT NOT NULL, -- RFC3339Nano
    nonce TEXT NOT NULL DEFAULT '',
    tombstone INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_comparison_updated_at ON comparison_index(updated_at);
`

const indexCacheSize = 4096

var errIndexClosed = errors.New("comparison index not open")

// dbIndexEntry scans from the database where time is stored as TEXT.
type dbIndexEntry struct {
	Fingerprint string `db:"fingerprint"`
	UpdatedAt   string `db:"updated_at"`
	Nonce       string `db:"nonce"`
	Tombstone   bool   `db:"tombstone"`
}

// indexRecord is one cached row: the marker plus whether it records a
// deletion rather than a write.
type indexRecord struct {
	entry     *datastore.DocEntry
	tombstone bool
}

// ComparisonIndex records, per fingerprint, the newest revision marker this
// engine has written or applied. The deduplicator consults it to tell
// genuinely new change events from echoes of the engine's own writes.
type ComparisonIndex struct {
	db     *sqlx.DB
	dbPath string
	cache  *lru.Cache[string, *indexRecord]
}

// NewComparisonIndex creates an index backed by a sqlite database at dbPath.
// Use ":memory:" for ephemeral indexes.
func NewComparisonIndex(dbPath string) (*ComparisonIndex, error) {
	cache, err := lru.New[string, *indexRecord](indexCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create index cache: %w", err)
	}
	return &ComparisonIndex{
		dbPath: dbPath,
		cache:  cache,
	}, nil
}

func (ci *ComparisonIndex) Open() error {
	if ci.db != nil {
		return fmt.Errorf("comparison index already open")
	}

	database, err := db.NewSqliteDB(db.WithPath(ci.dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		return fmt.Errorf("open comparison index: %w", err)
	}
	if _, err := database.Exec(indexSchema); err != nil {
		database.Close()
		return fmt.Errorf("initialize comparison index schema: %w", err)
	}
	ci.db = database
	return nil
}

func (ci *ComparisonIndex) Close() error {
	if ci.db == nil {
		return fmt.Errorf("comparison index not open")
	}
	err := ci.db.Close()
	ci.db = nil
	ci.cache.Purge()
	if err != nil {
		slog.Error("comparison index close", "error", err)
		return err
	}
	return nil
}

// Get returns the recorded marker for a fingerprint, or nil when unknown.
func (ci *ComparisonIndex) Get(fingerprint string) (*datastore.DocEntry, error) {
	rec, err := ci.getRecord(fingerprint)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.entry, nil
}

func (ci *ComparisonIndex) getRecord(fingerprint string) (*indexRecord, error) {
	if rec, ok := ci.cache.Get(fingerprint); ok {
		return rec, nil
	}
	if ci.db == nil {
		return nil, errIndexClosed
	}

	var row dbIndexEntry
	err := ci.db.Get(&row, "SELECT fingerprint, updated_at, nonce, tombstone FROM comparison_index WHERE fingerprint = ?", fingerprint)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query fingerprint %s: %w", fingerprint, err)
	}

	updatedAt, err := time.Parse(time.RFC3339Nano, row.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse stored marker for %s: %w", fingerprint, err)
	}

	rec := &indexRecord{
		entry: &datastore.DocEntry{
			Fingerprint: row.Fingerprint,
			UpdatedAt:   updatedAt,
			Nonce:       row.Nonce,
		},
		tombstone: row.Tombstone,
	}
	ci.cache.Add(fingerprint, rec)
	return rec, nil
}

// Record stores entry as the newest known marker for its fingerprint,
// clearing any tombstone left by an earlier deletion.
func (ci *ComparisonIndex) Record(entry *datastore.DocEntry) error {
	return ci.record(entry, false)
}

// RecordTombstone stores entry as the newest known marker and flags the
// fingerprint as deleted, so later deletion events for the same document
// read as echoes until a write re-records it.
func (ci *ComparisonIndex) RecordTombstone(entry *datastore.DocEntry) error {
	return ci.record(entry, true)
}

func (ci *ComparisonIndex) record(entry *datastore.DocEntry, tombstone bool) error {
	if entry == nil || entry.Fingerprint == "" {
		return fmt.Errorf("cannot record empty index entry")
	}
	if ci.db == nil {
		return errIndexClosed
	}

	row := dbIndexEntry{
		Fingerprint: entry.Fingerprint,
		UpdatedAt:   entry.UpdatedAt.Format(time.RFC3339Nano),
		Nonce:       entry.Nonce,
		Tombstone:   tombstone,
	}
	query := `INSERT OR REPLACE INTO comparison_index (fingerprint, updated_at, nonce, tombstone)
	          VALUES (:fingerprint, :updated_at, :nonce, :tombstone)`
	if _, err := ci.db.NamedExec(query, row); err != nil {
		return fmt.Errorf("record marker for %s: %w", entry.Fingerprint, err)
	}

	ci.cache.Add(entry.Fingerprint, &indexRecord{
		entry: &datastore.DocEntry{
			Fingerprint: entry.Fingerprint,
			UpdatedAt:   entry.UpdatedAt,
			Nonce:       entry.Nonce,
		},
		tombstone: tombstone,
	})
	return nil
}

// IsNewer reports whether entry is strictly newer than the recorded marker
// for its fingerprint. Unknown fingerprints are always newer; a matching
// nonce identifies an echo of a revision this engine already handled.
func (ci *ComparisonIndex) IsNewer(entry *datastore.DocEntry) bool {
	if entry == nil {
		return false
	}
	recorded, err := ci.Get(entry.Fingerprint)
	if err != nil {
		// on a broken index read, let the event through: a duplicate
		// transfer converges, a suppressed fresh change does not
		slog.Error("comparison index read", "fingerprint", entry.Fingerprint, "error", err)
		return true
	}
	return entry.NewerThan(recorded)
}

// IsTombstone reports whether the recorded marker for a fingerprint is a
// deletion. On a broken index read it reports false, so the event is let
// through rather than suppressed.
func (ci *ComparisonIndex) IsTombstone(fingerprint string) bool {
	rec, err := ci.getRecord(fingerprint)
	if err != nil {
		slog.Error("comparison index read", "fingerprint", fingerprint, "error", err)
		return false
	}
	return rec != nil && rec.tombstone
}

// Delete removes a fingerprint from the index.
func (ci *ComparisonIndex) Delete(fingerprint string) error {
	if ci.db == nil {
		return errIndexClosed
	}
	if _, err := ci.db.Exec("DELETE FROM comparison_index WHERE fingerprint = ?", fingerprint); err != nil {
		return fmt.Errorf("delete marker for %s: %w", fingerprint, err)
	}
	ci.cache.Remove(fingerprint)
	return nil
}

// Count returns the number of recorded fingerprints.
func (ci *ComparisonIndex) Count() (int, error) {
	if ci.db == nil {
		return 0, errIndexClosed
	}
	var count int
	if err := ci.db.Get(&count, "SELECT COUNT(*) FROM comparison_index"); err != nil {
		return 0, fmt.Errorf("count index entries: %w", err)
	}
	return count, nil
}
