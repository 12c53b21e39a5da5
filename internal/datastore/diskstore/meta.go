package diskstore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/syncwell/dualstore/internal/datastore"
	"github.com/syncwell/dualstore/internal/db"
)

const metaSchema = `
CREATE TABLE IF NOT EXISTS doc_meta (
    fingerprint TEXT PRIMARY KEY,
    updated_at TEXT NOT NULL, -- RFC3339Nano
    nonce TEXT NOT NULL DEFAULT ''
);
`

type metaRow struct {
	Fingerprint string `db:"fingerprint"`
	UpdatedAt   string `db:"updated_at"`
	Nonce       string `db:"nonce"`
}

func (r *metaRow) entry() (*datastore.DocEntry, error) {
	updatedAt, err := time.Parse(time.RFC3339Nano, r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse marker for %s: %w", r.Fingerprint, err)
	}
	return &datastore.DocEntry{
		Fingerprint: r.Fingerprint,
		UpdatedAt:   updatedAt,
		Nonce:       r.Nonce,
	}, nil
}

// metaStore is the store's durable record of which documents exist and at
// which revision. It backs batch-0 replay and the detection of external
// deletions, neither of which can be answered from the document files alone
// without a full directory scan.
type metaStore struct {
	db *sqlx.DB
}

func openMetaStore(path string) (*metaStore, error) {
	database, err := db.NewSqliteDB(db.WithPath(path), db.WithMaxOpenConns(1))
	if err != nil {
		return nil, fmt.Errorf("open doc meta: %w", err)
	}
	if _, err := database.Exec(metaSchema); err != nil {
		database.Close()
		return nil, fmt.Errorf("initialize doc meta schema: %w", err)
	}
	return &metaStore{db: database}, nil
}

func (m *metaStore) close() error {
	return m.db.Close()
}

func (m *metaStore) upsert(entry *datastore.DocEntry) error {
	row := metaRow{
		Fingerprint: entry.Fingerprint,
		UpdatedAt:   entry.UpdatedAt.Format(time.RFC3339Nano),
		Nonce:       entry.Nonce,
	}
	query := `INSERT OR REPLACE INTO doc_meta (fingerprint, updated_at, nonce)
	          VALUES (:fingerprint, :updated_at, :nonce)`
	if _, err := m.db.NamedExec(query, row); err != nil {
		return fmt.Errorf("upsert meta for %s: %w", entry.Fingerprint, err)
	}
	return nil
}

func (m *metaStore) remove(fingerprint string) error {
	if _, err := m.db.Exec("DELETE FROM doc_meta WHERE fingerprint = ?", fingerprint); err != nil {
		return fmt.Errorf("remove meta for %s: %w", fingerprint, err)
	}
	return nil
}

func (m *metaStore) get(fingerprint string) (*datastore.DocEntry, error) {
	var row metaRow
	err := m.db.Get(&row, "SELECT fingerprint, updated_at, nonce FROM doc_meta WHERE fingerprint = ?", fingerprint)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query meta for %s: %w", fingerprint, err)
	}
	return row.entry()
}

func (m *metaStore) all() ([]*datastore.DocEntry, error) {
	var rows []metaRow
	if err := m.db.Select(&rows, "SELECT fingerprint, updated_at, nonce FROM doc_meta ORDER BY fingerprint"); err != nil {
		return nil, fmt.Errorf("list doc meta: %w", err)
	}
	entries := make([]*datastore.DocEntry, 0, len(rows))
	for i := range rows {
		entry, err := rows[i].entry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
