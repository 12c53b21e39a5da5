package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSqliteDB_Memory_Defaults(t *testing.T) {
	database, err := NewSqliteDB()
	require.NoError(t, err)
	defer database.Close()

	_, err = database.Exec("CREATE TABLE markers (fingerprint TEXT PRIMARY KEY, updated_at TEXT);")
	require.NoError(t, err)
}

func TestNewSqliteDB_File_CreatesParent(t *testing.T) {
	tmp := t.TempDir()
	dbPath := filepath.Join(tmp, "nested", "index.db")

	database, err := NewSqliteDB(WithPath(dbPath), WithMaxOpenConns(1))
	require.NoError(t, err)
	defer database.Close()

	assert.DirExists(t, filepath.Dir(dbPath))

	_, err = database.Exec("CREATE TABLE markers (fingerprint TEXT PRIMARY KEY);")
	require.NoError(t, err)
	_, err = database.Exec("INSERT INTO markers (fingerprint) VALUES ('fp1');")
	require.NoError(t, err)

	var count int
	require.NoError(t, database.Get(&count, "SELECT COUNT(*) FROM markers"))
	assert.Equal(t, 1, count)
}

func TestNewSqliteDB_CustomPragmas_AllowsOverride(t *testing.T) {
	// sqlite treats unknown pragmas as no-ops, so a minimal pragma block
	// still yields a usable db
	database, err := NewSqliteDB(WithPragmas("PRAGMA journal_mode=WAL;"))
	require.NoError(t, err)
	defer database.Close()

	_, err = database.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY);")
	assert.NoError(t, err)
}
