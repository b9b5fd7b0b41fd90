package sqlite

import (
	"database/sql"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestDB opens a fresh database under t.TempDir and closes it with the test.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err, "Failed to create test database")
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNewDB_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	db, err := NewDB(dbPath)
	require.NoError(t, err)
	defer db.Close()

	info, err := os.Stat(filepath.Dir(dbPath))
	require.NoError(t, err)
	require.True(t, info.IsDir())
	if runtime.GOOS != "windows" {
		require.Equal(t, os.FileMode(0o700), info.Mode().Perm())
	}
}

func TestNewDB_RunsMigrations(t *testing.T) {
	db := newTestDB(t)

	for _, table := range []string{"children", "runtime_children", "runtime_sequence", "contract_info"} {
		var name string
		err := db.conn.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		require.NoError(t, err, "%s table should exist after migrations", table)
	}

	var version int
	var dirty bool
	require.NoError(t, db.conn.QueryRow("SELECT version, dirty FROM schema_migrations").Scan(&version, &dirty))
	require.Equal(t, 2, version)
	require.False(t, dirty)
}

func TestNewDB_ReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db1, err := NewDB(dbPath)
	require.NoError(t, err)
	require.NoError(t, db1.Registry().Put(childKey("contract1"), childRecord("contract1", 3)))
	require.NoError(t, db1.Close())

	db2, err := NewDB(dbPath)
	require.NoError(t, err)
	defer db2.Close()

	rec, err := db2.Registry().Get(childKey("contract1"))
	require.NoError(t, err)
	require.Equal(t, int32(3), rec.Count)

	info, err := os.Stat(dbPath + ".bak")
	require.NoError(t, err, "existing database is backed up before migrating")
	require.Greater(t, info.Size(), int64(0))
}

func TestNewDB_Pragmas(t *testing.T) {
	db := newTestDB(t)

	var journalMode string
	require.NoError(t, db.conn.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	require.Equal(t, "wal", journalMode)

	var foreignKeys int
	require.NoError(t, db.conn.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	require.Equal(t, 1, foreignKeys)

	var busyTimeout int
	require.NoError(t, db.conn.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	require.Equal(t, busyTimeoutMillis, busyTimeout)
}

func TestDB_Close(t *testing.T) {
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	require.NoError(t, db.Close())
	require.Error(t, db.conn.Ping(), "Ping should fail after Close")
}

func TestDB_Connection(t *testing.T) {
	db := newTestDB(t)

	conn := db.Connection()
	require.IsType(t, (*sql.DB)(nil), conn)
	require.NoError(t, conn.Ping())
	require.Equal(t, filepath.Base(db.Path()), "test.db")
}

func TestNewDB_InvalidPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Unix-specific path test")
	}
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	_, err := NewDB(filepath.Join(blocker, "test.db"))
	require.Error(t, err, "parent path is a regular file")
}

func TestMigrationDriver_DownAndUp(t *testing.T) {
	db := newTestDB(t)
	drv, err := newMigrationDriver(db.conn)
	require.NoError(t, err)

	require.NoError(t, drv.Lock())
	require.Error(t, drv.Lock(), "second lock fails")
	require.NoError(t, drv.Unlock())

	require.NoError(t, drv.SetVersion(-1, false))
	version, dirty, err := drv.Version()
	require.NoError(t, err)
	require.Equal(t, -1, version)
	require.False(t, dirty)

	require.NoError(t, drv.Drop())
	var n int
	require.NoError(t, db.conn.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'",
	).Scan(&n))
	require.Zero(t, n)

	require.NoError(t, runMigrations(db.conn), "migrations apply again on an empty database")
	_, err = db.Registry().ListAll("0")
	require.NoError(t, err)
}
