// Package testutil provides fixtures for tests that need a populated
// registry and execution environment.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/countermgr/internal/infrastructure/sqlite"
)

// NewTestDB opens a migrated SQLite database in a temporary directory.
// The database is closed when the test finishes.
func NewTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.NewDB(filepath.Join(t.TempDir(), "countermgr.db"))
	require.NoError(t, err, "Failed to create test database")
	t.Cleanup(func() { _ = db.Close() })
	return db
}
