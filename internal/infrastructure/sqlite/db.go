// Package sqlite provides the SQLite-backed registry, child store and
// contract metadata, with schema migrations embedded in the binary.
package sqlite

import (
	"database/sql"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/zjrosen/countermgr/internal/log"
)

// busyTimeoutMillis is how long a connection waits on a locked database.
const busyTimeoutMillis = 5000

// DB owns the connection pool to one database file.
type DB struct {
	conn *sql.DB
	path string
}

// NewDB opens (creating if needed) the database at path and migrates it to
// the latest schema. An existing file is copied to path+".bak" first.
func NewDB(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := backupFile(path, path+".bak"); err != nil {
			return nil, fmt.Errorf("failed to back up database: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := runMigrations(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	log.Debug(log.CatDB, "database ready", "path", path)
	return &DB{conn: conn, path: path}, nil
}

func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeoutMillis))
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(wal)")
	q.Set("_txlock", "immediate")
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(path), RawQuery: q.Encode()}
	return u.String()
}

func backupFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // G304: path is the configured database path
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600) //nolint:gosec // G304: derived from the database path
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// Connection returns the underlying pool.
func (db *DB) Connection() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Registry returns the child registry stored in this database.
func (db *DB) Registry() *RegistryRepository {
	return newRegistryRepository(db.conn)
}

// RuntimeStore returns the execution environment's child store.
func (db *DB) RuntimeStore() *RuntimeStore {
	return newRuntimeStore(db.conn)
}

// ContractInfo returns the contract metadata repository.
func (db *DB) ContractInfo() *ContractInfoRepository {
	return newContractInfoRepository(db.conn)
}
