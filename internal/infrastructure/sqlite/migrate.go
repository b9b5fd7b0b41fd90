package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/zjrosen/countermgr/internal/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsTable = "schema_migrations"

// runMigrations applies every pending migration in migrationsFS.
func runMigrations(conn *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	drv, err := newMigrationDriver(conn)
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", drv)
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := drv.Version()
	if err != nil {
		return err
	}
	log.Debug(log.CatDB, "schema migrated", "version", version, "dirty", dirty)
	return nil
}

// migrationDriver adapts an open ncruces connection pool to migrate's
// database.Driver. It never closes the pool; DB.Close does.
type migrationDriver struct {
	conn *sql.DB

	mu     sync.Mutex
	locked bool
}

var _ database.Driver = (*migrationDriver)(nil)

func newMigrationDriver(conn *sql.DB) (*migrationDriver, error) {
	_, err := conn.Exec(`CREATE TABLE IF NOT EXISTS ` + migrationsTable + ` (
		version INTEGER NOT NULL,
		dirty   INTEGER NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}
	return &migrationDriver{conn: conn}, nil
}

func (d *migrationDriver) Open(string) (database.Driver, error) {
	return nil, errors.New("sqlite migration driver is created from an open connection")
}

func (d *migrationDriver) Close() error {
	return nil
}

func (d *migrationDriver) Lock() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.locked {
		return database.ErrLocked
	}
	d.locked = true
	return nil
}

func (d *migrationDriver) Unlock() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.locked = false
	return nil
}

func (d *migrationDriver) Run(migration io.Reader) error {
	body, err := io.ReadAll(migration)
	if err != nil {
		return err
	}
	if _, err := d.conn.Exec(string(body)); err != nil {
		return database.Error{OrigErr: err, Query: body, Err: "migration failed"}
	}
	return nil
}

func (d *migrationDriver) SetVersion(version int, dirty bool) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM ` + migrationsTable); err != nil {
		return err
	}
	// NilVersion means every migration was rolled back; leave the table empty.
	if version >= 0 {
		if _, err := tx.Exec(`INSERT INTO `+migrationsTable+` (version, dirty) VALUES (?, ?)`, version, dirty); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (d *migrationDriver) Version() (int, bool, error) {
	var version int
	var dirty bool
	err := d.conn.QueryRow(`SELECT version, dirty FROM ` + migrationsTable + ` LIMIT 1`).Scan(&version, &dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return database.NilVersion, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, dirty, nil
}

func (d *migrationDriver) Drop() error {
	rows, err := d.conn.Query(`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return err
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return err
		}
		tables = append(tables, name)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	for _, name := range tables {
		if _, err := d.conn.Exec(`DROP TABLE IF EXISTS "` + name + `"`); err != nil {
			return err
		}
	}
	return nil
}
