package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/countermgr/internal/registry"
)

const childColumns = `seq, namespace, address, count, created_at, updated_at`

// RegistryRepository implements registry.Registry using SQLite.
type RegistryRepository struct {
	db  *sql.DB
	now func() time.Time
}

func newRegistryRepository(db *sql.DB) *RegistryRepository {
	return &RegistryRepository{db: db, now: time.Now}
}

var _ registry.Registry = (*RegistryRepository)(nil)

func scanChild(scanner interface{ Scan(...any) error }) (*ChildModel, error) {
	var model ChildModel
	err := scanner.Scan(&model.Seq, &model.Namespace, &model.Address, &model.Count, &model.CreatedAt, &model.UpdatedAt)
	return &model, err
}

// Has reports whether a record exists for key.
func (r *RegistryRepository) Has(key registry.Key) (bool, error) {
	var one int
	err := r.db.QueryRow(
		`SELECT 1 FROM children WHERE namespace = ? AND address = ?`,
		key.Namespace, key.Address,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up child: %w", err)
	}
	return true, nil
}

// Get returns the record for key or registry.ErrNotFound.
func (r *RegistryRepository) Get(key registry.Key) (registry.ChildRecord, error) {
	model, err := scanChild(r.db.QueryRow(
		`SELECT `+childColumns+` FROM children WHERE namespace = ? AND address = ?`,
		key.Namespace, key.Address,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return registry.ChildRecord{}, fmt.Errorf("%w: %s", registry.ErrNotFound, key)
	}
	if err != nil {
		return registry.ChildRecord{}, fmt.Errorf("failed to get child: %w", err)
	}
	return model.toRecord(), nil
}

// Put inserts or overwrites the record for key. An overwrite keeps the
// record's position in ListAll.
func (r *RegistryRepository) Put(key registry.Key, record registry.ChildRecord) error {
	if err := key.Validate(); err != nil {
		return err
	}
	now := r.now().Unix()
	_, err := r.db.Exec(
		`INSERT INTO children (namespace, address, count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (namespace, address) DO UPDATE SET count = excluded.count, updated_at = excluded.updated_at`,
		key.Namespace, key.Address, record.Count, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to put child: %w", err)
	}
	return nil
}

// Update applies fn to the record for key inside a write transaction.
// An error from fn rolls the transaction back and is returned together
// with the unchanged record.
func (r *RegistryRepository) Update(key registry.Key, fn registry.UpdateFunc) (registry.ChildRecord, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return registry.ChildRecord{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	model, err := scanChild(tx.QueryRow(
		`SELECT `+childColumns+` FROM children WHERE namespace = ? AND address = ?`,
		key.Namespace, key.Address,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return registry.ChildRecord{}, fmt.Errorf("%w: %s", registry.ErrNotFound, key)
	}
	if err != nil {
		return registry.ChildRecord{}, fmt.Errorf("failed to get child: %w", err)
	}

	current := model.toRecord()
	next, err := fn(current)
	if err != nil {
		return current, err
	}

	if _, err := tx.Exec(
		`UPDATE children SET count = ?, updated_at = ? WHERE seq = ?`,
		next.Count, r.now().Unix(), model.Seq,
	); err != nil {
		return current, fmt.Errorf("failed to update child: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return current, fmt.Errorf("failed to commit child update: %w", err)
	}
	// The address is the key; fn cannot move a record.
	next.Address = current.Address
	return next, nil
}

// ListAll returns every record in namespace in creation order.
func (r *RegistryRepository) ListAll(namespace string) ([]registry.Entry, error) {
	rows, err := r.db.Query(
		`SELECT `+childColumns+` FROM children WHERE namespace = ? ORDER BY seq`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list children: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []registry.Entry{}
	for rows.Next() {
		model, err := scanChild(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan child: %w", err)
		}
		entries = append(entries, registry.Entry{Key: model.Address, Record: model.toRecord()})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate children: %w", err)
	}
	return entries, nil
}
