package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/countermgr/internal/counter"
	"github.com/zjrosen/countermgr/internal/runtime"
)

// RuntimeStore implements runtime.Store using SQLite, so children and the
// address sequence survive a daemon restart.
type RuntimeStore struct {
	db  *sql.DB
	now func() time.Time
}

func newRuntimeStore(db *sql.DB) *RuntimeStore {
	return &RuntimeStore{db: db, now: time.Now}
}

var _ runtime.Store = (*RuntimeStore)(nil)

// NextSequence reserves the next address sequence number.
func (s *RuntimeStore) NextSequence() (uint64, error) {
	var seq uint64
	err := s.db.QueryRow(
		`UPDATE runtime_sequence SET value = value + 1 WHERE id = 1 RETURNING value`,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to reserve sequence: %w", err)
	}
	return seq, nil
}

// Load returns the child at address or runtime.ErrUnknownContract.
func (s *RuntimeStore) Load(address string) (counter.State, error) {
	var model RuntimeChildModel
	err := s.db.QueryRow(
		`SELECT address, count, updated_at FROM runtime_children WHERE address = ?`,
		address,
	).Scan(&model.Address, &model.Count, &model.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return counter.State{}, runtime.ErrUnknownContract
	}
	if err != nil {
		return counter.State{}, fmt.Errorf("failed to load child: %w", err)
	}
	return model.toState(), nil
}

// Save inserts or overwrites a child.
func (s *RuntimeStore) Save(state counter.State) error {
	model := toRuntimeChildModel(state, s.now())
	_, err := s.db.Exec(
		`INSERT INTO runtime_children (address, count, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (address) DO UPDATE SET count = excluded.count, updated_at = excluded.updated_at`,
		model.Address, model.Count, model.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save child: %w", err)
	}
	return nil
}
