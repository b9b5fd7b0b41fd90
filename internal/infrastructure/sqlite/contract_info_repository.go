package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/zjrosen/countermgr/internal/registry"
)

// ContractInfoRepository implements registry.ContractInfoStore using SQLite.
type ContractInfoRepository struct {
	db *sql.DB
}

func newContractInfoRepository(db *sql.DB) *ContractInfoRepository {
	return &ContractInfoRepository{db: db}
}

var _ registry.ContractInfoStore = (*ContractInfoRepository)(nil)

// SaveContractInfo replaces the stored metadata.
func (r *ContractInfoRepository) SaveContractInfo(info registry.ContractInfo) error {
	model := toContractInfoModel(info)
	_, err := r.db.Exec(
		`INSERT INTO contract_info (id, contract, version, updated_at) VALUES (1, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET contract = excluded.contract, version = excluded.version, updated_at = excluded.updated_at`,
		model.Contract, model.Version, model.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save contract info: %w", err)
	}
	return nil
}

// LoadContractInfo returns the stored metadata or registry.ErrNotFound.
func (r *ContractInfoRepository) LoadContractInfo() (registry.ContractInfo, error) {
	var model ContractInfoModel
	err := r.db.QueryRow(
		`SELECT contract, version, updated_at FROM contract_info WHERE id = 1`,
	).Scan(&model.Contract, &model.Version, &model.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return registry.ContractInfo{}, registry.ErrNotFound
	}
	if err != nil {
		return registry.ContractInfo{}, fmt.Errorf("failed to load contract info: %w", err)
	}
	return model.toDomain(), nil
}
