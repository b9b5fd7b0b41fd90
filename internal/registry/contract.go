package registry

import (
	"sync"
	"time"
)

// ContractName identifies the counter manager in stored contract metadata.
const ContractName = "crates.io:counter_manager"

// ContractInfo records which manager build last started against a store.
type ContractInfo struct {
	Contract  string    `json:"contract"`
	Version   string    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ContractInfoStore persists the single ContractInfo row.
type ContractInfoStore interface {
	// SaveContractInfo replaces the stored metadata.
	SaveContractInfo(info ContractInfo) error
	// LoadContractInfo returns the stored metadata, or ErrNotFound if none was saved.
	LoadContractInfo() (ContractInfo, error)
}

// MemoryContractInfo is an in-memory ContractInfoStore.
type MemoryContractInfo struct {
	mu   sync.Mutex
	info *ContractInfo
}

var _ ContractInfoStore = (*MemoryContractInfo)(nil)

func (m *MemoryContractInfo) SaveContractInfo(info ContractInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info = &info
	return nil
}

func (m *MemoryContractInfo) LoadContractInfo() (ContractInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.info == nil {
		return ContractInfo{}, ErrNotFound
	}
	return *m.info, nil
}
