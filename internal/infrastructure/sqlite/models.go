package sqlite

import (
	"time"

	"github.com/zjrosen/countermgr/internal/counter"
	"github.com/zjrosen/countermgr/internal/registry"
)

// ChildModel represents a row of the children table.
// Timestamps are Unix seconds.
type ChildModel struct {
	Seq       int64
	Namespace string
	Address   string
	Count     int32
	CreatedAt int64
	UpdatedAt int64
}

func (m *ChildModel) toRecord() registry.ChildRecord {
	return registry.ChildRecord{Address: m.Address, Count: m.Count}
}

// RuntimeChildModel represents a row of the runtime_children table.
type RuntimeChildModel struct {
	Address   string
	Count     int32
	UpdatedAt int64
}

func toRuntimeChildModel(st counter.State, now time.Time) RuntimeChildModel {
	return RuntimeChildModel{Address: st.Address, Count: st.Count, UpdatedAt: now.Unix()}
}

func (m *RuntimeChildModel) toState() counter.State {
	return counter.State{Address: m.Address, Count: m.Count}
}

// ContractInfoModel represents the single contract_info row.
type ContractInfoModel struct {
	Contract  string
	Version   string
	UpdatedAt int64
}

func toContractInfoModel(info registry.ContractInfo) ContractInfoModel {
	updated := info.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	return ContractInfoModel{Contract: info.Contract, Version: info.Version, UpdatedAt: updated.Unix()}
}

func (m *ContractInfoModel) toDomain() registry.ContractInfo {
	return registry.ContractInfo{
		Contract:  m.Contract,
		Version:   m.Version,
		UpdatedAt: time.Unix(m.UpdatedAt, 0),
	}
}
