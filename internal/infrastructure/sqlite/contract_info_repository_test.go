package sqlite

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/countermgr/internal/registry"
)

func TestContractInfoRepository(t *testing.T) {
	repo := newTestDB(t).ContractInfo()

	_, err := repo.LoadContractInfo()
	require.ErrorIs(t, err, registry.ErrNotFound)

	first := registry.ContractInfo{
		Contract:  registry.ContractName,
		Version:   "0.1.0",
		UpdatedAt: time.Unix(1700000000, 0).UTC(),
	}
	require.NoError(t, repo.SaveContractInfo(first))

	got, err := repo.LoadContractInfo()
	require.NoError(t, err)
	require.Equal(t, first.Contract, got.Contract)
	require.Equal(t, first.Version, got.Version)
	require.True(t, first.UpdatedAt.Equal(got.UpdatedAt))

	second := first
	second.Version = "0.2.0"
	require.NoError(t, repo.SaveContractInfo(second))

	got, err = repo.LoadContractInfo()
	require.NoError(t, err)
	require.Equal(t, "0.2.0", got.Version, "save overwrites the single row")
}
