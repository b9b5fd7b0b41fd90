package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryContractInfo(t *testing.T) {
	var store MemoryContractInfo

	_, err := store.LoadContractInfo()
	require.ErrorIs(t, err, ErrNotFound)

	info := ContractInfo{Contract: ContractName, Version: "1.0.0", UpdatedAt: time.Unix(100, 0)}
	require.NoError(t, store.SaveContractInfo(info))
	require.NoError(t, store.SaveContractInfo(ContractInfo{Contract: ContractName, Version: "1.1.0"}))

	got, err := store.LoadContractInfo()
	require.NoError(t, err)
	require.Equal(t, "1.1.0", got.Version)
}
