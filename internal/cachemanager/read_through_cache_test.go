package cachemanager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockCacheManager struct {
	mock.Mock
}

func (m *mockCacheManager) Get(ctx context.Context, key string) (int32, bool) {
	args := m.Called(ctx, key)
	return args.Get(0).(int32), args.Bool(1)
}

func (m *mockCacheManager) Set(ctx context.Context, key string, value int32, ttl time.Duration) {
	m.Called(ctx, key, value, ttl)
}

func (m *mockCacheManager) Delete(ctx context.Context, keys ...string) error {
	return m.Called(ctx, keys).Error(0)
}

func (m *mockCacheManager) Flush(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func countLoader(calls *int, value int32, err error) func(context.Context, string) (int32, error) {
	return func(context.Context, string) (int32, error) {
		*calls++
		return value, err
	}
}

func TestReadThroughCache_Get_WithCacheDisabled(t *testing.T) {
	managerMock := &mockCacheManager{}
	calls := 0
	rt := NewReadThroughCache[int32](managerMock, countLoader(&calls, 4, nil), 0)

	got, err := rt.Get(context.Background(), "contract1")
	require.NoError(t, err)
	require.Equal(t, int32(4), got)
	require.Equal(t, 1, calls)
	managerMock.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
}

func TestReadThroughCache_Get_WithValueInCache(t *testing.T) {
	managerMock := &mockCacheManager{}
	managerMock.On("Get", mock.Anything, "contract1").Return(int32(9), true).Once()
	calls := 0
	rt := NewReadThroughCache[int32](managerMock, countLoader(&calls, 4, nil), time.Second)

	got, err := rt.Get(context.Background(), "contract1")
	require.NoError(t, err)
	require.Equal(t, int32(9), got)
	require.Zero(t, calls)
	managerMock.AssertExpectations(t)
}

func TestReadThroughCache_Get_MissLoadsAndStores(t *testing.T) {
	managerMock := &mockCacheManager{}
	managerMock.On("Get", mock.Anything, "contract1").Return(int32(0), false).Once()
	managerMock.On("Set", mock.Anything, "contract1", int32(4), time.Second).Once()
	calls := 0
	rt := NewReadThroughCache[int32](managerMock, countLoader(&calls, 4, nil), time.Second)

	got, err := rt.Get(context.Background(), "contract1")
	require.NoError(t, err)
	require.Equal(t, int32(4), got)
	require.Equal(t, 1, calls)
	managerMock.AssertExpectations(t)
}

func TestReadThroughCache_Get_ErrorIsNotCached(t *testing.T) {
	managerMock := &mockCacheManager{}
	managerMock.On("Get", mock.Anything, "contract1").Return(int32(0), false).Twice()
	boom := errors.New("boom")
	calls := 0
	rt := NewReadThroughCache[int32](managerMock, countLoader(&calls, 0, boom), time.Second)

	_, err := rt.Get(context.Background(), "contract1")
	require.ErrorIs(t, err, boom)
	_, err = rt.Get(context.Background(), "contract1")
	require.ErrorIs(t, err, boom)
	require.Equal(t, 2, calls)
	managerMock.AssertNotCalled(t, "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestReadThroughCache_Invalidate(t *testing.T) {
	cache := NewInMemoryCacheManager[int32]("child-count", DefaultExpiration, DefaultCleanupInterval)
	value := int32(1)
	rt := NewReadThroughCache[int32](cache, func(context.Context, string) (int32, error) {
		return value, nil
	}, time.Minute)

	got, err := rt.Get(context.Background(), "contract1")
	require.NoError(t, err)
	require.Equal(t, int32(1), got)

	value = 2
	got, _ = rt.Get(context.Background(), "contract1")
	require.Equal(t, int32(1), got, "served from cache")

	rt.Invalidate(context.Background(), "contract1")
	got, _ = rt.Get(context.Background(), "contract1")
	require.Equal(t, int32(2), got)
}
