package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/countermgr/internal/envelope"
	"github.com/zjrosen/countermgr/internal/orchestration/transport"
)

type delivery struct {
	tag uint64
	env envelope.Envelope
}

// recorder collects confirmations delivered by the host.
type recorder struct {
	mu  sync.Mutex
	got []delivery
}

func (r *recorder) sink(tag uint64, env envelope.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, delivery{tag: tag, env: env})
}

func (r *recorder) deliveries() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.got...)
}

func startHost(t *testing.T, opts ...Option) (*Host, *recorder) {
	t.Helper()
	rec := &recorder{}
	h := NewHost(NewMemoryStore(), append(opts, WithSink(rec.sink))...)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(h.Stop)
	return h, rec
}

func waitDeliveries(t *testing.T, rec *recorder, n int) []delivery {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(rec.deliveries()) >= n
	}, time.Second, 5*time.Millisecond)
	return rec.deliveries()
}

func TestHost_AssignsSequentialAddresses(t *testing.T) {
	h, rec := startHost(t)
	ctx := context.Background()

	require.NoError(t, h.Send(ctx, transport.Request{Tag: 1, Kind: transport.KindInstantiate}))
	require.NoError(t, h.Send(ctx, transport.Request{Tag: 1, Kind: transport.KindInstantiate}))

	got := waitDeliveries(t, rec, 2)
	for i, want := range []string{"contract1", "contract2"} {
		require.Equal(t, uint64(1), got[i].tag)
		addr, err := envelope.ExtractChildAddress(got[i].env)
		require.NoError(t, err)
		require.Equal(t, want, addr)
	}
}

func TestHost_AddressPrefix(t *testing.T) {
	h, rec := startHost(t, WithAddressPrefix("counter"))

	require.NoError(t, h.Send(context.Background(), transport.Request{Tag: 1, Kind: transport.KindInstantiate}))

	got := waitDeliveries(t, rec, 1)
	addr, err := envelope.ExtractChildAddress(got[0].env)
	require.NoError(t, err)
	require.Equal(t, "counter1", addr)
}

func TestHost_IncrementAndReset(t *testing.T) {
	h, rec := startHost(t)
	ctx := context.Background()

	require.NoError(t, h.Send(ctx, transport.Request{Tag: 1, Kind: transport.KindInstantiate}))
	require.NoError(t, h.Send(ctx, transport.Request{Tag: 2, Kind: transport.KindIncrement, Contract: "contract1"}))
	require.NoError(t, h.Send(ctx, transport.Request{Tag: 2, Kind: transport.KindIncrement, Contract: "contract1"}))
	require.NoError(t, h.Send(ctx, transport.Request{Tag: 3, Kind: transport.KindReset, Contract: "contract1", Count: 9}))

	got := waitDeliveries(t, rec, 4)
	require.Equal(t, []uint64{1, 2, 2, 3}, []uint64{got[0].tag, got[1].tag, got[2].tag, got[3].tag})

	addr, err := envelope.ExtractChildAddress(got[1].env)
	require.NoError(t, err)
	require.Equal(t, "contract1", addr)

	outcome, err := envelope.ExtractResetOutcome(got[3].env)
	require.NoError(t, err)
	require.Equal(t, int32(9), outcome)

	count, err := h.QueryCount("contract1")
	require.NoError(t, err)
	require.Equal(t, int32(9), count)
}

func TestHost_FailedRequestSendsNoConfirmation(t *testing.T) {
	h, rec := startHost(t)
	ctx := context.Background()

	require.NoError(t, h.Send(ctx, transport.Request{Tag: 2, Kind: transport.KindIncrement, Contract: "contract7"}))
	require.NoError(t, h.Send(ctx, transport.Request{Tag: 1, Kind: transport.KindInstantiate}))

	got := waitDeliveries(t, rec, 1)
	require.Len(t, got, 1)
	require.Equal(t, uint64(1), got[0].tag)

	// Nothing else arrives for the failed increment.
	require.Never(t, func() bool { return len(rec.deliveries()) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestHost_QueryCountUnknown(t *testing.T) {
	h, _ := startHost(t)

	_, err := h.QueryCount("contract1")
	require.ErrorIs(t, err, ErrUnknownContract)
}

func TestHost_SendRejectsInvalidRequest(t *testing.T) {
	h, _ := startHost(t)

	err := h.Send(context.Background(), transport.Request{Tag: 2, Kind: transport.KindIncrement})
	require.Error(t, err)
	require.Zero(t, h.Backlog())
}

func TestHost_SendAfterStop(t *testing.T) {
	rec := &recorder{}
	h := NewHost(NewMemoryStore(), WithSink(rec.sink))
	require.NoError(t, h.Start(context.Background()))
	h.Stop()

	err := h.Send(context.Background(), transport.Request{Tag: 1, Kind: transport.KindInstantiate})
	require.ErrorIs(t, err, transport.ErrClosed)
}

func TestHost_StartRequiresSink(t *testing.T) {
	h := NewHost(NewMemoryStore())
	require.Error(t, h.Start(context.Background()))
}

func TestHost_StartTwice(t *testing.T) {
	h, _ := startHost(t)
	require.Error(t, h.Start(context.Background()))
}

func TestHost_ExecuteSynchronously(t *testing.T) {
	h := NewHost(NewMemoryStore())

	env, err := h.Execute(transport.Request{Tag: 1, Kind: transport.KindInstantiate, Count: 3})
	require.NoError(t, err)
	require.Len(t, env.Events, 2)
	require.Equal(t, envelope.EventTypeInstantiate, env.Events[0].Type)
	require.Equal(t, envelope.EventTypeWasm, env.Events[1].Type)

	count, err := h.QueryCount("contract1")
	require.NoError(t, err)
	require.Equal(t, int32(3), count)
}

func TestHost_PreservesOrderUnderLoad(t *testing.T) {
	h, rec := startHost(t)
	ctx := context.Background()

	require.NoError(t, h.Send(ctx, transport.Request{Tag: 1, Kind: transport.KindInstantiate}))
	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, h.Send(ctx, transport.Request{Tag: 3, Kind: transport.KindReset, Contract: "contract1", Count: int32(i)}))
	}

	got := waitDeliveries(t, rec, n+1)
	for i := 0; i < n; i++ {
		outcome, err := envelope.ExtractResetOutcome(got[i+1].env)
		require.NoError(t, err)
		require.Equal(t, int32(i), outcome)
	}
}
