package coordinator

import (
	"context"
	"errors"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/countermgr/internal/counter"
	"github.com/zjrosen/countermgr/internal/envelope"
	"github.com/zjrosen/countermgr/internal/orchestration/command"
	"github.com/zjrosen/countermgr/internal/orchestration/correlation"
	"github.com/zjrosen/countermgr/internal/orchestration/events"
	"github.com/zjrosen/countermgr/internal/orchestration/metrics"
	"github.com/zjrosen/countermgr/internal/orchestration/processor"
	"github.com/zjrosen/countermgr/internal/orchestration/transport"
	"github.com/zjrosen/countermgr/internal/registry"
	"github.com/zjrosen/countermgr/internal/runtime"
)

// ===========================================================================
// Test Helpers
// ===========================================================================

type harness struct {
	coord *Coordinator
	reg   *registry.MemoryRegistry
	host  *runtime.Host
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	reg := registry.NewMemoryRegistry()
	host := runtime.NewHost(runtime.NewMemoryStore())
	c := New(reg, host, opts...)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return &harness{coord: c, reg: reg, host: host}
}

func record(address string, count int32) registry.Entry {
	return registry.Entry{Key: address, Record: registry.ChildRecord{Address: address, Count: count}}
}

func queryOf(t require.TestingT, c *Coordinator) []registry.Entry {
	entries, err := c.Query()
	require.NoError(t, err)
	return entries
}

// waitQuery waits until Query returns want.
func waitQuery(t *testing.T, c *Coordinator, want ...registry.Entry) {
	t.Helper()
	if want == nil {
		want = []registry.Entry{}
	}
	require.Eventually(t, func() bool {
		entries, err := c.Query()
		return err == nil && equalEntries(entries, want)
	}, 2*time.Second, 2*time.Millisecond, "registry never reached %v", want)
}

func equalEntries(a, b []registry.Entry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func waitSettled(t *testing.T, c *Coordinator) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, n := range c.Pending() {
			if n != 0 {
				return false
			}
		}
		return c.processor.QueueLength() == 0
	}, 2*time.Second, 2*time.Millisecond)
}

func createChildren(t *testing.T, c *Coordinator, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := c.CreateChild(context.Background())
		require.NoError(t, err)
	}
}

// ===========================================================================
// Scenarios
// ===========================================================================

func TestCoordinator_CreateCreateQuery(t *testing.T) {
	h := newHarness(t)

	createChildren(t, h.coord, 2)

	waitQuery(t, h.coord, record("contract1", 0), record("contract2", 0))
}

func TestCoordinator_CreateIncrementTwice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	createChildren(t, h.coord, 1)
	waitQuery(t, h.coord, record("contract1", 0))

	_, err := h.coord.Increment(ctx, "contract1")
	require.NoError(t, err)
	_, err = h.coord.Increment(ctx, "contract1")
	require.NoError(t, err)

	waitQuery(t, h.coord, record("contract1", 2))
}

func TestCoordinator_CreateReset(t *testing.T) {
	h := newHarness(t)

	createChildren(t, h.coord, 1)
	waitQuery(t, h.coord, record("contract1", 0))

	_, err := h.coord.Reset(context.Background(), "contract1", 7)
	require.NoError(t, err)

	waitQuery(t, h.coord, record("contract1", 7))
}

func TestCoordinator_ResetUnknownIsNotFound(t *testing.T) {
	h := newHarness(t)

	_, err := h.coord.Reset(context.Background(), "unknown", 3)
	require.ErrorIs(t, err, ErrNotFound)

	require.Empty(t, queryOf(t, h.coord))
	require.Zero(t, h.coord.Pending()[correlation.TagReset])
}

func TestCoordinator_IncrementUnknownIsNotFound(t *testing.T) {
	h := newHarness(t)

	_, err := h.coord.Increment(context.Background(), "unknown")
	require.ErrorIs(t, err, ErrNotFound)
	require.Zero(t, h.coord.Pending()[correlation.TagIncrement])
}

func TestCoordinator_IncrementRequiresAddress(t *testing.T) {
	h := newHarness(t)

	_, err := h.coord.Increment(context.Background(), "")
	require.ErrorIs(t, err, command.ErrAddressRequired)
}

func TestCoordinator_RequestReturnsBeforeConfirmation(t *testing.T) {
	// The transport accepts requests but never confirms them.
	var mu sync.Mutex
	var sent []transport.Request
	silent := transport.TransportFunc(func(_ context.Context, req transport.Request) error {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, req)
		return nil
	})

	c := New(registry.NewMemoryRegistry(), silent)
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	id, err := c.CreateChild(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Empty(t, queryOf(t, c), "no placeholder before confirmation")
	require.Equal(t, 1, c.Pending()[correlation.TagCreate])
	ops := c.PendingOperations(correlation.TagCreate)
	require.Len(t, ops, 1)
	require.Equal(t, id, ops[0].CommandID)

	mu.Lock()
	require.Equal(t, []transport.Request{{Tag: 1, Kind: transport.KindInstantiate}}, sent)
	mu.Unlock()
}

func TestCoordinator_TransportFailureIsReturned(t *testing.T) {
	broken := transport.TransportFunc(func(context.Context, transport.Request) error {
		return transport.ErrClosed
	})
	c := New(registry.NewMemoryRegistry(), broken)
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	_, err := c.CreateChild(context.Background())
	require.ErrorIs(t, err, transport.ErrClosed)
	require.Zero(t, c.Pending()[correlation.TagCreate])
}

// ===========================================================================
// Protocol Errors
// ===========================================================================

func TestCoordinator_UnknownTagLeavesRegistryUnchanged(t *testing.T) {
	var reported []error
	var mu sync.Mutex
	h := newHarness(t, WithFailureReporter(failureFunc(func(_ uint64, _ string, err error) {
		mu.Lock()
		defer mu.Unlock()
		reported = append(reported, err)
	})))

	createChildren(t, h.coord, 1)
	waitQuery(t, h.coord, record("contract1", 0))
	before := queryOf(t, h.coord)

	st := counter.State{Address: "contract1"}
	ev, err := st.Increment()
	require.NoError(t, err)
	h.coord.OnConfirmation(42, envelope.Envelope{Events: []envelope.Event{ev}})

	require.Eventually(t, func() bool { return h.coord.Failures() == 1 }, time.Second, 2*time.Millisecond)
	require.Equal(t, before, queryOf(t, h.coord))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 1)
	require.ErrorIs(t, reported[0], ErrUnknownTag)
	var perr *ProtocolError
	require.True(t, errors.As(reported[0], &perr))
	require.Equal(t, uint64(42), perr.Tag)
}

func TestCoordinator_DuplicateConfirmationRejected(t *testing.T) {
	h := newHarness(t)

	createChildren(t, h.coord, 1)
	waitQuery(t, h.coord, record("contract1", 0))

	// Replay the create confirmation the environment already delivered.
	env, err := h.host.Execute(transport.Request{Tag: 1, Kind: transport.KindInstantiate})
	require.NoError(t, err)
	h.coord.OnConfirmation(1, env)

	require.Eventually(t, func() bool { return h.coord.Failures() == 1 }, time.Second, 2*time.Millisecond)
	require.Equal(t, []registry.Entry{record("contract1", 0)}, queryOf(t, h.coord))
}

func TestCoordinator_FailureEventPublished(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := h.coord.Subscribe(ctx)

	h.coord.OnConfirmation(1, envelope.Envelope{})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-sub:
			ev, ok := e.Payload.(events.ChildEvent)
			if !ok {
				continue
			}
			require.Equal(t, events.ConfirmationFailed, ev.Type)
			require.Equal(t, uint64(1), ev.Tag)
			require.Contains(t, ev.Error, "confirmation without outstanding request")
			return
		case <-deadline:
			t.Fatal("no confirmation_failed event")
		}
	}
}

func TestCoordinator_PublishesChildEvents(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := h.coord.Subscribe(ctx)

	createChildren(t, h.coord, 1)
	waitQuery(t, h.coord, record("contract1", 0))
	_, err := h.coord.Reset(context.Background(), "contract1", -4)
	require.NoError(t, err)

	var got []events.ChildEvent
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case e := <-sub:
			if ev, ok := e.Payload.(events.ChildEvent); ok {
				got = append(got, ev)
			}
		case <-deadline:
			t.Fatalf("got %d child events", len(got))
		}
	}
	require.Equal(t, events.ChildCreated, got[0].Type)
	require.Equal(t, "contract1", got[0].Address)
	require.Equal(t, events.ChildReset, got[1].Type)
	require.Equal(t, int32(-4), got[1].Count)
}

type failureFunc func(tag uint64, commandID string, err error)

func (f failureFunc) ReportFailure(tag uint64, commandID string, err error) { f(tag, commandID, err) }

func TestFailureReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&ProtocolError{Err: correlation.ErrUnknownTag}, ReasonUnknownTag},
		{&ProtocolError{Err: correlation.ErrUnexpectedConfirmation}, ReasonUnexpected},
		{&ProtocolError{Err: ErrAddressMismatch}, ReasonMismatch},
		{&ProtocolError{Err: &envelope.ExtractionError{Err: envelope.ErrAmbiguousMatch}}, ReasonExtraction},
		{&ProtocolError{Err: &envelope.ExtractionError{Err: envelope.ErrEmptyAddress}}, ReasonExtraction},
		{&ProtocolError{Err: registry.ErrNotFound}, ReasonMissingChild},
		{&ProtocolError{Err: counter.ErrOverflow}, ReasonOverflow},
		{errors.New("disk full"), ReasonStorage},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			require.Equal(t, tt.want, FailureReason(tt.err))
		})
	}
}

// ===========================================================================
// Direct reads, metrics and lifecycle
// ===========================================================================

func TestCoordinator_ChildCountReadsEnvironment(t *testing.T) {
	h := newHarness(t, WithCountCacheTTL(time.Minute))
	ctx := context.Background()

	createChildren(t, h.coord, 1)
	waitQuery(t, h.coord, record("contract1", 0))

	n, err := h.coord.ChildCount(ctx, "contract1")
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = h.coord.Reset(ctx, "contract1", 11)
	require.NoError(t, err)
	waitQuery(t, h.coord, record("contract1", 11))

	require.Eventually(t, func() bool {
		n, err := h.coord.ChildCount(ctx, "contract1")
		return err == nil && n == 11
	}, time.Second, 2*time.Millisecond, "applied confirmation invalidates the cached count")
}

func TestCoordinator_ChildCountUnknown(t *testing.T) {
	h := newHarness(t)

	_, err := h.coord.ChildCount(context.Background(), "contract9")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCoordinator_ChildCountWithoutReader(t *testing.T) {
	c := New(registry.NewMemoryRegistry(), transport.TransportFunc(func(context.Context, transport.Request) error { return nil }))

	_, err := c.ChildCount(context.Background(), "contract1")
	require.ErrorIs(t, err, ErrDirectReadUnavailable)
}

func TestCoordinator_Metrics(t *testing.T) {
	m := metrics.New()
	h := newHarness(t, WithMetrics(m))

	createChildren(t, h.coord, 2)
	waitQuery(t, h.coord, record("contract1", 0), record("contract2", 0))
	h.coord.OnConfirmation(7, envelope.Envelope{})
	require.Eventually(t, func() bool { return h.coord.Failures() == 1 }, time.Second, 2*time.Millisecond)
	waitSettled(t, h.coord)

	body := scrape(t, m)
	require.Contains(t, body, `countermgr_coordinator_confirmations_total{outcome="applied",reason="none",tag="create"} 2`)
	require.Contains(t, body, `countermgr_coordinator_confirmations_total{outcome="rejected",reason="unknown_tag",tag="unknown"} 1`)
	require.Contains(t, body, `countermgr_coordinator_pending_requests{tag="create"} 0`)
	require.Contains(t, body, "countermgr_registry_children 2")
	require.Contains(t, body, "countermgr_processor_queue_depth")
	require.Equal(t, 3, testutil.CollectAndCount(m.Registry(), "countermgr_processor_commands_total"),
		"create_child success, deliver_confirmation success and failure")
}

func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}

func TestCoordinator_StartTwice(t *testing.T) {
	h := newHarness(t)
	require.Error(t, h.coord.Start(context.Background()))
}

func TestCoordinator_RequestsAfterClose(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	c := New(reg, runtime.NewHost(runtime.NewMemoryStore()))
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.Equal(t, StatusStopped, c.Status())

	_, err := c.CreateChild(context.Background())
	require.ErrorIs(t, err, ErrNotRunning)

	require.NotPanics(t, func() { c.OnConfirmation(1, envelope.Envelope{}) })
}

func TestCoordinator_RequestsBeforeStart(t *testing.T) {
	c := New(registry.NewMemoryRegistry(), runtime.NewHost(runtime.NewMemoryStore()))

	_, err := c.CreateChild(context.Background())
	require.ErrorIs(t, err, ErrNotRunning)
	require.NoError(t, c.Close())
}

func TestCoordinator_CloseAppliesQueuedConfirmations(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	store := runtime.NewMemoryStore()
	c := New(reg, runtime.NewHost(store))
	require.NoError(t, c.Start(context.Background()))

	createChildren(t, c, 1)
	waitQuery(t, c, record("contract1", 0))
	for i := 0; i < 50; i++ {
		_, err := c.Increment(context.Background(), "contract1")
		require.NoError(t, err)
	}
	require.NoError(t, c.Close())

	// Every request the environment executed before stopping was confirmed
	// and applied; the rest stay outstanding.
	child, err := store.Load("contract1")
	require.NoError(t, err)
	entries, err := reg.ListAll(registry.DefaultNamespace)
	require.NoError(t, err)
	require.Equal(t, child.Count, entries[0].Record.Count)
	require.Equal(t, 50-int(child.Count), c.Pending()[correlation.TagIncrement])
}

// slowStore delays Save so a request is still executing when shutdown starts.
type slowStore struct {
	*runtime.MemoryStore
	delay atomic.Int64
}

func (s *slowStore) Save(state counter.State) error {
	time.Sleep(time.Duration(s.delay.Load()))
	return s.MemoryStore.Save(state)
}

func TestCoordinator_StartContextCancelKeepsRunning(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := New(registry.NewMemoryRegistry(), runtime.NewHost(runtime.NewMemoryStore()))
	require.NoError(t, c.Start(ctx))
	t.Cleanup(func() { _ = c.Close() })

	createChildren(t, c, 1)
	waitQuery(t, c, record("contract1", 0))

	cancel()
	_, err := c.Increment(context.Background(), "contract1")
	require.NoError(t, err)
	waitQuery(t, c, record("contract1", 1))
	assert.Equal(t, StatusRunning, c.Status())
}

func TestCoordinator_CloseAfterStartContextCancelAppliesInFlight(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	store := &slowStore{MemoryStore: runtime.NewMemoryStore()}
	ctx, cancel := context.WithCancel(context.Background())
	host := runtime.NewHost(store)
	c := New(reg, host)
	require.NoError(t, c.Start(ctx))

	createChildren(t, c, 1)
	waitQuery(t, c, record("contract1", 0))

	store.delay.Store(int64(50 * time.Millisecond))
	_, err := c.Increment(context.Background(), "contract1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return host.Backlog() == 0 }, time.Second, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	// Signal-driven shutdown: the start context goes first, then Close.
	cancel()
	require.NoError(t, c.Close())

	child, err := store.Load("contract1")
	require.NoError(t, err)
	require.Equal(t, int32(1), child.Count)
	entries, err := reg.ListAll(registry.DefaultNamespace)
	require.NoError(t, err)
	require.Equal(t, child.Count, entries[0].Record.Count)
	require.Zero(t, c.Pending()[correlation.TagIncrement])
}

func TestCoordinator_ConcurrentRequests(t *testing.T) {
	h := newHarness(t)
	createChildren(t, h.coord, 1)
	waitQuery(t, h.coord, record("contract1", 0))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, err := h.coord.Increment(context.Background(), "contract1")
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	waitQuery(t, h.coord, record("contract1", 200))
}

func TestCoordinator_CommandSource(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := h.coord.Subscribe(ctx)

	_, err := h.coord.CreateChild(WithSource(context.Background(), command.SourceUser))
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-sub:
			if logEv, ok := e.Payload.(processor.CommandLogEvent); ok && logEv.CommandType == command.CmdCreateChild {
				require.Equal(t, command.SourceUser, logEv.Source)
				return
			}
		case <-deadline:
			t.Fatal("no command log event")
		}
	}
}

// ===========================================================================
// Properties
// ===========================================================================

func TestCoordinator_MatchesModel(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		reg := registry.NewMemoryRegistry()
		c := New(reg, runtime.NewHost(runtime.NewMemoryStore()))
		if err := c.Start(context.Background()); err != nil {
			rt.Fatalf("start: %v", err)
		}
		defer c.Close()

		ctx := context.Background()
		model := map[string]int32{}
		var order []string

		n := rapid.IntRange(1, 25).Draw(rt, "ops")
		for i := 0; i < n; i++ {
			switch rapid.IntRange(0, 2).Draw(rt, "op") {
			case 0:
				if _, err := c.CreateChild(ctx); err != nil {
					rt.Fatalf("create: %v", err)
				}
				addr := runtime.DefaultAddressPrefix + strconv.Itoa(len(order)+1)
				order = append(order, addr)
				model[addr] = 0
			case 1:
				addr := pickAddress(rt, order)
				_, err := c.Increment(ctx, addr)
				if !acceptable(rt, model, addr, err) {
					continue
				}
				model[addr]++
			case 2:
				addr := pickAddress(rt, order)
				v := rapid.Int32Range(-1000, 1000).Draw(rt, "value")
				_, err := c.Reset(ctx, addr, v)
				if !acceptable(rt, model, addr, err) {
					continue
				}
				model[addr] = v
			}
		}

		want := make([]registry.Entry, 0, len(order))
		for _, addr := range order {
			want = append(want, record(addr, model[addr]))
		}
		deadline := time.Now().Add(2 * time.Second)
		for {
			got := queryOf(rt, c)
			if equalEntries(got, want) {
				return
			}
			if time.Now().After(deadline) {
				rt.Fatalf("registry %v, want %v", got, want)
			}
			time.Sleep(time.Millisecond)
		}
	})
}

// pickAddress draws a known address or one that was never created.
func pickAddress(rt *rapid.T, order []string) string {
	candidates := append([]string{"contract999"}, order...)
	return rapid.SampledFrom(candidates).Draw(rt, "addr")
}

// acceptable reports whether a request was sent. A child whose create
// confirmation is still in flight may be refused with ErrNotFound; a child
// that was never created must be.
func acceptable(rt *rapid.T, model map[string]int32, addr string, err error) bool {
	if err == nil {
		if _, ok := model[addr]; !ok {
			rt.Fatalf("request to %s accepted before it was created", addr)
		}
		return true
	}
	if !errors.Is(err, ErrNotFound) {
		rt.Fatalf("request to %s: %v", addr, err)
	}
	return false
}

func TestCoordinator_SavesContractInfo(t *testing.T) {
	store := &registry.MemoryContractInfo{}
	h := newHarness(t, WithContractInfo(store, "1.4.0"))

	info, err := h.coord.ContractInfo()
	require.NoError(t, err)
	require.Equal(t, registry.ContractName, info.Contract)
	require.Equal(t, "1.4.0", info.Version)
	require.False(t, info.UpdatedAt.IsZero())
}

func TestCoordinator_ContractInfoUnconfigured(t *testing.T) {
	h := newHarness(t)

	_, err := h.coord.ContractInfo()
	require.ErrorIs(t, err, ErrNotFound)
}
