// Package runtime hosts the children and plays the execution environment for
// the coordinator. It assigns addresses, executes requests against the child
// state machines and delivers one confirmation per successful request.
package runtime

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/zjrosen/countermgr/internal/counter"
	"github.com/zjrosen/countermgr/internal/envelope"
	"github.com/zjrosen/countermgr/internal/log"
	"github.com/zjrosen/countermgr/internal/orchestration/transport"
)

// DefaultAddressPrefix yields addresses contract1, contract2, ...
const DefaultAddressPrefix = "contract"

// Option configures a Host.
type Option func(*Host)

// WithAddressPrefix sets the prefix of assigned child addresses.
func WithAddressPrefix(prefix string) Option {
	return func(h *Host) {
		if prefix != "" {
			h.prefix = prefix
		}
	}
}

// WithSink sets the confirmation sink. Equivalent to calling Connect.
func WithSink(sink transport.ConfirmationSink) Option {
	return func(h *Host) {
		h.sink = sink
	}
}

// Host is an in-process execution environment.
//
// Requests are accepted by Send without blocking and executed by a single
// worker goroutine in the order they were sent, so confirmations arrive at
// the sink in request order. Failed requests produce no confirmation.
type Host struct {
	store  Store
	prefix string
	sink   transport.ConfirmationSink

	mu      sync.Mutex
	pending []transport.Request
	closed  bool
	signal  chan struct{}

	// execMu serializes child execution with direct reads.
	execMu sync.Mutex

	wg      sync.WaitGroup
	started bool
	stop    context.CancelFunc
}

var _ transport.Transport = (*Host)(nil)

// NewHost creates a Host backed by store.
func NewHost(store Store, opts ...Option) *Host {
	h := &Host{
		store:  store,
		prefix: DefaultAddressPrefix,
		signal: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Connect sets the confirmation sink. Must be called before Start.
func (h *Host) Connect(sink transport.ConfirmationSink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sink = sink
}

// Start launches the worker goroutine. It runs until ctx is cancelled or Stop is called.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return fmt.Errorf("runtime host already started")
	}
	if h.sink == nil {
		return fmt.Errorf("runtime host has no confirmation sink")
	}
	h.started = true

	ctx, cancel := context.WithCancel(ctx)
	h.stop = cancel
	h.wg.Add(1)
	go h.run(ctx)
	return nil
}

// Stop shuts the worker down after the request currently executing, if any.
// Requests still queued are dropped without confirmation.
func (h *Host) Stop() {
	h.mu.Lock()
	h.closed = true
	stop := h.stop
	h.mu.Unlock()

	if stop != nil {
		stop()
	}
	h.wg.Wait()
}

// Send queues req for execution. It never blocks on execution.
func (h *Host) Send(ctx context.Context, req transport.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return transport.ErrClosed
	}
	h.pending = append(h.pending, req)
	h.mu.Unlock()

	select {
	case h.signal <- struct{}{}:
	default:
	}
	return nil
}

// Backlog returns the number of requests waiting to execute.
func (h *Host) Backlog() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// QueryCount reads the count directly from the child at address.
func (h *Host) QueryCount(address string) (int32, error) {
	h.execMu.Lock()
	defer h.execMu.Unlock()

	st, err := h.store.Load(address)
	if err != nil {
		return 0, err
	}
	return st.Count, nil
}

func (h *Host) run(ctx context.Context) {
	defer h.wg.Done()
	for {
		req, ok := h.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-h.signal:
				continue
			}
		}
		if ctx.Err() != nil {
			return
		}

		env, err := h.Execute(req)
		if err != nil {
			log.Warn(log.CatRuntime, "request failed, no confirmation sent",
				"tag", req.Tag,
				"kind", req.Kind.String(),
				"contract", req.Contract,
				"error", err.Error(),
			)
			continue
		}
		h.sink(req.Tag, env)
	}
}

func (h *Host) next() (transport.Request, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.pending) == 0 {
		return transport.Request{}, false
	}
	req := h.pending[0]
	h.pending[0] = transport.Request{}
	h.pending = h.pending[1:]
	return req, true
}

// Execute runs req against the target child and returns the confirmation envelope.
// It is exported for callers that drive the environment synchronously.
func (h *Host) Execute(req transport.Request) (envelope.Envelope, error) {
	h.execMu.Lock()
	defer h.execMu.Unlock()

	switch req.Kind {
	case transport.KindInstantiate:
		return h.instantiate(req.Count)
	case transport.KindIncrement:
		return h.execute(req.Contract, func(st *counter.State) (envelope.Event, error) {
			return st.Increment()
		})
	case transport.KindReset:
		return h.execute(req.Contract, func(st *counter.State) (envelope.Event, error) {
			return st.Reset(req.Count), nil
		})
	default:
		return envelope.Envelope{}, fmt.Errorf("unknown request kind %q", req.Kind)
	}
}

func (h *Host) instantiate(count int32) (envelope.Envelope, error) {
	seq, err := h.store.NextSequence()
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("reserve address: %w", err)
	}
	address := h.prefix + strconv.FormatUint(seq, 10)

	st, ev := counter.Instantiate(address, count)
	if err := h.store.Save(st); err != nil {
		return envelope.Envelope{}, fmt.Errorf("save child %s: %w", address, err)
	}
	log.Debug(log.CatRuntime, "child instantiated", "address", address)

	return envelope.Envelope{Events: []envelope.Event{
		envelope.NewEvent(envelope.EventTypeInstantiate, envelope.AttrContractAddress, address),
		ev,
	}}, nil
}

func (h *Host) execute(address string, fn func(*counter.State) (envelope.Event, error)) (envelope.Envelope, error) {
	st, err := h.store.Load(address)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("%s: %w", address, err)
	}
	ev, err := fn(&st)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("%s: %w", address, err)
	}
	if err := h.store.Save(st); err != nil {
		return envelope.Envelope{}, fmt.Errorf("save child %s: %w", address, err)
	}

	return envelope.Envelope{Events: []envelope.Event{
		envelope.NewEvent(envelope.EventTypeExecute, envelope.AttrContractAddress, address),
		ev,
	}}, nil
}
