// Package coordinator is the counter manager: it spawns children in an
// execution environment, forwards increment and reset requests to them, and
// keeps a registry that mirrors their counts from the confirmations the
// environment sends back.
//
// # Architecture
//
// Every request and every confirmation becomes a command on a single
// CommandProcessor, so registry mutations never race:
//
//	CreateChild/Increment/Reset -> processor -> handler -> Transport.Send
//	                                   ^                        |
//	                                   |                  environment
//	OnConfirmation(tag, envelope) -----+<-----------------------+
//
// Request calls return once the request has been handed to the transport.
// The registry changes only when the matching confirmation is processed.
//
// # Correlation
//
// Confirmations carry one of three reply tags (create, increment, reset).
// Outstanding requests of the same kind are told apart only by order: the
// environment must deliver confirmations in request order.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/countermgr/internal/cachemanager"
	"github.com/zjrosen/countermgr/internal/orchestration/correlation"
	"github.com/zjrosen/countermgr/internal/orchestration/handler"
	"github.com/zjrosen/countermgr/internal/orchestration/metrics"
	"github.com/zjrosen/countermgr/internal/orchestration/processor"
	"github.com/zjrosen/countermgr/internal/orchestration/transport"
	"github.com/zjrosen/countermgr/internal/pubsub"
	"github.com/zjrosen/countermgr/internal/registry"
)

// ProtocolError reports a confirmation that could not be applied because the
// environment broke the coordinator's expectations.
type ProtocolError = handler.ProtocolError

var (
	ErrNotFound               = handler.ErrNotFound
	ErrUnknownTag             = handler.ErrUnknownTag
	ErrUnexpectedConfirmation = handler.ErrUnexpectedConfirmation
	ErrAddressMismatch        = handler.ErrAddressMismatch

	// ErrNotRunning is returned by request calls outside Start and Close.
	ErrNotRunning = errors.New("coordinator not running")
	// ErrDirectReadUnavailable is returned by ChildCount when no ChildReader is configured.
	ErrDirectReadUnavailable = errors.New("direct child reads are not available")
)

// Status represents the coordinator's lifecycle state.
type Status int32

const (
	// StatusPending means Start has not been called.
	StatusPending Status = iota
	// StatusStarting means Start is in progress.
	StatusStarting
	// StatusRunning means requests and confirmations are accepted.
	StatusRunning
	// StatusStopping means Close is in progress. Confirmations are still applied.
	StatusStopping
	// StatusStopped means the coordinator has shut down.
	StatusStopped
	// StatusFailed means Start failed.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Environment is a Transport whose confirmation delivery the coordinator can
// manage. When the transport passed to New implements it, Start connects and
// starts it and Close stops it before draining the command queue.
type Environment interface {
	transport.Transport
	Connect(sink transport.ConfirmationSink)
	Start(ctx context.Context) error
	Stop()
}

// ChildReader reads a child's count directly from the environment.
type ChildReader interface {
	QueryCount(address string) (int32, error)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithQueueCapacity sets the command queue capacity.
func WithQueueCapacity(n int) Option {
	return func(c *Coordinator) {
		c.queueCapacity = n
	}
}

// WithSlowHandlerThreshold sets the duration above which a handler is logged as slow.
func WithSlowHandlerThreshold(d time.Duration) Option {
	return func(c *Coordinator) {
		c.slowThreshold = d
	}
}

// WithTracer enables a span per processed command.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) {
		c.tracer = t
	}
}

// WithMetrics records processor and confirmation metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithChildReader enables ChildCount. If the transport is a ChildReader it is
// used automatically.
func WithChildReader(r ChildReader) Option {
	return func(c *Coordinator) {
		c.reader = r
	}
}

// WithCountCacheTTL caches ChildCount results for ttl. Zero disables caching.
func WithCountCacheTTL(ttl time.Duration) Option {
	return func(c *Coordinator) {
		c.countTTL = ttl
	}
}

// WithFailureReporter adds a reporter told about every rejected confirmation,
// after the coordinator has logged and counted it.
func WithFailureReporter(r handler.FailureReporter) Option {
	return func(c *Coordinator) {
		c.reporter = r
	}
}

// WithContractInfo records ContractName and version in store when the
// coordinator starts.
func WithContractInfo(store registry.ContractInfoStore, version string) Option {
	return func(c *Coordinator) {
		c.info = store
		c.version = version
	}
}

// Coordinator is the counter manager.
type Coordinator struct {
	registry  registry.Registry
	transport transport.Transport
	env       Environment
	reader    ChildReader

	ledger    *correlation.Ledger
	processor *processor.CommandProcessor
	bus       *pubsub.Broker[any]
	counts    *cachemanager.ReadThroughCache[int32]

	queueCapacity int
	slowThreshold time.Duration
	countTTL      time.Duration
	tracer        trace.Tracer
	metrics       *metrics.Metrics
	reporter      handler.FailureReporter
	info          registry.ContractInfoStore
	version       string

	// mu is held shared by every call that feeds the processor queue and
	// exclusively while the queue is drained.
	mu       sync.RWMutex
	drained  bool
	status   atomic.Int32
	failures atomic.Int64
	cancel   context.CancelFunc
	ctx      context.Context
}

// New creates a Coordinator mirroring children into reg and talking to the
// environment through t. Call Start before issuing requests.
func New(reg registry.Registry, t transport.Transport, opts ...Option) *Coordinator {
	c := &Coordinator{
		registry:      reg,
		transport:     t,
		ledger:        correlation.NewLedger(),
		bus:           pubsub.NewBroker[any](),
		queueCapacity: processor.DefaultQueueCapacity,
		slowThreshold: processor.DefaultTimeoutWarningThreshold,
		countTTL:      cachemanager.DefaultExpiration,
		ctx:           context.Background(),
	}
	if env, ok := t.(Environment); ok {
		c.env = env
	}
	if r, ok := t.(ChildReader); ok {
		c.reader = r
	}
	for _, opt := range opts {
		opt(c)
	}

	c.processor = c.newProcessor()
	c.metrics.WatchQueueDepth(func() float64 {
		return float64(c.processor.QueueLength())
	})

	if c.reader != nil {
		cache := cachemanager.NewInMemoryCacheManager[int32]("child-count", c.countTTL, cachemanager.DefaultCleanupInterval)
		c.counts = cachemanager.NewReadThroughCache[int32](cache, c.readCount, c.countTTL)
	}
	return c
}

// Status returns the current lifecycle state.
func (c *Coordinator) Status() Status {
	return Status(c.status.Load())
}

func (c *Coordinator) setStatus(s Status) {
	c.status.Store(int32(s))
}

// Pending returns the number of outstanding requests per reply tag.
func (c *Coordinator) Pending() map[correlation.Tag]int {
	return c.ledger.Counts()
}

// PendingOperations returns the outstanding requests of tag, oldest first.
func (c *Coordinator) PendingOperations(tag correlation.Tag) []correlation.PendingOperation {
	return c.ledger.Snapshot(tag)
}

// ContractInfo returns the stored contract metadata. It fails with
// ErrNotFound when no ContractInfoStore is configured or nothing was saved.
func (c *Coordinator) ContractInfo() (registry.ContractInfo, error) {
	if c.info == nil {
		return registry.ContractInfo{}, ErrNotFound
	}
	return c.info.LoadContractInfo()
}

// Failures returns the number of confirmations rejected so far.
func (c *Coordinator) Failures() int64 {
	return c.failures.Load()
}

// Subscribe streams coordinator activity until ctx is cancelled: an
// events.ChildEvent per applied or rejected confirmation, a
// processor.CommandLogEvent per processed command and a
// processor.CommandErrorEvent per failed request.
func (c *Coordinator) Subscribe(ctx context.Context) <-chan pubsub.Event[any] {
	return c.bus.Subscribe(ctx)
}
