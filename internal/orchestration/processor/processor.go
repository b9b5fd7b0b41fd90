// Package processor provides the FIFO command processor at the heart of the
// coordinator. A single goroutine processes commands in strict FIFO order, so
// handlers never race on the registry or the correlation ledger.
package processor

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/zjrosen/countermgr/internal/orchestration/command"
	"github.com/zjrosen/countermgr/internal/orchestration/types"
	"github.com/zjrosen/countermgr/internal/pubsub"
)

// DefaultQueueCapacity is the default buffer size for the command queue.
const DefaultQueueCapacity = 1000

// CommandHandler is an alias for types.CommandHandler to avoid import cycles.
type CommandHandler = types.CommandHandler

// HandlerFunc is an alias for types.HandlerFunc to avoid import cycles.
type HandlerFunc = types.HandlerFunc

// ErrUnknownCommandType is returned when no handler is registered for a command type.
var ErrUnknownCommandType = types.ErrUnknownCommandType

// ErrProcessorNotRunning is returned by Enqueue once the processor has stopped.
var ErrProcessorNotRunning = types.ErrProcessorNotRunning

// Option configures the CommandProcessor.
type Option func(*CommandProcessor)

// WithQueueCapacity sets the command queue buffer capacity.
func WithQueueCapacity(capacity int) Option {
	return func(p *CommandProcessor) {
		if capacity > 0 {
			p.queueCapacity = capacity
		}
	}
}

// WithEventBus sets the event bus for publishing command results.
func WithEventBus(bus *pubsub.Broker[any]) Option {
	return func(p *CommandProcessor) {
		p.eventBus = bus
	}
}

// WithMiddleware adds middleware to be applied to all handlers.
// Middleware is applied in order: first middleware wraps outermost.
func WithMiddleware(middlewares ...Middleware) Option {
	return func(p *CommandProcessor) {
		p.middlewares = append(p.middlewares, middlewares...)
	}
}

// CommandProcessor processes commands sequentially in FIFO order.
type CommandProcessor struct {
	// Command queue (buffered channel)
	queue         chan queueItem
	queueCapacity int

	// Handler registry
	handlers map[command.CommandType]CommandHandler

	// Middleware chain applied to all handlers
	middlewares []Middleware

	// Event publishing
	eventBus *pubsub.Broker[any]

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State tracking
	running  atomic.Bool
	started  atomic.Bool
	readyCh  chan struct{} // Closed when processor is ready to accept commands
	readyMu  sync.Mutex    // Protects readyCh initialization
	readySet bool          // True after readyCh is closed

	// Metrics
	processedCount atomic.Int64
	errorCount     atomic.Int64
}

// queueItem wraps a command with an optional result channel for SubmitAndWait.
type queueItem struct {
	cmd      command.Command
	resultCh chan *commandResponse // nil for Enqueue
}

// commandResponse wraps the result and error for SubmitAndWait.
type commandResponse struct {
	result *command.CommandResult
	err    error
}

// NewCommandProcessor creates a new CommandProcessor with the given options.
func NewCommandProcessor(opts ...Option) *CommandProcessor {
	p := &CommandProcessor{
		queueCapacity: DefaultQueueCapacity,
		handlers:      make(map[command.CommandType]CommandHandler),
		readyCh:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	// The queue exists before Run so that Enqueue can buffer commands that
	// arrive while the processor is starting.
	p.queue = make(chan queueItem, p.queueCapacity)

	return p
}

// RegisterHandler registers a handler for a command type.
// Must be called before Run() is called.
// The handler is wrapped with all configured middleware.
func (p *CommandProcessor) RegisterHandler(cmdType command.CommandType, handler CommandHandler) {
	p.handlers[cmdType] = ChainMiddleware(handler, p.middlewares...)
}

// Run starts the command processing loop.
// This method blocks until the context is cancelled or Stop() is called.
// Run can only be called once - subsequent calls return immediately.
func (p *CommandProcessor) Run(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}

	p.ctx, p.cancel = context.WithCancel(ctx)

	// Add to wait group BEFORE setting running to avoid race with Drain()
	p.wg.Add(1)
	p.running.Store(true)

	p.readyMu.Lock()
	if !p.readySet {
		close(p.readyCh)
		p.readySet = true
	}
	p.readyMu.Unlock()

	defer func() {
		p.running.Store(false)
		p.wg.Done()
	}()

	for {
		select {
		case <-p.ctx.Done():
			return
		case item, ok := <-p.queue:
			if !ok {
				// Queue closed during Drain
				return
			}
			p.processItem(item)
		}
	}
}

// WaitForReady blocks until the processor is ready to accept commands.
// Returns an error if the context is cancelled before the processor is ready.
func (p *CommandProcessor) WaitForReady(ctx context.Context) error {
	select {
	case <-p.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue adds a command to the queue, blocking while the queue is full.
// Commands submitted with Enqueue are never dropped for lack of capacity;
// they fail only when ctx is cancelled or the processor stops.
func (p *CommandProcessor) Enqueue(ctx context.Context, cmd command.Command) error {
	p.readyMu.Lock()
	ready := p.readySet
	p.readyMu.Unlock()

	// p.ctx is published by Run before readySet.
	var done <-chan struct{}
	if ready {
		if !p.running.Load() {
			return ErrProcessorNotRunning
		}
		done = p.ctx.Done()
	}

	select {
	case p.queue <- queueItem{cmd: cmd}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return ErrProcessorNotRunning
	}
}

// SubmitAndWait adds a command to the queue and waits for the result.
// Returns the command result or an error. Respects context cancellation.
func (p *CommandProcessor) SubmitAndWait(ctx context.Context, cmd command.Command) (*command.CommandResult, error) {
	if !p.running.Load() {
		return nil, command.ErrQueueFull
	}

	resultCh := make(chan *commandResponse, 1)
	item := queueItem{
		cmd:      cmd,
		resultCh: resultCh,
	}

	select {
	case p.queue <- item:
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, command.ErrQueueFull
	}

	select {
	case resp := <-resultCh:
		return resp.result, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ctx.Done():
		// Processor is shutting down
		return nil, context.Canceled
	}
}

// Stop cancels the processing context and waits for shutdown.
// Any pending commands in the queue are NOT processed.
func (p *CommandProcessor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Drain processes all remaining commands in the queue before stopping.
func (p *CommandProcessor) Drain() {
	if !p.running.Load() {
		return
	}

	// Stop accepting new commands
	p.running.Store(false)

	close(p.queue)

	p.wg.Wait()
}

// IsRunning returns true if the processor is currently accepting commands.
func (p *CommandProcessor) IsRunning() bool {
	return p.running.Load()
}

// ProcessedCount returns the total number of commands processed.
func (p *CommandProcessor) ProcessedCount() int64 {
	return p.processedCount.Load()
}

// ErrorCount returns the total number of commands that resulted in errors.
func (p *CommandProcessor) ErrorCount() int64 {
	return p.errorCount.Load()
}

// QueueLength returns the current number of pending commands.
func (p *CommandProcessor) QueueLength() int {
	return len(p.queue)
}

func (p *CommandProcessor) processItem(item queueItem) {
	result := p.processCommand(item.cmd)

	p.processedCount.Add(1)
	if result != nil && !result.Success {
		p.errorCount.Add(1)
	}

	if item.resultCh != nil {
		item.resultCh <- &commandResponse{result: result}
		close(item.resultCh)
	}
}

// processCommand executes the command processing pipeline.
// Errors are wrapped in the CommandResult, not returned separately.
func (p *CommandProcessor) processCommand(cmd command.Command) *command.CommandResult {
	// Step 1: Validate the command
	if err := cmd.Validate(); err != nil {
		p.emitErrorEvent(cmd, err)
		return &command.CommandResult{Success: false, Error: err}
	}

	// Step 2: Route to handler
	handler, ok := p.handlers[cmd.Type()]
	if !ok {
		p.emitErrorEvent(cmd, ErrUnknownCommandType)
		return &command.CommandResult{Success: false, Error: ErrUnknownCommandType}
	}

	// Step 3: Execute handler
	result, err := handler.Handle(p.ctx, cmd)
	if err != nil {
		p.emitErrorEvent(cmd, err)
		return &command.CommandResult{Success: false, Error: err}
	}

	// Step 4: Emit events from result
	if result != nil && len(result.Events) > 0 {
		p.emitEvents(result.Events)
	}

	return result
}

func (p *CommandProcessor) emitEvents(events []any) {
	if p.eventBus == nil {
		return
	}
	for _, event := range events {
		p.eventBus.Publish(pubsub.UpdatedEvent, event)
	}
}

func (p *CommandProcessor) emitErrorEvent(cmd command.Command, err error) {
	if p.eventBus == nil {
		return
	}
	p.eventBus.Publish(pubsub.FailedEvent, CommandErrorEvent{
		CommandID:   cmd.ID(),
		CommandType: cmd.Type(),
		Error:       err,
	})
}
