// Package command provides the foundational types of the coordinator's command
// pipeline: the Command interface, CommandType constants, and the BaseCommand
// struct that every command embeds.
package command

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Command represents an explicit intent entering the coordinator.
// All commands must implement this interface to be processed by the FIFO processor.
type Command interface {
	// ID returns unique command identifier for tracing/correlation
	ID() string
	// Type returns the command type for routing to handlers
	Type() CommandType
	// Validate checks command preconditions before execution
	Validate() error
	// CreatedAt returns when command was created
	CreatedAt() time.Time
}

// CommandType identifies the kind of command for handler routing.
type CommandType string

const (
	// Caller Requests

	// CmdCreateChild asks the environment to instantiate a new child.
	CmdCreateChild CommandType = "create_child"
	// CmdIncrementChild asks a child to increment its count.
	CmdIncrementChild CommandType = "increment_child"
	// CmdResetChild asks a child to overwrite its count.
	CmdResetChild CommandType = "reset_child"

	// Environment Callbacks

	// CmdDeliverConfirmation applies a confirmation received from the environment.
	CmdDeliverConfirmation CommandType = "deliver_confirmation"
)

// String returns the string representation of the CommandType.
func (ct CommandType) String() string {
	return string(ct)
}

// CommandSource identifies where the command originated.
type CommandSource string

const (
	// SourceAPI indicates the command came from the HTTP API.
	SourceAPI CommandSource = "api"
	// SourceInternal indicates the command was system-generated.
	SourceInternal CommandSource = "internal"
	// SourceEnvironment indicates the command carries a confirmation from the execution environment.
	SourceEnvironment CommandSource = "environment"
	// SourceUser indicates the command came from an in-process caller.
	SourceUser CommandSource = "user"
)

// String returns the string representation of the CommandSource.
func (cs CommandSource) String() string {
	return string(cs)
}

// BaseCommand provides common fields for all commands.
// Concrete command types should embed this struct.
type BaseCommand struct {
	id          string
	cmdType     CommandType
	createdAt   time.Time
	source      CommandSource
	traceID     string
	spanContext trace.SpanContext // For OpenTelemetry trace propagation
}

// NewBaseCommand creates a BaseCommand with a generated UUID and current timestamp.
func NewBaseCommand(cmdType CommandType, source CommandSource) BaseCommand {
	return BaseCommand{
		id:        uuid.New().String(),
		cmdType:   cmdType,
		createdAt: time.Now(),
		source:    source,
	}
}

// ID returns the unique command identifier.
func (b *BaseCommand) ID() string {
	return b.id
}

// Type returns the command type for handler routing.
func (b *BaseCommand) Type() CommandType {
	return b.cmdType
}

// CreatedAt returns when the command was created.
func (b *BaseCommand) CreatedAt() time.Time {
	return b.createdAt
}

// Source returns the origin of this command.
func (b *BaseCommand) Source() CommandSource {
	return b.source
}

// TraceID returns the correlation ID for related commands.
// If a valid SpanContext is set, the trace ID is derived from it.
// Otherwise, falls back to the manually set traceID string.
func (b *BaseCommand) TraceID() string {
	if b.spanContext.IsValid() {
		return b.spanContext.TraceID().String()
	}
	return b.traceID
}

// SetTraceID sets the correlation ID for command tracing.
// When a SpanContext is set, TraceID() will prefer the SpanContext's trace ID.
func (b *BaseCommand) SetTraceID(traceID string) {
	b.traceID = traceID
}

// SpanContext returns the OpenTelemetry span context for trace propagation.
func (b *BaseCommand) SpanContext() trace.SpanContext {
	return b.spanContext
}

// SetSpanContext sets the OpenTelemetry span context for trace propagation.
func (b *BaseCommand) SetSpanContext(sc trace.SpanContext) {
	b.spanContext = sc
}

// Validate is a no-op for BaseCommand. Concrete commands should override this.
func (b *BaseCommand) Validate() error {
	return nil
}

// CommandResult contains the outcome of command execution.
type CommandResult struct {
	// Success indicates whether the command executed successfully.
	Success bool
	// Events contains events to publish on the coordinator event bus.
	Events []any
	// Error contains the error if Success is false.
	Error error
	// Data contains optional result data for the caller.
	Data any
}

// ErrQueueFull is returned when the command queue has reached capacity.
var ErrQueueFull = errors.New("command queue is full")
