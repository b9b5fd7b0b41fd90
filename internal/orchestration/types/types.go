// Package types provides shared types and error sentinels for the coordinator's
// command pipeline. It sits below processor and handler to avoid import cycles.
package types

import (
	"context"
	"errors"

	"github.com/zjrosen/countermgr/internal/orchestration/command"
)

// CommandHandler processes one command type.
type CommandHandler interface {
	Handle(ctx context.Context, cmd command.Command) (*command.CommandResult, error)
}

// HandlerFunc adapts a function to the CommandHandler interface.
type HandlerFunc func(ctx context.Context, cmd command.Command) (*command.CommandResult, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, cmd command.Command) (*command.CommandResult, error) {
	return f(ctx, cmd)
}

// ===========================================================================
// Processor Errors
// ===========================================================================

// ErrUnknownCommandType is returned when no handler is registered for a command type.
var ErrUnknownCommandType = errors.New("unknown command type")

// ErrProcessorNotRunning is returned when submitting to a stopped processor.
var ErrProcessorNotRunning = errors.New("processor is not running")

// ErrInvalidCommandType is returned when a handler receives a command it does not handle.
var ErrInvalidCommandType = errors.New("invalid command type for handler")
