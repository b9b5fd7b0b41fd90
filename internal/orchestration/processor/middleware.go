package processor

import (
	"context"
	"time"

	"github.com/zjrosen/countermgr/internal/log"
	"github.com/zjrosen/countermgr/internal/orchestration/command"
	"github.com/zjrosen/countermgr/internal/pubsub"
)

// Middleware wraps a CommandHandler to add additional behavior.
// Middleware functions are composed using ChainMiddleware.
type Middleware func(CommandHandler) CommandHandler

// ChainMiddleware applies middlewares to a handler in reverse order.
// The first middleware in the list will be the outermost wrapper.
// For example: ChainMiddleware(handler, logging, timeout)
// Results in: logging(timeout(handler))
func ChainMiddleware(handler CommandHandler, middlewares ...Middleware) CommandHandler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}

func traceIDOf(cmd command.Command) string {
	if hasTraceID, ok := cmd.(interface{ TraceID() string }); ok {
		return hasTraceID.TraceID()
	}
	return ""
}

func sourceOf(cmd command.Command) command.CommandSource {
	if hasSource, ok := cmd.(interface{ Source() command.CommandSource }); ok {
		return hasSource.Source()
	}
	return ""
}

// ===========================================================================
// Logging Middleware
// ===========================================================================

// LoggingMiddlewareConfig configures the logging middleware.
type LoggingMiddlewareConfig struct {
	// Reserved for future configuration options
}

// NewLoggingMiddleware creates a middleware that logs command execution.
func NewLoggingMiddleware(cfg LoggingMiddlewareConfig) Middleware {
	return func(next CommandHandler) CommandHandler {
		return HandlerFunc(func(ctx context.Context, cmd command.Command) (*command.CommandResult, error) {
			start := time.Now()
			result, err := next.Handle(ctx, cmd)
			duration := time.Since(start)

			fields := []any{
				"command_id", cmd.ID(),
				"command_type", cmd.Type().String(),
				"trace_id", traceIDOf(cmd),
				"duration", duration,
				"source", string(sourceOf(cmd)),
			}

			switch {
			case err != nil:
				log.Error(log.CatCommands, "command failed", append(fields, "error", err.Error())...)
			case result != nil && !result.Success:
				errMsg := ""
				if result.Error != nil {
					errMsg = result.Error.Error()
				}
				log.Warn(log.CatCommands, "command completed with error result", append(fields, "error", errMsg)...)
			default:
				log.Debug(log.CatCommands, "command completed", append(fields, "success", result != nil && result.Success)...)
			}

			return result, err
		})
	}
}

// ===========================================================================
// Command Log Middleware
// ===========================================================================

// CommandLogMiddlewareConfig configures the command log middleware.
type CommandLogMiddlewareConfig struct {
	// EventBus receives a CommandLogEvent per processed command.
	// If nil, the middleware will be a no-op.
	EventBus EventPublisher
}

// EventPublisher is an interface for publishing events.
// This allows the middleware to be tested with a mock publisher.
type EventPublisher interface {
	Publish(eventType pubsub.EventType, payload any)
}

// NewCommandLogMiddleware creates a middleware that emits CommandLogEvent for each
// processed command.
func NewCommandLogMiddleware(cfg CommandLogMiddlewareConfig) Middleware {
	return func(next CommandHandler) CommandHandler {
		return HandlerFunc(func(ctx context.Context, cmd command.Command) (*command.CommandResult, error) {
			if cfg.EventBus == nil {
				return next.Handle(ctx, cmd)
			}

			start := time.Now()
			result, err := next.Handle(ctx, cmd)
			duration := time.Since(start)

			success := true
			var cmdErr error
			if err != nil {
				success = false
				cmdErr = err
			} else if result != nil && !result.Success {
				success = false
				cmdErr = result.Error
			}

			cfg.EventBus.Publish(pubsub.UpdatedEvent, CommandLogEvent{
				CommandID:   cmd.ID(),
				CommandType: cmd.Type(),
				Source:      sourceOf(cmd),
				Success:     success,
				Error:       cmdErr,
				Duration:    duration,
				Timestamp:   time.Now(),
				TraceID:     traceIDOf(cmd),
			})

			return result, err
		})
	}
}

// ===========================================================================
// Timeout Middleware
// ===========================================================================

// DefaultTimeoutWarningThreshold is the default threshold for logging slow handler warnings.
const DefaultTimeoutWarningThreshold = 100 * time.Millisecond

// TimeoutMiddlewareConfig configures the timeout middleware.
type TimeoutMiddlewareConfig struct {
	WarningThreshold time.Duration
}

// NewTimeoutMiddleware creates a middleware that logs warnings when handlers
// exceed the configured threshold.
// It does NOT abort slow handlers: a handler interrupted between emitting a
// request and recording it would desynchronize the correlation ledger.
func NewTimeoutMiddleware(cfg TimeoutMiddlewareConfig) Middleware {
	threshold := cfg.WarningThreshold
	if threshold == 0 {
		threshold = DefaultTimeoutWarningThreshold
	}

	return func(next CommandHandler) CommandHandler {
		return HandlerFunc(func(ctx context.Context, cmd command.Command) (*command.CommandResult, error) {
			start := time.Now()
			result, err := next.Handle(ctx, cmd)

			if duration := time.Since(start); duration > threshold {
				log.Warn(log.CatCoord, "handler exceeded time threshold",
					"command_id", cmd.ID(),
					"command_type", cmd.Type().String(),
					"trace_id", traceIDOf(cmd),
					"duration", duration,
					"threshold", threshold,
				)
			}

			return result, err
		})
	}
}
