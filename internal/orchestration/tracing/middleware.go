package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/countermgr/internal/orchestration/command"
	"github.com/zjrosen/countermgr/internal/orchestration/processor"
)

// TracingMiddlewareConfig configures the tracing middleware.
type TracingMiddlewareConfig struct {
	// Tracer creates the command spans. If nil, the middleware is a pass-through.
	Tracer trace.Tracer
}

// NewTracingMiddleware creates a span per processed command, parented on the
// span context the command was submitted with, and records the outcome on it.
// Handlers reach the span through trace.SpanFromContext.
func NewTracingMiddleware(cfg TracingMiddlewareConfig) processor.Middleware {
	if cfg.Tracer == nil {
		return func(next processor.CommandHandler) processor.CommandHandler {
			return next
		}
	}

	return func(next processor.CommandHandler) processor.CommandHandler {
		return processor.HandlerFunc(func(ctx context.Context, cmd command.Command) (*command.CommandResult, error) {
			ctx = restoreSpanContext(ctx, cmd)

			ctx, span := cfg.Tracer.Start(ctx, SpanPrefixCommand+cmd.Type().String(),
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String(AttrCommandID, cmd.ID()),
					attribute.String(AttrCommandType, cmd.Type().String()),
				),
			)
			defer span.End()

			if hasSource, ok := cmd.(interface{ Source() command.CommandSource }); ok {
				span.SetAttributes(attribute.String(AttrCommandSource, hasSource.Source().String()))
			}

			result, err := next.Handle(ctx, cmd)
			recordOutcome(span, result, err)
			return result, err
		})
	}
}

func recordOutcome(span trace.Span, result *command.CommandResult, err error) {
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(AttrErrorType, fmt.Sprintf("%T", err)))
	case result != nil && !result.Success:
		if result.Error != nil {
			span.RecordError(result.Error)
			span.SetStatus(codes.Error, result.Error.Error())
		} else {
			span.SetStatus(codes.Error, "command failed without error details")
		}
	default:
		span.SetStatus(codes.Ok, "")
	}
}

// restoreSpanContext makes spans of a command that carries a parent span
// context children of that parent.
func restoreSpanContext(ctx context.Context, cmd command.Command) context.Context {
	if hasSpanContext, ok := cmd.(interface{ SpanContext() trace.SpanContext }); ok {
		if sc := hasSpanContext.SpanContext(); sc.IsValid() {
			return trace.ContextWithRemoteSpanContext(ctx, sc)
		}
	}
	return ctx
}
