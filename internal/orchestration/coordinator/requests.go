package coordinator

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/countermgr/internal/envelope"
	"github.com/zjrosen/countermgr/internal/log"
	"github.com/zjrosen/countermgr/internal/orchestration/command"
	"github.com/zjrosen/countermgr/internal/orchestration/events"
	"github.com/zjrosen/countermgr/internal/orchestration/tracing"
	"github.com/zjrosen/countermgr/internal/registry"
	"github.com/zjrosen/countermgr/internal/runtime"
)

// CreateChild asks the environment to instantiate a new child with count 0.
// It returns the request's command ID once the request is sent. The child
// appears in Query after its confirmation has been processed.
func (c *Coordinator) CreateChild(ctx context.Context) (string, error) {
	return c.submit(ctx, command.NewCreateChildCommand(sourceOf(ctx)))
}

// Increment asks the child at address to add one to its count.
// It fails with ErrNotFound if the registry has no record of address.
func (c *Coordinator) Increment(ctx context.Context, address string) (string, error) {
	return c.submit(ctx, command.NewIncrementChildCommand(sourceOf(ctx), address))
}

// Reset asks the child at address to set its count to count.
// It fails with ErrNotFound if the registry has no record of address.
func (c *Coordinator) Reset(ctx context.Context, address string, count int32) (string, error) {
	return c.submit(ctx, command.NewResetChildCommand(sourceOf(ctx), address, count))
}

// Query returns every registry entry in creation order. The counts are the
// last confirmed ones and may lag behind outstanding requests.
func (c *Coordinator) Query() ([]registry.Entry, error) {
	return c.registry.ListAll(registry.DefaultNamespace)
}

// ChildCount reads the count of the child at address from the environment,
// bypassing the registry. Results are cached briefly and dropped whenever a
// confirmation for the child is applied.
func (c *Coordinator) ChildCount(ctx context.Context, address string) (int32, error) {
	if c.counts == nil {
		return 0, ErrDirectReadUnavailable
	}
	if address == "" {
		return 0, command.ErrAddressRequired
	}
	return c.counts.Get(ctx, address)
}

func (c *Coordinator) readCount(_ context.Context, address string) (int32, error) {
	n, err := c.reader.QueryCount(address)
	if errors.Is(err, runtime.ErrUnknownContract) {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, address)
	}
	return n, err
}

// OnConfirmation is the ConfirmationSink of the environment. Confirmations are
// queued behind every request already submitted and are never dropped while
// the coordinator is running or stopping.
func (c *Coordinator) OnConfirmation(tag uint64, env envelope.Envelope) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cmd := command.NewDeliverConfirmationCommand(tag, env)
	if status := c.Status(); c.drained || (status != StatusRunning && status != StatusStopping) {
		log.Error(log.CatCoord, "confirmation received while not running, discarded",
			"tag", tag,
			"status", c.Status().String(),
			"command_id", cmd.ID(),
		)
		return
	}

	if err := c.processor.Enqueue(c.ctx, cmd); err != nil {
		log.ErrorErr(log.CatCoord, "confirmation could not be queued", err,
			"tag", tag,
			"command_id", cmd.ID(),
		)
	}
}

type tracedCommand interface {
	command.Command
	SetTraceID(string)
	SetSpanContext(trace.SpanContext)
}

func (c *Coordinator) submit(ctx context.Context, cmd tracedCommand) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.drained || c.Status() != StatusRunning {
		return "", fmt.Errorf("%w (status: %s)", ErrNotRunning, c.Status())
	}

	cmd.SetTraceID(tracing.TraceIDFromContext(ctx))
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		cmd.SetSpanContext(sc)
	}

	result, err := c.processor.SubmitAndWait(ctx, cmd)
	if err != nil {
		return "", err
	}
	if !result.Success {
		return "", result.Error
	}
	return cmd.ID(), nil
}

type sourceKey struct{}

// WithSource tags the requests issued with ctx as coming from source.
// Requests default to command.SourceAPI.
func WithSource(ctx context.Context, source command.CommandSource) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

func sourceOf(ctx context.Context) command.CommandSource {
	if s, ok := ctx.Value(sourceKey{}).(command.CommandSource); ok {
		return s
	}
	return command.SourceAPI
}

func childEventOf(result *command.CommandResult) (events.ChildEvent, bool) {
	ev, ok := result.Data.(events.ChildEvent)
	return ev, ok
}
