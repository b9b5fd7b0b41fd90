package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/zjrosen/countermgr/internal/log"
	"github.com/zjrosen/countermgr/internal/orchestration/command"
	"github.com/zjrosen/countermgr/internal/orchestration/correlation"
	"github.com/zjrosen/countermgr/internal/orchestration/handler"
	"github.com/zjrosen/countermgr/internal/orchestration/metrics"
	"github.com/zjrosen/countermgr/internal/orchestration/processor"
	"github.com/zjrosen/countermgr/internal/orchestration/tracing"
	"github.com/zjrosen/countermgr/internal/registry"
)

func (c *Coordinator) newProcessor() *processor.CommandProcessor {
	p := processor.NewCommandProcessor(
		processor.WithQueueCapacity(c.queueCapacity),
		processor.WithEventBus(c.bus),
		processor.WithMiddleware(
			tracing.NewTracingMiddleware(tracing.TracingMiddlewareConfig{Tracer: c.tracer}),
			processor.NewLoggingMiddleware(processor.LoggingMiddlewareConfig{}),
			processor.NewCommandLogMiddleware(processor.CommandLogMiddlewareConfig{EventBus: c.bus}),
			processor.NewTimeoutMiddleware(processor.TimeoutMiddlewareConfig{WarningThreshold: c.slowThreshold}),
			metrics.NewMiddleware(c.metrics),
			c.observe,
		),
	)

	p.RegisterHandler(command.CmdCreateChild, handler.NewCreateChildHandler(c.transport, c.ledger))
	p.RegisterHandler(command.CmdIncrementChild, handler.NewIncrementChildHandler(c.registry, c.transport, c.ledger))
	p.RegisterHandler(command.CmdResetChild, handler.NewResetChildHandler(c.registry, c.transport, c.ledger))
	p.RegisterHandler(command.CmdDeliverConfirmation, handler.NewDeliverConfirmationHandler(c.registry, c.ledger,
		handler.WithFailureReporter(handler.FailureReporterFunc(c.reportFailure)),
	))
	return p
}

// Start runs the command processor and, when the transport is an
// Environment, connects and starts it. ctx bounds startup only; both keep
// running until Close. Start may be called once.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Status() != StatusPending {
		return fmt.Errorf("coordinator already started (status: %s)", c.Status())
	}
	c.setStatus(StatusStarting)
	log.Debug(log.CatCoord, "Starting coordinator")

	if err := c.refreshChildren(); err != nil {
		c.setStatus(StatusFailed)
		return fmt.Errorf("reading registry: %w", err)
	}
	c.refreshPending()

	if c.info != nil {
		info := registry.ContractInfo{Contract: registry.ContractName, Version: c.version, UpdatedAt: time.Now()}
		if err := c.info.SaveContractInfo(info); err != nil {
			c.setStatus(StatusFailed)
			return fmt.Errorf("saving contract info: %w", err)
		}
	}

	// Only Close stops the processor and environment.
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	go c.processor.Run(c.ctx)
	if err := c.processor.WaitForReady(ctx); err != nil {
		c.cancel()
		c.setStatus(StatusFailed)
		return fmt.Errorf("waiting for command processor: %w", err)
	}

	if c.env != nil {
		c.env.Connect(c.OnConfirmation)
		if err := c.env.Start(c.ctx); err != nil {
			c.processor.Stop()
			c.cancel()
			c.setStatus(StatusFailed)
			return fmt.Errorf("starting environment: %w", err)
		}
	}

	c.setStatus(StatusRunning)
	log.Info(log.CatCoord, "Coordinator started", "queue_capacity", c.queueCapacity)
	return nil
}

// Close stops accepting requests, stops a managed Environment, applies the
// confirmations already queued and shuts the processor down. Requests still
// awaiting confirmation stay outstanding. Close is safe to call more than once.
func (c *Coordinator) Close() error {
	if !c.status.CompareAndSwap(int32(StatusRunning), int32(StatusStopping)) {
		return nil
	}
	log.Debug(log.CatCoord, "Stopping coordinator")

	// The environment must stop delivering before the queue is closed.
	if c.env != nil {
		c.env.Stop()
	}

	c.mu.Lock()
	c.drained = true
	c.processor.Drain()
	c.mu.Unlock()

	c.cancel()
	c.bus.Close()
	c.setStatus(StatusStopped)

	outstanding := 0
	for _, n := range c.ledger.Counts() {
		outstanding += n
	}
	log.Info(log.CatCoord, "Coordinator stopped",
		"processed", c.processor.ProcessedCount(),
		"rejected_confirmations", c.failures.Load(),
		"outstanding", outstanding,
	)
	return nil
}

// observe keeps the gauges and the count cache in step with each processed command.
func (c *Coordinator) observe(next processor.CommandHandler) processor.CommandHandler {
	return processor.HandlerFunc(func(ctx context.Context, cmd command.Command) (*command.CommandResult, error) {
		result, err := next.Handle(ctx, cmd)
		defer c.refreshPending()

		deliver, ok := cmd.(*command.DeliverConfirmationCommand)
		if !ok || err != nil || result == nil || !result.Success {
			return result, err
		}

		tag, _ := correlation.ParseTag(deliver.Tag)
		c.metrics.ConfirmationApplied(tag.String())
		if ev, ok := childEventOf(result); ok {
			if c.counts != nil {
				c.counts.Invalidate(ctx, ev.Address)
			}
			if tag == correlation.TagCreate {
				if err := c.refreshChildren(); err != nil {
					log.ErrorErr(log.CatCoord, "refreshing children gauge", err)
				}
			}
		}
		return result, err
	})
}

func (c *Coordinator) refreshPending() {
	for tag, n := range c.ledger.Counts() {
		c.metrics.SetPending(tag.String(), n)
	}
}

func (c *Coordinator) refreshChildren() error {
	if c.metrics == nil {
		return nil
	}
	entries, err := c.registry.ListAll(registry.DefaultNamespace)
	if err != nil {
		return err
	}
	c.metrics.SetChildren(len(entries))
	return nil
}
