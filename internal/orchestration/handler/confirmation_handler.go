package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/countermgr/internal/counter"
	"github.com/zjrosen/countermgr/internal/envelope"
	"github.com/zjrosen/countermgr/internal/log"
	"github.com/zjrosen/countermgr/internal/orchestration/command"
	"github.com/zjrosen/countermgr/internal/orchestration/correlation"
	"github.com/zjrosen/countermgr/internal/orchestration/events"
	"github.com/zjrosen/countermgr/internal/orchestration/tracing"
	"github.com/zjrosen/countermgr/internal/orchestration/types"
	"github.com/zjrosen/countermgr/internal/registry"
)

// FailureReporter is told about every confirmation that could not be applied.
type FailureReporter interface {
	ReportFailure(tag uint64, commandID string, err error)
}

// FailureReporterFunc adapts a function to FailureReporter.
type FailureReporterFunc func(tag uint64, commandID string, err error)

// ReportFailure calls f.
func (f FailureReporterFunc) ReportFailure(tag uint64, commandID string, err error) {
	f(tag, commandID, err)
}

// DeliverConfirmationHandler handles CmdDeliverConfirmation.
//
// It matches the confirmation to the oldest outstanding request of its tag,
// extracts what the request needs from the envelope, and only then mutates
// the registry. Any failure before the mutation leaves the registry untouched.
type DeliverConfirmationHandler struct {
	registry registry.Registry
	ledger   *correlation.Ledger
	reporter FailureReporter
	now      func() time.Time
}

// ConfirmationOption configures a DeliverConfirmationHandler.
type ConfirmationOption func(*DeliverConfirmationHandler)

// WithFailureReporter sets the reporter for rejected confirmations.
func WithFailureReporter(r FailureReporter) ConfirmationOption {
	return func(h *DeliverConfirmationHandler) {
		h.reporter = r
	}
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) ConfirmationOption {
	return func(h *DeliverConfirmationHandler) {
		h.now = now
	}
}

// NewDeliverConfirmationHandler creates a new DeliverConfirmationHandler.
func NewDeliverConfirmationHandler(reg registry.Registry, ledger *correlation.Ledger, opts ...ConfirmationOption) *DeliverConfirmationHandler {
	h := &DeliverConfirmationHandler{
		registry: reg,
		ledger:   ledger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle applies one confirmation.
//
// A rejected confirmation yields a failed result carrying a
// ConfirmationFailed event, so that the processor publishes it; the error is
// a *ProtocolError unless the registry itself failed.
func (h *DeliverConfirmationHandler) Handle(ctx context.Context, cmd command.Command) (*command.CommandResult, error) {
	deliverCmd, ok := cmd.(*command.DeliverConfirmationCommand)
	if !ok {
		return nil, types.ErrInvalidCommandType
	}
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.Int64(tracing.AttrReplyTag, int64(deliverCmd.Tag)),
		attribute.Int(tracing.AttrEventCount, len(deliverCmd.Envelope.Events)),
	)

	tag, err := correlation.ParseTag(deliverCmd.Tag)
	if err != nil {
		return h.reject(span, deliverCmd.Tag, "", &ProtocolError{Tag: deliverCmd.Tag, Err: err}), nil
	}

	op, err := h.ledger.Pop(tag)
	if err != nil {
		return h.reject(span, deliverCmd.Tag, "", &ProtocolError{Tag: deliverCmd.Tag, Err: err}), nil
	}
	span.AddEvent(tracing.EventConfirmationMatched, trace.WithAttributes(
		attribute.String(tracing.AttrMatchedCommand, op.CommandID),
		attribute.String(tracing.AttrChildAddress, op.Address),
	))

	ev, err := h.apply(tag, op, deliverCmd.Envelope)
	if err != nil {
		if !isRegistryError(err) {
			err = &ProtocolError{Tag: deliverCmd.Tag, CommandID: op.CommandID, Err: err}
		}
		return h.reject(span, deliverCmd.Tag, op.CommandID, err), nil
	}

	ev.Tag = deliverCmd.Tag
	ev.CommandID = op.CommandID
	ev.Timestamp = h.now()

	span.AddEvent(tracing.EventRegistryUpdated, trace.WithAttributes(
		attribute.String(tracing.AttrChildAddress, ev.Address),
		attribute.Int64(tracing.AttrChildCount, int64(ev.Count)),
	))
	log.Debug(log.CatCoord, "confirmation applied",
		"event", ev.Type.String(),
		"address", ev.Address,
		"count", ev.Count,
		"command_id", op.CommandID,
		"latency", h.now().Sub(op.IssuedAt),
	)

	return SuccessWithEvents(ev, ev), nil
}

// registryError marks failures of the registry itself, which are not the
// environment's fault.
type registryError struct {
	err error
}

func (e *registryError) Error() string { return e.err.Error() }
func (e *registryError) Unwrap() error { return e.err }

func isRegistryError(err error) bool {
	var rerr *registryError
	return errors.As(err, &rerr)
}

func (h *DeliverConfirmationHandler) apply(tag correlation.Tag, op correlation.PendingOperation, env envelope.Envelope) (events.ChildEvent, error) {
	switch tag {
	case correlation.TagCreate:
		address, err := envelope.ExtractChildAddress(env)
		if err != nil {
			return events.ChildEvent{}, err
		}
		rec := registry.ChildRecord{Address: address, Count: 0}
		if err := h.registry.Put(registry.ChildKey(address), rec); err != nil {
			return events.ChildEvent{}, &registryError{fmt.Errorf("store child %s: %w", address, err)}
		}
		return events.ChildEvent{Type: events.ChildCreated, Address: address, Count: 0}, nil

	case correlation.TagIncrement:
		address, err := matchedAddress(env, op)
		if err != nil {
			return events.ChildEvent{}, err
		}
		rec, err := h.update(address, func(rec registry.ChildRecord) (registry.ChildRecord, error) {
			next, err := counter.Next(rec.Count)
			if err != nil {
				return rec, err
			}
			rec.Count = next
			return rec, nil
		})
		if err != nil {
			return events.ChildEvent{}, err
		}
		return events.ChildEvent{Type: events.ChildIncremented, Address: address, Count: rec.Count}, nil

	case correlation.TagReset:
		address, err := matchedAddress(env, op)
		if err != nil {
			return events.ChildEvent{}, err
		}
		count, err := envelope.ExtractResetOutcome(env)
		if err != nil {
			return events.ChildEvent{}, err
		}
		if count != op.Count {
			// The child's reported count wins; the request only asked for one.
			log.Warn(log.CatCoord, "reset outcome differs from requested count",
				"address", address,
				"requested", op.Count,
				"reported", count,
				"command_id", op.CommandID,
			)
		}
		rec, err := h.update(address, func(rec registry.ChildRecord) (registry.ChildRecord, error) {
			rec.Count = count
			return rec, nil
		})
		if err != nil {
			return events.ChildEvent{}, err
		}
		return events.ChildEvent{Type: events.ChildReset, Address: address, Count: rec.Count}, nil
	}
	return events.ChildEvent{}, fmt.Errorf("%w: %d", correlation.ErrUnknownTag, uint64(tag))
}

// update distinguishes a missing record and an overflowing count, which mean
// the registry disagrees with the environment, from storage failures.
func (h *DeliverConfirmationHandler) update(address string, fn registry.UpdateFunc) (registry.ChildRecord, error) {
	rec, err := h.registry.Update(registry.ChildKey(address), fn)
	if err == nil {
		return rec, nil
	}
	if errors.Is(err, registry.ErrNotFound) || errors.Is(err, counter.ErrOverflow) {
		return rec, err
	}
	return rec, &registryError{fmt.Errorf("update child %s: %w", address, err)}
}

// matchedAddress extracts the child address and checks it against the request.
func matchedAddress(env envelope.Envelope, op correlation.PendingOperation) (string, error) {
	address, err := envelope.ExtractChildAddress(env)
	if err != nil {
		return "", err
	}
	if address != op.Address {
		return "", fmt.Errorf("%w: requested %s, confirmed %s", ErrAddressMismatch, op.Address, address)
	}
	return address, nil
}

func (h *DeliverConfirmationHandler) reject(span trace.Span, tag uint64, commandID string, err error) *command.CommandResult {
	span.AddEvent(tracing.EventConfirmationRejected, trace.WithAttributes(
		attribute.String(tracing.AttrErrorMessage, err.Error()),
	))
	log.ErrorErr(log.CatCoord, "confirmation rejected", err,
		"tag", tag,
		"command_id", commandID,
	)
	if h.reporter != nil {
		h.reporter.ReportFailure(tag, commandID, err)
	}

	return FailureWithEvents(err, events.ChildEvent{
		Type:      events.ConfirmationFailed,
		Tag:       tag,
		CommandID: commandID,
		Error:     err.Error(),
		Timestamp: h.now(),
	})
}
