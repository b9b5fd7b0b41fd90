package handler

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/countermgr/internal/orchestration/command"
	"github.com/zjrosen/countermgr/internal/orchestration/correlation"
	"github.com/zjrosen/countermgr/internal/orchestration/tracing"
	"github.com/zjrosen/countermgr/internal/orchestration/transport"
	"github.com/zjrosen/countermgr/internal/orchestration/types"
	"github.com/zjrosen/countermgr/internal/registry"
)

// requestSender emits a tagged request and records it in the ledger once the
// transport has accepted it. A request the transport rejects leaves no trace.
type requestSender struct {
	transport transport.Transport
	ledger    *correlation.Ledger
}

func (s requestSender) send(ctx context.Context, cmdID string, req transport.Request) (*command.CommandResult, error) {
	if err := s.transport.Send(ctx, req); err != nil {
		return nil, fmt.Errorf("send %s request: %w", req.Kind, err)
	}

	tag := correlation.Tag(req.Tag)
	s.ledger.Push(correlation.PendingOperation{
		Tag:       tag,
		Address:   req.Contract,
		Count:     req.Count,
		CommandID: cmdID,
	})

	trace.SpanFromContext(ctx).AddEvent(tracing.EventRequestSent, trace.WithAttributes(
		attribute.Int64(tracing.AttrReplyTag, int64(req.Tag)),
		attribute.String(tracing.AttrChildAddress, req.Contract),
		attribute.Int(tracing.AttrPendingCount, s.ledger.Len(tag)),
	))

	return SuccessWithData(RequestAccepted{CommandID: cmdID, Tag: tag, Address: req.Contract}), nil
}

// requireChild enforces the request-time existence precondition.
func requireChild(reg registry.Registry, address string) error {
	ok, err := reg.Has(registry.ChildKey(address))
	if err != nil {
		return fmt.Errorf("lookup child %s: %w", address, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrNotFound, address)
	}
	return nil
}

// ===========================================================================
// CreateChildHandler
// ===========================================================================

// CreateChildHandler handles CmdCreateChild. It has no precondition.
type CreateChildHandler struct {
	sender requestSender
}

// NewCreateChildHandler creates a new CreateChildHandler.
func NewCreateChildHandler(t transport.Transport, ledger *correlation.Ledger) *CreateChildHandler {
	return &CreateChildHandler{sender: requestSender{transport: t, ledger: ledger}}
}

// Handle emits an instantiate request tagged TagCreate.
func (h *CreateChildHandler) Handle(ctx context.Context, cmd command.Command) (*command.CommandResult, error) {
	createCmd, ok := cmd.(*command.CreateChildCommand)
	if !ok {
		return nil, types.ErrInvalidCommandType
	}
	return h.sender.send(ctx, createCmd.ID(), transport.Request{
		Tag:  uint64(correlation.TagCreate),
		Kind: transport.KindInstantiate,
	})
}

// ===========================================================================
// IncrementChildHandler
// ===========================================================================

// IncrementChildHandler handles CmdIncrementChild.
type IncrementChildHandler struct {
	registry registry.Registry
	sender   requestSender
}

// NewIncrementChildHandler creates a new IncrementChildHandler.
func NewIncrementChildHandler(reg registry.Registry, t transport.Transport, ledger *correlation.Ledger) *IncrementChildHandler {
	return &IncrementChildHandler{registry: reg, sender: requestSender{transport: t, ledger: ledger}}
}

// Handle checks the child is known, then emits an increment request tagged TagIncrement.
func (h *IncrementChildHandler) Handle(ctx context.Context, cmd command.Command) (*command.CommandResult, error) {
	incCmd, ok := cmd.(*command.IncrementChildCommand)
	if !ok {
		return nil, types.ErrInvalidCommandType
	}
	if err := requireChild(h.registry, incCmd.Address); err != nil {
		return nil, err
	}
	return h.sender.send(ctx, incCmd.ID(), transport.Request{
		Tag:      uint64(correlation.TagIncrement),
		Kind:     transport.KindIncrement,
		Contract: incCmd.Address,
	})
}

// ===========================================================================
// ResetChildHandler
// ===========================================================================

// ResetChildHandler handles CmdResetChild.
type ResetChildHandler struct {
	registry registry.Registry
	sender   requestSender
}

// NewResetChildHandler creates a new ResetChildHandler.
func NewResetChildHandler(reg registry.Registry, t transport.Transport, ledger *correlation.Ledger) *ResetChildHandler {
	return &ResetChildHandler{registry: reg, sender: requestSender{transport: t, ledger: ledger}}
}

// Handle checks the child is known, then emits a reset request tagged TagReset.
func (h *ResetChildHandler) Handle(ctx context.Context, cmd command.Command) (*command.CommandResult, error) {
	resetCmd, ok := cmd.(*command.ResetChildCommand)
	if !ok {
		return nil, types.ErrInvalidCommandType
	}
	if err := requireChild(h.registry, resetCmd.Address); err != nil {
		return nil, err
	}
	return h.sender.send(ctx, resetCmd.ID(), transport.Request{
		Tag:      uint64(correlation.TagReset),
		Kind:     transport.KindReset,
		Contract: resetCmd.Address,
		Count:    resetCmd.Count,
	})
}
