package command

import (
	"errors"

	"github.com/zjrosen/countermgr/internal/envelope"
)

// ErrAddressRequired is returned by commands that target a child but carry no address.
var ErrAddressRequired = errors.New("child address is required")

// ===========================================================================
// Caller Requests
// ===========================================================================

// CreateChildCommand asks the environment to instantiate a new child with count 0.
type CreateChildCommand struct {
	*BaseCommand
}

// NewCreateChildCommand creates a new CreateChildCommand.
func NewCreateChildCommand(source CommandSource) *CreateChildCommand {
	base := NewBaseCommand(CmdCreateChild, source)
	return &CreateChildCommand{BaseCommand: &base}
}

// IncrementChildCommand asks the child at Address to increment its count.
type IncrementChildCommand struct {
	*BaseCommand
	Address string
}

// NewIncrementChildCommand creates a new IncrementChildCommand.
func NewIncrementChildCommand(source CommandSource, address string) *IncrementChildCommand {
	base := NewBaseCommand(CmdIncrementChild, source)
	return &IncrementChildCommand{BaseCommand: &base, Address: address}
}

// Validate checks that Address is set.
func (c *IncrementChildCommand) Validate() error {
	if c.Address == "" {
		return ErrAddressRequired
	}
	return nil
}

// ResetChildCommand asks the child at Address to set its count to Count.
type ResetChildCommand struct {
	*BaseCommand
	Address string
	Count   int32
}

// NewResetChildCommand creates a new ResetChildCommand.
func NewResetChildCommand(source CommandSource, address string, count int32) *ResetChildCommand {
	base := NewBaseCommand(CmdResetChild, source)
	return &ResetChildCommand{BaseCommand: &base, Address: address, Count: count}
}

// Validate checks that Address is set. Any int32 is a valid count.
func (c *ResetChildCommand) Validate() error {
	if c.Address == "" {
		return ErrAddressRequired
	}
	return nil
}

// ===========================================================================
// Environment Callbacks
// ===========================================================================

// DeliverConfirmationCommand carries one confirmation from the environment.
// The raw tag is validated by the handler, not here, so that an unknown tag is
// reported as a protocol error rather than a validation failure.
type DeliverConfirmationCommand struct {
	*BaseCommand
	Tag      uint64
	Envelope envelope.Envelope
}

// NewDeliverConfirmationCommand creates a new DeliverConfirmationCommand.
func NewDeliverConfirmationCommand(tag uint64, env envelope.Envelope) *DeliverConfirmationCommand {
	base := NewBaseCommand(CmdDeliverConfirmation, SourceEnvironment)
	return &DeliverConfirmationCommand{BaseCommand: &base, Tag: tag, Envelope: env}
}
