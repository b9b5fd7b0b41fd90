// Package transport defines the boundary between the coordinator and the
// execution environment that hosts the children.
//
// Requests flow out through Transport.Send. Confirmations flow back, at most
// once per request and only on success, through a ConfirmationSink. Delivery
// order of confirmations must match the order requests were sent.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/zjrosen/countermgr/internal/envelope"
)

// Kind identifies the child operation a request asks for.
type Kind string

const (
	KindInstantiate Kind = "instantiate"
	KindIncrement   Kind = "increment"
	KindReset       Kind = "reset"
)

func (k Kind) String() string {
	return string(k)
}

// ErrClosed is returned by Send after the transport has shut down.
var ErrClosed = errors.New("transport closed")

// Request is one outgoing message to the execution environment.
type Request struct {
	// Tag is echoed back verbatim on the confirmation.
	Tag uint64 `json:"tag"`
	// Kind selects the child operation.
	Kind Kind `json:"kind"`
	// Contract is the target child address. Empty for instantiate.
	Contract string `json:"contract,omitempty"`
	// Count is the initial count for instantiate and the new count for reset.
	Count int32 `json:"count"`
}

// Validate checks that the request is well-formed for its kind.
func (r Request) Validate() error {
	switch r.Kind {
	case KindInstantiate:
		if r.Contract != "" {
			return fmt.Errorf("instantiate request must not target a contract")
		}
	case KindIncrement, KindReset:
		if r.Contract == "" {
			return fmt.Errorf("%s request requires a contract", r.Kind)
		}
	default:
		return fmt.Errorf("unknown request kind %q", r.Kind)
	}
	return nil
}

// Transport sends requests to the execution environment. Send returns as soon
// as the request has been handed off; it never waits for the confirmation.
type Transport interface {
	Send(ctx context.Context, req Request) error
}

// ConfirmationSink receives the confirmation for a previously sent request.
type ConfirmationSink func(tag uint64, env envelope.Envelope)

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, req Request) error

// Send calls f.
func (f TransportFunc) Send(ctx context.Context, req Request) error {
	return f(ctx, req)
}
