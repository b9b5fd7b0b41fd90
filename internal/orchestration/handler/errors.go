package handler

import (
	"errors"
	"fmt"

	"github.com/zjrosen/countermgr/internal/orchestration/correlation"
	"github.com/zjrosen/countermgr/internal/registry"
)

// Re-exported so callers of the coordinator need only import one package
// to classify failures.
var (
	ErrNotFound               = registry.ErrNotFound
	ErrUnknownTag             = correlation.ErrUnknownTag
	ErrUnexpectedConfirmation = correlation.ErrUnexpectedConfirmation
)

// ErrAddressMismatch is returned when the address extracted from a confirmation
// is not the address the matched request targeted.
var ErrAddressMismatch = errors.New("confirmation address does not match request")

// ProtocolError reports a confirmation that violates the coordinator's
// expectations of the execution environment. The registry is never changed by
// a confirmation that produces a ProtocolError.
type ProtocolError struct {
	// Tag is the raw reply tag carried by the confirmation.
	Tag uint64
	// CommandID is the request the confirmation was matched to. Empty when
	// no request could be matched.
	CommandID string
	Err       error
}

func (e *ProtocolError) Error() string {
	if e.CommandID == "" {
		return fmt.Sprintf("protocol error (tag %d): %v", e.Tag, e.Err)
	}
	return fmt.Sprintf("protocol error (tag %d, command %s): %v", e.Tag, e.CommandID, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsProtocolError reports whether err is or wraps a *ProtocolError.
func IsProtocolError(err error) bool {
	var perr *ProtocolError
	return errors.As(err, &perr)
}
