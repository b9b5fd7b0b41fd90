package coordinator

import (
	"errors"

	"github.com/zjrosen/countermgr/internal/counter"
	"github.com/zjrosen/countermgr/internal/envelope"
	"github.com/zjrosen/countermgr/internal/orchestration/correlation"
)

// Rejection reasons used as the metrics reason label.
const (
	ReasonUnknownTag   = "unknown_tag"
	ReasonUnexpected   = "unexpected_confirmation"
	ReasonMismatch     = "address_mismatch"
	ReasonExtraction   = "extraction"
	ReasonMissingChild = "missing_child"
	ReasonOverflow     = "overflow"
	ReasonStorage      = "storage"
)

// FailureReason classifies a rejected confirmation.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownTag):
		return ReasonUnknownTag
	case errors.Is(err, ErrUnexpectedConfirmation):
		return ReasonUnexpected
	case errors.Is(err, ErrAddressMismatch):
		return ReasonMismatch
	case errors.Is(err, envelope.ErrNoMatch),
		errors.Is(err, envelope.ErrAmbiguousMatch),
		errors.Is(err, envelope.ErrInvalidOutcome),
		errors.Is(err, envelope.ErrEmptyAddress):
		return ReasonExtraction
	case errors.Is(err, ErrNotFound):
		return ReasonMissingChild
	case errors.Is(err, counter.ErrOverflow):
		return ReasonOverflow
	default:
		return ReasonStorage
	}
}

// reportFailure runs on the processor goroutine after the handler has logged
// the rejection.
func (c *Coordinator) reportFailure(tag uint64, commandID string, err error) {
	c.failures.Add(1)

	label := "unknown"
	if t, perr := correlation.ParseTag(tag); perr == nil {
		label = t.String()
	}
	c.metrics.ConfirmationRejected(label, FailureReason(err))

	if c.reporter != nil {
		c.reporter.ReportFailure(tag, commandID, err)
	}
}
