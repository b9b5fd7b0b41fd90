// Package correlation associates confirmations from the execution environment
// with the requests that caused them.
//
// A Tag identifies the kind of request only. Two outstanding requests of the
// same kind are told apart by the Ledger, which relies on the environment
// delivering confirmations in request order.
package correlation

import (
	"errors"
	"fmt"
)

// Tag is the reply identifier attached to every outgoing request and echoed
// back on its confirmation.
type Tag uint64

const (
	TagCreate    Tag = 1
	TagIncrement Tag = 2
	TagReset     Tag = 3
)

// Tags lists every known tag in ascending order.
var Tags = []Tag{TagCreate, TagIncrement, TagReset}

// ErrUnknownTag is returned for a confirmation whose tag is not one of Tags.
var ErrUnknownTag = errors.New("unknown reply tag")

// ParseTag validates a raw tag received from the environment.
func ParseTag(raw uint64) (Tag, error) {
	switch t := Tag(raw); t {
	case TagCreate, TagIncrement, TagReset:
		return t, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownTag, raw)
	}
}

func (t Tag) String() string {
	switch t {
	case TagCreate:
		return "create"
	case TagIncrement:
		return "increment"
	case TagReset:
		return "reset"
	default:
		return fmt.Sprintf("tag(%d)", uint64(t))
	}
}
