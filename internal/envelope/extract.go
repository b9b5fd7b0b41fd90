package envelope

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrNoMatch means no event in the envelope carried the expected marker.
	ErrNoMatch = errors.New("no matching event in confirmation")
	// ErrAmbiguousMatch means more than one event carried the expected marker.
	ErrAmbiguousMatch = errors.New("more than one matching event in confirmation")
	// ErrInvalidOutcome means the reset outcome was not a signed 32-bit integer.
	ErrInvalidOutcome = errors.New("reset outcome is not an integer")
	// ErrEmptyAddress means the marker event carried an empty child address.
	ErrEmptyAddress = errors.New("child address is empty")
)

// Extraction operation names used in ExtractionError.
const (
	OpChildAddress = "child_address"
	OpResetOutcome = "reset_outcome"
)

// ExtractionError reports why a confirmation could not yield the value it must carry.
type ExtractionError struct {
	Op      string
	Matches int
	Value   string
	Err     error
}

func (e *ExtractionError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("extract %s: %v (value %q)", e.Op, e.Err, e.Value)
	}
	return fmt.Sprintf("extract %s: %v (%d matches)", e.Op, e.Err, e.Matches)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// ExtractChildAddress returns the address of the child that produced env.
// It looks at wasm events whose first attribute is the address marker and
// requires exactly one of them.
func ExtractChildAddress(env Envelope) (string, error) {
	var matches []string
	for _, ev := range env.Events {
		if ev.Type != EventTypeWasm || len(ev.Attributes) == 0 {
			continue
		}
		if ev.Attributes[0].Key != AttrContractAddr {
			continue
		}
		matches = append(matches, ev.Attributes[0].Value)
	}

	switch len(matches) {
	case 0:
		return "", &ExtractionError{Op: OpChildAddress, Err: ErrNoMatch}
	case 1:
		if matches[0] == "" {
			return "", &ExtractionError{Op: OpChildAddress, Matches: 1, Err: ErrEmptyAddress}
		}
		return matches[0], nil
	default:
		return "", &ExtractionError{Op: OpChildAddress, Matches: len(matches), Err: ErrAmbiguousMatch}
	}
}

// ExtractResetOutcome returns the count a child reported after a reset.
// It looks at wasm events of exactly three attributes whose second value is
// "reset", requires exactly one, and parses the third value.
func ExtractResetOutcome(env Envelope) (int32, error) {
	var matches []string
	for _, ev := range env.Events {
		if ev.Type != EventTypeWasm || len(ev.Attributes) != 3 {
			continue
		}
		if ev.Attributes[1].Value != ActionReset {
			continue
		}
		matches = append(matches, ev.Attributes[2].Value)
	}

	switch len(matches) {
	case 0:
		return 0, &ExtractionError{Op: OpResetOutcome, Err: ErrNoMatch}
	case 1:
	default:
		return 0, &ExtractionError{Op: OpResetOutcome, Matches: len(matches), Err: ErrAmbiguousMatch}
	}

	n, err := strconv.ParseInt(matches[0], 10, 32)
	if err != nil {
		return 0, &ExtractionError{Op: OpResetOutcome, Matches: 1, Value: matches[0], Err: fmt.Errorf("%w: %v", ErrInvalidOutcome, err)}
	}
	return int32(n), nil
}
