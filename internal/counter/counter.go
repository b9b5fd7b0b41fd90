// Package counter implements the child state machine: a single signed 32-bit
// count that can be incremented or reset. Every transition returns the wasm
// event the execution environment attaches to its confirmation.
package counter

import (
	"errors"
	"math"
	"strconv"

	"github.com/zjrosen/countermgr/internal/envelope"
)

// Method attribute values emitted by each transition.
const (
	MethodInstantiate = "instantiate"
	MethodIncrement   = "try_increment"
	MethodReset       = envelope.ActionReset
)

// ErrOverflow is returned when an increment would exceed math.MaxInt32.
var ErrOverflow = errors.New("counter overflow")

// State is the authoritative state of one child.
type State struct {
	Address string `json:"address"`
	Count   int32  `json:"count"`
}

// Instantiate creates the state of a new child at address.
func Instantiate(address string, count int32) (State, envelope.Event) {
	s := State{Address: address, Count: count}
	return s, envelope.NewEvent(envelope.EventTypeWasm,
		envelope.AttrContractAddr, address,
		envelope.AttrMethod, MethodInstantiate,
		envelope.AttrCount, strconv.FormatInt(int64(count), 10),
	)
}

// Increment adds one to the count.
func (s *State) Increment() (envelope.Event, error) {
	if s.Count == math.MaxInt32 {
		return envelope.Event{}, ErrOverflow
	}
	s.Count++
	return envelope.NewEvent(envelope.EventTypeWasm,
		envelope.AttrContractAddr, s.Address,
		envelope.AttrMethod, MethodIncrement,
	), nil
}

// Reset overwrites the count.
func (s *State) Reset(count int32) envelope.Event {
	s.Count = count
	return envelope.NewEvent(envelope.EventTypeWasm,
		envelope.AttrContractAddr, s.Address,
		envelope.AttrMethod, MethodReset,
		envelope.AttrCount, strconv.FormatInt(int64(count), 10),
	)
}

// Next returns count+1, or ErrOverflow. Used by mirrors of a child's count
// that must follow the same arithmetic as the child.
func Next(count int32) (int32, error) {
	if count == math.MaxInt32 {
		return 0, ErrOverflow
	}
	return count + 1, nil
}
