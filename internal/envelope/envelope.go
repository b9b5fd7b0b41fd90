// Package envelope defines the confirmation envelope delivered by the execution
// environment after a child executes a request, and the pure extractors that
// pull the child address and reset outcome out of it.
//
// An envelope is a list of typed events, each an ordered list of key/value
// attributes. The coordinator assumes no more structure than the extractors read.
package envelope

import "fmt"

const (
	// EventTypeWasm is the environment's canonical event type for child-emitted attributes.
	EventTypeWasm = "wasm"
	// EventTypeInstantiate is emitted by the environment when a child is created.
	EventTypeInstantiate = "instantiate"
	// EventTypeExecute is emitted by the environment when a child executes a message.
	EventTypeExecute = "execute"

	// AttrContractAddr is the address marker key; it is always the first attribute
	// of a wasm event.
	AttrContractAddr = "_contract_addr"
	// AttrContractAddress keys the child address on instantiate events.
	AttrContractAddress = "_contract_address"
	// AttrMethod names the child operation that produced a wasm event.
	AttrMethod = "method"
	// AttrCount carries the child's count on instantiate and reset events.
	AttrCount = "count"

	// ActionReset is the method value of a reset wasm event.
	ActionReset = "reset"
)

// Attribute is one key/value pair of an event.
type Attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Event is a typed, ordered list of attributes.
type Event struct {
	Type       string      `json:"type"`
	Attributes []Attribute `json:"attributes"`
}

// Envelope is the confirmation payload for one executed request.
type Envelope struct {
	Events []Event `json:"events"`
}

// NewEvent builds an event from alternating key, value strings.
// It panics on an odd number of strings.
func NewEvent(eventType string, kv ...string) Event {
	if len(kv)%2 != 0 {
		panic(fmt.Sprintf("envelope: odd attribute list for %q event", eventType))
	}
	attrs := make([]Attribute, 0, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		attrs = append(attrs, Attribute{Key: kv[i], Value: kv[i+1]})
	}
	return Event{Type: eventType, Attributes: attrs}
}

// Attr returns the value of the first attribute with key, if any.
func (e Event) Attr(key string) (string, bool) {
	for _, a := range e.Attributes {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}
