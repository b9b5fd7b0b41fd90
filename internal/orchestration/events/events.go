// Package events defines the typed events the coordinator publishes on its
// pubsub broker. They are consumed by the API event stream, the metrics
// collector and the watch dashboard.
package events

import "time"

// ChildEventType identifies the kind of child event.
type ChildEventType string

const (
	// ChildCreated is emitted when a create confirmation adds a record to the registry.
	ChildCreated ChildEventType = "child_created"
	// ChildIncremented is emitted when an increment confirmation is applied.
	ChildIncremented ChildEventType = "child_incremented"
	// ChildReset is emitted when a reset confirmation is applied.
	ChildReset ChildEventType = "child_reset"
	// ConfirmationFailed is emitted when a confirmation is rejected. The registry is unchanged.
	ConfirmationFailed ChildEventType = "confirmation_failed"
)

func (t ChildEventType) String() string {
	return string(t)
}

// ChildEvent describes one applied or rejected confirmation.
type ChildEvent struct {
	Type ChildEventType `json:"type"`
	// Address is the affected child. Empty when the failure happened before
	// an address was known.
	Address string `json:"address,omitempty"`
	// Count is the registry count after the update.
	Count int32 `json:"count"`
	// Tag is the raw reply tag of the confirmation.
	Tag uint64 `json:"tag"`
	// CommandID is the request command the confirmation was matched to, if any.
	CommandID string `json:"command_id,omitempty"`
	// Error describes a rejected confirmation.
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Failed reports whether the event describes a rejected confirmation.
func (e ChildEvent) Failed() bool {
	return e.Type == ConfirmationFailed
}
