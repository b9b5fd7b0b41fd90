// Package handler provides the coordinator's command handlers: one per caller
// request kind plus the handler that applies confirmations to the registry.
package handler

import (
	"github.com/zjrosen/countermgr/internal/orchestration/command"
	"github.com/zjrosen/countermgr/internal/orchestration/correlation"
)

// RequestAccepted is the Data of a successful request command. The request has
// been handed to the transport; its effect is not yet visible in the registry.
type RequestAccepted struct {
	CommandID string
	Tag       correlation.Tag
	Address   string
}

// SuccessWithData returns a successful result carrying data.
func SuccessWithData(data any) *command.CommandResult {
	return &command.CommandResult{Success: true, Data: data}
}

// SuccessWithEvents returns a successful result carrying data and events.
func SuccessWithEvents(data any, events ...any) *command.CommandResult {
	return &command.CommandResult{Success: true, Data: data, Events: events}
}

// FailureWithEvents returns a failed result. The processor still publishes its events.
func FailureWithEvents(err error, events ...any) *command.CommandResult {
	return &command.CommandResult{Success: false, Error: err, Events: events}
}
