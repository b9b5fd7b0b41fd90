package tracing

// Span attribute keys.
const (
	// Command attributes
	AttrCommandID     = "command.id"
	AttrCommandType   = "command.type"
	AttrCommandSource = "command.source"

	// Child attributes
	AttrChildAddress = "child.address"
	AttrChildCount   = "child.count"

	// Correlation attributes
	AttrReplyTag       = "reply.tag"
	AttrPendingCount   = "reply.pending"
	AttrMatchedCommand = "reply.command_id"
	AttrEventCount     = "envelope.events"

	// Error attributes
	AttrErrorMessage = "error.message"
	AttrErrorType    = "error.type"
)

// Span name prefixes for consistent naming.
const (
	SpanPrefixCommand = "command.process."
	SpanPrefixHTTP    = "http."
)

// Event names for span events.
const (
	EventRequestSent          = "request.sent"
	EventConfirmationMatched  = "confirmation.matched"
	EventConfirmationRejected = "confirmation.rejected"
	EventRegistryUpdated      = "registry.updated"
)
