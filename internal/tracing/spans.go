package tracing

// Span attribute keys used across the engine.
const (
	AttrCommandID     = "command.id"
	AttrCommandType   = "command.type"
	AttrCommandSource = "command.source"
	AttrRequestID     = "request.id"
)

// SpanPrefixCommand prefixes spans created per processed command.
const SpanPrefixCommand = "command.process."

// EventFollowUpCreated marks a follow-up command enqueued by a handler.
const EventFollowUpCreated = "followup.created"
