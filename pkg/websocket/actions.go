package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Session actions
	ActionSessionStatus = "session.status"

	// Subscription actions; patterns use event-kind wildcards
	ActionEventSubscribe   = "event.subscribe"
	ActionEventUnsubscribe = "event.unsubscribe"

	// Notification action prefix is the event kind itself, e.g.
	// "task.completed" or "agent.output".
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
