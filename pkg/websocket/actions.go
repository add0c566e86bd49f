package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Subscription actions (client -> server)
	ActionActivitySubscribe   = "activity.subscribe"
	ActionActivityUnsubscribe = "activity.unsubscribe"

	// Notification actions (server -> client)
	ActionActivityAppended = "activity.appended"
	ActionActivityDropped  = "activity.dropped"
	ActionExecutionUpdated = "execution.updated"
	ActionAgentUpdated     = "agent.updated"
	ActionSessionUpdated   = "session.updated"
	ActionProcessUpdated   = "process.updated"
	ActionApprovalPending  = "approval.pending"
	ActionScheduleUpdated  = "schedule.updated"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnauthorized  = "UNAUTHORIZED"
	ErrorCodeForbidden     = "FORBIDDEN"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
