// Package events defines the event types and bus subjects used by the
// Trinity control plane.
package events

// Activity kinds. Every observable event carries exactly one kind.
const (
	KindLifecycle     = "lifecycle"
	KindToolCall      = "tool_call"
	KindMessageIn     = "message_in"
	KindMessageOut    = "message_out"
	KindCollaboration = "collaboration"
	KindError         = "error"
	KindCustom        = "custom"
)

// ValidKinds is the set of allowed activity kinds.
var ValidKinds = map[string]bool{
	KindLifecycle:     true,
	KindToolCall:      true,
	KindMessageIn:     true,
	KindMessageOut:    true,
	KindCollaboration: true,
	KindError:         true,
	KindCustom:        true,
}

// Lifecycle event types, published as activity payload "event" values.
const (
	LifecycleCreated     = "lifecycle:created"
	LifecycleStarting    = "lifecycle:starting"
	LifecycleRunning     = "lifecycle:running"
	LifecycleStartFailed = "lifecycle:start_failed"
	LifecycleStopping    = "lifecycle:stopping"
	LifecycleStopped     = "lifecycle:stopped"
	LifecycleDeleted     = "lifecycle:deleted"
	LifecycleRecreated   = "lifecycle:recreated"
)

// Execution event types.
const (
	ExecutionQueued    = "execution:queued"
	ExecutionStarted   = "execution:started"
	ExecutionSucceeded = "execution:succeeded"
	ExecutionFailed    = "execution:failed"
	ExecutionCancelled = "execution:cancelled"
	ExecutionTimedOut  = "execution:timed_out"
	QueueCleared       = "queue:cleared"
	QueueReleased      = "queue:released"
)

// Process event types.
const (
	ProcessRunStarted      = "process:run_started"
	ProcessRunCompleted    = "process:run_completed"
	ProcessRunFailed       = "process:run_failed"
	ProcessRunCancelled    = "process:run_cancelled"
	ProcessStepStarted     = "process:step_started"
	ProcessStepCompleted   = "process:step_completed"
	ProcessApprovalPending = "process:approval_pending"
	ProcessApprovalDecided = "process:approval_decided"
)

// Schedule event types.
const (
	ScheduleFired   = "schedule:fired"
	ScheduleSkipped = "schedule:skipped"
	SchedulePaused  = "schedule:paused"
)

// Bus subject roots.
const (
	ActivitySubject = "activity" // activity.<agent>
	ApprovalSubject = "approval" // approval.<run-id>.<step-id>
	ProcessSubject  = "process"  // process.<run-id>
)

// BuildActivitySubject creates the bus subject for one agent's activities.
func BuildActivitySubject(agent string) string {
	return ActivitySubject + "." + agent
}

// BuildActivityWildcardSubject subscribes to every agent's activities.
func BuildActivityWildcardSubject() string {
	return ActivitySubject + ".*"
}

// BuildApprovalSubject creates the subject an approval decision is published on.
func BuildApprovalSubject(runID, stepID string) string {
	return ApprovalSubject + "." + runID + "." + stepID
}

// BuildProcessSubject creates the subject for one run's progress events.
func BuildProcessSubject(runID string) string {
	return ProcessSubject + "." + runID
}
