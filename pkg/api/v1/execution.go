package v1

import "time"

// ExecutionStatus represents the status of a queued message execution.
type ExecutionStatus string

const (
	ExecutionStatusQueued    ExecutionStatus = "queued"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusSucceeded ExecutionStatus = "succeeded"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
	ExecutionStatusTimedOut  ExecutionStatus = "timed_out"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusSucceeded, ExecutionStatusFailed, ExecutionStatusCancelled, ExecutionStatusTimedOut:
		return true
	}
	return false
}

// Execution origins: who or what put the message on the queue.
const (
	OriginManual   = "manual"   // a logged-in user, interactively
	OriginSchedule = "schedule" // the cron scheduler
	OriginProcess  = "process"  // a process-engine agent_task step
	OriginAPI      = "api"      // an MCP key, including agent-to-agent calls
)

// TokenUsage is the token accounting reported by the agent runtime.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	CacheTokens  int64 `json:"cache_tokens,omitempty"`
}

// Execution represents one message sent through an agent's queue.
type Execution struct {
	ID          string          `json:"id"`
	AgentName   string          `json:"agent_name"`
	Status      ExecutionStatus `json:"status"`
	Message     string          `json:"message"`
	SessionID   string          `json:"session_id,omitempty"`
	Caller      string          `json:"caller"`
	Origin      string          `json:"origin"` // manual, schedule, process, api
	Result      *string         `json:"result,omitempty"`
	Error       *string         `json:"error,omitempty"`
	Usage       *TokenUsage     `json:"usage,omitempty"`
	CostUSD     float64         `json:"cost_usd,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// EnqueueRequest submits a message to an agent's execution queue.
type EnqueueRequest struct {
	Message      string `json:"message" binding:"required"`
	SessionID    string `json:"session_id,omitempty"`
	TimeoutSecs  int    `json:"timeout_secs,omitempty"`
	WaitForStart bool   `json:"wait_for_start,omitempty"`
}

// QueueStatus describes one agent's queue.
type QueueStatus struct {
	AgentName string       `json:"agent_name"`
	Depth     int          `json:"depth"`
	InFlight  *Execution   `json:"in_flight,omitempty"`
	Pending   []*Execution `json:"pending,omitempty"`
}
