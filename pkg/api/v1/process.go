package v1

import (
	"encoding/json"
	"time"
)

// StepType enumerates the kinds of process steps.
type StepType string

const (
	StepTypeAgentTask     StepType = "agent_task"
	StepTypeHumanApproval StepType = "human_approval"
	StepTypeGateway       StepType = "gateway"
	StepTypeNotification  StepType = "notification"
	StepTypeSubProcess    StepType = "sub_process"
)

// RunStatus is the status of a process run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// StepStatus is the status of a step within a run.
type StepStatus string

const (
	StepStatusPending         StepStatus = "pending"
	StepStatusRunning         StepStatus = "running"
	StepStatusWaitingApproval StepStatus = "waiting_approval"
	StepStatusCompleted       StepStatus = "completed"
	StepStatusFailed          StepStatus = "failed"
	StepStatusSkipped         StepStatus = "skipped"
	StepStatusCancelled       StepStatus = "cancelled"
)

// StepRoles names who acts on a step and who is kept in the loop.
type StepRoles struct {
	Executor string   `json:"executor,omitempty"`
	Monitors []string `json:"monitors,omitempty"`
	Informed []string `json:"informed,omitempty"`
}

// ProcessStep is one node in a process definition DAG.
type ProcessStep struct {
	ID                string     `json:"id"`
	Type              StepType   `json:"type"`
	Name              string     `json:"name,omitempty"`
	DependsOn         []string   `json:"depends_on,omitempty"`
	ContinueOnFailure bool       `json:"continue_on_failure,omitempty"`
	Roles             *StepRoles `json:"roles,omitempty"`
	// TimeoutSecs bounds agent_task and sub_process steps. Zero falls back
	// to the queue's default request timeout.
	TimeoutSecs int `json:"timeout_secs,omitempty"`
	// agent_task
	Agent   string `json:"agent,omitempty"`
	Message string `json:"message,omitempty"`
	// human_approval
	Approvers []string `json:"approvers,omitempty"`
	Prompt    string   `json:"prompt,omitempty"`
	// TimeoutHours auto-rejects an approval nobody decides in time. Zero
	// waits indefinitely.
	TimeoutHours float64 `json:"timeout_hours,omitempty"`
	// gateway
	Condition string `json:"condition,omitempty"`
	IfTrue    string `json:"if_true,omitempty"`
	IfFalse   string `json:"if_false,omitempty"`
	// notification
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text,omitempty"`
	// sub_process
	ProcessID string          `json:"process_id,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// ProcessTrigger says how runs of a process are started.
type ProcessTrigger string

const (
	TriggerManual   ProcessTrigger = "manual"
	TriggerSchedule ProcessTrigger = "schedule"
	TriggerWebhook  ProcessTrigger = "webhook"
)

// Process is a stored process definition.
type Process struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Version     int            `json:"version"`
	Trigger     ProcessTrigger `json:"trigger"`
	Description string         `json:"description,omitempty"`
	OwnerID     string         `json:"owner_id"`
	Steps       []*ProcessStep `json:"steps"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// CreateProcessRequest stores a new process definition.
type CreateProcessRequest struct {
	Name        string         `json:"name" binding:"required,max=200"`
	Trigger     ProcessTrigger `json:"trigger,omitempty"`
	Description string         `json:"description,omitempty"`
	Steps       []*ProcessStep `json:"steps" binding:"required"`
}

// StartRunRequest starts a process run with an input document.
type StartRunRequest struct {
	Input json.RawMessage `json:"input,omitempty"`
}

// StepRun is the recorded execution of one step.
type StepRun struct {
	StepID      string          `json:"step_id"`
	Status      StepStatus      `json:"status"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       *string         `json:"error,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// ProcessRun is one execution of a process definition.
type ProcessRun struct {
	ID          string          `json:"id"`
	ProcessID   string          `json:"process_id"`
	Status      RunStatus       `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       *string         `json:"error,omitempty"`
	Steps       []*StepRun      `json:"steps"`
	StartedBy   string          `json:"started_by"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Approval is a pending or decided human approval step.
type Approval struct {
	ID        string     `json:"id"`
	RunID     string     `json:"run_id"`
	StepID    string     `json:"step_id"`
	Prompt    string     `json:"prompt,omitempty"`
	Approvers []string   `json:"approvers,omitempty"`
	Decision  *string    `json:"decision,omitempty"` // approved, rejected
	DecidedBy *string    `json:"decided_by,omitempty"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// DecideApprovalRequest records an approval decision.
type DecideApprovalRequest struct {
	Approve bool   `json:"approve"`
	Comment string `json:"comment,omitempty"`
}
