// Package v1 defines the public API types shared by the HTTP surface and
// the stores.
package v1

import "time"

// AgentState represents the lifecycle state of an agent container.
type AgentState string

const (
	AgentStateCreating AgentState = "creating"
	AgentStateStarting AgentState = "starting"
	AgentStateRunning  AgentState = "running"
	AgentStateStopping AgentState = "stopping"
	AgentStateStopped  AgentState = "stopped"
	AgentStateError    AgentState = "error"
)

// ResourceLimits defines container resource limits.
type ResourceLimits struct {
	CPUs     float64 `json:"cpus"`
	MemoryMB int64   `json:"memory_mb"`
}

// AgentPorts are the host ports mapped into the agent container.
type AgentPorts struct {
	SSH  int `json:"ssh"`
	HTTP int `json:"http"`
}

// Agent represents a deployed agent.
type Agent struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	OwnerID      string         `json:"owner_id"`
	TemplateRef  string         `json:"template_ref"`
	Revision     string         `json:"revision,omitempty"`
	State        AgentState     `json:"state"`
	StateReason  string         `json:"state_reason,omitempty"`
	ContainerID  *string        `json:"container_id,omitempty"`
	Ports        AgentPorts     `json:"ports"`
	Resources    ResourceLimits `json:"resources"`
	MetaPrompt   string         `json:"meta_prompt,omitempty"`
	IsSystem     bool           `json:"is_system,omitempty"`
	Autonomy     bool           `json:"autonomy_enabled"`
	SharedWith   []string       `json:"shared_with,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	LastStartErr *string        `json:"last_start_error,omitempty"`
}

// CreateAgentRequest deploys a new agent from a template.
type CreateAgentRequest struct {
	Name        string            `json:"name" binding:"required,max=63"`
	TemplateRef string            `json:"template_ref" binding:"required"`
	Revision    string            `json:"revision,omitempty"`
	MetaPrompt  string            `json:"meta_prompt,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Resources   *ResourceLimits   `json:"resources,omitempty"`
	AutoStart   bool              `json:"auto_start,omitempty"`
}

// UpdateAgentRequest updates mutable agent fields.
type UpdateAgentRequest struct {
	MetaPrompt *string         `json:"meta_prompt,omitempty"`
	Autonomy   *bool           `json:"autonomy_enabled,omitempty"`
	Resources  *ResourceLimits `json:"resources,omitempty"`
	SharedWith []string        `json:"shared_with,omitempty"`
}

// InvocationPermission grants one agent the right to invoke another.
type InvocationPermission struct {
	CallerAgent string    `json:"caller_agent"`
	TargetAgent string    `json:"target_agent"`
	GrantedBy   string    `json:"granted_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// SharedFolder exposes one agent's directory to other agents read-only.
type SharedFolder struct {
	ID            string    `json:"id"`
	ProducerAgent string    `json:"producer_agent"`
	Path          string    `json:"path"`
	CreatedAt     time.Time `json:"created_at"`
}

// AgentStats is a point-in-time resource usage snapshot.
type AgentStats struct {
	Name        string  `json:"name"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	MemoryLimit uint64  `json:"memory_limit"`
	NetRxBytes  uint64  `json:"net_rx_bytes"`
	NetTxBytes  uint64  `json:"net_tx_bytes"`
}
