package v1

import (
	"encoding/json"
	"time"
)

// Activity is one entry in the append-only activity stream.
type Activity struct {
	ID        int64           `json:"id"`
	AgentName string          `json:"agent_name"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Truncated bool            `json:"truncated,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AppendActivityRequest records a new activity entry.
type AppendActivityRequest struct {
	Kind    string          `json:"kind" binding:"required"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ActivityPage is a cursor-paged slice of activities.
type ActivityPage struct {
	Items      []*Activity `json:"items"`
	NextCursor int64       `json:"next_cursor,omitempty"`
}

// AgentSession tracks per-session context and cost for an agent.
type AgentSession struct {
	ID            string     `json:"id"`
	AgentName     string     `json:"agent_name"`
	SessionID     string     `json:"session_id"`
	ContextTokens int64      `json:"context_tokens"`
	Usage         TokenUsage `json:"usage"`
	CostUSD       float64    `json:"cost_usd"`
	Status        string     `json:"status"` // idle, busy, degraded
	LastActivity  time.Time  `json:"last_activity"`
	CreatedAt     time.Time  `json:"created_at"`
}
