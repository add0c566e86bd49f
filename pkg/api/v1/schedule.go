package v1

import "time"

// Schedule triggers a message to an agent on a cron expression.
type Schedule struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	OwnerID        string     `json:"owner_id"`
	AgentName      string     `json:"agent_name"`
	Message        string     `json:"message"`
	CronExpr       string     `json:"cron_expr"`
	Timezone       string     `json:"timezone"`
	MaxConcurrency int        `json:"max_concurrency"`
	Paused         bool       `json:"paused"`
	NextFireAt     *time.Time `json:"next_fire_at,omitempty"`
	LastFiredAt    *time.Time `json:"last_fired_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// CreateScheduleRequest registers a new schedule.
type CreateScheduleRequest struct {
	Name           string `json:"name" binding:"required,max=200"`
	AgentName      string `json:"agent_name" binding:"required"`
	Message        string `json:"message" binding:"required"`
	CronExpr       string `json:"cron_expr" binding:"required"`
	Timezone       string `json:"timezone,omitempty"`
	MaxConcurrency int    `json:"max_concurrency,omitempty"`
}

// UpdateScheduleRequest updates mutable schedule fields.
type UpdateScheduleRequest struct {
	Name           *string `json:"name,omitempty"`
	Message        *string `json:"message,omitempty"`
	CronExpr       *string `json:"cron_expr,omitempty"`
	Timezone       *string `json:"timezone,omitempty"`
	MaxConcurrency *int    `json:"max_concurrency,omitempty"`
}
