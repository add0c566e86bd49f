package v1

import "time"

// Role determines what a user may see and do.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// User represents a user account.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LoginRequest authenticates a user.
type LoginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse carries the session token.
type LoginResponse struct {
	Token     string    `json:"token"`
	User      *User     `json:"user"`
	ExpiresAt time.Time `json:"expires_at"`
}

// MCPKey is programmatic-access key metadata. The key value is shown once
// at mint time and stored only as a hash.
type MCPKey struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Name       string     `json:"name"`
	Prefix     string     `json:"prefix"` // first characters, for identification
	System     bool       `json:"system,omitempty"`
	UsageCount int64      `json:"usage_count"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// MintMCPKeyRequest mints a programmatic-access key.
type MintMCPKeyRequest struct {
	Name   string `json:"name" binding:"required,max=100"`
	System bool   `json:"system,omitempty"`
}

// CreateUserRequest registers a user account.
type CreateUserRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
	Role     Role   `json:"role,omitempty"`
}

// MintMCPKeyResponse returns the full key exactly once.
type MintMCPKeyResponse struct {
	Key  *MCPKey `json:"key"`
	Full string  `json:"full_key"`
}
