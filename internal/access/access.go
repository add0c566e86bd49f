// Package access is the single authorization choke point. Every handler
// that touches an agent calls Check; nothing else decides visibility.
package access

import (
	"context"

	apperrors "github.com/trinity/trinity/internal/common/errors"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// PrincipalType distinguishes who is calling.
type PrincipalType string

const (
	PrincipalUser   PrincipalType = "user"
	PrincipalAgent  PrincipalType = "agent"
	PrincipalSystem PrincipalType = "system" // scheduler, process engine
)

// Principal identifies the caller of an operation.
type Principal struct {
	Type      PrincipalType
	UserID    string
	Email     string
	Role      v1.Role
	AgentName string // set when Type is PrincipalAgent
}

// String names the principal for activity payloads and audit.
func (p Principal) String() string {
	switch p.Type {
	case PrincipalAgent:
		return "agent:" + p.AgentName
	case PrincipalSystem:
		return "system"
	default:
		return "user:" + p.UserID
	}
}

// Action is what the principal wants to do with the target agent.
type Action string

const (
	ActionView   Action = "view"   // read metadata, activities, sessions
	ActionInvoke Action = "invoke" // send chat / enqueue work
	ActionManage Action = "manage" // start, stop, delete, update, terminal
)

// AgentDirectory is the slice of the agent store the matrix needs.
type AgentDirectory interface {
	GetByName(ctx context.Context, name string) (*v1.Agent, error)
	HasInvocation(ctx context.Context, caller, target string) (bool, error)
}

// Matrix evaluates access decisions.
type Matrix struct {
	agents AgentDirectory
}

// NewMatrix creates the access matrix over the agent directory.
func NewMatrix(agents AgentDirectory) *Matrix {
	return &Matrix{agents: agents}
}

// Check decides whether principal may perform action on the target agent.
// Invisible targets return NotFound rather than Forbidden, so a caller
// cannot probe for agent names it has no access to.
func (m *Matrix) Check(ctx context.Context, p Principal, action Action, target *v1.Agent) error {
	switch p.Type {
	case PrincipalSystem:
		return nil

	case PrincipalUser:
		if p.Role == v1.RoleAdmin {
			return nil
		}
		if target.OwnerID == p.UserID {
			return nil
		}
		if sharedWith(target, p) {
			if action == ActionManage {
				return apperrors.Forbidden("agent %s is shared read-only", target.Name)
			}
			return nil
		}
		return apperrors.NotFound("agent %s not found", target.Name)

	case PrincipalAgent:
		if action == ActionManage {
			return apperrors.Forbidden("agents cannot manage other agents")
		}
		if p.AgentName == target.Name {
			return nil
		}
		caller, err := m.agents.GetByName(ctx, p.AgentName)
		if err != nil {
			return apperrors.NotFound("agent %s not found", target.Name)
		}
		granted, err := m.agents.HasInvocation(ctx, p.AgentName, target.Name)
		if err != nil {
			return err
		}
		if granted {
			return nil
		}
		// Same-owner siblings stay visible even after their invocation
		// grant is revoked; invoking them needs the grant back.
		if caller.OwnerID == target.OwnerID {
			if action == ActionView {
				return nil
			}
			return apperrors.Forbidden("agent %s may not invoke %s", p.AgentName, target.Name)
		}
		return apperrors.NotFound("agent %s not found", target.Name)
	}

	return apperrors.Forbidden("unknown principal type")
}

// CanSee reports pure visibility, used to filter listings and the
// activity fan-out.
func (m *Matrix) CanSee(ctx context.Context, p Principal, target *v1.Agent) bool {
	return m.Check(ctx, p, ActionView, target) == nil
}

// VisibleAgents filters a fleet listing down to what the principal may see.
func (m *Matrix) VisibleAgents(ctx context.Context, p Principal, agents []*v1.Agent) []*v1.Agent {
	visible := make([]*v1.Agent, 0, len(agents))
	for _, a := range agents {
		if m.CanSee(ctx, p, a) {
			visible = append(visible, a)
		}
	}
	return visible
}

func sharedWith(target *v1.Agent, p Principal) bool {
	for _, grantee := range target.SharedWith {
		if grantee == p.UserID || (p.Email != "" && grantee == p.Email) {
			return true
		}
	}
	return false
}
