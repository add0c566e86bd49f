// Package agent holds the agent records, their lifecycle state machine, and
// the persistence layer for the fleet.
package agent

import (
	"regexp"

	apperrors "github.com/trinity/trinity/internal/common/errors"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// nameRegex enforces DNS-safe, globally unique agent names.
var nameRegex = regexp.MustCompile(`^[a-z][a-z0-9-]{0,62}$`)

// ValidateName rejects names that cannot serve as container or host names.
func ValidateName(name string) error {
	if !nameRegex.MatchString(name) {
		return apperrors.InvalidInput("invalid agent name %q", name).
			WithHint("names are lowercase DNS labels: letters, digits, hyphens, max 63 chars")
	}
	return nil
}

// validTransitions is the lifecycle state machine. Every state change goes
// through CanTransition; anything not listed is a Conflict.
var validTransitions = map[v1.AgentState][]v1.AgentState{
	v1.AgentStateCreating: {v1.AgentStateStopped, v1.AgentStateError},
	v1.AgentStateStopped:  {v1.AgentStateStarting},
	v1.AgentStateStarting: {v1.AgentStateRunning, v1.AgentStateError, v1.AgentStateStopped},
	v1.AgentStateRunning:  {v1.AgentStateStopping, v1.AgentStateError},
	v1.AgentStateStopping: {v1.AgentStateStopped, v1.AgentStateError},
	v1.AgentStateError:    {v1.AgentStateStarting, v1.AgentStateStopping, v1.AgentStateStopped},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to v1.AgentState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates a state change, returning Conflict when illegal.
func Transition(from, to v1.AgentState) error {
	if !CanTransition(from, to) {
		return apperrors.Conflict("cannot transition agent from %s to %s", from, to)
	}
	return nil
}
