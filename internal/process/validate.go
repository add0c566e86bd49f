package process

import (
	apperrors "github.com/trinity/trinity/internal/common/errors"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// ValidateSteps checks a process definition: unique step ids, known
// dependencies, an acyclic graph, and the required fields of each step
// type.
func ValidateSteps(steps []*v1.ProcessStep) error {
	if len(steps) == 0 {
		return apperrors.InvalidInput("process needs at least one step")
	}

	byID := make(map[string]*v1.ProcessStep, len(steps))
	for _, step := range steps {
		if step.ID == "" {
			return apperrors.InvalidInput("every step needs an id")
		}
		if _, dup := byID[step.ID]; dup {
			return apperrors.InvalidInput("duplicate step id %q", step.ID)
		}
		byID[step.ID] = step
	}

	for _, step := range steps {
		for _, dep := range step.DependsOn {
			if _, ok := byID[dep]; !ok {
				return apperrors.InvalidInput("step %q depends on unknown step %q", step.ID, dep)
			}
			if dep == step.ID {
				return apperrors.InvalidInput("step %q depends on itself", step.ID)
			}
		}
		if err := validateStepFields(step, byID); err != nil {
			return err
		}
	}

	return checkAcyclic(steps, byID)
}

func validateStepFields(step *v1.ProcessStep, byID map[string]*v1.ProcessStep) error {
	if step.TimeoutSecs < 0 {
		return apperrors.InvalidInput("step %q has a negative timeout", step.ID)
	}
	switch step.Type {
	case v1.StepTypeAgentTask:
		if step.Agent == "" || step.Message == "" {
			return apperrors.InvalidInput("agent_task step %q needs agent and message", step.ID)
		}
	case v1.StepTypeHumanApproval:
		if len(step.Approvers) == 0 {
			return apperrors.InvalidInput("human_approval step %q needs approvers", step.ID)
		}
		if step.TimeoutHours < 0 {
			return apperrors.InvalidInput("human_approval step %q has a negative timeout_hours", step.ID)
		}
	case v1.StepTypeGateway:
		if step.Condition == "" {
			return apperrors.InvalidInput("gateway step %q needs a condition", step.ID)
		}
		if step.IfTrue == "" && step.IfFalse == "" {
			return apperrors.InvalidInput("gateway step %q routes nowhere", step.ID)
		}
		for _, target := range []string{step.IfTrue, step.IfFalse} {
			if target == "" {
				continue
			}
			if _, ok := byID[target]; !ok {
				return apperrors.InvalidInput("gateway step %q routes to unknown step %q", step.ID, target)
			}
		}
	case v1.StepTypeNotification:
		if step.Text == "" {
			return apperrors.InvalidInput("notification step %q needs text", step.ID)
		}
	case v1.StepTypeSubProcess:
		if step.ProcessID == "" {
			return apperrors.InvalidInput("sub_process step %q needs a process_id", step.ID)
		}
	default:
		return apperrors.InvalidInput("step %q has unknown type %q", step.ID, step.Type)
	}
	return nil
}

// checkAcyclic rejects dependency cycles with a depth-first walk.
func checkAcyclic(steps []*v1.ProcessStep, byID map[string]*v1.ProcessStep) error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(steps))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return apperrors.InvalidInput("dependency cycle through step %q", id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, dep := range byID[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}

	for _, step := range steps {
		if err := visit(step.ID); err != nil {
			return err
		}
	}
	return nil
}
