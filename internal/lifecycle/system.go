package lifecycle

import (
	"context"

	"go.uber.org/zap"

	apperrors "github.com/trinity/trinity/internal/common/errors"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// Deploy actions reported per agent.
const (
	DeployCreated   = "created"
	DeployUpdated   = "updated"
	DeployUnchanged = "unchanged"
	DeployFailed    = "failed"
)

// DeploySystem converges a set of agents onto a system manifest. Existing
// agents already on the declared template revision are left alone; stale
// ones are recreated; missing ones are created. One agent failing does not
// stop the rest.
func (m *Manager) DeploySystem(ctx context.Context, manifest *v1.SystemManifest, ownerID string) (*v1.SystemDeployResult, error) {
	if manifest.Name == "" {
		return nil, apperrors.InvalidInput("system manifest needs a name")
	}
	if len(manifest.Agents) == 0 {
		return nil, apperrors.InvalidInput("system manifest declares no agents")
	}

	result := &v1.SystemDeployResult{Name: manifest.Name}
	for _, spec := range manifest.Agents {
		outcome := m.deployOne(ctx, &spec, ownerID)
		result.Results = append(result.Results, outcome)
		m.logger.Info("system agent deployed",
			zap.String("system", manifest.Name),
			zap.String("agent", outcome.Agent),
			zap.String("action", outcome.Action))
	}
	return result, nil
}

func (m *Manager) deployOne(ctx context.Context, spec *v1.SystemAgentSpec, ownerID string) v1.SystemAgentOutcome {
	outcome := v1.SystemAgentOutcome{Agent: spec.Name}

	existing, err := m.agents.GetByName(ctx, spec.Name)
	switch {
	case apperrors.Is(err, apperrors.CodeNotFound):
		_, err := m.CreateAgent(ctx, &v1.CreateAgentRequest{
			Name:        spec.Name,
			TemplateRef: spec.TemplateRef,
			Revision:    spec.Revision,
			MetaPrompt:  spec.MetaPrompt,
			Env:         spec.Env,
			Resources:   spec.Resources,
			AutoStart:   spec.AutoStart,
		}, ownerID)
		if err != nil {
			outcome.Action = DeployFailed
			outcome.Message = err.Error()
			return outcome
		}
		outcome.Action = DeployCreated
		return outcome

	case err != nil:
		outcome.Action = DeployFailed
		outcome.Message = err.Error()
		return outcome
	}

	// A changed template reference means a different agent entirely:
	// replace rather than patch.
	if existing.TemplateRef != spec.TemplateRef {
		if err := m.StopAgent(ctx, spec.Name); err != nil {
			outcome.Action = DeployFailed
			outcome.Message = err.Error()
			return outcome
		}
		if err := m.DeleteAgent(ctx, spec.Name); err != nil {
			outcome.Action = DeployFailed
			outcome.Message = err.Error()
			return outcome
		}
		replaced := m.deployOne(ctx, spec, ownerID)
		if replaced.Action == DeployCreated {
			replaced.Action = DeployUpdated
		}
		return replaced
	}

	resolved, err := m.resolver.Resolve(ctx, spec.TemplateRef, spec.Revision)
	if err != nil {
		outcome.Action = DeployFailed
		outcome.Message = err.Error()
		return outcome
	}
	if existing.Revision == resolved.Revision {
		outcome.Action = DeployUnchanged
		return outcome
	}

	wasRunning := existing.State == v1.AgentStateRunning
	if err := m.StopAgent(ctx, spec.Name); err != nil {
		outcome.Action = DeployFailed
		outcome.Message = err.Error()
		return outcome
	}
	if _, err := m.RecreateContainer(ctx, spec.Name); err != nil {
		outcome.Action = DeployFailed
		outcome.Message = err.Error()
		return outcome
	}
	if wasRunning || spec.AutoStart {
		if err := m.StartAgent(ctx, spec.Name); err != nil {
			outcome.Action = DeployFailed
			outcome.Message = err.Error()
			return outcome
		}
	}
	outcome.Action = DeployUpdated
	return outcome
}
