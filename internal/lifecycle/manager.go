// Package lifecycle drives agents through their container lifecycle:
// create from template, start with health gating, stop, recreate, delete.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trinity/trinity/internal/activity"
	"github.com/trinity/trinity/internal/agent"
	"github.com/trinity/trinity/internal/agentclient"
	"github.com/trinity/trinity/internal/common/config"
	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/credentials"
	"github.com/trinity/trinity/internal/docker"
	"github.com/trinity/trinity/internal/events"
	"github.com/trinity/trinity/internal/queue"
	"github.com/trinity/trinity/internal/session"
	"github.com/trinity/trinity/internal/template"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// Engine is the slice of the container engine the lifecycle manager uses.
// *docker.Client implements it.
type Engine interface {
	ImageExists(ctx context.Context, image string) (bool, error)
	PullImage(ctx context.Context, image string) error
	CreateContainer(ctx context.Context, cfg docker.ContainerConfig) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
}

// AgentAPI is the slice of the agent-local HTTP server the manager uses.
// *agentclient.Client implements it.
type AgentAPI interface {
	Health(ctx context.Context) error
	ChatStream(ctx context.Context, req *agentclient.ChatRequest, onFrame func(*agentclient.StreamFrame) error) (*agentclient.ChatResult, error)
	Abort(ctx context.Context) error
	ReloadCredentials(ctx context.Context) (*agentclient.ReloadResult, error)
	Inject(ctx context.Context, metaPrompt string) error
}

// TemplateResolver fetches templates by reference.
type TemplateResolver interface {
	Resolve(ctx context.Context, ref, revision string) (*template.Resolved, error)
}

// QueueControl is what the manager needs from the execution queue when an
// agent goes away.
type QueueControl interface {
	Clear(ctx context.Context, agent string) int
	ForceRelease(ctx context.Context, agent string) error
}

// ScheduleCleanup removes an agent's schedules when the agent is deleted.
type ScheduleCleanup interface {
	DeleteForAgent(ctx context.Context, agent string) error
}

// ClientFactory builds an AgentAPI for an agent's mapped HTTP port.
type ClientFactory func(httpPort int) AgentAPI

// Manager owns agent lifecycle transitions. All mutating operations take a
// per-agent lock so concurrent starts or deletes cannot interleave.
type Manager struct {
	agents   *agent.Store
	engine   Engine
	resolver TemplateResolver
	renderer *credentials.Renderer
	activity *activity.Service
	sessions *session.Store
	execs    *queue.ExecStore
	clients  ClientFactory
	cfg      config.AgentConfig
	dockerC  config.DockerConfig
	logger   *logger.Logger

	queue     QueueControl
	schedules ScheduleCleanup
	locks     sync.Map // agent name -> *sync.Mutex
}

// NewManager wires the lifecycle manager. The queue is attached afterwards
// with SetQueue because the queue itself depends on the manager as runner.
func NewManager(
	agents *agent.Store,
	engine Engine,
	resolver TemplateResolver,
	renderer *credentials.Renderer,
	act *activity.Service,
	sessions *session.Store,
	execs *queue.ExecStore,
	clients ClientFactory,
	agentCfg config.AgentConfig,
	dockerCfg config.DockerConfig,
	log *logger.Logger,
) *Manager {
	return &Manager{
		agents:   agents,
		engine:   engine,
		resolver: resolver,
		renderer: renderer,
		activity: act,
		sessions: sessions,
		execs:    execs,
		clients:  clients,
		cfg:      agentCfg,
		dockerC:  dockerCfg,
		logger:   log.WithFields(zap.String("component", "lifecycle")),
	}
}

// SetQueue attaches the execution queue once it exists.
func (m *Manager) SetQueue(q QueueControl) { m.queue = q }

// SetScheduleCleanup attaches the schedule store so deleting an agent also
// drops its schedules.
func (m *Manager) SetScheduleCleanup(s ScheduleCleanup) { m.schedules = s }

func (m *Manager) lock(name string) func() {
	mu, _ := m.locks.LoadOrStore(name, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	return mu.(*sync.Mutex).Unlock
}

func (m *Manager) workspace(name string) string {
	return filepath.Join(m.dockerC.WorkspaceRoot, name)
}

// CreateAgent deploys a new agent from a template. The container is created
// but not started unless the request asks for auto-start.
func (m *Manager) CreateAgent(ctx context.Context, req *v1.CreateAgentRequest, ownerID string) (*v1.Agent, error) {
	a, err := m.createStopped(ctx, req, ownerID)
	if err != nil {
		return nil, err
	}
	if req.AutoStart {
		if err := m.StartAgent(ctx, a.Name); err != nil {
			return a, err
		}
	}
	return m.agents.GetByName(ctx, a.Name)
}

func (m *Manager) createStopped(ctx context.Context, req *v1.CreateAgentRequest, ownerID string) (*v1.Agent, error) {
	if err := agent.ValidateName(req.Name); err != nil {
		return nil, err
	}
	defer m.lock(req.Name)()

	resolved, err := m.resolver.Resolve(ctx, req.TemplateRef, req.Revision)
	if err != nil {
		return nil, err
	}

	a := &v1.Agent{
		Name:        req.Name,
		OwnerID:     ownerID,
		TemplateRef: req.TemplateRef,
		Revision:    resolved.Revision,
		State:       v1.AgentStateCreating,
		MetaPrompt:  req.MetaPrompt,
		Resources:   m.pickResources(req.Resources, resolved.Manifest.Resources),
	}
	if err := m.agents.Create(ctx, a); err != nil {
		return nil, err
	}

	if err := m.provision(ctx, a, resolved, req.Env); err != nil {
		_ = m.agents.UpdateState(ctx, a.Name, v1.AgentStateError, err.Error())
		m.activity.Record(ctx, a.Name, events.KindError, map[string]any{
			"event": events.LifecycleStartFailed,
			"error": err.Error(),
			"phase": "create",
		})
		return nil, err
	}

	if err := m.agents.UpdateState(ctx, a.Name, v1.AgentStateStopped, ""); err != nil {
		return nil, err
	}
	a.State = v1.AgentStateStopped
	m.grantSiblings(ctx, a)
	m.activity.Record(ctx, a.Name, events.KindLifecycle, map[string]any{
		"event":    events.LifecycleCreated,
		"template": a.TemplateRef,
		"revision": a.Revision,
	})
	return a, nil
}

// grantSiblings seeds invocation permissions between the new agent and its
// owner's existing agents, in both directions. The grants are ordinary rows,
// so the owner can revoke them later.
func (m *Manager) grantSiblings(ctx context.Context, a *v1.Agent) {
	all, err := m.agents.List(ctx)
	if err != nil {
		m.logger.Warn("sibling grant listing failed", zap.String("agent", a.Name), zap.Error(err))
		return
	}
	for _, peer := range all {
		if peer.Name == a.Name || peer.OwnerID != a.OwnerID {
			continue
		}
		if err := m.agents.GrantInvocation(ctx, a.Name, peer.Name, "system:auto"); err != nil {
			m.logger.Warn("sibling grant failed", zap.String("caller", a.Name), zap.String("target", peer.Name), zap.Error(err))
		}
		if err := m.agents.GrantInvocation(ctx, peer.Name, a.Name, "system:auto"); err != nil {
			m.logger.Warn("sibling grant failed", zap.String("caller", peer.Name), zap.String("target", a.Name), zap.Error(err))
		}
	}
}

// provision renders the workspace and creates the container.
func (m *Manager) provision(ctx context.Context, a *v1.Agent, resolved *template.Resolved, extraEnv map[string]string) error {
	workspace := m.workspace(a.Name)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	if _, err := m.renderer.Render(ctx, workspace, resolved.Dir, resolved.Manifest); err != nil {
		return err
	}

	image := m.dockerC.BaseImage
	exists, err := m.engine.ImageExists(ctx, image)
	if err != nil {
		return err
	}
	if !exists {
		if err := m.engine.PullImage(ctx, image); err != nil {
			return err
		}
	}

	env := []string{
		"TRINITY_AGENT_NAME=" + a.Name,
		fmt.Sprintf("TRINITY_AGENT_PORT=%d", m.cfg.InternalPort),
	}
	for k, v := range extraEnv {
		env = append(env, k+"="+v)
	}

	mounts := []docker.MountConfig{{Source: workspace, Target: "/workspace"}}
	consumed, err := m.consumedFolders(ctx, resolved.Manifest)
	if err != nil {
		return err
	}
	mounts = append(mounts, consumed...)

	containerID, err := m.engine.CreateContainer(ctx, docker.ContainerConfig{
		Name:         "trinity-" + a.Name,
		Image:        image,
		Env:          env,
		WorkingDir:   "/workspace",
		Mounts:       mounts,
		NetworkMode:  m.dockerC.DefaultNetwork,
		Labels:       map[string]string{docker.LabelAgent: a.Name},
		Resources:    a.Resources,
		SSHHostPort:  a.Ports.SSH,
		HTTPHostPort: a.Ports.HTTP,
		InternalPort: m.cfg.InternalPort,
	})
	if err != nil {
		return err
	}
	return m.agents.SetContainerID(ctx, a.Name, containerID)
}

// consumedFolders maps folders exposed by producer agents into this agent
// read-only under /shared/<producer>.
func (m *Manager) consumedFolders(ctx context.Context, manifest *v1.Manifest) ([]docker.MountConfig, error) {
	if manifest.SharedFolders == nil {
		return nil, nil
	}
	var mounts []docker.MountConfig
	for _, producer := range manifest.SharedFolders.Consume {
		folders, err := m.agents.ListSharedFolders(ctx, producer)
		if err != nil {
			return nil, err
		}
		for _, f := range folders {
			mounts = append(mounts, docker.MountConfig{
				Source:   filepath.Join(m.workspace(producer), f.Path),
				Target:   filepath.Join("/shared", producer, f.Path),
				ReadOnly: true,
			})
		}
	}
	return mounts, nil
}

func (m *Manager) pickResources(requested, templated *v1.ResourceLimits) v1.ResourceLimits {
	switch {
	case requested != nil:
		return *requested
	case templated != nil:
		return *templated
	default:
		return v1.ResourceLimits{CPUs: m.cfg.DefaultCPU, MemoryMB: m.cfg.DefaultMemoryMB}
	}
}

// StartAgent starts the container and gates on the agent's health endpoint
// before declaring it running. The meta-prompt is delivered after the first
// healthy response.
func (m *Manager) StartAgent(ctx context.Context, name string) error {
	defer m.lock(name)()

	a, err := m.agents.GetByName(ctx, name)
	if err != nil {
		return err
	}
	if a.State == v1.AgentStateRunning {
		return nil
	}
	if err := agent.Transition(a.State, v1.AgentStateStarting); err != nil {
		return err
	}
	if a.ContainerID == nil {
		return apperrors.Conflict("agent %s has no container; recreate it", name)
	}
	if err := m.agents.UpdateState(ctx, name, v1.AgentStateStarting, ""); err != nil {
		return err
	}
	m.activity.Record(ctx, name, events.KindLifecycle, map[string]any{
		"event": events.LifecycleStarting,
	})

	if err := m.engine.StartContainer(ctx, *a.ContainerID); err != nil {
		return m.startFailed(ctx, name, err)
	}

	client := m.clients(a.Ports.HTTP)
	if err := m.awaitHealthy(ctx, client); err != nil {
		_ = m.engine.StopContainer(ctx, *a.ContainerID, 5*time.Second)
		return m.startFailed(ctx, name, err)
	}

	if a.MetaPrompt != "" {
		if err := client.Inject(ctx, a.MetaPrompt); err != nil {
			m.logger.Warn("meta-prompt injection failed",
				zap.String("agent", name), zap.Error(err))
		}
	}

	if err := m.agents.UpdateState(ctx, name, v1.AgentStateRunning, ""); err != nil {
		return err
	}
	_ = m.agents.SetLastStartError(ctx, name, "")
	m.activity.Record(ctx, name, events.KindLifecycle, map[string]any{
		"event": events.LifecycleRunning,
	})
	return nil
}

func (m *Manager) startFailed(ctx context.Context, name string, cause error) error {
	_ = m.agents.UpdateState(ctx, name, v1.AgentStateError, cause.Error())
	_ = m.agents.SetLastStartError(ctx, name, cause.Error())
	m.activity.Record(ctx, name, events.KindError, map[string]any{
		"event": events.LifecycleStartFailed,
		"error": cause.Error(),
	})
	return cause
}

func (m *Manager) awaitHealthy(ctx context.Context, client AgentAPI) error {
	budget := m.cfg.HealthTimeoutDuration()
	deadline := time.Now().Add(budget)
	var lastErr error
	for time.Now().Before(deadline) {
		err := client.Health(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return apperrors.Timeout("agent did not become healthy within %s", budget).
		WithHint(fmt.Sprintf("last health error: %v", lastErr))
}

// StopAgent stops the container. Stopping an already stopped agent is a
// no-op.
func (m *Manager) StopAgent(ctx context.Context, name string) error {
	defer m.lock(name)()

	a, err := m.agents.GetByName(ctx, name)
	if err != nil {
		return err
	}
	if a.State == v1.AgentStateStopped {
		return nil
	}
	if err := agent.Transition(a.State, v1.AgentStateStopping); err != nil {
		// error state goes straight to stopped; there is nothing running.
		if a.State == v1.AgentStateError {
			return m.agents.UpdateState(ctx, name, v1.AgentStateStopped, "")
		}
		return err
	}
	if err := m.agents.UpdateState(ctx, name, v1.AgentStateStopping, ""); err != nil {
		return err
	}
	m.activity.Record(ctx, name, events.KindLifecycle, map[string]any{
		"event": events.LifecycleStopping,
	})

	if a.ContainerID != nil {
		if err := m.engine.StopContainer(ctx, *a.ContainerID, 10*time.Second); err != nil {
			m.logger.Warn("container stop failed", zap.String("agent", name), zap.Error(err))
		}
	}
	if err := m.agents.UpdateState(ctx, name, v1.AgentStateStopped, ""); err != nil {
		return err
	}
	m.activity.Record(ctx, name, events.KindLifecycle, map[string]any{
		"event": events.LifecycleStopped,
	})
	return nil
}

// DeleteAgent tears the agent down completely: queue, container, workspace,
// and every row that references it.
func (m *Manager) DeleteAgent(ctx context.Context, name string) error {
	defer m.lock(name)()

	a, err := m.agents.GetByName(ctx, name)
	if err != nil {
		return err
	}
	if a.State != v1.AgentStateStopped && a.State != v1.AgentStateError {
		return apperrors.Conflict("agent %s is %s, stop it before deleting", name, a.State)
	}

	if m.queue != nil {
		_ = m.queue.ForceRelease(ctx, name)
		m.queue.Clear(ctx, name)
	}

	if a.ContainerID != nil {
		if err := m.engine.RemoveContainer(ctx, *a.ContainerID, true); err != nil {
			if !apperrors.Is(err, apperrors.CodeNotFound) {
				return err
			}
		}
	}
	if err := os.RemoveAll(m.workspace(name)); err != nil {
		m.logger.Warn("workspace removal failed", zap.String("agent", name), zap.Error(err))
	}

	if err := m.agents.Delete(ctx, name); err != nil {
		return err
	}
	if err := m.activityStoreCleanup(ctx, name); err != nil {
		m.logger.Warn("history cleanup failed", zap.String("agent", name), zap.Error(err))
	}
	m.logger.Info("agent deleted", zap.String("agent", name))
	return nil
}

func (m *Manager) activityStoreCleanup(ctx context.Context, name string) error {
	if err := m.sessions.DeleteForAgent(ctx, name); err != nil {
		return err
	}
	if err := m.execs.DeleteForAgent(ctx, name); err != nil {
		return err
	}
	if m.schedules != nil {
		if err := m.schedules.DeleteForAgent(ctx, name); err != nil {
			return err
		}
	}
	return m.activity.Store().DeleteForAgent(ctx, name)
}

// RecreateContainer rebuilds the agent's container from its template,
// picking up a new template revision. The agent must be stopped and keeps
// its ports.
func (m *Manager) RecreateContainer(ctx context.Context, name string) (*v1.Agent, error) {
	defer m.lock(name)()

	a, err := m.agents.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if a.State != v1.AgentStateStopped && a.State != v1.AgentStateError {
		return nil, apperrors.Conflict("agent %s must be stopped to recreate, is %s", name, a.State)
	}

	resolved, err := m.resolver.Resolve(ctx, a.TemplateRef, "")
	if err != nil {
		return nil, err
	}

	if a.ContainerID != nil {
		if err := m.engine.RemoveContainer(ctx, *a.ContainerID, true); err != nil {
			if !apperrors.Is(err, apperrors.CodeNotFound) {
				return nil, err
			}
		}
		if err := m.agents.SetContainerID(ctx, name, ""); err != nil {
			return nil, err
		}
	}

	a.Revision = resolved.Revision
	if err := m.provision(ctx, a, resolved, nil); err != nil {
		_ = m.agents.UpdateState(ctx, name, v1.AgentStateError, err.Error())
		return nil, err
	}
	if err := m.agents.SetRevision(ctx, name, resolved.Revision); err != nil {
		return nil, err
	}
	if err := m.agents.UpdateState(ctx, name, v1.AgentStateStopped, ""); err != nil {
		return nil, err
	}
	m.activity.Record(ctx, name, events.KindLifecycle, map[string]any{
		"event":    events.LifecycleRecreated,
		"revision": resolved.Revision,
	})
	return m.agents.GetByName(ctx, name)
}

// ReloadCredentials re-renders the agent's workspace from its template and,
// when the agent is running, asks it to pick the changes up in place.
func (m *Manager) ReloadCredentials(ctx context.Context, name string) (*agentclient.ReloadResult, error) {
	defer m.lock(name)()

	a, err := m.agents.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	resolved, err := m.resolver.Resolve(ctx, a.TemplateRef, "")
	if err != nil {
		return nil, err
	}
	result, err := m.renderer.Render(ctx, m.workspace(name), resolved.Dir, resolved.Manifest)
	if err != nil {
		return nil, err
	}

	if a.State != v1.AgentStateRunning {
		return &agentclient.ReloadResult{RestartRequired: true, Changed: result.Changed}, nil
	}
	reload, err := m.clients(a.Ports.HTTP).ReloadCredentials(ctx)
	if err != nil {
		return nil, apperrors.EngineUnavailable(err, "agent %s did not accept the reload", name)
	}
	return reload, nil
}
