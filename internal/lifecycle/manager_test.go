package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinity/trinity/internal/activity"
	"github.com/trinity/trinity/internal/agent"
	"github.com/trinity/trinity/internal/agentclient"
	"github.com/trinity/trinity/internal/common/config"
	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/credentials"
	"github.com/trinity/trinity/internal/db"
	"github.com/trinity/trinity/internal/docker"
	"github.com/trinity/trinity/internal/events/bus"
	"github.com/trinity/trinity/internal/queue"
	"github.com/trinity/trinity/internal/session"
	"github.com/trinity/trinity/internal/template"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

type fakeEngine struct {
	mu      sync.Mutex
	nextID  int
	states  map[string]string // container id -> created/running/exited
	removed []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{states: map[string]string{}}
}

func (e *fakeEngine) ImageExists(context.Context, string) (bool, error) { return true, nil }
func (e *fakeEngine) PullImage(context.Context, string) error           { return nil }

func (e *fakeEngine) CreateContainer(_ context.Context, cfg docker.ContainerConfig) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := fmt.Sprintf("container-%d", e.nextID)
	e.states[id] = "created"
	return id, nil
}

func (e *fakeEngine) StartContainer(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.states[id]; !ok {
		return apperrors.NotFound("container %s not found", id)
	}
	e.states[id] = "running"
	return nil
}

func (e *fakeEngine) StopContainer(_ context.Context, id string, _ time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.states[id]; !ok {
		return apperrors.NotFound("container %s not found", id)
	}
	e.states[id] = "exited"
	return nil
}

func (e *fakeEngine) RemoveContainer(_ context.Context, id string, _ bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.states[id]; !ok {
		return apperrors.NotFound("container %s not found", id)
	}
	delete(e.states, id)
	e.removed = append(e.removed, id)
	return nil
}

func (e *fakeEngine) state(id string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.states[id]
}

type fakeAgentAPI struct {
	mu       sync.Mutex
	healthy  bool
	injected []string
	reload   *agentclient.ReloadResult
}

func (f *fakeAgentAPI) Health(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.healthy {
		return fmt.Errorf("not ready")
	}
	return nil
}

func (f *fakeAgentAPI) ChatStream(ctx context.Context, req *agentclient.ChatRequest, onFrame func(*agentclient.StreamFrame) error) (*agentclient.ChatResult, error) {
	return &agentclient.ChatResult{Text: "echo: " + req.Message}, nil
}

func (f *fakeAgentAPI) Abort(context.Context) error { return nil }

func (f *fakeAgentAPI) ReloadCredentials(context.Context) (*agentclient.ReloadResult, error) {
	if f.reload == nil {
		return &agentclient.ReloadResult{}, nil
	}
	return f.reload, nil
}

func (f *fakeAgentAPI) Inject(_ context.Context, prompt string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.injected = append(f.injected, prompt)
	return nil
}

type staticSecrets map[string]string

func (s staticSecrets) RevealAll(context.Context) (map[string]string, error) { return s, nil }

type fixture struct {
	manager     *Manager
	engine      *fakeEngine
	api         *fakeAgentAPI
	agents      *agent.Store
	templateDir string
	workRoot    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()

	pool, err := db.Open(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(root, "trinity.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	templateDir := filepath.Join(root, "templates")
	require.NoError(t, os.MkdirAll(filepath.Join(templateDir, "echo"), 0o755))
	writeTemplate(t, templateDir, "v1 body")

	local := template.NewLocalRegistry(templateDir)
	resolver := template.NewService(local, nil, log)

	agents, err := agent.NewStore(pool, 2222, 8000)
	require.NoError(t, err)
	sessions, err := session.NewStore(pool)
	require.NoError(t, err)
	execs, err := queue.NewExecStore(pool)
	require.NoError(t, err)
	actStore, err := activity.NewStore(pool)
	require.NoError(t, err)

	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)
	act := activity.NewService(actStore, memBus, log)

	renderer := credentials.NewRenderer(staticSecrets{"API_KEY": "sk-test"}, log)
	engine := newFakeEngine()
	api := &fakeAgentAPI{healthy: true}

	workRoot := filepath.Join(root, "workspaces")
	m := NewManager(agents, engine, resolver, renderer, act, sessions, execs,
		func(int) AgentAPI { return api },
		config.AgentConfig{
			InternalPort:    4096,
			HealthTimeout:   2,
			DefaultCPU:      1,
			DefaultMemoryMB: 1024,
		},
		config.DockerConfig{BaseImage: "trinity-agent:latest", WorkspaceRoot: workRoot},
		log)

	return &fixture{
		manager:     m,
		engine:      engine,
		api:         api,
		agents:      agents,
		templateDir: templateDir,
		workRoot:    workRoot,
	}
}

func writeTemplate(t *testing.T, dir, body string) {
	t.Helper()
	manifest := `name: echo
credentials:
  - name: API_KEY
    scope: env
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "echo", "manifest.yaml"), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "echo", "main.txt"), []byte(body), 0o644))
}

func TestCreateAgentStopped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.manager.CreateAgent(ctx, &v1.CreateAgentRequest{
		Name: "echo-1", TemplateRef: "echo", MetaPrompt: "be brief",
	}, "u1")
	require.NoError(t, err)

	assert.Equal(t, v1.AgentStateStopped, a.State)
	assert.NotEmpty(t, a.Revision)
	require.NotNil(t, a.ContainerID)
	assert.Equal(t, "created", f.engine.state(*a.ContainerID))

	// Workspace was rendered, including the credential env file.
	env, err := os.ReadFile(filepath.Join(f.workRoot, "echo-1", ".env"))
	require.NoError(t, err)
	assert.Contains(t, string(env), "API_KEY=sk-test")
}

func TestCreateAgentAutoStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.manager.CreateAgent(ctx, &v1.CreateAgentRequest{
		Name: "echo-1", TemplateRef: "echo", MetaPrompt: "be brief", AutoStart: true,
	}, "u1")
	require.NoError(t, err)

	assert.Equal(t, v1.AgentStateRunning, a.State)
	assert.Equal(t, "running", f.engine.state(*a.ContainerID))
	assert.Equal(t, []string{"be brief"}, f.api.injected)
}

func TestStartFailureGoesToError(t *testing.T) {
	f := newFixture(t)
	f.api.healthy = false
	ctx := context.Background()

	a, err := f.manager.CreateAgent(ctx, &v1.CreateAgentRequest{
		Name: "echo-1", TemplateRef: "echo",
	}, "u1")
	require.NoError(t, err)

	err = f.manager.StartAgent(ctx, "echo-1")
	require.Error(t, err)

	got, err := f.agents.GetByName(ctx, "echo-1")
	require.NoError(t, err)
	assert.Equal(t, v1.AgentStateError, got.State)
	require.NotNil(t, got.LastStartErr)
	assert.NotEmpty(t, *got.LastStartErr)
	// The container was stopped again after the failed health gate.
	assert.Equal(t, "exited", f.engine.state(*a.ContainerID))

	// An agent in error can be started again once the cause is fixed.
	f.api.mu.Lock()
	f.api.healthy = true
	f.api.mu.Unlock()
	require.NoError(t, f.manager.StartAgent(ctx, "echo-1"))

	got, err = f.agents.GetByName(ctx, "echo-1")
	require.NoError(t, err)
	assert.Equal(t, v1.AgentStateRunning, got.State)
	assert.Nil(t, got.LastStartErr)
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.CreateAgent(ctx, &v1.CreateAgentRequest{
		Name: "echo-1", TemplateRef: "echo", AutoStart: true,
	}, "u1")
	require.NoError(t, err)

	require.NoError(t, f.manager.StopAgent(ctx, "echo-1"))
	require.NoError(t, f.manager.StopAgent(ctx, "echo-1"))

	got, err := f.agents.GetByName(ctx, "echo-1")
	require.NoError(t, err)
	assert.Equal(t, v1.AgentStateStopped, got.State)
}

func TestDeleteAgentCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.manager.CreateAgent(ctx, &v1.CreateAgentRequest{
		Name: "echo-1", TemplateRef: "echo",
	}, "u1")
	require.NoError(t, err)
	containerID := *a.ContainerID

	require.NoError(t, f.manager.DeleteAgent(ctx, "echo-1"))

	_, err = f.agents.GetByName(ctx, "echo-1")
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))
	assert.Contains(t, f.engine.removed, containerID)
	_, err = os.Stat(filepath.Join(f.workRoot, "echo-1"))
	assert.True(t, os.IsNotExist(err))
}

func TestDeleteAgentRequiresStopped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.CreateAgent(ctx, &v1.CreateAgentRequest{
		Name: "echo-1", TemplateRef: "echo", AutoStart: true,
	}, "u1")
	require.NoError(t, err)

	err = f.manager.DeleteAgent(ctx, "echo-1")
	assert.True(t, apperrors.Is(err, apperrors.CodeConflict))

	// Stopping first clears the way.
	require.NoError(t, f.manager.StopAgent(ctx, "echo-1"))
	require.NoError(t, f.manager.DeleteAgent(ctx, "echo-1"))
}

func TestCreateAgentSeedsSiblingGrants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.CreateAgent(ctx, &v1.CreateAgentRequest{
		Name: "echo-1", TemplateRef: "echo",
	}, "u1")
	require.NoError(t, err)
	_, err = f.manager.CreateAgent(ctx, &v1.CreateAgentRequest{
		Name: "echo-2", TemplateRef: "echo",
	}, "u1")
	require.NoError(t, err)
	_, err = f.manager.CreateAgent(ctx, &v1.CreateAgentRequest{
		Name: "echo-3", TemplateRef: "echo",
	}, "u2")
	require.NoError(t, err)

	// Same owner: granted both ways at creation time.
	has, err := f.agents.HasInvocation(ctx, "echo-2", "echo-1")
	require.NoError(t, err)
	assert.True(t, has)
	has, err = f.agents.HasInvocation(ctx, "echo-1", "echo-2")
	require.NoError(t, err)
	assert.True(t, has)

	// Different owner: nothing seeded.
	has, err = f.agents.HasInvocation(ctx, "echo-3", "echo-1")
	require.NoError(t, err)
	assert.False(t, has)

	// The rows are ordinary grants, so the owner can revoke one.
	require.NoError(t, f.agents.RevokeInvocation(ctx, "echo-2", "echo-1"))
	has, err = f.agents.HasInvocation(ctx, "echo-2", "echo-1")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestRecreatePicksUpNewRevision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.manager.CreateAgent(ctx, &v1.CreateAgentRequest{
		Name: "echo-1", TemplateRef: "echo",
	}, "u1")
	require.NoError(t, err)
	oldRevision := a.Revision
	oldContainer := *a.ContainerID

	writeTemplate(t, f.templateDir, "v2 body")

	got, err := f.manager.RecreateContainer(ctx, "echo-1")
	require.NoError(t, err)
	assert.NotEqual(t, oldRevision, got.Revision)
	assert.NotEqual(t, oldContainer, *got.ContainerID)
	assert.Equal(t, v1.AgentStateStopped, got.State)
	// Ports survive the recreate.
	assert.Equal(t, a.Ports, got.Ports)
}

func TestRecreateRequiresStopped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.CreateAgent(ctx, &v1.CreateAgentRequest{
		Name: "echo-1", TemplateRef: "echo", AutoStart: true,
	}, "u1")
	require.NoError(t, err)

	_, err = f.manager.RecreateContainer(ctx, "echo-1")
	assert.True(t, apperrors.Is(err, apperrors.CodeConflict))
}

func TestReloadCredentialsStoppedAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.CreateAgent(ctx, &v1.CreateAgentRequest{
		Name: "echo-1", TemplateRef: "echo",
	}, "u1")
	require.NoError(t, err)

	result, err := f.manager.ReloadCredentials(ctx, "echo-1")
	require.NoError(t, err)
	assert.True(t, result.RestartRequired)
}

func TestReloadCredentialsRunningAgent(t *testing.T) {
	f := newFixture(t)
	f.api.reload = &agentclient.ReloadResult{Changed: []string{"API_KEY"}}
	ctx := context.Background()

	_, err := f.manager.CreateAgent(ctx, &v1.CreateAgentRequest{
		Name: "echo-1", TemplateRef: "echo", AutoStart: true,
	}, "u1")
	require.NoError(t, err)

	result, err := f.manager.ReloadCredentials(ctx, "echo-1")
	require.NoError(t, err)
	assert.False(t, result.RestartRequired)
	assert.Equal(t, []string{"API_KEY"}, result.Changed)
}

func TestDeploySystem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	manifest := &v1.SystemManifest{
		Name: "demo",
		Agents: []v1.SystemAgentSpec{
			{Name: "echo-1", TemplateRef: "echo"},
		},
	}

	result, err := f.manager.DeploySystem(ctx, manifest, "u1")
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.Equal(t, DeployCreated, result.Results[0].Action)

	// A second deploy with nothing changed is a no-op.
	result, err = f.manager.DeploySystem(ctx, manifest, "u1")
	require.NoError(t, err)
	assert.Equal(t, DeployUnchanged, result.Results[0].Action)

	// A template change makes the next deploy an update.
	writeTemplate(t, f.templateDir, "v2 body")
	result, err = f.manager.DeploySystem(ctx, manifest, "u1")
	require.NoError(t, err)
	assert.Equal(t, DeployUpdated, result.Results[0].Action)
}
