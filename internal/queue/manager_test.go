package queue

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinity/trinity/internal/activity"
	"github.com/trinity/trinity/internal/common/config"
	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/db"
	"github.com/trinity/trinity/internal/events/bus"
	"github.com/trinity/trinity/internal/session"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// fakeRunner simulates the agent runtime with a controllable per-run delay.
type fakeRunner struct {
	mu         sync.Mutex
	state      v1.AgentState
	delay      time.Duration
	ran        []string
	concurrent int32
	maxSeen    int32
	aborted    int32
	block      chan struct{} // when set, Run blocks until closed or ctx done
}

func (r *fakeRunner) Run(ctx context.Context, exec *v1.Execution) (*RunResult, error) {
	cur := atomic.AddInt32(&r.concurrent, 1)
	defer atomic.AddInt32(&r.concurrent, -1)
	for {
		prev := atomic.LoadInt32(&r.maxSeen)
		if cur <= prev || atomic.CompareAndSwapInt32(&r.maxSeen, prev, cur) {
			break
		}
	}

	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	r.ran = append(r.ran, exec.Message)
	r.mu.Unlock()
	return &RunResult{
		Text:    "echo: " + exec.Message,
		Usage:   &v1.TokenUsage{InputTokens: 10, OutputTokens: 5},
		CostUSD: 0.001,
	}, nil
}

func (r *fakeRunner) State(context.Context, string) (v1.AgentState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, nil
}

func (r *fakeRunner) Abort(context.Context, string) error {
	atomic.AddInt32(&r.aborted, 1)
	return nil
}

func newTestManager(t *testing.T, runner *fakeRunner, cfg config.QueueConfig) (*Manager, *ExecStore) {
	t.Helper()
	pool, err := db.Open(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "trinity.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	execs, err := NewExecStore(pool)
	require.NoError(t, err)
	sessions, err := session.NewStore(pool)
	require.NoError(t, err)
	actStore, err := activity.NewStore(pool)
	require.NoError(t, err)

	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)
	act := activity.NewService(actStore, memBus, log)

	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = 32
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 30
	}
	m := NewManager(execs, sessions, act, runner, cfg, log)
	t.Cleanup(m.Close)
	return m, execs
}

func waitStatus(t *testing.T, store *ExecStore, id string, want v1.ExecutionStatus) *v1.Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := store.Get(context.Background(), id)
		require.NoError(t, err)
		if exec.Status == want {
			return exec
		}
		if exec.Status.Terminal() {
			t.Fatalf("execution %s ended %s, want %s", id, exec.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("execution %s never reached %s", id, want)
	return nil
}

func TestEnqueueRunsFIFO(t *testing.T) {
	runner := &fakeRunner{state: v1.AgentStateRunning, delay: 5 * time.Millisecond}
	m, store := newTestManager(t, runner, config.QueueConfig{})
	ctx := context.Background()

	var ids []string
	for _, msg := range []string{"one", "two", "three"} {
		exec, err := m.Enqueue(ctx, "echo-1", &v1.EnqueueRequest{Message: msg}, "user:u1", v1.OriginManual)
		require.NoError(t, err)
		ids = append(ids, exec.ID)
	}

	last := waitStatus(t, store, ids[2], v1.ExecutionStatusSucceeded)
	require.NotNil(t, last.Result)
	assert.Equal(t, "echo: three", *last.Result)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, []string{"one", "two", "three"}, runner.ran)
	assert.Equal(t, int32(1), runner.maxSeen, "more than one in flight")
}

func TestEnqueueSeparateAgentsRunConcurrently(t *testing.T) {
	runner := &fakeRunner{state: v1.AgentStateRunning, delay: 50 * time.Millisecond}
	m, store := newTestManager(t, runner, config.QueueConfig{})
	ctx := context.Background()

	a, err := m.Enqueue(ctx, "echo-1", &v1.EnqueueRequest{Message: "a"}, "user:u1", v1.OriginManual)
	require.NoError(t, err)
	b, err := m.Enqueue(ctx, "echo-2", &v1.EnqueueRequest{Message: "b"}, "user:u1", v1.OriginManual)
	require.NoError(t, err)

	waitStatus(t, store, a.ID, v1.ExecutionStatusSucceeded)
	waitStatus(t, store, b.ID, v1.ExecutionStatusSucceeded)
	assert.Equal(t, int32(2), atomic.LoadInt32(&runner.maxSeen))
}

func TestEnqueueRejectsWhenNotRunning(t *testing.T) {
	runner := &fakeRunner{state: v1.AgentStateStopped}
	m, _ := newTestManager(t, runner, config.QueueConfig{})

	_, err := m.Enqueue(context.Background(), "echo-1", &v1.EnqueueRequest{Message: "hi"}, "user:u1", v1.OriginManual)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeQueueNotReady))
}

func TestEnqueueWaitForStart(t *testing.T) {
	runner := &fakeRunner{state: v1.AgentStateStarting}
	m, store := newTestManager(t, runner, config.QueueConfig{StartupWait: 10})

	exec, err := m.Enqueue(context.Background(), "echo-1",
		&v1.EnqueueRequest{Message: "hi", WaitForStart: true}, "user:u1", v1.OriginManual)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	runner.mu.Lock()
	runner.state = v1.AgentStateRunning
	runner.mu.Unlock()

	waitStatus(t, store, exec.ID, v1.ExecutionStatusSucceeded)
}

func TestEnqueueDepthCap(t *testing.T) {
	runner := &fakeRunner{state: v1.AgentStateRunning, block: make(chan struct{})}
	m, _ := newTestManager(t, runner, config.QueueConfig{MaxDepth: 2})
	ctx := context.Background()

	// First occupies the worker; it may leave the pending list at any
	// moment, so fill the queue until the cap trips.
	var lastErr error
	for i := 0; i < 5; i++ {
		_, lastErr = m.Enqueue(ctx, "echo-1", &v1.EnqueueRequest{Message: "m"}, "user:u1", v1.OriginManual)
		if lastErr != nil {
			break
		}
	}
	require.Error(t, lastErr)
	assert.True(t, apperrors.Is(lastErr, apperrors.CodeQueueNotReady))
	close(runner.block)
}

func TestExecutionTimeout(t *testing.T) {
	runner := &fakeRunner{state: v1.AgentStateRunning, block: make(chan struct{})}
	m, store := newTestManager(t, runner, config.QueueConfig{DefaultTimeout: 1})
	defer close(runner.block)

	exec, err := m.Enqueue(context.Background(), "echo-1",
		&v1.EnqueueRequest{Message: "hang"}, "user:u1", v1.OriginManual)
	require.NoError(t, err)

	got := waitStatus(t, store, exec.ID, v1.ExecutionStatusTimedOut)
	require.NotNil(t, got.Error)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&runner.aborted), int32(1))
}

func TestTimeoutClamp(t *testing.T) {
	runner := &fakeRunner{state: v1.AgentStateRunning}
	m, _ := newTestManager(t, runner, config.QueueConfig{DefaultTimeout: 30, MaxTimeout: 60})

	assert.Equal(t, 30*time.Second, m.clampTimeout(0))
	assert.Equal(t, 45*time.Second, m.clampTimeout(45))
	assert.Equal(t, 60*time.Second, m.clampTimeout(3600))
}

func TestClearCancelsPendingOnly(t *testing.T) {
	runner := &fakeRunner{state: v1.AgentStateRunning, block: make(chan struct{})}
	m, store := newTestManager(t, runner, config.QueueConfig{})
	ctx := context.Background()

	first, err := m.Enqueue(ctx, "echo-1", &v1.EnqueueRequest{Message: "running"}, "user:u1", v1.OriginManual)
	require.NoError(t, err)
	waitStatus(t, store, first.ID, v1.ExecutionStatusRunning)

	second, err := m.Enqueue(ctx, "echo-1", &v1.EnqueueRequest{Message: "queued"}, "user:u1", v1.OriginManual)
	require.NoError(t, err)

	n := m.Clear(ctx, "echo-1")
	assert.Equal(t, 1, n)
	waitStatus(t, store, second.ID, v1.ExecutionStatusCancelled)

	// The in-flight item survives the clear and completes.
	close(runner.block)
	waitStatus(t, store, first.ID, v1.ExecutionStatusSucceeded)
}

func TestForceReleaseCancelsInFlight(t *testing.T) {
	runner := &fakeRunner{state: v1.AgentStateRunning, block: make(chan struct{})}
	m, store := newTestManager(t, runner, config.QueueConfig{})
	defer close(runner.block)
	ctx := context.Background()

	exec, err := m.Enqueue(ctx, "echo-1", &v1.EnqueueRequest{Message: "hang"}, "user:u1", v1.OriginManual)
	require.NoError(t, err)
	waitStatus(t, store, exec.ID, v1.ExecutionStatusRunning)

	require.NoError(t, m.ForceRelease(ctx, "echo-1"))
	waitStatus(t, store, exec.ID, v1.ExecutionStatusCancelled)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&runner.aborted), int32(1))

	// Nothing in flight anymore: releasing again is a no-op.
	assert.NoError(t, m.ForceRelease(ctx, "echo-1"))
}

func TestForceReleaseIdleAgentIsNoOp(t *testing.T) {
	runner := &fakeRunner{state: v1.AgentStateRunning}
	m, _ := newTestManager(t, runner, config.QueueConfig{})

	// No queue has ever been created for this agent.
	assert.NoError(t, m.ForceRelease(context.Background(), "echo-1"))
}

func TestStatusReflectsQueue(t *testing.T) {
	runner := &fakeRunner{state: v1.AgentStateRunning, block: make(chan struct{})}
	m, store := newTestManager(t, runner, config.QueueConfig{})
	defer close(runner.block)
	ctx := context.Background()

	assert.Zero(t, m.Status("echo-1").Depth)

	first, err := m.Enqueue(ctx, "echo-1", &v1.EnqueueRequest{Message: "a"}, "user:u1", v1.OriginManual)
	require.NoError(t, err)
	waitStatus(t, store, first.ID, v1.ExecutionStatusRunning)
	_, err = m.Enqueue(ctx, "echo-1", &v1.EnqueueRequest{Message: "b"}, "user:u1", v1.OriginManual)
	require.NoError(t, err)

	status := m.Status("echo-1")
	assert.Equal(t, 1, status.Depth)
	require.NotNil(t, status.InFlight)
	assert.Equal(t, first.ID, status.InFlight.ID)
}

func TestRecoverInterrupted(t *testing.T) {
	runner := &fakeRunner{state: v1.AgentStateRunning}
	_, store := newTestManager(t, runner, config.QueueConfig{})
	ctx := context.Background()

	exec := &v1.Execution{AgentName: "echo-1", Message: "orphan"}
	require.NoError(t, store.Create(ctx, exec))

	n, err := store.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := store.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionStatusFailed, got.Status)
}
