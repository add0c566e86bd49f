package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trinity/trinity/internal/activity"
	"github.com/trinity/trinity/internal/common/config"
	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/events"
	"github.com/trinity/trinity/internal/session"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// RunResult is what one dispatched message produced.
type RunResult struct {
	Text    string
	Usage   *v1.TokenUsage
	CostUSD float64
}

// Runner is the queue's view of the agent runtime. The lifecycle manager
// implements it.
type Runner interface {
	// Run sends one message to the agent and blocks until it completes or
	// ctx expires.
	Run(ctx context.Context, exec *v1.Execution) (*RunResult, error)
	// State reports the agent's current lifecycle state.
	State(ctx context.Context, agent string) (v1.AgentState, error)
	// Abort best-effort cancels whatever the agent is working on.
	Abort(ctx context.Context, agent string) error
}

type item struct {
	exec         *v1.Execution
	waitForStart bool
	timeout      time.Duration
	cancel       context.CancelFunc
	cancelled    bool
}

type agentQueue struct {
	mu       sync.Mutex
	pending  []*item
	inFlight *item
	wake     chan struct{}
}

func (q *agentQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Manager owns one FIFO queue and one worker goroutine per agent.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*agentQueue

	store    *ExecStore
	sessions *session.Store
	activity *activity.Service
	runner   Runner
	cfg      config.QueueConfig
	logger   *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates the queue manager. Call Close during shutdown to stop
// the workers.
func NewManager(store *ExecStore, sessions *session.Store, act *activity.Service, runner Runner, cfg config.QueueConfig, log *logger.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		queues:   make(map[string]*agentQueue),
		store:    store,
		sessions: sessions,
		activity: act,
		runner:   runner,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "queue")),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Close stops all workers and waits for in-flight executions to unwind.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) queueFor(agent string) *agentQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[agent]
	if !ok {
		q = &agentQueue{wake: make(chan struct{}, 1)}
		m.queues[agent] = q
		m.wg.Add(1)
		go m.worker(agent, q)
	}
	return q
}

// Enqueue validates and appends a message to the agent's queue. The agent
// must be running unless the request opts into waiting for startup.
func (m *Manager) Enqueue(ctx context.Context, agent string, req *v1.EnqueueRequest, caller, origin string) (*v1.Execution, error) {
	if req.Message == "" {
		return nil, apperrors.InvalidInput("message is required")
	}

	state, err := m.runner.State(ctx, agent)
	if err != nil {
		return nil, err
	}
	if state != v1.AgentStateRunning && !req.WaitForStart {
		return nil, apperrors.QueueNotReady("agent %s is %s", agent, state).
			WithHint("start the agent or set wait_for_start")
	}

	q := m.queueFor(agent)
	q.mu.Lock()
	if len(q.pending) >= m.cfg.MaxDepth {
		q.mu.Unlock()
		return nil, apperrors.QueueNotReady("queue for agent %s is full (%d pending)", agent, m.cfg.MaxDepth)
	}

	exec := &v1.Execution{
		AgentName: agent,
		Message:   req.Message,
		SessionID: req.SessionID,
		Caller:    caller,
		Origin:    origin,
	}
	if err := m.store.Create(ctx, exec); err != nil {
		q.mu.Unlock()
		return nil, err
	}
	q.pending = append(q.pending, &item{
		exec:         exec,
		waitForStart: req.WaitForStart,
		timeout:      m.clampTimeout(req.TimeoutSecs),
	})
	q.mu.Unlock()
	q.signal()

	m.activity.Record(ctx, agent, events.KindLifecycle, map[string]any{
		"event":        events.ExecutionQueued,
		"execution_id": exec.ID,
		"caller":       caller,
		"origin":       origin,
	})
	return exec, nil
}

func (m *Manager) clampTimeout(secs int) time.Duration {
	if secs <= 0 {
		secs = m.cfg.DefaultTimeout
	}
	if m.cfg.MaxTimeout > 0 && secs > m.cfg.MaxTimeout {
		secs = m.cfg.MaxTimeout
	}
	return time.Duration(secs) * time.Second
}

// Status reports queue depth, the in-flight execution, and pending items.
func (m *Manager) Status(agent string) *v1.QueueStatus {
	m.mu.Lock()
	q, ok := m.queues[agent]
	m.mu.Unlock()

	status := &v1.QueueStatus{AgentName: agent}
	if !ok {
		return status
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	status.Depth = len(q.pending)
	if q.inFlight != nil {
		status.InFlight = q.inFlight.exec
	}
	for _, it := range q.pending {
		status.Pending = append(status.Pending, it.exec)
	}
	return status
}

// Clear cancels every pending item without touching the in-flight one.
// Returns the number of cancelled executions.
func (m *Manager) Clear(ctx context.Context, agent string) int {
	m.mu.Lock()
	q, ok := m.queues[agent]
	m.mu.Unlock()
	if !ok {
		return 0
	}

	q.mu.Lock()
	dropped := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, it := range dropped {
		m.finish(ctx, it.exec, v1.ExecutionStatusCancelled, nil, strPtr("cleared from queue"), nil, 0)
	}
	if len(dropped) > 0 {
		m.activity.Record(ctx, agent, events.KindLifecycle, map[string]any{
			"event":   events.QueueCleared,
			"dropped": len(dropped),
		})
	}
	return len(dropped)
}

// ForceRelease cancels the in-flight execution, sending the agent a
// best-effort abort. Pending items stay queued. With nothing in flight
// it is a no-op, so operators can call it without checking first.
func (m *Manager) ForceRelease(ctx context.Context, agent string) error {
	m.mu.Lock()
	q, ok := m.queues[agent]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	q.mu.Lock()
	it := q.inFlight
	if it == nil {
		q.mu.Unlock()
		return nil
	}
	it.cancelled = true
	cancel := it.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := m.runner.Abort(ctx, agent); err != nil {
		m.logger.Warn("abort request failed", zap.String("agent", agent), zap.Error(err))
	}
	m.activity.Record(ctx, agent, events.KindLifecycle, map[string]any{
		"event":        events.QueueReleased,
		"execution_id": it.exec.ID,
	})
	return nil
}

// worker drains one agent's queue, one item at a time, in arrival order.
func (m *Manager) worker(agent string, q *agentQueue) {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-q.wake:
		}

		for {
			q.mu.Lock()
			if len(q.pending) == 0 {
				q.mu.Unlock()
				break
			}
			it := q.pending[0]
			q.pending = q.pending[1:]
			q.inFlight = it
			q.mu.Unlock()

			m.runOne(agent, q, it)

			q.mu.Lock()
			q.inFlight = nil
			q.mu.Unlock()
		}
	}
}

func (m *Manager) runOne(agent string, q *agentQueue, it *item) {
	exec := it.exec

	if it.waitForStart {
		if err := m.awaitRunning(agent); err != nil {
			m.finish(m.ctx, exec, v1.ExecutionStatusFailed, nil, strPtr(err.Error()), nil, 0)
			return
		}
	}

	runCtx, cancel := context.WithTimeout(m.ctx, it.timeout)
	q.mu.Lock()
	it.cancel = cancel
	alreadyCancelled := it.cancelled
	q.mu.Unlock()
	defer cancel()

	if alreadyCancelled {
		m.finish(m.ctx, exec, v1.ExecutionStatusCancelled, nil, strPtr("released before start"), nil, 0)
		return
	}

	if err := m.store.MarkStarted(m.ctx, exec.ID); err != nil {
		m.logger.Error("mark started failed", zap.String("execution", exec.ID), zap.Error(err))
	}
	if exec.SessionID != "" {
		if _, err := m.sessions.Touch(m.ctx, agent, exec.SessionID); err != nil {
			m.logger.Warn("session touch failed", zap.String("agent", agent), zap.Error(err))
		}
	}
	m.activity.Record(m.ctx, agent, events.KindMessageIn, map[string]any{
		"event":        events.ExecutionStarted,
		"execution_id": exec.ID,
		"session_id":   exec.SessionID,
	})

	result, err := m.runner.Run(runCtx, exec)
	switch {
	case err == nil:
		m.finish(m.ctx, exec, v1.ExecutionStatusSucceeded, strPtr(result.Text), nil, result.Usage, result.CostUSD)
		m.settleSession(agent, exec.SessionID, result, session.StatusIdle)

	case errors.Is(err, context.DeadlineExceeded) && runCtx.Err() != nil && m.ctx.Err() == nil:
		m.finish(m.ctx, exec, v1.ExecutionStatusTimedOut, nil,
			strPtr("execution exceeded its time budget"), nil, 0)
		_ = m.runner.Abort(m.ctx, agent)
		m.settleSession(agent, exec.SessionID, nil, session.StatusDegraded)

	case errors.Is(err, context.Canceled) || it.cancelled:
		m.finish(m.ctx, exec, v1.ExecutionStatusCancelled, nil, strPtr("cancelled"), nil, 0)
		m.settleSession(agent, exec.SessionID, nil, session.StatusIdle)

	default:
		m.finish(m.ctx, exec, v1.ExecutionStatusFailed, nil, strPtr(err.Error()), nil, 0)
		m.settleSession(agent, exec.SessionID, nil, session.StatusDegraded)
	}
}

// awaitRunning polls until the agent reaches running or the startup budget
// runs out.
func (m *Manager) awaitRunning(agent string) error {
	budget := time.Duration(m.cfg.StartupWait) * time.Second
	deadline := time.Now().Add(budget)
	for {
		state, err := m.runner.State(m.ctx, agent)
		if err != nil {
			return err
		}
		if state == v1.AgentStateRunning {
			return nil
		}
		if time.Now().After(deadline) {
			return apperrors.Timeout("agent %s did not reach running within %s", agent, budget)
		}
		select {
		case <-m.ctx.Done():
			return m.ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (m *Manager) finish(ctx context.Context, exec *v1.Execution, status v1.ExecutionStatus, result, errMsg *string, usage *v1.TokenUsage, costUSD float64) {
	if err := m.store.Finish(ctx, exec.ID, status, result, errMsg, usage, costUSD); err != nil {
		m.logger.Error("finish execution failed",
			zap.String("execution", exec.ID), zap.Error(err))
	}

	event := map[string]any{
		"execution_id": exec.ID,
		"status":       string(status),
	}
	kind := events.KindMessageOut
	switch status {
	case v1.ExecutionStatusSucceeded:
		event["event"] = events.ExecutionSucceeded
	case v1.ExecutionStatusFailed:
		event["event"] = events.ExecutionFailed
		kind = events.KindError
	case v1.ExecutionStatusCancelled:
		event["event"] = events.ExecutionCancelled
		kind = events.KindLifecycle
	case v1.ExecutionStatusTimedOut:
		event["event"] = events.ExecutionTimedOut
		kind = events.KindError
	}
	if errMsg != nil {
		event["error"] = *errMsg
	}
	m.activity.Record(ctx, exec.AgentName, kind, event)
}

func (m *Manager) settleSession(agent, sessionID string, result *RunResult, status string) {
	if sessionID == "" {
		return
	}
	if result != nil && result.Usage != nil {
		ctxTokens := result.Usage.InputTokens + result.Usage.OutputTokens
		if err := m.sessions.RecordUsage(m.ctx, agent, sessionID, *result.Usage, result.CostUSD, ctxTokens); err != nil {
			m.logger.Warn("record session usage failed", zap.String("agent", agent), zap.Error(err))
		}
		return
	}
	if err := m.sessions.SetStatus(m.ctx, agent, sessionID, status); err != nil {
		m.logger.Warn("set session status failed", zap.String("agent", agent), zap.Error(err))
	}
}

func strPtr(s string) *string { return &s }
