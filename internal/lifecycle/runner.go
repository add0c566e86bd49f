package lifecycle

import (
	"context"
	"encoding/json"

	"github.com/trinity/trinity/internal/agentclient"
	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/events"
	"github.com/trinity/trinity/internal/queue"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// The manager doubles as the queue's runner: it knows agent states and how
// to reach each agent's local server.
var _ queue.Runner = (*Manager)(nil)

// State reports the agent's lifecycle state for queue admission.
func (m *Manager) State(ctx context.Context, name string) (v1.AgentState, error) {
	a, err := m.agents.GetByName(ctx, name)
	if err != nil {
		return "", err
	}
	return a.State, nil
}

// Run streams one queued message through the agent, mirroring tool calls
// into the activity stream as they happen.
func (m *Manager) Run(ctx context.Context, exec *v1.Execution) (*queue.RunResult, error) {
	a, err := m.agents.GetByName(ctx, exec.AgentName)
	if err != nil {
		return nil, err
	}
	if a.State != v1.AgentStateRunning {
		return nil, apperrors.QueueNotReady("agent %s is %s", exec.AgentName, a.State)
	}

	client := m.clients(a.Ports.HTTP)
	result, err := client.ChatStream(ctx, &agentclient.ChatRequest{
		Message:   exec.Message,
		SessionID: exec.SessionID,
	}, func(frame *agentclient.StreamFrame) error {
		if frame.Type == "tool_use" {
			m.activity.Record(ctx, exec.AgentName, events.KindToolCall, map[string]any{
				"execution_id": exec.ID,
				"tool":         frame.Tool,
				"input":        json.RawMessage(frame.Input),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &queue.RunResult{
		Text:    result.Text,
		Usage:   result.Usage,
		CostUSD: result.CostUSD,
	}, nil
}

// Abort best-effort cancels the agent's in-flight work.
func (m *Manager) Abort(ctx context.Context, name string) error {
	a, err := m.agents.GetByName(ctx, name)
	if err != nil {
		return err
	}
	return m.clients(a.Ports.HTTP).Abort(ctx)
}
