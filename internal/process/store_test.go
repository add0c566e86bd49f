package process

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinity/trinity/internal/common/config"
	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/db"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	pool, err := db.Open(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "trinity.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	store, err := NewStore(pool)
	require.NoError(t, err)
	return store
}

func linearSteps() []*v1.ProcessStep {
	return []*v1.ProcessStep{
		{ID: "first", Type: v1.StepTypeAgentTask, Agent: "echo-1", Message: "hello"},
		{ID: "second", Type: v1.StepTypeAgentTask, Agent: "echo-2", Message: "after {{steps.first.output.text}}", DependsOn: []string{"first"}},
	}
}

func TestValidateSteps(t *testing.T) {
	tests := []struct {
		name  string
		steps []*v1.ProcessStep
		want  string
	}{
		{"empty", nil, "at least one step"},
		{"missing id", []*v1.ProcessStep{{Type: v1.StepTypeNotification, Text: "x"}}, "needs an id"},
		{"duplicate id", []*v1.ProcessStep{
			{ID: "a", Type: v1.StepTypeNotification, Text: "x"},
			{ID: "a", Type: v1.StepTypeNotification, Text: "y"},
		}, "duplicate step id"},
		{"unknown dep", []*v1.ProcessStep{
			{ID: "a", Type: v1.StepTypeNotification, Text: "x", DependsOn: []string{"ghost"}},
		}, "unknown step"},
		{"self dep", []*v1.ProcessStep{
			{ID: "a", Type: v1.StepTypeNotification, Text: "x", DependsOn: []string{"a"}},
		}, "depends on itself"},
		{"cycle", []*v1.ProcessStep{
			{ID: "a", Type: v1.StepTypeNotification, Text: "x", DependsOn: []string{"b"}},
			{ID: "b", Type: v1.StepTypeNotification, Text: "y", DependsOn: []string{"a"}},
		}, "cycle"},
		{"agent task without agent", []*v1.ProcessStep{
			{ID: "a", Type: v1.StepTypeAgentTask, Message: "m"},
		}, "needs agent and message"},
		{"approval without approvers", []*v1.ProcessStep{
			{ID: "a", Type: v1.StepTypeHumanApproval},
		}, "needs approvers"},
		{"gateway without condition", []*v1.ProcessStep{
			{ID: "a", Type: v1.StepTypeGateway, IfTrue: "a"},
		}, "needs a condition"},
		{"gateway routes nowhere", []*v1.ProcessStep{
			{ID: "a", Type: v1.StepTypeGateway, Condition: "true"},
		}, "routes nowhere"},
		{"gateway unknown target", []*v1.ProcessStep{
			{ID: "a", Type: v1.StepTypeGateway, Condition: "true", IfTrue: "ghost"},
		}, "unknown step"},
		{"notification without text", []*v1.ProcessStep{
			{ID: "a", Type: v1.StepTypeNotification},
		}, "needs text"},
		{"sub process without id", []*v1.ProcessStep{
			{ID: "a", Type: v1.StepTypeSubProcess},
		}, "needs a process_id"},
		{"unknown type", []*v1.ProcessStep{
			{ID: "a", Type: "teleport"},
		}, "unknown type"},
		{"negative timeout", []*v1.ProcessStep{
			{ID: "a", Type: v1.StepTypeAgentTask, Agent: "x", Message: "m", TimeoutSecs: -1},
		}, "negative timeout"},
		{"negative approval window", []*v1.ProcessStep{
			{ID: "a", Type: v1.StepTypeHumanApproval, Approvers: []string{"u1"}, TimeoutHours: -1},
		}, "negative timeout_hours"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSteps(tt.steps)
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.CodeInvalidInput))
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	require.NoError(t, ValidateSteps(linearSteps()))
}

func TestProcessCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	proc, err := store.CreateProcess(ctx, &v1.CreateProcessRequest{
		Name:        "triage",
		Description: "route incoming tickets",
		Steps:       linearSteps(),
	}, "u1")
	require.NoError(t, err)
	assert.NotEmpty(t, proc.ID)
	assert.Equal(t, "u1", proc.OwnerID)
	assert.Equal(t, 1, proc.Version)
	assert.Equal(t, v1.TriggerManual, proc.Trigger)
	require.Len(t, proc.Steps, 2)
	assert.Equal(t, []string{"first"}, proc.Steps[1].DependsOn)

	got, err := store.GetProcess(ctx, proc.ID)
	require.NoError(t, err)
	assert.Equal(t, proc.Name, got.Name)

	all, err := store.ListProcesses(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	// Invalid definitions never reach the database.
	_, err = store.CreateProcess(ctx, &v1.CreateProcessRequest{
		Name:  "broken",
		Steps: []*v1.ProcessStep{{ID: "a", Type: v1.StepTypeAgentTask}},
	}, "u1")
	require.Error(t, err)

	require.NoError(t, store.DeleteProcess(ctx, proc.ID))
	err = store.DeleteProcess(ctx, proc.ID)
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))
}

func TestProcessTriggerKinds(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	webhook, err := store.CreateProcess(ctx, &v1.CreateProcessRequest{
		Name:    "hooked",
		Trigger: v1.TriggerWebhook,
		Steps:   linearSteps(),
	}, "u1")
	require.NoError(t, err)
	assert.Equal(t, v1.TriggerWebhook, webhook.Trigger)

	got, err := store.GetProcess(ctx, webhook.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TriggerWebhook, got.Trigger)
	assert.Equal(t, 1, got.Version)

	_, err = store.CreateProcess(ctx, &v1.CreateProcessRequest{
		Name:    "bad-trigger",
		Trigger: "carrier-pigeon",
		Steps:   linearSteps(),
	}, "u1")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeInvalidInput))
}

func TestRunLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	proc, err := store.CreateProcess(ctx, &v1.CreateProcessRequest{
		Name: "triage", Steps: linearSteps(),
	}, "u1")
	require.NoError(t, err)

	run, err := store.CreateRun(ctx, proc, json.RawMessage(`{"k":"v"}`), "u1")
	require.NoError(t, err)
	assert.Equal(t, v1.RunStatusRunning, run.Status)
	require.Len(t, run.Steps, 2)
	for _, step := range run.Steps {
		assert.Equal(t, v1.StepStatusPending, step.Status)
	}

	run.Steps[0].Status = v1.StepStatusCompleted
	run.Steps[0].Output = json.RawMessage(`{"text":"done"}`)
	require.NoError(t, store.SaveRunSteps(ctx, run.ID, run.Steps))

	require.NoError(t, store.FinishRun(ctx, run.ID, v1.RunStatusCompleted,
		json.RawMessage(`{"second":{"text":"done"}}`), nil))

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.RunStatusCompleted, got.Status)
	assert.Equal(t, v1.StepStatusCompleted, got.Steps[0].Status)
	assert.JSONEq(t, `{"second":{"text":"done"}}`, string(got.Output))
	assert.NotNil(t, got.CompletedAt)

	runs, err := store.ListRuns(ctx, proc.ID, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	// Deleting the definition keeps the history.
	require.NoError(t, store.DeleteProcess(ctx, proc.ID))
	runs, err = store.ListRuns(ctx, proc.ID, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestApprovalDecide(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	approval, err := store.CreateApproval(ctx, "run-1", "gate", "ship it?", []string{"u1", "u2"})
	require.NoError(t, err)
	assert.Nil(t, approval.Decision)
	assert.Equal(t, []string{"u1", "u2"}, approval.Approvers)

	open, err := store.ListOpenApprovals(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)

	decided, err := store.Decide(ctx, approval.ID, "approved", "u1")
	require.NoError(t, err)
	require.NotNil(t, decided.Decision)
	assert.Equal(t, "approved", *decided.Decision)
	assert.Equal(t, "u1", *decided.DecidedBy)

	// A second decision is a conflict, whatever it says.
	_, err = store.Decide(ctx, approval.ID, "rejected", "u2")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeConflict))

	open, err = store.ListOpenApprovals(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}
