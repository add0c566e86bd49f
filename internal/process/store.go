package process

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/db"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// Store persists process definitions, runs, and approvals. Step lists ride
// along as JSON documents; runs are queried by id or process, never by
// step internals.
type Store struct {
	db *sqlx.DB
	ro *sqlx.DB
}

// NewStore creates the process store on the shared pool.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{db: pool.Writer(), ro: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("process schema init: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS processes (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		version      INTEGER NOT NULL DEFAULT 1,
		trigger_kind TEXT NOT NULL DEFAULT 'manual',
		description  TEXT NOT NULL DEFAULT '',
		owner_id     TEXT NOT NULL,
		steps        TEXT NOT NULL,
		created_at   TIMESTAMP NOT NULL,
		updated_at   TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS process_runs (
		id           TEXT PRIMARY KEY,
		process_id   TEXT NOT NULL,
		status       TEXT NOT NULL,
		input        TEXT,
		output       TEXT,
		error        TEXT,
		steps        TEXT NOT NULL,
		started_by   TEXT NOT NULL,
		started_at   TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_runs_process ON process_runs(process_id, started_at);
	CREATE TABLE IF NOT EXISTS approvals (
		id         TEXT PRIMARY KEY,
		run_id     TEXT NOT NULL,
		step_id    TEXT NOT NULL,
		prompt     TEXT NOT NULL DEFAULT '',
		approvers  TEXT NOT NULL DEFAULT '[]',
		decision   TEXT,
		decided_by TEXT,
		decided_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		UNIQUE (run_id, step_id)
	);
	CREATE INDEX IF NOT EXISTS idx_approvals_open ON approvals(decision, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateProcess validates the definition's DAG and stores it at version 1.
func (s *Store) CreateProcess(ctx context.Context, req *v1.CreateProcessRequest, ownerID string) (*v1.Process, error) {
	if err := ValidateSteps(req.Steps); err != nil {
		return nil, err
	}
	trigger := req.Trigger
	if trigger == "" {
		trigger = v1.TriggerManual
	}
	switch trigger {
	case v1.TriggerManual, v1.TriggerSchedule, v1.TriggerWebhook:
	default:
		return nil, apperrors.InvalidInput("unknown trigger %q", trigger)
	}
	steps, err := json.Marshal(req.Steps)
	if err != nil {
		return nil, fmt.Errorf("marshal steps: %w", err)
	}

	now := time.Now().UTC()
	id := uuid.New().String()
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO processes (id, name, version, trigger_kind, description, owner_id, steps, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		id, req.Name, 1, string(trigger), req.Description, ownerID, string(steps), now, now)
	if err != nil {
		return nil, fmt.Errorf("insert process: %w", err)
	}
	return s.GetProcess(ctx, id)
}

type processRow struct {
	ID          string    `db:"id"`
	Name        string    `db:"name"`
	Version     int       `db:"version"`
	TriggerKind string    `db:"trigger_kind"`
	Description string    `db:"description"`
	OwnerID     string    `db:"owner_id"`
	Steps       string    `db:"steps"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r *processRow) toAPI() (*v1.Process, error) {
	var steps []*v1.ProcessStep
	if err := json.Unmarshal([]byte(r.Steps), &steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps of process %s: %w", r.ID, err)
	}
	return &v1.Process{
		ID:          r.ID,
		Name:        r.Name,
		Version:     r.Version,
		Trigger:     v1.ProcessTrigger(r.TriggerKind),
		Description: r.Description,
		OwnerID:     r.OwnerID,
		Steps:       steps,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}, nil
}

// GetProcess returns one process definition.
func (s *Store) GetProcess(ctx context.Context, id string) (*v1.Process, error) {
	var row processRow
	err := s.ro.GetContext(ctx, &row, s.ro.Rebind(
		`SELECT * FROM processes WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("process %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get process: %w", err)
	}
	return row.toAPI()
}

// ListProcesses returns every stored definition.
func (s *Store) ListProcesses(ctx context.Context) ([]*v1.Process, error) {
	var rows []processRow
	err := s.ro.SelectContext(ctx, &rows, `SELECT * FROM processes ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	processes := make([]*v1.Process, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toAPI()
		if err != nil {
			return nil, err
		}
		processes = append(processes, p)
	}
	return processes, nil
}

// DeleteProcess removes a definition. Past runs are kept.
func (s *Store) DeleteProcess(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM processes WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete process: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("process %s not found", id)
	}
	return nil
}

type runRow struct {
	ID          string     `db:"id"`
	ProcessID   string     `db:"process_id"`
	Status      string     `db:"status"`
	Input       *string    `db:"input"`
	Output      *string    `db:"output"`
	Error       *string    `db:"error"`
	Steps       string     `db:"steps"`
	StartedBy   string     `db:"started_by"`
	StartedAt   time.Time  `db:"started_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

func (r *runRow) toAPI() (*v1.ProcessRun, error) {
	var steps []*v1.StepRun
	if err := json.Unmarshal([]byte(r.Steps), &steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps of run %s: %w", r.ID, err)
	}
	run := &v1.ProcessRun{
		ID:          r.ID,
		ProcessID:   r.ProcessID,
		Status:      v1.RunStatus(r.Status),
		Error:       r.Error,
		Steps:       steps,
		StartedBy:   r.StartedBy,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
	if r.Input != nil {
		run.Input = json.RawMessage(*r.Input)
	}
	if r.Output != nil {
		run.Output = json.RawMessage(*r.Output)
	}
	return run, nil
}

// CreateRun inserts a new running process run with all steps pending.
func (s *Store) CreateRun(ctx context.Context, proc *v1.Process, input json.RawMessage, startedBy string) (*v1.ProcessRun, error) {
	steps := make([]*v1.StepRun, 0, len(proc.Steps))
	for _, step := range proc.Steps {
		steps = append(steps, &v1.StepRun{StepID: step.ID, Status: v1.StepStatusPending})
	}
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return nil, fmt.Errorf("marshal step runs: %w", err)
	}

	var inputStr *string
	if len(input) > 0 {
		s := string(input)
		inputStr = &s
	}
	id := uuid.New().String()
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO process_runs (id, process_id, status, input, steps, started_by, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		id, proc.ID, string(v1.RunStatusRunning), inputStr, string(stepsJSON),
		startedBy, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return s.GetRun(ctx, id)
}

// GetRun returns one run.
func (s *Store) GetRun(ctx context.Context, id string) (*v1.ProcessRun, error) {
	var row runRow
	err := s.ro.GetContext(ctx, &row, s.ro.Rebind(
		`SELECT * FROM process_runs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("run %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return row.toAPI()
}

// ListRuns returns runs of one process, newest first.
func (s *Store) ListRuns(ctx context.Context, processID string, limit int) ([]*v1.ProcessRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var rows []runRow
	err := s.ro.SelectContext(ctx, &rows, s.ro.Rebind(`
		SELECT * FROM process_runs WHERE process_id = ?
		ORDER BY started_at DESC LIMIT ?`), processID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	runs := make([]*v1.ProcessRun, 0, len(rows))
	for i := range rows {
		run, err := rows[i].toAPI()
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// listRunningRuns returns every run still marked running. Used by startup
// recovery.
func (s *Store) listRunningRuns(ctx context.Context) ([]*v1.ProcessRun, error) {
	var rows []runRow
	err := s.ro.SelectContext(ctx, &rows, s.ro.Rebind(
		`SELECT * FROM process_runs WHERE status = ?`), string(v1.RunStatusRunning))
	if err != nil {
		return nil, fmt.Errorf("list running runs: %w", err)
	}
	runs := make([]*v1.ProcessRun, 0, len(rows))
	for i := range rows {
		run, err := rows[i].toAPI()
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// SaveRunSteps persists the current step states of a run.
func (s *Store) SaveRunSteps(ctx context.Context, runID string, steps []*v1.StepRun) error {
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("marshal step runs: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE process_runs SET steps = ? WHERE id = ?`),
		string(stepsJSON), runID)
	if err != nil {
		return fmt.Errorf("save run steps: %w", err)
	}
	return nil
}

// FinishRun records the run's terminal status and output.
func (s *Store) FinishRun(ctx context.Context, runID string, status v1.RunStatus, output json.RawMessage, errMsg *string) error {
	var outputStr *string
	if len(output) > 0 {
		o := string(output)
		outputStr = &o
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE process_runs SET status = ?, output = ?, error = ?, completed_at = ?
		WHERE id = ?`),
		string(status), outputStr, errMsg, time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

type approvalRow struct {
	ID        string     `db:"id"`
	RunID     string     `db:"run_id"`
	StepID    string     `db:"step_id"`
	Prompt    string     `db:"prompt"`
	Approvers string     `db:"approvers"`
	Decision  *string    `db:"decision"`
	DecidedBy *string    `db:"decided_by"`
	DecidedAt *time.Time `db:"decided_at"`
	CreatedAt time.Time  `db:"created_at"`
}

func (r *approvalRow) toAPI() *v1.Approval {
	var approvers []string
	_ = json.Unmarshal([]byte(r.Approvers), &approvers)
	return &v1.Approval{
		ID:        r.ID,
		RunID:     r.RunID,
		StepID:    r.StepID,
		Prompt:    r.Prompt,
		Approvers: approvers,
		Decision:  r.Decision,
		DecidedBy: r.DecidedBy,
		DecidedAt: r.DecidedAt,
		CreatedAt: r.CreatedAt,
	}
}

// CreateApproval opens a pending approval for a run step.
func (s *Store) CreateApproval(ctx context.Context, runID, stepID, prompt string, approvers []string) (*v1.Approval, error) {
	approversJSON, _ := json.Marshal(approvers)
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO approvals (id, run_id, step_id, prompt, approvers, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		id, runID, stepID, prompt, string(approversJSON), time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("insert approval: %w", err)
	}
	return s.GetApproval(ctx, id)
}

// GetApproval returns one approval by id.
func (s *Store) GetApproval(ctx context.Context, id string) (*v1.Approval, error) {
	var row approvalRow
	err := s.ro.GetContext(ctx, &row, s.ro.Rebind(
		`SELECT * FROM approvals WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("approval %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return row.toAPI(), nil
}

// ListOpenApprovals returns approvals awaiting a decision.
func (s *Store) ListOpenApprovals(ctx context.Context) ([]*v1.Approval, error) {
	var rows []approvalRow
	err := s.ro.SelectContext(ctx, &rows,
		`SELECT * FROM approvals WHERE decision IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list open approvals: %w", err)
	}
	approvals := make([]*v1.Approval, 0, len(rows))
	for i := range rows {
		approvals = append(approvals, rows[i].toAPI())
	}
	return approvals, nil
}

// CancelOpenApprovals auto-rejects every undecided approval of a run, so
// an ended run never leaves items in the pending-approvals listing.
func (s *Store) CancelOpenApprovals(ctx context.Context, runID, decidedBy string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE approvals SET decision = 'rejected', decided_by = ?, decided_at = ?
		WHERE run_id = ? AND decision IS NULL`),
		decidedBy, time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("cancel open approvals: %w", err)
	}
	return nil
}

// Decide records a decision on a pending approval. Deciding twice is a
// conflict.
func (s *Store) Decide(ctx context.Context, id, decision, decidedBy string) (*v1.Approval, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE approvals SET decision = ?, decided_by = ?, decided_at = ?
		WHERE id = ? AND decision IS NULL`),
		decision, decidedBy, time.Now().UTC(), id)
	if err != nil {
		return nil, fmt.Errorf("decide approval: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := s.GetApproval(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, apperrors.Conflict("approval %s already decided as %s", id, *existing.Decision)
	}
	return s.GetApproval(ctx, id)
}
