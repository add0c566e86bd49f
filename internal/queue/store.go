// Package queue serializes message execution per agent: strict FIFO, at
// most one in-flight request per agent, bounded depth.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/db"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// ExecStore persists executions. The queue itself is in-memory; the store
// is the durable record of what ran and how it ended.
type ExecStore struct {
	db *sqlx.DB
	ro *sqlx.DB
}

// NewExecStore creates the execution store on the shared pool.
func NewExecStore(pool *db.Pool) (*ExecStore, error) {
	s := &ExecStore{db: pool.Writer(), ro: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("execution schema init: %w", err)
	}
	return s, nil
}

func (s *ExecStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS executions (
		id            TEXT PRIMARY KEY,
		agent_name    TEXT NOT NULL,
		status        TEXT NOT NULL,
		message       TEXT NOT NULL,
		session_id    TEXT NOT NULL DEFAULT '',
		caller        TEXT NOT NULL DEFAULT '',
		origin        TEXT NOT NULL DEFAULT 'user',
		result        TEXT,
		error         TEXT,
		input_tokens  INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cache_tokens  INTEGER NOT NULL DEFAULT 0,
		cost_usd      REAL NOT NULL DEFAULT 0,
		enqueued_at   TIMESTAMP NOT NULL,
		started_at    TIMESTAMP,
		completed_at  TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_executions_agent ON executions(agent_name, enqueued_at);
	CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

type execRow struct {
	ID           string     `db:"id"`
	AgentName    string     `db:"agent_name"`
	Status       string     `db:"status"`
	Message      string     `db:"message"`
	SessionID    string     `db:"session_id"`
	Caller       string     `db:"caller"`
	Origin       string     `db:"origin"`
	Result       *string    `db:"result"`
	Error        *string    `db:"error"`
	InputTokens  int64      `db:"input_tokens"`
	OutputTokens int64      `db:"output_tokens"`
	CacheTokens  int64      `db:"cache_tokens"`
	CostUSD      float64    `db:"cost_usd"`
	EnqueuedAt   time.Time  `db:"enqueued_at"`
	StartedAt    *time.Time `db:"started_at"`
	CompletedAt  *time.Time `db:"completed_at"`
}

func (r *execRow) toAPI() *v1.Execution {
	exec := &v1.Execution{
		ID:          r.ID,
		AgentName:   r.AgentName,
		Status:      v1.ExecutionStatus(r.Status),
		Message:     r.Message,
		SessionID:   r.SessionID,
		Caller:      r.Caller,
		Origin:      r.Origin,
		Result:      r.Result,
		Error:       r.Error,
		CostUSD:     r.CostUSD,
		EnqueuedAt:  r.EnqueuedAt,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
	if r.InputTokens != 0 || r.OutputTokens != 0 || r.CacheTokens != 0 {
		exec.Usage = &v1.TokenUsage{
			InputTokens:  r.InputTokens,
			OutputTokens: r.OutputTokens,
			CacheTokens:  r.CacheTokens,
		}
	}
	return exec
}

// Create inserts a new queued execution, assigning its id if unset.
func (s *ExecStore) Create(ctx context.Context, exec *v1.Execution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.Status == "" {
		exec.Status = v1.ExecutionStatusQueued
	}
	if exec.EnqueuedAt.IsZero() {
		exec.EnqueuedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO executions (id, agent_name, status, message, session_id, caller, origin, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		exec.ID, exec.AgentName, string(exec.Status), exec.Message,
		exec.SessionID, exec.Caller, exec.Origin, exec.EnqueuedAt)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// MarkStarted moves an execution to running.
func (s *ExecStore) MarkStarted(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE executions SET status = ?, started_at = ? WHERE id = ?`),
		string(v1.ExecutionStatusRunning), now, id)
	if err != nil {
		return fmt.Errorf("mark execution started: %w", err)
	}
	return nil
}

// Finish records a terminal status with optional result, error, and usage.
func (s *ExecStore) Finish(ctx context.Context, id string, status v1.ExecutionStatus, result, errMsg *string, usage *v1.TokenUsage, costUSD float64) error {
	if !status.Terminal() {
		return apperrors.Internal(nil, "finish with non-terminal status %s", status)
	}
	var in, out, cache int64
	if usage != nil {
		in, out, cache = usage.InputTokens, usage.OutputTokens, usage.CacheTokens
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE executions SET status = ?, result = ?, error = ?,
			input_tokens = ?, output_tokens = ?, cache_tokens = ?,
			cost_usd = ?, completed_at = ?
		WHERE id = ?`),
		string(status), result, errMsg, in, out, cache, costUSD,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	return nil
}

// Get returns one execution by id.
func (s *ExecStore) Get(ctx context.Context, id string) (*v1.Execution, error) {
	var row execRow
	err := s.ro.GetContext(ctx, &row, s.ro.Rebind(
		`SELECT * FROM executions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("execution %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return row.toAPI(), nil
}

// ListByAgent returns an agent's executions, newest first.
func (s *ExecStore) ListByAgent(ctx context.Context, agent string, limit int) ([]*v1.Execution, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []execRow
	err := s.ro.SelectContext(ctx, &rows, s.ro.Rebind(`
		SELECT * FROM executions WHERE agent_name = ?
		ORDER BY enqueued_at DESC LIMIT ?`), agent, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	execs := make([]*v1.Execution, 0, len(rows))
	for i := range rows {
		execs = append(execs, rows[i].toAPI())
	}
	return execs, nil
}

// CountActive counts a caller's executions that are still queued or
// running. The scheduler uses it to enforce per-schedule concurrency.
func (s *ExecStore) CountActive(ctx context.Context, caller string) (int, error) {
	var n int
	err := s.ro.GetContext(ctx, &n, s.ro.Rebind(`
		SELECT COUNT(*) FROM executions WHERE caller = ? AND status IN (?, ?)`),
		caller, string(v1.ExecutionStatusQueued), string(v1.ExecutionStatusRunning))
	if err != nil {
		return 0, fmt.Errorf("count active executions: %w", err)
	}
	return n, nil
}

// RecoverInterrupted marks executions left queued or running by a previous
// control-plane process as failed. Called once at startup before workers
// accept new work.
func (s *ExecStore) RecoverInterrupted(ctx context.Context) (int64, error) {
	msg := "control plane restarted before completion"
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE executions SET status = ?, error = ?, completed_at = ?
		WHERE status IN (?, ?)`),
		string(v1.ExecutionStatusFailed), msg, time.Now().UTC(),
		string(v1.ExecutionStatusQueued), string(v1.ExecutionStatusRunning))
	if err != nil {
		return 0, fmt.Errorf("recover interrupted executions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteOlderThan prunes terminal executions past the retention window.
func (s *ExecStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM executions WHERE completed_at IS NOT NULL AND completed_at < ?`),
		cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune executions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteForAgent removes all executions of a deleted agent.
func (s *ExecStore) DeleteForAgent(ctx context.Context, agent string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM executions WHERE agent_name = ?`), agent)
	if err != nil {
		return fmt.Errorf("delete agent executions: %w", err)
	}
	return nil
}
