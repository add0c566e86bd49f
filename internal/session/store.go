// Package session tracks per-agent conversation sessions: context size,
// token usage, and accumulated cost.
package session

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

// Session statuses.
const (
	StatusIdle     = "idle"
	StatusBusy     = "busy"
	StatusDegraded = "degraded"
)

// Store persists agent sessions.
type Store struct {
	db *sqlx.DB
	ro *sqlx.DB
}

// NewStore creates the session store on the shared pool.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{db: pool.Writer(), ro: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("session schema init: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agent_sessions (
		id             TEXT PRIMARY KEY,
		agent_name     TEXT NOT NULL,
		session_id     TEXT NOT NULL,
		context_tokens INTEGER NOT NULL DEFAULT 0,
		input_tokens   INTEGER NOT NULL DEFAULT 0,
		output_tokens  INTEGER NOT NULL DEFAULT 0,
		cache_tokens   INTEGER NOT NULL DEFAULT 0,
		cost_usd       REAL NOT NULL DEFAULT 0,
		status         TEXT NOT NULL DEFAULT 'idle',
		last_activity  TIMESTAMP NOT NULL,
		created_at     TIMESTAMP NOT NULL,
		UNIQUE (agent_name, session_id)
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_agent ON agent_sessions(agent_name, last_activity);
	`
	_, err := s.db.Exec(schema)
	return err
}

type sessionRow struct {
	ID            string    `db:"id"`
	AgentName     string    `db:"agent_name"`
	SessionID     string    `db:"session_id"`
	ContextTokens int64     `db:"context_tokens"`
	InputTokens   int64     `db:"input_tokens"`
	OutputTokens  int64     `db:"output_tokens"`
	CacheTokens   int64     `db:"cache_tokens"`
	CostUSD       float64   `db:"cost_usd"`
	Status        string    `db:"status"`
	LastActivity  time.Time `db:"last_activity"`
	CreatedAt     time.Time `db:"created_at"`
}

func (r *sessionRow) toAPI() *v1.AgentSession {
	return &v1.AgentSession{
		ID:            r.ID,
		AgentName:     r.AgentName,
		SessionID:     r.SessionID,
		ContextTokens: r.ContextTokens,
		Usage: v1.TokenUsage{
			InputTokens:  r.InputTokens,
			OutputTokens: r.OutputTokens,
			CacheTokens:  r.CacheTokens,
		},
		CostUSD:      r.CostUSD,
		Status:       r.Status,
		LastActivity: r.LastActivity,
		CreatedAt:    r.CreatedAt,
	}
}

// Touch marks the session busy, creating it on first use.
func (s *Store) Touch(ctx context.Context, agent, sessionID string) (*v1.AgentSession, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agent_sessions SET status = ?, last_activity = ?
		WHERE agent_name = ? AND session_id = ?`),
		StatusBusy, now, agent, sessionID)
	if err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err = s.db.ExecContext(ctx, s.db.Rebind(`
			INSERT INTO agent_sessions (id, agent_name, session_id, status, last_activity, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`),
			uuid.New().String(), agent, sessionID, StatusBusy, now, now)
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
	}
	return s.Get(ctx, agent, sessionID)
}

// RecordUsage accumulates one completed exchange into the session and
// returns it to idle. contextTokens replaces the previous value since the
// context window size is a point-in-time measure, not a counter.
func (s *Store) RecordUsage(ctx context.Context, agent, sessionID string, usage v1.TokenUsage, costUSD float64, contextTokens int64) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agent_sessions SET
			input_tokens = input_tokens + ?,
			output_tokens = output_tokens + ?,
			cache_tokens = cache_tokens + ?,
			cost_usd = cost_usd + ?,
			context_tokens = ?,
			status = ?,
			last_activity = ?
		WHERE agent_name = ? AND session_id = ?`),
		usage.InputTokens, usage.OutputTokens, usage.CacheTokens,
		costUSD, contextTokens, StatusIdle, now, agent, sessionID)
	if err != nil {
		return fmt.Errorf("record session usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("session %s not found for agent %s", sessionID, agent)
	}
	return nil
}

// SetStatus forces a session status, used to flag degraded sessions after
// failures or timeouts.
func (s *Store) SetStatus(ctx context.Context, agent, sessionID, status string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agent_sessions SET status = ?, last_activity = ?
		WHERE agent_name = ? AND session_id = ?`),
		status, time.Now().UTC(), agent, sessionID)
	if err != nil {
		return fmt.Errorf("set session status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("session %s not found for agent %s", sessionID, agent)
	}
	return nil
}

// Get returns one session.
func (s *Store) Get(ctx context.Context, agent, sessionID string) (*v1.AgentSession, error) {
	var row sessionRow
	err := s.ro.GetContext(ctx, &row, s.ro.Rebind(`
		SELECT * FROM agent_sessions WHERE agent_name = ? AND session_id = ?`),
		agent, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("session %s not found for agent %s", sessionID, agent)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return row.toAPI(), nil
}

// List returns every session for an agent, most recently active first.
func (s *Store) List(ctx context.Context, agent string) ([]*v1.AgentSession, error) {
	var rows []sessionRow
	err := s.ro.SelectContext(ctx, &rows, s.ro.Rebind(`
		SELECT * FROM agent_sessions WHERE agent_name = ?
		ORDER BY last_activity DESC`), agent)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sessions := make([]*v1.AgentSession, 0, len(rows))
	for i := range rows {
		sessions = append(sessions, rows[i].toAPI())
	}
	return sessions, nil
}

// TotalCost sums accumulated cost across an agent's sessions.
func (s *Store) TotalCost(ctx context.Context, agent string) (float64, error) {
	var total sql.NullFloat64
	err := s.ro.GetContext(ctx, &total, s.ro.Rebind(`
		SELECT SUM(cost_usd) FROM agent_sessions WHERE agent_name = ?`), agent)
	if err != nil {
		return 0, fmt.Errorf("sum session cost: %w", err)
	}
	return total.Float64, nil
}

// DeleteForAgent removes all sessions of a deleted agent.
func (s *Store) DeleteForAgent(ctx context.Context, agent string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM agent_sessions WHERE agent_name = ?`), agent)
	if err != nil {
		return fmt.Errorf("delete agent sessions: %w", err)
	}
	return nil
}
