// Package scheduler fires recurring messages at agents on cron expressions.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/robfig/cron/v3"

	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/db"
	"github.com/trinity/trinity/internal/db/dialect"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// Store persists schedules. Next fire times are precomputed so the tick
// loop is a single indexed query.
type Store struct {
	db *sqlx.DB
	ro *sqlx.DB
}

// NewStore creates the schedule store on the shared pool.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{db: pool.Writer(), ro: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("schedule schema init: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schedules (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		owner_id        TEXT NOT NULL,
		agent_name      TEXT NOT NULL,
		message         TEXT NOT NULL,
		cron_expr       TEXT NOT NULL,
		timezone        TEXT NOT NULL DEFAULT 'UTC',
		max_concurrency INTEGER NOT NULL DEFAULT 1,
		paused          INTEGER NOT NULL DEFAULT 0,
		next_fire_at    TIMESTAMP,
		last_fired_at   TIMESTAMP,
		created_at      TIMESTAMP NOT NULL,
		updated_at      TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(paused, next_fire_at);
	CREATE INDEX IF NOT EXISTS idx_schedules_agent ON schedules(agent_name);
	`
	_, err := s.db.Exec(schema)
	return err
}

type scheduleRow struct {
	ID             string     `db:"id"`
	Name           string     `db:"name"`
	OwnerID        string     `db:"owner_id"`
	AgentName      string     `db:"agent_name"`
	Message        string     `db:"message"`
	CronExpr       string     `db:"cron_expr"`
	Timezone       string     `db:"timezone"`
	MaxConcurrency int        `db:"max_concurrency"`
	Paused         int        `db:"paused"`
	NextFireAt     *time.Time `db:"next_fire_at"`
	LastFiredAt    *time.Time `db:"last_fired_at"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

func (r *scheduleRow) toAPI() *v1.Schedule {
	return &v1.Schedule{
		ID:             r.ID,
		Name:           r.Name,
		OwnerID:        r.OwnerID,
		AgentName:      r.AgentName,
		Message:        r.Message,
		CronExpr:       r.CronExpr,
		Timezone:       r.Timezone,
		MaxConcurrency: r.MaxConcurrency,
		Paused:         r.Paused != 0,
		NextFireAt:     r.NextFireAt,
		LastFiredAt:    r.LastFiredAt,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

// NextFire computes the next fire time of a cron expression in its
// timezone. Standard five-field expressions only.
func NextFire(expr, timezone string, after time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, apperrors.InvalidInput("invalid cron expression %q: %v", expr, err)
	}
	loc := time.UTC
	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, apperrors.InvalidInput("unknown timezone %q", timezone)
		}
	}
	return sched.Next(after.In(loc)), nil
}

// Create validates the cron expression, computes the first fire time, and
// inserts the schedule.
func (s *Store) Create(ctx context.Context, req *v1.CreateScheduleRequest, ownerID string) (*v1.Schedule, error) {
	if req.MaxConcurrency <= 0 {
		req.MaxConcurrency = 1
	}
	if req.Timezone == "" {
		req.Timezone = "UTC"
	}
	next, err := NextFire(req.CronExpr, req.Timezone, time.Now())
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	id := uuid.New().String()
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO schedules (id, name, owner_id, agent_name, message, cron_expr,
			timezone, max_concurrency, paused, next_fire_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`),
		id, req.Name, ownerID, req.AgentName, req.Message, req.CronExpr,
		req.Timezone, req.MaxConcurrency, next.UTC(), now, now)
	if err != nil {
		return nil, fmt.Errorf("insert schedule: %w", err)
	}
	return s.Get(ctx, id)
}

// Get returns one schedule by id.
func (s *Store) Get(ctx context.Context, id string) (*v1.Schedule, error) {
	var row scheduleRow
	err := s.ro.GetContext(ctx, &row, s.ro.Rebind(
		`SELECT * FROM schedules WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("schedule %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return row.toAPI(), nil
}

// List returns all schedules, optionally filtered by agent.
func (s *Store) List(ctx context.Context, agent string) ([]*v1.Schedule, error) {
	query := `SELECT * FROM schedules`
	var args []any
	if agent != "" {
		query += ` WHERE agent_name = ?`
		args = append(args, agent)
	}
	query += ` ORDER BY created_at`

	var rows []scheduleRow
	if err := s.ro.SelectContext(ctx, &rows, s.ro.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	schedules := make([]*v1.Schedule, 0, len(rows))
	for i := range rows {
		schedules = append(schedules, rows[i].toAPI())
	}
	return schedules, nil
}

// Update applies mutable field changes, recomputing the next fire time if
// the expression or timezone changed.
func (s *Store) Update(ctx context.Context, id string, req *v1.UpdateScheduleRequest) (*v1.Schedule, error) {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		existing.Name = *req.Name
	}
	if req.Message != nil {
		existing.Message = *req.Message
	}
	if req.CronExpr != nil {
		existing.CronExpr = *req.CronExpr
	}
	if req.Timezone != nil {
		existing.Timezone = *req.Timezone
	}
	if req.MaxConcurrency != nil {
		existing.MaxConcurrency = *req.MaxConcurrency
	}

	next, err := NextFire(existing.CronExpr, existing.Timezone, time.Now())
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE schedules SET name = ?, message = ?, cron_expr = ?, timezone = ?,
			max_concurrency = ?, next_fire_at = ?, updated_at = ?
		WHERE id = ?`),
		existing.Name, existing.Message, existing.CronExpr, existing.Timezone,
		existing.MaxConcurrency, next.UTC(), time.Now().UTC(), id)
	if err != nil {
		return nil, fmt.Errorf("update schedule: %w", err)
	}
	return s.Get(ctx, id)
}

// SetPaused pauses or resumes one schedule. The next fire time is kept so
// resuming does not reshuffle the cadence.
func (s *Store) SetPaused(ctx context.Context, id string, paused bool) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE schedules SET paused = ?, updated_at = ? WHERE id = ?`),
		dialect.BoolToInt(paused), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set schedule paused: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("schedule %s not found", id)
	}
	return nil
}

// PauseAll pauses every schedule at once. Returns how many flipped.
func (s *Store) PauseAll(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE schedules SET paused = 1, updated_at = ? WHERE paused = 0`),
		time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("pause all schedules: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Delete removes a schedule.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM schedules WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("schedule %s not found", id)
	}
	return nil
}

// DeleteForAgent removes all schedules targeting a deleted agent.
func (s *Store) DeleteForAgent(ctx context.Context, agent string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM schedules WHERE agent_name = ?`), agent)
	if err != nil {
		return fmt.Errorf("delete agent schedules: %w", err)
	}
	return nil
}

// ClaimDue atomically advances the fire time of one due schedule and
// returns it, or nil when nothing is due. Advancing before dispatch means
// two tickers can never fire the same occurrence twice.
func (s *Store) ClaimDue(ctx context.Context, now time.Time) (*v1.Schedule, error) {
	var row scheduleRow
	err := s.ro.GetContext(ctx, &row, s.ro.Rebind(`
		SELECT * FROM schedules
		WHERE paused = 0 AND next_fire_at IS NOT NULL AND next_fire_at <= ?
		ORDER BY next_fire_at LIMIT 1`), now.UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find due schedule: %w", err)
	}

	next, err := NextFire(row.CronExpr, row.Timezone, now)
	if err != nil {
		// Expression went bad after an external edit; park the schedule.
		_ = s.SetPaused(ctx, row.ID, true)
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE schedules SET next_fire_at = ?, last_fired_at = ?, updated_at = ?
		WHERE id = ? AND next_fire_at = ?`),
		next.UTC(), now.UTC(), now.UTC(), row.ID, row.NextFireAt)
	if err != nil {
		return nil, fmt.Errorf("claim schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Another ticker claimed it first.
		return nil, nil
	}
	return row.toAPI(), nil
}
