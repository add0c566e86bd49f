// Package activity records and serves the per-agent activity stream.
package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/db"
	"github.com/trinity/trinity/internal/db/dialect"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// MaxPayloadBytes bounds a single activity payload. Larger payloads are
// replaced with a truncation marker rather than rejected, so a noisy tool
// call never breaks the stream.
const MaxPayloadBytes = 16 * 1024

// Store persists activities with database-assigned, strictly increasing ids.
type Store struct {
	db *sqlx.DB
	ro *sqlx.DB
}

// NewStore creates the activity store on the shared pool.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{db: pool.Writer(), ro: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("activity schema init: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	idCol := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect.IsPostgres(s.db.DriverName()) {
		idCol = "BIGSERIAL PRIMARY KEY"
	}
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS activities (
		id         %s,
		agent_name TEXT NOT NULL,
		kind       TEXT NOT NULL,
		payload    TEXT NOT NULL,
		truncated  INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_activities_agent_id ON activities(agent_name, id);
	CREATE INDEX IF NOT EXISTS idx_activities_created ON activities(created_at);
	`, idCol)
	_, err := s.db.Exec(schema)
	return err
}

type activityRow struct {
	ID        int64     `db:"id"`
	AgentName string    `db:"agent_name"`
	Kind      string    `db:"kind"`
	Payload   string    `db:"payload"`
	Truncated int       `db:"truncated"`
	CreatedAt time.Time `db:"created_at"`
}

func (r *activityRow) toAPI() *v1.Activity {
	return &v1.Activity{
		ID:        r.ID,
		AgentName: r.AgentName,
		Kind:      r.Kind,
		Payload:   json.RawMessage(r.Payload),
		Truncated: r.Truncated != 0,
		CreatedAt: r.CreatedAt,
	}
}

// Append stores one activity and returns it with its assigned id.
// Oversized payloads are replaced by a marker that preserves the original
// size; the Truncated flag tells readers the payload is not the original.
func (s *Store) Append(ctx context.Context, agent, kind string, payload json.RawMessage) (*v1.Activity, error) {
	truncated := 0
	if len(payload) > MaxPayloadBytes {
		marker, _ := json.Marshal(map[string]any{
			"truncated":      true,
			"original_bytes": len(payload),
		})
		payload = marker
		truncated = 1
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	now := time.Now().UTC()
	id, err := dialect.InsertReturningID(ctx, s.db, `
		INSERT INTO activities (agent_name, kind, payload, truncated, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		agent, kind, string(payload), truncated, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert activity: %w", err)
	}

	return &v1.Activity{
		ID:        id,
		AgentName: agent,
		Kind:      kind,
		Payload:   payload,
		Truncated: truncated != 0,
		CreatedAt: now,
	}, nil
}

// List returns up to limit activities for an agent, newest first. A zero
// cursor starts at the newest entry; otherwise only entries older than the
// cursor id are returned.
func (s *Store) List(ctx context.Context, agent string, cursor int64, limit int) (*v1.ActivityPage, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `SELECT id, agent_name, kind, payload, truncated, created_at
		FROM activities WHERE agent_name = ?`
	args := []any{agent}
	if cursor > 0 {
		query += " AND id < ?"
		args = append(args, cursor)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	var rows []activityRow
	if err := s.ro.SelectContext(ctx, &rows, s.ro.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}

	page := &v1.ActivityPage{Items: make([]*v1.Activity, 0, len(rows))}
	for i := range rows {
		page.Items = append(page.Items, rows[i].toAPI())
	}
	if len(rows) == limit {
		page.NextCursor = rows[len(rows)-1].ID
	}
	return page, nil
}

// Get returns one activity by id.
func (s *Store) Get(ctx context.Context, id int64) (*v1.Activity, error) {
	var row activityRow
	err := s.ro.GetContext(ctx, &row, s.ro.Rebind(`
		SELECT id, agent_name, kind, payload, truncated, created_at
		FROM activities WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("activity %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get activity: %w", err)
	}
	return row.toAPI(), nil
}

// DeleteOlderThan removes activities created before the cutoff and reports
// how many rows went away.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM activities WHERE created_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune activities: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteForAgent removes every activity belonging to an agent. Called when
// the agent itself is deleted.
func (s *Store) DeleteForAgent(ctx context.Context, agent string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM activities WHERE agent_name = ?`), agent)
	if err != nil {
		return fmt.Errorf("delete agent activities: %w", err)
	}
	return nil
}
