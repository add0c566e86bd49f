package agent

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

// Store persists agents, their port assignments, invocation permissions,
// and shared folders.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader

	sshPortBase  int
	httpPortBase int
}

// NewStore creates the agent store and initializes its schema.
func NewStore(pool *db.Pool, sshPortBase, httpPortBase int) (*Store, error) {
	s := &Store{
		db:           pool.Writer(),
		ro:           pool.Reader(),
		sshPortBase:  sshPortBase,
		httpPortBase: httpPortBase,
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("agent schema init: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id               TEXT PRIMARY KEY,
		name             TEXT NOT NULL UNIQUE,
		owner_id         TEXT NOT NULL,
		template_ref     TEXT NOT NULL,
		revision         TEXT NOT NULL DEFAULT '',
		state            TEXT NOT NULL,
		state_reason     TEXT NOT NULL DEFAULT '',
		container_id     TEXT,
		cpus             REAL NOT NULL DEFAULT 1.0,
		memory_mb        INTEGER NOT NULL DEFAULT 2048,
		meta_prompt      TEXT NOT NULL DEFAULT '',
		is_system        INTEGER NOT NULL DEFAULT 0,
		autonomy_enabled INTEGER NOT NULL DEFAULT 0,
		shared_with      TEXT NOT NULL DEFAULT '[]',
		last_start_error TEXT,
		created_at       TIMESTAMP NOT NULL,
		updated_at       TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agents_owner ON agents(owner_id);

	CREATE TABLE IF NOT EXISTS agent_ports (
		agent_name TEXT PRIMARY KEY,
		ssh_port   INTEGER NOT NULL UNIQUE,
		http_port  INTEGER NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS invocation_permissions (
		caller_agent TEXT NOT NULL,
		target_agent TEXT NOT NULL,
		granted_by   TEXT NOT NULL,
		created_at   TIMESTAMP NOT NULL,
		PRIMARY KEY (caller_agent, target_agent)
	);

	CREATE TABLE IF NOT EXISTS shared_folders (
		id             TEXT PRIMARY KEY,
		producer_agent TEXT NOT NULL,
		path           TEXT NOT NULL,
		created_at     TIMESTAMP NOT NULL,
		UNIQUE (producer_agent, path)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// agentRow is the DB scan target for agents.
type agentRow struct {
	ID           string         `db:"id"`
	Name         string         `db:"name"`
	OwnerID      string         `db:"owner_id"`
	TemplateRef  string         `db:"template_ref"`
	Revision     string         `db:"revision"`
	State        string         `db:"state"`
	StateReason  string         `db:"state_reason"`
	ContainerID  sql.NullString `db:"container_id"`
	CPUs         float64        `db:"cpus"`
	MemoryMB     int64          `db:"memory_mb"`
	MetaPrompt   string         `db:"meta_prompt"`
	IsSystem     bool           `db:"is_system"`
	Autonomy     bool           `db:"autonomy_enabled"`
	SharedWith   string         `db:"shared_with"`
	LastStartErr sql.NullString `db:"last_start_error"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
	SSHPort      sql.NullInt64  `db:"ssh_port"`
	HTTPPort     sql.NullInt64  `db:"http_port"`
}

func (r *agentRow) toAgent() *v1.Agent {
	a := &v1.Agent{
		ID:          r.ID,
		Name:        r.Name,
		OwnerID:     r.OwnerID,
		TemplateRef: r.TemplateRef,
		Revision:    r.Revision,
		State:       v1.AgentState(r.State),
		StateReason: r.StateReason,
		Resources:   v1.ResourceLimits{CPUs: r.CPUs, MemoryMB: r.MemoryMB},
		MetaPrompt:  r.MetaPrompt,
		IsSystem:    r.IsSystem,
		Autonomy:    r.Autonomy,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		Ports: v1.AgentPorts{
			SSH:  int(r.SSHPort.Int64),
			HTTP: int(r.HTTPPort.Int64),
		},
	}
	if r.ContainerID.Valid {
		a.ContainerID = &r.ContainerID.String
	}
	if r.LastStartErr.Valid {
		a.LastStartErr = &r.LastStartErr.String
	}
	if r.SharedWith != "" {
		_ = json.Unmarshal([]byte(r.SharedWith), &a.SharedWith)
	}
	return a
}

const agentSelect = `
	SELECT a.id, a.name, a.owner_id, a.template_ref, a.revision, a.state,
	       a.state_reason, a.container_id, a.cpus, a.memory_mb, a.meta_prompt,
	       a.is_system, a.autonomy_enabled, a.shared_with, a.last_start_error,
	       a.created_at, a.updated_at, p.ssh_port, p.http_port
	FROM agents a
	LEFT JOIN agent_ports p ON p.agent_name = a.name`

// Create inserts a new agent record and allocates its host ports in one
// transaction. Fails with Conflict when the name is taken.
func (s *Store) Create(ctx context.Context, a *v1.Agent) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	sharedJSON, err := json.Marshal(a.SharedWith)
	if err != nil {
		sharedJSON = []byte("[]")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.GetContext(ctx, &exists, tx.Rebind(`SELECT COUNT(*) FROM agents WHERE name = ?`), a.Name); err != nil {
		return fmt.Errorf("check name: %w", err)
	}
	if exists > 0 {
		return apperrors.Conflict("agent name %s is taken", a.Name)
	}

	// Allocate the next free ports from the reserved bands.
	var maxSSH, maxHTTP sql.NullInt64
	if err := tx.GetContext(ctx, &maxSSH, `SELECT MAX(ssh_port) FROM agent_ports`); err != nil {
		return fmt.Errorf("max ssh port: %w", err)
	}
	if err := tx.GetContext(ctx, &maxHTTP, `SELECT MAX(http_port) FROM agent_ports`); err != nil {
		return fmt.Errorf("max http port: %w", err)
	}
	sshPort := s.sshPortBase
	if maxSSH.Valid && int(maxSSH.Int64) >= sshPort {
		sshPort = int(maxSSH.Int64) + 1
	}
	httpPort := s.httpPortBase
	if maxHTTP.Valid && int(maxHTTP.Int64) >= httpPort {
		httpPort = int(maxHTTP.Int64) + 1
	}
	a.Ports = v1.AgentPorts{SSH: sshPort, HTTP: httpPort}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO agents (id, name, owner_id, template_ref, revision, state, state_reason,
			container_id, cpus, memory_mb, meta_prompt, is_system, autonomy_enabled,
			shared_with, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.Name, a.OwnerID, a.TemplateRef, a.Revision, string(a.State), a.StateReason,
		a.ContainerID, a.Resources.CPUs, a.Resources.MemoryMB, a.MetaPrompt,
		a.IsSystem, a.Autonomy, string(sharedJSON), now, now,
	)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO agent_ports (agent_name, ssh_port, http_port) VALUES (?, ?, ?)`),
		a.Name, sshPort, httpPort,
	)
	if err != nil {
		return fmt.Errorf("insert ports: %w", err)
	}

	return tx.Commit()
}

// GetByName returns one agent.
func (s *Store) GetByName(ctx context.Context, name string) (*v1.Agent, error) {
	var row agentRow
	err := s.ro.GetContext(ctx, &row, s.ro.Rebind(agentSelect+` WHERE a.name = ?`), name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("agent %s not found", name)
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return row.toAgent(), nil
}

// List returns every agent. Visibility filtering happens in the access
// layer, not here.
func (s *Store) List(ctx context.Context) ([]*v1.Agent, error) {
	var rows []agentRow
	if err := s.ro.SelectContext(ctx, &rows, agentSelect+` ORDER BY a.name`); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	agents := make([]*v1.Agent, len(rows))
	for i := range rows {
		agents[i] = rows[i].toAgent()
	}
	return agents, nil
}

// UpdateState records a lifecycle state change.
func (s *Store) UpdateState(ctx context.Context, name string, state v1.AgentState, reason string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agents SET state = ?, state_reason = ?, updated_at = ? WHERE name = ?`),
		string(state), reason, time.Now().UTC(), name)
	if err != nil {
		return fmt.Errorf("update state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("agent %s not found", name)
	}
	return nil
}

// SetRevision records the template revision the agent's container was
// built from.
func (s *Store) SetRevision(ctx context.Context, name, revision string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agents SET revision = ?, updated_at = ? WHERE name = ?`),
		revision, time.Now().UTC(), name)
	if err != nil {
		return fmt.Errorf("set revision: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("agent %s not found", name)
	}
	return nil
}

// SetContainerID stores the engine container id for the agent, or clears
// it with an empty string.
func (s *Store) SetContainerID(ctx context.Context, name, containerID string) error {
	var value any
	if containerID != "" {
		value = containerID
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agents SET container_id = ?, updated_at = ? WHERE name = ?`),
		value, time.Now().UTC(), name)
	if err != nil {
		return fmt.Errorf("set container id: %w", err)
	}
	return nil
}

// SetLastStartError records why the most recent start failed.
func (s *Store) SetLastStartError(ctx context.Context, name, message string) error {
	var value any
	if message != "" {
		value = message
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agents SET last_start_error = ?, updated_at = ? WHERE name = ?`),
		value, time.Now().UTC(), name)
	if err != nil {
		return fmt.Errorf("set last start error: %w", err)
	}
	return nil
}

// Update applies mutable field changes.
func (s *Store) Update(ctx context.Context, name string, req *v1.UpdateAgentRequest) error {
	existing, err := s.GetByName(ctx, name)
	if err != nil {
		return err
	}
	if req.MetaPrompt != nil {
		existing.MetaPrompt = *req.MetaPrompt
	}
	if req.Autonomy != nil {
		existing.Autonomy = *req.Autonomy
	}
	if req.Resources != nil {
		existing.Resources = *req.Resources
	}
	if req.SharedWith != nil {
		existing.SharedWith = req.SharedWith
	}
	sharedJSON, err := json.Marshal(existing.SharedWith)
	if err != nil {
		sharedJSON = []byte("[]")
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agents SET meta_prompt = ?, autonomy_enabled = ?, cpus = ?, memory_mb = ?,
			shared_with = ?, updated_at = ?
		WHERE name = ?`),
		existing.MetaPrompt, existing.Autonomy, existing.Resources.CPUs,
		existing.Resources.MemoryMB, string(sharedJSON), time.Now().UTC(), name)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	return nil
}

// Delete removes the agent and everything hanging off it.
func (s *Store) Delete(ctx context.Context, name string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM agents WHERE name = ?`), name)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("agent %s not found", name)
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM agent_ports WHERE agent_name = ?`), name); err != nil {
		return fmt.Errorf("delete agent ports: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(
		`DELETE FROM invocation_permissions WHERE caller_agent = ? OR target_agent = ?`), name, name); err != nil {
		return fmt.Errorf("delete invocation permissions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM shared_folders WHERE producer_agent = ?`), name); err != nil {
		return fmt.Errorf("delete shared folders: %w", err)
	}

	return tx.Commit()
}

// GrantInvocation allows caller to invoke target.
func (s *Store) GrantInvocation(ctx context.Context, caller, target, grantedBy string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO invocation_permissions (caller_agent, target_agent, granted_by, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (caller_agent, target_agent) DO NOTHING`),
		caller, target, grantedBy, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("grant invocation: %w", err)
	}
	return nil
}

// RevokeInvocation removes a caller→target grant.
func (s *Store) RevokeInvocation(ctx context.Context, caller, target string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM invocation_permissions WHERE caller_agent = ? AND target_agent = ?`),
		caller, target)
	if err != nil {
		return fmt.Errorf("revoke invocation: %w", err)
	}
	return nil
}

// HasInvocation reports whether caller has an explicit grant on target.
func (s *Store) HasInvocation(ctx context.Context, caller, target string) (bool, error) {
	var count int
	err := s.ro.GetContext(ctx, &count, s.ro.Rebind(`
		SELECT COUNT(*) FROM invocation_permissions WHERE caller_agent = ? AND target_agent = ?`),
		caller, target)
	if err != nil {
		return false, fmt.Errorf("check invocation: %w", err)
	}
	return count > 0, nil
}

// ListInvocations returns every grant involving the agent.
func (s *Store) ListInvocations(ctx context.Context, agentName string) ([]*v1.InvocationPermission, error) {
	type row struct {
		Caller    string    `db:"caller_agent"`
		Target    string    `db:"target_agent"`
		GrantedBy string    `db:"granted_by"`
		CreatedAt time.Time `db:"created_at"`
	}
	var rows []row
	err := s.ro.SelectContext(ctx, &rows, s.ro.Rebind(`
		SELECT caller_agent, target_agent, granted_by, created_at
		FROM invocation_permissions
		WHERE caller_agent = ? OR target_agent = ?
		ORDER BY created_at`), agentName, agentName)
	if err != nil {
		return nil, fmt.Errorf("list invocations: %w", err)
	}
	perms := make([]*v1.InvocationPermission, len(rows))
	for i, r := range rows {
		perms[i] = &v1.InvocationPermission{
			CallerAgent: r.Caller,
			TargetAgent: r.Target,
			GrantedBy:   r.GrantedBy,
			CreatedAt:   r.CreatedAt,
		}
	}
	return perms, nil
}

// AddSharedFolder registers a folder the producer exposes read-only.
func (s *Store) AddSharedFolder(ctx context.Context, producer, path string) (*v1.SharedFolder, error) {
	folder := &v1.SharedFolder{
		ID:            uuid.New().String(),
		ProducerAgent: producer,
		Path:          path,
		CreatedAt:     time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO shared_folders (id, producer_agent, path, created_at) VALUES (?, ?, ?, ?)`),
		folder.ID, folder.ProducerAgent, folder.Path, folder.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("add shared folder: %w", err)
	}
	return folder, nil
}

// RemoveSharedFolder stops exposing one of the producer's folders.
func (s *Store) RemoveSharedFolder(ctx context.Context, producer, path string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM shared_folders WHERE producer_agent = ? AND path = ?`),
		producer, path)
	if err != nil {
		return fmt.Errorf("remove shared folder: %w", err)
	}
	return nil
}

// ListSharedFolders returns all exposed folders, or those of one producer
// when producer is non-empty.
func (s *Store) ListSharedFolders(ctx context.Context, producer string) ([]*v1.SharedFolder, error) {
	type row struct {
		ID        string    `db:"id"`
		Producer  string    `db:"producer_agent"`
		Path      string    `db:"path"`
		CreatedAt time.Time `db:"created_at"`
	}
	query := `SELECT id, producer_agent, path, created_at FROM shared_folders`
	args := []any{}
	if producer != "" {
		query += ` WHERE producer_agent = ?`
		args = append(args, producer)
	}
	query += ` ORDER BY created_at`

	var rows []row
	if err := s.ro.SelectContext(ctx, &rows, s.ro.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list shared folders: %w", err)
	}
	folders := make([]*v1.SharedFolder, len(rows))
	for i, r := range rows {
		folders[i] = &v1.SharedFolder{
			ID:            r.ID,
			ProducerAgent: r.Producer,
			Path:          r.Path,
			CreatedAt:     r.CreatedAt,
		}
	}
	return folders, nil
}
