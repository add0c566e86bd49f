// Package user manages accounts, login sessions, and MCP keys. Passwords
// are bcrypt hashed; session tokens and key secrets are stored only as
// SHA-256 digests.
package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/db"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// Store persists users, sessions, and MCP keys.
type Store struct {
	db *sqlx.DB
	ro *sqlx.DB
}

// NewStore creates the user store on the shared pool.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{db: pool.Writer(), ro: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("user schema init: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		email         TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role          TEXT NOT NULL,
		created_at    TIMESTAMP NOT NULL,
		updated_at    TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS user_sessions (
		token_hash TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON user_sessions(expires_at);
	CREATE TABLE IF NOT EXISTS mcp_keys (
		id           TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL,
		name         TEXT NOT NULL,
		prefix       TEXT NOT NULL,
		key_hash     TEXT NOT NULL UNIQUE,
		system_scope INTEGER NOT NULL DEFAULT 0,
		usage_count  INTEGER NOT NULL DEFAULT 0,
		last_used_at TIMESTAMP,
		revoked_at   TIMESTAMP,
		created_at   TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_mcp_keys_user ON mcp_keys(user_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

type userRow struct {
	ID           string    `db:"id"`
	Email        string    `db:"email"`
	PasswordHash string    `db:"password_hash"`
	Role         string    `db:"role"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (r *userRow) toAPI() *v1.User {
	return &v1.User{
		ID:        r.ID,
		Email:     r.Email,
		Role:      v1.Role(r.Role),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// CreateUser registers an account. The email must be unique.
func (s *Store) CreateUser(ctx context.Context, email, password string, role v1.Role) (*v1.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, apperrors.InvalidInput("email is required")
	}
	if len(password) < 8 {
		return nil, apperrors.InvalidInput("password must be at least 8 characters")
	}
	if role == "" {
		role = v1.RoleMember
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	id := uuid.New().String()
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO users (id, email, password_hash, role, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		id, email, string(hash), string(role), now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperrors.Conflict("email %s is already registered", email)
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return s.GetUser(ctx, id)
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") ||
		strings.Contains(msg, "duplicate key")
}

// GetUser returns one user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*v1.User, error) {
	var row userRow
	err := s.ro.GetContext(ctx, &row, s.ro.Rebind(
		`SELECT * FROM users WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("user %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return row.toAPI(), nil
}

// getByEmail returns the user row including the password hash.
func (s *Store) getByEmail(ctx context.Context, email string) (*userRow, error) {
	var row userRow
	err := s.ro.GetContext(ctx, &row, s.ro.Rebind(
		`SELECT * FROM users WHERE email = ?`), strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("user %s not found", email)
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return &row, nil
}

// ListUsers returns every account, oldest first.
func (s *Store) ListUsers(ctx context.Context) ([]*v1.User, error) {
	var rows []userRow
	err := s.ro.SelectContext(ctx, &rows, `SELECT * FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	users := make([]*v1.User, 0, len(rows))
	for i := range rows {
		users = append(users, rows[i].toAPI())
	}
	return users, nil
}

// CountUsers returns the number of registered accounts.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := s.ro.GetContext(ctx, &n, `SELECT COUNT(*) FROM users`)
	if err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// DeleteUser removes an account with its sessions and keys.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM users WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("user %s not found", id)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM user_sessions WHERE user_id = ?`), id); err != nil {
		return fmt.Errorf("delete user sessions: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM mcp_keys WHERE user_id = ?`), id); err != nil {
		return fmt.Errorf("delete user keys: %w", err)
	}
	return nil
}

func (s *Store) insertSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO user_sessions (token_hash, user_id, expires_at, created_at)
		VALUES (?, ?, ?, ?)`),
		tokenHash, userID, expiresAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

type sessionRow struct {
	TokenHash string    `db:"token_hash"`
	UserID    string    `db:"user_id"`
	ExpiresAt time.Time `db:"expires_at"`
	CreatedAt time.Time `db:"created_at"`
}

func (s *Store) getSession(ctx context.Context, tokenHash string) (*sessionRow, error) {
	var row sessionRow
	err := s.ro.GetContext(ctx, &row, s.ro.Rebind(
		`SELECT * FROM user_sessions WHERE token_hash = ?`), tokenHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Unauthorized("session not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &row, nil
}

func (s *Store) deleteSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM user_sessions WHERE token_hash = ?`), tokenHash)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// PruneSessions drops expired login sessions.
func (s *Store) PruneSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM user_sessions WHERE expires_at < ?`), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type keyRow struct {
	ID          string     `db:"id"`
	UserID      string     `db:"user_id"`
	Name        string     `db:"name"`
	Prefix      string     `db:"prefix"`
	KeyHash     string     `db:"key_hash"`
	SystemScope int        `db:"system_scope"`
	UsageCount  int64      `db:"usage_count"`
	LastUsedAt  *time.Time `db:"last_used_at"`
	RevokedAt   *time.Time `db:"revoked_at"`
	CreatedAt   time.Time  `db:"created_at"`
}

func (r *keyRow) toAPI() *v1.MCPKey {
	return &v1.MCPKey{
		ID:         r.ID,
		UserID:     r.UserID,
		Name:       r.Name,
		Prefix:     r.Prefix,
		System:     r.SystemScope != 0,
		UsageCount: r.UsageCount,
		LastUsedAt: r.LastUsedAt,
		RevokedAt:  r.RevokedAt,
		CreatedAt:  r.CreatedAt,
	}
}

func (s *Store) insertKey(ctx context.Context, row *keyRow) error {
	system := 0
	if row.SystemScope != 0 {
		system = 1
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO mcp_keys (id, user_id, name, prefix, key_hash, system_scope, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		row.ID, row.UserID, row.Name, row.Prefix, row.KeyHash, system, row.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert key: %w", err)
	}
	return nil
}

func (s *Store) getKeyByHash(ctx context.Context, keyHash string) (*keyRow, error) {
	var row keyRow
	err := s.ro.GetContext(ctx, &row, s.ro.Rebind(
		`SELECT * FROM mcp_keys WHERE key_hash = ?`), keyHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Unauthorized("unknown key")
	}
	if err != nil {
		return nil, fmt.Errorf("get key: %w", err)
	}
	return &row, nil
}

// ListKeys returns a user's keys, newest first. Hashes never leave the store.
func (s *Store) ListKeys(ctx context.Context, userID string) ([]*v1.MCPKey, error) {
	var rows []keyRow
	err := s.ro.SelectContext(ctx, &rows, s.ro.Rebind(`
		SELECT * FROM mcp_keys WHERE user_id = ? ORDER BY created_at DESC`), userID)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	keys := make([]*v1.MCPKey, 0, len(rows))
	for i := range rows {
		keys = append(keys, rows[i].toAPI())
	}
	return keys, nil
}

// RevokeKey marks a key unusable. Revoking twice is a conflict.
func (s *Store) RevokeKey(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE mcp_keys SET revoked_at = ?
		WHERE id = ? AND user_id = ? AND revoked_at IS NULL`),
		time.Now().UTC(), id, userID)
	if err != nil {
		return fmt.Errorf("revoke key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := s.ro.GetContext(ctx, &exists, s.ro.Rebind(
			`SELECT COUNT(*) FROM mcp_keys WHERE id = ? AND user_id = ?`), id, userID); err == nil && exists > 0 {
			return apperrors.Conflict("key %s is already revoked", id)
		}
		return apperrors.NotFound("key %s not found", id)
	}
	return nil
}

func (s *Store) touchKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE mcp_keys SET usage_count = usage_count + 1, last_used_at = ?
		WHERE id = ?`),
		time.Now().UTC(), id)
	return err
}
