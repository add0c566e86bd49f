package user

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinity/trinity/internal/common/config"
	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/db"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

func newTestService(t *testing.T, cfg config.AuthConfig) *Service {
	t.Helper()
	pool, err := db.Open(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "trinity.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	store, err := NewStore(pool)
	require.NoError(t, err)

	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 3600
	}
	return NewService(store, cfg, log)
}

func TestCreateUserAndLogin(t *testing.T) {
	s := newTestService(t, config.AuthConfig{})
	ctx := context.Background()

	u, err := s.Store().CreateUser(ctx, "Alice@Example.com", "hunter2hunter2", v1.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", u.Email)
	assert.Equal(t, v1.RoleAdmin, u.Role)

	// Duplicate email is a conflict, whatever the case.
	_, err = s.Store().CreateUser(ctx, "alice@example.com", "hunter2hunter2", v1.RoleMember)
	assert.True(t, apperrors.Is(err, apperrors.CodeConflict))

	// Short passwords are rejected before hashing.
	_, err = s.Store().CreateUser(ctx, "bob@example.com", "short", v1.RoleMember)
	assert.True(t, apperrors.Is(err, apperrors.CodeInvalidInput))

	resp, err := s.Login(ctx, "alice@example.com", "hunter2hunter2")
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, u.ID, resp.User.ID)
	assert.True(t, resp.ExpiresAt.After(time.Now()))

	auth, err := s.Authenticate(ctx, resp.Token)
	require.NoError(t, err)
	assert.Equal(t, u.ID, auth.User.ID)
	assert.Nil(t, auth.Key)
}

func TestLoginBadCredentials(t *testing.T) {
	s := newTestService(t, config.AuthConfig{})
	ctx := context.Background()

	_, err := s.Store().CreateUser(ctx, "alice@example.com", "hunter2hunter2", v1.RoleMember)
	require.NoError(t, err)

	// Wrong password and unknown email fail the same way.
	_, err = s.Login(ctx, "alice@example.com", "wrong-password")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeUnauthorized))

	_, err2 := s.Login(ctx, "ghost@example.com", "whatever-pass")
	require.Error(t, err2)
	assert.True(t, apperrors.Is(err2, apperrors.CodeUnauthorized))
	assert.Equal(t, err.Error(), err2.Error())
}

func TestLogoutInvalidatesSession(t *testing.T) {
	s := newTestService(t, config.AuthConfig{})
	ctx := context.Background()

	_, err := s.Store().CreateUser(ctx, "alice@example.com", "hunter2hunter2", v1.RoleMember)
	require.NoError(t, err)
	resp, err := s.Login(ctx, "alice@example.com", "hunter2hunter2")
	require.NoError(t, err)

	require.NoError(t, s.Logout(ctx, resp.Token))
	_, err = s.Authenticate(ctx, resp.Token)
	assert.True(t, apperrors.Is(err, apperrors.CodeUnauthorized))
}

func TestSessionExpiry(t *testing.T) {
	s := newTestService(t, config.AuthConfig{SessionTTL: -1})
	ctx := context.Background()

	_, err := s.Store().CreateUser(ctx, "alice@example.com", "hunter2hunter2", v1.RoleMember)
	require.NoError(t, err)
	resp, err := s.Login(ctx, "alice@example.com", "hunter2hunter2")
	require.NoError(t, err)

	_, err = s.Authenticate(ctx, resp.Token)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeUnauthorized))

	// The expired session is gone, and the pruner finds nothing left.
	n, err := s.Store().PruneSessions(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMintAndVerifyKey(t *testing.T) {
	s := newTestService(t, config.AuthConfig{})
	ctx := context.Background()

	u, err := s.Store().CreateUser(ctx, "alice@example.com", "hunter2hunter2", v1.RoleMember)
	require.NoError(t, err)

	minted, err := s.MintKey(ctx, u.ID, &v1.MintMCPKeyRequest{Name: "ci"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(minted.Full, KeyPrefix))
	assert.True(t, strings.HasPrefix(minted.Full, minted.Key.Prefix))
	assert.NotEqual(t, minted.Full, minted.Key.Prefix)
	assert.Zero(t, minted.Key.UsageCount)

	auth, err := s.Authenticate(ctx, minted.Full)
	require.NoError(t, err)
	assert.Equal(t, u.ID, auth.User.ID)
	require.NotNil(t, auth.Key)
	assert.Equal(t, minted.Key.ID, auth.Key.ID)

	// Usage is counted.
	_, err = s.Authenticate(ctx, minted.Full)
	require.NoError(t, err)
	keys, err := s.ListKeys(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, int64(2), keys[0].UsageCount)
	assert.NotNil(t, keys[0].LastUsedAt)
}

func TestRevokedKeyRejected(t *testing.T) {
	s := newTestService(t, config.AuthConfig{})
	ctx := context.Background()

	u, err := s.Store().CreateUser(ctx, "alice@example.com", "hunter2hunter2", v1.RoleMember)
	require.NoError(t, err)
	minted, err := s.MintKey(ctx, u.ID, &v1.MintMCPKeyRequest{Name: "ci"})
	require.NoError(t, err)

	require.NoError(t, s.RevokeKey(ctx, minted.Key.ID, u.ID))
	_, err = s.Authenticate(ctx, minted.Full)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeUnauthorized))

	// Revoking again is a conflict; revoking someone else's key is not found.
	err = s.RevokeKey(ctx, minted.Key.ID, u.ID)
	assert.True(t, apperrors.Is(err, apperrors.CodeConflict))
	err = s.RevokeKey(ctx, minted.Key.ID, "other-user")
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))
}

func TestSystemKey(t *testing.T) {
	s := newTestService(t, config.AuthConfig{})
	ctx := context.Background()

	u, err := s.Store().CreateUser(ctx, "ops@example.com", "hunter2hunter2", v1.RoleMember)
	require.NoError(t, err)
	minted, err := s.MintKey(ctx, u.ID, &v1.MintMCPKeyRequest{Name: "fleet", System: true})
	require.NoError(t, err)

	auth, err := s.Authenticate(ctx, minted.Full)
	require.NoError(t, err)
	assert.True(t, auth.Key.System)
}

func TestBootstrapAdmin(t *testing.T) {
	s := newTestService(t, config.AuthConfig{
		BootstrapEmail:    "root@example.com",
		BootstrapPassword: "bootstrap-pass",
	})
	ctx := context.Background()

	require.NoError(t, s.EnsureBootstrapAdmin(ctx))
	resp, err := s.Login(ctx, "root@example.com", "bootstrap-pass")
	require.NoError(t, err)
	assert.Equal(t, v1.RoleAdmin, resp.User.Role)

	// Idempotent: a second call does not add accounts.
	require.NoError(t, s.EnsureBootstrapAdmin(ctx))
	users, err := s.Store().ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestDeleteUserCascades(t *testing.T) {
	s := newTestService(t, config.AuthConfig{})
	ctx := context.Background()

	u, err := s.Store().CreateUser(ctx, "alice@example.com", "hunter2hunter2", v1.RoleMember)
	require.NoError(t, err)
	resp, err := s.Login(ctx, "alice@example.com", "hunter2hunter2")
	require.NoError(t, err)
	minted, err := s.MintKey(ctx, u.ID, &v1.MintMCPKeyRequest{Name: "ci"})
	require.NoError(t, err)

	require.NoError(t, s.Store().DeleteUser(ctx, u.ID))

	_, err = s.Authenticate(ctx, resp.Token)
	assert.True(t, apperrors.Is(err, apperrors.CodeUnauthorized))
	_, err = s.Authenticate(ctx, minted.Full)
	assert.True(t, apperrors.Is(err, apperrors.CodeUnauthorized))
}
