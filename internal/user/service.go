package user

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/trinity/trinity/internal/common/config"
	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/common/logger"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// KeyPrefix marks MCP key tokens so they can be told apart from session
// tokens at the auth boundary.
const KeyPrefix = "trinity_mcp_"

// Service implements login sessions and MCP key authentication on top of
// the store.
type Service struct {
	store  *Store
	cfg    config.AuthConfig
	logger *logger.Logger
}

// AuthResult identifies the authenticated principal. Key is set only for
// MCP key authentication.
type AuthResult struct {
	User *v1.User
	Key  *v1.MCPKey
}

// NewService creates the auth service.
func NewService(store *Store, cfg config.AuthConfig, log *logger.Logger) *Service {
	return &Service{
		store:  store,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "auth")),
	}
}

// Store exposes the underlying store for account administration.
func (s *Service) Store() *Store { return s.store }

// EnsureBootstrapAdmin seeds the first admin account when the user table is
// empty and bootstrap credentials are configured.
func (s *Service) EnsureBootstrapAdmin(ctx context.Context) error {
	n, err := s.store.CountUsers(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if s.cfg.BootstrapEmail == "" || s.cfg.BootstrapPassword == "" {
		s.logger.Warn("no users exist and no bootstrap credentials configured; logins will fail")
		return nil
	}
	u, err := s.store.CreateUser(ctx, s.cfg.BootstrapEmail, s.cfg.BootstrapPassword, v1.RoleAdmin)
	if err != nil {
		return err
	}
	s.logger.Info("bootstrap admin created", zap.String("email", u.Email))
	return nil
}

// Login verifies credentials and opens a session. Unknown emails and wrong
// passwords are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string) (*v1.LoginResponse, error) {
	row, err := s.store.getByEmail(ctx, email)
	if err != nil {
		if apperrors.Is(err, apperrors.CodeNotFound) {
			return nil, apperrors.Unauthorized("invalid credentials")
		}
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(row.PasswordHash), []byte(password)) != nil {
		return nil, apperrors.Unauthorized("invalid credentials")
	}

	token, err := randomToken()
	if err != nil {
		return nil, err
	}
	expiresAt := time.Now().UTC().Add(s.cfg.SessionTTLDuration())
	if err := s.store.insertSession(ctx, hashToken(token), row.ID, expiresAt); err != nil {
		return nil, err
	}
	return &v1.LoginResponse{
		Token:     token,
		User:      row.toAPI(),
		ExpiresAt: expiresAt,
	}, nil
}

// Logout closes the session. Unknown tokens are ignored.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.store.deleteSession(ctx, hashToken(token))
}

// Authenticate resolves a bearer token to its principal. MCP keys carry the
// trinity_mcp_ prefix; everything else is treated as a session token.
func (s *Service) Authenticate(ctx context.Context, token string) (*AuthResult, error) {
	if token == "" {
		return nil, apperrors.Unauthorized("missing bearer token")
	}
	if strings.HasPrefix(token, KeyPrefix) {
		return s.authenticateKey(ctx, token)
	}

	sess, err := s.store.getSession(ctx, hashToken(token))
	if err != nil {
		return nil, err
	}
	if time.Now().UTC().After(sess.ExpiresAt) {
		_ = s.store.deleteSession(ctx, sess.TokenHash)
		return nil, apperrors.Unauthorized("session expired")
	}
	u, err := s.store.GetUser(ctx, sess.UserID)
	if err != nil {
		return nil, apperrors.Unauthorized("session user no longer exists")
	}
	return &AuthResult{User: u}, nil
}

func (s *Service) authenticateKey(ctx context.Context, token string) (*AuthResult, error) {
	row, err := s.store.getKeyByHash(ctx, hashToken(token))
	if err != nil {
		return nil, err
	}
	if row.RevokedAt != nil {
		return nil, apperrors.Unauthorized("key has been revoked")
	}
	u, err := s.store.GetUser(ctx, row.UserID)
	if err != nil {
		return nil, apperrors.Unauthorized("key owner no longer exists")
	}
	if err := s.store.touchKey(ctx, row.ID); err != nil {
		s.logger.Warn("key usage bump failed", zap.String("key", row.ID), zap.Error(err))
	}
	return &AuthResult{User: u, Key: row.toAPI()}, nil
}

// MintKey creates an MCP key. The full secret appears in the response and
// nowhere else; the store keeps only its digest.
func (s *Service) MintKey(ctx context.Context, userID string, req *v1.MintMCPKeyRequest) (*v1.MintMCPKeyResponse, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}

	secret, err := randomToken()
	if err != nil {
		return nil, err
	}
	full := KeyPrefix + secret
	row := &keyRow{
		ID:        newKeyID(),
		UserID:    userID,
		Name:      req.Name,
		Prefix:    full[:len(KeyPrefix)+6],
		KeyHash:   hashToken(full),
		CreatedAt: time.Now().UTC(),
	}
	if req.System {
		row.SystemScope = 1
	}
	if err := s.store.insertKey(ctx, row); err != nil {
		return nil, err
	}
	s.logger.Info("mcp key minted",
		zap.String("key", row.ID),
		zap.String("prefix", row.Prefix),
		zap.String("user", userID))
	return &v1.MintMCPKeyResponse{Key: row.toAPI(), Full: full}, nil
}

// ListKeys returns a user's key metadata.
func (s *Service) ListKeys(ctx context.Context, userID string) ([]*v1.MCPKey, error) {
	return s.store.ListKeys(ctx, userID)
}

// RevokeKey revokes one of the user's keys.
func (s *Service) RevokeKey(ctx context.Context, id, userID string) error {
	return s.store.RevokeKey(ctx, id, userID)
}

// StartSessionPruner drops expired sessions on an interval until the
// context ends.
func (s *Service) StartSessionPruner(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := s.store.PruneSessions(ctx); err != nil {
					s.logger.Warn("session prune failed", zap.Error(err))
				} else if n > 0 {
					s.logger.Debug("pruned sessions", zap.Int64("count", n))
				}
			}
		}
	}()
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func newKeyID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return "key_" + hex.EncodeToString(buf)
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
