package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinity/trinity/internal/access"
	"github.com/trinity/trinity/internal/activity"
	"github.com/trinity/trinity/internal/agent"
	"github.com/trinity/trinity/internal/common/config"
	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/common/httpmw"
	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/db"
	"github.com/trinity/trinity/internal/events/bus"
	"github.com/trinity/trinity/internal/process"
	"github.com/trinity/trinity/internal/queue"
	"github.com/trinity/trinity/internal/scheduler"
	"github.com/trinity/trinity/internal/secrets"
	"github.com/trinity/trinity/internal/session"
	"github.com/trinity/trinity/internal/user"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

type harness struct {
	server    *Server
	users     *user.Service
	agents    *agent.Store
	processes *process.Store
}

func newTestServer(t *testing.T) *harness {
	t.Helper()

	pool, err := db.Open(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "trinity.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	sanitizer := apperrors.NewSanitizer()
	respond := httpmw.NewResponder(sanitizer)

	crypto, err := secrets.NewMasterKeyProvider(t.TempDir())
	require.NoError(t, err)
	secretStore, closeSecrets, err := secrets.Provide(pool, crypto)
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeSecrets() })
	secretsSvc := secrets.NewService(secretStore, sanitizer, log)

	agents, err := agent.NewStore(pool, 2222, 8000)
	require.NoError(t, err)
	userStore, err := user.NewStore(pool)
	require.NoError(t, err)
	users := user.NewService(userStore, config.AuthConfig{SessionTTL: 3600}, log)

	eventBus := bus.NewMemoryEventBus(log)
	actStore, err := activity.NewStore(pool)
	require.NoError(t, err)
	sessions, err := session.NewStore(pool)
	require.NoError(t, err)
	execs, err := queue.NewExecStore(pool)
	require.NoError(t, err)
	schedules, err := scheduler.NewStore(pool)
	require.NoError(t, err)
	processes, err := process.NewStore(pool)
	require.NoError(t, err)

	server := NewServer(Deps{
		Config:    config.ServerConfig{Host: "127.0.0.1"},
		Users:     users,
		Matrix:    access.NewMatrix(agents),
		Agents:    agents,
		Execs:     execs,
		Sessions:  sessions,
		Activity:  activity.NewService(actStore, eventBus, log),
		Schedules: schedules,
		Processes: processes,
		Bus:       eventBus,
		Secrets:   secrets.NewHandler(secretsSvc, respond, log),
		Responder: respond,
		Logger:    log,
	})
	return &harness{server: server, users: users, agents: agents, processes: processes}
}

func (h *harness) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.server.http.Handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) addUser(t *testing.T, email string, role v1.Role) (*v1.User, string) {
	t.Helper()
	u, err := h.users.Store().CreateUser(context.Background(), email, "hunter2hunter2", role)
	require.NoError(t, err)
	resp, err := h.users.Login(context.Background(), email, "hunter2hunter2")
	require.NoError(t, err)
	return u, resp.Token
}

func (h *harness) addAgent(t *testing.T, name, ownerID string, sharedWith ...string) *v1.Agent {
	t.Helper()
	a := &v1.Agent{
		Name:        name,
		OwnerID:     ownerID,
		TemplateRef: "local/echo",
		State:       v1.AgentStateStopped,
		SharedWith:  sharedWith,
	}
	require.NoError(t, h.agents.Create(context.Background(), a))
	return a
}

func TestAuthRequired(t *testing.T) {
	h := newTestServer(t)

	rec := h.do(t, http.MethodGet, "/api/agents", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/agents", "not-a-real-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginAndMe(t *testing.T) {
	h := newTestServer(t)
	h.addUser(t, "alice@example.com", v1.RoleMember)

	rec := h.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email":    "alice@example.com",
		"password": "hunter2hunter2",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var login v1.LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))
	require.NotEmpty(t, login.Token)

	rec = h.do(t, http.MethodGet, "/api/auth/me", login.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alice@example.com")

	// Wrong credentials never say which part was wrong.
	rec = h.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email":    "alice@example.com",
		"password": "wrong-password",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid credentials")
}

func TestInvisibleAgentIsNotFound(t *testing.T) {
	h := newTestServer(t)
	owner, _ := h.addUser(t, "owner@example.com", v1.RoleMember)
	_, otherToken := h.addUser(t, "other@example.com", v1.RoleMember)
	_, adminToken := h.addUser(t, "admin@example.com", v1.RoleAdmin)
	h.addAgent(t, "research", owner.ID)

	// A stranger gets 404, never 403: agent names are not probeable.
	rec := h.do(t, http.MethodGet, "/api/agents/research", otherToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/agents", otherToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "research")

	rec = h.do(t, http.MethodGet, "/api/agents/research", adminToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSharedAgentIsReadOnly(t *testing.T) {
	h := newTestServer(t)
	owner, _ := h.addUser(t, "owner@example.com", v1.RoleMember)
	viewer, viewerToken := h.addUser(t, "viewer@example.com", v1.RoleMember)
	h.addAgent(t, "research", owner.ID, viewer.ID)

	rec := h.do(t, http.MethodGet, "/api/agents/research", viewerToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Shared visibility does not grant manage: this is a 403, not a 404,
	// because the viewer legitimately knows the agent exists.
	prompt := "be terse"
	rec = h.do(t, http.MethodPatch, "/api/agents/research", viewerToken, v1.UpdateAgentRequest{MetaPrompt: &prompt})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMCPKeyRoundTrip(t *testing.T) {
	h := newTestServer(t)
	_, token := h.addUser(t, "alice@example.com", v1.RoleMember)

	rec := h.do(t, http.MethodPost, "/api/keys", token, v1.MintMCPKeyRequest{Name: "ci"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var minted v1.MintMCPKeyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &minted))
	require.NotEmpty(t, minted.Full)

	// The key works as a bearer token.
	rec = h.do(t, http.MethodGet, "/api/agents", minted.Full, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodDelete, "/api/keys/"+minted.Key.ID, token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/agents", minted.Full, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthDistinguishesKeyFromSession(t *testing.T) {
	h := newTestServer(t)
	_, token := h.addUser(t, "alice@example.com", v1.RoleMember)

	rec := h.do(t, http.MethodPost, "/api/keys", token, v1.MintMCPKeyRequest{Name: "ci"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var minted v1.MintMCPKeyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &minted))

	// Chat executions report origin "api" for key-authenticated callers
	// and "manual" for sessions; the middleware flag is what decides.
	router := gin.New()
	router.Use(h.server.authRequired())
	var sawKey bool
	router.GET("/whoami", func(c *gin.Context) {
		sawKey = viaMCPKey(c)
		c.Status(http.StatusNoContent)
	})

	ask := func(bearer string) bool {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set("Authorization", "Bearer "+bearer)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusNoContent, rec.Code)
		return sawKey
	}

	assert.True(t, ask(minted.Full))
	assert.False(t, ask(token))
}

func TestSystemKeyRequiresAdmin(t *testing.T) {
	h := newTestServer(t)
	_, memberToken := h.addUser(t, "member@example.com", v1.RoleMember)
	_, adminToken := h.addUser(t, "admin@example.com", v1.RoleAdmin)

	rec := h.do(t, http.MethodPost, "/api/keys", memberToken, v1.MintMCPKeyRequest{Name: "fleet", System: true})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/keys", adminToken, v1.MintMCPKeyRequest{Name: "fleet", System: true})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestAgentPrincipalHeader(t *testing.T) {
	h := newTestServer(t)
	owner, ownerToken := h.addUser(t, "owner@example.com", v1.RoleMember)
	stranger, _ := h.addUser(t, "other@example.com", v1.RoleMember)
	h.addAgent(t, "alpha", owner.ID)
	h.addAgent(t, "beta", owner.ID)
	h.addAgent(t, "gamma", stranger.ID)

	rec := h.do(t, http.MethodPost, "/api/keys", ownerToken, v1.MintMCPKeyRequest{Name: "alpha-key"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var minted v1.MintMCPKeyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &minted))

	asAgent := func(method, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("Authorization", "Bearer "+minted.Full)
		req.Header.Set(agentHeader, "alpha")
		rec := httptest.NewRecorder()
		h.server.http.Handler.ServeHTTP(rec, req)
		return rec
	}

	// Same-owner agents see each other; foreign agents are invisible.
	assert.Equal(t, http.StatusOK, asAgent(http.MethodGet, "/api/agents/beta").Code)
	assert.Equal(t, http.StatusNotFound, asAgent(http.MethodGet, "/api/agents/gamma").Code)

	// Manage actions are denied for agent principals.
	assert.Equal(t, http.StatusForbidden, asAgent(http.MethodDelete, "/api/agents/beta").Code)

	// A session token cannot impersonate an agent.
	req := httptest.NewRequest(http.MethodGet, "/api/agents/beta", nil)
	req.Header.Set("Authorization", "Bearer "+ownerToken)
	req.Header.Set(agentHeader, "alpha")
	rec2 := httptest.NewRecorder()
	h.server.http.Handler.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusForbidden, rec2.Code)
}

func TestAdminOnlySurfaces(t *testing.T) {
	h := newTestServer(t)
	_, memberToken := h.addUser(t, "member@example.com", v1.RoleMember)

	rec := h.do(t, http.MethodGet, "/api/secrets", memberToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/schedules/pause-all", memberToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/agents/orphans", memberToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestProcessOwnership(t *testing.T) {
	h := newTestServer(t)
	owner, ownerToken := h.addUser(t, "owner@example.com", v1.RoleMember)
	_, otherToken := h.addUser(t, "other@example.com", v1.RoleMember)
	_, adminToken := h.addUser(t, "admin@example.com", v1.RoleAdmin)

	proc, err := h.processes.CreateProcess(context.Background(), &v1.CreateProcessRequest{
		Name: "triage",
		Steps: []*v1.ProcessStep{
			{ID: "notify", Type: v1.StepTypeNotification, Text: "done"},
		},
	}, owner.ID)
	require.NoError(t, err)

	rec := h.do(t, http.MethodGet, "/api/processes/"+proc.ID, ownerToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/processes/"+proc.ID, otherToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/processes/"+proc.ID, adminToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/processes", otherToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), proc.ID)
}

func TestAgentUpdateByOwner(t *testing.T) {
	h := newTestServer(t)
	owner, token := h.addUser(t, "owner@example.com", v1.RoleMember)
	h.addAgent(t, "alpha", owner.ID)

	prompt := "you are the research agent"
	rec := h.do(t, http.MethodPatch, "/api/agents/alpha", token, v1.UpdateAgentRequest{MetaPrompt: &prompt})
	require.Equal(t, http.StatusOK, rec.Code)

	var updated v1.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, prompt, updated.MetaPrompt)
}

func TestPermissionsReplace(t *testing.T) {
	h := newTestServer(t)
	owner, token := h.addUser(t, "owner@example.com", v1.RoleMember)
	h.addAgent(t, "alpha", owner.ID)
	h.addAgent(t, "beta", owner.ID)
	h.addAgent(t, "gamma", owner.ID)

	rec := h.do(t, http.MethodPut, "/api/agents/alpha/permissions", token,
		permissionsRequest{AllowedCallers: []string{"beta", "gamma"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "beta")
	assert.Contains(t, rec.Body.String(), "gamma")

	// Replacing with a narrower set revokes the rest.
	rec = h.do(t, http.MethodPut, "/api/agents/alpha/permissions", token,
		permissionsRequest{AllowedCallers: []string{"beta"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "beta")
	assert.NotContains(t, rec.Body.String(), "gamma")

	// Unknown callers and self-grants are rejected.
	rec = h.do(t, http.MethodPut, "/api/agents/alpha/permissions", token,
		permissionsRequest{AllowedCallers: []string{"ghost"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = h.do(t, http.MethodPut, "/api/agents/alpha/permissions", token,
		permissionsRequest{AllowedCallers: []string{"alpha"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFoldersReplace(t *testing.T) {
	h := newTestServer(t)
	owner, token := h.addUser(t, "owner@example.com", v1.RoleMember)
	h.addAgent(t, "alpha", owner.ID)

	rec := h.do(t, http.MethodPut, "/api/agents/alpha/folders", token,
		foldersRequest{Paths: []string{"outputs", "reports"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "outputs")

	rec = h.do(t, http.MethodPut, "/api/agents/alpha/folders", token,
		foldersRequest{Paths: []string{"outputs"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "reports")

	rec = h.do(t, http.MethodPut, "/api/agents/alpha/folders", token,
		foldersRequest{Paths: []string{"/etc"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
