package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinity/trinity/internal/common/config"
	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/common/logger"
)

func newTestService(t *testing.T, cfg config.NotifyConfig) *Service {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewService(cfg, log)
}

func TestNotifyLogChannel(t *testing.T) {
	s := newTestService(t, config.NotifyConfig{})

	assert.NoError(t, s.Notify(context.Background(), "log", "hello"))
	// Empty channel falls back to log.
	assert.NoError(t, s.Notify(context.Background(), "", "hello"))
}

func TestNotifyUnknownChannel(t *testing.T) {
	s := newTestService(t, config.NotifyConfig{})

	err := s.Notify(context.Background(), "carrier-pigeon", "hello")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeInvalidInput))
}

func TestNotifyWebhook(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestService(t, config.NotifyConfig{WebhookURL: srv.URL, WebhookTimeout: 5})
	require.NoError(t, s.Notify(context.Background(), "webhook", "run finished"))
	assert.Equal(t, "run finished", got["text"])
}

func TestNotifyWebhookUnconfigured(t *testing.T) {
	s := newTestService(t, config.NotifyConfig{})

	err := s.Notify(context.Background(), "webhook", "hello")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeInvalidInput))
}

func TestNotifyWebhookServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := newTestService(t, config.NotifyConfig{WebhookURL: srv.URL})
	err := s.Notify(context.Background(), "webhook", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
