// Package notify delivers process notification messages over pluggable
// channels. Delivery is best effort: a dead channel returns an error the
// caller records but never retries.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/trinity/trinity/internal/common/config"
	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/common/logger"
)

// Provider delivers one message over one channel.
type Provider interface {
	Available() bool
	Send(ctx context.Context, text string) error
}

// Service routes notifications to the provider registered for the channel.
type Service struct {
	providers map[string]Provider
	logger    *logger.Logger
}

// NewService builds the default channel set: "log" always, "webhook" when a
// URL is configured.
func NewService(cfg config.NotifyConfig, log *logger.Logger) *Service {
	s := &Service{
		providers: map[string]Provider{},
		logger:    log.WithFields(zap.String("component", "notify")),
	}
	s.Register("log", &logProvider{logger: s.logger})
	s.Register("webhook", newWebhookProvider(cfg))
	return s
}

// Register adds or replaces the provider for a channel.
func (s *Service) Register(channel string, p Provider) {
	s.providers[channel] = p
}

// Notify sends text over the named channel. An empty channel means "log".
func (s *Service) Notify(ctx context.Context, channel, text string) error {
	if channel == "" {
		channel = "log"
	}
	p, ok := s.providers[channel]
	if !ok {
		return apperrors.InvalidInput("unknown notification channel %q", channel)
	}
	if !p.Available() {
		return apperrors.InvalidInput("notification channel %q is not configured", channel)
	}
	return p.Send(ctx, text)
}

// logProvider writes the notification to the control plane log.
type logProvider struct {
	logger *logger.Logger
}

func (p *logProvider) Available() bool { return true }

func (p *logProvider) Send(_ context.Context, text string) error {
	p.logger.Info("notification", zap.String("text", text))
	return nil
}

// webhookProvider POSTs the notification as a small JSON document.
type webhookProvider struct {
	url    string
	client *http.Client
}

func newWebhookProvider(cfg config.NotifyConfig) *webhookProvider {
	timeout := time.Duration(cfg.WebhookTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &webhookProvider{
		url:    cfg.WebhookURL,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *webhookProvider) Available() bool { return p.url != "" }

func (p *webhookProvider) Send(ctx context.Context, text string) error {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
