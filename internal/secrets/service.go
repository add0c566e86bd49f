package secrets

import (
	"context"
	"regexp"
	"strings"

	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/common/logger"
)

// Service provides business logic and validation for secrets. Every stored
// value is registered with the sanitizer so it can never surface in logs,
// activity payloads, or error messages.
type Service struct {
	store     SecretStore
	sanitizer *apperrors.Sanitizer
	logger    *logger.Logger
}

// NewService creates a new secrets service.
func NewService(store SecretStore, sanitizer *apperrors.Sanitizer, log *logger.Logger) *Service {
	return &Service{
		store:     store,
		sanitizer: sanitizer,
		logger:    log,
	}
}

var envKeyRegex = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// LoadRedactions registers every stored secret value with the sanitizer.
// Called once at startup, before the API starts serving.
func (s *Service) LoadRedactions(ctx context.Context) error {
	values, err := s.store.RevealAll(ctx)
	if err != nil {
		return err
	}
	for _, v := range values {
		s.sanitizer.Add(v)
	}
	return nil
}

func (s *Service) validateCreate(req *CreateSecretRequest) error {
	req.Name = strings.TrimSpace(req.Name)
	req.EnvKey = strings.TrimSpace(req.EnvKey)

	if req.Name == "" || len(req.Name) > 100 {
		return apperrors.InvalidInput("name must be 1-100 characters")
	}
	if !envKeyRegex.MatchString(req.EnvKey) {
		return apperrors.InvalidInput("env_key must be uppercase letters, digits, and underscores").
			WithHint("example: MY_API_KEY")
	}
	if req.Value == "" || len(req.Value) > 10000 {
		return apperrors.InvalidInput("value must be 1-10000 characters")
	}
	if req.Category != "" && !ValidCategories[req.Category] {
		return apperrors.InvalidInput("invalid category: %s", req.Category)
	}
	return nil
}

func (s *Service) validateUpdate(req *UpdateSecretRequest) error {
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		req.Name = &name
		if name == "" || len(name) > 100 {
			return apperrors.InvalidInput("name must be 1-100 characters")
		}
	}
	if req.Value != nil && (len(*req.Value) == 0 || len(*req.Value) > 10000) {
		return apperrors.InvalidInput("value must be 1-10000 characters")
	}
	if req.Category != nil && !ValidCategories[*req.Category] {
		return apperrors.InvalidInput("invalid category: %s", *req.Category)
	}
	return nil
}

// Create validates and stores a new secret.
func (s *Service) Create(ctx context.Context, req *CreateSecretRequest) (*SecretListItem, error) {
	if err := s.validateCreate(req); err != nil {
		return nil, err
	}

	category := req.Category
	if category == "" {
		category = CategoryCustom
	}

	secret := &SecretWithValue{
		Secret: Secret{
			Name:     req.Name,
			EnvKey:   req.EnvKey,
			Category: category,
			Metadata: req.Metadata,
		},
		Value: req.Value,
	}

	if err := s.store.Create(ctx, secret); err != nil {
		return nil, err
	}
	s.sanitizer.Add(req.Value)

	return &SecretListItem{
		ID:        secret.ID,
		Name:      secret.Name,
		EnvKey:    secret.EnvKey,
		Category:  secret.Category,
		Metadata:  secret.Metadata,
		HasValue:  true,
		CreatedAt: secret.CreatedAt,
		UpdatedAt: secret.UpdatedAt,
	}, nil
}

// Get retrieves secret metadata.
func (s *Service) Get(ctx context.Context, id string) (*Secret, error) {
	return s.store.Get(ctx, id)
}

// Reveal returns the decrypted secret value.
func (s *Service) Reveal(ctx context.Context, id string) (string, error) {
	return s.store.Reveal(ctx, id)
}

// RevealByEnvKey returns the decrypted value for an environment key.
func (s *Service) RevealByEnvKey(ctx context.Context, envKey string) (string, error) {
	return s.store.RevealByEnvKey(ctx, envKey)
}

// RevealAll returns every secret value keyed by env key. Callers must never
// log or persist the result.
func (s *Service) RevealAll(ctx context.Context) (map[string]string, error) {
	return s.store.RevealAll(ctx)
}

// Update validates and updates a secret.
func (s *Service) Update(ctx context.Context, id string, req *UpdateSecretRequest) (*SecretListItem, error) {
	if err := s.validateUpdate(req); err != nil {
		return nil, err
	}

	if err := s.store.Update(ctx, id, req); err != nil {
		return nil, err
	}
	if req.Value != nil {
		// The old value stays registered: already-written log lines aside,
		// it may still be rendered into a container that has not reloaded.
		s.sanitizer.Add(*req.Value)
	}

	secret, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	return &SecretListItem{
		ID:        secret.ID,
		Name:      secret.Name,
		EnvKey:    secret.EnvKey,
		Category:  secret.Category,
		Metadata:  secret.Metadata,
		HasValue:  true,
		CreatedAt: secret.CreatedAt,
		UpdatedAt: secret.UpdatedAt,
	}, nil
}

// Delete removes a secret.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}

// List returns all secrets without values.
func (s *Service) List(ctx context.Context) ([]*SecretListItem, error) {
	return s.store.List(ctx)
}

// ListByCategory returns secrets filtered by category.
func (s *Service) ListByCategory(ctx context.Context, category SecretCategory) ([]*SecretListItem, error) {
	return s.store.ListByCategory(ctx, category)
}
