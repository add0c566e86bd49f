// Package template resolves agent templates from the local registry or from
// source repositories and caches them by reference and revision.
package template

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/trinity/trinity/internal/common/logger"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// Resolved is an immutable snapshot of a template: its parsed manifest and
// the directory holding the file tree.
type Resolved struct {
	Kind     v1.TemplateKind
	Ref      string
	Revision string
	Dir      string
	Manifest *v1.Manifest
}

// Resolver fetches a template by reference.
type Resolver interface {
	Resolve(ctx context.Context, ref, revision string) (*Resolved, error)
}

// Service routes references to the local registry or the repo resolver and
// caches resolutions by (ref, revision).
type Service struct {
	local  *LocalRegistry
	repo   *RepoResolver
	logger *logger.Logger

	mu    sync.Mutex
	cache map[string]*Resolved
}

// NewService creates the template service.
func NewService(local *LocalRegistry, repo *RepoResolver, log *logger.Logger) *Service {
	return &Service{
		local:  local,
		repo:   repo,
		logger: log,
		cache:  make(map[string]*Resolved),
	}
}

// IsRepoRef reports whether ref addresses a source repository rather than
// the local registry.
func IsRepoRef(ref string) bool {
	return strings.Contains(ref, "://") || strings.HasPrefix(ref, "git@")
}

// Resolve fetches the template for ref. Repo references may carry a branch
// after a '#' separator. Cached resolutions are returned without refetching.
func (s *Service) Resolve(ctx context.Context, ref, revision string) (*Resolved, error) {
	s.mu.Lock()
	if revision != "" {
		if cached, ok := s.cache[ref+"@"+revision]; ok {
			s.mu.Unlock()
			return cached, nil
		}
	}
	s.mu.Unlock()

	var (
		resolved *Resolved
		err      error
	)
	if IsRepoRef(ref) {
		resolved, err = s.repo.Resolve(ctx, ref, revision)
	} else {
		resolved, err = s.local.Resolve(ctx, ref, revision)
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[ref+"@"+resolved.Revision] = resolved
	s.mu.Unlock()

	s.logger.Debug("template resolved",
		zap.String("ref", ref),
		zap.String("revision", resolved.Revision),
		zap.String("kind", string(resolved.Kind)))
	return resolved, nil
}

// List returns the templates available in the local registry.
func (s *Service) List(ctx context.Context) ([]*v1.TemplateInfo, error) {
	return s.local.List(ctx)
}
