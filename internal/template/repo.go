package template

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/common/logger"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

const (
	fetchAttempts    = 3
	fetchBackoffBase = 500 * time.Millisecond
)

// TokenSource supplies an access token for authenticated clones. Returning
// an empty string means anonymous access.
type TokenSource func(ctx context.Context) string

// RepoResolver fetches templates from git repositories and caches the
// checkouts under cacheDir.
type RepoResolver struct {
	cacheDir string
	token    TokenSource
	logger   *logger.Logger
	// repoMus serialises clone/fetch per repository directory to prevent
	// double-clone races.
	repoMus sync.Map
}

// NewRepoResolver creates a resolver caching under cacheDir.
func NewRepoResolver(cacheDir string, token TokenSource, log *logger.Logger) *RepoResolver {
	return &RepoResolver{cacheDir: cacheDir, token: token, logger: log}
}

func (r *RepoResolver) repoMu(path string) *sync.Mutex {
	mu, _ := r.repoMus.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// splitRef separates "url#branch" into its parts.
func splitRef(ref string) (cloneURL, branch string) {
	if i := strings.LastIndex(ref, "#"); i > 0 {
		return ref[:i], ref[i+1:]
	}
	return ref, ""
}

// redactURL strips userinfo from a URL for logs and errors.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = url.User("redacted")
	return u.String()
}

// Resolve clones or updates the repository, checks out the requested
// revision (or the branch head), and returns the parsed template.
func (r *RepoResolver) Resolve(ctx context.Context, ref, revision string) (*Resolved, error) {
	cloneURL, branch := splitRef(ref)

	sum := sha256.Sum256([]byte(cloneURL))
	repoDir := filepath.Join(r.cacheDir, hex.EncodeToString(sum[:])[:16])

	mu := r.repoMu(repoDir)
	mu.Lock()
	defer mu.Unlock()

	if err := r.ensureCloned(ctx, cloneURL, repoDir); err != nil {
		return nil, err
	}

	target := revision
	if target == "" {
		if branch != "" {
			target = "origin/" + branch
		} else {
			target = "origin/HEAD"
		}
	}
	if out, err := r.git(ctx, repoDir, "checkout", "--detach", target); err != nil {
		return nil, apperrors.NotFound("template revision %s not found in %s: %s", target, redactURL(cloneURL), strings.TrimSpace(out))
	}

	rev, err := r.headRevision(ctx, repoDir)
	if err != nil {
		return nil, apperrors.TemplateUnavailable(err, "failed to read revision of %s", redactURL(cloneURL))
	}

	manifest, err := LoadManifest(repoDir)
	if err != nil {
		return nil, err
	}

	return &Resolved{
		Kind:     v1.TemplateKindRepo,
		Ref:      ref,
		Revision: rev,
		Dir:      repoDir,
		Manifest: manifest,
	}, nil
}

// ensureCloned clones the repository if missing, otherwise fetches.
// Transient failures are retried with jittered backoff before surfacing.
func (r *RepoResolver) ensureCloned(ctx context.Context, cloneURL, repoDir string) error {
	gitDir := filepath.Join(repoDir, ".git")
	isClone := true
	if info, err := os.Stat(gitDir); err == nil && info.IsDir() {
		isClone = false
	}

	authURL := r.authURL(ctx, cloneURL)

	var lastOut string
	var lastErr error
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		if attempt > 0 {
			backoff := fetchBackoffBase << (attempt - 1)
			jitter := time.Duration(rand.Int63n(int64(backoff)))
			select {
			case <-time.After(backoff + jitter):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		var out string
		var err error
		if isClone {
			if mkErr := os.MkdirAll(filepath.Dir(repoDir), 0o755); mkErr != nil {
				return mkErr
			}
			out, err = r.gitBare(ctx, "clone", authURL, repoDir)
		} else {
			out, err = r.git(ctx, repoDir, "fetch", "--all", "--prune")
		}
		if err == nil {
			return nil
		}
		lastOut, lastErr = out, err

		if notFoundOutput(out) {
			return apperrors.NotFound("repository %s not found", redactURL(cloneURL))
		}
		r.logger.Warn("template fetch failed, retrying",
			zap.String("url", redactURL(cloneURL)),
			zap.Int("attempt", attempt+1))
	}

	return apperrors.TemplateUnavailable(lastErr,
		"failed to fetch %s: %s", redactURL(cloneURL), strings.TrimSpace(redactOutput(lastOut)))
}

// authURL injects the access token into https URLs.
func (r *RepoResolver) authURL(ctx context.Context, cloneURL string) string {
	if r.token == nil || !strings.HasPrefix(cloneURL, "https://") {
		return cloneURL
	}
	token := r.token(ctx)
	if token == "" {
		return cloneURL
	}
	u, err := url.Parse(cloneURL)
	if err != nil {
		return cloneURL
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String()
}

func (r *RepoResolver) headRevision(ctx context.Context, repoDir string) (string, error) {
	out, err := r.git(ctx, repoDir, "rev-parse", "--short=12", "HEAD")
	if err != nil {
		return "", fmt.Errorf("rev-parse: %s: %w", strings.TrimSpace(out), err)
	}
	return strings.TrimSpace(out), nil
}

func (r *RepoResolver) git(ctx context.Context, repoDir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", repoDir}, args...)...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func (r *RepoResolver) gitBare(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// notFoundOutput detects permanent not-found failures in git output.
func notFoundOutput(out string) bool {
	lower := strings.ToLower(out)
	return strings.Contains(lower, "repository not found") ||
		strings.Contains(lower, "could not read from remote repository") ||
		strings.Contains(lower, "does not exist")
}

// redactOutput removes credentials embedded in URLs that git echoes back.
func redactOutput(out string) string {
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "x-access-token:") {
			out = strings.ReplaceAll(out, line, "[redacted line]")
		}
	}
	return out
}
