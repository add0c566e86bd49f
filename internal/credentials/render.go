// Package credentials materializes template files into an agent workspace,
// substituting secret values into placeholder-bearing files.
package credentials

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/trinity/trinity/internal/common/logger"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// TemplateSuffix marks files that undergo placeholder substitution.
const TemplateSuffix = ".template"

// EnvFile is the rendered environment file at the workspace root.
const EnvFile = ".env"

var placeholderRegex = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Source records where a placeholder's value came from.
type Source string

const (
	SourceSecret  Source = "secret"
	SourceDefault Source = "default"
	SourceEmpty   Source = "empty"
)

// AuditRecord is one placeholder resolution, kept for audit. It never
// carries the value itself.
type AuditRecord struct {
	Name   string `json:"name"`
	Source Source `json:"source"`
}

// Result reports what a render produced.
type Result struct {
	Audit    []AuditRecord
	Rendered []string // workspace-relative paths of rendered credential files
	Changed  []string // files whose bytes differ from the previous render
}

// SecretSource supplies secret values by env key.
type SecretSource interface {
	RevealAll(ctx context.Context) (map[string]string, error)
}

// Renderer copies template trees into workspaces and renders credentials.
type Renderer struct {
	secrets SecretSource
	logger  *logger.Logger
}

// NewRenderer creates a renderer backed by the secret store.
func NewRenderer(secrets SecretSource, log *logger.Logger) *Renderer {
	return &Renderer{secrets: secrets, logger: log}
}

// Render materializes the template at templateDir into workspace. Literal
// files are copied unchanged. Files ending in .template are substituted and
// written without the suffix at 0600. Env-scope credential bindings are
// written to the workspace .env file. Rendering is deterministic: the same
// manifest and secret values always produce identical bytes.
func (r *Renderer) Render(ctx context.Context, workspace, templateDir string, manifest *v1.Manifest) (*Result, error) {
	secrets, err := r.secrets.RevealAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load secrets: %w", err)
	}

	defaults := make(map[string]string)
	for _, binding := range manifest.Credentials {
		if binding.Default != nil {
			defaults[binding.Name] = *binding.Default
		}
	}

	result := &Result{}
	audited := make(map[string]Source)

	resolve := func(name string) string {
		if value, ok := secrets[name]; ok {
			audited[name] = SourceSecret
			return value
		}
		if value, ok := defaults[name]; ok {
			audited[name] = SourceDefault
			return value
		}
		audited[name] = SourceEmpty
		return ""
	}

	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, err
	}

	err = filepath.Walk(templateDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(templateDir, path)
		if err != nil {
			return err
		}
		if strings.HasPrefix(rel, ".git"+string(filepath.Separator)) || rel == ".git" {
			return nil
		}

		if strings.HasSuffix(rel, TemplateSuffix) {
			raw, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			rendered := placeholderRegex.ReplaceAllFunc(raw, func(match []byte) []byte {
				name := string(placeholderRegex.FindSubmatch(match)[1])
				return []byte(resolve(name))
			})
			out := strings.TrimSuffix(rel, TemplateSuffix)
			changed, err := writeIfChanged(filepath.Join(workspace, out), rendered, 0o600)
			if err != nil {
				return err
			}
			result.Rendered = append(result.Rendered, out)
			if changed {
				result.Changed = append(result.Changed, out)
			}
			return nil
		}

		return copyFile(path, filepath.Join(workspace, rel), info.Mode().Perm())
	})
	if err != nil {
		return nil, err
	}

	envChanged, err := r.renderEnvFile(workspace, manifest, resolve)
	if err != nil {
		return nil, err
	}
	if envChanged {
		result.Changed = append(result.Changed, EnvFile)
	}
	result.Rendered = append(result.Rendered, EnvFile)

	ignored := append([]string(nil), result.Rendered...)
	if manifest.AssetsDir != "" {
		ignored = append(ignored, manifest.AssetsDir+"/")
	}
	if err := ensureGitignore(workspace, ignored); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(audited))
	for name := range audited {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		result.Audit = append(result.Audit, AuditRecord{Name: name, Source: audited[name]})
	}

	sort.Strings(result.Rendered)
	sort.Strings(result.Changed)

	r.logger.Debug("workspace rendered",
		zap.String("workspace", workspace),
		zap.Int("files", len(result.Rendered)),
		zap.Int("changed", len(result.Changed)))
	return result, nil
}

// renderEnvFile writes env-scope bindings as KEY=VALUE lines, sorted by key.
func (r *Renderer) renderEnvFile(workspace string, manifest *v1.Manifest, resolve func(string) string) (bool, error) {
	var keys []string
	for _, binding := range manifest.Credentials {
		if binding.Scope == v1.CredentialScopeEnv || binding.Scope == "" {
			keys = append(keys, binding.Name)
		}
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, key := range keys {
		fmt.Fprintf(&buf, "%s=%s\n", key, envValue(resolve(key)))
	}
	return writeIfChanged(filepath.Join(workspace, EnvFile), buf.Bytes(), 0o600)
}

// envValue quotes values that dotenv parsers would otherwise split or
// truncate. Plain values pass through bare.
func envValue(v string) string {
	if strings.ContainsAny(v, " \t\n\"#") {
		return strconv.Quote(v)
	}
	return v
}

// ensureGitignore makes sure rendered credential files are never committed
// if the workspace is synced upstream.
func ensureGitignore(workspace string, rendered []string) error {
	path := filepath.Join(workspace, ".gitignore")
	existing := map[string]bool{}
	var lines []string
	if data, err := os.ReadFile(path); err == nil {
		for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
			existing[line] = true
			lines = append(lines, line)
		}
	}

	sorted := append([]string(nil), rendered...)
	sort.Strings(sorted)
	added := false
	for _, rel := range sorted {
		entry := "/" + filepath.ToSlash(rel)
		if !existing[entry] {
			lines = append(lines, entry)
			existing[entry] = true
			added = true
		}
	}
	if !added && len(lines) == 0 {
		return nil
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644)
}

// writeIfChanged writes data to path unless the file already holds exactly
// those bytes. Reports whether the file changed.
func writeIfChanged(path string, data []byte, perm os.FileMode) (bool, error) {
	if current, err := os.ReadFile(path); err == nil && bytes.Equal(current, data) {
		return false, os.Chmod(path, perm)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}
	return true, os.WriteFile(path, data, perm)
}

func copyFile(src, dst string, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
