package credentials

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinity/trinity/internal/common/logger"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

type staticSecrets map[string]string

func (s staticSecrets) RevealAll(ctx context.Context) (map[string]string, error) {
	return s, nil
}

func strPtr(s string) *string { return &s }

func newRenderer(t *testing.T, secrets map[string]string) *Renderer {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewRenderer(staticSecrets(secrets), log)
}

func testManifest() *v1.Manifest {
	return &v1.Manifest{
		Name: "echo",
		Credentials: []v1.CredentialBinding{
			{Name: "API_KEY", Scope: v1.CredentialScopeEnv},
			{Name: "WEBHOOK_URL", Scope: v1.CredentialScopeFile, Default: strPtr("https://example.invalid/hook")},
			{Name: "MISSING_KEY", Scope: v1.CredentialScopeEnv},
		},
	}
}

func writeTemplateTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for path, content := range files {
		full := filepath.Join(dir, path)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

func TestRenderSubstitutesPlaceholders(t *testing.T) {
	tpl, ws := t.TempDir(), t.TempDir()
	writeTemplateTree(t, tpl, map[string]string{
		"run.sh":                  "#!/bin/sh\necho pong\n",
		"config/hook.conf.template": "url=${WEBHOOK_URL}\nkey=${API_KEY}\nmissing=${MISSING_KEY}\n",
	})

	r := newRenderer(t, map[string]string{"API_KEY": "sk-test-123"})
	result, err := r.Render(context.Background(), ws, tpl, testManifest())
	require.NoError(t, err)

	rendered, err := os.ReadFile(filepath.Join(ws, "config", "hook.conf"))
	require.NoError(t, err)
	assert.Equal(t, "url=https://example.invalid/hook\nkey=sk-test-123\nmissing=\n", string(rendered))

	// Literal files are copied unchanged.
	literal, err := os.ReadFile(filepath.Join(ws, "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho pong\n", string(literal))

	// Audit records the source of each placeholder, never the value.
	sources := map[string]Source{}
	for _, rec := range result.Audit {
		sources[rec.Name] = rec.Source
	}
	assert.Equal(t, SourceSecret, sources["API_KEY"])
	assert.Equal(t, SourceDefault, sources["WEBHOOK_URL"])
	assert.Equal(t, SourceEmpty, sources["MISSING_KEY"])
}

func TestRenderSecretWinsOverDefault(t *testing.T) {
	tpl, ws := t.TempDir(), t.TempDir()
	writeTemplateTree(t, tpl, map[string]string{
		"hook.conf.template": "url=${WEBHOOK_URL}\n",
	})

	r := newRenderer(t, map[string]string{"WEBHOOK_URL": "https://real.example/hook"})
	_, err := r.Render(context.Background(), ws, tpl, testManifest())
	require.NoError(t, err)

	rendered, err := os.ReadFile(filepath.Join(ws, "hook.conf"))
	require.NoError(t, err)
	assert.Equal(t, "url=https://real.example/hook\n", string(rendered))
}

func TestRenderEnvFile(t *testing.T) {
	tpl, ws := t.TempDir(), t.TempDir()

	r := newRenderer(t, map[string]string{"API_KEY": "sk-test-123"})
	_, err := r.Render(context.Background(), ws, tpl, testManifest())
	require.NoError(t, err)

	env, err := os.ReadFile(filepath.Join(ws, EnvFile))
	require.NoError(t, err)
	// Keys are sorted for deterministic output.
	assert.Equal(t, "API_KEY=sk-test-123\nMISSING_KEY=\n", string(env))

	if runtime.GOOS != "windows" {
		info, err := os.Stat(filepath.Join(ws, EnvFile))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}
}

func TestRenderEnvFileQuotesAwkwardValues(t *testing.T) {
	tpl, ws := t.TempDir(), t.TempDir()

	manifest := &v1.Manifest{
		Name: "echo",
		Credentials: []v1.CredentialBinding{
			{Name: "PLAIN", Scope: v1.CredentialScopeEnv},
			{Name: "SPACED", Scope: v1.CredentialScopeEnv},
			{Name: "QUOTED", Scope: v1.CredentialScopeEnv},
		},
	}
	r := newRenderer(t, map[string]string{
		"PLAIN":  "sk-test",
		"SPACED": "multi word value",
		"QUOTED": `say "hi"`,
	})
	_, err := r.Render(context.Background(), ws, tpl, manifest)
	require.NoError(t, err)

	env, err := os.ReadFile(filepath.Join(ws, EnvFile))
	require.NoError(t, err)
	assert.Equal(t,
		"PLAIN=sk-test\nQUOTED=\"say \\\"hi\\\"\"\nSPACED=\"multi word value\"\n",
		string(env))
}

func TestRenderedFilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix permissions")
	}
	tpl, ws := t.TempDir(), t.TempDir()
	writeTemplateTree(t, tpl, map[string]string{"cred.conf.template": "k=${API_KEY}\n"})

	r := newRenderer(t, map[string]string{"API_KEY": "v"})
	_, err := r.Render(context.Background(), ws, tpl, testManifest())
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(ws, "cred.conf"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestRenderDeterministic(t *testing.T) {
	tpl := t.TempDir()
	writeTemplateTree(t, tpl, map[string]string{"cred.conf.template": "k=${API_KEY}\nu=${WEBHOOK_URL}\n"})

	r := newRenderer(t, map[string]string{"API_KEY": "v"})

	read := func(ws string) string {
		_, err := r.Render(context.Background(), ws, tpl, testManifest())
		require.NoError(t, err)
		var sb strings.Builder
		for _, name := range []string{"cred.conf", EnvFile, ".gitignore"} {
			data, err := os.ReadFile(filepath.Join(ws, name))
			require.NoError(t, err)
			sb.Write(data)
		}
		return sb.String()
	}

	assert.Equal(t, read(t.TempDir()), read(t.TempDir()))
}

func TestRenderChangeDetection(t *testing.T) {
	tpl, ws := t.TempDir(), t.TempDir()
	writeTemplateTree(t, tpl, map[string]string{"cred.conf.template": "k=${API_KEY}\n"})

	r := newRenderer(t, map[string]string{"API_KEY": "v1"})
	first, err := r.Render(context.Background(), ws, tpl, testManifest())
	require.NoError(t, err)
	assert.Contains(t, first.Changed, "cred.conf")

	// Same inputs: nothing changes.
	second, err := r.Render(context.Background(), ws, tpl, testManifest())
	require.NoError(t, err)
	assert.Empty(t, second.Changed)

	// Rotated secret: the credential file and env file change.
	rotated := newRenderer(t, map[string]string{"API_KEY": "v2"})
	third, err := rotated.Render(context.Background(), ws, tpl, testManifest())
	require.NoError(t, err)
	assert.Contains(t, third.Changed, "cred.conf")
	assert.Contains(t, third.Changed, EnvFile)
}

func TestGitignoreCoversRenderedFiles(t *testing.T) {
	tpl, ws := t.TempDir(), t.TempDir()
	writeTemplateTree(t, tpl, map[string]string{"cred.conf.template": "k=${API_KEY}\n"})

	r := newRenderer(t, map[string]string{"API_KEY": "v"})
	_, err := r.Render(context.Background(), ws, tpl, testManifest())
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(ws, ".gitignore"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "/cred.conf")
	assert.Contains(t, string(data), "/.env")

	// Re-render does not duplicate entries.
	_, err = r.Render(context.Background(), ws, tpl, testManifest())
	require.NoError(t, err)
	after, err := os.ReadFile(filepath.Join(ws, ".gitignore"))
	require.NoError(t, err)
	assert.Equal(t, string(data), string(after))
}

func TestGitignoreCoversAssetsDir(t *testing.T) {
	tpl, ws := t.TempDir(), t.TempDir()

	manifest := testManifest()
	manifest.AssetsDir = "assets"

	r := newRenderer(t, map[string]string{"API_KEY": "v"})
	_, err := r.Render(context.Background(), ws, tpl, manifest)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(ws, ".gitignore"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "/assets/")
}
