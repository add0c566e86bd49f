package template

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	apperrors "github.com/trinity/trinity/internal/common/errors"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// ManifestFile is the manifest filename expected at a template root.
const ManifestFile = "manifest.yaml"

// ParseManifest parses and validates a template manifest document.
func ParseManifest(data []byte) (*v1.Manifest, error) {
	var m v1.Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, apperrors.InvalidInput("malformed template manifest: %v", err)
	}
	if m.Name == "" {
		return nil, apperrors.InvalidInput("template manifest missing name")
	}
	for _, binding := range m.Credentials {
		if binding.Name == "" {
			return nil, apperrors.InvalidInput("credential binding missing name in manifest %s", m.Name)
		}
		switch binding.Scope {
		case v1.CredentialScopeEnv, v1.CredentialScopeFile, "":
		default:
			return nil, apperrors.InvalidInput("credential binding %s has invalid scope %q", binding.Name, binding.Scope)
		}
	}
	return &m, nil
}

// LoadManifest reads the manifest from a template directory.
func LoadManifest(dir string) (*v1.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NotFound("template at %s has no %s", filepath.Base(dir), ManifestFile)
		}
		return nil, err
	}
	return ParseManifest(data)
}
