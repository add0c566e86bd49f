package template

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"

	apperrors "github.com/trinity/trinity/internal/common/errors"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// LocalRegistry serves templates from a directory on the host. Each
// subdirectory holding a manifest is one template, addressed by its name.
type LocalRegistry struct {
	dir string
}

// NewLocalRegistry creates a registry rooted at dir.
func NewLocalRegistry(dir string) *LocalRegistry {
	return &LocalRegistry{dir: dir}
}

// Resolve reads a template from the registry. The revision is a content
// hash, so edits to a local template produce a new revision.
func (r *LocalRegistry) Resolve(ctx context.Context, name, revision string) (*Resolved, error) {
	dir := filepath.Join(r.dir, name)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, apperrors.NotFound("template %s not found", name)
	}

	manifest, err := LoadManifest(dir)
	if err != nil {
		return nil, err
	}

	rev, err := hashTree(dir)
	if err != nil {
		return nil, apperrors.TemplateUnavailable(err, "failed to read template %s", name)
	}
	if revision != "" && revision != rev {
		return nil, apperrors.NotFound("template %s has no revision %s", name, revision)
	}

	return &Resolved{
		Kind:     v1.TemplateKindLocal,
		Ref:      name,
		Revision: rev,
		Dir:      dir,
		Manifest: manifest,
	}, nil
}

// List enumerates the registry's templates. Directories without a manifest
// are skipped.
func (r *LocalRegistry) List(ctx context.Context) ([]*v1.TemplateInfo, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var infos []*v1.TemplateInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		manifest, err := LoadManifest(filepath.Join(r.dir, entry.Name()))
		if err != nil {
			continue
		}
		infos = append(infos, &v1.TemplateInfo{
			Kind:        v1.TemplateKindLocal,
			Ref:         entry.Name(),
			DisplayName: manifest.DisplayName,
			Description: manifest.Description,
		})
	}
	return infos, nil
}

// hashTree computes a deterministic digest over a directory's file paths
// and contents.
func hashTree(root string) (string, error) {
	var paths []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, path := range paths {
		rel, _ := filepath.Rel(root, path)
		_, _ = io.WriteString(h, rel)
		f, err := os.Open(path)
		if err != nil {
			return "", err
		}
		if _, err := io.Copy(h, f); err != nil {
			f.Close()
			return "", err
		}
		f.Close()
	}
	return hex.EncodeToString(h.Sum(nil))[:12], nil
}
