package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/hyperjump/crowdwisdom/internal/models"
	"github.com/hyperjump/crowdwisdom/internal/storage"
)

// ManifestStore applies a manifest to the system of record.
type ManifestStore interface {
	ApplyManifest(ctx context.Context, m *models.ClusterManifest) (*storage.ManifestResult, error)
}

// Reloader refreshes an in-memory view of the live clusters.
type Reloader interface {
	Reload(ctx context.Context) error
}

// ReadManifest decodes the manifest at path.
func ReadManifest(path string) (*models.ClusterManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m models.ClusterManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return &m, nil
}

// WriteManifest encodes m to path. Used by tooling and tests that stand in for
// the clustering process.
func WriteManifest(path string, m *models.ClusterManifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ApplyManifest reads the manifest at path, reconciles the store with it and
// reloads the assigner's centroid cache. When model is set, a manifest computed
// with a different embedding model is refused.
func ApplyManifest(ctx context.Context, path, model string, store ManifestStore, reloader Reloader) (*models.ClusterManifest, *storage.ManifestResult, error) {
	m, err := ReadManifest(path)
	if err != nil {
		return nil, nil, err
	}
	if model != "" && m.EmbeddingModel != "" && m.EmbeddingModel != model {
		return m, nil, fmt.Errorf("manifest %s was built with embedding model %q, engine uses %q", m.Version, m.EmbeddingModel, model)
	}
	res, err := store.ApplyManifest(ctx, m)
	if err != nil {
		return m, nil, err
	}
	if reloader != nil {
		if err := reloader.Reload(ctx); err != nil {
			return m, res, fmt.Errorf("reload clusters: %w", err)
		}
	}
	return m, res, nil
}
