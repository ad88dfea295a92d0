package storage

import (
	"context"
	"fmt"

	"github.com/hyperjump/crowdwisdom/internal/models"
	"github.com/hyperjump/crowdwisdom/internal/vector"
)

// ApplyManifest reconciles the store with a batch clustering result in one transaction:
// manifest clusters are upserted with batch provenance, every other live cluster is
// superseded, templates owned by superseded clusters fall back to global scope, and
// listed interactions get their cluster and clustering version rewritten (a nil
// cluster marks noise).
func (s *SQLiteStorage) ApplyManifest(ctx context.Context, m *models.ClusterManifest) (*ManifestResult, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	version := models.Batch(m.Version)
	ts := now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin manifest: %w", err)
	}
	defer tx.Rollback()

	res := &ManifestResult{}
	keep := make(map[string]struct{}, len(m.Clusters))

	upsert, err := tx.PrepareContext(ctx,
		`INSERT INTO semantic_clusters (id, centroid, size, representative_query, clustering_version, created_at, superseded_at)
		 VALUES (?, ?, ?, ?, ?, ?, NULL)
		 ON CONFLICT(id) DO UPDATE SET
			centroid = excluded.centroid,
			size = excluded.size,
			representative_query = excluded.representative_query,
			clustering_version = excluded.clustering_version,
			superseded_at = NULL`)
	if err != nil {
		return nil, fmt.Errorf("prepare cluster upsert: %w", err)
	}
	defer upsert.Close()
	for _, c := range m.Clusters {
		if _, err := upsert.ExecContext(ctx, c.ID, vector.Encode(c.Centroid), c.Size, c.RepresentativeQuery, version.String(), ts); err != nil {
			return nil, fmt.Errorf("upsert cluster %s: %w", c.ID, err)
		}
		keep[c.ID] = struct{}{}
		res.ClustersUpserted++
	}

	rows, err := tx.QueryContext(ctx, liveClusters)
	if err != nil {
		return nil, fmt.Errorf("list live clusters: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		if _, ok := keep[id]; !ok {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, `UPDATE semantic_clusters SET superseded_at = ? WHERE id = ?`, ts, id); err != nil {
			return nil, fmt.Errorf("supersede cluster %s: %w", id, err)
		}
		r, err := tx.ExecContext(ctx, `UPDATE prompt_templates SET cluster_id = NULL WHERE cluster_id = ?`, id)
		if err != nil {
			return nil, fmt.Errorf("detach templates of %s: %w", id, err)
		}
		n, _ := r.RowsAffected()
		res.TemplatesDetached += int(n)
		res.ClustersSuperseded++
	}

	assign, err := tx.PrepareContext(ctx,
		`UPDATE interactions SET cluster_id = ?, is_noise = ?, clustering_version = ? WHERE id = ?`)
	if err != nil {
		return nil, fmt.Errorf("prepare reassignment: %w", err)
	}
	defer assign.Close()
	for _, a := range m.Assignments {
		noise := a.ClusterID == nil
		r, err := assign.ExecContext(ctx, nullString(a.ClusterID), noise, version.String(), a.InteractionID)
		if err != nil {
			return nil, fmt.Errorf("reassign interaction %s: %w", a.InteractionID, err)
		}
		if n, _ := r.RowsAffected(); n > 0 {
			res.InteractionsRewritten++
			if noise {
				res.InteractionsNoise++
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit manifest: %w", err)
	}
	return res, nil
}
