package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hyperjump/crowdwisdom/internal/models"
	"github.com/hyperjump/crowdwisdom/internal/vector"
)

const clusterColumns = `id, centroid, size, representative_query, clustering_version, created_at, superseded_at`

func scanCluster(row rowScanner) (*models.SemanticCluster, error) {
	var c models.SemanticCluster
	var centroid []byte
	var version string
	var superseded sql.NullTime
	if err := row.Scan(&c.ID, &centroid, &c.Size, &c.RepresentativeQuery, &version, &c.CreatedAt, &superseded); err != nil {
		return nil, err
	}
	p, err := models.ParseProvenance(version)
	if err != nil {
		return nil, err
	}
	c.Provenance = p
	c.Centroid = vector.Decode(centroid)
	if superseded.Valid {
		t := superseded.Time
		c.SupersededAt = &t
	}
	return &c, nil
}

// CreateCluster inserts a cluster.
func (s *SQLiteStorage) CreateCluster(ctx context.Context, c *models.SemanticCluster) error {
	if len(c.Centroid) == 0 {
		return fmt.Errorf("cluster %s has no centroid", c.ID)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO semantic_clusters (`+clusterColumns+`) VALUES (?, ?, ?, ?, ?, ?, NULL)`,
		c.ID, vector.Encode(c.Centroid), c.Size, c.RepresentativeQuery, c.Provenance.String(), c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert cluster: %w", err)
	}
	return nil
}

// GetCluster returns a cluster by ID, superseded or not.
func (s *SQLiteStorage) GetCluster(ctx context.Context, id string) (*models.SemanticCluster, error) {
	c, err := scanCluster(s.db.QueryRowContext(ctx, `SELECT `+clusterColumns+` FROM semantic_clusters WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cluster %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get cluster: %w", err)
	}
	return c, nil
}

// ListActiveClusters returns every cluster that has not been superseded.
func (s *SQLiteStorage) ListActiveClusters(ctx context.Context) ([]*models.SemanticCluster, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+clusterColumns+` FROM semantic_clusters WHERE superseded_at IS NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	defer rows.Close()
	var out []*models.SemanticCluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// JoinCluster folds embedding into the cluster centroid as a running mean and
// increments size. The read and write share one immediate transaction, so two
// concurrent joins of the same cluster serialize instead of losing an update.
func (s *SQLiteStorage) JoinCluster(ctx context.Context, clusterID string, embedding []float32) (*models.SemanticCluster, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin join: %w", err)
	}
	defer tx.Rollback()

	c, err := scanCluster(tx.QueryRowContext(ctx,
		`SELECT `+clusterColumns+` FROM semantic_clusters WHERE id = ? AND superseded_at IS NULL`, clusterID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cluster %s: %w", clusterID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read cluster: %w", err)
	}

	centroid, err := vector.RunningMean(c.Centroid, c.Size, embedding)
	if err != nil {
		return nil, fmt.Errorf("cluster %s: %w", clusterID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE semantic_clusters SET centroid = ?, size = size + 1 WHERE id = ?`,
		vector.Encode(centroid), clusterID); err != nil {
		return nil, fmt.Errorf("update cluster: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit join: %w", err)
	}
	c.Centroid = centroid
	c.Size++
	return c, nil
}
