// Package clustering maps query embeddings onto semantic clusters, minting new
// realtime clusters when nothing existing is close enough.
package clustering

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/crowdwisdom/internal/metrics"
	"github.com/hyperjump/crowdwisdom/internal/models"
	"github.com/hyperjump/crowdwisdom/internal/storage"
	"github.com/hyperjump/crowdwisdom/internal/vector"
)

// ErrNoEmbedding is returned when Assign is called without a vector.
var ErrNoEmbedding = errors.New("no embedding to assign")

// ErrDimensionMismatch is returned when an embedding does not match the centroid dimensions.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// ClusterStore is the slice of storage the assigner needs.
type ClusterStore interface {
	ListActiveClusters(ctx context.Context) ([]*models.SemanticCluster, error)
	CreateCluster(ctx context.Context, c *models.SemanticCluster) error
	JoinCluster(ctx context.Context, clusterID string, embedding []float32) (*models.SemanticCluster, error)
}

// Config holds assignment thresholds.
type Config struct {
	SimilarityThreshold float64
	NoiseThreshold      float64
	DisableRealtime     bool
}

// Assignment is the outcome of one Assign call.
type Assignment struct {
	ClusterID  *string           `json:"cluster_id"`
	Similarity float64           `json:"similarity"`
	Created    bool              `json:"created"`
	IsNoise    bool              `json:"is_noise"`
	Provenance models.Provenance `json:"-"`
	Version    string            `json:"clustering_version,omitempty"`
	Size       int               `json:"size,omitempty"`
}

// Pending reports whether the query was left for a later batch pass.
func (a *Assignment) Pending() bool {
	return a.ClusterID == nil && !a.IsNoise
}

// Assigner keeps an in-memory copy of live centroids and updates clusters in the store.
type Assigner struct {
	store   ClusterStore
	index   *vector.MemoryIndex
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	// clusterLocks orders join+index refresh per cluster so the cached centroid
	// always matches the last committed one.
	clusterLocks sync.Map
	createMu     sync.Mutex
}

// Option configures an Assigner.
type Option func(*Assigner)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Assigner) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Assigner) { a.metrics = m }
}

// NewAssigner creates an assigner for vectors of the given dimension. Call Reload to
// populate it from the store.
func NewAssigner(store ClusterStore, dimensions int, cfg Config, opts ...Option) (*Assigner, error) {
	idx, err := vector.NewMemoryIndex(dimensions)
	if err != nil {
		return nil, fmt.Errorf("centroid index: %w", err)
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.80
	}
	a := &Assigner{
		store:  store,
		index:  idx,
		cfg:    cfg,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Reload replaces the centroid cache with the live clusters in the store.
func (a *Assigner) Reload(ctx context.Context) error {
	clusters, err := a.store.ListActiveClusters(ctx)
	if err != nil {
		return fmt.Errorf("load clusters: %w", err)
	}
	ids := make([]string, 0, len(clusters))
	vecs := make([][]float32, 0, len(clusters))
	live := make(map[string]struct{}, len(clusters))
	for _, c := range clusters {
		live[c.ID] = struct{}{}
		if len(c.Centroid) != a.index.Dimensions() {
			a.logger.Warn("skipping cluster with unexpected centroid dimension",
				zap.String("cluster_id", c.ID), zap.Int("dimensions", len(c.Centroid)))
			continue
		}
		ids = append(ids, c.ID)
		vecs = append(vecs, c.Centroid)
	}
	if err := a.index.Reset(ids, vecs); err != nil {
		return err
	}
	a.clusterLocks.Range(func(k, _ any) bool {
		if _, ok := live[k.(string)]; !ok {
			a.clusterLocks.Delete(k)
		}
		return true
	})
	a.logger.Info("centroid cache loaded", zap.Int("clusters", len(ids)))
	return nil
}

// Size returns the number of cached centroids.
func (a *Assigner) Size() int {
	return a.index.Size()
}

func degenerate(v []float32) bool {
	var sum float64
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
		sum += f * f
	}
	return sum == 0
}

// Assign places embedding in the closest live cluster when similarity reaches the
// threshold, otherwise mints a realtime cluster seeded with the embedding and text.
// Degenerate vectors are flagged as noise. With realtime creation disabled, misses
// stay pending for the batch job, or become noise below the noise threshold.
func (a *Assigner) Assign(ctx context.Context, embedding []float32, text string) (*Assignment, error) {
	if len(embedding) == 0 {
		return nil, ErrNoEmbedding
	}
	if len(embedding) != a.index.Dimensions() {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrDimensionMismatch, len(embedding), a.index.Dimensions())
	}
	if degenerate(embedding) {
		a.metrics.NoiseFlagged()
		return &Assignment{IsNoise: true, Provenance: models.Realtime(), Version: models.Realtime().String()}, nil
	}

	for attempt := 0; attempt < 3; attempt++ {
		best, err := a.index.Nearest(ctx, embedding)
		if err != nil {
			return nil, err
		}
		if best == nil || best.Score < a.cfg.SimilarityThreshold {
			return a.miss(ctx, embedding, text, best)
		}
		asg, err := a.join(ctx, best, embedding)
		if errors.Is(err, storage.ErrNotFound) {
			// superseded since the last reload
			_ = a.index.Remove(ctx, []string{best.ID})
			a.clusterLocks.Delete(best.ID)
			continue
		}
		return asg, err
	}
	return a.miss(ctx, embedding, text, nil)
}

func (a *Assigner) lockFor(id string) *sync.Mutex {
	m, _ := a.clusterLocks.LoadOrStore(id, &sync.Mutex{})
	return m.(*sync.Mutex)
}

func (a *Assigner) join(ctx context.Context, best *vector.VectorResult, embedding []float32) (*Assignment, error) {
	mu := a.lockFor(best.ID)
	mu.Lock()
	defer mu.Unlock()

	c, err := a.store.JoinCluster(ctx, best.ID, embedding)
	if err != nil {
		return nil, err
	}
	if err := a.index.Upsert(ctx, c.ID, c.Centroid); err != nil {
		return nil, err
	}
	id := c.ID
	return &Assignment{
		ClusterID:  &id,
		Similarity: best.Score,
		Provenance: c.Provenance,
		Version:    c.Provenance.String(),
		Size:       c.Size,
	}, nil
}

func (a *Assigner) miss(ctx context.Context, embedding []float32, text string, best *vector.VectorResult) (*Assignment, error) {
	sim := 0.0
	if best != nil {
		sim = best.Score
	}
	if a.cfg.DisableRealtime {
		if best != nil && sim < a.cfg.NoiseThreshold {
			a.metrics.NoiseFlagged()
			return &Assignment{IsNoise: true, Similarity: sim, Provenance: models.Realtime(), Version: models.Realtime().String()}, nil
		}
		return &Assignment{Similarity: sim}, nil
	}

	a.createMu.Lock()
	defer a.createMu.Unlock()

	// another request may have minted a close cluster while we waited
	if again, err := a.index.Nearest(ctx, embedding); err == nil && again != nil && again.Score >= a.cfg.SimilarityThreshold {
		asg, err := a.join(ctx, again, embedding)
		if err == nil {
			return asg, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}

	centroid := make([]float32, len(embedding))
	copy(centroid, embedding)
	c := &models.SemanticCluster{
		ID:                  uuid.NewString(),
		Centroid:            centroid,
		Size:                1,
		RepresentativeQuery: text,
		Provenance:          models.Realtime(),
	}
	if err := a.store.CreateCluster(ctx, c); err != nil {
		return nil, fmt.Errorf("create realtime cluster: %w", err)
	}
	if err := a.index.Upsert(ctx, c.ID, c.Centroid); err != nil {
		return nil, err
	}
	a.metrics.ClusterCreated()
	a.logger.Debug("realtime cluster created", zap.String("cluster_id", c.ID), zap.Float64("best_similarity", sim))
	id := c.ID
	return &Assignment{
		ClusterID:  &id,
		Similarity: 1,
		Created:    true,
		Provenance: c.Provenance,
		Version:    c.Provenance.String(),
		Size:       1,
	}, nil
}
