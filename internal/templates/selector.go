// Package templates selects a prompt template for a query through the
// cluster-best, global-fallback, auto-generate cascade.
package templates

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/crowdwisdom/internal/metrics"
	"github.com/hyperjump/crowdwisdom/internal/models"
	"github.com/hyperjump/crowdwisdom/internal/storage"
)

// Store is the part of storage.Storage the selector reads and writes.
type Store interface {
	CreateTemplate(ctx context.Context, t *models.PromptTemplate) error
	GetTemplate(ctx context.Context, id string) (*models.PromptTemplate, error)
	ListTemplates(ctx context.Context, filter storage.TemplateFilter) ([]*models.PromptTemplate, error)
	UpdateTemplateCache(ctx context.Context, id string, efficacy float64, usageCount int) error
	RankTemplates(ctx context.Context, q storage.RankQuery) ([]*models.ClusterBest, error)
	ClusterEvidence(ctx context.Context, clusterID string) (int, error)
	GetCluster(ctx context.Context, id string) (*models.SemanticCluster, error)
}

// Config holds the scoring weights and the trust threshold.
type Config struct {
	MinUsagesForTrust int
	NeutralFeedback   float64
	UsageWeight       float64
	FeedbackWeight    float64
	StartingEfficacy  float64
}

// DefaultConfig returns weights 0.3/0.7, neutral 3 and a trust threshold of 3 usages.
func DefaultConfig() Config {
	return Config{MinUsagesForTrust: 3, NeutralFeedback: 3, UsageWeight: 0.3, FeedbackWeight: 0.7, StartingEfficacy: 3}
}

func (c Config) weights() storage.ScoreWeights {
	return storage.ScoreWeights{Usage: c.UsageWeight, Feedback: c.FeedbackWeight, Neutral: c.NeutralFeedback}
}

// SelectRequest identifies the query context. ClusterID is nil for unclustered
// queries; NewCluster marks a cluster created for this very query.
type SelectRequest struct {
	ClusterID  *string `json:"cluster_id,omitempty"`
	Topic      string  `json:"topic"`
	NewCluster bool    `json:"new_cluster,omitempty"`
}

// ClusterReport is the best template of one cluster plus whether the cluster's
// provenance makes it trustworthy beyond itself.
type ClusterReport struct {
	models.ClusterBest
	Provenance string `json:"clustering_version"`
	Trusted    bool   `json:"trusted"`
}

// Selector runs the selection cascade. All scores are read from the usage ledger.
type Selector struct {
	store   Store
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Option configures a Selector.
type Option func(*Selector)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Selector) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records the cascade branch of every selection.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Selector) { s.metrics = m }
}

// NewSelector creates a selector. Zero weights fall back to DefaultConfig.
func NewSelector(store Store, cfg Config, opts ...Option) *Selector {
	def := DefaultConfig()
	if cfg.UsageWeight == 0 && cfg.FeedbackWeight == 0 {
		cfg.UsageWeight, cfg.FeedbackWeight = def.UsageWeight, def.FeedbackWeight
	}
	if cfg.NeutralFeedback == 0 {
		cfg.NeutralFeedback = def.NeutralFeedback
	}
	if cfg.StartingEfficacy == 0 {
		cfg.StartingEfficacy = cfg.NeutralFeedback
	}
	if cfg.MinUsagesForTrust < 0 {
		cfg.MinUsagesForTrust = 0
	}
	s := &Selector{store: store, cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select returns the template for a query. The first matching branch wins:
// the cluster's own best template when the cluster has enough usages, then the
// best global template of the topic, then the cluster's best template even with
// thin evidence, and finally a freshly generated template owned by the cluster.
func (s *Selector) Select(ctx context.Context, req SelectRequest) (*models.Selection, error) {
	req.Topic = strings.TrimSpace(req.Topic)
	if req.Topic == "" {
		return nil, errors.New("topic is required")
	}
	if req.ClusterID != nil && *req.ClusterID == "" {
		req.ClusterID = nil
	}

	var clusterBest *models.ClusterBest
	if req.ClusterID != nil && !req.NewCluster {
		best, trusted, err := s.clusterCandidate(ctx, *req.ClusterID)
		if err != nil {
			s.logger.Warn("cluster template lookup failed, falling back to global scope",
				zap.String("cluster_id", *req.ClusterID), zap.Error(err))
		}
		if best != nil && trusted {
			return s.finish(ctx, best, models.MethodClusterBest, req.ClusterID)
		}
		clusterBest = best
	}

	global, err := s.bestGlobal(ctx, req.Topic)
	if err != nil {
		return nil, err
	}
	if global != nil {
		method := models.MethodGlobalFallback
		if req.NewCluster {
			method = models.MethodNewClusterGlobal
		}
		return s.finish(ctx, global, method, req.ClusterID)
	}

	if clusterBest != nil {
		s.logger.Debug("using cluster template below trust threshold",
			zap.String("cluster_id", *req.ClusterID), zap.String("template_id", clusterBest.TemplateID))
		return s.finish(ctx, clusterBest, models.MethodClusterBest, req.ClusterID)
	}

	t, err := s.generate(ctx, req)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveSelection(string(models.MethodAutoGenerated))
	return &models.Selection{
		Template:      t,
		Method:        models.MethodAutoGenerated,
		ClusterID:     req.ClusterID,
		AvgFeedback:   s.cfg.NeutralFeedback,
		WeightedScore: s.cfg.NeutralFeedback * s.cfg.FeedbackWeight,
	}, nil
}

// clusterCandidate returns the cluster's top-ranked template and whether the
// cluster holds enough usages to trust it.
func (s *Selector) clusterCandidate(ctx context.Context, clusterID string) (*models.ClusterBest, bool, error) {
	id := clusterID
	ranked, err := s.store.RankTemplates(ctx, storage.RankQuery{Weights: s.cfg.weights(), ClusterID: &id, TopOnly: true})
	if err != nil {
		return nil, false, err
	}
	if len(ranked) == 0 {
		return nil, false, nil
	}
	evidence, err := s.store.ClusterEvidence(ctx, clusterID)
	if err != nil {
		return ranked[0], false, err
	}
	return ranked[0], evidence >= s.cfg.MinUsagesForTrust, nil
}

func (s *Selector) bestGlobal(ctx context.Context, topic string) (*models.ClusterBest, error) {
	ranked, err := s.store.RankTemplates(ctx, storage.RankQuery{Weights: s.cfg.weights(), GlobalTopic: &topic, TopOnly: true})
	if err != nil {
		return nil, fmt.Errorf("rank global templates: %w", err)
	}
	if len(ranked) == 0 {
		return nil, nil
	}
	return ranked[0], nil
}

func (s *Selector) finish(ctx context.Context, best *models.ClusterBest, method models.SelectionMethod, clusterID *string) (*models.Selection, error) {
	t, err := s.refresh(ctx, best)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveSelection(string(method))
	return &models.Selection{
		Template:      t,
		Method:        method,
		ClusterID:     clusterID,
		UsageCount:    best.UsageCount,
		AvgFeedback:   best.AvgFeedback,
		WeightedScore: best.WeightedScore,
	}, nil
}

// refresh writes the ledger-derived numbers into the template's cache columns
// and returns the template carrying them.
func (s *Selector) refresh(ctx context.Context, best *models.ClusterBest) (*models.PromptTemplate, error) {
	if err := s.store.UpdateTemplateCache(ctx, best.TemplateID, best.AvgFeedback, best.UsageCount); err != nil {
		return nil, fmt.Errorf("refresh template %s: %w", best.TemplateID, err)
	}
	t, err := s.store.GetTemplate(ctx, best.TemplateID)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Selector) generate(ctx context.Context, req SelectRequest) (*models.PromptTemplate, error) {
	t := &models.PromptTemplate{
		ID:            uuid.New().String(),
		Topic:         req.Topic,
		Pattern:       DefaultPattern(req.Topic),
		EfficacyScore: s.cfg.StartingEfficacy,
		Source:        models.SourceAutoGenerated,
		ClusterID:     req.ClusterID,
	}
	if err := s.store.CreateTemplate(ctx, t); err != nil {
		return nil, fmt.Errorf("create template: %w", err)
	}
	fields := []zap.Field{zap.String("template_id", t.ID), zap.String("topic", t.Topic)}
	if req.ClusterID != nil {
		fields = append(fields, zap.String("cluster_id", *req.ClusterID))
	}
	s.logger.Info("auto-generated template", fields...)
	return t, nil
}

// DefaultPattern is the pattern given to auto-generated templates.
func DefaultPattern(topic string) string {
	return "Explain " + topic + " step by step: state the core idea in one sentence, " +
		"walk through a concrete example, then point out a common mistake."
}

// BestForCluster returns every template of the cluster ranked by weighted score.
func (s *Selector) BestForCluster(ctx context.Context, clusterID string) ([]*models.ClusterBest, error) {
	id := clusterID
	ranked, err := s.store.RankTemplates(ctx, storage.RankQuery{Weights: s.cfg.weights(), ClusterID: &id})
	if err != nil {
		return nil, fmt.Errorf("rank cluster %s: %w", clusterID, err)
	}
	return ranked, nil
}

// Report returns the best template of every live cluster.
func (s *Selector) Report(ctx context.Context) ([]*ClusterReport, error) {
	ranked, err := s.store.RankTemplates(ctx, storage.RankQuery{Weights: s.cfg.weights(), TopOnly: true})
	if err != nil {
		return nil, fmt.Errorf("rank clusters: %w", err)
	}
	out := make([]*ClusterReport, 0, len(ranked))
	for _, b := range ranked {
		r := &ClusterReport{ClusterBest: *b}
		c, err := s.store.GetCluster(ctx, b.ClusterID)
		switch {
		case err == nil:
			r.Provenance = c.Provenance.String()
			r.Trusted = c.Provenance.TrustedForGlobal()
		case errors.Is(err, storage.ErrNotFound):
		default:
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// RefreshEfficacy rewrites the cached efficacy and usage count of every template
// from the ledger and returns how many templates were refreshed.
func (s *Selector) RefreshEfficacy(ctx context.Context) (int, error) {
	all, err := s.store.ListTemplates(ctx, storage.TemplateFilter{})
	if err != nil {
		return 0, fmt.Errorf("list templates: %w", err)
	}
	topics := make(map[string]struct{})
	for _, t := range all {
		topics[t.Topic] = struct{}{}
	}

	ranked, err := s.store.RankTemplates(ctx, storage.RankQuery{Weights: s.cfg.weights()})
	if err != nil {
		return 0, fmt.Errorf("rank cluster templates: %w", err)
	}
	for topic := range topics {
		tp := topic
		global, err := s.store.RankTemplates(ctx, storage.RankQuery{Weights: s.cfg.weights(), GlobalTopic: &tp})
		if err != nil {
			return 0, fmt.Errorf("rank global templates: %w", err)
		}
		ranked = append(ranked, global...)
	}

	n := 0
	for _, b := range ranked {
		if err := s.store.UpdateTemplateCache(ctx, b.TemplateID, b.AvgFeedback, b.UsageCount); err != nil {
			return n, err
		}
		n++
	}
	s.logger.Info("refreshed template efficacy", zap.Int("templates", n))
	return n, nil
}
