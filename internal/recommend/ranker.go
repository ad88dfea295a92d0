// Package recommend ranks templates for a user by popularity, topic relevance and
// feedback sentiment.
package recommend

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/crowdwisdom/internal/models"
	"github.com/hyperjump/crowdwisdom/internal/storage"
)

// Weights are the component weights of the final score.
type Weights struct {
	Popularity float64 `json:"popularity"`
	Relevance  float64 `json:"relevance"`
	Sentiment  float64 `json:"sentiment"`
}

// DefaultWeights returns popularity 0.40, relevance 0.35, sentiment 0.25.
func DefaultWeights() Weights {
	return Weights{Popularity: 0.40, Relevance: 0.35, Sentiment: 0.25}
}

// PartialWeights is a caller-supplied weight vector where any component may be left out.
type PartialWeights struct {
	Popularity *float64 `json:"popularity,omitempty"`
	Relevance  *float64 `json:"relevance,omitempty"`
	Sentiment  *float64 `json:"sentiment,omitempty"`
}

// Resolve fills missing components from base and renormalizes the result.
func (p *PartialWeights) Resolve(base Weights) Weights {
	w := base
	if p != nil {
		if p.Popularity != nil {
			w.Popularity = *p.Popularity
		}
		if p.Relevance != nil {
			w.Relevance = *p.Relevance
		}
		if p.Sentiment != nil {
			w.Sentiment = *p.Sentiment
		}
	}
	return NormalizeWeights(w)
}

// NormalizeWeights clamps negative and non-finite components to zero and scales
// the vector to sum to 1. An all-zero vector yields DefaultWeights.
func NormalizeWeights(w Weights) Weights {
	clamp := func(v float64) float64 {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return 0
		}
		return v
	}
	w = Weights{Popularity: clamp(w.Popularity), Relevance: clamp(w.Relevance), Sentiment: clamp(w.Sentiment)}
	top := max(w.Popularity, w.Relevance, w.Sentiment)
	if top == 0 {
		return DefaultWeights()
	}
	// scale by the largest component first so the sum cannot overflow
	w = Weights{Popularity: w.Popularity / top, Relevance: w.Relevance / top, Sentiment: w.Sentiment / top}
	sum := w.Popularity + w.Relevance + w.Sentiment
	w = Weights{Popularity: w.Popularity / sum, Relevance: w.Relevance / sum}
	// last component absorbs rounding so the sum is exactly 1
	w.Sentiment = 1 - (w.Popularity + w.Relevance)
	if w.Sentiment < 0 {
		w.Sentiment = 0
	}
	return w
}

// QualityLabel maps a final score to a display band.
func QualityLabel(score float64) string {
	switch {
	case score >= 0.8:
		return "Excellent"
	case score >= 0.6:
		return "Good"
	case score >= 0.4:
		return "Fair"
	default:
		return "Poor"
	}
}

// Store is the part of storage.Storage the ranker reads.
type Store interface {
	ListTemplates(ctx context.Context, filter storage.TemplateFilter) ([]*models.PromptTemplate, error)
	TemplateStats(ctx context.Context, filter storage.TemplateFilter) ([]*models.TemplateStats, error)
	UserClusterCounts(ctx context.Context, userID string) (map[string]int, error)
}

// RecommendRequest asks for templates for a user, optionally narrowed to a topic.
type RecommendRequest struct {
	UserID  string          `json:"user_id"`
	Topic   string          `json:"topic,omitempty"`
	Weights *PartialWeights `json:"weights,omitempty"`
	Limit   int             `json:"limit,omitempty"`
}

// Ranker scores templates with
// final = wPopularity*popularity + wRelevance*relevance + wSentiment*sentiment,
// each component in [0,1].
type Ranker struct {
	store   Store
	index   *TemplateIndex
	weights Weights
	limit   int
	logger  *zap.Logger
}

// Option configures a Ranker.
type Option func(*Ranker)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Ranker) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithWeights sets the default weights used when a request carries none.
func WithWeights(w Weights) Option {
	return func(r *Ranker) { r.weights = NormalizeWeights(w) }
}

// WithLimit sets the default result size.
func WithLimit(n int) Option {
	return func(r *Ranker) {
		if n > 0 {
			r.limit = n
		}
	}
}

// NewRanker creates a ranker with its own in-memory topic index.
func NewRanker(store Store, opts ...Option) (*Ranker, error) {
	index, err := NewTemplateIndex()
	if err != nil {
		return nil, err
	}
	r := &Ranker{store: store, index: index, weights: DefaultWeights(), limit: 20, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Close releases the topic index.
func (r *Ranker) Close() error {
	return r.index.Close()
}

// Recommend returns templates ranked by final score. With a topic, only templates
// the topic index matches are candidates; without one, every template is and
// relevance is a flat 0.5.
func (r *Ranker) Recommend(ctx context.Context, req RecommendRequest) ([]models.Recommendation, error) {
	weights := req.Weights.Resolve(r.weights)
	limit := req.Limit
	if limit <= 0 {
		limit = r.limit
	}

	templates, err := r.store.ListTemplates(ctx, storage.TemplateFilter{})
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	if _, err := r.index.Sync(templates); err != nil {
		return nil, err
	}

	topic := strings.TrimSpace(req.Topic)
	var relevance map[string]float64
	if topic != "" {
		relevance, err = r.index.Relevance(ctx, topic, len(templates))
		if err != nil {
			return nil, err
		}
	}

	stats, err := r.store.TemplateStats(ctx, storage.TemplateFilter{})
	if err != nil {
		return nil, fmt.Errorf("template stats: %w", err)
	}
	byTemplate := make(map[string]*models.TemplateStats, len(stats))
	maxUsage := 0
	for _, st := range stats {
		byTemplate[st.TemplateID] = st
		if st.UsageCount > maxUsage {
			maxUsage = st.UsageCount
		}
	}

	var affinity map[string]int
	maxAffinity := 0
	if req.UserID != "" {
		affinity, err = r.store.UserClusterCounts(ctx, req.UserID)
		if err != nil {
			r.logger.Warn("user history unavailable, ranking without affinity",
				zap.String("user_id", req.UserID), zap.Error(err))
			affinity = nil
		}
		for _, n := range affinity {
			if n > maxAffinity {
				maxAffinity = n
			}
		}
	}

	out := make([]models.Recommendation, 0, len(templates))
	for _, t := range templates {
		rel := 0.5
		if topic != "" {
			var ok bool
			if rel, ok = relevance[t.ID]; !ok {
				continue
			}
		}
		st := byTemplate[t.ID]
		pop := popularity(st, maxUsage)
		if maxAffinity > 0 {
			aff := 0.0
			if t.ClusterID != nil {
				aff = float64(affinity[*t.ClusterID]) / float64(maxAffinity)
			}
			pop = 0.5*pop + 0.5*aff
		}
		sent := sentimentWeight(st)
		score := weights.Popularity*pop + weights.Relevance*rel + weights.Sentiment*sent
		out = append(out, models.Recommendation{
			Template:          t,
			Score:             score,
			ClusterPopularity: pop,
			TopicRelevance:    rel,
			SentimentWeight:   sent,
			Quality:           QualityLabel(score),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].ClusterPopularity != out[j].ClusterPopularity {
			return out[i].ClusterPopularity > out[j].ClusterPopularity
		}
		return out[i].Template.ID < out[j].Template.ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		out[i].Rank = i + 1
	}
	return out, nil
}

func popularity(st *models.TemplateStats, maxUsage int) float64 {
	if st == nil || maxUsage == 0 {
		return 0
	}
	return float64(st.UsageCount) / float64(maxUsage)
}

// sentimentWeight is the share of positive feedback, counting neutral as half.
// Templates without classified feedback sit at 0.5.
func sentimentWeight(st *models.TemplateStats) float64 {
	if st == nil {
		return 0.5
	}
	classified := st.PositiveHits + st.NegativeHits + st.NeutralHits
	if classified == 0 {
		return 0.5
	}
	return (float64(st.PositiveHits) + 0.5*float64(st.NeutralHits)) / float64(classified)
}
