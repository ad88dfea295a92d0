// Package storage defines the persistence contract for interactions, clusters, templates and the usage ledger.
package storage

import (
	"context"
	"errors"

	"github.com/hyperjump/crowdwisdom/internal/models"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyRated is returned when an explicit rating targets a usage that already has one.
	ErrAlreadyRated = errors.New("usage already has an explicit rating")
	// ErrAlreadyClustered is returned when assigning an interaction that already has a cluster.
	ErrAlreadyClustered = errors.New("interaction already clustered")
)

// Storage defines persistence operations. Efficacy numbers are always read back from
// the usage ledger; cached columns on templates are refreshed through UpdateTemplateCache.
type Storage interface {
	// Interactions
	CreateInteraction(ctx context.Context, in *models.Interaction) error
	GetInteraction(ctx context.Context, id string) (*models.Interaction, error)
	SetInteractionEmbedding(ctx context.Context, id string, embedding []float32) error
	AssignInteraction(ctx context.Context, id string, clusterID *string, isNoise bool, version models.Provenance) error
	AnnotateSoftSignal(ctx context.Context, id string, signal models.SoftSignal) error
	ListUnembedded(ctx context.Context, limit int) ([]*models.Interaction, error)
	UserClusterCounts(ctx context.Context, userID string) (map[string]int, error)

	// Clusters
	CreateCluster(ctx context.Context, c *models.SemanticCluster) error
	GetCluster(ctx context.Context, id string) (*models.SemanticCluster, error)
	ListActiveClusters(ctx context.Context) ([]*models.SemanticCluster, error)
	JoinCluster(ctx context.Context, clusterID string, embedding []float32) (*models.SemanticCluster, error)

	// Templates
	CreateTemplate(ctx context.Context, t *models.PromptTemplate) error
	GetTemplate(ctx context.Context, id string) (*models.PromptTemplate, error)
	ListTemplates(ctx context.Context, filter TemplateFilter) ([]*models.PromptTemplate, error)
	UpdateTemplateCache(ctx context.Context, id string, efficacy float64, usageCount int) error

	// Usage ledger
	CreateUsage(ctx context.Context, u *models.TemplateUsage) error
	GetUsage(ctx context.Context, id string) (*models.TemplateUsage, error)
	GetUsageByResponseID(ctx context.Context, responseID string) (*models.TemplateUsage, error)
	ApplyFeedback(ctx context.Context, usageID string, upd FeedbackUpdate) (*FeedbackApplied, error)
	CreateOrphanFeedback(ctx context.Context, f *models.OrphanFeedback) error

	// Aggregates over the ledger
	TemplateStats(ctx context.Context, filter TemplateFilter) ([]*models.TemplateStats, error)
	RankTemplates(ctx context.Context, q RankQuery) ([]*models.ClusterBest, error)
	ClusterEvidence(ctx context.Context, clusterID string) (int, error)

	// Batch reconciliation
	ApplyManifest(ctx context.Context, m *models.ClusterManifest) (*ManifestResult, error)

	Close() error
}

// TemplateFilter narrows template reads. Zero values match everything.
type TemplateFilter struct {
	ClusterID *string
	Topic     string
	Source    models.TemplateSource
	// GlobalOnly matches templates without a live owning cluster: no cluster id,
	// or one that is missing or superseded.
	GlobalOnly bool
	Limit      int
}

// ScoreWeights parameterizes weighted_score = usage_count*Usage + avg_feedback*Feedback,
// where unrated usages count as Neutral in the average.
type ScoreWeights struct {
	Usage    float64
	Feedback float64
	Neutral  float64
}

// RankQuery selects which templates the ledger ranking covers.
type RankQuery struct {
	Weights ScoreWeights
	// ClusterID restricts the ranking to one cluster's own templates.
	ClusterID *string
	// GlobalTopic ranks global templates of this topic instead of cluster-owned ones.
	GlobalTopic *string
	// TopOnly keeps only rank 1 per cluster.
	TopOnly bool
}

// FeedbackUpdate is applied atomically to one usage row.
type FeedbackUpdate struct {
	Rating       *int
	Origin       models.FeedbackOrigin
	Text         string
	Sentiment    models.Sentiment
	QualityScore *int
	SoftSignal   models.SoftSignal
}

// FeedbackApplied reports which parts of a FeedbackUpdate were written.
type FeedbackApplied struct {
	Usage         *models.TemplateUsage
	RatingWritten bool
	TextWritten   bool
}

// ManifestResult summarizes a batch reconciliation.
type ManifestResult struct {
	ClustersUpserted      int `json:"clusters_upserted"`
	ClustersSuperseded    int `json:"clusters_superseded"`
	TemplatesDetached     int `json:"templates_detached"`
	InteractionsRewritten int `json:"interactions_rewritten"`
	InteractionsNoise     int `json:"interactions_noise"`
}
