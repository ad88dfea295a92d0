package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidRating is returned for explicit ratings outside 1-5.
var ErrInvalidRating = errors.New("rating must be between 1 and 5")

// ErrInvalidTemplate is returned when a curated template is missing fields.
var ErrInvalidTemplate = errors.New("invalid template")

// TemplateSource records where a template came from.
type TemplateSource string

const (
	SourceAutoGenerated   TemplateSource = "auto_generated"
	SourceRealtimeCluster TemplateSource = "realtime_cluster"
	SourceCurated         TemplateSource = "curated"
)

// Valid reports whether s is a known source.
func (s TemplateSource) Valid() bool {
	switch s {
	case SourceAutoGenerated, SourceRealtimeCluster, SourceCurated:
		return true
	}
	return false
}

// PromptTemplate is a reusable response-construction pattern. EfficacyScore and
// UsageCount are a cache of the usage ledger, refreshed from it, never edited on their own.
type PromptTemplate struct {
	ID            string         `json:"id" db:"id"`
	Topic         string         `json:"topic" db:"topic"`
	Pattern       string         `json:"pattern" db:"pattern"`
	EfficacyScore float64        `json:"efficacy_score" db:"efficacy_score"`
	UsageCount    int            `json:"usage_count" db:"usage_count"`
	Source        TemplateSource `json:"source" db:"source"`
	ClusterID     *string        `json:"cluster_id,omitempty" db:"cluster_id"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
}

// Global reports whether the template applies regardless of cluster.
func (t *PromptTemplate) Global() bool {
	return t.ClusterID == nil || *t.ClusterID == ""
}

// TemplateInput is the payload for curating a template by hand.
type TemplateInput struct {
	Topic     string         `json:"topic"`
	Pattern   string         `json:"pattern"`
	Source    TemplateSource `json:"source,omitempty"`
	ClusterID *string        `json:"cluster_id,omitempty"`
}

// Validate fills the default source and checks required fields.
func (in *TemplateInput) Validate() error {
	in.Topic = strings.TrimSpace(in.Topic)
	in.Pattern = strings.TrimSpace(in.Pattern)
	if in.Topic == "" {
		return fmt.Errorf("%w: topic is required", ErrInvalidTemplate)
	}
	if in.Pattern == "" {
		return fmt.Errorf("%w: pattern is required", ErrInvalidTemplate)
	}
	if in.Source == "" {
		in.Source = SourceCurated
	}
	if !in.Source.Valid() {
		return fmt.Errorf("%w: unknown template source %q", ErrInvalidTemplate, in.Source)
	}
	return nil
}

// FeedbackOrigin says whether a usage's feedback score was given or inferred.
type FeedbackOrigin string

const (
	FeedbackExplicit FeedbackOrigin = "explicit"
	FeedbackInferred FeedbackOrigin = "inferred"
)

// TemplateUsage is one (template, interaction) pairing in the append-only ledger.
// All efficacy statistics derive from these rows.
type TemplateUsage struct {
	ID             string         `json:"id" db:"id"`
	TemplateID     string         `json:"template_id" db:"template_id"`
	ClusterID      *string        `json:"cluster_id,omitempty" db:"cluster_id"`
	InteractionID  string         `json:"interaction_id,omitempty" db:"interaction_id"`
	Query          string         `json:"query" db:"query"`
	FeedbackScore  *int           `json:"feedback_score,omitempty" db:"feedback_score"`
	FeedbackOrigin FeedbackOrigin `json:"feedback_origin,omitempty" db:"feedback_origin"`
	FeedbackText   string         `json:"feedback_text,omitempty" db:"feedback_text"`
	Sentiment      Sentiment      `json:"sentiment,omitempty" db:"sentiment"`
	QualityScore   *int           `json:"quality_score,omitempty" db:"quality_score"`
	SoftSignal     SoftSignal     `json:"soft_signal,omitempty" db:"soft_signal"`
	ResponseID     string         `json:"response_id,omitempty" db:"response_id"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
}

// OrphanFeedback is feedback that arrived without a tracked usage. Kept for audit only.
type OrphanFeedback struct {
	ID         string    `json:"id" db:"id"`
	Reference  string    `json:"reference" db:"reference"`
	Rating     *int      `json:"rating,omitempty" db:"rating"`
	Text       string    `json:"text,omitempty" db:"text"`
	Sentiment  Sentiment `json:"sentiment,omitempty" db:"sentiment"`
	ReceivedAt time.Time `json:"received_at" db:"received_at"`
}

// TemplateStats is the ledger aggregate for one template.
type TemplateStats struct {
	TemplateID   string         `json:"template_id"`
	ClusterID    *string        `json:"cluster_id,omitempty"`
	Topic        string         `json:"topic"`
	Source       TemplateSource `json:"source"`
	CreatedAt    time.Time      `json:"created_at"`
	UsageCount   int            `json:"usage_count"`
	RatedCount   int            `json:"rated_count"`
	FeedbackSum  int            `json:"feedback_sum"`
	PositiveHits int            `json:"positive_hits"`
	NegativeHits int            `json:"negative_hits"`
	NeutralHits  int            `json:"neutral_hits"`
}

// Sentiment is the coarse class of a feedback message.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
	SentimentUnknown  Sentiment = "unknown"
)
