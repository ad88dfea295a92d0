// Package efficacy records template usages and the feedback that lands on them.
// Efficacy itself is never stored here; it is derived from the ledger on read.
package efficacy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/crowdwisdom/internal/feedback"
	"github.com/hyperjump/crowdwisdom/internal/metrics"
	"github.com/hyperjump/crowdwisdom/internal/models"
	"github.com/hyperjump/crowdwisdom/internal/storage"
)

// Outcome reasons reported back to the submitter.
const (
	ReasonRecorded        = "recorded"
	ReasonAlreadyRated    = "already_rated"
	ReasonUnknownUsage    = "unknown_usage"
	ReasonNothingToRecord = "nothing_to_record"
	ReasonNoSignal        = "no_signal"
)

// Store is the part of storage.Storage the updater writes to.
type Store interface {
	GetCluster(ctx context.Context, id string) (*models.SemanticCluster, error)
	CreateUsage(ctx context.Context, u *models.TemplateUsage) error
	GetUsage(ctx context.Context, id string) (*models.TemplateUsage, error)
	GetUsageByResponseID(ctx context.Context, responseID string) (*models.TemplateUsage, error)
	ApplyFeedback(ctx context.Context, usageID string, upd storage.FeedbackUpdate) (*storage.FeedbackApplied, error)
	CreateOrphanFeedback(ctx context.Context, f *models.OrphanFeedback) error
	AnnotateSoftSignal(ctx context.Context, id string, signal models.SoftSignal) error
}

// UsageInput is one application of a template to a query.
type UsageInput struct {
	TemplateID    string  `json:"template_id"`
	ClusterID     *string `json:"cluster_id,omitempty"`
	InteractionID string  `json:"interaction_id,omitempty"`
	Query         string  `json:"query"`
	ResponseID    string  `json:"response_id,omitempty"`
}

// FeedbackInput references a usage by id or by response id.
type FeedbackInput struct {
	UsageID    string `json:"usage_id,omitempty"`
	ResponseID string `json:"response_id,omitempty"`
	Rating     *int   `json:"rating,omitempty"`
	Text       string `json:"text,omitempty"`
}

// FeedbackOutcome tells the submitter what happened to their feedback.
type FeedbackOutcome struct {
	Recorded      bool                       `json:"recorded"`
	Reason        string                     `json:"reason"`
	UsageID       string                     `json:"usage_id,omitempty"`
	Orphan        bool                       `json:"orphan,omitempty"`
	RatingWritten bool                       `json:"rating_written"`
	TextWritten   bool                       `json:"text_written"`
	Moderation    *feedback.ModerationResult `json:"moderation,omitempty"`
	Quality       *feedback.Quality          `json:"quality,omitempty"`
	Sentiment     models.Sentiment           `json:"sentiment,omitempty"`
}

// Updater appends usages and applies feedback to them.
type Updater struct {
	store   Store
	scorer  *feedback.Scorer
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Option configures an Updater.
type Option func(*Updater)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(u *Updater) {
		if logger != nil {
			u.logger = logger
		}
	}
}

// WithMetrics counts feedback outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(u *Updater) { u.metrics = m }
}

// NewUpdater creates an updater. A nil scorer uses the default moderation bounds.
func NewUpdater(store Store, scorer *feedback.Scorer, opts ...Option) *Updater {
	if scorer == nil {
		scorer = feedback.NewScorer(feedback.DefaultConfig())
	}
	u := &Updater{store: store, scorer: scorer, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// RecordUsage appends a usage row and returns its id. A cluster id that does not
// resolve to a live cluster is stored as null so the usage counts in global scope.
func (u *Updater) RecordUsage(ctx context.Context, in UsageInput) (string, error) {
	in.TemplateID = strings.TrimSpace(in.TemplateID)
	if in.TemplateID == "" {
		return "", errors.New("template id is required")
	}
	clusterID := in.ClusterID
	if clusterID != nil && *clusterID == "" {
		clusterID = nil
	}
	if clusterID != nil {
		c, err := u.store.GetCluster(ctx, *clusterID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			u.logger.Warn("usage references unknown cluster, recording in global scope",
				zap.String("cluster_id", *clusterID), zap.String("template_id", in.TemplateID))
			clusterID = nil
		case err != nil:
			return "", fmt.Errorf("look up cluster: %w", err)
		case !c.Active():
			u.logger.Warn("usage references superseded cluster, recording in global scope",
				zap.String("cluster_id", *clusterID), zap.String("template_id", in.TemplateID))
			clusterID = nil
		}
	}

	row := &models.TemplateUsage{
		ID:            uuid.New().String(),
		TemplateID:    in.TemplateID,
		ClusterID:     clusterID,
		InteractionID: in.InteractionID,
		Query:         strings.TrimSpace(in.Query),
		ResponseID:    in.ResponseID,
	}
	if row.ResponseID == "" {
		row.ResponseID = row.ID
	}
	if err := u.store.CreateUsage(ctx, row); err != nil {
		return "", fmt.Errorf("record usage: %w", err)
	}
	return row.ID, nil
}

func (u *Updater) resolve(ctx context.Context, in FeedbackInput) (*models.TemplateUsage, error) {
	if in.UsageID != "" {
		return u.store.GetUsage(ctx, in.UsageID)
	}
	return u.store.GetUsageByResponseID(ctx, in.ResponseID)
}

// RecordFeedback applies an explicit rating and/or text to a usage. Text that fails
// moderation is dropped before it reaches any score; a rating in the same request
// is still recorded. Feedback for an unknown usage is kept as an orphan row.
func (u *Updater) RecordFeedback(ctx context.Context, in FeedbackInput) (*FeedbackOutcome, error) {
	in.UsageID = strings.TrimSpace(in.UsageID)
	in.ResponseID = strings.TrimSpace(in.ResponseID)
	if in.UsageID == "" && in.ResponseID == "" {
		return nil, errors.New("usage id or response id is required")
	}
	if in.Rating != nil && (*in.Rating < 1 || *in.Rating > 5) {
		return nil, models.ErrInvalidRating
	}

	out := &FeedbackOutcome{}
	upd := storage.FeedbackUpdate{Rating: in.Rating, Origin: models.FeedbackExplicit}
	if strings.TrimSpace(in.Text) != "" {
		res := u.scorer.Score(in.Text)
		mod := res.Moderation
		out.Moderation = &mod
		if mod.Accepted {
			out.Quality = res.Quality
			out.Sentiment = res.Sentiment
			upd.Text = strings.TrimSpace(in.Text)
			upd.Sentiment = res.Sentiment
			score := res.Quality.Score
			upd.QualityScore = &score
		} else {
			u.logger.Warn("feedback text rejected by moderation",
				zap.String("usage_id", in.UsageID), zap.String("response_id", in.ResponseID),
				zap.String("reason", string(mod.Reason)))
		}
	}
	if upd.Rating == nil && upd.Text == "" {
		out.Reason = ReasonNothingToRecord
		if out.Moderation != nil {
			out.Reason = string(out.Moderation.Reason)
		}
		u.metrics.FeedbackOutcome("rejected")
		return out, nil
	}

	usage, err := u.resolve(ctx, in)
	if errors.Is(err, storage.ErrNotFound) {
		return u.orphan(ctx, in, upd, out)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve usage: %w", err)
	}
	out.UsageID = usage.ID

	applied, err := u.store.ApplyFeedback(ctx, usage.ID, upd)
	if errors.Is(err, storage.ErrAlreadyRated) {
		u.logger.Info("duplicate explicit rating ignored", zap.String("usage_id", usage.ID))
		out.Reason = ReasonAlreadyRated
		u.metrics.FeedbackOutcome("duplicate")
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("apply feedback: %w", err)
	}
	out.RatingWritten = applied.RatingWritten
	out.TextWritten = applied.TextWritten
	out.Recorded = applied.RatingWritten || applied.TextWritten
	out.Reason = ReasonRecorded
	if !out.Recorded {
		out.Reason = ReasonNothingToRecord
	}
	u.metrics.FeedbackOutcome("recorded")
	return out, nil
}

func (u *Updater) orphan(ctx context.Context, in FeedbackInput, upd storage.FeedbackUpdate, out *FeedbackOutcome) (*FeedbackOutcome, error) {
	ref := in.UsageID
	if ref == "" {
		ref = in.ResponseID
	}
	row := &models.OrphanFeedback{
		ID:        uuid.New().String(),
		Reference: ref,
		Rating:    upd.Rating,
		Text:      upd.Text,
		Sentiment: upd.Sentiment,
	}
	if err := u.store.CreateOrphanFeedback(ctx, row); err != nil {
		return nil, fmt.Errorf("record orphan feedback: %w", err)
	}
	u.logger.Warn("feedback references no tracked usage, kept as orphan", zap.String("reference", ref))
	u.metrics.FeedbackOutcome("orphan")
	out.Orphan = true
	out.Reason = ReasonUnknownUsage
	return out, nil
}

// RecordSoftSignal applies an implicit signal to the usage of responseID. The
// implied rating only fills an empty score and never replaces an explicit one.
// The interaction behind the usage is annotated as well.
func (u *Updater) RecordSoftSignal(ctx context.Context, responseID string, signal models.SoftSignal) (*FeedbackOutcome, error) {
	responseID = strings.TrimSpace(responseID)
	if responseID == "" {
		return nil, errors.New("response id is required")
	}
	if signal == models.SignalNone {
		return &FeedbackOutcome{Reason: ReasonNoSignal}, nil
	}
	usage, err := u.store.GetUsageByResponseID(ctx, responseID)
	if errors.Is(err, storage.ErrNotFound) {
		u.logger.Warn("soft signal for unknown response", zap.String("response_id", responseID), zap.String("signal", string(signal)))
		u.metrics.FeedbackOutcome("orphan")
		return &FeedbackOutcome{Reason: ReasonUnknownUsage}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve usage: %w", err)
	}

	upd := storage.FeedbackUpdate{Origin: models.FeedbackInferred, SoftSignal: signal}
	if r, ok := signal.ImpliedRating(); ok {
		upd.Rating = &r
	}
	applied, err := u.store.ApplyFeedback(ctx, usage.ID, upd)
	if err != nil {
		return nil, fmt.Errorf("apply soft signal: %w", err)
	}

	if usage.InteractionID != "" {
		if err := u.store.AnnotateSoftSignal(ctx, usage.InteractionID, signal); err != nil {
			u.logger.Warn("annotate interaction failed",
				zap.String("interaction_id", usage.InteractionID), zap.Error(err))
		}
	}
	u.metrics.FeedbackOutcome("signal")
	return &FeedbackOutcome{
		Recorded:      true,
		Reason:        ReasonRecorded,
		UsageID:       usage.ID,
		RatingWritten: applied.RatingWritten,
	}, nil
}
