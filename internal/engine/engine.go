// Package engine ties the online query path together: record the interaction,
// embed it, assign it to a cluster, select a template and record the usage.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/crowdwisdom/internal/clustering"
	"github.com/hyperjump/crowdwisdom/internal/efficacy"
	"github.com/hyperjump/crowdwisdom/internal/models"
	"github.com/hyperjump/crowdwisdom/internal/recommend"
	"github.com/hyperjump/crowdwisdom/internal/templates"
	"github.com/hyperjump/crowdwisdom/pkg/utils"
)

// DefaultTopic is used when a query arrives without a topic.
const DefaultTopic = "general"

const backfillWorkers = 4

// errNotEmbedded marks failures that left the interaction without a stored embedding.
var errNotEmbedded = errors.New("embedding not stored")

// Embedder is the part of the embedding gateway the engine calls.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Store is the part of storage.Storage the online path writes to directly.
type Store interface {
	CreateInteraction(ctx context.Context, in *models.Interaction) error
	SetInteractionEmbedding(ctx context.Context, id string, embedding []float32) error
	AssignInteraction(ctx context.Context, id string, clusterID *string, isNoise bool, version models.Provenance) error
	ListUnembedded(ctx context.Context, limit int) ([]*models.Interaction, error)
	CreateTemplate(ctx context.Context, t *models.PromptTemplate) error
	Ping(ctx context.Context) error
}

// QueryResult is everything the caller needs to render a response and later
// attach feedback to it.
type QueryResult struct {
	InteractionID string                 `json:"interaction_id"`
	Assignment    *clustering.Assignment `json:"assignment,omitempty"`
	Selection     *models.Selection      `json:"selection"`
	UsageID       string                 `json:"usage_id"`
	ResponseID    string                 `json:"response_id"`
	Pending       bool                   `json:"embedding_pending,omitempty"`
}

// BackfillResult counts what a backfill pass did.
type BackfillResult struct {
	Scanned   int `json:"scanned"`
	Embedded  int `json:"embedded"`
	Clustered int `json:"clustered"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Engine is the facade over the crowd-wisdom components.
type Engine struct {
	store    Store
	embedder Embedder
	assigner *clustering.Assigner
	selector *templates.Selector
	updater  *efficacy.Updater
	ranker   *recommend.Ranker
	logger   *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an engine with the given dependencies.
func New(
	store Store,
	embedder Embedder,
	assigner *clustering.Assigner,
	selector *templates.Selector,
	updater *efficacy.Updater,
	ranker *recommend.Ranker,
	opts ...Option,
) *Engine {
	e := &Engine{
		store:    store,
		embedder: embedder,
		assigner: assigner,
		selector: selector,
		updater:  updater,
		ranker:   ranker,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HandleQuery runs the online path for one query. Embedding and assignment
// failures are absorbed: the query is served from global scope and left for
// the backfill or batch job.
func (e *Engine) HandleQuery(ctx context.Context, in models.QueryInput) (*QueryResult, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if in.Topic == "" {
		in.Topic = DefaultTopic
	}

	interaction := &models.Interaction{
		ID:        uuid.NewString(),
		SessionID: in.SessionID,
		UserID:    in.UserID,
		Type:      models.InteractionQuery,
		Text:      in.Text,
	}
	if err := e.store.CreateInteraction(ctx, interaction); err != nil {
		return nil, fmt.Errorf("record interaction: %w", err)
	}

	res := &QueryResult{InteractionID: interaction.ID}
	asg, err := e.embedAndAssign(ctx, interaction)
	if err != nil {
		e.logger.Warn("query left unclustered",
			zap.String("interaction_id", interaction.ID), zap.Error(err))
	}
	res.Assignment = asg
	res.Pending = asg == nil || asg.Pending()

	req := templates.SelectRequest{Topic: in.Topic}
	if asg != nil {
		req.ClusterID = asg.ClusterID
		req.NewCluster = asg.Created
	}
	sel, err := e.selector.Select(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("select template: %w", err)
	}
	res.Selection = sel

	usageID, err := e.updater.RecordUsage(ctx, efficacy.UsageInput{
		TemplateID:    sel.Template.ID,
		ClusterID:     sel.ClusterID,
		InteractionID: interaction.ID,
		Query:         in.Text,
		ResponseID:    in.ResponseID,
	})
	if err != nil {
		return nil, err
	}
	res.UsageID = usageID
	res.ResponseID = in.ResponseID
	if res.ResponseID == "" {
		res.ResponseID = usageID
	}
	e.logger.Debug("query handled",
		zap.String("interaction_id", interaction.ID),
		zap.String("template_id", sel.Template.ID),
		zap.String("method", string(sel.Method)),
		zap.Bool("cold_start", sel.Method.ColdStart()))
	return res, nil
}

// embedAndAssign stores the embedding of an interaction and its cluster. The
// returned assignment is nil when no embedding could be produced.
func (e *Engine) embedAndAssign(ctx context.Context, in *models.Interaction) (*clustering.Assignment, error) {
	emb, err := e.embedder.Embed(ctx, in.Text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errNotEmbedded, err)
	}
	if err := e.store.SetInteractionEmbedding(ctx, in.ID, emb); err != nil {
		return nil, fmt.Errorf("%w: %w", errNotEmbedded, err)
	}
	asg, err := e.assigner.Assign(ctx, emb, in.Text)
	if err != nil {
		return nil, fmt.Errorf("assign: %w", err)
	}
	if asg.Pending() {
		return asg, nil
	}
	if err := e.store.AssignInteraction(ctx, in.ID, asg.ClusterID, asg.IsNoise, asg.Provenance); err != nil {
		return asg, fmt.Errorf("store assignment: %w", err)
	}
	return asg, nil
}

// Assign places a query in a cluster without recording an interaction. A
// caller-supplied embedding is normalized; otherwise text is embedded.
func (e *Engine) Assign(ctx context.Context, embedding []float32, text string) (*clustering.Assignment, error) {
	text = strings.TrimSpace(text)
	if len(embedding) == 0 {
		if text == "" {
			return nil, models.ErrEmptyQuery
		}
		emb, err := e.embedder.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed: %w", err)
		}
		embedding = emb
	} else {
		embedding = append([]float32(nil), embedding...)
		utils.NormalizeL2(embedding)
	}
	return e.assigner.Assign(ctx, embedding, text)
}

// SelectTemplate runs the selection cascade.
func (e *Engine) SelectTemplate(ctx context.Context, req templates.SelectRequest) (*models.Selection, error) {
	return e.selector.Select(ctx, req)
}

// CreateTemplate stores a hand-curated template. A template without a cluster
// is global and competes in the fallback branch for its topic.
func (e *Engine) CreateTemplate(ctx context.Context, in models.TemplateInput) (*models.PromptTemplate, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	t := &models.PromptTemplate{
		ID:        uuid.NewString(),
		Topic:     in.Topic,
		Pattern:   in.Pattern,
		Source:    in.Source,
		ClusterID: in.ClusterID,
	}
	if err := e.store.CreateTemplate(ctx, t); err != nil {
		return nil, fmt.Errorf("create template: %w", err)
	}
	e.logger.Info("template created",
		zap.String("template_id", t.ID),
		zap.String("topic", t.Topic),
		zap.Bool("global", t.Global()))
	return t, nil
}

// Ping reports whether the store is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

// RecordUsage appends a usage row.
func (e *Engine) RecordUsage(ctx context.Context, in efficacy.UsageInput) (string, error) {
	return e.updater.RecordUsage(ctx, in)
}

// RecordFeedback scores and applies explicit feedback.
func (e *Engine) RecordFeedback(ctx context.Context, in efficacy.FeedbackInput) (*efficacy.FeedbackOutcome, error) {
	return e.updater.RecordFeedback(ctx, in)
}

// RecordSoftSignal applies an implicit feedback signal to the usage behind responseID.
func (e *Engine) RecordSoftSignal(ctx context.Context, responseID string, signal models.SoftSignal) (*efficacy.FeedbackOutcome, error) {
	return e.updater.RecordSoftSignal(ctx, responseID, signal)
}

// Recommend ranks templates for a user.
func (e *Engine) Recommend(ctx context.Context, req recommend.RecommendRequest) ([]models.Recommendation, error) {
	return e.ranker.Recommend(ctx, req)
}

// BestTemplates returns the best template of every cluster.
func (e *Engine) BestTemplates(ctx context.Context) ([]*templates.ClusterReport, error) {
	return e.selector.Report(ctx)
}

// BestForCluster returns the ranked templates of one cluster.
func (e *Engine) BestForCluster(ctx context.Context, clusterID string) ([]*models.ClusterBest, error) {
	return e.selector.BestForCluster(ctx, clusterID)
}

// RefreshEfficacy rewrites cached template scores from the ledger.
func (e *Engine) RefreshEfficacy(ctx context.Context) (int, error) {
	return e.selector.RefreshEfficacy(ctx)
}

// BackfillEmbeddings embeds up to limit query interactions that have no
// embedding yet and assigns them to clusters. Row failures are logged and
// counted; only a failure to list rows aborts the pass.
func (e *Engine) BackfillEmbeddings(ctx context.Context, limit int) (*BackfillResult, error) {
	rows, err := e.store.ListUnembedded(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list unembedded interactions: %w", err)
	}
	var embedded, clustered, skipped, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(backfillWorkers)
	for _, row := range rows {
		row := row
		g.Go(func() error {
			if strings.TrimSpace(row.Text) == "" {
				skipped.Add(1)
				return nil
			}
			asg, err := e.embedAndAssign(gctx, row)
			if !errors.Is(err, errNotEmbedded) {
				embedded.Add(1)
			}
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				failed.Add(1)
				e.logger.Warn("backfill failed for interaction",
					zap.String("interaction_id", row.ID), zap.Error(err))
				return nil
			}
			if !asg.Pending() {
				clustered.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &BackfillResult{
		Scanned:   len(rows),
		Embedded:  int(embedded.Load()),
		Clustered: int(clustered.Load()),
		Skipped:   int(skipped.Load()),
		Failed:    int(failed.Load()),
	}
	e.logger.Info("embedding backfill finished",
		zap.Int("scanned", res.Scanned),
		zap.Int("embedded", res.Embedded),
		zap.Int("clustered", res.Clustered),
		zap.Int("failed", res.Failed))
	return res, nil
}
