package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/crowdwisdom/internal/clustering"
	"github.com/hyperjump/crowdwisdom/internal/efficacy"
	"github.com/hyperjump/crowdwisdom/internal/embedding"
	"github.com/hyperjump/crowdwisdom/internal/feedback"
	"github.com/hyperjump/crowdwisdom/internal/models"
	"github.com/hyperjump/crowdwisdom/internal/recommend"
	"github.com/hyperjump/crowdwisdom/internal/storage"
	"github.com/hyperjump/crowdwisdom/internal/templates"
)

const dims = 8

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("model unavailable")
}

func newStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	s, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newEngine(t *testing.T, store *storage.SQLiteStorage, embedder Embedder) *Engine {
	t.Helper()
	assigner, err := clustering.NewAssigner(store, dims, clustering.Config{SimilarityThreshold: 0.8, NoiseThreshold: 0.3})
	require.NoError(t, err)
	require.NoError(t, assigner.Reload(context.Background()))
	ranker, err := recommend.NewRanker(store)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ranker.Close() })
	return New(store, embedder, assigner,
		templates.NewSelector(store, templates.DefaultConfig()),
		efficacy.NewUpdater(store, feedback.NewScorer(feedback.DefaultConfig())),
		ranker,
	)
}

func mockGateway() *embedding.Gateway {
	return embedding.NewGateway(embedding.NewMockEmbedder(dims))
}

func TestHandleQuery_ColdStartThenReuse(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	e := newEngine(t, store, mockGateway())

	first, err := e.HandleQuery(ctx, models.QueryInput{SessionID: "s1", Text: "what is tail recursion", Topic: "recursion"})
	require.NoError(t, err)
	require.NotNil(t, first.Assignment)
	assert.True(t, first.Assignment.Created)
	assert.False(t, first.Pending)
	assert.Equal(t, models.MethodAutoGenerated, first.Selection.Method)
	assert.Equal(t, first.UsageID, first.ResponseID)

	in, err := store.GetInteraction(ctx, first.InteractionID)
	require.NoError(t, err)
	require.True(t, in.Clustered())
	assert.Equal(t, *first.Assignment.ClusterID, *in.ClusterID)
	assert.Len(t, in.Embedding, dims)

	second, err := e.HandleQuery(ctx, models.QueryInput{SessionID: "s2", Text: "what is tail recursion", Topic: "recursion", ResponseID: "resp-2"})
	require.NoError(t, err)
	assert.False(t, second.Assignment.Created)
	assert.Equal(t, *first.Assignment.ClusterID, *second.Assignment.ClusterID)
	assert.Equal(t, models.MethodClusterBest, second.Selection.Method)
	assert.Equal(t, first.Selection.Template.ID, second.Selection.Template.ID)
	assert.Equal(t, "resp-2", second.ResponseID)

	u, err := store.GetUsageByResponseID(ctx, "resp-2")
	require.NoError(t, err)
	assert.Equal(t, second.UsageID, u.ID)
	assert.Equal(t, second.InteractionID, u.InteractionID)
}

func TestHandleQuery_NewClusterUsesGlobal(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.CreateTemplate(ctx, &models.PromptTemplate{
		ID: "g1", Topic: "sorting", Pattern: "compare sorting algorithms", Source: models.SourceCurated,
	}))
	e := newEngine(t, store, mockGateway())

	res, err := e.HandleQuery(ctx, models.QueryInput{Text: "why is quicksort fast", Topic: "sorting"})
	require.NoError(t, err)
	assert.True(t, res.Assignment.Created)
	assert.Equal(t, models.MethodNewClusterGlobal, res.Selection.Method)
	assert.Equal(t, "g1", res.Selection.Template.ID)
}

func TestHandleQuery_EmbeddingFailureDegrades(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.CreateTemplate(ctx, &models.PromptTemplate{
		ID: "g1", Topic: DefaultTopic, Pattern: "answer clearly", Source: models.SourceCurated,
	}))
	e := newEngine(t, store, failingEmbedder{})

	res, err := e.HandleQuery(ctx, models.QueryInput{Text: "how do pointers work"})
	require.NoError(t, err)
	assert.Nil(t, res.Assignment)
	assert.True(t, res.Pending)
	assert.Equal(t, models.MethodGlobalFallback, res.Selection.Method)

	in, err := store.GetInteraction(ctx, res.InteractionID)
	require.NoError(t, err)
	assert.False(t, in.Clustered())
	assert.False(t, in.IsNoise, "a failed embedding is not noise")

	u, err := store.GetUsage(ctx, res.UsageID)
	require.NoError(t, err)
	assert.Nil(t, u.ClusterID)
}

func TestHandleQuery_EmptyText(t *testing.T) {
	e := newEngine(t, newStore(t), mockGateway())
	_, err := e.HandleQuery(context.Background(), models.QueryInput{Text: "   "})
	assert.ErrorIs(t, err, models.ErrEmptyQuery)
}

func TestBackfillEmbeddings(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.CreateTemplate(ctx, &models.PromptTemplate{
		ID: "g1", Topic: DefaultTopic, Pattern: "answer clearly", Source: models.SourceCurated,
	}))

	offline := newEngine(t, store, failingEmbedder{})
	for _, text := range []string{"what is a monad", "explain big o notation"} {
		_, err := offline.HandleQuery(ctx, models.QueryInput{Text: text})
		require.NoError(t, err)
	}
	require.NoError(t, store.CreateInteraction(ctx, &models.Interaction{ID: "blank", Text: " "}))

	res, err := offline.BackfillEmbeddings(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Scanned)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Embedded)

	online := newEngine(t, store, mockGateway())
	res, err = online.BackfillEmbeddings(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Scanned)
	assert.Equal(t, 2, res.Embedded)
	assert.Equal(t, 2, res.Clustered)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Failed)

	rows, err := store.ListUnembedded(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "blank", rows[0].ID)
}

func TestEngine_FeedbackRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, newStore(t), mockGateway())

	res, err := e.HandleQuery(ctx, models.QueryInput{Text: "what is a closure", Topic: "closures"})
	require.NoError(t, err)

	rating := 5
	out, err := e.RecordFeedback(ctx, efficacy.FeedbackInput{
		ResponseID: res.ResponseID,
		Rating:     &rating,
		Text:       "Thank you, this was really clear and helpful!",
	})
	require.NoError(t, err)
	assert.True(t, out.Recorded)
	assert.Equal(t, res.UsageID, out.UsageID)
	assert.Equal(t, models.SentimentPositive, out.Sentiment)

	best, err := e.BestForCluster(ctx, *res.Assignment.ClusterID)
	require.NoError(t, err)
	require.Len(t, best, 1)
	assert.Equal(t, 5.0, best[0].AvgFeedback)

	recs, err := e.Recommend(ctx, recommend.RecommendRequest{Topic: "closures"})
	require.NoError(t, err)
	require.NotEmpty(t, recs)
	assert.Equal(t, res.Selection.Template.ID, recs[0].Template.ID)
}

func TestEngine_AssignNormalizesEmbedding(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, newStore(t), mockGateway())

	raw := []float32{3, 4, 0, 0, 0, 0, 0, 0}
	first, err := e.Assign(ctx, raw, "vectors")
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, float32(3), raw[0], "caller slice is not modified")

	again, err := e.Assign(ctx, []float32{0.6, 0.8, 0, 0, 0, 0, 0, 0}, "")
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, *first.ClusterID, *again.ClusterID)

	_, err = e.Assign(ctx, nil, "")
	assert.ErrorIs(t, err, models.ErrEmptyQuery)
}
