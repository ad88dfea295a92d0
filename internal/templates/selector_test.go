package templates

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/crowdwisdom/internal/metrics"
	"github.com/hyperjump/crowdwisdom/internal/models"
	"github.com/hyperjump/crowdwisdom/internal/storage"
)

func ptr[T any](v T) *T { return &v }

type fixture struct {
	t     *testing.T
	store *storage.SQLiteStorage
	n     int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return &fixture{t: t, store: s}
}

func (f *fixture) cluster(id string, p models.Provenance) {
	f.t.Helper()
	require.NoError(f.t, f.store.CreateCluster(context.Background(), &models.SemanticCluster{
		ID: id, Centroid: []float32{1, 0}, Size: 1, RepresentativeQuery: id, Provenance: p,
	}))
}

func (f *fixture) template(id, topic string, cluster *string) {
	f.t.Helper()
	require.NoError(f.t, f.store.CreateTemplate(context.Background(), &models.PromptTemplate{
		ID: id, Topic: topic, Pattern: "explain " + topic, Source: models.SourceCurated, ClusterID: cluster,
		CreatedAt: time.Date(2024, 1, 1, 0, 0, f.n, 0, time.UTC),
	}))
	f.n++
}

// usage records a usage served from the template's own cluster.
func (f *fixture) usage(templateID string, score *int) {
	f.t.Helper()
	tpl, err := f.store.GetTemplate(context.Background(), templateID)
	require.NoError(f.t, err)
	f.usageIn(templateID, tpl.ClusterID, score)
}

func (f *fixture) usageIn(templateID string, cluster *string, score *int) {
	f.t.Helper()
	f.n++
	u := &models.TemplateUsage{ID: fmt.Sprintf("u%d", f.n), TemplateID: templateID, ClusterID: cluster, Query: "q", FeedbackScore: score}
	if score != nil {
		u.FeedbackOrigin = models.FeedbackExplicit
	}
	require.NoError(f.t, f.store.CreateUsage(context.Background(), u))
}

func TestSelector_CascadeEmptyCluster(t *testing.T) {
	ctx := context.Background()

	t.Run("global template exists", func(t *testing.T) {
		f := newFixture(t)
		f.cluster("c1", models.Realtime())
		f.template("g1", "recursion", nil)

		sel, err := NewSelector(f.store, DefaultConfig()).Select(ctx, SelectRequest{ClusterID: ptr("c1"), Topic: "recursion"})
		require.NoError(t, err)
		assert.Equal(t, models.MethodGlobalFallback, sel.Method)
		assert.Equal(t, "g1", sel.Template.ID)
	})

	t.Run("nothing exists", func(t *testing.T) {
		f := newFixture(t)
		f.cluster("c1", models.Realtime())

		sel, err := NewSelector(f.store, DefaultConfig()).Select(ctx, SelectRequest{ClusterID: ptr("c1"), Topic: "recursion"})
		require.NoError(t, err)
		assert.Equal(t, models.MethodAutoGenerated, sel.Method)
		assert.Equal(t, models.SourceAutoGenerated, sel.Template.Source)
		require.NotNil(t, sel.Template.ClusterID)
		assert.Equal(t, "c1", *sel.Template.ClusterID)
		assert.InDelta(t, 3.0, sel.Template.EfficacyScore, 1e-9)

		stored, err := f.store.GetTemplate(ctx, sel.Template.ID)
		require.NoError(t, err)
		assert.Equal(t, sel.Template.Pattern, stored.Pattern)
	})
}

func TestSelector_ClusterBestScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.cluster("c1", models.Batch("v1"))
	f.template("t1", "recursion", ptr("c1"))
	f.template("g1", "recursion", nil)
	f.usage("t1", ptr(5))
	f.usage("t1", ptr(5))
	f.usage("t1", nil)

	sel, err := NewSelector(f.store, DefaultConfig()).Select(ctx, SelectRequest{ClusterID: ptr("c1"), Topic: "recursion"})
	require.NoError(t, err)
	assert.Equal(t, models.MethodClusterBest, sel.Method)
	assert.Equal(t, "t1", sel.Template.ID)
	assert.Equal(t, 3, sel.UsageCount)
	assert.InDelta(t, 4.333, sel.AvgFeedback, 0.001)
	assert.InDelta(t, 3.933, sel.WeightedScore, 0.001)

	// cache columns follow the ledger
	assert.InDelta(t, 4.333, sel.Template.EfficacyScore, 0.001)
	assert.Equal(t, 3, sel.Template.UsageCount)
}

func TestSelector_TrustThreshold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.cluster("c1", models.Realtime())
	f.template("t1", "closures", ptr("c1"))
	f.template("g1", "closures", nil)
	f.usage("t1", ptr(5))
	f.usage("t1", ptr(5))

	s := NewSelector(f.store, DefaultConfig())
	sel, err := s.Select(ctx, SelectRequest{ClusterID: ptr("c1"), Topic: "closures"})
	require.NoError(t, err)
	assert.Equal(t, models.MethodGlobalFallback, sel.Method, "two usages are below the trust threshold")
	assert.Equal(t, "g1", sel.Template.ID)

	f.usage("t1", ptr(4))
	sel, err = s.Select(ctx, SelectRequest{ClusterID: ptr("c1"), Topic: "closures"})
	require.NoError(t, err)
	assert.Equal(t, models.MethodClusterBest, sel.Method)
	assert.Equal(t, "t1", sel.Template.ID)
}

func TestSelector_TrustCountsUsagesOfGlobalTemplates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.cluster("c1", models.Realtime())
	f.template("t1", "closures", ptr("c1"))
	f.template("g1", "closures", nil)
	f.usage("t1", ptr(5))
	f.usageIn("g1", ptr("c1"), ptr(3))
	f.usageIn("g1", ptr("other"), ptr(3))

	s := NewSelector(f.store, DefaultConfig())
	sel, err := s.Select(ctx, SelectRequest{ClusterID: ptr("c1"), Topic: "closures"})
	require.NoError(t, err)
	assert.Equal(t, models.MethodGlobalFallback, sel.Method, "two usages from c1 are below the trust threshold")

	f.usageIn("g1", ptr("c1"), nil)
	sel, err = s.Select(ctx, SelectRequest{ClusterID: ptr("c1"), Topic: "closures"})
	require.NoError(t, err)
	assert.Equal(t, models.MethodClusterBest, sel.Method, "usages served by the global template still build trust")
	assert.Equal(t, "t1", sel.Template.ID)
}

func TestSelector_ThinEvidenceWithoutGlobal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.cluster("c1", models.Realtime())
	f.template("t1", "monads", ptr("c1"))
	f.usage("t1", ptr(5))

	sel, err := NewSelector(f.store, DefaultConfig()).Select(ctx, SelectRequest{ClusterID: ptr("c1"), Topic: "monads"})
	require.NoError(t, err)
	assert.Equal(t, models.MethodClusterBest, sel.Method)
	assert.Equal(t, "t1", sel.Template.ID)

	all, err := f.store.ListTemplates(ctx, storage.TemplateFilter{Topic: "monads"})
	require.NoError(t, err)
	assert.Len(t, all, 1, "no template is generated while the cluster has one")
}

func TestSelector_NewClusterAndUnclustered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.cluster("fresh", models.Realtime())
	f.template("g1", "pointers", nil)
	m := metrics.New()
	s := NewSelector(f.store, DefaultConfig(), WithMetrics(m))

	sel, err := s.Select(ctx, SelectRequest{ClusterID: ptr("fresh"), Topic: "pointers", NewCluster: true})
	require.NoError(t, err)
	assert.Equal(t, models.MethodNewClusterGlobal, sel.Method)

	sel, err = s.Select(ctx, SelectRequest{Topic: "pointers"})
	require.NoError(t, err)
	assert.Equal(t, models.MethodGlobalFallback, sel.Method)
	assert.Nil(t, sel.ClusterID)

	sel, err = s.Select(ctx, SelectRequest{Topic: "generics"})
	require.NoError(t, err)
	assert.Equal(t, models.MethodAutoGenerated, sel.Method)
	assert.Nil(t, sel.Template.ClusterID)

	_, err = s.Select(ctx, SelectRequest{Topic: "  "})
	assert.Error(t, err)

	n, err := testutil.GatherAndCount(m.Registry(), "crowdwisdom_template_selections_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSelector_WeightedScoreMonotonic(t *testing.T) {
	ctx := context.Background()
	scoreOf := func(t *testing.T, scores []*int) *models.ClusterBest {
		t.Helper()
		f := newFixture(t)
		f.cluster("c1", models.Batch("v1"))
		f.template("t1", "sorting", ptr("c1"))
		for _, sc := range scores {
			f.usage("t1", sc)
		}
		ranked, err := NewSelector(f.store, DefaultConfig()).BestForCluster(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, ranked, 1)
		return ranked[0]
	}

	histories := [][]*int{
		nil,
		{ptr(5), ptr(5), nil},
		{ptr(1), ptr(2)},
		{ptr(3), ptr(4), ptr(5), nil, nil, ptr(1), ptr(2), ptr(3), ptr(4), ptr(5)},
	}
	for i, h := range histories {
		t.Run(fmt.Sprintf("history %d", i), func(t *testing.T) {
			before := scoreOf(t, h)
			withFive := scoreOf(t, append(append([]*int{}, h...), ptr(5)))
			withOne := scoreOf(t, append(append([]*int{}, h...), ptr(1)))
			withUnrated := scoreOf(t, append(append([]*int{}, h...), nil))

			assert.GreaterOrEqual(t, withFive.WeightedScore, before.WeightedScore)
			assert.LessOrEqual(t, withOne.AvgFeedback, before.AvgFeedback+1e-9)
			assert.LessOrEqual(t, withOne.WeightedScore, withUnrated.WeightedScore)
		})
	}
}

func TestSelector_RefreshEfficacyAndReport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.cluster("rt", models.Realtime())
	f.cluster("b1", models.Batch("v7"))
	f.template("t-rt", "heaps", ptr("rt"))
	f.template("t-b1", "heaps", ptr("b1"))
	f.template("g1", "heaps", nil)
	f.usage("t-rt", ptr(2))
	f.usage("t-b1", ptr(4))
	f.usage("g1", ptr(5))

	s := NewSelector(f.store, DefaultConfig())
	n, err := s.RefreshEfficacy(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	g, err := f.store.GetTemplate(ctx, "g1")
	require.NoError(t, err)
	assert.InDelta(t, 5.0, g.EfficacyScore, 1e-9)
	assert.Equal(t, 1, g.UsageCount)

	report, err := s.Report(ctx)
	require.NoError(t, err)
	require.Len(t, report, 2)
	byCluster := map[string]*ClusterReport{}
	for _, r := range report {
		byCluster[r.ClusterID] = r
	}
	assert.False(t, byCluster["rt"].Trusted)
	assert.Equal(t, "realtime", byCluster["rt"].Provenance)
	assert.True(t, byCluster["b1"].Trusted)
	assert.Equal(t, "batch:v7", byCluster["b1"].Provenance)
}
