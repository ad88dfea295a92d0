package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/crowdwisdom/internal/batch"
	"github.com/hyperjump/crowdwisdom/internal/clustering"
	"github.com/hyperjump/crowdwisdom/internal/config"
	"github.com/hyperjump/crowdwisdom/internal/efficacy"
	"github.com/hyperjump/crowdwisdom/internal/embedding"
	"github.com/hyperjump/crowdwisdom/internal/engine"
	"github.com/hyperjump/crowdwisdom/internal/feedback"
	"github.com/hyperjump/crowdwisdom/internal/metrics"
	"github.com/hyperjump/crowdwisdom/internal/models"
	"github.com/hyperjump/crowdwisdom/internal/recommend"
	"github.com/hyperjump/crowdwisdom/internal/storage"
	"github.com/hyperjump/crowdwisdom/internal/templates"
)

type mockBatchService struct {
	mu      sync.Mutex
	running bool
	full    []bool
}

func (m *mockBatchService) Trigger(_ context.Context, full bool) (batch.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return batch.Running, batch.ErrAlreadyRunning
	}
	m.running = true
	m.full = append(m.full, full)
	return batch.Running, nil
}

func (m *mockBatchService) Status() batch.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return batch.Status{State: batch.Running, Runs: len(m.full)}
	}
	return batch.Status{State: batch.Idle, Runs: len(m.full)}
}

type testServer struct {
	srv     *Server
	handler http.Handler
	store   *storage.SQLiteStorage
	metrics *metrics.Metrics
	batch   *mockBatchService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m := metrics.New()
	assigner, err := clustering.NewAssigner(store, 4, clustering.Config{SimilarityThreshold: 0.8}, clustering.WithMetrics(m))
	require.NoError(t, err)
	ranker, err := recommend.NewRanker(store)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ranker.Close() })

	eng := engine.New(store,
		embedding.NewGateway(embedding.NewMockEmbedder(4), embedding.WithMetrics(m)),
		assigner,
		templates.NewSelector(store, templates.DefaultConfig(), templates.WithMetrics(m)),
		efficacy.NewUpdater(store, feedback.NewScorer(feedback.DefaultConfig(), feedback.WithMetrics(m)), efficacy.WithMetrics(m)),
		ranker,
	)
	b := &mockBatchService{}
	srv := NewServer(eng, b, m, &config.ServerConfig{Port: 8080}, nil)
	return &testServer{srv: srv, handler: srv.Handler(), store: store, metrics: m, batch: b}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, path, &buf)
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, r)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

func TestHandleQuery_AndFeedback(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/queries", map[string]string{
		"session_id": "s1", "text": "how does a hash map work", "topic": "hashing",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[engine.QueryResult](t, w)
	assert.Equal(t, models.MethodAutoGenerated, res.Selection.Method)
	require.NotEmpty(t, res.ResponseID)

	w = ts.do(t, http.MethodPost, "/api/v1/feedback", map[string]any{
		"response_id": res.ResponseID, "rating": 4, "text": "Thanks, the example made it clear.",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode[efficacy.FeedbackOutcome](t, w)
	assert.True(t, out.Recorded)
	assert.True(t, out.RatingWritten)

	w = ts.do(t, http.MethodPost, "/api/v1/feedback", map[string]any{"response_id": res.ResponseID, "rating": 9})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/feedback", map[string]any{"rating": 3})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleQuery_Validation(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/v1/queries", map[string]string{"text": "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	r := httptest.NewRequest(http.MethodPost, "/api/v1/queries", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleAssign(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/v1/clusters/assign", map[string]any{"embedding": []float32{1, 1, 0, 0}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	asg := decode[clustering.Assignment](t, w)
	assert.True(t, asg.Created)
	require.NotNil(t, asg.ClusterID)

	w = ts.do(t, http.MethodPost, "/api/v1/clusters/assign", map[string]any{"embedding": []float32{2, 2, 0, 0}})
	again := decode[clustering.Assignment](t, w)
	assert.Equal(t, *asg.ClusterID, *again.ClusterID)

	w = ts.do(t, http.MethodPost, "/api/v1/clusters/assign", map[string]any{"embedding": []float32{1, 2}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleSelectAndUsage(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, ts.store.CreateTemplate(ctx, &models.PromptTemplate{
		ID: "g1", Topic: "graphs", Pattern: "draw the graph", Source: models.SourceCurated,
	}))

	w := ts.do(t, http.MethodPost, "/api/v1/templates/select", map[string]any{"topic": "graphs"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sel := decode[models.Selection](t, w)
	assert.Equal(t, "g1", sel.Template.ID)
	assert.Equal(t, models.MethodGlobalFallback, sel.Method)

	w = ts.do(t, http.MethodPost, "/api/v1/templates/select", map[string]any{"topic": " "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/usages", map[string]any{"template_id": "g1", "query": "bfs vs dfs"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotEmpty(t, decode[map[string]string](t, w)["usage_id"])

	w = ts.do(t, http.MethodPost, "/api/v1/usages", map[string]any{"template_id": "missing"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = ts.do(t, http.MethodPost, "/api/v1/usages", map[string]any{"query": "no template"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleSoftSignal(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/v1/queries", map[string]string{"text": "what is a heap", "topic": "heaps"})
	res := decode[engine.QueryResult](t, w)

	w = ts.do(t, http.MethodPost, "/api/v1/signals", map[string]string{"response_id": res.ResponseID, "signal": "copied"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[efficacy.FeedbackOutcome](t, w).Recorded)

	w = ts.do(t, http.MethodPost, "/api/v1/signals", map[string]string{"response_id": res.ResponseID, "signal": "shrugged"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleRecommendations(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	for _, id := range []string{"t1", "t2"} {
		require.NoError(t, ts.store.CreateTemplate(ctx, &models.PromptTemplate{
			ID: id, Topic: "recursion", Pattern: "explain recursion", Source: models.SourceCurated,
		}))
	}

	w := ts.do(t, http.MethodGet, "/api/v1/recommendations?topic=recursion&limit=1&sentiment=1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode[struct {
		Recommendations []models.Recommendation `json:"recommendations"`
	}](t, w)
	assert.Len(t, out.Recommendations, 1)

	for _, q := range []string{"popularity=lots", "popularity=NaN", "sentiment=Inf", "relevance=-Inf"} {
		w = ts.do(t, http.MethodGet, "/api/v1/recommendations?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
	w = ts.do(t, http.MethodGet, "/api/v1/recommendations?limit=-2", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleBestTemplates(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/v1/queries", map[string]string{"text": "what is a trie", "topic": "tries"})
	res := decode[engine.QueryResult](t, w)

	w = ts.do(t, http.MethodGet, "/api/v1/clusters/best-templates", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	all := decode[struct {
		Clusters []templates.ClusterReport `json:"clusters"`
	}](t, w)
	require.Len(t, all.Clusters, 1)
	assert.Equal(t, res.Selection.Template.ID, all.Clusters[0].TemplateID)
	assert.False(t, all.Clusters[0].Trusted, "realtime clusters are not trusted beyond themselves")

	w = ts.do(t, http.MethodGet, "/api/v1/clusters/best-templates?cluster_id="+*res.Assignment.ClusterID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	one := decode[struct {
		Templates []models.ClusterBest `json:"templates"`
	}](t, w)
	assert.Len(t, one.Templates, 1)
}

func TestHandleRecluster(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/batch/recluster?full=true", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"state":"running"`)
	assert.Equal(t, []bool{true}, ts.batch.full)

	w = ts.do(t, http.MethodPost, "/api/v1/batch/recluster", map[string]bool{"full": false})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"running"`)
	assert.Len(t, ts.batch.full, 1, "rejected trigger is not queued")

	w = ts.do(t, http.MethodGet, "/api/v1/batch/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"running"`)
}

func TestHandleRecluster_NotConfigured(t *testing.T) {
	ts := newTestServer(t)
	ts.srv.batch = nil
	h := ts.srv.Handler()

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/v1/batch/recluster"},
		{http.MethodGet, "/api/v1/batch/status"},
	} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(tc.method, tc.path, nil))
		assert.Equal(t, http.StatusNotImplemented, w.Code, tc.path)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	ts.do(t, http.MethodPost, "/api/v1/queries", map[string]string{"text": "what is a graph", "topic": "graphs"})
	w = ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "crowdwisdom_template_selections_total")
	assert.Contains(t, w.Body.String(), "crowdwisdom_realtime_clusters_created_total")
}

func TestHealth_StoreDown(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.store.Close())
	w := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleCreateTemplate(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/v1/templates", map[string]string{
		"topic": "graphs", "pattern": "  walk through BFS on a small graph  ",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[models.PromptTemplate](t, w)
	assert.Equal(t, models.SourceCurated, created.Source)
	assert.Equal(t, "walk through BFS on a small graph", created.Pattern)
	assert.True(t, created.Global())

	w = ts.do(t, http.MethodPost, "/api/v1/templates/select", map[string]any{"topic": "graphs"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sel := decode[models.Selection](t, w)
	assert.Equal(t, created.ID, sel.Template.ID)
	assert.Equal(t, models.MethodGlobalFallback, sel.Method)

	for _, body := range []map[string]string{
		{"pattern": "no topic"},
		{"topic": "graphs"},
		{"topic": "graphs", "pattern": "p", "source": "scraped"},
	} {
		w = ts.do(t, http.MethodPost, "/api/v1/templates", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}
