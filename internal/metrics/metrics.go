// Package metrics exposes Prometheus collectors for the crowd-wisdom engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector the engine records to. A nil *Metrics is valid
// and records nothing, so components can take it as an optional dependency.
type Metrics struct {
	registry *prometheus.Registry

	selections        *prometheus.CounterVec
	clustersCreated   prometheus.Counter
	noiseFlagged      prometheus.Counter
	moderationRejects *prometheus.CounterVec
	feedbackOutcomes  *prometheus.CounterVec
	batchRuns         *prometheus.CounterVec
	embedLatency      *prometheus.HistogramVec
}

// New creates collectors on a private registry. Process and Go runtime collectors are included.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		selections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crowdwisdom_template_selections_total",
			Help: "Template selections by cascade branch.",
		}, []string{"method"}),
		clustersCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "crowdwisdom_realtime_clusters_created_total",
			Help: "Clusters minted synchronously at query time.",
		}),
		noiseFlagged: f.NewCounter(prometheus.CounterOpts{
			Name: "crowdwisdom_noise_interactions_total",
			Help: "Interactions flagged as noise during assignment.",
		}),
		moderationRejects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crowdwisdom_moderation_rejections_total",
			Help: "Feedback messages rejected by the moderation gate.",
		}, []string{"reason"}),
		feedbackOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crowdwisdom_feedback_total",
			Help: "Feedback events by outcome.",
		}, []string{"outcome"}),
		batchRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crowdwisdom_batch_runs_total",
			Help: "Batch re-clustering runs by result.",
		}, []string{"result"}),
		embedLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crowdwisdom_embedding_duration_seconds",
			Help:    "Latency of embedding lookups by cache tier.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"source"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveSelection(method string) {
	if m == nil {
		return
	}
	m.selections.WithLabelValues(method).Inc()
}

func (m *Metrics) ClusterCreated() {
	if m == nil {
		return
	}
	m.clustersCreated.Inc()
}

func (m *Metrics) NoiseFlagged() {
	if m == nil {
		return
	}
	m.noiseFlagged.Inc()
}

func (m *Metrics) ModerationRejected(reason string) {
	if m == nil {
		return
	}
	m.moderationRejects.WithLabelValues(reason).Inc()
}

func (m *Metrics) FeedbackOutcome(outcome string) {
	if m == nil {
		return
	}
	m.feedbackOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) BatchRun(result string) {
	if m == nil {
		return
	}
	m.batchRuns.WithLabelValues(result).Inc()
}

// ObserveEmbedding records how long an embedding lookup took; source is "memory", "redis" or "remote".
func (m *Metrics) ObserveEmbedding(source string, d time.Duration) {
	if m == nil {
		return
	}
	m.embedLatency.WithLabelValues(source).Observe(d.Seconds())
}
