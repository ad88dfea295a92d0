package main

import (
	"context"
	"fmt"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hyperjump/crowdwisdom/internal/batch"
	"github.com/hyperjump/crowdwisdom/internal/clustering"
	"github.com/hyperjump/crowdwisdom/internal/config"
	"github.com/hyperjump/crowdwisdom/internal/efficacy"
	"github.com/hyperjump/crowdwisdom/internal/embedding"
	"github.com/hyperjump/crowdwisdom/internal/engine"
	"github.com/hyperjump/crowdwisdom/internal/feedback"
	"github.com/hyperjump/crowdwisdom/internal/metrics"
	"github.com/hyperjump/crowdwisdom/internal/recommend"
	"github.com/hyperjump/crowdwisdom/internal/storage"
	"github.com/hyperjump/crowdwisdom/internal/templates"
)

// Components holds the wired engine and the resources it owns.
type Components struct {
	Storage  *storage.SQLiteStorage
	Gateway  *embedding.Gateway
	Assigner *clustering.Assigner
	Selector *templates.Selector
	Ranker   *recommend.Ranker
	Engine   *engine.Engine
	Runner   *batch.Runner
	Metrics  *metrics.Metrics
	redis    goredis.UniversalClient
}

// Close releases components in reverse order of creation.
func (c *Components) Close() {
	if c.Ranker != nil {
		_ = c.Ranker.Close()
	}
	if c.Gateway != nil {
		_ = c.Gateway.Close()
	}
	if c.redis != nil {
		_ = c.redis.Close()
	}
	if c.Storage != nil {
		_ = c.Storage.Close()
	}
}

// newEmbedder builds the model client named by cfg.Provider.
func newEmbedder(cfg config.EmbeddingConfig) (embedding.Embedder, error) {
	switch cfg.Provider {
	case "mock":
		return embedding.NewMockEmbedder(cfg.Dimensions), nil
	case "http":
		return embedding.NewHTTPEmbedder(cfg.Endpoint, cfg.Model, os.Getenv(cfg.APIKeyEnv), cfg.Dimensions, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// newRedisClient connects the shared embedding cache. It returns nil when Redis
// is not configured or unreachable; the in-process cache still applies.
func newRedisClient(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) goredis.UniversalClient {
	if cfg.Addr == "" {
		return nil
	}
	client := goredis.NewClient(&goredis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis embedding cache unavailable, continuing without it", zap.String("addr", cfg.Addr), zap.Error(err))
		_ = client.Close()
		return nil
	}
	return client
}

func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	c := &Components{Metrics: metrics.New()}
	m := c.Metrics

	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	c.Storage = store

	embedder, err := newEmbedder(cfg.Embedding)
	if err != nil {
		c.Close()
		return nil, err
	}
	gwOpts := []embedding.GatewayOption{
		embedding.WithLogger(logger),
		embedding.WithCache(embedding.NewEmbeddingCache(cfg.Embedding.CacheSize)),
		embedding.WithModel(cfg.Embedding.Model),
		embedding.WithTimeout(cfg.Embedding.Timeout),
		embedding.WithMetrics(m),
	}
	if c.redis = newRedisClient(ctx, cfg.Embedding.Redis, logger); c.redis != nil {
		gwOpts = append(gwOpts, embedding.WithRemoteCache(
			embedding.NewRedisCache(c.redis, cfg.Embedding.Redis.KeyPrefix, cfg.Embedding.Redis.TTL)))
	}
	c.Gateway = embedding.NewGateway(embedder, gwOpts...)

	c.Assigner, err = clustering.NewAssigner(store, cfg.Embedding.Dimensions, clustering.Config{
		SimilarityThreshold: cfg.Clustering.SimilarityThreshold,
		NoiseThreshold:      cfg.Clustering.NoiseThreshold,
		DisableRealtime:     cfg.Clustering.DisableRealtime,
	}, clustering.WithLogger(logger), clustering.WithMetrics(m))
	if err != nil {
		c.Close()
		return nil, err
	}
	if err := c.Assigner.Reload(ctx); err != nil {
		c.Close()
		return nil, err
	}

	c.Selector = templates.NewSelector(store, templates.Config{
		MinUsagesForTrust: cfg.Templates.MinUsagesForTrust,
		NeutralFeedback:   cfg.Templates.NeutralFeedback,
		UsageWeight:       cfg.Templates.UsageWeight,
		FeedbackWeight:    cfg.Templates.FeedbackWeight,
		StartingEfficacy:  cfg.Templates.StartingEfficacy,
	}, templates.WithLogger(logger), templates.WithMetrics(m))

	scorer := feedback.NewScorer(feedback.Config{
		MinLength: cfg.Feedback.MinLength,
		MaxLength: cfg.Feedback.MaxLength,
	}, feedback.WithLogger(logger), feedback.WithMetrics(m))
	updater := efficacy.NewUpdater(store, scorer, efficacy.WithLogger(logger), efficacy.WithMetrics(m))

	c.Ranker, err = recommend.NewRanker(store,
		recommend.WithLogger(logger),
		recommend.WithWeights(recommend.Weights{
			Popularity: cfg.Ranking.PopularityWeight,
			Relevance:  cfg.Ranking.RelevanceWeight,
			Sentiment:  cfg.Ranking.SentimentWeight,
		}),
		recommend.WithLimit(cfg.Ranking.Limit),
	)
	if err != nil {
		c.Close()
		return nil, err
	}

	c.Engine = engine.New(store, c.Gateway, c.Assigner, c.Selector, updater, c.Ranker, engine.WithLogger(logger))
	c.Runner = batch.NewRunner(batch.Config{
		Command:        cfg.Batch.Command,
		Args:           cfg.Batch.Args,
		DatabasePath:   cfg.Storage.DatabasePath,
		ManifestPath:   cfg.Batch.ManifestPath,
		EmbeddingModel: cfg.Embedding.Model,
		Timeout:        cfg.Batch.Timeout,
	}, store, c.Assigner, batch.WithLogger(logger), batch.WithMetrics(m))

	logger.Info("components initialized",
		zap.String("embedding_provider", cfg.Embedding.Provider),
		zap.Int("dimensions", cfg.Embedding.Dimensions),
		zap.Int("clusters", c.Assigner.Size()),
		zap.Bool("redis_cache", c.redis != nil))
	return c, nil
}
