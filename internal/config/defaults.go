package config

import "time"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/crowdwisdom/data/crowdwisdom.db"
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "http"
	}
	if cfg.Embedding.Endpoint == "" {
		cfg.Embedding.Endpoint = "https://api.openai.com/v1/embeddings"
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "text-embedding-3-small"
	}
	if cfg.Embedding.APIKeyEnv == "" {
		cfg.Embedding.APIKeyEnv = "OPENAI_API_KEY"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 1536
	}
	if cfg.Embedding.Timeout == 0 {
		cfg.Embedding.Timeout = 10 * time.Second
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}
	if cfg.Embedding.Redis.TTL == 0 {
		cfg.Embedding.Redis.TTL = 24 * time.Hour
	}
	if cfg.Embedding.Redis.KeyPrefix == "" {
		cfg.Embedding.Redis.KeyPrefix = "emb:"
	}
	if cfg.Clustering.SimilarityThreshold == 0 {
		cfg.Clustering.SimilarityThreshold = 0.80
	}
	if cfg.Clustering.NoiseThreshold == 0 {
		cfg.Clustering.NoiseThreshold = 0.30
	}
	if cfg.Templates.MinUsagesForTrust == 0 {
		cfg.Templates.MinUsagesForTrust = 3
	}
	if cfg.Templates.NeutralFeedback == 0 {
		cfg.Templates.NeutralFeedback = 3
	}
	if cfg.Templates.UsageWeight == 0 && cfg.Templates.FeedbackWeight == 0 {
		cfg.Templates.UsageWeight = 0.3
		cfg.Templates.FeedbackWeight = 0.7
	}
	if cfg.Templates.StartingEfficacy == 0 {
		cfg.Templates.StartingEfficacy = cfg.Templates.NeutralFeedback
	}
	if cfg.Feedback.MinLength == 0 {
		cfg.Feedback.MinLength = 3
	}
	if cfg.Feedback.MaxLength == 0 {
		cfg.Feedback.MaxLength = 1000
	}
	if cfg.Ranking.PopularityWeight == 0 && cfg.Ranking.RelevanceWeight == 0 && cfg.Ranking.SentimentWeight == 0 {
		cfg.Ranking.PopularityWeight = 0.40
		cfg.Ranking.RelevanceWeight = 0.35
		cfg.Ranking.SentimentWeight = 0.25
	}
	if cfg.Ranking.Limit == 0 {
		cfg.Ranking.Limit = 20
	}
	if cfg.Batch.ManifestPath == "" {
		cfg.Batch.ManifestPath = "/usr/local/var/crowdwisdom/data/cluster_manifest.json"
	}
	if cfg.Batch.Timeout == 0 {
		cfg.Batch.Timeout = 10 * time.Minute
	}
}
