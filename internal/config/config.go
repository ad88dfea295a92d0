// Package config provides configuration loading and structs for the crowd-wisdom server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug      bool             `yaml:"debug"`
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Clustering ClusteringConfig `yaml:"clustering"`
	Templates  TemplatesConfig  `yaml:"templates"`
	Feedback   FeedbackConfig   `yaml:"feedback"`
	Ranking    RankingConfig    `yaml:"ranking"`
	Batch      BatchConfig      `yaml:"batch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig holds the database location.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// EmbeddingConfig holds settings for the external embedding service.
type EmbeddingConfig struct {
	// Provider is "http" for an OpenAI-compatible endpoint or "mock" for the deterministic test embedder.
	Provider   string        `yaml:"provider"`
	Endpoint   string        `yaml:"endpoint"`
	Model      string        `yaml:"model"`
	APIKeyEnv  string        `yaml:"api_key_env"`
	Dimensions int           `yaml:"dimensions"`
	Timeout    time.Duration `yaml:"timeout"`
	CacheSize  int           `yaml:"cache_size"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig enables the shared second-level embedding cache when Addr is set.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	TTL       time.Duration `yaml:"ttl"`
	KeyPrefix string        `yaml:"key_prefix"`
}

// ClusteringConfig holds cluster assignment thresholds.
type ClusteringConfig struct {
	// SimilarityThreshold is the minimum cosine similarity to join an existing cluster.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	// NoiseThreshold flags a query as noise when its best similarity is below it
	// and realtime creation is disabled.
	NoiseThreshold float64 `yaml:"noise_threshold"`
	// DisableRealtime turns off synchronous cluster creation.
	DisableRealtime bool `yaml:"disable_realtime"`
}

// TemplatesConfig holds template selection tuning.
type TemplatesConfig struct {
	MinUsagesForTrust int     `yaml:"min_usages_for_trust"`
	NeutralFeedback   float64 `yaml:"neutral_feedback"`
	UsageWeight       float64 `yaml:"usage_weight"`
	FeedbackWeight    float64 `yaml:"feedback_weight"`
	// StartingEfficacy is the cached efficacy of a freshly synthesized template.
	StartingEfficacy float64 `yaml:"starting_efficacy"`
}

// FeedbackConfig holds moderation bounds.
type FeedbackConfig struct {
	MinLength int `yaml:"min_length"`
	MaxLength int `yaml:"max_length"`
}

// RankingConfig holds recommendation weights.
type RankingConfig struct {
	PopularityWeight float64 `yaml:"popularity_weight"`
	RelevanceWeight  float64 `yaml:"relevance_weight"`
	SentimentWeight  float64 `yaml:"sentiment_weight"`
	Limit            int     `yaml:"limit"`
}

// BatchConfig describes the external re-clustering process.
type BatchConfig struct {
	Command       string        `yaml:"command"`
	Args          []string      `yaml:"args"`
	ManifestPath  string        `yaml:"manifest_path"`
	Timeout       time.Duration `yaml:"timeout"`
	WatchManifest bool          `yaml:"watch_manifest"`
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Batch.ManifestPath = expandPath(cfg.Batch.ManifestPath, configDir)
	if cfg.Batch.Command != "" && strings.HasPrefix(cfg.Batch.Command, "./") {
		cfg.Batch.Command = expandPath(cfg.Batch.Command, configDir)
	}

	return &cfg, nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
