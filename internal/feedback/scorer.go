package feedback

import (
	"go.uber.org/zap"

	"github.com/hyperjump/crowdwisdom/internal/metrics"
	"github.com/hyperjump/crowdwisdom/internal/models"
)

// Result is the combined verdict for one message. Quality and Sentiment are only
// set for accepted messages.
type Result struct {
	Moderation ModerationResult `json:"moderation"`
	Quality    *Quality         `json:"quality,omitempty"`
	Sentiment  models.Sentiment `json:"sentiment,omitempty"`
}

// Scorer runs the moderation gate and, for accepted messages, quality and sentiment.
type Scorer struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scorer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics counts rejections per reason.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scorer) { s.metrics = m }
}

// NewScorer creates a scorer. Zero bounds in cfg fall back to DefaultConfig.
func NewScorer(cfg Config, opts ...Option) *Scorer {
	def := DefaultConfig()
	if cfg.MinLength <= 0 {
		cfg.MinLength = def.MinLength
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = def.MaxLength
	}
	s := &Scorer{cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score moderates text and grades it when accepted. A rejected message never
// reaches the quality or sentiment functions.
func (s *Scorer) Score(text string) Result {
	mod := s.cfg.Moderate(text)
	if !mod.Accepted {
		s.metrics.ModerationRejected(string(mod.Reason))
		s.logger.Debug("feedback rejected by moderation", zap.String("reason", string(mod.Reason)))
		return Result{Moderation: mod}
	}
	q := QualityScore(text)
	return Result{
		Moderation: mod,
		Quality:    &q,
		Sentiment:  ClassifySentiment(text),
	}
}
