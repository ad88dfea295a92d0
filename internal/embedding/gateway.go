package embedding

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/hyperjump/crowdwisdom/internal/metrics"
	"github.com/hyperjump/crowdwisdom/pkg/utils"
)

// Gateway is the single entry point to the embedding model. It normalizes vectors to
// unit length, consults the LRU and optional remote cache, and coalesces concurrent
// requests for the same text.
type Gateway struct {
	embedder Embedder
	model    string
	cache    *EmbeddingCache
	remote   RemoteCache
	timeout  time.Duration
	group    singleflight.Group
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) GatewayOption {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithCache sets the in-process LRU cache.
func WithCache(cache *EmbeddingCache) GatewayOption {
	return func(g *Gateway) { g.cache = cache }
}

// WithRemoteCache sets the shared second-level cache.
func WithRemoteCache(remote RemoteCache) GatewayOption {
	return func(g *Gateway) { g.remote = remote }
}

// WithModel names the model version; it is part of every cache key.
func WithModel(model string) GatewayOption {
	return func(g *Gateway) { g.model = model }
}

// WithTimeout bounds each call to the underlying embedder.
func WithTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.timeout = d }
}

// WithMetrics records lookup latency per cache tier.
func WithMetrics(m *metrics.Metrics) GatewayOption {
	return func(g *Gateway) { g.metrics = m }
}

// NewGateway wraps embedder.
func NewGateway(embedder Embedder, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		embedder: embedder,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Dimensions returns the vector length produced by the gateway.
func (g *Gateway) Dimensions() int {
	return g.embedder.Dimensions()
}

// Model returns the configured model version.
func (g *Gateway) Model() string {
	return g.model
}

func (g *Gateway) cacheKey(text string) string {
	return g.model + "\x00" + text
}

// Embed returns the unit-length embedding of text. The returned slice is shared with
// the cache and must not be modified.
func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("cannot embed empty text")
	}
	key := g.cacheKey(text)
	start := time.Now()

	if g.cache != nil {
		if v, ok := g.cache.Get(key); ok {
			g.metrics.ObserveEmbedding("memory", time.Since(start))
			return v, nil
		}
	}

	ch := g.group.DoChan(key, func() (interface{}, error) {
		return g.load(context.WithoutCancel(ctx), key, text)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			g.logger.Warn("embedding failed",
				zap.String("text", utils.Truncate(text, 64)),
				zap.Error(res.Err))
			return nil, res.Err
		}
		return res.Val.([]float32), nil
	}
}

func (g *Gateway) load(ctx context.Context, key, text string) ([]float32, error) {
	start := time.Now()
	if g.remote != nil {
		v, ok, err := g.remote.Get(ctx, key)
		if err != nil {
			g.logger.Warn("remote embedding cache get failed", zap.Error(err))
		} else if ok && len(v) == g.embedder.Dimensions() {
			g.metrics.ObserveEmbedding("redis", time.Since(start))
			if g.cache != nil {
				g.cache.Set(key, v)
			}
			return v, nil
		}
	}

	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	raw, err := g.embedder.Embed(callCtx, text)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if dim := g.embedder.Dimensions(); dim > 0 && len(raw) != dim {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrDimensionMismatch, len(raw), dim)
	}
	v := make([]float32, len(raw))
	copy(v, raw)
	utils.NormalizeL2(v)
	g.metrics.ObserveEmbedding("remote", time.Since(start))

	if g.cache != nil {
		g.cache.Set(key, v)
	}
	if g.remote != nil {
		if err := g.remote.Set(ctx, key, v); err != nil {
			g.logger.Warn("remote embedding cache set failed", zap.Error(err))
		}
	}
	return v, nil
}

// Close closes the underlying embedder.
func (g *Gateway) Close() error {
	return g.embedder.Close()
}
