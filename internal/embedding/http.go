package embedding

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// HTTPEmbedder calls an OpenAI-compatible /embeddings endpoint.
type HTTPEmbedder struct {
	model      string
	dimensions int
	httpClient *http.Client
	client     *openai.Client
}

// NewHTTPEmbedder creates an embedder for endpoint, the full URL of the
// embeddings route (".../v1/embeddings") or its base (".../v1").
// An empty apiKey sends no Authorization header.
func NewHTTPEmbedder(endpoint, model, apiKey string, dimensions int, timeout time.Duration) *HTTPEmbedder {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}

	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL(endpoint)
	cfg.HTTPClient = httpClient

	return &HTTPEmbedder{
		model:      model,
		dimensions: dimensions,
		httpClient: httpClient,
		client:     openai.NewClientWithConfig(cfg),
	}
}

// baseURL strips the route so the client can append it again.
func baseURL(endpoint string) string {
	endpoint = strings.TrimRight(endpoint, "/")
	return strings.TrimSuffix(endpoint, "/embeddings")
}

// Embed returns the embedding for a single text.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 || out[0] == nil {
		return nil, fmt.Errorf("embedding service returned no vector")
	}
	return out[0], nil
}

// EmbedBatch sends all texts in one request and returns vectors in input order.
func (e *HTTPEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: e.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			continue
		}
		if e.dimensions > 0 && len(d.Embedding) != e.dimensions {
			return nil, fmt.Errorf("%w: got %d, expected %d", ErrDimensionMismatch, len(d.Embedding), e.dimensions)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// Dimensions returns the configured vector length.
func (e *HTTPEmbedder) Dimensions() int {
	return e.dimensions
}

// Close releases idle connections.
func (e *HTTPEmbedder) Close() error {
	e.httpClient.CloseIdleConnections()
	return nil
}
