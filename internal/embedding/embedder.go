// Package embedding wraps the external embedding model behind a normalizing, caching gateway.
package embedding

import (
	"context"
	"errors"
)

// ErrDimensionMismatch is returned when the model returns a vector of unexpected length.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Embedder produces vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Close() error
}
