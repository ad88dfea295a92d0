package vector

import "context"

// CentroidIndex holds one vector per cluster and answers nearest-centroid queries.
type CentroidIndex interface {
	// Upsert inserts or replaces the vector stored for id.
	Upsert(ctx context.Context, id string, vector []float32) error
	// Nearest returns the best match by cosine similarity, or nil when the index is empty.
	Nearest(ctx context.Context, query []float32) (*VectorResult, error)
	Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error)
	Remove(ctx context.Context, ids []string) error
	// Reset replaces the whole contents.
	Reset(ids []string, vectors [][]float32) error
	Size() int
}

// VectorResult is a single similarity hit (ID is a cluster id).
type VectorResult struct {
	ID    string
	Score float64 // cosine similarity in [-1, 1]
}
