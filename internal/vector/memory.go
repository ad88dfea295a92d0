package vector

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryIndex is an in-memory centroid index using brute-force cosine search.
// The number of live clusters is small enough that a linear scan wins over an ANN structure.
type MemoryIndex struct {
	dimensions int
	pos        map[string]int
	ids        []string
	vectors    [][]float32
	mu         sync.RWMutex
}

// NewMemoryIndex creates an in-memory index with the given dimension.
func NewMemoryIndex(dimensions int) (*MemoryIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	return &MemoryIndex{
		dimensions: dimensions,
		pos:        make(map[string]int),
		ids:        make([]string, 0),
		vectors:    make([][]float32, 0),
	}, nil
}

// Dimensions returns the vector length accepted by the index.
func (m *MemoryIndex) Dimensions() int {
	return m.dimensions
}

// Upsert stores a copy of vector under id, replacing any previous vector.
func (m *MemoryIndex) Upsert(ctx context.Context, id string, vector []float32) error {
	if len(vector) != m.dimensions {
		return fmt.Errorf("vector dimension mismatch: got %d, expected %d", len(vector), m.dimensions)
	}
	vec := make([]float32, m.dimensions)
	copy(vec, vector)
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.pos[id]; ok {
		m.vectors[i] = vec
		return nil
	}
	m.pos[id] = len(m.ids)
	m.ids = append(m.ids, id)
	m.vectors = append(m.vectors, vec)
	return nil
}

// Nearest returns the single closest centroid. Ties go to the lexically smaller id
// so repeated lookups against an unchanged index always agree.
func (m *MemoryIndex) Nearest(ctx context.Context, query []float32) (*VectorResult, error) {
	res, err := m.Search(ctx, query, 1)
	if err != nil || len(res) == 0 {
		return nil, err
	}
	return res[0], nil
}

// Search returns the top-k centroids by cosine similarity.
func (m *MemoryIndex) Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error) {
	if len(query) != m.dimensions {
		return nil, fmt.Errorf("query dimension mismatch: got %d, expected %d", len(query), m.dimensions)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if k <= 0 || len(m.ids) == 0 {
		return nil, nil
	}
	scores := make([]*VectorResult, len(m.ids))
	for i, vec := range m.vectors {
		scores[i] = &VectorResult{ID: m.ids[i], Score: Cosine(query, vec)}
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].ID < scores[j].ID
	})
	if k > len(scores) {
		k = len(scores)
	}
	return scores[:k], nil
}

// Remove drops vectors by id by rebuilding the slices.
func (m *MemoryIndex) Remove(ctx context.Context, ids []string) error {
	removeSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		removeSet[id] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	newIDs := make([]string, 0, len(m.ids))
	newVectors := make([][]float32, 0, len(m.vectors))
	pos := make(map[string]int, len(m.ids))
	for i, id := range m.ids {
		if !removeSet[id] {
			pos[id] = len(newIDs)
			newIDs = append(newIDs, id)
			newVectors = append(newVectors, m.vectors[i])
		}
	}
	m.ids = newIDs
	m.vectors = newVectors
	m.pos = pos
	return nil
}

// Reset replaces the index contents. Vectors with the wrong dimension are rejected
// and leave the index unchanged.
func (m *MemoryIndex) Reset(ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch")
	}
	newIDs := make([]string, 0, len(ids))
	newVectors := make([][]float32, 0, len(ids))
	pos := make(map[string]int, len(ids))
	for i, id := range ids {
		if len(vectors[i]) != m.dimensions {
			return fmt.Errorf("vector %s dimension mismatch: got %d, expected %d", id, len(vectors[i]), m.dimensions)
		}
		vec := make([]float32, m.dimensions)
		copy(vec, vectors[i])
		if j, ok := pos[id]; ok {
			newVectors[j] = vec
			continue
		}
		pos[id] = len(newIDs)
		newIDs = append(newIDs, id)
		newVectors = append(newVectors, vec)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = newIDs
	m.vectors = newVectors
	m.pos = pos
	return nil
}

// Size returns the number of vectors in the index.
func (m *MemoryIndex) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ids)
}
