package embedding

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// EmbeddingCache is the in-process first-level cache, keyed by model and
// normalized text. Stored vectors are copies; callers must not modify what Get returns.
type EmbeddingCache struct {
	lru *lru.Cache[string, []float32]
}

// NewEmbeddingCache creates a cache holding at most capacity vectors (1 when <= 0).
func NewEmbeddingCache(capacity int) *EmbeddingCache {
	if capacity <= 0 {
		capacity = 1
	}
	c, err := lru.New[string, []float32](capacity)
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	return &EmbeddingCache{lru: c}
}

func (c *EmbeddingCache) Get(key string) ([]float32, bool) {
	return c.lru.Get(key)
}

// Set stores a copy of value, evicting the least recently used entry when full.
func (c *EmbeddingCache) Set(key string, value []float32) {
	v := make([]float32, len(value))
	copy(v, value)
	c.lru.Add(key, v)
}

func (c *EmbeddingCache) Len() int {
	return c.lru.Len()
}
