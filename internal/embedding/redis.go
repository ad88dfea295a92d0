package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/hyperjump/crowdwisdom/internal/vector"
)

// RemoteCache is a shared second-level cache consulted after the in-process LRU.
type RemoteCache interface {
	Get(ctx context.Context, key string) ([]float32, bool, error)
	Set(ctx context.Context, key string, value []float32) error
}

// RedisCache stores embeddings in Redis under a sha256 of the cache key.
type RedisCache struct {
	client    goredis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// NewRedisCache wraps client. A zero ttl keeps entries forever.
func NewRedisCache(client goredis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (c *RedisCache) redisKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return c.keyPrefix + hex.EncodeToString(sum[:])
}

// Get returns the cached vector. A miss is (nil, false, nil).
func (c *RedisCache) Get(ctx context.Context, key string) ([]float32, bool, error) {
	data, err := c.client.Get(ctx, c.redisKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	if len(data)%4 != 0 {
		_ = c.client.Del(ctx, c.redisKey(key)).Err()
		return nil, false, fmt.Errorf("corrupt cached embedding for %s", c.redisKey(key))
	}
	return vector.Decode(data), true, nil
}

// Set stores value under key.
func (c *RedisCache) Set(ctx context.Context, key string, value []float32) error {
	if err := c.client.Set(ctx, c.redisKey(key), vector.Encode(value), c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
