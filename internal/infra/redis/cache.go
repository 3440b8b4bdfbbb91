package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache implements cache.Cache on Redis strings.
type Cache struct {
	rdb    *redis.Client
	prefix string
}

// NewCache creates a Redis-backed cache. prefix namespaces every key.
func NewCache(client *Client, prefix string) *Cache {
	return &Cache{rdb: client.rdb, prefix: prefix}
}

func (c *Cache) key(k string) string {
	return c.prefix + k
}

// Get returns the cached value, if any.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.rdb.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get failed: %w", err)
	}
	return val, true, nil
}

// Put stores the value with ttl; zero means no expiry.
func (c *Cache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("set failed: %w", err)
	}
	return nil
}

// Evict deletes the key.
func (c *Cache) Evict(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("del failed: %w", err)
	}
	return nil
}
