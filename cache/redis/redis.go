// Package redis implements the cache.Cache contract on Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/avylove/bulkmail/cache"
	"github.com/avylove/bulkmail/types"
)

// Cache implements cache.Cache backed by a Redis client.
type Cache struct {
	client *redis.Client
}

// Compile-time assertion that Cache implements cache.Cache.
var _ cache.Cache = (*Cache)(nil)

// New creates a Cache on an existing Redis client.
//
// Parameters:
//   - client: Configured Redis client
//
// Returns:
//   - *Cache: A new cache instance
func New(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// Dial connects to Redis and verifies reachability.
//
// Parameters:
//   - ctx: Context bounding the initial ping
//   - addr: Redis address, e.g. "localhost:6379"
//
// Returns:
//   - *Cache: A new cache instance
//   - error: Ping failure
func Dial(ctx context.Context, addr string) (*Cache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", addr, err)
	}

	return &Cache{client: client}, nil
}

// Close releases the underlying client.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Ping verifies cache reachability.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Get returns the value for key.
func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", types.ErrCacheMiss
		}

		return "", fmt.Errorf("redis get %s: %w", key, err)
	}

	return val, nil
}

// SetEx stores value under key with a TTL.
func (c *Cache) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.SetEx(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis setex %s: %w", key, err)
	}

	return nil
}

// Delete removes key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}

	return nil
}
