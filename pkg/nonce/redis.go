package nonce

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache implements Cache with SET NX EX so replay detection is shared
// across replicas. Expiry is delegated to Redis.
type RedisCache struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
}

// NewRedisCache creates a RedisCache. Keys are namespaced with prefix.
func NewRedisCache(client redis.Cmdable, ttl time.Duration, prefix string) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if prefix == "" {
		prefix = "helmpay:nonce"
	}
	return &RedisCache{client: client, ttl: ttl, prefix: prefix}
}

func (c *RedisCache) key(nonce string) string {
	return fmt.Sprintf("%s:%s", c.prefix, nonce)
}

func (c *RedisCache) Seen(ctx context.Context, nonce string) (bool, error) {
	n, err := c.client.Exists(ctx, c.key(nonce)).Result()
	if err != nil {
		return false, fmt.Errorf("nonce: redis exists: %w", err)
	}
	return n > 0, nil
}

func (c *RedisCache) Remember(ctx context.Context, nonce string) error {
	if err := c.client.Set(ctx, c.key(nonce), 1, c.ttl).Err(); err != nil {
		return fmt.Errorf("nonce: redis set: %w", err)
	}
	return nil
}

func (c *RedisCache) Claim(ctx context.Context, nonce string) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.key(nonce), 1, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("nonce: redis setnx: %w", err)
	}
	return ok, nil
}

func (c *RedisCache) Forget(ctx context.Context, nonce string) error {
	if err := c.client.Del(ctx, c.key(nonce)).Err(); err != nil {
		return fmt.Errorf("nonce: redis del: %w", err)
	}
	return nil
}
