package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis is a TTL cache shared across instances. Values are JSON encoded.
// Errors are logged and reported as misses; callers use the cache as a
// hint only.
type Redis[T any] struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	timeout time.Duration
	logger  *zap.Logger
}

// NewRedis creates a Redis-backed cache from a redis:// URL.
func NewRedis[T any](url, prefix string, ttl time.Duration, logger *zap.Logger) (*Redis[T], error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return NewRedisWithClient[T](redis.NewClient(opts), prefix, ttl, logger), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient[T any](client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *Redis[T] {
	return &Redis[T]{
		client:  client,
		prefix:  prefix,
		ttl:     ttl,
		timeout: 250 * time.Millisecond,
		logger:  logger,
	}
}

// Ping checks the connection.
func (c *Redis[T]) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Get retrieves a value. Returns false on miss or any error.
func (c *Redis[T]) Get(key string) (T, bool) {
	var zero T

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("redis cache: get failed", zap.String("key", key), zap.Error(err))
		}
		return zero, false
	}

	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		c.logger.Warn("redis cache: decode failed", zap.String("key", key), zap.Error(err))
		return zero, false
	}
	return v, true
}

// Set stores a value with the configured TTL.
func (c *Redis[T]) Set(key string, value T) {
	raw, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("redis cache: encode failed", zap.String("key", key), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.client.Set(ctx, c.prefix+key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("redis cache: set failed", zap.String("key", key), zap.Error(err))
	}
}

// Delete removes a value.
func (c *Redis[T]) Delete(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		c.logger.Warn("redis cache: delete failed", zap.String("key", key), zap.Error(err))
	}
}

// Close releases the underlying connection pool.
func (c *Redis[T]) Close() error {
	return c.client.Close()
}
