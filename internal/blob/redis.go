package blob

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/cutout/internal/logging"
)

const redisKeyPrefix = "cutout:blob:"

// Cache abstracts the Redis operations the store needs so tests can stub them.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, expiration time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, key string) error
	Expire(ctx context.Context, key string, expiration time.Duration) error
}

// RedisCache is the go-redis implementation of Cache.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps a connected go-redis client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set stores value under key with the given expiration.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get maps a missing key to ErrNotFound.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return value, err
}

// Del removes key.
func (c *RedisCache) Del(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// Expire restarts the expiration of key.
func (c *RedisCache) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return c.client.Expire(ctx, key, expiration).Err()
}

// Redis stores blobs in Redis so several service replicas can resolve the
// same refs. Entries expire once they have not been read or written for ttl.
type Redis struct {
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
	retry  retryPolicy
	clock  func() time.Time
}

var _ Store = (*Redis)(nil)

// NewRedis creates a store on cache. A zero ttl never expires.
func NewRedis(cache Cache, ttl time.Duration, logger *zap.Logger) *Redis {
	return &Redis{
		cache:  cache,
		ttl:    ttl,
		logger: logger.Named("blob_redis"),
		retry:  defaultRetryPolicy(),
		clock:  time.Now,
	}
}

// Put stores data under a new ref.
func (r *Redis) Put(ctx context.Context, data []byte, contentType string) (Object, error) {
	ref := NewRef()
	now := r.clock().UTC()
	entry := packEntry(contentType, now, data)
	err := r.retry.do(ctx, r.logger, "blob.redis.set", ref.ID(), func() error {
		return r.cache.Set(ctx, redisKeyPrefix+ref.ID(), entry, r.ttl)
	})
	if err != nil {
		return Object{}, err
	}
	return Object{Ref: ref, ContentType: contentType, Size: int64(len(data)), CreatedAt: now}, nil
}

// Get returns the blob behind ref and restarts its TTL.
func (r *Redis) Get(ctx context.Context, ref Ref) ([]byte, Object, error) {
	var entry []byte
	err := r.retry.do(ctx, r.logger, "blob.redis.get", ref.ID(), func() error {
		value, err := r.cache.Get(ctx, redisKeyPrefix+ref.ID())
		if err != nil {
			return err
		}
		entry = value
		return nil
	})
	if err != nil {
		return nil, Object{}, err
	}
	if r.ttl > 0 {
		if err := r.cache.Expire(ctx, redisKeyPrefix+ref.ID(), r.ttl); err != nil {
			r.logger.Warn("failed to refresh blob ttl",
				zap.Error(logging.NewOperationError("blob.redis.expire", ref.ID(), err)))
		}
	}
	return unpackEntry(ref, entry)
}

// Release deletes ref. Unknown refs are ignored.
func (r *Redis) Release(ctx context.Context, ref Ref) error {
	if ref.IsZero() {
		return nil
	}
	return r.retry.do(ctx, r.logger, "blob.redis.del", ref.ID(), func() error {
		return r.cache.Del(ctx, redisKeyPrefix+ref.ID())
	})
}
